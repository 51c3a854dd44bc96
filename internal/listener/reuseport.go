package listener

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// reusableListenConfig returns a ListenConfig whose Control sets
// SO_REUSEADDR and SO_REUSEPORT on the underlying socket before bind,
// so a restarted iodns process can rebind its listen address while a
// prior instance's sockets are still draining in TIME_WAIT.
func reusableListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
					return
				}
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}
