// Package privdrop drops root privileges after the listener has bound
// its (typically privileged) port, via golang.org/x/sys/unix the same
// way the teacher reaches for that module for raw syscalls it has no
// stdlib equivalent for.
package privdrop

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// To sets the process's group and user IDs to those named by group
// and user, in that order (group must drop first: once the user ID is
// non-root, a setgid call will itself be refused by the kernel).
// Either name may be empty, in which case that half of the drop is
// skipped.
func To(userName, group string) error {
	if group != "" {
		gid, err := lookupGID(group)
		if err != nil {
			return fmt.Errorf("privdrop: %w", err)
		}
		if err := unix.Setgid(gid); err != nil {
			return fmt.Errorf("privdrop: setgid(%d): %w", gid, err)
		}
	}

	if userName != "" {
		uid, err := lookupUID(userName)
		if err != nil {
			return fmt.Errorf("privdrop: %w", err)
		}
		if err := unix.Setuid(uid); err != nil {
			return fmt.Errorf("privdrop: setuid(%d): %w", uid, err)
		}
	}

	return nil
}

func lookupUID(name string) (int, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(u.Uid)
}

func lookupGID(name string) (int, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(g.Gid)
}
