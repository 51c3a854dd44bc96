// Package listener accepts client connections and packets on the
// local-facing socket and drives each one through the forwarding
// engine in internal/session. It owns the RX_CLIENT/TX_CLIENT/LINGER
// states the reference implementation's watcher lifecycle handles at
// the connection layer, translated to the same goroutine-per-query
// model internal/session uses for the remote leg.
//
// Grounded on the accept-loop/packet-loop shape of the teacher's
// ServerQUIC.Serve/ServePacket (core/dnsserver/server_quic.go),
// generalized past QUIC streams to plain length-prefixed TCP and bare
// UDP datagrams the way jroosing-HydraDNS's TCPServer/UDPServer do.
package listener

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dnsrona/iodns/internal/session"
	"github.com/dnsrona/iodns/internal/wire"
)

const (
	// lingerDuration is the pause between writing a response to the
	// client and closing its TCP socket, matching the reference
	// implementation's 1.0s LINGER state.
	lingerDuration = 1 * time.Second

	maxTCPMessageSize = 65535
	udpBufferSize     = 65535
	clientIOTimeout   = 30 * time.Second
)

// Listener binds the DNS-facing TCP and UDP sockets and forwards every
// accepted query through a Forwarder.
type Listener struct {
	Forwarder *session.Forwarder
	Logger    *zap.Logger

	mu     sync.Mutex
	tcp    net.Listener
	udp    net.PacketConn
	closed bool
	wg     sync.WaitGroup
}

// New builds a Listener bound to no socket yet; call Listen then Serve.
func New(fwd *session.Forwarder, logger *zap.Logger) *Listener {
	return &Listener{Forwarder: fwd, Logger: logger}
}

// Listen binds both the TCP and UDP sockets at addr ("host:port").
// Failure here maps to LISTEN_FAIL (spec §6, exit code 4).
func (l *Listener) Listen(ctx context.Context, addr string) error {
	lc := reusableListenConfig()

	tcp, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	udp, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		tcp.Close()
		return err
	}

	l.mu.Lock()
	l.tcp, l.udp = tcp, udp
	l.mu.Unlock()
	return nil
}

// Serve runs the TCP accept loop and UDP packet loop until Stop is
// called, blocking until both have exited.
func (l *Listener) Serve(ctx context.Context) {
	l.wg.Add(2)
	go func() { defer l.wg.Done(); l.acceptLoop(ctx) }()
	go func() { defer l.wg.Done(); l.packetLoop(ctx) }()
	l.wg.Wait()
}

// Stop closes both sockets and waits for the accept and packet loops to
// exit. Per-query handlers already running are not waited for.
func (l *Listener) Stop() error {
	l.mu.Lock()
	l.closed = true
	var err error
	if l.tcp != nil {
		err = l.tcp.Close()
	}
	if l.udp != nil {
		if e := l.udp.Close(); err == nil {
			err = e
		}
	}
	l.mu.Unlock()

	l.wg.Wait()
	return err
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.tcp.Accept()
		if err != nil {
			if l.isClosed() {
				return
			}
			if l.Logger != nil {
				l.Logger.Warn("tcp accept failed", zap.Error(err))
			}
			return
		}
		go l.handleTCP(ctx, conn)
	}
}

// handleTCP runs RX_CLIENT → (forward) → TX_CLIENT → LINGER →
// TERMINATE for the one query this accepted connection carries. Each
// accepted TCP socket is a single connection record closed by the
// deferred Close: after a fully written response that close follows a
// 1.0s linger; a read error, a forwarding error or a failed write to
// the client skips the linger and closes at once.
func (l *Listener) handleTCP(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	msg, err := readTCPQuery(conn)
	if err != nil {
		return
	}

	result, err := l.Forwarder.Forward(ctx, wire.TCP, msg)
	if err != nil {
		if l.Logger != nil {
			l.Logger.Warn("forward failed", zap.String("protocol", "tcp"), zap.Error(err))
		}
		return
	}

	if err := writeTCPResponse(conn, result.Response); err != nil {
		return
	}

	time.Sleep(lingerDuration)
}

// readTCPQuery reads one 2-byte-length-prefixed DNS message and
// returns it with its prefix intact: that is exactly the framing
// wire.Build expects as a handshake record's payload.
func readTCPQuery(conn net.Conn) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(clientIOTimeout)); err != nil {
		return nil, err
	}
	var lenBuf [wire.LengthPrefixSize]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, session.ClientReset(err)
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n == 0 || int(n) > maxTCPMessageSize {
		return nil, session.ClientReset(io.ErrShortBuffer)
	}

	msg := make([]byte, wire.LengthPrefixSize+int(n))
	copy(msg, lenBuf[:])
	if _, err := io.ReadFull(conn, msg[wire.LengthPrefixSize:]); err != nil {
		return nil, session.ClientReset(err)
	}
	return msg, nil
}

func writeTCPResponse(conn net.Conn, framedResponse []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(clientIOTimeout)); err != nil {
		return session.ClientReset(err)
	}
	if _, err := conn.Write(framedResponse); err != nil {
		return session.ClientReset(err)
	}
	return nil
}

func (l *Listener) packetLoop(ctx context.Context) {
	buf := make([]byte, udpBufferSize)
	for {
		n, peer, err := l.udp.ReadFrom(buf)
		if err != nil {
			if l.isClosed() {
				return
			}
			if l.Logger != nil {
				l.Logger.Warn("udp read failed", zap.Error(err))
			}
			return
		}

		msg := make([]byte, n)
		copy(msg, buf[:n])
		go l.handleUDP(ctx, msg, peer)
	}
}

// handleUDP forwards one bare UDP query, 2-byte-framing it for the
// handshake record's payload region and stripping that framing back
// off the response before it goes out on the client socket.
func (l *Listener) handleUDP(ctx context.Context, msg []byte, peer net.Addr) {
	result, err := l.Forwarder.Forward(ctx, wire.UDP, wire.FrameUDP(msg))
	if err != nil {
		if l.Logger != nil {
			l.Logger.Warn("forward failed", zap.String("protocol", "udp"), zap.Error(err))
		}
		return
	}

	resp, err := wire.UnframeUDP(result.Response)
	if err != nil {
		if l.Logger != nil {
			l.Logger.Warn("malformed response from ioserver", zap.Error(err))
		}
		return
	}

	if _, err := l.udp.WriteTo(resp, peer); err != nil && l.Logger != nil {
		l.Logger.Warn("udp write failed", zap.Error(err))
	}
}
