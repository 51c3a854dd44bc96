// Package session implements the per-query forwarding engine: the state
// machine that takes one client DNS query, selects a healthy ioserver,
// builds and sends the encrypted handshake record, and returns the
// decrypted response. This is the hard part the rest of the repository
// exists to support (spec §1, §4.5).
//
// The reference implementation expresses this as five libev callbacks
// sharing one heap-allocated connection record, coordinating through a
// watcher-per-socket state machine (RX_CLIENT → SELECT → AWAIT_CONNECT →
// TX_REMOTE → RX_REMOTE). Forward below is the structured-concurrency
// translation spec §9 invites: one goroutine runs the sequence directly,
// the "connection record" is just this goroutine's locals, and a dropped
// net.Conn closes itself via defer instead of a callback walking a
// watcher-lifecycle by hand. Every state transition, invariant, and
// termination path in §4.5 is preserved; only the scheduling mechanism
// changes.
package session

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"

	ot "github.com/opentracing/opentracing-go"
	"go.uber.org/zap"

	"github.com/dnsrona/iodns/internal/metrics"
	"github.com/dnsrona/iodns/internal/rc4stream"
	"github.com/dnsrona/iodns/internal/registry"
	"github.com/dnsrona/iodns/internal/tracing"
	"github.com/dnsrona/iodns/internal/wire"
)

// MaxConnectAttempts bounds server_tried, mirroring the reference
// implementation's MAX_TRY. Once a request byte has reached an
// ioserver, no further attempt is made for that query even if
// MaxConnectAttempts has not been reached: retries are connect-time
// only.
const MaxConnectAttempts = 4

// RemoteBufferSize is the size of the buffer used to read an ioserver's
// response. The reference implementation reassembles nothing: a
// response is read in exactly one recv, so RemoteBufferSize also bounds
// the largest response iodns can relay (spec §9 Open Questions).
const RemoteBufferSize = 8192

// Dialer abstracts net.DialTimeout so tests can substitute sockets that
// fail, stall, or accept writes in small chunks without a real network.
type Dialer func(ctx context.Context, network, addr string, timeout time.Duration) (net.Conn, error)

func defaultDialer(ctx context.Context, network, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, network, addr)
}

// Forwarder owns the registry of ioservers and the fixed upstream
// resolver address embedded in every handshake record; it has no
// per-query state of its own, so one Forwarder safely serves concurrent
// queries from any number of listener goroutines.
type Forwarder struct {
	Registry *registry.Registry
	Upstream wire.Upstream

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Tracer  ot.Tracer

	DialTimeout time.Duration
	IOTimeout   time.Duration

	Dial Dialer
}

// NewForwarder builds a Forwarder with the defaults a production
// listener uses: real sockets, a 5s dial timeout, a 10s I/O timeout.
func NewForwarder(reg *registry.Registry, upstream wire.Upstream, logger *zap.Logger, m *metrics.Metrics, tracer ot.Tracer) *Forwarder {
	return &Forwarder{
		Registry:    reg,
		Upstream:    upstream,
		Logger:      logger,
		Metrics:     m,
		Tracer:      tracer,
		DialTimeout: 5 * time.Second,
		IOTimeout:   10 * time.Second,
		Dial:        defaultDialer,
	}
}

// Result carries a forwarded query's decrypted response plus the
// bookkeeping spec §8's testable properties ask for.
type Result struct {
	Response    []byte
	ServerID    int
	ServerTried int
}

// Forward runs one query through SELECT → AWAIT_CONNECT → TX_REMOTE →
// RX_REMOTE, retrying server selection on connect failure up to
// MaxConnectAttempts times. framedPayload is the exact bytes that will
// occupy the handshake record's payload region: for TCP, the client's
// own 2-byte length prefix plus message; for UDP, the result of
// wire.FrameUDP. The returned Response is in the same framing.
func (f *Forwarder) Forward(ctx context.Context, protocol wire.Protocol, framedPayload []byte) (*Result, error) {
	start := time.Now()

	qname, err := wire.QuestionName(framedPayload)
	if err != nil {
		return nil, ParseFail(err)
	}

	span, ctx := tracing.StartQuery(ctx, f.Tracer, protocol.String(), qname)
	defer span.Finish()

	var lastErr error
	for tried := 1; tried <= MaxConnectAttempts; tried++ {
		resp, server, err := f.attempt(ctx, protocol, qname, framedPayload)
		if err == nil {
			f.observe(protocol, "ok", tried, start)
			return &Result{Response: resp, ServerID: server.ID, ServerTried: tried}, nil
		}

		lastErr = err
		// Only a connect failure retries against another server. Once a
		// request byte has left the wire (SendFail/RemoteReset), retrying
		// would violate at-most-once semantics at the remote, so stop.
		if typed, ok := err.(*Error); !ok || typed.Kind != KindRemoteConnectFail {
			f.observe(protocol, "error", tried, start)
			return nil, err
		}
	}

	f.observe(protocol, "exhausted", MaxConnectAttempts, start)
	return nil, lastErr
}

// reportHealth publishes server's current health value, taken after
// Pick or Penalize, as the ServerHealth gauge for its id.
func (f *Forwarder) reportHealth(server *registry.Server) {
	if f.Metrics == nil {
		return
	}
	f.Metrics.ServerHealth.WithLabelValues(strconv.Itoa(server.ID)).Set(float64(server.Health()))
}

func (f *Forwarder) observe(protocol wire.Protocol, outcome string, tried int, start time.Time) {
	if f.Metrics == nil {
		return
	}
	f.Metrics.QueriesTotal.WithLabelValues(protocol.String(), outcome).Inc()
	f.Metrics.QueryDuration.WithLabelValues(protocol.String()).Observe(time.Since(start).Seconds())
	f.Metrics.ServerTriedPerQry.Observe(float64(tried))
}

// attempt runs a single SELECT→AWAIT_CONNECT→TX_REMOTE→RX_REMOTE pass
// against one freshly-chosen server.
func (f *Forwarder) attempt(ctx context.Context, protocol wire.Protocol, qname string, framedPayload []byte) ([]byte, *registry.Server, error) {
	selectSpan := tracing.StartChild(ctx, f.Tracer, "select")
	server, err := f.Registry.Pick()
	selectSpan.Finish()
	if err != nil {
		return nil, nil, RemoteConnectFail(err)
	}
	f.reportHealth(server)

	req, err := wire.Build(f.Upstream, server.Secret, framedPayload)
	if err != nil {
		return nil, server, ParseFail(err)
	}

	connectSpan := tracing.StartChild(ctx, f.Tracer, "connect")
	conn, err := f.Dial(ctx, "tcp", server.Addr, f.DialTimeout)
	connectSpan.Finish()
	if err != nil {
		f.Registry.Penalize(server.ID)
		f.reportHealth(server)
		if f.Metrics != nil {
			f.Metrics.ConnectFailures.WithLabelValues(strconv.Itoa(server.ID)).Inc()
		}
		if f.Logger != nil {
			f.Logger.Warn("connect to ioserver failed",
				zap.Int("server_id", server.ID),
				zap.String("server_addr", server.Addr),
				zap.Error(err),
			)
		}
		return nil, server, RemoteConnectFail(err)
	}
	defer conn.Close()

	if f.Logger != nil {
		f.Logger.Info("forwarding query",
			zap.String("qname", qname),
			zap.String("protocol", protocol.String()),
			zap.String("upstream", f.Upstream.Host+":"+f.Upstream.Port),
			zap.Int("server_id", server.ID),
			zap.String("server_addr", server.Addr),
		)
	}

	txSpan := tracing.StartChild(ctx, f.Tracer, "tx")
	err = writeFull(conn, req.Record, f.IOTimeout)
	txSpan.Finish()
	if err != nil {
		return nil, server, SendFail(err)
	}

	rxSpan := tracing.StartChild(ctx, f.Tracer, "rx")
	resp, err := readResponse(conn, f.IOTimeout, req.Cipher.Dec)
	rxSpan.Finish()
	if err != nil {
		return nil, server, RemoteReset(err)
	}

	return resp, server, nil
}

// writeFull pushes buf to conn, advancing past each partial write
// (tx_offset in spec terms) until every byte has gone out or an error
// occurs. A non-blocking EAGAIN/EWOULDBLOCK has no Go equivalent here:
// net.Conn.Write already blocks (up to the deadline) for readiness, so
// a short write with a nil error is the only "keep going" signal this
// loop needs to recognize.
func writeFull(conn net.Conn, buf []byte, timeout time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	offset := 0
	for offset < len(buf) {
		n, err := conn.Write(buf[offset:])
		offset += n
		if err != nil {
			return err
		}
	}
	return nil
}

// readResponse performs the single recv the reference implementation
// relies on (no reassembly across multiple reads) and decrypts in
// place.
func readResponse(conn net.Conn, timeout time.Duration, dec *rc4stream.Stream) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, RemoteBufferSize)
	n, err := conn.Read(buf)
	if n <= 0 {
		if err == nil {
			err = io.EOF
		}
		return nil, err
	}
	plain := make([]byte, n)
	dec.XORKeyStream(plain, buf[:n])
	return plain, nil
}
