package session

import (
	"context"
	"crypto/sha512"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"inet.af/netaddr"

	"github.com/dnsrona/iodns/internal/metrics"
	"github.com/dnsrona/iodns/internal/rc4stream"
	"github.com/dnsrona/iodns/internal/registry"
	"github.com/dnsrona/iodns/internal/wire"
)

// fakeConn implements net.Conn with canned-data fields (write chunk size,
// read data, injected errors) and records what was written, grounded on
// the connStub pattern in bassosimone-minest's dnsoverudp_test.go.
type fakeConn struct {
	writeChunk int // 0 means unlimited
	readData   []byte
	readErr    error
	writeErr   error
	closed     bool

	written []byte
	writes  int
}

func (c *fakeConn) Read(b []byte) (int, error) {
	if c.readErr != nil {
		return 0, c.readErr
	}
	n := copy(b, c.readData)
	return n, nil
}

func (c *fakeConn) Write(b []byte) (int, error) {
	c.writes++
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	n := len(b)
	if c.writeChunk > 0 && n > c.writeChunk {
		n = c.writeChunk
	}
	c.written = append(c.written, b[:n]...)
	return n, nil
}

func (c *fakeConn) Close() error                       { c.closed = true; return nil }
func (c *fakeConn) LocalAddr() net.Addr                { return nil }
func (c *fakeConn) RemoteAddr() net.Addr               { return nil }
func (c *fakeConn) SetDeadline(time.Time) error        { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error    { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error   { return nil }

func newRegistry(t *testing.T, n int) *registry.Registry {
	t.Helper()
	servers := make([]*registry.Server, n)
	for i := range servers {
		servers[i] = registry.NewServer(i, "10.0.0.1:8388", netaddr.IPPort{}, []byte("secret"))
	}
	reg, err := registry.New(servers)
	require.NoError(t, err)
	return reg
}

func testForwarder(t *testing.T, reg *registry.Registry, dial Dialer) *Forwarder {
	t.Helper()
	logger := zap.NewNop()
	f := NewForwarder(reg, wire.Upstream{Host: "8.8.8.8", Port: "53"}, logger, metrics.Noop(), mocktracer.New())
	f.Dial = dial
	f.DialTimeout = time.Second
	f.IOTimeout = time.Second
	return f
}

func sampleFramedQuery(t *testing.T) []byte {
	t.Helper()
	// A minimal but well-formed DNS message, TCP-framed (2-byte length
	// prefix + message), so wire.QuestionName can parse it.
	msg := []byte{
		0, 0, // id
		1, 0, // flags: RD
		0, 1, 0, 0, 0, 0, 0, 0, // qdcount=1, rest 0
		7, 'e', 'x', 'a', 'm', 'p', 'l', 'e', 3, 'c', 'o', 'm', 0, // example.com
		0, 1, 0, 1, // type A, class IN
	}
	return wire.FrameUDP(msg) // reuse as TCP-style 2-byte length framing
}

func encryptedResponse(t *testing.T, cipher *rc4stream.Stream, plaintext []byte) []byte {
	t.Helper()
	out := make([]byte, len(plaintext))
	cipher.XORKeyStream(out, plaintext)
	return out
}

func TestForwardHappyPath(t *testing.T) {
	reg := newRegistry(t, 1)
	payload := sampleFramedQuery(t)

	var capturedRecord []byte
	var dialedAddr string
	dial := func(ctx context.Context, network, addr string, timeout time.Duration) (net.Conn, error) {
		dialedAddr = addr
		conn := &fakeConn{}
		return &recordingConn{fakeConn: conn, onWrite: func(b []byte) { capturedRecord = append(capturedRecord, b...) }}, nil
	}
	f := testForwarder(t, reg, dial)

	// We can't know the session key ahead of the call (fresh salt each
	// time), so drive the call through a conn that echoes back a
	// response encrypted under the *same* cipher pair the forwarder
	// derives — achieved by intercepting Build indirectly via the wire
	// package isn't possible here, so instead we verify the plaintext
	// record layout and separately verify decrypt via a round trip test
	// in TestForwardDecryptsResponse.
	_, _ = f.Forward(context.Background(), wire.TCP, payload)

	require.Equal(t, "10.0.0.1:8388", dialedAddr)
	require.GreaterOrEqual(t, len(capturedRecord), wire.RecordHeaderLen)
	header := append([]byte(nil), capturedRecord[0:4]...)
	rc4stream.New(deriveKeyFromRecord(capturedRecord)).XORKeyStream(header, header)
	require.Equal(t, wire.Magic, beUint32(header))
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// recordingConn wraps a fakeConn and invokes onWrite with every chunk
// written, so the test can capture the full outbound record built with
// a fresh salt each call.
type recordingConn struct {
	*fakeConn
	onWrite func([]byte)
}

func (c *recordingConn) Write(b []byte) (int, error) {
	n, err := c.fakeConn.Write(b)
	if n > 0 {
		c.onWrite(b[:n])
	}
	return n, err
}

func TestForwardDecryptsResponse(t *testing.T) {
	reg := newRegistry(t, 1)
	payload := sampleFramedQuery(t)

	answer := []byte{9, 9, 9, 9, 9, 9, 9, 9}
	var conn *respondingConn
	dial := func(ctx context.Context, network, addr string, timeout time.Duration) (net.Conn, error) {
		conn = &respondingConn{fakeConn: &fakeConn{}, plainResponse: answer}
		return conn, nil
	}
	f := testForwarder(t, reg, dial)

	result, err := f.Forward(context.Background(), wire.TCP, payload)
	require.NoError(t, err)
	require.Equal(t, answer, result.Response)
	require.Equal(t, 0, result.ServerID)
	require.Equal(t, 1, result.ServerTried)
}

// respondingConn captures the written record (to recover the cipher key
// via the salt embedded in it) and, on first Read, returns
// plainResponse encrypted under that same key so Forward's decrypt path
// is exercised end to end.
type respondingConn struct {
	*fakeConn
	plainResponse []byte
	record        []byte
	responded     bool
}

func (c *respondingConn) Write(b []byte) (int, error) {
	n, err := c.fakeConn.Write(b)
	if n > 0 {
		c.record = append(c.record, b[:n]...)
	}
	return n, err
}

func (c *respondingConn) Read(b []byte) (int, error) {
	if c.responded {
		return 0, errors.New("already responded")
	}
	c.responded = true
	key := deriveKeyFromRecord(c.record)
	enc := rc4stream.New(key)
	out := make([]byte, len(c.plainResponse))
	enc.XORKeyStream(out, c.plainResponse)
	n := copy(b, out)
	return n, nil
}

func deriveKeyFromRecord(record []byte) []byte {
	salt := record[wire.RecordHeaderLen-236 : wire.RecordHeaderLen]
	sum := sha512.Sum512(append(append([]byte{}, salt...), []byte("secret")...))
	return sum[:]
}

func TestForwardConnectFailover(t *testing.T) {
	reg := newRegistry(t, 2)
	payload := sampleFramedQuery(t)

	attempts := 0
	dial := func(ctx context.Context, network, addr string, timeout time.Duration) (net.Conn, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("connection refused")
		}
		return &respondingConn{fakeConn: &fakeConn{}, plainResponse: []byte("ok")}, nil
	}
	f := testForwarder(t, reg, dial)

	result, err := f.Forward(context.Background(), wire.TCP, payload)
	require.NoError(t, err)
	require.Equal(t, 2, result.ServerTried)
}

func TestForwardAllServersDown(t *testing.T) {
	reg := newRegistry(t, 2)
	payload := sampleFramedQuery(t)

	dial := func(ctx context.Context, network, addr string, timeout time.Duration) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}
	f := testForwarder(t, reg, dial)

	_, err := f.Forward(context.Background(), wire.TCP, payload)
	require.Error(t, err)
	var typed *Error
	require.ErrorAs(t, err, &typed)
	require.Equal(t, KindRemoteConnectFail, typed.Kind)

	require.Equal(t, registry.ConnectFailurePenalty, reg.Server(0).Health())
	require.Equal(t, registry.ConnectFailurePenalty, reg.Server(1).Health())
}

func TestForwardPartialWrites(t *testing.T) {
	reg := newRegistry(t, 1)

	// Build a request whose record is exactly 600 bytes by padding the
	// sample query, sent to a conn that only accepts 100 bytes per
	// Write call.
	query := sampleFramedQuery(t)
	need := 600 - wire.RecordHeaderLen - len(query)
	padded := append(query, make([]byte, need)...)

	var conn *respondingConn
	dial := func(ctx context.Context, network, addr string, timeout time.Duration) (net.Conn, error) {
		conn = &respondingConn{fakeConn: &fakeConn{writeChunk: 100}, plainResponse: []byte("ok")}
		return conn, nil
	}
	f := testForwarder(t, reg, dial)

	result, err := f.Forward(context.Background(), wire.TCP, padded)
	require.NoError(t, err)
	require.Equal(t, "ok", string(result.Response))
	require.Len(t, conn.record, 600)
	require.Equal(t, 6, conn.fakeConn.writes)
}

func TestForwardParseFailureNeverDials(t *testing.T) {
	reg := newRegistry(t, 1)
	dialed := false
	dial := func(ctx context.Context, network, addr string, timeout time.Duration) (net.Conn, error) {
		dialed = true
		return &fakeConn{}, nil
	}
	f := testForwarder(t, reg, dial)

	_, err := f.Forward(context.Background(), wire.TCP, []byte{0, 1, 0xff})
	require.Error(t, err)
	var typed *Error
	require.ErrorAs(t, err, &typed)
	require.Equal(t, KindParseFail, typed.Kind)
	require.False(t, dialed)
}
