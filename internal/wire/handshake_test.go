package wire

import (
	"encoding/binary"
	"testing"

	"github.com/dnsrona/iodns/internal/rc4stream"
	"github.com/stretchr/testify/require"
)

func TestBuildLayout(t *testing.T) {
	payload := []byte("hello dns")
	secret := []byte("abc")
	req, err := Build(Upstream{Host: "8.8.8.8", Port: "53"}, secret, payload)
	require.NoError(t, err)
	require.Len(t, req.Record, RecordHeaderLen+len(payload))

	// Undo the two encryption passes to recover the pre-encryption layout,
	// re-deriving the key from the salt (sent in the clear) and the known
	// secret exactly as the ioserver would.
	salt := req.Record[headerLen:RecordHeaderLen]
	key := deriveKey(salt, secret)
	dec := rc4stream.New(key)

	plain := append([]byte(nil), req.Record...)
	dec.XORKeyStream(plain[:headerLen], plain[:headerLen])
	dec.XORKeyStream(plain[RecordHeaderLen:], plain[RecordHeaderLen:])

	require.Equal(t, Magic, binary.BigEndian.Uint32(plain[0:4]))
	require.Contains(t, string(plain[4:4+hostFieldLen]), "8.8.8.8\x00")
	require.Contains(t, string(plain[4+hostFieldLen:headerLen]), "53\x00")
	require.Equal(t, payload, plain[RecordHeaderLen:])
}

func TestBuildRejectsOversizedHost(t *testing.T) {
	longHost := make([]byte, hostFieldLen)
	for i := range longHost {
		longHost[i] = 'a'
	}
	_, err := Build(Upstream{Host: string(longHost), Port: "53"}, []byte("abc"), nil)
	require.Error(t, err)
}

func TestKeyDerivationDeterministic(t *testing.T) {
	salt := []byte("some-salt-value")
	secret := []byte("shared-secret")
	require.Equal(t, deriveKey(salt, secret), deriveKey(salt, secret))

	require.NotEqual(t, deriveKey(salt, secret), deriveKey([]byte("other-salt-value"), secret))
	require.NotEqual(t, deriveKey(salt, secret), deriveKey(salt, []byte("other-secret")))
}

func TestBuildSaltIsFreshEachCall(t *testing.T) {
	a, err := Build(Upstream{Host: "8.8.8.8", Port: "53"}, []byte("abc"), []byte("x"))
	require.NoError(t, err)
	b, err := Build(Upstream{Host: "8.8.8.8", Port: "53"}, []byte("abc"), []byte("x"))
	require.NoError(t, err)

	require.NotEqual(t, a.Record[headerLen:RecordHeaderLen], b.Record[headerLen:RecordHeaderLen])
}
