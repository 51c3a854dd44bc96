// Package wire builds and frames the messages exchanged with the
// ioserver: the fixed 512-byte handshake record that opens every remote
// connection, and the length-prefixing rules that reconcile the TCP and
// UDP client-facing protocols with the single TCP stream the ioserver
// expects.
package wire

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"fmt"

	"github.com/dnsrona/iodns/internal/rc4stream"
)

// Magic opens every handshake record. It is 0x526F6E61, which reads as
// the ASCII bytes "Rona" big-endian — a holdover naming accident from
// the wire format this is compatible with, kept as a named constant.
const Magic uint32 = 0x526F6E61

const (
	hostFieldLen    = 257
	portFieldLen    = 15
	saltLen         = 236
	headerLen       = 4 + hostFieldLen + portFieldLen // 276
	RecordHeaderLen = headerLen + saltLen             // 512
)

// Upstream is the upstream DNS resolver address embedded in every
// handshake record, so the ioserver knows where to forward the payload.
type Upstream struct {
	Host string
	Port string
}

func putNulPadded(dst []byte, s string) error {
	if len(s)+1 > len(dst) {
		return fmt.Errorf("wire: %q is too long for a %d-byte field", s, len(dst))
	}
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, s)
	return nil
}

// Request is a single handshake-record-plus-payload ready to send to an
// ioserver, along with the cipher pair keyed for this connection: Enc
// for the bytes just produced, Dec for the response that will follow.
type Request struct {
	Record []byte
	Cipher *rc4stream.Pair
}

// Build assembles the 512+len(payload)-byte outbound record: magic,
// upstream host/port, fresh random salt, and the DNS payload, then
// encrypts the header (magic+host+port, NOT the salt) and the payload
// in place, in that order, on the same outbound cipher stream. The key
// is SHA-512(salt || secret); both halves of the returned cipher pair
// share that key, matching the ioserver's mirrored initialization.
func Build(upstream Upstream, secret, payload []byte) (*Request, error) {
	record := make([]byte, RecordHeaderLen+len(payload))

	binary.BigEndian.PutUint32(record[0:4], Magic)
	if err := putNulPadded(record[4:4+hostFieldLen], upstream.Host); err != nil {
		return nil, err
	}
	if err := putNulPadded(record[4+hostFieldLen:headerLen], upstream.Port); err != nil {
		return nil, err
	}

	salt := record[headerLen:RecordHeaderLen]
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("wire: generating salt: %w", err)
	}

	key := deriveKey(salt, secret)
	pair := rc4stream.NewPair(key)

	pair.Enc.XORKeyStream(record[:headerLen], record[:headerLen])

	copy(record[RecordHeaderLen:], payload)
	pair.Enc.XORKeyStream(record[RecordHeaderLen:], record[RecordHeaderLen:])

	return &Request{Record: record, Cipher: pair}, nil
}

// deriveKey computes SHA-512(salt || secret). Equal salt and secret
// values always derive equal keys; changing either input changes the
// derived key completely (cascade of SHA-512 avalanche), so truncating
// or mutating either one before this call is the only point of control
// over an endpoint's effective session key.
func deriveKey(salt, secret []byte) []byte {
	h := sha512.New()
	h.Write(salt)
	h.Write(secret)
	return h.Sum(nil)
}
