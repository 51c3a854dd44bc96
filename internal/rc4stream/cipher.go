// Package rc4stream implements the RC4-family stream cipher used on the
// wire between iodns and its ioserver peer. It exists for compatibility
// with that wire format — it is not a security recommendation, and the
// cipher state carries no authentication or integrity tag.
package rc4stream

// KeySize is the length of the key iodns derives for each connection (a
// SHA-512 digest). New accepts any non-empty key; only its first 256
// bytes participate in the key schedule.
const KeySize = 64

// Stream is one keyed arc-four permutation plus its two running indices.
// A connection keeps two independent Streams, one per direction; advancing
// one never touches the other.
type Stream struct {
	s    [256]byte
	i, j uint8
}

// New initializes a Stream from key. Only the first 256 bytes of key
// participate in the schedule; if key is shorter than that it wraps via
// key[i % len(key)], matching the reference key-schedule.
func New(key []byte) *Stream {
	if len(key) == 0 {
		panic("rc4stream: empty key")
	}
	st := &Stream{}
	for i := 0; i < 256; i++ {
		st.s[i] = uint8(i)
	}
	var j uint8
	for i := 0; i < 256; i++ {
		j += st.s[i] + key[i%len(key)]
		st.s[i], st.s[j] = st.s[j], st.s[i]
	}
	return st
}

// XORKeyStream advances the stream by len(src) bytes and writes
// src XOR keystream into dst. dst and src may alias (in-place use is the
// common case on both the request builder and the response path).
func (st *Stream) XORKeyStream(dst, src []byte) {
	for n, b := range src {
		st.i++
		st.j += st.s[st.i]
		st.s[st.i], st.s[st.j] = st.s[st.j], st.s[st.i]
		dst[n] = b ^ st.s[(st.s[st.i]+st.s[st.j])]
	}
}

// Pair holds the two independent stream halves of one connection: Enc for
// bytes flowing to the remote, Dec for bytes flowing back. The reference
// wire format keys both halves from the same derived key; the remote peer
// mirrors that, so the encrypt and decrypt streams here are NOT mirror
// images of each other — they are two separate RC4 streams that happen to
// share an initial key, each advancing only as its own direction is used.
type Pair struct {
	Enc *Stream
	Dec *Stream
}

// NewPair builds both halves of a connection from the same key.
func NewPair(key []byte) *Pair {
	return &Pair{Enc: New(key), Dec: New(key)}
}
