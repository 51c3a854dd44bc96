package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/miekg/dns"
)

// Protocol distinguishes the two client-facing transports.
type Protocol int

const (
	TCP Protocol = iota
	UDP
)

func (p Protocol) String() string {
	if p == TCP {
		return "tcp"
	}
	return "udp"
}

const LengthPrefixSize = 2

// FrameUDP turns a bare UDP DNS message into the length-prefixed form the
// ioserver always expects on its TCP payload: a 2-byte big-endian length
// followed by the message itself.
func FrameUDP(msg []byte) []byte {
	framed := make([]byte, LengthPrefixSize+len(msg))
	binary.BigEndian.PutUint16(framed, uint16(len(msg)))
	copy(framed[LengthPrefixSize:], msg)
	return framed
}

// UnframeUDP strips the 2-byte length prefix the ioserver's response
// carries, returning the bare DNS message to send back to a UDP client.
func UnframeUDP(framed []byte) ([]byte, error) {
	if len(framed) < LengthPrefixSize {
		return nil, fmt.Errorf("wire: response too short to carry a length prefix (%d bytes)", len(framed))
	}
	l := binary.BigEndian.Uint16(framed)
	msg := framed[LengthPrefixSize:]
	if int(l) != len(msg) {
		return nil, fmt.Errorf("wire: length prefix %d does not match payload of %d bytes", l, len(msg))
	}
	return msg, nil
}

// QuestionName parses the first question of a framed DNS payload, for
// logging only. TCP payloads carry their own 2-byte length prefix as
// received from the client; UDP payloads passed in here must already be
// framed with FrameUDP. A parse failure here is fatal for the query —
// the forwarder never interprets DNS content beyond this single field.
func QuestionName(payload []byte) (string, error) {
	if len(payload) < LengthPrefixSize {
		return "", fmt.Errorf("wire: payload too short to carry a length prefix (%d bytes)", len(payload))
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(payload[LengthPrefixSize:]); err != nil {
		return "", fmt.Errorf("wire: parsing DNS question: %w", err)
	}
	if len(msg.Question) == 0 {
		return "", fmt.Errorf("wire: DNS message carries no question")
	}
	return msg.Question[0].Name, nil
}
