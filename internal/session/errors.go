package session

import "fmt"

// Kind is one of the per-query error kinds from the forwarder's error
// handling design: each terminates the single query that hit it, logs,
// and lets the listener loop continue.
type Kind string

const (
	KindClientReset       Kind = "CLIENT_RESET"
	KindRemoteConnectFail Kind = "REMOTE_CONNECT_FAIL"
	KindRemoteReset       Kind = "REMOTE_RESET"
	KindSendFail          Kind = "SEND_FAIL"
	KindParseFail         Kind = "PARSE_FAIL"
)

// Error wraps one of the Kind values with the underlying cause, so
// callers can branch on Kind (or errors.As) without string matching.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// ClientReset wraps an error observed while reading from or writing to
// the client-facing socket.
func ClientReset(err error) error { return &Error{Kind: KindClientReset, Err: err} }

// RemoteConnectFail wraps an error observed while selecting or
// connecting to an ioserver.
func RemoteConnectFail(err error) error { return &Error{Kind: KindRemoteConnectFail, Err: err} }

// RemoteReset wraps an error observed while reading the ioserver's
// response, or a connection the ioserver closed mid-exchange.
func RemoteReset(err error) error { return &Error{Kind: KindRemoteReset, Err: err} }

// SendFail wraps an error observed while writing the request record to
// the ioserver.
func SendFail(err error) error { return &Error{Kind: KindSendFail, Err: err} }

// ParseFail wraps a failure to extract the outbound query's question
// name or to build the handshake record around it.
func ParseFail(err error) error { return &Error{Kind: KindParseFail, Err: err} }
