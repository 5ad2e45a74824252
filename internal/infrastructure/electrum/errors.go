package electrum

import (
	"errors"
	"fmt"

	"github.com/tuxpay/tuxpay/internal/core/ports"
)

var ErrSessionClosed = errors.New("session closed")

// TransportError is a connect, send, receive or timeout failure.
type TransportError struct {
	Host string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error with %s: %s", e.Host, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RPCError is an error object returned by the server.
type RPCError struct {
	Host    string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error from %s: %d %s", e.Host, e.Code, e.Message)
}

// ProtocolError is a malformed or implausible message from the server.
type ProtocolError struct {
	Host   string
	Method string
	Reason string
}

func (e *ProtocolError) Error() string {
	if len(e.Method) > 0 {
		return fmt.Sprintf("invalid %s response from %s: %s", e.Method, e.Host, e.Reason)
	}
	return fmt.Sprintf("protocol violation by %s: %s", e.Host, e.Reason)
}

// NoServersError is returned when every candidate server failed.
type NoServersError struct {
	Symbol string
}

func (e *NoServersError) Error() string {
	return fmt.Sprintf("%s: %s", ports.ErrNoServers, e.Symbol)
}

func (e *NoServersError) Unwrap() error {
	return ports.ErrNoServers
}

// isServerFault reports whether the error can be recovered by switching to
// another server.
func isServerFault(err error) bool {
	var (
		transportErr *TransportError
		rpcErr       *RPCError
		protocolErr  *ProtocolError
	)
	return errors.As(err, &transportErr) ||
		errors.As(err, &rpcErr) ||
		errors.As(err, &protocolErr) ||
		errors.Is(err, ErrSessionClosed)
}
