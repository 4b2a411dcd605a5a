package proto

import (
	"errors"
	"fmt"
)

// ProtocolError reports a malformed frame. The connection that produced it
// must be closed.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ConnectionError reports a socket level failure.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ApplicationError reports a well formed message that cannot be applied.
// It is logged and dropped, the connection stays open.
type ApplicationError struct {
	Type   string
	Reason string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("application error: %s: %s", e.Type, e.Reason)
}

func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func IsApplication(err error) bool {
	var ae *ApplicationError
	return errors.As(err, &ae)
}
