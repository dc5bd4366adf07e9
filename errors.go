package opstream

import (
	"fmt"
)

// Error kinds carried by the protocol core. Construction-time errors are
// returned synchronously; errors discovered while processing inbound bytes
// are funneled into the stream's error path and close the stream.

// FormatError is unparseable or oversized input, or a malformed operation.
type FormatError struct {
	message string
}

func formatError(format string, a ...any) *FormatError {
	return &FormatError{
		message: fmt.Sprintf(format, a...),
	}
}

func (self *FormatError) Error() string {
	return self.message
}

// ProtocolError is an operation that is well formed but arrives out of
// protocol order or fails the handshake shape rules.
type ProtocolError struct {
	message string
}

func protocolError(format string, a ...any) *ProtocolError {
	return &ProtocolError{
		message: fmt.Sprintf(format, a...),
	}
}

func (self *ProtocolError) Error() string {
	return self.message
}

// ConfigError is bad stream setup or use of a stream that is not open.
type ConfigError struct {
	message string
}

func configError(format string, a ...any) *ConfigError {
	return &ConfigError{
		message: fmt.Sprintf(format, a...),
	}
}

func (self *ConfigError) Error() string {
	return self.message
}

// AuthorizationError is an inbound operation whose author does not match
// the stream's required author restriction.
type AuthorizationError struct {
	message string
}

func authorizationError(format string, a ...any) *AuthorizationError {
	return &AuthorizationError{
		message: fmt.Sprintf(format, a...),
	}
}

func (self *AuthorizationError) Error() string {
	return self.message
}
