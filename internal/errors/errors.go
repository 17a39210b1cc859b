package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Class partitions proxy errors by how they must be handled.
type Class int

const (
	// ClassConstruction marks an invalid blueprint. Confined to the
	// worker applying it; the previous generation keeps serving.
	ClassConstruction Class = iota

	// ClassTransport marks an upstream connect/read/write failure.
	// Mapped to a gateway-style error response.
	ClassTransport

	// ClassProtocol marks a malformed downstream frame. The connection
	// is reset without a response.
	ClassProtocol

	// ClassPool marks pool exhaustion or a stale pooled connection.
	// Retryable inside the connector; surfaces as transport failure
	// only when retries are exhausted.
	ClassPool

	// ClassTimeout marks an expired deadline. The TimeoutKind decides
	// the terminal behavior.
	ClassTimeout
)

func (c Class) String() string {
	switch c {
	case ClassConstruction:
		return "construction"
	case ClassTransport:
		return "transport"
	case ClassProtocol:
		return "protocol"
	case ClassPool:
		return "pool"
	case ClassTimeout:
		return "timeout"
	}
	return "unknown"
}

// TimeoutKind identifies which configured deadline expired.
type TimeoutKind int

const (
	TimeoutHeaderRead TimeoutKind = iota
	TimeoutIdle
	TimeoutUpstreamConnect
)

func (k TimeoutKind) String() string {
	switch k {
	case TimeoutHeaderRead:
		return "header_read"
	case TimeoutIdle:
		return "idle"
	case TimeoutUpstreamConnect:
		return "upstream_connect"
	}
	return "unknown"
}

// ProxyError is the error type that flows through the pipeline.
type ProxyError struct {
	Class      Class
	Kind       TimeoutKind // meaningful only for ClassTimeout
	Message    string
	underlying error
}

func (e *ProxyError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.underlying)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *ProxyError) Unwrap() error { return e.underlying }

// Construction wraps a blueprint build failure.
func Construction(err error, message string) *ProxyError {
	return &ProxyError{Class: ClassConstruction, Message: message, underlying: err}
}

// Transport wraps an upstream I/O failure.
func Transport(err error, message string) *ProxyError {
	return &ProxyError{Class: ClassTransport, Message: message, underlying: err}
}

// Protocol wraps a malformed-frame failure.
func Protocol(err error, message string) *ProxyError {
	return &ProxyError{Class: ClassProtocol, Message: message, underlying: err}
}

// Pool wraps a pool checkout failure.
func Pool(err error, message string) *ProxyError {
	return &ProxyError{Class: ClassPool, Message: message, underlying: err}
}

// Timeout wraps a deadline expiry of the given kind.
func Timeout(kind TimeoutKind, err error) *ProxyError {
	return &ProxyError{Class: ClassTimeout, Kind: kind, Message: kind.String() + " timeout", underlying: err}
}

// AsProxyError unwraps err into a *ProxyError if one is in the chain.
func AsProxyError(err error) (*ProxyError, bool) {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// StatusFor maps an error to the HTTP status of its protocol-visible
// response. A zero return means no response may be written: the
// connection is terminated instead.
func StatusFor(err error) int {
	pe, ok := AsProxyError(err)
	if !ok {
		return http.StatusBadGateway
	}
	switch pe.Class {
	case ClassTransport, ClassPool:
		return http.StatusBadGateway
	case ClassTimeout:
		switch pe.Kind {
		case TimeoutHeaderRead:
			return http.StatusRequestTimeout
		case TimeoutUpstreamConnect:
			return http.StatusGatewayTimeout
		default:
			return 0
		}
	default:
		return 0
	}
}

// IsTimeout reports whether err is a ClassTimeout error of kind k.
func IsTimeout(err error, k TimeoutKind) bool {
	pe, ok := AsProxyError(err)
	return ok && pe.Class == ClassTimeout && pe.Kind == k
}
