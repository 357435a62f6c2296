// Package gwerrors defines the closed set of caller-visible error kinds
// returned by the session I/O engine.
package gwerrors

import (
	"errors"
	"fmt"
)

// Sentinel errors comparable with errors.Is. Wrapping errors (Timeout,
// ApplicationError, VersionMismatch) carry extra context and should be
// unwrapped with errors.As onto the matching typed error below.
var (
	// Disconnected indicates no live transport is available.
	Disconnected = errors.New("gwsession: client is disconnected")

	// TransportError indicates a frame parse failure or a server-emitted
	// transport-level error frame. The I/O task tears the connection down
	// and reconnects (if automatic connect is enabled).
	TransportError = errors.New("gwsession: transport error")

	// ProtocolViolation indicates a decode error on a specific payload field
	// (e.g. an unparseable server version string).
	ProtocolViolation = errors.New("gwsession: protocol violation")

	// Configuration indicates a missing URL, missing credentials, or an
	// invalid builder parameter.
	Configuration = errors.New("gwsession: configuration error")

	// Cancelled indicates shutdown was requested.
	Cancelled = errors.New("gwsession: cancelled")
)

// Timeout indicates a request/response round trip exceeded its configured
// deadline. A connect attempt that runs past ConnectTimeout is not reported
// with this type: the I/O task logs it and retries or halts.
type Timeout struct {
	Milliseconds int64
}

func (e *Timeout) Error() string {
	return fmt.Sprintf("gwsession: timed out after %dms", e.Milliseconds)
}

// ApplicationError indicates the server returned a correlated error response
// for a single request. It does not tear down the connection.
type ApplicationError struct {
	PayloadType uint32
	Details     string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("gwsession: application error (payload_type=%d): %s", e.PayloadType, e.Details)
}

// VersionMismatch indicates the server's protocol version is older than the
// version this library was built against.
type VersionMismatch struct {
	Required uint32
	Actual   uint32
}

func (e *VersionMismatch) Error() string {
	return fmt.Sprintf("gwsession: server version %d is below required version %d", e.Actual, e.Required)
}
