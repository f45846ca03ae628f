package model

import (
	"errors"
	"fmt"
)

// Auth failure reasons.
const (
	ReasonCredentialExpired = "credential_expired"
	ReasonTokenRejected     = "token_rejected"
	ReasonForbidden         = "forbidden"

	// ReasonCredentialUnavailable means the refresh material could not be loaded.
	ReasonCredentialUnavailable = "credential_unavailable"
)

var (
	// ErrNotFound is returned when the backend has no file with the given id.
	ErrNotFound = errors.New("file not found")

	// ErrClientDisconnected signals that the client went away mid-transfer.
	// It is a normal termination, not a failure.
	ErrClientDisconnected = errors.New("client disconnected")
)

// AuthError reports a rejected, expired, or unrefreshable credential.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// MalformedRangeError reports a Range header that could not be parsed.
// The proxy degrades to a whole-file response when it sees one.
type MalformedRangeError struct {
	Header string
	Reason string
}

func (e *MalformedRangeError) Error() string {
	return fmt.Sprintf("malformed range %q: %s", e.Header, e.Reason)
}

// RangeNotSatisfiableError reports a range that lies outside the file.
type RangeNotSatisfiableError struct {
	Header string
	Size   uint64
}

func (e *RangeNotSatisfiableError) Error() string {
	return fmt.Sprintf("range %q not satisfiable for size %d", e.Header, e.Size)
}

// UpstreamError reports an unexpected status or transport failure from the
// storage backend. Code is 0 when no response was received.
type UpstreamError struct {
	Code int
	Err  error
}

func (e *UpstreamError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("upstream: %v", e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("upstream status %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("upstream status %d", e.Code)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
