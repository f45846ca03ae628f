// Package model defines shared types for the proxy.
package model

import (
	"io"
	"time"
)

// AccessToken is a short-lived bearer credential for the storage backend.
type AccessToken struct {
	Value  string
	Expiry time.Time
}

// ValidAt reports whether the token can still be handed out at now.
// A token whose expiry is at or before now is expired.
func (t AccessToken) ValidAt(now time.Time) bool {
	return t.Value != "" && now.Before(t.Expiry)
}

// FileDescriptor is a per-request snapshot of a stored file's metadata.
// MimeType is already resolved for playback.
type FileDescriptor struct {
	ID        string
	Name      string
	SizeBytes uint64
	MimeType  string
}

// ByteRange is an inclusive byte window [Start, End].
type ByteRange struct {
	Start uint64
	End   uint64
}

// Length returns the number of bytes covered by the range.
func (r ByteRange) Length() uint64 {
	return r.End - r.Start + 1
}

// StreamRequest describes one inbound proxy call.
type StreamRequest struct {
	FileID      string
	RangeHeader string // empty when the client sent no Range header
}

// ProxyResponse is the negotiated outcome of a proxy call. Body is nil for
// metadata-only (HEAD) requests; otherwise it is a live upstream stream that
// must be read once and closed by the caller.
type ProxyResponse struct {
	Descriptor FileDescriptor
	Range      ByteRange
	Partial    bool
	Body       io.ReadCloser
}
