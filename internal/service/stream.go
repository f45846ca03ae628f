// Package service negotiates a proxy call: credential, metadata, byte range
// and the upstream media stream.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"gdrive-stream-proxy/internal/config"
	"gdrive-stream-proxy/internal/model"
	"gdrive-stream-proxy/internal/rangehdr"
)

// TokenSource supplies access tokens and accepts reports of rejected ones.
type TokenSource interface {
	AccessToken(ctx context.Context) (model.AccessToken, error)
	Invalidate(tok model.AccessToken)
}

// MetadataProvider looks up file descriptors.
type MetadataProvider interface {
	FileDescriptor(ctx context.Context, fileID string, tok model.AccessToken) (model.FileDescriptor, error)
}

// MediaFetcher opens file content, whole (nil range) or partial.
type MediaFetcher interface {
	FetchRange(ctx context.Context, fileID string, tok model.AccessToken, r *model.ByteRange) (int, io.ReadCloser, error)
}

// StreamService resolves a StreamRequest into a ready-to-relay response.
type StreamService struct {
	tokens TokenSource
	meta   MetadataProvider
	media  MediaFetcher
	chunk  uint64
	logger *slog.Logger
}

// NewStreamService creates a StreamService.
func NewStreamService(tokens TokenSource, meta MetadataProvider, media MediaFetcher, cfg *config.Config, logger *slog.Logger) *StreamService {
	return &StreamService{
		tokens: tokens,
		meta:   meta,
		media:  media,
		chunk:  cfg.Proxy.DefaultChunkBytes(),
		logger: logger.With("component", "stream_service"),
	}
}

// Open authorizes, describes and negotiates the request. When withBody is
// true the upstream stream is opened and returned in Body, which the caller
// must close; otherwise Body is nil.
//
// Cancelling ctx aborts the upstream request at any stage, including while
// the body is being read.
func (s *StreamService) Open(ctx context.Context, req model.StreamRequest, withBody bool) (*model.ProxyResponse, error) {
	tok, err := s.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtain access token: %w", err)
	}

	fd, err := s.meta.FileDescriptor(ctx, req.FileID, tok)
	if err != nil {
		s.invalidateOnReject(tok, err)
		return nil, fmt.Errorf("describe file: %w", err)
	}

	r, partial, err := rangehdr.Negotiate(req.RangeHeader, fd.SizeBytes, s.chunk)
	if err != nil {
		var malformed *model.MalformedRangeError
		if !errors.As(err, &malformed) {
			return nil, err
		}
		s.logger.Warn("ignoring malformed range header",
			"file_id", req.FileID,
			"range", malformed.Header,
			"reason", malformed.Reason,
		)
	}

	resp := &model.ProxyResponse{Descriptor: fd, Range: r, Partial: partial}
	if !withBody {
		return resp, nil
	}
	if fd.SizeBytes == 0 {
		resp.Body = http.NoBody
		return resp, nil
	}

	var want *model.ByteRange
	if partial {
		want = &r
	}
	status, body, err := s.media.FetchRange(ctx, req.FileID, tok, want)
	if err != nil {
		s.invalidateOnReject(tok, err)
		return nil, fmt.Errorf("fetch content: %w", err)
	}

	expected := http.StatusOK
	if partial {
		expected = http.StatusPartialContent
	}
	if status != expected {
		_ = body.Close()
		return nil, &model.UpstreamError{Code: status, Err: fmt.Errorf("expected status %d for range %s", expected, rangehdr.Header(r))}
	}

	resp.Body = body
	return resp, nil
}

// invalidateOnReject drops a token the backend refused so the next request
// refreshes. The current request is not retried.
func (s *StreamService) invalidateOnReject(tok model.AccessToken, err error) {
	var authErr *model.AuthError
	if errors.As(err, &authErr) && authErr.Reason == model.ReasonTokenRejected {
		s.tokens.Invalidate(tok)
		s.logger.Warn("backend rejected access token")
	}
}
