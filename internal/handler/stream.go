package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"regexp"
	"strconv"

	"github.com/labstack/echo/v4"

	"gdrive-stream-proxy/internal/metrics"
	"gdrive-stream-proxy/internal/model"
	"gdrive-stream-proxy/internal/rangehdr"
)

// relayBufferSize is the per-transfer unit used when piping upstream bytes.
const relayBufferSize = 8 << 10

// statusClientClosedRequest is recorded for requests abandoned by the client
// before any response was written. Nothing reaches the client.
const statusClientClosedRequest = 499

// fileIDPattern is the Drive file id alphabet.
var fileIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// tokenPattern matches bearer credentials embedded in error messages.
var tokenPattern = regexp.MustCompile(`(?i)(access_token=|bearer\s+)[^&\s"]+`)

const (
	corsAllowMethods  = "GET, HEAD, OPTIONS"
	corsAllowHeaders  = "Range, Accept-Ranges, Content-Type, Origin"
	corsExposeHeaders = "Content-Range, Content-Length, Accept-Ranges"
)

// Streamer resolves a stream request into a negotiated response.
type Streamer interface {
	Open(ctx context.Context, req model.StreamRequest, withBody bool) (*model.ProxyResponse, error)
}

// StreamHandler relays file bytes from the storage backend to players.
type StreamHandler struct {
	streamer Streamer
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewStreamHandler creates a StreamHandler. m may be nil.
func NewStreamHandler(s Streamer, logger *slog.Logger, m *metrics.Metrics) *StreamHandler {
	return &StreamHandler{
		streamer: s,
		logger:   logger.With("component", "stream_handler"),
		metrics:  m,
	}
}

// Handle serves GET, HEAD and OPTIONS for /proxy/:fileId.
//
// Once the status line is written, failures can only truncate the response;
// error text is never appended to the byte stream.
func (h *StreamHandler) Handle(c echo.Context) error {
	req := c.Request()
	setCORSHeaders(c.Response().Header())

	if req.Method == http.MethodOptions {
		return c.NoContent(http.StatusOK)
	}

	fileID := c.Param("fileId")
	if !fileIDPattern.MatchString(fileID) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid file id",
		})
	}

	resp, err := h.streamer.Open(req.Context(), model.StreamRequest{
		FileID:      fileID,
		RangeHeader: req.Header.Get("Range"),
	}, req.Method != http.MethodHead)
	if err != nil {
		return h.mapError(c, err)
	}
	if resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}

	status, length := writeEntityHeaders(c.Response().Header(), resp)
	c.Response().WriteHeader(status)

	if resp.Body == nil {
		return nil
	}

	n, err := relay(c.Response(), io.LimitReader(resp.Body, int64(length)))
	if h.metrics != nil {
		h.metrics.BytesRelayed.Add(float64(n))
	}

	switch {
	case err == nil:
		if uint64(n) != length {
			h.logger.Warn("upstream ended early",
				"file_id", fileID,
				"bytes", n,
				"expected", length,
			)
		}
	case errors.Is(err, model.ErrClientDisconnected) || req.Context().Err() != nil:
		if h.metrics != nil {
			h.metrics.ClientDisconnects.Inc()
		}
		h.logger.Debug("client disconnected",
			"file_id", fileID,
			"bytes", n,
			"expected", length,
		)
	case err != nil:
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"file_id", fileID,
			"bytes", n,
		)
	}

	return nil
}

func setCORSHeaders(h http.Header) {
	h.Set(echo.HeaderAccessControlAllowOrigin, "*")
	h.Set(echo.HeaderAccessControlAllowMethods, corsAllowMethods)
	h.Set(echo.HeaderAccessControlAllowHeaders, corsAllowHeaders)
	h.Set(echo.HeaderAccessControlExposeHeaders, corsExposeHeaders)
}

// writeEntityHeaders sets the entity headers and returns the status and body length.
func writeEntityHeaders(hdr http.Header, resp *model.ProxyResponse) (int, uint64) {
	fd := resp.Descriptor

	hdr.Set("Accept-Ranges", "bytes")
	hdr.Set(echo.HeaderContentType, fd.MimeType)
	if cd := mime.FormatMediaType("inline", map[string]string{"filename": fd.Name}); fd.Name != "" && cd != "" {
		hdr.Set(echo.HeaderContentDisposition, cd)
	}

	if resp.Partial {
		length := resp.Range.Length()
		hdr.Set("Content-Range", rangehdr.ContentRange(resp.Range, fd.SizeBytes))
		hdr.Set(echo.HeaderContentLength, strconv.FormatUint(length, 10))
		return http.StatusPartialContent, length
	}

	hdr.Set(echo.HeaderContentLength, strconv.FormatUint(fd.SizeBytes, 10))
	return http.StatusOK, fd.SizeBytes
}

// relay copies src to dst in fixed-size chunks. Callers bound src to the
// declared Content-Length. A write failure means the client went away and is
// reported as model.ErrClientDisconnected.
func relay(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, relayBufferSize)
	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, fmt.Errorf("%w: %v", model.ErrClientDisconnected, werr)
			}
			if nw < nr {
				return written, fmt.Errorf("%w: %v", model.ErrClientDisconnected, io.ErrShortWrite)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("read upstream: %w", rerr)
		}
	}
}

func (h *StreamHandler) mapError(c echo.Context, err error) error {
	if errors.Is(err, context.Canceled) && c.Request().Context().Err() != nil {
		if h.metrics != nil {
			h.metrics.ClientDisconnects.Inc()
		}
		h.logger.Debug("client disconnected before response",
			"err", sanitizeError(err),
			"path", c.Request().URL.Path,
		)
		return c.NoContent(statusClientClosedRequest)
	}

	status, msg := classifyError(err)

	attrs := []any{
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
		"status", status,
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("proxy error", attrs...)
	} else {
		h.logger.Warn("proxy error", attrs...)
	}

	var unsat *model.RangeNotSatisfiableError
	if errors.As(err, &unsat) {
		c.Response().Header().Set("Content-Range", rangehdr.UnsatisfiedContentRange(unsat.Size))
	}

	return c.JSON(status, map[string]string{"error": msg})
}

// classifyError maps the error taxonomy onto an HTTP status and client message.
func classifyError(err error) (int, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "upstream request timed out"
	}
	if errors.Is(err, context.Canceled) {
		return http.StatusBadGateway, "upstream request canceled"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout, "upstream request timed out"
	}

	var authErr *model.AuthError
	if errors.As(err, &authErr) {
		if authErr.Reason == model.ReasonForbidden {
			return http.StatusForbidden, "access to file denied"
		}
		return http.StatusUnauthorized, "storage credential unavailable: " + authErr.Reason
	}

	if errors.Is(err, model.ErrNotFound) {
		return http.StatusNotFound, "file not found"
	}

	var unsat *model.RangeNotSatisfiableError
	if errors.As(err, &unsat) {
		return http.StatusRequestedRangeNotSatisfiable, "requested range not satisfiable"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return http.StatusBadGateway, "upstream host unreachable"
	}

	var upErr *model.UpstreamError
	if errors.As(err, &upErr) {
		if upErr.Code == 0 {
			return http.StatusBadGateway, "upstream connection failed"
		}
		return http.StatusBadGateway, fmt.Sprintf("upstream returned status %d", upErr.Code)
	}

	return http.StatusInternalServerError, "internal error"
}

// sanitizeError redacts bearer credentials from error messages.
func sanitizeError(err error) string {
	return tokenPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
