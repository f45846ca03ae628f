// Package client provides the upstream HTTP client for the Drive v3 API.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"gdrive-stream-proxy/internal/config"
	"gdrive-stream-proxy/internal/mediatype"
	"gdrive-stream-proxy/internal/metrics"
	"gdrive-stream-proxy/internal/model"
	"gdrive-stream-proxy/internal/rangehdr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Upstream operation labels.
const (
	opMetadata = "metadata"
	opMedia    = "media"
)

// maxErrorBody bounds how much of an upstream error response is read.
const maxErrorBody = 4 << 10

// allowedUpstreamHosts restricts where bearer tokens are sent.
var allowedUpstreamHosts = map[string]bool{
	"www.googleapis.com":     true,
	"content.googleapis.com": true,
}

// quotaReasons are 403 reasons that signal throttling rather than a
// permission problem.
var quotaReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"downloadQuotaExceeded": true,
}

// DriveClient sends metadata and media requests to Drive.
type DriveClient struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewDriveClient creates a DriveClient with connection pooling.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// Only the wait for response headers is bounded. Media bodies may stream for
// as long as the client keeps reading; their lifetime is governed by the
// request context.
func NewDriveClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*DriveClient, error) {
	u, err := url.Parse(cfg.Drive.APIBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse drive api_base_url: %w", err)
	}
	if !allowedUpstreamHosts[u.Hostname()] {
		return nil, fmt.Errorf("drive host %q is not in the allowlist", u.Hostname())
	}
	return NewDriveClientForTest(cfg, logger, m), nil
}

// NewDriveClientForTest creates a DriveClient without host allowlist validation.
// This is intended only for tests that use httptest servers on localhost.
func NewDriveClientForTest(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *DriveClient {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.ResponseHeaderTimeoutSeconds) * time.Second,
		ForceAttemptHTTP2:     true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &DriveClient{
		httpClient: &http.Client{Transport: transport},
		baseURL:    cfg.Drive.APIBaseURL,
		logger:     logger.With("component", "drive_client"),
		metrics:    m,
	}
}

type fileMetadata struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     string `json:"size"` // int64 encoded as a JSON string
	MimeType string `json:"mimeType"`
}

// FileDescriptor fetches the name, size and playable media type of a file.
func (c *DriveClient) FileDescriptor(ctx context.Context, fileID string, tok model.AccessToken) (model.FileDescriptor, error) {
	q := url.Values{}
	q.Set("fields", "id,name,size,mimeType")
	q.Set("supportsAllDrives", "true")

	resp, err := c.get(ctx, opMetadata, c.fileURL(fileID, q), tok, nil)
	if err != nil {
		return model.FileDescriptor{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return model.FileDescriptor{}, statusError(resp)
	}

	var meta fileMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return model.FileDescriptor{}, &model.UpstreamError{Code: resp.StatusCode, Err: fmt.Errorf("decode metadata: %w", err)}
	}
	if meta.Size == "" {
		return model.FileDescriptor{}, &model.UpstreamError{Code: resp.StatusCode, Err: errors.New("file has no binary content")}
	}
	size, err := strconv.ParseUint(meta.Size, 10, 64)
	if err != nil {
		return model.FileDescriptor{}, &model.UpstreamError{Code: resp.StatusCode, Err: fmt.Errorf("invalid size %q", meta.Size)}
	}

	id := meta.ID
	if id == "" {
		id = fileID
	}
	return model.FileDescriptor{
		ID:        id,
		Name:      meta.Name,
		SizeBytes: size,
		MimeType:  mediatype.Resolve(meta.Name, meta.MimeType),
	}, nil
}

// FetchRange opens the file content. With a nil range the whole file is
// requested; otherwise a single byte range is forwarded. It returns the
// upstream status (200 or 206) and the live body, which the caller must close.
func (c *DriveClient) FetchRange(ctx context.Context, fileID string, tok model.AccessToken, r *model.ByteRange) (int, io.ReadCloser, error) {
	q := url.Values{}
	q.Set("alt", "media")
	q.Set("supportsAllDrives", "true")

	header := http.Header{}
	// Disable transparent gzip so byte offsets refer to the stored content.
	header.Set("Accept-Encoding", "identity")
	if r != nil {
		header.Set("Range", rangehdr.Header(*r))
	}

	resp, err := c.get(ctx, opMedia, c.fileURL(fileID, q), tok, header)
	if err != nil {
		return 0, nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return resp.StatusCode, resp.Body, nil
	default:
		defer func() { _ = resp.Body.Close() }()
		return resp.StatusCode, nil, statusError(resp)
	}
}

func (c *DriveClient) fileURL(fileID string, q url.Values) string {
	return c.baseURL + "/files/" + url.PathEscape(fileID) + "?" + q.Encode()
}

// get executes an authorized GET and records upstream metrics.
// The caller is responsible for closing the response body.
func (c *DriveClient) get(ctx context.Context, operation, rawURL string, tok model.AccessToken, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)

	c.logger.Debug("upstream request",
		"operation", operation,
		"path", req.URL.Path,
		"range", req.Header.Get("Range"),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(operation).Observe(duration)
	}
	if err != nil {
		return nil, &model.UpstreamError{Err: err}
	}
	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return resp, nil
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

// statusError maps a non-success Drive response onto the error taxonomy.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var ae apiError
	_ = json.Unmarshal(body, &ae)
	detail := errors.New(http.StatusText(resp.StatusCode))
	if ae.Error.Message != "" {
		detail = errors.New(ae.Error.Message)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &model.AuthError{Reason: model.ReasonTokenRejected, Err: detail}
	case http.StatusForbidden:
		for _, e := range ae.Error.Errors {
			if quotaReasons[e.Reason] {
				return &model.UpstreamError{Code: resp.StatusCode, Err: fmt.Errorf("%s: %w", e.Reason, detail)}
			}
		}
		return &model.AuthError{Reason: model.ReasonForbidden, Err: detail}
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", model.ErrNotFound, detail)
	default:
		return &model.UpstreamError{Code: resp.StatusCode, Err: detail}
	}
}
