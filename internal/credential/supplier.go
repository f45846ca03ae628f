// Package credential keeps a valid Drive access token available to the proxy.
//
// The cached token is read under a read lock. When it is missing or expired,
// concurrent callers share a single refresh exchange, so N simultaneous
// requests at expiry produce exactly one call to the token endpoint.
package credential

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"gdrive-stream-proxy/internal/config"
	"gdrive-stream-proxy/internal/metrics"
	"gdrive-stream-proxy/internal/model"
)

const refreshKey = "refresh"

// Supplier hands out access tokens, refreshing them on demand.
type Supplier struct {
	store     MaterialStore
	refresher Refresher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	timeout   time.Duration
	now       func() time.Time

	group singleflight.Group

	mu       sync.RWMutex
	material *RefreshMaterial
	token    model.AccessToken
	seeded   bool
}

// NewSupplier creates a Supplier. Refresh material is loaded lazily on the
// first request that needs it. m may be nil.
func NewSupplier(store MaterialStore, refresher Refresher, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Supplier {
	return &Supplier{
		store:     store,
		refresher: refresher,
		logger:    logger.With("component", "credential_supplier"),
		metrics:   m,
		timeout:   cfg.Drive.RefreshTimeout(),
		now:       time.Now,
	}
}

// AccessToken returns a token valid at the time of the call.
//
// The refresh exchange itself is detached from ctx and bounded by the
// configured refresh timeout, so a caller that gives up does not abort the
// refresh other callers are waiting on.
func (s *Supplier) AccessToken(ctx context.Context) (model.AccessToken, error) {
	if tok, ok := s.cached(); ok {
		return tok, nil
	}

	ch := s.group.DoChan(refreshKey, func() (any, error) {
		return s.refresh(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return model.AccessToken{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return model.AccessToken{}, res.Err
		}
		return res.Val.(model.AccessToken), nil
	}
}

// Invalidate drops tok from the cache if it is still the current token.
// It is called when the backend rejects a token the cache considered valid.
func (s *Supplier) Invalidate(tok model.AccessToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token.Value != "" && s.token.Value == tok.Value {
		s.token = model.AccessToken{}
		s.logger.Info("access token invalidated")
	}
}

// Expiry reports the expiry of the cached token and whether it is still valid.
func (s *Supplier) Expiry() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token.Expiry, s.token.ValidAt(s.now())
}

func (s *Supplier) cached() (model.AccessToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token.ValidAt(s.now()) {
		return s.token, true
	}
	return model.AccessToken{}, false
}

func (s *Supplier) refresh(ctx context.Context) (model.AccessToken, error) {
	// A previous flight may have completed between the fast-path check and
	// this flight starting.
	if tok, ok := s.cached(); ok {
		return tok, nil
	}

	material, err := s.loadMaterial()
	if err != nil {
		s.count("unavailable")
		return model.AccessToken{}, err
	}

	if tok, ok := s.takeSeed(material); ok {
		s.logger.Info("using stored access token", "expires_at", tok.Expiry)
		return tok, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := s.now()
	tok, err := s.refresher.Refresh(ctx, material)
	if err != nil {
		var authErr *model.AuthError
		if errors.As(err, &authErr) {
			s.count("rejected")
			s.logger.Error("refresh credential rejected", "err", err)
		} else {
			s.count("error")
			s.logger.Warn("token refresh failed", "err", err)
		}
		return model.AccessToken{}, err
	}

	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()

	s.count("ok")
	s.logger.Info("access token refreshed",
		"expires_at", tok.Expiry,
		"duration_ms", s.now().Sub(start).Milliseconds(),
	)
	return tok, nil
}

func (s *Supplier) loadMaterial() (*RefreshMaterial, error) {
	s.mu.RLock()
	m := s.material
	s.mu.RUnlock()
	if m != nil {
		return m, nil
	}

	m, err := s.store.Load()
	if err != nil {
		s.logger.Error("load refresh material", "err", err)
		return nil, &model.AuthError{Reason: model.ReasonCredentialUnavailable, Err: err}
	}

	s.mu.Lock()
	s.material = m
	s.mu.Unlock()
	return m, nil
}

// takeSeed installs the stored access token the first time material is read,
// provided it is still valid.
func (s *Supplier) takeSeed(m *RefreshMaterial) (model.AccessToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seeded {
		return model.AccessToken{}, false
	}
	s.seeded = true
	if !m.Seed.ValidAt(s.now()) {
		return model.AccessToken{}, false
	}
	s.token = m.Seed
	return m.Seed, true
}

func (s *Supplier) count(result string) {
	if s.metrics != nil {
		s.metrics.TokenRefreshes.WithLabelValues(result).Inc()
	}
}
