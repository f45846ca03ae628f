package credential

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"

	"gdrive-stream-proxy/internal/model"
)

// defaultLifetime applies when the token endpoint omits expires_in.
const defaultLifetime = 55 * time.Minute

// Refresher exchanges refresh material for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, m *RefreshMaterial) (model.AccessToken, error)
}

// OAuthRefresher performs the OAuth 2.0 refresh_token grant.
//
// Transient failures (transport errors, 429, 5xx) are retried a bounded
// number of times. A 4xx answer such as invalid_grant means the refresh
// credential was revoked and is returned as an AuthError without retrying.
type OAuthRefresher struct {
	httpClient *http.Client
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
	now        func() time.Time
}

// NewOAuthRefresher creates an OAuthRefresher.
func NewOAuthRefresher(logger *slog.Logger) *OAuthRefresher {
	return &OAuthRefresher{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		newBackOff: defaultBackOff,
		logger:     logger.With("component", "oauth_refresher"),
		now:        time.Now,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second
	return backoff.WithMaxRetries(b, 2)
}

// Refresh runs the refresh grant against m.TokenURL.
func (r *OAuthRefresher) Refresh(ctx context.Context, m *RefreshMaterial) (model.AccessToken, error) {
	conf := &oauth2.Config{
		ClientID:     m.ClientID,
		ClientSecret: m.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  m.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)

	attempt := 0
	tok, err := backoff.RetryWithData(func() (*oauth2.Token, error) {
		attempt++
		t, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: m.RefreshToken}).Token()
		if err != nil {
			classified := classifyRefreshError(err)
			r.logger.Debug("refresh attempt failed", "attempt", attempt, "err", classified)
			return nil, classified
		}
		return t, nil
	}, backoff.WithContext(r.newBackOff(), ctx))
	if err != nil {
		return model.AccessToken{}, err
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = r.now().Add(defaultLifetime)
	}
	return model.AccessToken{Value: tok.AccessToken, Expiry: expiry}, nil
}

func classifyRefreshError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		code := re.Response.StatusCode
		if code == http.StatusTooManyRequests || code >= 500 {
			return &model.UpstreamError{Code: code, Err: err}
		}
		return backoff.Permanent(&model.AuthError{Reason: model.ReasonCredentialExpired, Err: err})
	}

	return &model.UpstreamError{Err: err}
}
