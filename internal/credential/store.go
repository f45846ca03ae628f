package credential

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"

	"gdrive-stream-proxy/internal/config"
	"gdrive-stream-proxy/internal/model"
)

var (
	json     = jsoniter.ConfigCompatibleWithStandardLibrary
	validate = validator.New()
)

// RefreshMaterial is everything needed to mint a new access token.
type RefreshMaterial struct {
	RefreshToken string `validate:"required"`
	ClientID     string `validate:"required"`
	ClientSecret string `validate:"required"`
	TokenURL     string `validate:"required,url"`

	// Seed is the access token found alongside the refresh token, if any.
	Seed model.AccessToken
}

// MaterialStore supplies refresh material produced by the one-time consent flow.
type MaterialStore interface {
	Load() (*RefreshMaterial, error)
}

// authorizedUser mirrors the token file written by Google's client libraries
// after interactive consent.
type authorizedUser struct {
	Token        string   `json:"token"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenURI     string   `json:"token_uri"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes"`
	Expiry       string   `json:"expiry"`
}

// FileStore reads refresh material from a JSON token file. It never writes
// the file; persistence belongs to the consent tooling.
type FileStore struct {
	path         string
	tokenURL     string
	clientID     string
	clientSecret string
}

// NewFileStore creates a FileStore for the configured token file. Client
// credentials and the token endpoint from config take precedence over the file.
func NewFileStore(cfg *config.Config) *FileStore {
	return &FileStore{
		path:         cfg.Drive.TokenFile,
		tokenURL:     cfg.Drive.TokenURL,
		clientID:     cfg.Drive.ClientID,
		clientSecret: cfg.Drive.ClientSecret,
	}
}

// Load reads and validates the token file.
func (s *FileStore) Load() (*RefreshMaterial, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read token file %s: %w", s.path, err)
	}

	var au authorizedUser
	if err := json.Unmarshal(data, &au); err != nil {
		return nil, fmt.Errorf("decode token file %s: %w", s.path, err)
	}

	m := &RefreshMaterial{
		RefreshToken: strings.TrimSpace(au.RefreshToken),
		ClientID:     firstNonEmpty(s.clientID, au.ClientID),
		ClientSecret: firstNonEmpty(s.clientSecret, au.ClientSecret),
		TokenURL:     firstNonEmpty(s.tokenURL, au.TokenURI),
	}
	if err := validate.Struct(m); err != nil {
		return nil, fmt.Errorf("token file %s: %w", s.path, err)
	}

	if tok := firstNonEmpty(au.Token, au.AccessToken); tok != "" && au.Expiry != "" {
		if exp, err := time.Parse(time.RFC3339Nano, au.Expiry); err == nil {
			m.Seed = model.AccessToken{Value: tok, Expiry: exp}
		}
	}
	return m, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
