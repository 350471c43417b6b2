package earthengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
)

// TokenSource returns service-account credentials for Earth Engine. keyFile is
// either a PEM private key (used with account) or a JSON service-account key,
// in which case account may be empty.
func TokenSource(ctx context.Context, account, keyFile string) (oauth2.TokenSource, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		cfg, err := google.JWTConfigFromJSON(data, Scope)
		if err != nil {
			return nil, fmt.Errorf("parse service account key: %w", err)
		}
		if account != "" && cfg.Email != account {
			return nil, fmt.Errorf("service account key belongs to %s, not %s", cfg.Email, account)
		}
		return cfg.TokenSource(ctx), nil
	}

	if account == "" {
		return nil, errors.New("service account email is required with a PEM private key")
	}
	cfg := &jwt.Config{
		Email:      account,
		PrivateKey: data,
		Scopes:     []string{Scope},
		TokenURL:   google.JWTTokenURL,
	}
	return cfg.TokenSource(ctx), nil
}

// NewHTTPClient returns an http.Client that authorises every request with ts.
func NewHTTPClient(ctx context.Context, ts oauth2.TokenSource) *http.Client {
	return oauth2.NewClient(ctx, ts)
}
