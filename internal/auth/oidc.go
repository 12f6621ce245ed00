package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/macjediwizard/calmirror/internal/logging"
	"github.com/macjediwizard/calmirror/internal/state"
	"golang.org/x/oauth2"
)

// GoogleIssuer is used when the Google provider is configured without an issuer.
const GoogleIssuer = "https://accounts.google.com"

var (
	ErrOIDCInit      = errors.New("OIDC initialization failed")
	ErrNoCredentials = errors.New("no refresh token available")
)

// TokenConfig describes the OAuth2 client used to refresh access tokens.
type TokenConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RefreshToken string
	Scopes       []string
}

// TokenAuthenticator is authenticated while its token source yields a
// valid access token. Endpoints come from OIDC discovery and refreshed
// tokens are persisted so a rotated refresh token survives restarts.
type TokenAuthenticator struct {
	ts        oauth2.TokenSource
	signedOut atomic.Bool
	logger    *slog.Logger
}

// NewTokenAuthenticator discovers the issuer's token endpoint and seeds a
// refreshing token source. A token saved in st takes precedence over the
// configured refresh token. ctx is used for every later refresh.
func NewTokenAuthenticator(ctx context.Context, cfg TokenConfig, st *state.State, logger *slog.Logger) (*TokenAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create provider: %w", ErrOIDCInit, err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, oidc.ScopeOfflineAccess}
	}

	config := oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
		Scopes:       scopes,
	}

	seed, err := st.Token()
	if err != nil || seed.RefreshToken == "" {
		if cfg.RefreshToken == "" {
			return nil, ErrNoCredentials
		}
		seed = &oauth2.Token{RefreshToken: cfg.RefreshToken}
	}

	return &TokenAuthenticator{
		ts:     state.NewPersistingTokenSource(config.TokenSource(ctx, seed), st, seed),
		logger: logging.OrDefault(logger).With("component", "auth"),
	}, nil
}

// IsAuthenticated implements Authenticator. It may refresh the access token.
func (a *TokenAuthenticator) IsAuthenticated(context.Context) bool {
	if a.signedOut.Load() {
		return false
	}

	tok, err := a.ts.Token()
	if err != nil {
		a.logger.Warn("token refresh failed", "error", err)
		return false
	}
	return tok.Valid()
}

// SignOut stops the authenticator from reporting a valid session until SignIn.
func (a *TokenAuthenticator) SignOut() {
	a.signedOut.Store(true)
}

// SignIn reverses SignOut.
func (a *TokenAuthenticator) SignIn() {
	a.signedOut.Store(false)
}

// TokenSource returns the refreshing token source for provider clients.
func (a *TokenAuthenticator) TokenSource() oauth2.TokenSource {
	return a.ts
}

// HTTPClient returns a client that authorizes requests with the current token.
func (a *TokenAuthenticator) HTTPClient(ctx context.Context, base *http.Client) *http.Client {
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	return oauth2.NewClient(ctx, a.ts)
}
