package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/macjediwizard/calmirror/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type tokenServer struct {
	srv      *httptest.Server
	refreshes atomic.Int32
	reject   atomic.Bool
	lastRT   atomic.Value
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                ts.srv.URL,
			"authorization_endpoint":                ts.srv.URL + "/authorize",
			"token_endpoint":                        ts.srv.URL + "/token",
			"jwks_uri":                              ts.srv.URL + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		ts.refreshes.Add(1)
		ts.lastRT.Store(r.PostForm.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		if ts.reject.Load() {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-1",
			"token_type":    "Bearer",
			"refresh_token": "rotated",
			"expires_in":    3600,
		})
	})

	ts.srv = httptest.NewServer(mux)
	t.Cleanup(ts.srv.Close)
	return ts
}

func testStateDB(t *testing.T) *state.State {
	t.Helper()
	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestTokenAuthenticatorRefreshesAndPersists(t *testing.T) {
	ts := newTokenServer(t)
	st := testStateDB(t)

	a, err := NewTokenAuthenticator(context.Background(), TokenConfig{
		Issuer:       ts.srv.URL,
		ClientID:     "client",
		ClientSecret: "secret",
		RefreshToken: "configured",
	}, st, nil)
	require.NoError(t, err)

	assert.True(t, a.IsAuthenticated(context.Background()))
	assert.True(t, a.IsAuthenticated(context.Background()))
	assert.Equal(t, int32(1), ts.refreshes.Load(), "valid token is reused")
	assert.Equal(t, "configured", ts.lastRT.Load())

	saved, err := st.Token()
	require.NoError(t, err)
	assert.Equal(t, "access-1", saved.AccessToken)
	assert.Equal(t, "rotated", saved.RefreshToken)

	a.SignOut()
	assert.False(t, a.IsAuthenticated(context.Background()))
	a.SignIn()
	assert.True(t, a.IsAuthenticated(context.Background()))
}

func TestTokenAuthenticatorPrefersStoredToken(t *testing.T) {
	ts := newTokenServer(t)
	st := testStateDB(t)
	require.NoError(t, st.SaveToken(&oauth2.Token{RefreshToken: "stored"}))

	a, err := NewTokenAuthenticator(context.Background(), TokenConfig{
		Issuer:       ts.srv.URL,
		ClientID:     "client",
		RefreshToken: "configured",
	}, st, nil)
	require.NoError(t, err)

	assert.True(t, a.IsAuthenticated(context.Background()))
	assert.Equal(t, "stored", ts.lastRT.Load())
}

func TestTokenAuthenticatorRejectedRefresh(t *testing.T) {
	ts := newTokenServer(t)
	ts.reject.Store(true)

	a, err := NewTokenAuthenticator(context.Background(), TokenConfig{
		Issuer:       ts.srv.URL,
		ClientID:     "client",
		RefreshToken: "revoked",
	}, testStateDB(t), nil)
	require.NoError(t, err)

	assert.False(t, a.IsAuthenticated(context.Background()))
}

func TestTokenAuthenticatorErrors(t *testing.T) {
	ts := newTokenServer(t)

	_, err := NewTokenAuthenticator(context.Background(), TokenConfig{Issuer: ts.srv.URL}, testStateDB(t), nil)
	assert.ErrorIs(t, err, ErrNoCredentials)

	_, err = NewTokenAuthenticator(context.Background(), TokenConfig{
		Issuer:       ts.srv.URL + "/wrong",
		RefreshToken: "x",
	}, testStateDB(t), nil)
	assert.ErrorIs(t, err, ErrOIDCInit)
}

func TestStaticAuthenticator(t *testing.T) {
	a := NewStaticAuthenticator(true)
	assert.True(t, a.IsAuthenticated(context.Background()))
	a.Set(false)
	assert.False(t, a.IsAuthenticated(context.Background()))
}
