package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"ENVIRONMENT",
		"LOG_FILE",
		"SERVER_LISTEN_ADDR",
		"DATABASE_PATH",
		"DATABASE_STATE_PATH",
		"SYNC_ENABLED",
		"SYNC_INTERVAL",
		"SYNC_MIN_INTERVAL",
		"SYNC_MAX_INTERVAL",
		"SYNC_GUARD_BAND",
		"SYNC_CONCURRENCY",
		"REMOTE_PROVIDER",
		"REMOTE_TIMEOUT",
		"CALDAV_URL",
		"CALDAV_USERNAME",
		"CALDAV_PASSWORD",
		"OIDC_ISSUER",
		"OIDC_CLIENT_ID",
		"OIDC_CLIENT_SECRET",
		"OIDC_REFRESH_TOKEN",
		"GOOGLE_CALENDAR_IDS",
		"WEBHOOK_URL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func setCalDAVEnv(t *testing.T) {
	t.Helper()
	t.Setenv("REMOTE_PROVIDER", "caldav")
	t.Setenv("CALDAV_URL", "https://dav.example.com/calendars/alex/")
	t.Setenv("CALDAV_USERNAME", "alex")
	t.Setenv("CALDAV_PASSWORD", "secret")
}

func TestLoad_CalDAVDefaults(t *testing.T) {
	clearConfigEnv(t)
	setCalDAVEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ProviderCalDAV, cfg.Remote.Provider)
	assert.True(t, cfg.IsProduction())
	assert.True(t, cfg.Sync.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.SyncInterval())
	assert.Equal(t, time.Second, cfg.Sync.GuardBand)
	assert.Equal(t, 30*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.ListenAddr)
	assert.False(t, cfg.UsesOIDC())
}

func TestLoad_MissingCalDAVCredentials(t *testing.T) {
	clearConfigEnv(t)
	setCalDAVEnv(t)
	os.Unsetenv("CALDAV_PASSWORD")

	_, err := Load()
	require.ErrorIs(t, err, ErrMissingConfig)
	assert.Contains(t, err.Error(), "CALDAV_PASSWORD")
}

func TestLoad_CalDAVWithRefreshTokenSkipsBasicAuth(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CALDAV_URL", "https://dav.example.com/")
	t.Setenv("OIDC_ISSUER", "https://id.example.com")
	t.Setenv("OIDC_REFRESH_TOKEN", "refresh")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.UsesOIDC())
}

func TestLoad_Google(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("REMOTE_PROVIDER", "Google")
	t.Setenv("OIDC_CLIENT_ID", "client")
	t.Setenv("OIDC_CLIENT_SECRET", "secret")
	t.Setenv("OIDC_REFRESH_TOKEN", "refresh")
	t.Setenv("GOOGLE_CALENDAR_IDS", "primary,team@group.calendar.google.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ProviderGoogle, cfg.Remote.Provider)
	assert.Equal(t, []string{"primary", "team@group.calendar.google.com"}, cfg.Google.CalendarIDs)
}

func TestLoad_GoogleMissingRefreshToken(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("REMOTE_PROVIDER", "google")
	t.Setenv("OIDC_CLIENT_ID", "client")
	t.Setenv("OIDC_CLIENT_SECRET", "secret")

	_, err := Load()
	require.ErrorIs(t, err, ErrMissingConfig)
	assert.Contains(t, err.Error(), "OIDC_REFRESH_TOKEN")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown provider", "REMOTE_PROVIDER", "exchange"},
		{"interval below minimum", "SYNC_INTERVAL", "5"},
		{"interval above maximum", "SYNC_INTERVAL", "999999"},
		{"guard band too large", "SYNC_GUARD_BAND", "10m"},
		{"zero concurrency", "SYNC_CONCURRENCY", "0"},
		{"non numeric interval", "SYNC_INTERVAL", "often"},
		{"unknown environment", "ENVIRONMENT", "staging"},
		{"plain http in production", "CALDAV_URL", "http://dav.example.com/"},
		{"private webhook", "WEBHOOK_URL", "https://10.0.0.5/hook"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearConfigEnv(t)
			setCalDAVEnv(t)
			t.Setenv(tc.key, tc.value)

			_, err := Load()
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoad_DevelopmentAllowsHTTP(t *testing.T) {
	clearConfigEnv(t)
	setCalDAVEnv(t)
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("CALDAV_URL", "http://localhost:5232/alex/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsDevelopment())
}

func TestLogRetention(t *testing.T) {
	cfg := &Config{Sync: SyncConfig{LogRetentionDays: 7}}
	assert.Equal(t, 7*24*time.Hour, cfg.LogRetention())
}
