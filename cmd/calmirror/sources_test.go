package main

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/macjediwizard/calmirror/internal/config"
	"github.com/macjediwizard/calmirror/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedGoogleSources(t *testing.T) {
	store, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer store.Close()

	c := &cli{
		cfg: &config.Config{
			Remote: config.RemoteConfig{Provider: config.ProviderGoogle},
			Google: config.GoogleConfig{CalendarIDs: []string{"primary", "", "team@group.calendar.google.com"}},
		},
		logger: slog.New(slog.DiscardHandler),
	}

	require.NoError(t, c.seedGoogleSources(store))
	require.NoError(t, c.seedGoogleSources(store))

	sources, err := store.GetSources()
	require.NoError(t, err)
	require.Len(t, sources, 2)
	for _, s := range sources {
		assert.True(t, s.Enabled)
		assert.Equal(t, s.Name, s.RemotePath)
	}
}

func TestSeedGoogleSourcesIgnoresCalDAV(t *testing.T) {
	store, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer store.Close()

	c := &cli{
		cfg: &config.Config{
			Remote: config.RemoteConfig{Provider: config.ProviderCalDAV},
			Google: config.GoogleConfig{CalendarIDs: []string{"primary"}},
		},
		logger: slog.New(slog.DiscardHandler),
	}

	require.NoError(t, c.seedGoogleSources(store))

	sources, err := store.GetSources()
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestPrintSources(t *testing.T) {
	var buf bytes.Buffer
	err := printSources(&buf, []*db.Source{
		{ID: "s1", Name: "Work", Enabled: true, RemotePath: "/calendars/alex/work/", LastSyncStatus: db.SyncStatusSuccess},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "REMOTE PATH")
	assert.Contains(t, out, "Work")
	assert.Contains(t, out, "never")
	assert.Contains(t, out, "/calendars/alex/work/")
}

func TestCapitalize(t *testing.T) {
	assert.Equal(t, "Enable", capitalize("enable"))
	assert.Equal(t, "", capitalize(""))
}
