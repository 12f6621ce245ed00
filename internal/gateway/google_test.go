package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/macjediwizard/calmirror/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestGoogle(t *testing.T, handler http.HandlerFunc) *Google {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gw, err := NewGoogle(context.Background(), nil,
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return gw
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func googleError(code int, reason string) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": http.StatusText(code),
			"errors":  []map[string]any{{"reason": reason, "message": http.StatusText(code)}},
		},
	}
}

func eventPages(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("pageToken") {
	case "":
		writeJSON(w, http.StatusOK, map[string]any{
			"items": []map[string]any{
				{
					"id": "a", "iCalUID": "a@google.com", "etag": `"1"`, "status": "confirmed",
					"summary": "Standup",
					"start":   map[string]any{"dateTime": "2026-03-02T09:00:00+01:00"},
					"end":     map[string]any{"dateTime": "2026-03-02T09:15:00+01:00"},
					"recurrence": []string{"RRULE:FREQ=DAILY;COUNT=5"},
				},
				{"id": "b", "status": "cancelled"},
				{
					"id": "a_20260303", "recurringEventId": "a", "status": "confirmed",
					"start": map[string]any{"dateTime": "2026-03-03T10:00:00Z"},
					"end":   map[string]any{"dateTime": "2026-03-03T10:15:00Z"},
				},
			},
			"nextPageToken": "p2",
		})
	case "p2":
		writeJSON(w, http.StatusOK, map[string]any{
			"items": []map[string]any{
				{
					"id": "c", "status": "confirmed", "summary": "Holiday",
					"start": map[string]any{"date": "2026-04-06"},
					"end":   map[string]any{"date": "2026-04-07"},
				},
				{"id": "d", "status": "confirmed", "summary": "No times"},
			},
			"nextSyncToken": "tok-2",
		})
	default:
		writeJSON(w, http.StatusBadRequest, googleError(http.StatusBadRequest, "invalid"))
	}
}

func TestGoogleListChangedSincePaginates(t *testing.T) {
	var mu sync.Mutex
	var queries []string
	gw := newTestGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.RawQuery)
		mu.Unlock()
		assert.True(t, strings.HasSuffix(r.URL.Path, "/calendars/primary/events"), r.URL.Path)
		eventPages(w, r)
	})

	src := &db.Source{ID: "s1", RemotePath: "primary"}
	cs, err := gw.ListChangedSince(context.Background(), src, nil)
	require.NoError(t, err)

	assert.Equal(t, "tok-2", cs.SyncToken)
	require.Len(t, queries, 2)
	assert.Contains(t, queries[0], "showDeleted=true")
	assert.NotContains(t, queries[0], "updatedMin")

	puts := cs.Puts()
	require.Len(t, puts, 2, "recurring overrides are skipped")
	assert.Equal(t, "a", puts[0].RemoteID)
	assert.Equal(t, "a@google.com", puts[0].UID)
	assert.Equal(t, "2026-03-02T08:00:00Z", puts[0].Start)
	assert.Equal(t, "FREQ=DAILY;COUNT=5", puts[0].Recurrence)
	assert.True(t, puts[1].AllDay)
	assert.Equal(t, "2026-04-06", puts[1].Start)

	assert.Equal(t, []string{"b"}, cs.Deletes())
	require.Len(t, cs.Malformed, 1)
	assert.Equal(t, "d", cs.Malformed[0].RemoteID)
}

func TestGoogleListChangedSinceUsesSyncToken(t *testing.T) {
	var queries []string
	gw := newTestGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.RawQuery)
		eventPages(w, r)
	})

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	src := &db.Source{ID: "s1", RemotePath: "primary", SyncToken: "tok-1"}

	_, err := gw.ListChangedSince(context.Background(), src, &since)
	require.NoError(t, err)
	assert.Contains(t, queries[0], "syncToken=tok-1")
	assert.NotContains(t, queries[0], "updatedMin")
}

func TestGoogleExpiredSyncTokenFallsBack(t *testing.T) {
	var queries []string
	gw := newTestGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.RawQuery)
		if r.URL.Query().Get("syncToken") != "" {
			writeJSON(w, http.StatusGone, googleError(http.StatusGone, "fullSyncRequired"))
			return
		}
		eventPages(w, r)
	})

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	src := &db.Source{ID: "s1", RemotePath: "primary", SyncToken: "expired"}

	cs, err := gw.ListChangedSince(context.Background(), src, &since)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", cs.SyncToken)
	require.GreaterOrEqual(t, len(queries), 2)
	assert.Contains(t, queries[1], "updatedMin=2026-03-01T00")
}

func TestGoogleErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		reason  string
		wantErr error
	}{
		{"too many requests", http.StatusTooManyRequests, "rateLimitExceeded", ErrRateLimited},
		{"quota as forbidden", http.StatusForbidden, "userRateLimitExceeded", ErrRateLimited},
		{"unauthorized", http.StatusUnauthorized, "authError", ErrAuthFailed},
		{"gone", http.StatusGone, "deleted", ErrNotFound},
		{"bad request", http.StatusBadRequest, "invalid", ErrMalformedContent},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gw := newTestGoogle(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tc.status, googleError(tc.status, tc.reason))
			})

			err := gw.Delete(context.Background(), &db.Source{RemotePath: "primary"}, "evt")
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestGoogleCreate(t *testing.T) {
	var got map[string]any
	gw := newTestGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, map[string]any{"id": "new-id", "etag": `"7"`})
	})

	entry := &db.CalendarEntry{Title: "Offsite", Start: "2026-05-04", End: "2026-05-06", AllDay: true}
	remoteID, etag, err := gw.Create(context.Background(), &db.Source{RemotePath: "primary"}, entry)
	require.NoError(t, err)

	assert.Equal(t, "new-id", remoteID)
	assert.Equal(t, `"7"`, etag)
	assert.Equal(t, "Offsite", got["summary"])
	assert.Equal(t, map[string]any{"date": "2026-05-04"}, got["start"])
}

func TestGoogleCreateRejectsBadTimes(t *testing.T) {
	gw := newTestGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	entry := &db.CalendarEntry{Title: "Broken", Start: "tomorrow", End: "later"}
	_, _, err := gw.Create(context.Background(), &db.Source{RemotePath: "primary"}, entry)
	assert.ErrorIs(t, err, ErrMalformedContent)
}
