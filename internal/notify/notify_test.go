package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/macjediwizard/calmirror/internal/db"
	"github.com/macjediwizard/calmirror/internal/status"
	"github.com/macjediwizard/calmirror/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finished(state db.SyncStatus, at time.Time, errMsg string) status.Status {
	return status.Status{LastState: state, LastAttemptAt: &at, LastError: errMsg}
}

func TestObserve(t *testing.T) {
	n := New(Config{WebhookURL: "https://hooks.example.com/x", Cooldown: 10 * time.Minute}, nil)
	clock := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return clock }

	t.Run("success without prior error is quiet", func(t *testing.T) {
		_, send := n.Observe(finished(db.SyncStatusSuccess, clock, ""))
		assert.False(t, send)
	})

	t.Run("pending is ignored", func(t *testing.T) {
		at := clock.Add(time.Second)
		_, send := n.Observe(status.Status{Pending: true, LastAttemptAt: &at})
		assert.False(t, send)
	})

	t.Run("first error alerts", func(t *testing.T) {
		clock = clock.Add(time.Minute)
		alert, send := n.Observe(finished(db.SyncStatusError, clock, "work: connection failed"))
		require.True(t, send)
		assert.Equal(t, AlertTypeError, alert.Type)
		assert.Equal(t, "work: connection failed", alert.Details)
	})

	t.Run("same attempt seen twice", func(t *testing.T) {
		_, send := n.Observe(finished(db.SyncStatusError, clock, "work: connection failed"))
		assert.False(t, send)
	})

	t.Run("repeated error within cooldown", func(t *testing.T) {
		clock = clock.Add(5 * time.Minute)
		_, send := n.Observe(finished(db.SyncStatusError, clock, "still failing"))
		assert.False(t, send)
	})

	t.Run("repeated error after cooldown", func(t *testing.T) {
		clock = clock.Add(6 * time.Minute)
		alert, send := n.Observe(finished(db.SyncStatusError, clock, "still failing"))
		require.True(t, send)
		assert.Equal(t, AlertTypeError, alert.Type)
	})

	t.Run("skipped keeps error state", func(t *testing.T) {
		clock = clock.Add(time.Minute)
		_, send := n.Observe(finished(db.SyncStatusSkipped, clock, ""))
		assert.False(t, send)
	})

	t.Run("partial recovers", func(t *testing.T) {
		clock = clock.Add(time.Minute)
		alert, send := n.Observe(finished(db.SyncStatusPartial, clock, ""))
		require.True(t, send)
		assert.Equal(t, AlertTypeRecovery, alert.Type)
	})

	t.Run("recovery sent once", func(t *testing.T) {
		clock = clock.Add(time.Minute)
		_, send := n.Observe(finished(db.SyncStatusSuccess, clock, ""))
		assert.False(t, send)
	})
}

func TestRunPostsAlerts(t *testing.T) {
	var (
		mu       sync.Mutex
		payloads []WebhookPayload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var p WebhookPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := New(Config{WebhookURL: srv.URL, Cooldown: time.Hour}, nil)
	updates := make(chan status.Status)
	done := make(chan struct{})
	go func() {
		n.Run(context.Background(), updates)
		close(done)
	}()

	start := time.Now()
	updates <- finished(db.SyncStatusError, start, "work: auth failed")
	updates <- finished(db.SyncStatusError, start.Add(time.Second), "work: auth failed")
	updates <- finished(db.SyncStatusSuccess, start.Add(2*time.Second), "")
	close(updates)
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 2)
	assert.Equal(t, "error", payloads[0].AlertType)
	assert.Equal(t, "work: auth failed", payloads[0].Details)
	assert.Contains(t, payloads[0].Text, ":x:")
	assert.Equal(t, "recovery", payloads[1].AlertType)
}

func TestSendTestWebhookReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(Config{WebhookURL: srv.URL}, nil)
	err := n.SendTestWebhook(context.Background())
	assert.ErrorIs(t, err, ErrWebhookStatus)
}

func TestValidateConfig(t *testing.T) {
	v := validator.New()

	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"disabled", Config{}, nil},
		{"valid", Config{WebhookURL: "https://hooks.example.com/alert", Cooldown: 15 * time.Minute}, nil},
		{"plain http", Config{WebhookURL: "http://hooks.example.com/alert", Cooldown: 15 * time.Minute}, ErrInvalidWebhook},
		{"localhost", Config{WebhookURL: "https://localhost/alert", Cooldown: 15 * time.Minute}, ErrInvalidWebhook},
		{"private ip", Config{WebhookURL: "https://10.0.0.8/alert", Cooldown: 15 * time.Minute}, ErrInvalidWebhook},
		{"short cooldown", Config{WebhookURL: "https://hooks.example.com/alert", Cooldown: time.Second}, ErrCooldownTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(tt.cfg, v)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
