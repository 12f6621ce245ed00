package validator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidateURL(t *testing.T) {
	v := New()

	tests := []struct {
		name         string
		url          string
		requireHTTPS bool
		wantErr      error
	}{
		{"empty", "", false, ErrInvalidURL},
		{"missing host", "https://", false, ErrInvalidURL},
		{"bad scheme", "ftp://example.com", false, ErrInvalidURL},
		{"http allowed", "http://example.com/dav", false, nil},
		{"http rejected when https required", "http://example.com/dav", true, ErrHTTPSRequired},
		{"https", "https://caldav.example.com/", true, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateURL(tc.url, tc.requireHTTPS)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidateWebhookURL(t *testing.T) {
	v := New()

	tests := []struct {
		name    string
		url     string
		wantErr error
	}{
		{"public https", "https://hooks.example.com/abc", nil},
		{"plain http", "http://hooks.example.com/abc", ErrHTTPSRequired},
		{"localhost", "https://localhost/hook", ErrPrivateHost},
		{"loopback ip", "https://127.0.0.1/hook", ErrPrivateHost},
		{"private range", "https://192.168.1.10/hook", ErrPrivateHost},
		{"internal suffix", "https://alerts.internal/hook", ErrPrivateHost},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateWebhookURL(tc.url)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidateCalDAVEndpoint(t *testing.T) {
	t.Run("accepts DAV header", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("DAV", "1, 2, calendar-access")
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		v := New(WithHTTPClient(srv.Client()))
		if err := v.ValidateCalDAVEndpoint(context.Background(), srv.URL, false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("rejects missing DAV header", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		v := New(WithHTTPClient(srv.Client()))
		err := v.ValidateCalDAVEndpoint(context.Background(), srv.URL, false)
		if !errors.Is(err, ErrInvalidCalDAV) {
			t.Fatalf("expected ErrInvalidCalDAV, got %v", err)
		}
	})
}

func TestValidateOIDCIssuer(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	v := New(WithHTTPClient(srv.Client()))
	if err := v.ValidateOIDCIssuer(context.Background(), srv.URL+"/"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
