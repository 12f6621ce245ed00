package web

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestSecurityHeaders(t *testing.T) {
	t.Run("sets security headers", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

		handler := SecurityHeaders()
		handler(c)

		headers := w.Header()
		if headers.Get("X-Content-Type-Options") != "nosniff" {
			t.Error("expected X-Content-Type-Options header")
		}
		if headers.Get("X-Frame-Options") != "DENY" {
			t.Error("expected X-Frame-Options header")
		}
		if headers.Get("Referrer-Policy") != "strict-origin-when-cross-origin" {
			t.Error("expected Referrer-Policy header")
		}
		if headers.Get("Cache-Control") != "no-store" {
			t.Error("expected Cache-Control header")
		}
		if headers.Get("Content-Security-Policy") == "" {
			t.Error("expected Content-Security-Policy header")
		}
	})

	t.Run("sets HSTS header for HTTPS", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		c.Request.Header.Set("X-Forwarded-Proto", "https")

		handler := SecurityHeaders()
		handler(c)

		if w.Header().Get("Strict-Transport-Security") == "" {
			t.Error("expected HSTS header for HTTPS requests")
		}
	})

	t.Run("does not set HSTS for HTTP", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

		handler := SecurityHeaders()
		handler(c)

		if w.Header().Get("Strict-Transport-Security") != "" {
			t.Error("did not expect HSTS header for HTTP requests")
		}
	})
}

func TestRateLimiter(t *testing.T) {
	newRouter := func(rps float64, burst int) *gin.Engine {
		r := gin.New()
		r.Use(RateLimiter(rps, burst))
		r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
		return r
	}

	t.Run("allows requests within limit", func(t *testing.T) {
		r := newRouter(100, 10)

		for i := 0; i < 5; i++ {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
			if w.Code != http.StatusOK {
				t.Errorf("request %d: expected status 200, got %d", i, w.Code)
			}
		}
	})

	t.Run("blocks requests exceeding limit", func(t *testing.T) {
		r := newRouter(0.001, 2)

		var limited int
		for i := 0; i < 5; i++ {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
			if w.Code == http.StatusTooManyRequests {
				limited++
			}
		}

		if limited != 3 {
			t.Errorf("expected 3 limited requests, got %d", limited)
		}
	})
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	r := gin.New()
	r.Use(RequestLogger(logger))
	r.GET("/api/status", func(c *gin.Context) { c.Status(http.StatusTeapot) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status?token=secret", nil))

	out := buf.String()
	if !strings.Contains(out, "path=/api/status") {
		t.Errorf("expected path in log, got %q", out)
	}
	if !strings.Contains(out, "status=418") {
		t.Errorf("expected status in log, got %q", out)
	}
	if strings.Contains(out, "secret") {
		t.Error("query string must not be logged")
	}
}

func TestRequireJSONContentType(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		contentType string
		want        int
	}{
		{"GET without content type", http.MethodGet, "", http.StatusOK},
		{"POST with JSON", http.MethodPost, "application/json", http.StatusOK},
		{"POST with JSON charset", http.MethodPost, "application/json; charset=utf-8", http.StatusOK},
		{"POST without content type", http.MethodPost, "", http.StatusOK},
		{"POST with form", http.MethodPost, "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType},
		{"PUT with text", http.MethodPut, "text/plain", http.StatusUnsupportedMediaType},
		{"PATCH with xml", http.MethodPatch, "application/xml", http.StatusUnsupportedMediaType},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.Use(RequireJSONContentType())
			r.Handle(tc.method, "/", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(tc.method, "/", nil)
			if tc.contentType != "" {
				req.Header.Set("Content-Type", tc.contentType)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tc.want {
				t.Errorf("expected status %d, got %d", tc.want, w.Code)
			}
		})
	}
}

func TestValidateOrigin(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	tests := []struct {
		name    string
		allowed []string
		method  string
		origin  string
		referer string
		want    int
	}{
		{"GET without origin", nil, http.MethodGet, "", "", http.StatusOK},
		{"HEAD without origin", nil, http.MethodHead, "", "", http.StatusOK},
		{"OPTIONS without origin", nil, http.MethodOptions, "", "", http.StatusOK},
		{"POST without origin", nil, http.MethodPost, "", "", http.StatusForbidden},
		{"POST with default origin", nil, http.MethodPost, "http://localhost:8080", "", http.StatusOK},
		{"POST with unknown origin", nil, http.MethodPost, "https://evil.example.com", "", http.StatusForbidden},
		{"origin from referer", nil, http.MethodPost, "", "http://127.0.0.1:5173/calendar/week", http.StatusOK},
		{"configured origin", []string{"https://cal.example.com"}, http.MethodDelete, "https://cal.example.com", "", http.StatusOK},
		{"defaults replaced by configuration", []string{"https://cal.example.com"}, http.MethodPost, "http://localhost:8080", "", http.StatusForbidden},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.Use(ValidateOrigin(tc.allowed, logger))
			r.Handle(tc.method, "/", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(tc.method, "/", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			if tc.referer != "" {
				req.Header.Set("Referer", tc.referer)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tc.want {
				t.Errorf("expected status %d, got %d", tc.want, w.Code)
			}
		})
	}
}

func TestOriginFromReferer(t *testing.T) {
	tests := []struct {
		referer string
		want    string
	}{
		{"http://localhost:8080/page", "http://localhost:8080"},
		{"https://cal.example.com", "https://cal.example.com"},
		{"not a url", ""},
		{"", ""},
	}

	for _, tc := range tests {
		t.Run(tc.referer, func(t *testing.T) {
			if got := originFromReferer(tc.referer); got != tc.want {
				t.Errorf("originFromReferer(%q) = %q, want %q", tc.referer, got, tc.want)
			}
		})
	}
}
