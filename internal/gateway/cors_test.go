package gateway

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basket/ijave/internal/config"
)

func corsRequest(t *testing.T, cfg config.CORSConfig, method, origin string, preflight bool) *httptest.ResponseRecorder {
	t.Helper()
	reached := false
	h := cors(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(method, "/api/project", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if preflight {
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if preflight && reached {
		t.Fatal("preflight must not reach the router")
	}
	return rec
}

func TestCORS_Preflight(t *testing.T) {
	cfg := config.CORSConfig{Enabled: true, AllowedOrigins: []string{"http://localhost:5173/"}}
	rec := corsRequest(t, cfg, http.MethodOptions, "http://localhost:5173", true)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	want := map[string]string{
		"Access-Control-Allow-Origin":  "http://localhost:5173",
		"Access-Control-Allow-Methods": "GET, POST, PUT, DELETE",
		"Access-Control-Allow-Headers": "Content-Type",
		"Access-Control-Max-Age":       "3600",
		"Vary":                         "Origin",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestCORS_PreflightDisallowedOrigin(t *testing.T) {
	cfg := config.CORSConfig{Enabled: true, AllowedOrigins: []string{"http://localhost:5173"}}
	rec := corsRequest(t, cfg, http.MethodOptions, "http://evil.example", true)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("disallowed origin got Allow-Origin %q", got)
	}
}

func TestCORS_SimpleRequest(t *testing.T) {
	cases := []struct {
		name      string
		origins   []string
		origin    string
		wantAllow string
	}{
		{"listed", []string{"https://app.example"}, "https://app.example", "https://app.example"},
		{"wildcard", []string{"*"}, "https://any.example", "https://any.example"},
		{"unlisted", []string{"https://app.example"}, "https://other.example", ""},
		{"no origin", []string{"*"}, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.CORSConfig{Enabled: true, AllowedOrigins: tc.origins}
			rec := corsRequest(t, cfg, http.MethodGet, tc.origin, false)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.wantAllow {
				t.Fatalf("Allow-Origin = %q, want %q", got, tc.wantAllow)
			}
			if tc.wantAllow != "" && rec.Header().Get("Access-Control-Expose-Headers") != "Retry-After" {
				t.Fatal("expected Retry-After to be exposed")
			}
		})
	}
}

func TestCORS_CustomSettings(t *testing.T) {
	cfg := config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"Content-Type", "X-Request-Id"},
		MaxAge:         60,
	}
	rec := corsRequest(t, cfg, http.MethodOptions, "https://app.example", true)
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET" {
		t.Errorf("methods = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, X-Request-Id" {
		t.Errorf("headers = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Max-Age"); got != "60" {
		t.Errorf("max age = %q", got)
	}
}

func TestLimitBody(t *testing.T) {
	var readErr error
	h := limitBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small")))
	if readErr != nil {
		t.Fatalf("small body: %v", readErr)
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("far too large")))
	var tooLarge *http.MaxBytesError
	if !errors.As(readErr, &tooLarge) || tooLarge.Limit != 8 {
		t.Fatalf("large body: %v", readErr)
	}
}
