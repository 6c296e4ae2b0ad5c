package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentoven/toolgate/internal/api/middleware"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAPIKeyAuth_Disabled(t *testing.T) {
	auth := middleware.NewAPIKeyAuth(nil)
	if auth.Enabled() {
		t.Error("expected auth to be disabled with no keys")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
	w := httptest.NewRecorder()
	auth.Middleware(okHandler()).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("disabled auth: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAPIKeyAuth_BlankKeysIgnored(t *testing.T) {
	if middleware.NewAPIKeyAuth([]string{"", "  "}).Enabled() {
		t.Error("blank keys should not enable auth")
	}
}

func TestAPIKeyAuth_ValidKey(t *testing.T) {
	handler := middleware.NewAPIKeyAuth([]string{"test-key-1", "test-key-2"}).Middleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
	req.Header.Set("Authorization", "Bearer test-key-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid bearer key: status = %d, want %d", w.Code, http.StatusOK)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
	req2.Header.Set("X-API-Key", "test-key-2")
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Errorf("valid X-API-Key: status = %d, want %d", w2.Code, http.StatusOK)
	}
}

func TestAPIKeyAuth_Rejected(t *testing.T) {
	handler := middleware.NewAPIKeyAuth([]string{"valid-key"}).Middleware(okHandler())

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong", "Bearer wrong-key"},
		{"prefix", "Bearer valid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/execute", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			if got := w.Header().Get("WWW-Authenticate"); got == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestAPIKeyAuth_PublicPaths(t *testing.T) {
	handler := middleware.NewAPIKeyAuth([]string{"valid-key"}).Middleware(okHandler())

	for _, path := range []string{"/health", "/version", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("public path %q: status = %d, want %d", path, w.Code, http.StatusOK)
		}
	}
}

// ─── Session extraction ──────────────────────────────────────

func TestSessionExtractor(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"header", "sess-h", "", "sess-h"},
		{"query", "", "sess-q", "sess-q"},
		{"header wins", "sess-h", "sess-q", "sess-h"},
		{"none", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := middleware.SessionExtractor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = middleware.GetSession(r.Context())
			}))
			target := "/api/v1/execute"
			if tt.query != "" {
				target += "?session_id=" + tt.query
			}
			req := httptest.NewRequest(http.MethodPost, target, nil)
			if tt.header != "" {
				req.Header.Set(middleware.SessionHeader, tt.header)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("GetSession() = %q, want %q", got, tt.want)
			}
		})
	}
}
