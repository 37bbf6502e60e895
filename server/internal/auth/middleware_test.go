package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func call(t *testing.T, h http.Handler, headers map[string]string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/readings", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr.Code
}

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		secret  string
		headers map[string]string
		want    int
	}{
		{"mode none passes", "none", "secret", nil, http.StatusNoContent},
		{"empty secret passes", "apikey", "", nil, http.StatusNoContent},
		{"apikey correct", "apikey", "supersecret", map[string]string{"X-API-Key": "supersecret"}, http.StatusNoContent},
		{"apikey wrong", "apikey", "supersecret", map[string]string{"X-API-Key": "wrong"}, http.StatusUnauthorized},
		{"apikey missing", "apikey", "supersecret", nil, http.StatusUnauthorized},
		{"bearer correct", "bearer", "t0ken", map[string]string{"Authorization": "Bearer t0ken"}, http.StatusNoContent},
		{"bearer scheme case-insensitive", "bearer", "t0ken", map[string]string{"Authorization": "bearer t0ken"}, http.StatusNoContent},
		{"bearer wrong", "bearer", "t0ken", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"bearer basic scheme", "bearer", "t0ken", map[string]string{"Authorization": "Basic dTpw"}, http.StatusUnauthorized},
		{"bearer key header ignored", "bearer", "t0ken", map[string]string{"X-API-Key": "t0ken"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Middleware(tt.mode, "X-API-Key", tt.secret)(okHandler)
			if got := call(t, h, tt.headers); got != tt.want {
				t.Errorf("status: got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMiddleware_CustomHeader(t *testing.T) {
	h := Middleware("apikey", "X-Site-Key", "abc")(okHandler)
	if got := call(t, h, map[string]string{"X-Site-Key": "abc"}); got != http.StatusNoContent {
		t.Errorf("custom header: got %d, want 204", got)
	}
	if got := call(t, h, map[string]string{"X-API-Key": "abc"}); got != http.StatusUnauthorized {
		t.Errorf("default header with custom configured: got %d, want 401", got)
	}
}

func TestMiddleware_BearerChallenge(t *testing.T) {
	h := Middleware("bearer", "", "t0ken")(okHandler)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/devices", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want 401", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate challenge")
	}
}
