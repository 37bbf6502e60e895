package security

import (
	"net/http"

	"github.com/fieldlog/datalogger/agent/internal/config"
)

// RoundTripper injects authentication headers into every outgoing request.
// mtls and none add nothing; the certificate lives in the TLS config.
type RoundTripper struct {
	Base http.RoundTripper
	Auth config.AuthConfig
}

func (t *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	switch t.Auth.Mode {
	case "apikey":
		req = req.Clone(req.Context())
		req.Header.Set(t.Auth.EffectiveHeader(), t.Auth.Key())
	case "bearer":
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.Auth.Token())
	case "basic":
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.Auth.Username, t.Auth.Password())
	}
	return t.Base.RoundTrip(req)
}
