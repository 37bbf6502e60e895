package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/fieldlog/datalogger/agent/internal/config"
)

// ClientTLS builds the client TLS configuration for an endpoint. In mtls
// mode the client certificate is loaded and auth.ca_file, when set, takes
// precedence over tls.ca_file.
func ClientTLS(auth config.AuthConfig, t config.TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.InsecureSkipVerify, //nolint:gosec // user-configured
	}

	caFile := t.CAFile
	if auth.Mode == "mtls" {
		cert, err := tls.LoadX509KeyPair(auth.CertFile, auth.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
		if auth.CAFile != "" {
			caFile = auth.CAFile
		}
	}

	if caFile != "" {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no valid certs in ca file %q", caFile)
		}
		tlsCfg.RootCAs = pool
	}

	return tlsCfg, nil
}
