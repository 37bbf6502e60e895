package security

import (
	"context"
	"crypto/tls"
	"math"
	"net"
	"net/url"
	"time"

	"github.com/fieldlog/datalogger/agent/internal/config"
)

// CertStatus describes the leaf certificate presented by an endpoint.
type CertStatus struct {
	Endpoint string `json:"endpoint"`
	// Status is valid, expiring (30 days or less), expired or unreachable.
	Status   string `json:"status"`
	NotAfter string `json:"not_after,omitempty"`
	Issuer   string `json:"issuer,omitempty"`
	DaysLeft int    `json:"days_left"`
}

// Check dials the TLS endpoint and reports on its leaf certificate.
//
// Returns nil for endpoints without TLS. mqtts, ssl and tls URLs default to
// port 8883, https to 443. Verification is skipped so an expired
// certificate can still be reported.
func Check(ctx context.Context, endpoint string, now time.Time) *CertStatus {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil
	}
	defaultPort := ""
	switch u.Scheme {
	case "https":
		defaultPort = "443"
	case "mqtts", "ssl", "tls":
		defaultPort = "8883"
	default:
		return nil
	}

	cs := &CertStatus{Endpoint: endpoint}

	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, defaultPort)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config: &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // inspection only
		},
	}

	netConn, err := dialer.DialContext(dialCtx, "tcp", host)
	if err != nil {
		cs.Status = "unreachable"
		return cs
	}
	conn := netConn.(*tls.Conn)
	defer conn.Close()

	peerCerts := conn.ConnectionState().PeerCertificates
	if len(peerCerts) == 0 {
		cs.Status = "unreachable"
		return cs
	}

	leaf := peerCerts[0]
	daysLeft := leaf.NotAfter.Sub(now).Hours() / 24

	cs.NotAfter = leaf.NotAfter.UTC().Format(time.RFC3339)
	cs.Issuer = leaf.Issuer.CommonName
	cs.DaysLeft = int(math.Floor(daysLeft))

	switch {
	case daysLeft <= 0:
		cs.Status = "expired"
	case daysLeft <= 30:
		cs.Status = "expiring"
	default:
		cs.Status = "valid"
	}
	return cs
}

// CheckUpstream checks the configured upstream URL. S3 uploads have no
// single URL and return nil unless a custom endpoint is set.
func CheckUpstream(ctx context.Context, u config.Upstream, now time.Time) *CertStatus {
	if u.Kind == "s3" {
		if u.S3.Endpoint == "" {
			return nil
		}
		return Check(ctx, u.S3.Endpoint, now)
	}
	return Check(ctx, u.URL, now)
}
