package instrument

import (
	"context"
	"fmt"
	"io"
	"net/http"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/fieldlog/datalogger/agent/internal/config"
	"github.com/fieldlog/datalogger/agent/internal/security"
)

// promClient reads instruments that expose their values as a Prometheus
// text exposition, such as a gateway or a sensor bridge. Each register name
// is a metric family; its value is the sum of the family's samples.
type promClient struct {
	endpoint string
	client   *http.Client
}

func newPromClient(cfg config.Instrument) (*promClient, error) {
	client, err := buildHTTPClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("instrument %q: build http client: %w", cfg.Endpoint, err)
	}
	return &promClient{endpoint: cfg.Endpoint, client: client}, nil
}

// Read fetches the exposition once and extracts every register from it.
// A register whose family is absent fails the whole read.
func (c *promClient) Read(ctx context.Context, regs []config.Register) (Values, error) {
	mfs, err := fetchMetrics(ctx, c.client, c.endpoint)
	if err != nil {
		return nil, &TransportError{Op: "prometheus fetch", Address: c.endpoint, Kind: kindOf(err), Err: err}
	}

	out := make(Values, len(regs))
	for _, r := range regs {
		mf, ok := mfs[r.Name]
		if !ok || len(mf.GetMetric()) == 0 {
			return nil, &TransportError{
				Op:      "prometheus read",
				Address: c.endpoint,
				Kind:    ErrProtocol,
				Err:     fmt.Errorf("metric family %q not in exposition", r.Name),
			}
		}
		v := sumFamily(mf) * scale(r)
		if r.Type == "bool" {
			out[r.Name] = v != 0
			continue
		}
		out[r.Name] = v
	}
	return out, nil
}

// Close releases idle keep-alive connections.
func (c *promClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// statusError is a non-200 scrape response.
type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("unexpected status %d", e.code) }

// parseError is an exposition that could not be parsed.
type parseError struct{ err error }

func (e *parseError) Error() string { return e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

func kindOf(err error) error {
	switch err.(type) {
	case *statusError, *parseError:
		return ErrProtocol
	}
	return classify(err)
}

// buildHTTPClient constructs an http.Client for the instrument's auth and TLS
// settings. The per-request bound is cfg.Timeout; callers may pass a
// shorter context deadline.
func buildHTTPClient(cfg config.Instrument) (*http.Client, error) {
	tlsCfg, err := security.ClientTLS(cfg.Auth, cfg.TLS)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: &security.RoundTripper{
			Base: &http.Transport{TLSClientConfig: tlsCfg},
			Auth: cfg.Auth,
		},
		Timeout: cfg.Timeout,
	}, nil
}

// fetchMetrics performs an HTTP GET to url and returns parsed metric families.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode}
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a Prometheus text exposition from r into metric families.
// A partial result with a non-fatal parse warning is still returned successfully.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, &parseError{fmt.Errorf("parse prometheus text: %w", err)}
	}
	return mfs, nil
}

// sumFamily adds up all counter, gauge, or untyped values in a MetricFamily.
// Returns 0 if mf is nil.
func sumFamily(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		}
	}
	return total
}
