package shipper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/http2"

	"github.com/fieldlog/datalogger/agent/internal/config"
	"github.com/fieldlog/datalogger/agent/internal/security"
	"github.com/fieldlog/datalogger/pkg/types"
	"github.com/fieldlog/datalogger/pkg/wire"
)

const maxErrorBody = 512

// httpPublisher POSTs encoded batches to the collector URL.
type httpPublisher struct {
	url         string
	deviceID    string
	format      wire.Format
	compression wire.Compression
	client      *http.Client
}

func newHTTPPublisher(cfg config.Upstream, deviceID string) (*httpPublisher, error) {
	format, err := wire.ParseFormat(cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("shipper: %w", err)
	}
	compression, err := wire.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("shipper: %w", err)
	}
	client, err := buildHTTPClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("shipper: build http client: %w", err)
	}
	return &httpPublisher{
		url:         cfg.URL,
		deviceID:    deviceID,
		format:      format,
		compression: compression,
		client:      client,
	}, nil
}

// buildHTTPClient returns a client that negotiates HTTP/2 over TLS and
// falls back to HTTP/1.1. Auth headers are injected per request.
func buildHTTPClient(cfg config.Upstream) (*http.Client, error) {
	tlsCfg, err := security.ClientTLS(cfg.Auth, cfg.TLS)
	if err != nil {
		return nil, err
	}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsCfg,
		TLSHandshakeTimeout: cfg.Timeout,
		MaxIdleConns:        2,
		IdleConnTimeout:     2 * cfg.PublishInterval,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}
	return &http.Client{
		Transport: &security.RoundTripper{Base: tr, Auth: cfg.Auth},
	}, nil
}

// Publish sends one POST. 2xx is success; other 4xx except 408 and 429
// are permanent.
func (p *httpPublisher) Publish(ctx context.Context, b *types.Batch) error {
	body, headers, err := wire.Encode(b, p.format, p.compression)
	if err != nil {
		return &PermanentError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("build request: %w", err)}
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set(wire.HeaderIdempotencyKey, b.BatchID)
	req.Header.Set(wire.HeaderDeviceID, p.deviceID)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", p.url, err)
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	if permanentStatus(resp.StatusCode) {
		return &PermanentError{Err: se}
	}
	return se
}

func (p *httpPublisher) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
