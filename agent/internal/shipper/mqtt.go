package shipper

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fieldlog/datalogger/agent/internal/config"
	"github.com/fieldlog/datalogger/agent/internal/security"
	"github.com/fieldlog/datalogger/pkg/types"
	"github.com/fieldlog/datalogger/pkg/wire"
)

// quiesceMillis bounds how long Disconnect waits for in-flight work.
const quiesceMillis = 250

// mqttClient is the subset of mqtt.Client the publisher uses.
type mqttClient interface {
	IsConnected() bool
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// mqttPublisher publishes each batch as one message to
// <topic_prefix>/<device_id>. Config validation only admits QoS 1 or 2, so
// success means the broker acknowledged the message.
type mqttPublisher struct {
	topic       string
	qos         byte
	format      wire.Format
	compression wire.Compression

	mu     sync.Mutex
	client mqttClient
}

func newMQTTPublisher(cfg config.Upstream, deviceID string) (*mqttPublisher, error) {
	format, err := wire.ParseFormat(cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("shipper: %w", err)
	}
	compression, err := wire.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("shipper: %w", err)
	}
	opts, err := mqttOptions(cfg, deviceID)
	if err != nil {
		return nil, fmt.Errorf("shipper: mqtt options: %w", err)
	}
	return &mqttPublisher{
		topic:       cfg.MQTT.TopicPrefix + "/" + deviceID,
		qos:         cfg.MQTT.QoS,
		format:      format,
		compression: compression,
		client:      mqtt.NewClient(opts),
	}, nil
}

func mqttOptions(cfg config.Upstream, deviceID string) (*mqtt.ClientOptions, error) {
	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = "datalogger-" + deviceID
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(clientID).
		SetConnectTimeout(cfg.Timeout).
		SetWriteTimeout(cfg.Timeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			slog.Warn("shipper: mqtt connection lost", "err", err)
		})

	if cfg.Auth.Mode == "basic" {
		opts.SetUsername(cfg.Auth.Username).SetPassword(cfg.Auth.Password())
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	switch u.Scheme {
	case "ssl", "tls", "mqtts", "tcps", "wss":
		tlsCfg, err := security.ClientTLS(cfg.Auth, cfg.TLS)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

// Publish connects on demand and waits for the publish token until ctx
// expires.
func (p *mqttPublisher) Publish(ctx context.Context, b *types.Batch) error {
	body, _, err := wire.Encode(b, p.format, p.compression)
	if err != nil {
		return &PermanentError{Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.client.IsConnected() {
		if err := waitToken(ctx, p.client.Connect()); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	}
	if err := waitToken(ctx, p.client.Publish(p.topic, p.qos, false, body)); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", p.topic, err)
	}
	return nil
}

func (p *mqttPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client.IsConnected() {
		p.client.Disconnect(quiesceMillis)
	}
	return nil
}

// waitToken blocks until the token completes or ctx is done.
func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return fmt.Errorf("waiting for broker: %w", ctx.Err())
	}
}
