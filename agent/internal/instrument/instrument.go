package instrument

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/fieldlog/datalogger/agent/internal/config"
)

// Failure kinds carried by TransportError. Use errors.Is to test for them.
var (
	ErrTimeout    = errors.New("timeout")
	ErrProtocol   = errors.New("protocol violation")
	ErrConnection = errors.New("connection failed")
)

// TransportError is returned by Read when the instrument could not be read.
// Kind is one of ErrTimeout, ErrProtocol or ErrConnection.
type TransportError struct {
	Op      string
	Address string
	Kind    error
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("instrument: %s %s: %v: %v", e.Op, e.Address, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *TransportError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// IsTransport reports whether err is a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Values maps register names to measured values (int64, float64 or bool).
type Values map[string]any

// Client reads the configured registers from one instrument.
type Client interface {
	// Read returns one value per register. If any register fails the whole
	// read fails with a *TransportError; partial reads are never returned.
	Read(ctx context.Context, regs []config.Register) (Values, error)

	// Close releases the underlying transport. A later Read reconnects.
	Close() error
}

// Open returns the Client for cfg.Type. It validates and prepares the
// transport but does not require the instrument to be reachable: the first
// Read connects. Errors from Open are configuration errors.
func Open(ctx context.Context, cfg config.Instrument) (Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case "modbus-tcp":
		return newModbusTCP(cfg), nil
	case "modbus-rtu":
		return newModbusRTU(cfg), nil
	case "prometheus":
		c, err := newPromClient(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "simulated":
		return NewSimulated(0), nil
	default:
		return nil, fmt.Errorf("instrument: unsupported type %q", cfg.Type)
	}
}

// classify maps a low-level error to one of the failure kinds.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	var oe *net.OpError
	if errors.As(err, &oe) && (oe.Op == "dial" || oe.Op == "read" || oe.Op == "write") {
		return ErrConnection
	}
	// The serial transport reports timeouts as plain errors.
	if strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return ErrTimeout
	}
	return ErrProtocol
}
