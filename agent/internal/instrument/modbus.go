package instrument

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/goburrow/modbus"

	"github.com/fieldlog/datalogger/agent/internal/config"
)

// registerReader is the subset of modbus.Client the adapter uses.
type registerReader interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
}

// transport is implemented by the goburrow TCP and RTU client handlers.
type transport interface {
	Connect() error
	Close() error
}

// modbusClient reads registers over Modbus TCP or RTU. The goburrow
// handlers connect lazily on the first request after Close.
type modbusClient struct {
	kind     string
	endpoint string
	conn     transport
	client   registerReader

	mu sync.Mutex // one request at a time on the bus
}

func newModbusTCP(cfg config.Instrument) *modbusClient {
	h := modbus.NewTCPClientHandler(cfg.Endpoint)
	h.Timeout = cfg.Timeout
	h.SlaveId = cfg.SlaveID
	return &modbusClient{
		kind:     "modbus-tcp",
		endpoint: cfg.Endpoint,
		conn:     h,
		client:   modbus.NewClient(h),
	}
}

func newModbusRTU(cfg config.Instrument) *modbusClient {
	h := modbus.NewRTUClientHandler(cfg.Endpoint)
	h.BaudRate = cfg.Serial.BaudRate
	h.DataBits = cfg.Serial.DataBits
	h.Parity = cfg.Serial.Parity
	h.StopBits = cfg.Serial.StopBits
	h.Timeout = cfg.Timeout
	h.SlaveId = cfg.SlaveID
	return &modbusClient{
		kind:     "modbus-rtu",
		endpoint: cfg.Endpoint,
		conn:     h,
		client:   modbus.NewClient(h),
	}
}

// Read reads every register in order. The first failure aborts the read,
// closes the transport so the next Read reconnects, and is returned as a
// *TransportError.
func (c *modbusClient) Read(ctx context.Context, regs []config.Register) (Values, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(Values, len(regs))
	for _, r := range regs {
		if err := ctx.Err(); err != nil {
			return nil, &TransportError{Op: c.kind + " read", Address: c.endpoint, Kind: ErrTimeout, Err: err}
		}

		v, err := c.readOne(r)
		if err != nil {
			kind := classify(err)
			if _, ok := err.(*decodeError); ok {
				kind = ErrProtocol
			}
			if cerr := c.conn.Close(); cerr != nil {
				slog.Debug("instrument: close after error failed", "endpoint", c.endpoint, "err", cerr)
			}
			return nil, &TransportError{
				Op:      fmt.Sprintf("%s read %s@%d", c.kind, r.Function, r.Address),
				Address: c.endpoint,
				Kind:    kind,
				Err:     err,
			}
		}
		out[r.Name] = v
	}
	return out, nil
}

// decodeError marks a well-formed response whose content is unusable.
type decodeError struct{ err error }

func (e *decodeError) Error() string { return e.err.Error() }

func (c *modbusClient) readOne(r config.Register) (any, error) {
	qty := registerCount(r)
	var (
		raw []byte
		err error
	)
	switch r.Function {
	case "holding":
		raw, err = c.client.ReadHoldingRegisters(r.Address, qty)
	case "input":
		raw, err = c.client.ReadInputRegisters(r.Address, qty)
	case "coil":
		raw, err = c.client.ReadCoils(r.Address, 1)
	case "discrete":
		raw, err = c.client.ReadDiscreteInputs(r.Address, 1)
	default:
		return nil, &decodeError{fmt.Errorf("register %q: unknown function %q", r.Name, r.Function)}
	}
	if err != nil {
		return nil, err
	}

	var v any
	switch r.Function {
	case "coil", "discrete":
		v, err = decodeBits(r, raw)
	default:
		v, err = decodeRegisters(r, raw)
	}
	if err != nil {
		return nil, &decodeError{err}
	}
	return v, nil
}

// Close closes the serial port or TCP connection.
func (c *modbusClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
