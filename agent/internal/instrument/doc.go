// Package instrument is the boundary to the measured device.
//
// Open(ctx, config.Instrument) returns a Client for the configured type:
//   - modbus-tcp, modbus-rtu (modbus.go): goburrow/modbus handlers; holding
//     and input registers decode as 16/32-bit integers or float32 with a
//     configurable word order, coils and discrete inputs as bool
//   - prometheus (prometheus.go): HTTP GET of a text exposition; each
//     register names a metric family whose samples are summed
//   - simulated (simulated.go): random values for bench runs
//
// Client.Read returns all configured values or a *TransportError whose Kind
// is ErrTimeout, ErrProtocol or ErrConnection. Reads never return partial
// results, and a failed read closes the transport so the next one
// reconnects. Numeric values with a scale other than 1 are float64.
package instrument
