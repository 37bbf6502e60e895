package instrument

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fieldlog/datalogger/agent/internal/config"
)

// registerCount returns how many 16-bit registers (or bits) r spans.
func registerCount(r config.Register) uint16 {
	switch r.Type {
	case "uint32", "int32", "float32":
		return 2
	}
	return 1
}

// decodeRegisters converts the raw big-endian register bytes returned by a
// holding/input read into the register's typed, scaled value.
func decodeRegisters(r config.Register, raw []byte) (any, error) {
	want := int(registerCount(r)) * 2
	if len(raw) < want {
		return nil, fmt.Errorf("register %q: got %d bytes, want %d", r.Name, len(raw), want)
	}

	var (
		value   float64
		integer int64
	)
	switch r.Type {
	case "uint16":
		integer = int64(binary.BigEndian.Uint16(raw))
	case "int16":
		integer = int64(int16(binary.BigEndian.Uint16(raw)))
	case "uint32":
		integer = int64(word32(raw, r.WordOrder))
	case "int32":
		integer = int64(int32(word32(raw, r.WordOrder)))
	case "float32":
		value = float64(math.Float32frombits(word32(raw, r.WordOrder)))
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return nil, fmt.Errorf("register %q: non-finite float", r.Name)
		}
		return value * scale(r), nil
	default:
		return nil, fmt.Errorf("register %q: type %q cannot be read from registers", r.Name, r.Type)
	}

	if s := scale(r); s != 1 {
		return float64(integer) * s, nil
	}
	return integer, nil
}

// decodeBits converts a coil/discrete read of one bit.
func decodeBits(r config.Register, raw []byte) (any, error) {
	if len(raw) < 1 {
		return nil, fmt.Errorf("register %q: empty bit response", r.Name)
	}
	on := raw[0]&0x01 == 1
	if r.Type == "bool" {
		return on, nil
	}
	if on {
		return int64(1), nil
	}
	return int64(0), nil
}

// word32 joins two registers. "big" means the first register holds the high
// word; "little" means it holds the low word.
func word32(raw []byte, order string) uint32 {
	hi := uint32(binary.BigEndian.Uint16(raw[0:2]))
	lo := uint32(binary.BigEndian.Uint16(raw[2:4]))
	if order == "little" {
		hi, lo = lo, hi
	}
	return hi<<16 | lo
}

func scale(r config.Register) float64 {
	if r.Scale == 0 {
		return 1
	}
	return r.Scale
}
