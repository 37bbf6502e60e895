package instrument

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/fieldlog/datalogger/agent/internal/config"
)

// Simulated produces plausible random values for each register type. It is
// used for bench setups without hardware and never fails a read.
type Simulated struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulated returns a simulated instrument. A zero seed uses the clock.
func NewSimulated(seed int64) *Simulated {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulated{rng: rand.New(rand.NewSource(seed))} //nolint:gosec // not crypto
}

// Read returns one random value per register.
func (s *Simulated) Read(ctx context.Context, regs []config.Register) (Values, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "simulated read", Address: "simulated", Kind: ErrTimeout, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(Values, len(regs))
	for _, r := range regs {
		var v any
		switch r.Type {
		case "bool":
			v = s.rng.Intn(2) == 1
		case "int16":
			v = int64(s.rng.Intn(1<<16) - 1<<15)
		case "uint32":
			v = int64(s.rng.Uint32())
		case "int32":
			v = int64(int32(s.rng.Uint32()))
		case "float32":
			v = s.rng.Float64() * 100
		default:
			v = int64(s.rng.Intn(1 << 16))
		}
		if f := scale(r); f != 1 {
			switch n := v.(type) {
			case int64:
				v = float64(n) * f
			case float64:
				v = n * f
			}
		}
		out[r.Name] = v
	}
	return out, nil
}

// Close is a no-op.
func (s *Simulated) Close() error { return nil }
