package identity

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/fieldlog/datalogger/agent/internal/config"
)

const cpuinfoPi = `processor	: 0
model name	: ARMv7 Processor rev 4 (v7l)
BogoMIPS	: 38.40

Hardware	: BCM2835
Revision	: a02082
Serial		: 00000000a1b2c3d4
Model		: Raspberry Pi 3 Model B Rev 1.2
`

// newTestResolver returns a Resolver whose file and interface sources point
// at the given fixtures. Empty paths point at files that do not exist.
func newTestResolver(t *testing.T, sources []string, env config.Env, devicetree, cpuinfo string, ifaces []net.Interface) *Resolver {
	t.Helper()
	dir := t.TempDir()
	r := New(config.Device{IDSources: sources, IDEnv: "DEVICE_ID"}, env)
	r.devicetreePath = filepath.Join(dir, "serial-number")
	r.cpuinfoPath = filepath.Join(dir, "cpuinfo")
	if devicetree != "" {
		writeFile(t, r.devicetreePath, devicetree)
	}
	if cpuinfo != "" {
		writeFile(t, r.cpuinfoPath, cpuinfo)
	}
	r.interfaces = func() ([]net.Interface, error) { return ifaces, nil }
	return r
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestResolver_Sources(t *testing.T) {
	eth0 := net.Interface{Index: 2, Name: "eth0", HardwareAddr: net.HardwareAddr{0xb8, 0x27, 0xeb, 0x12, 0x34, 0x56}}
	lo := net.Interface{Index: 1, Name: "lo", Flags: net.FlagLoopback}

	tests := []struct {
		name       string
		sources    []string
		env        config.Env
		devicetree string
		cpuinfo    string
		ifaces     []net.Interface
		wantID     string
		wantSource string
	}{
		{
			name:       "env override wins",
			sources:    []string{"env", "devicetree"},
			env:        config.Env{"DEVICE_ID": " site-14 "},
			devicetree: "10000000abcdef01\x00",
			wantID:     "site-14",
			wantSource: "env",
		},
		{
			name:       "devicetree strips NULs",
			sources:    []string{"env", "devicetree", "cpuinfo"},
			devicetree: "10000000abcdef01\x00",
			cpuinfo:    cpuinfoPi,
			wantID:     "10000000abcdef01",
			wantSource: "devicetree",
		},
		{
			name:       "cpuinfo fallback",
			sources:    []string{"devicetree", "cpuinfo"},
			cpuinfo:    cpuinfoPi,
			wantID:     "00000000a1b2c3d4",
			wantSource: "cpuinfo",
		},
		{
			name:       "all-zero cpuinfo serial skipped",
			sources:    []string{"cpuinfo", "mac"},
			cpuinfo:    "Serial\t\t: 0000000000000000\n",
			ifaces:     []net.Interface{eth0, lo},
			wantID:     "b8:27:eb:12:34:56",
			wantSource: "mac",
		},
		{
			name:       "mac skips loopback",
			sources:    []string{"mac"},
			ifaces:     []net.Interface{lo, eth0},
			wantID:     "b8:27:eb:12:34:56",
			wantSource: "mac",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := tc.env
			if env == nil {
				env = config.Env{}
			}
			r := newTestResolver(t, tc.sources, env, tc.devicetree, tc.cpuinfo, tc.ifaces)
			id, err := r.ID()
			if err != nil {
				t.Fatalf("ID() error = %v", err)
			}
			if id != tc.wantID {
				t.Errorf("ID() = %q, want %q", id, tc.wantID)
			}
			if r.Source() != tc.wantSource {
				t.Errorf("Source() = %q, want %q", r.Source(), tc.wantSource)
			}
		})
	}
}

func TestResolver_AllSourcesFail(t *testing.T) {
	r := newTestResolver(t, []string{"env", "devicetree", "cpuinfo", "mac"}, config.Env{}, "", "", nil)
	id, err := r.ID()
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("ID() error = %v, want ErrNotFound", err)
	}
	if id != "" {
		t.Errorf("ID() = %q, want empty", id)
	}
}

func TestResolver_Memoised(t *testing.T) {
	r := newTestResolver(t, []string{"devicetree"}, config.Env{}, "abc123", "", nil)

	first, err := r.ID()
	if err != nil {
		t.Fatalf("ID() error = %v", err)
	}

	// Changing the underlying file must not change the cached id.
	writeFile(t, r.devicetreePath, "different")
	second, err := r.ID()
	if err != nil {
		t.Fatalf("second ID() error = %v", err)
	}
	if first != second {
		t.Errorf("ID() changed between calls: %q then %q", first, second)
	}
}

func TestResolver_ErrorMemoised(t *testing.T) {
	r := newTestResolver(t, []string{"devicetree"}, config.Env{}, "", "", nil)
	if _, err := r.ID(); err == nil {
		t.Fatal("expected error on first call")
	}

	writeFile(t, r.devicetreePath, "appeared-later")
	if _, err := r.ID(); err == nil {
		t.Error("expected cached error on second call")
	}
}
