// Package identity resolves the device identifier stamped on every reading.
//
// Resolver.ID reads the identifier once per process and caches the value,
// or the error, for every later call. Sources are tried in the configured
// order and the first non-empty value wins:
//
//	env         the variable named by device.id_env in the startup snapshot
//	devicetree  /sys/firmware/devicetree/base/serial-number (NULs stripped)
//	cpuinfo     the "Serial : <hex>" line of /proc/cpuinfo
//	mac         the first non-loopback interface hardware address
//
// There is no development fallback: if every source fails the caller gets
// ErrNotFound and must not start the pipeline.
package identity

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/fieldlog/datalogger/agent/internal/config"
)

// Default locations of the hardware serial on Linux boards.
const (
	DevicetreeSerialPath = "/sys/firmware/devicetree/base/serial-number"
	CPUInfoPath          = "/proc/cpuinfo"
)

// ErrNotFound is returned when no configured source yields an identifier.
var ErrNotFound = errors.New("identity: no source produced a device id")

// Resolver is a memoising device identity accessor. Safe for concurrent use.
type Resolver struct {
	sources []string
	idEnv   string
	env     config.Env

	devicetreePath string
	cpuinfoPath    string
	interfaces     func() ([]net.Interface, error) // injectable for tests

	once   sync.Once
	id     string
	source string
	err    error
}

// New returns a Resolver for the device section of the config. env is the
// startup environment snapshot.
func New(dev config.Device, env config.Env) *Resolver {
	sources := dev.IDSources
	if len(sources) == 0 {
		sources = config.DefaultIDSources
	}
	return &Resolver{
		sources:        sources,
		idEnv:          dev.IDEnv,
		env:            env,
		devicetreePath: DevicetreeSerialPath,
		cpuinfoPath:    CPUInfoPath,
		interfaces:     net.Interfaces,
	}
}

// ID returns the device identifier. Only the first call touches the
// environment; later calls return the cached result.
func (r *Resolver) ID() (string, error) {
	r.once.Do(r.resolve)
	return r.id, r.err
}

// Source returns the name of the source that produced the id, or "" if
// resolution failed or has not run yet.
func (r *Resolver) Source() string {
	r.once.Do(r.resolve)
	return r.source
}

func (r *Resolver) resolve() {
	var tried []string
	for _, src := range r.sources {
		id, err := r.lookup(src)
		if err != nil {
			slog.Debug("identity: source failed", "source", src, "err", err)
			tried = append(tried, fmt.Sprintf("%s: %v", src, err))
			continue
		}
		if id == "" {
			tried = append(tried, src+": empty")
			continue
		}
		r.id, r.source = id, src
		slog.Info("identity: resolved device id", "source", src, "device_id", id)
		return
	}
	r.err = fmt.Errorf("%w (%s)", ErrNotFound, strings.Join(tried, "; "))
}

func (r *Resolver) lookup(src string) (string, error) {
	switch src {
	case "env":
		return strings.TrimSpace(r.env.Get(r.idEnv)), nil
	case "devicetree":
		return readDevicetreeSerial(r.devicetreePath)
	case "cpuinfo":
		return readCPUInfoSerial(r.cpuinfoPath)
	case "mac":
		return firstMAC(r.interfaces)
	}
	return "", fmt.Errorf("unknown source %q", src)
}

func readDevicetreeSerial(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	b = bytes.ReplaceAll(b, []byte{0}, nil)
	return strings.TrimSpace(string(b)), nil
}

// readCPUInfoSerial extracts the board serial from a /proc/cpuinfo style
// file. All-zero serials (reported by boards without one) count as empty.
func readCPUInfoSerial(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if !ok || strings.TrimSpace(key) != "Serial" {
			continue
		}
		val = strings.ToLower(strings.TrimSpace(val))
		if !isHex(val) || strings.Trim(val, "0") == "" {
			return "", nil
		}
		return val, nil
	}
	return "", sc.Err()
}

// firstMAC returns the hardware address of the lowest-index interface that
// is not loopback and has one.
func firstMAC(list func() ([]net.Interface, error)) (string, error) {
	ifaces, err := list()
	if err != nil {
		return "", err
	}
	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Index < ifaces[j].Index })
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) == 0 {
			continue
		}
		return ifc.HardwareAddr.String(), nil
	}
	return "", nil
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
