package config

import (
	"os"
	"strings"
)

// Env is a snapshot of the process environment. It is taken once at startup
// and is the only place secrets and the device id override are read from.
type Env map[string]string

// EnvFromOS snapshots os.Environ().
func EnvFromOS() Env {
	return EnvFromList(os.Environ())
}

// EnvFromList builds an Env from KEY=VALUE pairs. Entries without '=' are
// ignored; later duplicates win.
func EnvFromList(kv []string) Env {
	env := make(Env, len(kv))
	for _, pair := range kv {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	return env
}

// Get returns the value of name, or "" if name is empty or unset.
func (e Env) Get(name string) string {
	if name == "" {
		return ""
	}
	return e[name]
}
