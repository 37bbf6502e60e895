// Package config loads and watches the datalogger configuration file.
//
// Top-level types:
//   - Config{Device, Instrument, Acquisition, Storage, Upstream, Metrics, Lifecycle}
//   - Instrument: type (modbus-rtu|modbus-tcp|prometheus|simulated), endpoint,
//     serial line settings and the Register list sampled on every tick
//   - Upstream: kind (http|mqtt|s3), url, format, compression, retry budget,
//     publish interval and batch size
//   - AuthConfig: mode (mtls|apikey|bearer|basic|none), cert/key/ca files,
//     header, key_env, token_env, password_env
//
// Load(path, env) reads YAML, or JSON with comments when the file ends in
// .json/.jsonc, applies defaults (10s sampling, batches of 30, 30s publish
// interval, 3 attempts), then validates required fields and enums. Secrets
// are resolved from the env snapshot during Load; Key(), Token() and
// Password() only return the resolved values.
//
// Watch(ctx, path, env, onChange) uses fsnotify to detect file changes and
// calls onChange with the newly parsed Config. The agent uses it for
// restart-on-change; the running Config is never mutated.
package config
