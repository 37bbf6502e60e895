// Package config loads the collector configuration from the `collector:`
// section of a YAML file.
//
// Config fields:
//   - Listen         HTTP address for uploads and the device API (default ":8080")
//   - Auth.Mode      "apikey", "bearer" or "none"
//   - Auth.KeyEnv    environment variable holding the expected API key
//   - Auth.TokenEnv  environment variable holding the expected bearer token
//   - Auth.Header    API key header name (default "X-API-Key")
//   - Devices.TTL    how long a silent device stays listed (default 15m)
//   - Dedupe.Window  how long accepted batch ids are remembered (default 1h)
//   - MaxBodyBytes   upload size cap after decompression (default 8 MiB)
//
// Load(path) applies defaults before unmarshalling, then validates.
package config
