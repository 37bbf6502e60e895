// Package security holds the client-side TLS and credential plumbing shared
// by the instrument adapters and the upstream publishers, plus a certificate
// expiry check used by the status command.
package security
