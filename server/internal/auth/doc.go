// Package auth provides authentication middleware for the collector.
//
// Middleware(mode, header, secret) wraps an http.Handler and checks either
// an API key header or a bearer token. When mode is "none" or the secret is
// empty, all requests pass through (useful on the bench with auth disabled).
package auth
