// Package authdb is the credential store adapter (C2): given a
// (username, realm), asynchronously fetches the password rows the
// authentication module should try. A row may hold a cleartext secret
// or a precomputed HA1 for a specific digest algorithm, mirroring
// AuthDbBackend::PwList in the original C++ module, so the caller can
// support several algorithms for the same account.
package authdb

import "context"

// Algorithm names match the RFC 7616 "algorithm" token.
type Algorithm string

const (
	AlgorithmCleartext Algorithm = "cleartext"
	AlgorithmMD5        Algorithm = "MD5"
	AlgorithmSHA256      Algorithm = "SHA-256"
)

// Password is one candidate secret for a (username, realm) pair.
type Password struct {
	Algorithm Algorithm
	// Secret holds the cleartext password when Algorithm is
	// AlgorithmCleartext, otherwise the precomputed HA1 = H(user:realm:pw)
	// hex-encoded for the given Algorithm.
	Secret string
}

// Backend is implemented by whatever actually stores credentials (flat
// file, SQL, LDAP, ...). Lookup must not block the event loop: the
// authentication module calls it from its own goroutine and posts the
// returned rows back onto the loop.
type Backend interface {
	// Lookup fetches every known password row for (username, realm).
	// An empty, nil-error result means the user is unknown.
	Lookup(ctx context.Context, username, realm string) ([]Password, error)
}

// MemoryBackend is a Backend suitable for tests and small deployments:
// a fixed map keyed by "username@realm".
type MemoryBackend struct {
	rows map[string][]Password
}

// NewMemoryBackend builds an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{rows: make(map[string][]Password)}
}

func key(username, realm string) string { return username + "@" + realm }

// Set replaces the password rows for (username, realm).
func (b *MemoryBackend) Set(username, realm string, rows ...Password) {
	b.rows[key(username, realm)] = rows
}

// Lookup implements Backend.
func (b *MemoryBackend) Lookup(_ context.Context, username, realm string) ([]Password, error) {
	return b.rows[key(username, realm)], nil
}
