// Package nonce implements the digest-authentication nonce store (C1):
// issuance, replay protection and expiry sweeping. It is the sole
// authority on whether a nonce may be accepted; callers must not cache
// the decision across requests.
package nonce

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Outcome is the result of validating a nonce against the store.
type Outcome int

const (
	// Ok means the nonce exists, is fresh, and the use was accepted.
	Ok Outcome = iota
	// Stale means the nonce exists but is older than the configured
	// expiry; the caller should issue a fresh challenge with stale=true.
	Stale
	// Unknown means the nonce does not exist in the store at all.
	Unknown
)

func (o Outcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// ErrReplayed is returned by Validate when a qop=none nonce is presented
// a second time, or a qop=auth nonce's nc does not strictly increase.
var ErrReplayed = errors.New("nonce: replayed")

type entry struct {
	issued time.Time
	qop    bool // true when this nonce was issued for qop=auth
	used   bool // qop=none: has it been consumed once already
	lastNC uint64
}

// Store holds opaque nonces in memory, guarded by the event-loop
// invariant: in production every call arrives from the single core
// goroutine, but the mutex keeps the package safe to unit test
// concurrently and tolerates a sweep goroutine ticking in the background.
type Store struct {
	mu          sync.Mutex
	entries     map[string]*entry
	nonceExpire time.Duration
}

// New creates a Store whose nonces become Stale after expire.
func New(expire time.Duration) *Store {
	return &Store{
		entries:     make(map[string]*entry),
		nonceExpire: expire,
	}
}

// Issue mints a fresh opaque nonce and records its issue time. qopAuth
// selects whether the nonce accepts repeated use under a strictly
// increasing nonce-count, or a single use.
func (s *Store) Issue(qopAuth bool) (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", errors.Wrap(err, "nonce: generate")
	}
	n := hex.EncodeToString(raw)

	s.mu.Lock()
	s.entries[n] = &entry{issued: time.Now(), qop: qopAuth}
	s.mu.Unlock()

	return n, nil
}

// Validate checks whether nonce may be used with the given nonce-count
// (ignored for qop=none nonces). It returns Unknown if the nonce was
// never issued or has been swept, Stale if it is older than the
// configured expiry, and Ok otherwise -- in which case the use is
// recorded (nc is advanced, or the single-use flag is set) so a replay
// of the exact same request is rejected.
func (s *Store) Validate(n string, nc uint64) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[n]
	if !ok {
		return Unknown, nil
	}
	if s.nonceExpire > 0 && time.Since(e.issued) > s.nonceExpire {
		return Stale, nil
	}
	if e.qop {
		if nc <= e.lastNC {
			return Ok, ErrReplayed
		}
		e.lastNC = nc
		return Ok, nil
	}
	if e.used {
		return Ok, ErrReplayed
	}
	e.used = true
	return Ok, nil
}

// Sweep removes every nonce older than the configured expiry. It is
// meant to be called periodically (see startHousekeeping's cron job in
// cmd/flexisipd)
// rather than on every Validate, keeping Validate's hot path O(1).
func (s *Store) Sweep() int {
	if s.nonceExpire <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-s.nonceExpire)
	removed := 0

	s.mu.Lock()
	for n, e := range s.entries {
		if e.issued.Before(cutoff) {
			delete(s.entries, n)
			removed++
		}
	}
	s.mu.Unlock()

	return removed
}

// Len reports the number of live nonces, for tests and metrics.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
