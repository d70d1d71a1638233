// Package registrar implements the AOR -> contact-set index (C3):
// upsert/expire semantics per RFC 3261 §10.3, contact-listener
// notification for fork-late, and an optional Redis-backed store so
// bindings survive a restart and propagate across proxy instances via
// the `fs:registrar` pubsub channel, as described in spec.md §6.
package registrar

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hharng/flexisip/internal/metrics"
)

// AOR is a canonical SIP Address-of-Record. Equality is
// scheme/host case-insensitive, user case-sensitive, per spec.md §3.
type AOR struct {
	Scheme string
	User   string
	Host   string
	GRUU   string
}

// Key returns the canonical string used to index the registrar map.
func (a AOR) Key() string {
	return strings.ToLower(a.Scheme) + ":" + a.User + "@" + strings.ToLower(a.Host)
}

// PushParams carries the optional push-notification routing
// information attached to a binding.
type PushParams struct {
	Provider string
	PRID     string
	Param    string
}

// Binding is one registrar entry: spec.md §3's contact binding.
type Binding struct {
	AOR             AOR
	InstanceID      string
	Contact         string
	Expiry          time.Time
	Push            *PushParams
	Q               float64
	MessageExpires  *time.Duration
	Generation      uint64
	CallID          string
	CSeq            uint32
}

func (b Binding) expired(now time.Time) bool { return !b.Expiry.After(now) }

// Listener is notified when the binding set for an AOR it subscribed to
// changes; used by the fork engine's fork-late policy.
type Listener func(aor AOR, bindings []Binding)

// Store is the optional external backing store (Redis). Index keeps
// working with no Store configured, purely in-process.
type Store interface {
	Save(ctx context.Context, aor AOR, bindings []Binding) error
	Load(ctx context.Context, aor AOR) ([]Binding, error)
	// Invalidations streams AOR keys that changed in another
	// process; Index invalidates and lazily reloads them.
	Invalidations(ctx context.Context) (<-chan string, error)
}

type aorState struct {
	mu        sync.Mutex
	bindings  map[string]Binding // instance-id -> binding
	listeners []Listener
	dirty     bool // backing store says this AOR changed, reload lazily
}

// Index is the registrar's in-process cache, serialised per-AOR.
type Index struct {
	mu       sync.RWMutex
	aors     map[string]*aorState
	store    Store
	generation uint64
	metrics  *metrics.Registry
	log      *logrus.Entry
}

// New builds an Index, optionally backed by store (nil for a purely
// in-process registrar).
func New(store Store, m *metrics.Registry, log *logrus.Entry) *Index {
	idx := &Index{aors: make(map[string]*aorState), store: store, metrics: m, log: log}
	if store != nil {
		go idx.watchInvalidations()
	}
	return idx
}

func (idx *Index) watchInvalidations() {
	ch, err := idx.store.Invalidations(context.Background())
	if err != nil {
		idx.log.WithError(err).Warn("registrar: could not subscribe to invalidations")
		return
	}
	for key := range ch {
		idx.mu.RLock()
		st, ok := idx.aors[key]
		idx.mu.RUnlock()
		if ok {
			st.mu.Lock()
			st.dirty = true
			st.mu.Unlock()
		}
	}
}

func (idx *Index) stateFor(aor AOR) *aorState {
	key := aor.Key()
	idx.mu.RLock()
	st, ok := idx.aors[key]
	idx.mu.RUnlock()
	if ok {
		return st
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if st, ok := idx.aors[key]; ok {
		return st
	}
	st = &aorState{bindings: make(map[string]Binding)}
	idx.aors[key] = st
	return st
}

// Bind upserts the bindings carried by one REGISTER, applying RFC 3261
// §10.3 semantics: a contact with expiry<=now removes the binding for
// its instance-id; within the same call-id, a lower cseq never
// supersedes a binding written by a higher one. Concurrent binds to the
// same AOR are linearised by the per-AOR mutex.
func (idx *Index) Bind(ctx context.Context, aor AOR, contacts []Binding, now time.Time) ([]Binding, error) {
	st := idx.stateFor(aor)

	st.mu.Lock()
	for _, c := range contacts {
		existing, has := st.bindings[c.InstanceID]
		if has && existing.CallID == c.CallID && c.CSeq <= existing.CSeq {
			continue
		}
		idx.generation++
		c.Generation = idx.generation
		if c.expired(now) {
			delete(st.bindings, c.InstanceID)
			continue
		}
		st.bindings[c.InstanceID] = c
	}
	snapshot := st.snapshotLocked(now)
	listeners := append([]Listener{}, st.listeners...)
	st.mu.Unlock()

	if idx.metrics != nil {
		idx.metrics.Registrations.Set(float64(idx.totalBindings()))
	}
	if idx.store != nil {
		if err := idx.store.Save(ctx, aor, snapshot); err != nil {
			return snapshot, errors.Wrap(err, "registrar: save to backing store")
		}
	}
	for _, l := range listeners {
		l(aor, snapshot)
	}
	return snapshot, nil
}

// Fetch returns the current, non-expired contact set for aor. If a
// backing store is configured and this AOR was marked dirty by an
// invalidation, it is reloaded first.
func (idx *Index) Fetch(ctx context.Context, aor AOR, now time.Time) ([]Binding, error) {
	st := idx.stateFor(aor)

	st.mu.Lock()
	dirty := st.dirty
	st.mu.Unlock()

	if dirty && idx.store != nil {
		fresh, err := idx.store.Load(ctx, aor)
		if err != nil {
			return nil, errors.Wrap(err, "registrar: reload from backing store")
		}
		st.mu.Lock()
		st.bindings = make(map[string]Binding, len(fresh))
		for _, b := range fresh {
			st.bindings[b.InstanceID] = b
		}
		st.dirty = false
		snap := st.snapshotLocked(now)
		st.mu.Unlock()
		return snap, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshotLocked(now), nil
}

// Subscribe registers l to be called whenever aor's binding set
// changes, used by the fork engine to add fork-late branches as
// devices re-register.
func (idx *Index) Subscribe(aor AOR, l Listener) {
	st := idx.stateFor(aor)
	st.mu.Lock()
	st.listeners = append(st.listeners, l)
	st.mu.Unlock()
}

func (st *aorState) snapshotLocked(now time.Time) []Binding {
	out := make([]Binding, 0, len(st.bindings))
	for _, b := range st.bindings {
		if !b.expired(now) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Q > out[j].Q })
	return out
}

// Sweep removes expired bindings from every AOR's in-process cache and
// returns the number removed; it does not touch the backing store,
// whose keys RedisStore writes without a TTL, so expired bindings stay
// there until the next Save for that AOR. Intended to run on a
// periodic cron schedule alongside the nonce store's sweep.
func (idx *Index) Sweep(now time.Time) int {
	idx.mu.RLock()
	states := make([]*aorState, 0, len(idx.aors))
	for _, st := range idx.aors {
		states = append(states, st)
	}
	idx.mu.RUnlock()

	removed := 0
	for _, st := range states {
		st.mu.Lock()
		for id, b := range st.bindings {
			if b.expired(now) {
				delete(st.bindings, id)
				removed++
			}
		}
		st.mu.Unlock()
	}
	if removed > 0 && idx.metrics != nil {
		idx.metrics.Registrations.Set(float64(idx.totalBindings()))
	}
	return removed
}

func (idx *Index) totalBindings() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	total := 0
	for _, st := range idx.aors {
		st.mu.Lock()
		total += len(st.bindings)
		st.mu.Unlock()
	}
	return total
}
