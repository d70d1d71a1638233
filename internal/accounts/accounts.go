// Package accounts implements the account pool (C8): a pool of B2BUA
// identities indexed by multiple user-defined views, hot-reloadable
// from an external loader and kept live by pub/sub, per spec.md §4.7.
package accounts

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hharng/flexisip/internal/authdb"
	"github.com/hharng/flexisip/internal/metrics"
)

// Account is spec.md §3's account record.
type Account struct {
	URI          string
	Alias        string
	OutboundProxy string
	Credential   authdb.Password
	MaxCalls     int
	CurrentCalls int
	Registered   bool
}

// Available reports the availability predicate: registered AND current
// < max.
func (a *Account) Available() bool {
	return a.Registered && a.CurrentCalls < a.MaxCalls
}

// Loader fetches the current record for a URI from whatever external
// source backs the pool (file, database, external service). A nil,
// nil return means the account no longer exists upstream.
type Loader interface {
	LoadAll(ctx context.Context) ([]*Account, error)
	LoadOne(ctx context.Context, uri string) (*Account, error)
}

// Registrar is the subset of the B2BUA's SIP core the pool needs to
// actually register/deregister an account; kept minimal and separate
// from internal/registrar.Index, which models the inbound side.
type Registrar interface {
	Register(ctx context.Context, a *Account) error
	Unregister(ctx context.Context, a *Account) error
}

// PubSub is the live-update transport: a single channel carrying JSON
// envelopes {"action": "update"|"delete", "uri": "..."}, per spec.md
// §6's account-pool pub/sub interface.
type PubSub interface {
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

// view is one indexed-view template instance: a map from formatted key
// to account, rebuilt incrementally as accounts are inserted/updated.
type view struct {
	template string
	keys     map[string]*Account // formatted key -> account
}

func formatKey(template string, a *Account) string {
	key := template
	key = strings.ReplaceAll(key, "{uri}", a.URI)
	key = strings.ReplaceAll(key, "{alias}", a.Alias)
	key = strings.ReplaceAll(key, "{user}", userPart(a.URI))
	return key
}

func userPart(uri string) string {
	rest := strings.TrimPrefix(uri, "sip:")
	rest = strings.TrimPrefix(rest, "sips:")
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		return rest[:i]
	}
	return rest
}

// CollisionReporter is invoked whenever an indexed-view insertion
// collides with an existing key; the first binding wins and this is
// purely observational.
type CollisionReporter func(templateKey, uri string, existing *Account)

// Pool is the account pool (C8).
type Pool struct {
	loader     Loader
	registrar  Registrar
	pubsub     PubSub
	throttle   time.Duration
	onCollision CollisionReporter
	metrics    *metrics.Registry
	log        *logrus.Entry

	mu       sync.Mutex
	byURI    map[string]*Account
	views    map[string]*view
	rng      *rand.Rand
	order    []string // insertion order of byURI keys, for linear probing

	queuedForRegistration int
	registrationsDone     int
}

// Config is the pool's recognised configuration surface (spec.md §6's
// `pool` section).
type Config struct {
	RegistrationThrottle      time.Duration
	UnregisterOnServerShutdown bool
}

// New builds an empty pool; call LoadInitial to populate it and Run to
// start the registration queue and pub/sub watcher.
func New(loader Loader, registrar Registrar, pubsub PubSub, cfg Config, m *metrics.Registry, log *logrus.Entry) *Pool {
	return &Pool{
		loader:    loader,
		registrar: registrar,
		pubsub:    pubsub,
		throttle:  cfg.RegistrationThrottle,
		metrics:   m,
		log:       log,
		byURI:     make(map[string]*Account),
		views:     make(map[string]*view),
		rng:       rand.New(rand.NewSource(1)),
	}
}

// OnCollision sets the callback invoked when a view insertion collides.
func (p *Pool) OnCollision(f CollisionReporter) { p.onCollision = f }

// LoadInitial fetches every account from the loader and submits
// registrations to the constant-rate queue, per spec.md §4.7.
func (p *Pool) LoadInitial(ctx context.Context) error {
	all, err := p.loader.LoadAll(ctx)
	if err != nil {
		return errors.Wrap(err, "account pool: initial load")
	}
	for _, a := range all {
		p.insert(a)
	}
	p.registerQueued(ctx, all)
	return nil
}

// registerQueued submits accounts to the B2BUA registrar at the
// configured throttle rate, avoiding a burst registration storm.
func (p *Pool) registerQueued(ctx context.Context, accts []*Account) {
	p.mu.Lock()
	p.queuedForRegistration += len(accts)
	p.mu.Unlock()

	for _, a := range accts {
		if err := p.registrar.Register(ctx, a); err != nil {
			p.log.WithError(err).WithField("uri", a.URI).Warn("accounts: registration failed")
		} else {
			p.mu.Lock()
			a.Registered = true
			p.mu.Unlock()
		}
		p.mu.Lock()
		p.registrationsDone++
		p.mu.Unlock()
		if p.throttle > 0 {
			select {
			case <-time.After(p.throttle):
			case <-ctx.Done():
				return
			}
		}
	}
}

// AllAccountsLoaded reports whether every account ever queued for
// registration has been processed — the pool's counterpart to the
// original implementation's `mAccountsQueuedForRegistration &&
// mRegistrationQueue.empty()` predicate.
func (p *Pool) AllAccountsLoaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queuedForRegistration > 0 && p.registrationsDone >= p.queuedForRegistration
}

func (p *Pool) insert(a *Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byURI[a.URI]; !exists {
		p.order = append(p.order, a.URI)
	}
	p.byURI[a.URI] = a
	for _, v := range p.views {
		p.insertIntoViewLocked(v, a)
	}
}

func (p *Pool) insertIntoViewLocked(v *view, a *Account) {
	key := formatKey(v.template, a)
	if existing, collided := v.keys[key]; collided && existing.URI != a.URI {
		if p.onCollision != nil {
			p.onCollision(key, a.URI, existing)
		}
		return // first binding wins
	}
	v.keys[key] = a
}

// View returns the indexed view for the given template, creating it
// (and backfilling every current account) on first use. Views are
// append-only in identity: once created they remain live across
// subsequent updates.
func (p *Pool) View(template string) map[string]*Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.views[template]
	if !ok {
		v = &view{template: template, keys: make(map[string]*Account)}
		p.views[template] = v
		for _, uri := range p.order {
			p.insertIntoViewLocked(v, p.byURI[uri])
		}
	}
	out := make(map[string]*Account, len(v.keys))
	for k, a := range v.keys {
		out[k] = a
	}
	return out
}

// GetAccountRandomly returns an available account (registered AND
// current < max) via linear probing from a random start index, or nil
// if every account is saturated or unregistered.
func (p *Pool) GetAccountRandomly() *Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.order)
	if n == 0 {
		return nil
	}
	start := p.rng.Intn(n)
	for i := 0; i < n; i++ {
		a := p.byURI[p.order[(start+i)%n]]
		if a.Available() {
			return a
		}
	}
	return nil
}

// envelope is the account-pool pub/sub message format, spec.md §6.
type envelope struct {
	Action string `json:"action"`
	URI    string `json:"uri"`
}

// Run starts the pub/sub watcher loop; it blocks until ctx is
// cancelled, reconnecting and re-loading on disconnect.
func (p *Pool) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		ch, err := p.pubsub.Subscribe(ctx)
		if err != nil {
			p.log.WithError(err).Warn("accounts: pub/sub subscribe failed, retrying")
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		if err := p.LoadInitial(ctx); err != nil {
			p.log.WithError(err).Warn("accounts: reload after (re)subscribe failed")
		}
		p.drain(ctx, ch)
	}
}

func (p *Pool) drain(ctx context.Context, ch <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				p.log.Warn("accounts: pub/sub channel closed, will reconnect")
				return
			}
			p.handleMessage(ctx, raw)
		}
	}
}

func (p *Pool) handleMessage(ctx context.Context, raw []byte) {
	env, err := parseEnvelope(raw)
	if err != nil {
		p.log.WithError(err).Warn("accounts: malformed pub/sub message")
		return
	}
	switch env.Action {
	case "delete":
		p.onAccountUpdate(ctx, env.URI, nil)
	case "update":
		a, err := p.loader.LoadOne(ctx, env.URI)
		if err != nil {
			p.log.WithError(err).WithField("uri", env.URI).Warn("accounts: reload on update failed")
			return
		}
		p.onAccountUpdate(ctx, env.URI, a)
	}
}

// onAccountUpdate implements spec.md §4.7's three-way update rule:
// Some+absent -> create, Some+present -> update and migrate every view,
// None -> remove from every view and deregister. The pool's mutex
// guards each step but is not held across the whole update; updates
// are serialised only because Run's drain loop handles one pub/sub
// message at a time.
func (p *Pool) onAccountUpdate(ctx context.Context, uri string, updated *Account) {
	p.mu.Lock()
	existing, present := p.byURI[uri]
	p.mu.Unlock()

	switch {
	case updated == nil:
		if !present {
			return
		}
		p.remove(uri)
		if err := p.registrar.Unregister(ctx, existing); err != nil {
			p.log.WithError(err).WithField("uri", uri).Warn("accounts: deregister failed")
		}
	case !present:
		p.insert(updated)
		if err := p.registrar.Register(ctx, updated); err != nil {
			p.log.WithError(err).WithField("uri", uri).Warn("accounts: registration of new account failed")
		} else {
			p.mu.Lock()
			updated.Registered = true
			p.mu.Unlock()
		}
	default:
		p.update(existing, updated)
	}
}

func (p *Pool) update(existing, updated *Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	existing.Alias = updated.Alias
	existing.OutboundProxy = updated.OutboundProxy
	existing.Credential = updated.Credential
	existing.MaxCalls = updated.MaxCalls
	for _, v := range p.views {
		p.removeFromViewLocked(v, existing.URI)
		p.insertIntoViewLocked(v, existing)
	}
}

func (p *Pool) remove(uri string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byURI, uri)
	for i, u := range p.order {
		if u == uri {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	for _, v := range p.views {
		p.removeFromViewLocked(v, uri)
	}
}

func (p *Pool) removeFromViewLocked(v *view, uri string) {
	for k, a := range v.keys {
		if a.URI == uri {
			delete(v.keys, k)
		}
	}
}

// AcquireCall increments the account's in-flight call count, marking it
// in use for AccountsInUse purposes; it is the B2BUA mediator's
// counterpart to GetAccountRandomly.
func (p *Pool) AcquireCall(a *Account) {
	p.mu.Lock()
	wasIdle := a.CurrentCalls == 0
	a.CurrentCalls++
	p.mu.Unlock()
	if wasIdle && p.metrics != nil {
		p.metrics.AccountsInUse.Inc()
	}
}

// ReleaseCall decrements the account's in-flight call count.
func (p *Pool) ReleaseCall(a *Account) {
	p.mu.Lock()
	if a.CurrentCalls > 0 {
		a.CurrentCalls--
	}
	nowIdle := a.CurrentCalls == 0
	p.mu.Unlock()
	if nowIdle && p.metrics != nil {
		p.metrics.AccountsInUse.Dec()
	}
}

// UnregisterAll is invoked on clean shutdown when
// unregisterOnServerShutdown is set.
func (p *Pool) UnregisterAll(ctx context.Context) {
	p.mu.Lock()
	accts := make([]*Account, 0, len(p.byURI))
	for _, a := range p.byURI {
		accts = append(accts, a)
	}
	p.mu.Unlock()
	for _, a := range accts {
		if err := p.registrar.Unregister(ctx, a); err != nil {
			p.log.WithError(err).WithField("uri", a.URI).Warn("accounts: shutdown deregister failed")
		}
	}
}
