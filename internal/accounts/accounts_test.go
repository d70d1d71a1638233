package accounts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memLoader struct {
	mu   sync.Mutex
	byURI map[string]*Account
}

func newMemLoader(accts ...*Account) *memLoader {
	l := &memLoader{byURI: make(map[string]*Account)}
	for _, a := range accts {
		l.byURI[a.URI] = a
	}
	return l
}

func (l *memLoader) LoadAll(context.Context) ([]*Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Account, 0, len(l.byURI))
	for _, a := range l.byURI {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (l *memLoader) LoadOne(_ context.Context, uri string) (*Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.byURI[uri]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (l *memLoader) set(a *Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byURI[a.URI] = a
}

func (l *memLoader) delete(uri string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byURI, uri)
}

type memRegistrar struct {
	mu          sync.Mutex
	registered  map[string]bool
}

func newMemRegistrar() *memRegistrar { return &memRegistrar{registered: make(map[string]bool)} }

func (r *memRegistrar) Register(_ context.Context, a *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered[a.URI] = true
	return nil
}

func (r *memRegistrar) Unregister(_ context.Context, a *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.registered, a.URI)
	return nil
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(discardWriter{})
	return logrus.NewEntry(l)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestLoadInitialRegistersAll(t *testing.T) {
	loader := newMemLoader(
		&Account{URI: "sip:a@h", Alias: "alice", MaxCalls: 1},
		&Account{URI: "sip:b@h", Alias: "bob", MaxCalls: 1},
	)
	reg := newMemRegistrar()
	p := New(loader, reg, nil, Config{}, nil, testLog())

	require.NoError(t, p.LoadInitial(context.Background()))

	assert.True(t, reg.registered["sip:a@h"])
	assert.True(t, reg.registered["sip:b@h"])
}

func TestViewIndexesByAlias(t *testing.T) {
	loader := newMemLoader(
		&Account{URI: "sip:a@h", Alias: "alice", MaxCalls: 1},
		&Account{URI: "sip:b@h", Alias: "bob", MaxCalls: 1},
	)
	p := New(loader, newMemRegistrar(), nil, Config{}, nil, testLog())
	require.NoError(t, p.LoadInitial(context.Background()))

	view := p.View("{alias}")
	require.Contains(t, view, "alice")
	assert.Equal(t, "sip:a@h", view["alice"].URI)
}

func TestViewCollisionFirstBindingWins(t *testing.T) {
	loader := newMemLoader(
		&Account{URI: "sip:a@h", Alias: "dup", MaxCalls: 1},
		&Account{URI: "sip:b@h", Alias: "dup", MaxCalls: 1},
	)
	p := New(loader, newMemRegistrar(), nil, Config{}, nil, testLog())

	var collided []string
	p.OnCollision(func(key, uri string, existing *Account) {
		collided = append(collided, uri)
	})

	require.NoError(t, p.LoadInitial(context.Background()))
	view := p.View("{alias}")

	require.Len(t, collided, 1)
	require.Contains(t, view, "dup")
	// whichever of a/b was inserted first keeps the key; the losing
	// insert is reported via OnCollision and nothing else.
	assert.Contains(t, []string{"sip:a@h", "sip:b@h"}, view["dup"].URI)
}

func TestGetAccountRandomlySkipsSaturated(t *testing.T) {
	loader := newMemLoader(
		&Account{URI: "sip:full@h", MaxCalls: 1, CurrentCalls: 1, Registered: true},
		&Account{URI: "sip:free@h", MaxCalls: 1, CurrentCalls: 0, Registered: true},
	)
	p := New(loader, newMemRegistrar(), nil, Config{}, nil, testLog())
	require.NoError(t, p.LoadInitial(context.Background()))

	a := p.GetAccountRandomly()
	require.NotNil(t, a)
	assert.Equal(t, "sip:free@h", a.URI)
}

func TestGetAccountRandomlyReturnsNilWhenAllSaturated(t *testing.T) {
	loader := newMemLoader(&Account{URI: "sip:a@h", MaxCalls: 1, CurrentCalls: 1, Registered: true})
	p := New(loader, newMemRegistrar(), nil, Config{}, nil, testLog())
	require.NoError(t, p.LoadInitial(context.Background()))

	assert.Nil(t, p.GetAccountRandomly())
}

func TestOnAccountUpdateCreatesAccount(t *testing.T) {
	loader := newMemLoader()
	reg := newMemRegistrar()
	p := New(loader, reg, nil, Config{}, nil, testLog())
	require.NoError(t, p.LoadInitial(context.Background()))

	fresh := &Account{URI: "sip:new@h", Alias: "newbie", MaxCalls: 1}
	loader.set(fresh)
	p.onAccountUpdate(context.Background(), fresh.URI, fresh)

	assert.True(t, reg.registered["sip:new@h"])
	view := p.View("{alias}")
	assert.Contains(t, view, "newbie")
}

func TestOnAccountUpdateDeletesAccount(t *testing.T) {
	a := &Account{URI: "sip:a@h", Alias: "alice", MaxCalls: 1}
	loader := newMemLoader(a)
	reg := newMemRegistrar()
	p := New(loader, reg, nil, Config{}, nil, testLog())
	require.NoError(t, p.LoadInitial(context.Background()))
	_ = p.View("{alias}")

	loader.delete(a.URI)
	p.onAccountUpdate(context.Background(), a.URI, nil)

	assert.False(t, reg.registered["sip:a@h"])
	view := p.View("{alias}")
	assert.NotContains(t, view, "alice")
}

func TestAcquireAndReleaseCallTracksAvailability(t *testing.T) {
	a := &Account{URI: "sip:a@h", MaxCalls: 1, Registered: true}
	loader := newMemLoader(a)
	p := New(loader, newMemRegistrar(), nil, Config{}, nil, testLog())
	require.NoError(t, p.LoadInitial(context.Background()))

	picked := p.GetAccountRandomly()
	require.NotNil(t, picked)
	p.AcquireCall(picked)

	assert.Nil(t, p.GetAccountRandomly())

	p.ReleaseCall(picked)
	assert.NotNil(t, p.GetAccountRandomly())
}

func TestAllAccountsLoadedAfterInitialLoad(t *testing.T) {
	loader := newMemLoader(&Account{URI: "sip:a@h", MaxCalls: 1})
	p := New(loader, newMemRegistrar(), nil, Config{}, nil, testLog())

	assert.False(t, p.AllAccountsLoaded())
	require.NoError(t, p.LoadInitial(context.Background()))
	assert.True(t, p.AllAccountsLoaded())
}

func TestRegistrationThrottleRespectsContextCancellation(t *testing.T) {
	loader := newMemLoader(
		&Account{URI: "sip:a@h", MaxCalls: 1},
		&Account{URI: "sip:b@h", MaxCalls: 1},
	)
	reg := newMemRegistrar()
	p := New(loader, reg, nil, Config{RegistrationThrottle: time.Hour}, nil, testLog())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_ = p.LoadInitial(ctx)
	// whichever account processed first is registered; the throttle
	// wait for the second is aborted by ctx and never lands.
	assert.Equal(t, 1, len(reg.registered))
}
