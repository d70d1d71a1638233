package registrar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func aor() AOR { return AOR{Scheme: "sip", User: "alice", Host: "Example.com"} }

func TestBindAndFetchFiltersExpired(t *testing.T) {
	idx := New(nil, nil, nil)
	now := time.Now()

	_, err := idx.Bind(context.Background(), aor(), []Binding{
		{AOR: aor(), InstanceID: "dev1", Contact: "sip:alice@d1", Expiry: now.Add(time.Hour), CallID: "c1", CSeq: 1},
		{AOR: aor(), InstanceID: "dev2", Contact: "sip:alice@d2", Expiry: now.Add(-time.Second), CallID: "c2", CSeq: 1},
	}, now)
	require.NoError(t, err)

	bindings, err := idx.Fetch(context.Background(), aor(), now)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, "dev1", bindings[0].InstanceID)
}

func TestBindCSeqOrdering(t *testing.T) {
	idx := New(nil, nil, nil)
	now := time.Now()

	_, err := idx.Bind(context.Background(), aor(), []Binding{
		{AOR: aor(), InstanceID: "dev1", Contact: "sip:alice@new", Expiry: now.Add(time.Hour), CallID: "c1", CSeq: 5},
	}, now)
	require.NoError(t, err)

	// Lower CSeq, same Call-ID: must not replace the newer binding.
	_, err = idx.Bind(context.Background(), aor(), []Binding{
		{AOR: aor(), InstanceID: "dev1", Contact: "sip:alice@old", Expiry: now.Add(time.Hour), CallID: "c1", CSeq: 3},
	}, now)
	require.NoError(t, err)

	bindings, err := idx.Fetch(context.Background(), aor(), now)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, "sip:alice@new", bindings[0].Contact)
}

func TestBindExpiryZeroRemoves(t *testing.T) {
	idx := New(nil, nil, nil)
	now := time.Now()

	_, err := idx.Bind(context.Background(), aor(), []Binding{
		{AOR: aor(), InstanceID: "dev1", Contact: "sip:alice@d1", Expiry: now.Add(time.Hour), CallID: "c1", CSeq: 1},
	}, now)
	require.NoError(t, err)

	_, err = idx.Bind(context.Background(), aor(), []Binding{
		{AOR: aor(), InstanceID: "dev1", Contact: "sip:alice@d1", Expiry: now, CallID: "c1", CSeq: 2},
	}, now)
	require.NoError(t, err)

	bindings, err := idx.Fetch(context.Background(), aor(), now)
	require.NoError(t, err)
	assert.Empty(t, bindings)
}

func TestSubscribeNotifiesOnChange(t *testing.T) {
	idx := New(nil, nil, nil)
	now := time.Now()

	notified := make(chan []Binding, 1)
	idx.Subscribe(aor(), func(a AOR, bindings []Binding) { notified <- bindings })

	_, err := idx.Bind(context.Background(), aor(), []Binding{
		{AOR: aor(), InstanceID: "dev1", Contact: "sip:alice@d1", Expiry: now.Add(time.Hour), CallID: "c1", CSeq: 1},
	}, now)
	require.NoError(t, err)

	select {
	case bindings := <-notified:
		require.Len(t, bindings, 1)
	case <-time.After(time.Second):
		t.Fatal("listener was not notified")
	}
}

func TestSweepRemovesExpiredBindings(t *testing.T) {
	idx := New(nil, nil, nil)
	now := time.Now()

	_, err := idx.Bind(context.Background(), aor(), []Binding{
		{AOR: aor(), InstanceID: "dev1", Contact: "sip:alice@d1", Expiry: now.Add(time.Hour), CallID: "c1", CSeq: 1},
	}, now)
	require.NoError(t, err)

	removed := idx.Sweep(now.Add(2 * time.Hour))
	assert.Equal(t, 1, removed)

	bindings, err := idx.Fetch(context.Background(), aor(), now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, bindings)
}

func TestAORKeyCaseSensitivity(t *testing.T) {
	a1 := AOR{Scheme: "SIP", User: "alice", Host: "Example.COM"}
	a2 := AOR{Scheme: "sip", User: "alice", Host: "example.com"}
	assert.Equal(t, a1.Key(), a2.Key())

	a3 := AOR{Scheme: "sip", User: "Alice", Host: "example.com"}
	assert.NotEqual(t, a1.Key(), a3.Key())
}
