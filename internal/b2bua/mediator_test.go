package b2bua

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(discardWriter{})
	return logrus.NewEntry(l)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeApp struct {
	callee            string
	rejectReason      string
	subTarget         string
	subOK             bool
	notifySubscriber  string
	notifyOK          bool
}

func (a *fakeApp) OnCallCreate(_ context.Context, _ string) (string, string) {
	return a.callee, a.rejectReason
}

func (a *fakeApp) OnSubscribe(_ context.Context, _ string, _ *Leg) (string, bool) {
	return a.subTarget, a.subOK
}

func (a *fakeApp) OnNotifyDestination(_ context.Context, _ string) (string, bool) {
	return a.notifySubscriber, a.notifyOK
}

type fakeCore struct {
	legBCallID   string
	placeCallErr error
	subscribed   []string
	transferred  []string
	notified     []string
}

func (c *fakeCore) PlaceCall(_ context.Context, _ string, _ bool) (string, error) {
	return c.legBCallID, c.placeCallErr
}

func (c *fakeCore) Subscribe(_ context.Context, target, _ string) error {
	c.subscribed = append(c.subscribed, target)
	return nil
}

func (c *fakeCore) TransferTo(_ context.Context, legCallID, referTo string) error {
	c.transferred = append(c.transferred, legCallID+"->"+referTo)
	return nil
}

func (c *fakeCore) Notify(_ context.Context, target, event, body string) error {
	c.notified = append(c.notified, target+"|"+event+"|"+body)
	return nil
}

func newTestMediator(callee string) (*Mediator, *fakeCore) {
	app := &fakeApp{callee: callee}
	core := &fakeCore{legBCallID: "legB-1"}
	return New(app, core, nil, noopLog()), core
}

func TestOnIncomingInviteCouplesLegs(t *testing.T) {
	m, _ := newTestMediator("sip:callee@h")

	pair, reason, ok := m.OnIncomingInvite(context.Background(), "legA-1")
	require.True(t, ok)
	assert.Empty(t, reason)
	assert.Equal(t, "legA-1", pair.LegA().CallID)
	assert.Equal(t, "legB-1", pair.LegB().CallID)
	assert.Same(t, pair.LegA(), pair.LegA().Peer().Peer())
}

func TestOnIncomingInviteRejected(t *testing.T) {
	app := &fakeApp{rejectReason: "Forbidden"}
	core := &fakeCore{}
	m := New(app, core, nil, noopLog())

	pair, reason, ok := m.OnIncomingInvite(context.Background(), "legA-1")
	assert.Nil(t, pair)
	assert.False(t, ok)
	assert.Equal(t, "Forbidden", reason)
}

func TestRingingMirrorsToPeer(t *testing.T) {
	m, _ := newTestMediator("sip:callee@h")
	pair, _, _ := m.OnIncomingInvite(context.Background(), "legA-1")

	m.OnLegEvent(context.Background(), pair.LegB().CallID, "ringing")

	assert.Equal(t, LegRinging, pair.LegB().State())
	assert.Equal(t, LegRinging, pair.LegA().State())
}

func TestStreamsRunningOnBAnswersIncomingA(t *testing.T) {
	m, _ := newTestMediator("sip:callee@h")
	pair, _, _ := m.OnIncomingInvite(context.Background(), "legA-1")
	pair.LegB().AudioEnabled = true

	m.OnLegEvent(context.Background(), pair.LegB().CallID, "streams_running")

	assert.Equal(t, LegStreamsRunning, pair.LegB().State())
	assert.Equal(t, LegStreamsRunning, pair.LegA().State())
	assert.True(t, pair.LegA().AudioEnabled)
}

func TestPausedByRemoteSetsPeerSendOnly(t *testing.T) {
	m, _ := newTestMediator("sip:callee@h")
	pair, _, _ := m.OnIncomingInvite(context.Background(), "legA-1")
	m.OnLegEvent(context.Background(), pair.LegB().CallID, "streams_running")
	m.OnLegEvent(context.Background(), pair.LegA().CallID, "streams_running")

	m.OnLegEvent(context.Background(), pair.LegA().CallID, "paused_by_remote")

	assert.Equal(t, LegPausedByRemote, pair.LegA().State())
	assert.Equal(t, SendOnly, pair.LegB().Direction)
}

func TestBothPausedTerminatesBothLegs(t *testing.T) {
	m, _ := newTestMediator("sip:callee@h")
	pair, _, _ := m.OnIncomingInvite(context.Background(), "legA-1")
	m.OnLegEvent(context.Background(), pair.LegB().CallID, "streams_running")
	m.OnLegEvent(context.Background(), pair.LegA().CallID, "streams_running")

	m.OnLegEvent(context.Background(), pair.LegA().CallID, "paused_by_remote")
	m.OnLegEvent(context.Background(), pair.LegB().CallID, "paused_by_remote")

	assert.Equal(t, LegReleased, pair.LegA().State())
	assert.Equal(t, LegReleased, pair.LegB().State())
}

func TestErrorOnOneLegTerminatesPeerAndDropsPair(t *testing.T) {
	m, _ := newTestMediator("sip:callee@h")
	pair, _, _ := m.OnIncomingInvite(context.Background(), "legA-1")

	pair.LegB().ErrorInfo = "Busy Here"
	m.OnLegEvent(context.Background(), pair.LegB().CallID, "error")

	assert.Equal(t, LegError, pair.LegB().State())
	assert.Equal(t, LegReleased, pair.LegA().State())
	assert.Equal(t, "Busy Here", pair.LegA().ErrorInfo)

	assert.Nil(t, m.pairFor(pair.LegA().CallID))
	assert.Nil(t, m.pairFor(pair.LegB().CallID))
}

func TestReferredTransferNotifiesLegAViaSipfrag(t *testing.T) {
	m, core := newTestMediator("sip:callee@h")
	pair, _, _ := m.OnIncomingInvite(context.Background(), "legA-1")

	var notified []string
	err := m.ReferredTransfer(context.Background(), pair.LegB().CallID, "sip:target@h")
	require.NoError(t, err)
	assert.Equal(t, []string{"legB-1->sip:target@h"}, core.transferred)

	pair.transfer.NotifyLegA = func(sipfrag string) { notified = append(notified, sipfrag) }

	m.OnTransferProgress(pair.LegB().CallID, 100)
	m.OnTransferProgress(pair.LegB().CallID, 200)
	m.OnTransferProgress(pair.LegB().CallID, 603)

	assert.Equal(t, []string{
		"SIP/2.0 100 Trying",
		"SIP/2.0 200 Ok",
		"SIP/2.0 500 Internal Server Error",
	}, notified)
}

func TestOnSubscribeForwardsToApplicationTarget(t *testing.T) {
	app := &fakeApp{callee: "sip:callee@h", subTarget: "sip:provider@h", subOK: true}
	core := &fakeCore{legBCallID: "legB-1"}
	m := New(app, core, nil, noopLog())
	pair, _, _ := m.OnIncomingInvite(context.Background(), "legA-1")

	err := m.OnSubscribe(context.Background(), pair.LegA().CallID, "message-summary")
	require.NoError(t, err)
	assert.Equal(t, []string{"sip:provider@h"}, core.subscribed)
}

func TestOnSubscribeRecordsMappingAndNotifyIsRoutedBack(t *testing.T) {
	app := &fakeApp{callee: "sip:callee@h", subTarget: "sip:provider@h", subOK: true}
	core := &fakeCore{legBCallID: "legB-1"}
	m := New(app, core, nil, noopLog())
	pair, _, _ := m.OnIncomingInvite(context.Background(), "legA-1")

	err := m.OnSubscribe(context.Background(), pair.LegA().CallID, "message-summary")
	require.NoError(t, err)

	var deliveredTo string
	var deliveredIsA bool
	found := m.OnNotifyReceived("sip:provider@h", "message-summary", func(peerCallID string, isLegA bool) {
		deliveredTo, deliveredIsA = peerCallID, isLegA
	})
	assert.True(t, found)
	assert.Equal(t, "legA-1", deliveredTo)
	assert.True(t, deliveredIsA)

	assert.False(t, m.OnNotifyReceived("sip:unknown@h", "message-summary", func(string, bool) {}))
}

func TestOnMWINotifyRemapsAccountAndEmitsMessageSummary(t *testing.T) {
	app := &fakeApp{notifySubscriber: "sip:alice@home.example", notifyOK: true}
	core := &fakeCore{}
	m := New(app, core, nil, noopLog())

	body := "Messages-Waiting: yes\r\nMessage-Account: sip:legb-account@provider.example\r\n"
	err := m.OnMWINotify(context.Background(), "legB-1", body)
	require.NoError(t, err)

	require.Len(t, core.notified, 1)
	assert.Contains(t, core.notified[0], "sip:alice@home.example|message-summary|")
	assert.Contains(t, core.notified[0], "Message-Account: sip:alice@home.example")
}

func TestOnMWINotifySkippedWhenNoDestination(t *testing.T) {
	app := &fakeApp{notifyOK: false}
	core := &fakeCore{}
	m := New(app, core, nil, noopLog())

	err := m.OnMWINotify(context.Background(), "legB-1", "Message-Account: sip:x@y\r\n")
	require.NoError(t, err)
	assert.Empty(t, core.notified)
}

// TestVideoToggleDefersUpdateOnLegAndPushesCapsToPeer covers spec.md
// §8 scenario 8 ("B2BUA video toggle"): leg-A's non-minor cap change is
// deferred on leg-A while leg-B is pushed the new caps and moves to
// updating; once leg-B accepts (streams_running), the deferred update
// on leg-A is resolved.
func TestVideoToggleDefersUpdateOnLegAndPushesCapsToPeer(t *testing.T) {
	m, _ := newTestMediator("sip:callee@h")
	pair, _, _ := m.OnIncomingInvite(context.Background(), "legA-1")
	m.OnLegEvent(context.Background(), pair.LegB().CallID, "streams_running")
	m.OnLegEvent(context.Background(), pair.LegA().CallID, "streams_running")

	m.OnUpdatedByRemote(context.Background(), pair.LegA().CallID, true, true, false)

	assert.True(t, pair.LegA().deferredUpdate)
	assert.True(t, pair.LegB().VideoEnabled)
	assert.True(t, pair.LegB().AudioEnabled)
	assert.Equal(t, LegUpdating, pair.LegB().State())
	assert.Equal(t, LegStreamsRunning, pair.LegA().State())

	m.OnLegEvent(context.Background(), pair.LegB().CallID, "streams_running")
	m.ResolveDeferredUpdate(context.Background(), pair.LegA().CallID)

	assert.False(t, pair.LegA().deferredUpdate)
	assert.Equal(t, LegStreamsRunning, pair.LegA().State())
	assert.Equal(t, LegStreamsRunning, pair.LegB().State())
}

func TestVideoToggleMinorChangeDoesNotDeferOrPushToPeer(t *testing.T) {
	m, _ := newTestMediator("sip:callee@h")
	pair, _, _ := m.OnIncomingInvite(context.Background(), "legA-1")
	m.OnLegEvent(context.Background(), pair.LegB().CallID, "streams_running")
	m.OnLegEvent(context.Background(), pair.LegA().CallID, "streams_running")

	m.OnUpdatedByRemote(context.Background(), pair.LegA().CallID, true, true, true)

	assert.False(t, pair.LegA().deferredUpdate)
	assert.False(t, pair.LegB().VideoEnabled)
	assert.Equal(t, LegStreamsRunning, pair.LegB().State())
}
