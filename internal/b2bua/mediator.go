package b2bua

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hharng/flexisip/internal/metrics"
)

// Application is the capability-set abstraction over the two B2BUA
// applications named in spec.md §4.6 and the GLOSSARY: trenscrypter
// bridges differing encryption policies across legs, sip-bridge bridges
// to an external provider using an account pool. Both are closed
// variants, so this is an enum-shaped interface rather than open dyn
// dispatch (spec.md §9's design note).
type Application interface {
	// OnCallCreate asks the application for the leg-B destination
	// given the incoming leg-A call. A non-empty rejectReason means
	// leg-A must be declined with that reason and no leg-B created.
	OnCallCreate(ctx context.Context, incomingCallID string) (callee string, rejectReason string)
	// OnSubscribe asks the application for the subscriber target
	// leg-B's SUBSCRIBE should be issued to.
	OnSubscribe(ctx context.Context, event string, legA *Leg) (target string, ok bool)
	// OnNotifyDestination asks the application which subscriber
	// address an out-of-dialog MWI NOTIFY received on legBCallID
	// should be re-authored and re-emitted to, mirroring
	// B2buaServer::onMessageWaitingIndicationChanged's call into
	// mApplication->onNotifyToBeSent.
	OnNotifyDestination(ctx context.Context, legBCallID string) (subscriber string, ok bool)
}

// OutboundCore is the transport collaborator that actually places the
// leg-B call, the peer SUBSCRIBE and out-of-dialog NOTIFY re-emission;
// the SIP transport itself is out of scope (spec.md §1).
type OutboundCore interface {
	PlaceCall(ctx context.Context, callee string, b2buaMarker bool) (legBCallID string, err error)
	Subscribe(ctx context.Context, target, event string) (err error)
	TransferTo(ctx context.Context, legCallID, referTo string) (err error)
	Notify(ctx context.Context, target, event, body string) (err error)
}

// TransferListener forwards blind-transfer progress as a sipfrag NOTIFY
// to leg-A, mapping leg-B's transfer outcome per spec.md §4.6's table
// and the open question about collapsing 603/503/timeout into 500.
type TransferListener struct {
	NotifyLegA func(sipfrag string)
}

func (t *TransferListener) notify(code int) {
	if t == nil || t.NotifyLegA == nil {
		return
	}
	switch {
	case code == 100:
		t.NotifyLegA("SIP/2.0 100 Trying")
	case code >= 200 && code < 300:
		t.NotifyLegA("SIP/2.0 200 Ok")
	default:
		// 603, 503, timeout and everything else collapse to 500: see
		// spec.md §9's open question, left unresolved upstream too.
		t.NotifyLegA("SIP/2.0 500 Internal Server Error")
	}
}

// Mediator holds the peer index (Call -> peer Call) and dispatches the
// mirroring rules of spec.md §4.6's table.
type Mediator struct {
	app   Application
	core  OutboundCore
	log   *logrus.Entry
	metrics *metrics.Registry

	mu    sync.Mutex
	pairs map[string]*Pair // keyed by either leg's Call-ID
	subs  map[string]EventMapping // keyed by event + "|" + subscriber target
}

// New builds a Mediator for the given application and outbound core.
func New(app Application, core OutboundCore, m *metrics.Registry, log *logrus.Entry) *Mediator {
	return &Mediator{app: app, core: core, metrics: m, log: log, pairs: make(map[string]*Pair), subs: make(map[string]EventMapping)}
}

// OnIncomingInvite implements spec.md §4.6 steps 1-3: ask the
// application for a callee, place leg-B with the X-B2BUA: ignore marker
// requested, and couple both legs in a hidden conference. Only leg-B
// gets the marker; leg-A's headers are not touched, and no header is
// copied from or stripped off leg-A here.
func (m *Mediator) OnIncomingInvite(ctx context.Context, legACallID string) (*Pair, string, bool) {
	callee, rejectReason := m.app.OnCallCreate(ctx, legACallID)
	if rejectReason != "" {
		return nil, rejectReason, false
	}

	legBCallID, err := m.core.PlaceCall(ctx, callee, true)
	if err != nil {
		return nil, "Service Unavailable", false
	}

	pair := NewPair(legACallID, legBCallID, uuid.NewString(), callee)

	m.mu.Lock()
	m.pairs[legACallID] = pair
	m.pairs[legBCallID] = pair
	m.mu.Unlock()

	return pair, "", true
}

func (m *Mediator) pairFor(callID string) *Pair {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pairs[callID]
}

// OnLegEvent implements the state-mirroring table of spec.md §4.6. It
// is the single entry point every leg's SIP event handler calls.
func (m *Mediator) OnLegEvent(ctx context.Context, callID string, event string) {
	pair := m.pairFor(callID)
	if pair == nil {
		return
	}
	leg, peer := m.legAndPeer(pair, callID)
	if leg == nil || peer == nil {
		return
	}

	switch event {
	case "ringing":
		_ = leg.fsm.Event(ctx, "ringing")
		m.notifyRinging(peer)
	case "early_media":
		_ = leg.fsm.Event(ctx, "early_media")
		m.acceptEarlyMedia(peer)
	case "streams_running":
		wasIncoming := peer.State() == LegIncoming
		_ = leg.fsm.Event(ctx, "streams_running")
		if wasIncoming {
			m.answerCopyingMedia(peer, leg)
		}
		if leg.State() == LegStreamsRunning && peer.State() == LegPausedByRemote {
			// peer had paused us; now that we're running again,
			// restore the peer's audio to bidirectional.
			peer.mu.Lock()
			peer.Direction = SendRecv
			peer.mu.Unlock()
		}
	case "paused_by_remote":
		_ = leg.fsm.Event(ctx, "paused_by_remote")
		peer.mu.Lock()
		peer.Direction = SendOnly
		bothPaused := leg.State() == LegPausedByRemote && peer.State() == LegPausedByRemote
		peer.mu.Unlock()
		if bothPaused {
			m.terminate(ctx, leg, "Unresolvable media pause")
			m.terminate(ctx, peer, "Unresolvable media pause")
		}
	case "dtmf":
		// forwarding handled by caller via ForwardDTMF, which needs
		// the digit; kept as a distinct method rather than folded
		// into this generic dispatcher.
	case "error", "released":
		m.terminate(ctx, peer, leg.ErrorInfo)
		fsmEvent := "release"
		if event == "error" {
			fsmEvent = "error"
		}
		_ = leg.fsm.Event(ctx, fsmEvent)
		pair.markReleased(leg.isA)
		pair.markReleased(peer.isA)
		if pair.Released() {
			m.drop(pair)
		}
	}
}

func (m *Mediator) legAndPeer(p *Pair, callID string) (*Leg, *Leg) {
	if p.legA.CallID == callID {
		return p.legA, p.legB
	}
	return p.legB, p.legA
}

func (m *Mediator) notifyRinging(peer *Leg) { _ = peer.fsm.Event(context.Background(), "ringing") }

func (m *Mediator) acceptEarlyMedia(peer *Leg) {
	_ = peer.fsm.Event(context.Background(), "early_media")
}

func (m *Mediator) answerCopyingMedia(peer, source *Leg) {
	peer.mu.Lock()
	peer.AudioEnabled = source.AudioEnabled
	peer.VideoEnabled = source.VideoEnabled
	peer.mu.Unlock()
	_ = peer.fsm.Event(context.Background(), "streams_running")
}

// OnUpdatedByRemote implements the UpdatedByRemote row: a change to
// video or audio caps defers the update on self and pushes new caps to
// the peer; a minor change is accepted immediately with no peer change.
func (m *Mediator) OnUpdatedByRemote(ctx context.Context, callID string, videoEnabled, audioEnabled bool, minor bool) {
	pair := m.pairFor(callID)
	if pair == nil {
		return
	}
	leg, peer := m.legAndPeer(pair, callID)
	if minor {
		return
	}
	leg.mu.Lock()
	leg.deferredUpdate = true
	leg.mu.Unlock()

	peer.mu.Lock()
	peer.VideoEnabled = videoEnabled
	peer.AudioEnabled = audioEnabled
	peer.mu.Unlock()
	_ = peer.fsm.Event(ctx, "update")
}

// ResolveDeferredUpdate is called once the peer's StreamsRunning
// acceptance lands, accepting the update that had been deferred on leg.
func (m *Mediator) ResolveDeferredUpdate(ctx context.Context, callID string) {
	pair := m.pairFor(callID)
	if pair == nil {
		return
	}
	leg, _ := m.legAndPeer(pair, callID)
	leg.mu.Lock()
	leg.deferredUpdate = false
	leg.mu.Unlock()
	_ = leg.fsm.Event(ctx, "streams_running")
}

// ForwardDTMF relays a received DTMF digit to the peer leg.
func (m *Mediator) ForwardDTMF(callID string, digit rune, sendFn func(peerCallID string, digit rune)) {
	pair := m.pairFor(callID)
	if pair == nil {
		return
	}
	_, peer := m.legAndPeer(pair, callID)
	sendFn(peer.CallID, digit)
}

func (m *Mediator) terminate(ctx context.Context, leg *Leg, errorInfo string) {
	leg.ErrorInfo = errorInfo
	if leg.State() != LegReleased && leg.State() != LegError {
		_ = leg.fsm.Event(ctx, "release")
	}
}

func (m *Mediator) drop(pair *Pair) {
	m.mu.Lock()
	delete(m.pairs, pair.legA.CallID)
	delete(m.pairs, pair.legB.CallID)
	m.mu.Unlock()
}

// ReferredTransfer implements spec.md §4.6's Referred row: leg-B issues
// transferTo the Refer-To target and the pair gets a fresh
// TransferListener. Its NotifyLegA callback is left unset here, so
// OnTransferProgress forwards no sipfrag to leg-A until NotifyLegA is
// assigned.
func (m *Mediator) ReferredTransfer(ctx context.Context, legBCallID, referTo string) error {
	pair := m.pairFor(legBCallID)
	if pair == nil {
		return nil
	}
	pair.mu.Lock()
	pair.transfer = &TransferListener{}
	pair.mu.Unlock()
	return m.core.TransferTo(ctx, legBCallID, referTo)
}

// OnTransferProgress feeds a leg-B transfer-progress status code into
// the pair's TransferListener, which sipfrag-NOTIFYs leg-A.
func (m *Mediator) OnTransferProgress(callID string, code int) {
	pair := m.pairFor(callID)
	if pair == nil {
		return
	}
	pair.mu.Lock()
	tl := pair.transfer
	pair.mu.Unlock()
	tl.notify(code)
}

// EventMapping is the symmetric Event -> {peer, isLegA} table spec.md
// §4.6 describes for SUBSCRIBE/NOTIFY bridging: it remembers which leg
// originated a forwarded SUBSCRIBE so a later NOTIFY on that
// subscription is relayed back to the right peer, mirroring
// B2buaServer::onNotifyReceived's lookup into mPeerEvents.
type EventMapping struct {
	Peer   string
	IsLegA bool
}

func subscriptionKey(target, event string) string { return event + "|" + target }

// OnSubscribe implements the subscribe/notify bridging entry point:
// asks the application for the subscriber target, opens a peer
// subscription, and records the EventMapping needed to route a later
// NOTIFY on that subscription back to leg-A.
func (m *Mediator) OnSubscribe(ctx context.Context, legACallID, event string) error {
	pair := m.pairFor(legACallID)
	if pair == nil {
		return nil
	}
	target, ok := m.app.OnSubscribe(ctx, event, pair.legA)
	if !ok {
		return nil
	}
	if err := m.core.Subscribe(ctx, target, event); err != nil {
		return err
	}
	m.mu.Lock()
	m.subs[subscriptionKey(target, event)] = EventMapping{Peer: legACallID, IsLegA: true}
	m.mu.Unlock()
	return nil
}

// OnNotifyReceived forwards a NOTIFY arriving on a previously forwarded
// SUBSCRIBE to the leg that originated it, via deliver. It reports
// whether a mapping was found, matching onNotifyReceived's "no data
// associated with the event" early return when none is.
func (m *Mediator) OnNotifyReceived(target, event string, deliver func(peerCallID string, isLegA bool)) bool {
	m.mu.Lock()
	mapping, ok := m.subs[subscriptionKey(target, event)]
	m.mu.Unlock()
	if !ok {
		return false
	}
	deliver(mapping.Peer, mapping.IsLegA)
	return true
}

// RemapMWINotify re-authors an out-of-dialog MWI NOTIFY body, replacing
// its Message-Account header with the mapped subscriber address before
// the NOTIFY is re-emitted to the opposite side, mirroring
// linphone::MessageWaitingIndication::setAccountAddress in
// onMessageWaitingIndicationChanged.
func RemapMWINotify(body, mappedAccountURI string) string {
	const header = "Message-Account:"
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimRight(line, "\r"), header) {
			lines[i] = header + " " + mappedAccountURI
			return strings.Join(lines, "\n")
		}
	}
	return strings.Join(append(lines, header+" "+mappedAccountURI), "\n")
}

// OnMWINotify implements the MWI re-authoring path: a leg-B out-of-
// dialog MWI NOTIFY is mapped to the subscriber address the opposite
// side expects, re-authored with RemapMWINotify, and re-emitted as a
// "message-summary" NOTIFY, per onMessageWaitingIndicationChanged.
func (m *Mediator) OnMWINotify(ctx context.Context, legBCallID, body string) error {
	subscriber, ok := m.app.OnNotifyDestination(ctx, legBCallID)
	if !ok {
		return nil
	}
	return m.core.Notify(ctx, subscriber, "message-summary", RemapMWINotify(body, subscriber))
}
