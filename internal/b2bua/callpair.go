// Package b2bua implements the back-to-back user agent mediator (C7):
// bidirectional call-leg coupling, media/state mirroring, transfer and
// subscribe/notify bridging, per spec.md §4.6.
package b2bua

import (
	"sync"

	"github.com/looplab/fsm"
)

// LegState mirrors the subset of linphone::Call::State the mediator
// reacts to, per the table in spec.md §4.6.
const (
	LegIncoming       = "incoming"
	LegRinging        = "ringing"
	LegEarlyMedia     = "early_media"
	LegStreamsRunning = "streams_running"
	LegPausedByRemote = "paused_by_remote"
	LegUpdating       = "updating"
	LegReleased       = "released"
	LegError          = "error"
)

// MediaDirection is the per-leg audio direction the mediator adjusts
// when mirroring pause/resume between legs.
type MediaDirection int

const (
	SendRecv MediaDirection = iota
	SendOnly
	RecvOnly
	Inactive
)

// Leg is one side (A or B) of a coupled call. The mediator never holds
// two owning references to the same pair: each Leg owns its own fsm and
// state, and carries a non-owning *Pair back-reference.
type Leg struct {
	CallID string
	fsm    *fsm.FSM
	pair   *Pair
	isA    bool

	AudioEnabled bool
	VideoEnabled bool
	Direction    MediaDirection
	ErrorInfo    string

	mu           sync.Mutex
	deferredUpdate bool
}

var allLegStates = []string{
	LegIncoming, LegRinging, LegEarlyMedia, LegStreamsRunning, LegPausedByRemote, LegUpdating,
}

func newLeg(callID string, isA bool) *Leg {
	l := &Leg{CallID: callID, isA: isA, Direction: SendRecv}
	l.fsm = fsm.NewFSM(
		LegIncoming,
		fsm.Events{
			{Name: "ringing", Src: []string{LegIncoming}, Dst: LegRinging},
			{Name: "early_media", Src: []string{LegIncoming, LegRinging}, Dst: LegEarlyMedia},
			{Name: "streams_running", Src: []string{LegIncoming, LegRinging, LegEarlyMedia, LegUpdating, LegPausedByRemote}, Dst: LegStreamsRunning},
			{Name: "update", Src: []string{LegStreamsRunning}, Dst: LegUpdating},
			{Name: "paused_by_remote", Src: []string{LegStreamsRunning}, Dst: LegPausedByRemote},
			{Name: "error", Src: allLegStates, Dst: LegError},
			{Name: "release", Src: allLegStates, Dst: LegReleased},
		},
		nil,
	)
	return l
}

// State returns the leg's current lifecycle state.
func (l *Leg) State() string { return l.fsm.Current() }

// Peer returns this leg's coupled leg, or nil if the pair has already
// been released and removed from the peer index.
func (l *Leg) Peer() *Leg {
	if l.pair == nil {
		return nil
	}
	if l.isA {
		return l.pair.legB
	}
	return l.pair.legA
}

// Pair is spec.md §3's call pair: (leg-A, leg-B, shared conference
// handle, application-chosen callee, transfer listener, per-leg media
// direction). Both legs reference the same Pair; the Pair does not
// reference itself through the legs beyond what Peer() computes, so
// there is exactly one cycle (A -> pair -> B, B -> pair -> A) and no
// leg owns its peer directly.
type Pair struct {
	mu              sync.Mutex
	legA            *Leg
	legB            *Leg
	conferenceID    string
	callee          string
	transfer        *TransferListener
	releasedA       bool
	releasedB       bool
}

// NewPair couples a fresh leg-A/leg-B pair sharing a hidden conference,
// per spec.md §4.6 step 3.
func NewPair(callIDA, callIDB, conferenceID, callee string) *Pair {
	p := &Pair{conferenceID: conferenceID, callee: callee}
	p.legA = newLeg(callIDA, true)
	p.legB = newLeg(callIDB, false)
	p.legA.pair = p
	p.legB.pair = p
	return p
}

// LegA / LegB expose the coupled legs.
func (p *Pair) LegA() *Leg { return p.legA }
func (p *Pair) LegB() *Leg { return p.legB }

// Released reports whether both legs have released, at which point the
// pair's entry should be dropped from the mediator's peer index.
func (p *Pair) Released() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releasedA && p.releasedB
}

func (p *Pair) markReleased(isA bool) {
	p.mu.Lock()
	if isA {
		p.releasedA = true
	} else {
		p.releasedB = true
	}
	p.mu.Unlock()
}
