// Package fork implements the fork engine (C5): per-request fork
// contexts that fan out to one branch per eligible target, aggregate
// responses, and apply the call/message/basic policy semantics of
// spec.md §4.4 (early cancellation, fork-late, best-response
// selection, cancellation-reason propagation).
package fork

import (
	"context"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/hharng/flexisip/internal/metrics"
)

// Policy selects fork semantics per spec.md §4.4.
type Policy int

const (
	PolicyCall Policy = iota
	PolicyMessage
	PolicyBasic
)

// Priority mirrors spec.md §4.5: MESSAGE gets Urgent, INVITE gets
// Normal. The fork engine does not act on it directly; it is exposed
// for the dispatcher/transport layer to use for queueing decisions.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityUrgent
)

// CancellationStatus is spec.md §3's enum, derived from a CANCEL's
// Reason header or applied by the engine itself when cancelling peers
// after a winner.
type CancellationStatus int

const (
	Standard CancellationStatus = iota
	AcceptedElsewhere
	DeclinedElsewhere
)

// BranchState mirrors spec.md §3's branch state machine.
const (
	StatePending    = "pending"
	StateRinging    = "ringing"
	StateEarlyMedia = "early_media"
	StateAnswered   = "answered"
	StateCancelled  = "cancelled"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// Target is one eligible destination a branch is created for.
type Target struct {
	Contact        string
	InstanceID     string
	MessageExpires *time.Duration
	// Method is the originating request's method (INVITE, MESSAGE,
	// SUBSCRIBE, OPTIONS, ...): the dispatcher builds each branch's
	// request with this method rather than assuming INVITE, so a
	// Message/Basic fork sends the right thing to every target.
	Method sip.RequestMethod
}

// Dispatcher is the external collaborator that actually puts a request
// on the wire for one branch and reports back responses; transport is
// out of scope for this core (spec.md §1) so it is injected.
type Dispatcher interface {
	// Send starts an outgoing transaction toward target. onResponse is
	// called for every provisional/final response; onError for
	// transport failures (timeouts surface as a synthetic 408).
	// The returned cancel func sends a CANCEL annotated with reason.
	Send(ctx context.Context, target Target, onResponse func(code int, reason string), onError func(err error)) (cancel func(reason CancellationStatus))
}

// BranchListener observes state transitions of a single branch, used
// by tests and by the B2BUA mediator's transfer-notify bridging.
type BranchListener func(b *Branch)

// Branch is one outgoing transaction of a forked request.
type Branch struct {
	ID          string
	Target      Target
	fsm         *fsm.FSM
	LastCode    int
	LastReason  string
	CancelStatus CancellationStatus
	cancelFn    func(reason CancellationStatus)
	listeners   []BranchListener
	mu          sync.Mutex
}

func newBranch(target Target) *Branch {
	b := &Branch{ID: uuid.NewString(), Target: target}
	b.fsm = fsm.NewFSM(
		StatePending,
		fsm.Events{
			{Name: "ringing", Src: []string{StatePending}, Dst: StateRinging},
			{Name: "early_media", Src: []string{StatePending, StateRinging}, Dst: StateEarlyMedia},
			{Name: "answer", Src: []string{StatePending, StateRinging, StateEarlyMedia}, Dst: StateAnswered},
			{Name: "cancel", Src: []string{StatePending, StateRinging, StateEarlyMedia}, Dst: StateCancelled},
			{Name: "complete", Src: []string{StatePending, StateRinging, StateEarlyMedia}, Dst: StateCompleted},
			{Name: "fail", Src: []string{StatePending, StateRinging, StateEarlyMedia}, Dst: StateFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) { b.notify() },
		},
	)
	return b
}

// State returns the branch's current state name.
func (b *Branch) State() string { return b.fsm.Current() }

// Terminal reports whether the branch has reached a state from which it
// never transitions again (every state except the pre-answer ones).
func (b *Branch) Terminal() bool {
	switch b.State() {
	case StateAnswered, StateCancelled, StateCompleted, StateFailed:
		return true
	default:
		return false
	}
}

func (b *Branch) onObserve(l BranchListener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

func (b *Branch) notify() {
	b.mu.Lock()
	ls := append([]BranchListener{}, b.listeners...)
	b.mu.Unlock()
	for _, l := range ls {
		l(b)
	}
}

// Context is a fork context: spec.md §3's (originating request, branch
// set, priority, policy, fork-late flag, deadline, terminal-response
// flag).
type Context struct {
	ID       string
	Policy   Policy
	Priority Priority
	ForkLate bool
	Deadline time.Time

	mu         sync.Mutex
	branches   map[string]*Branch
	dispatcher Dispatcher
	winner     *Branch
	terminal   bool
	onTerminal func(code int, reason string)

	metrics *metrics.Registry
	log     *logrus.Entry
}

// New creates a fork context and records the start of a fork in the
// countForks.start counter (spec.md §4.4).
func New(policy Policy, priority Priority, forkLate bool, deadline time.Time, dispatcher Dispatcher, onTerminal func(code int, reason string), m *metrics.Registry, log *logrus.Entry) *Context {
	c := &Context{
		ID:         uuid.NewString(),
		Policy:     policy,
		Priority:   priority,
		ForkLate:   forkLate && policy == PolicyCall,
		Deadline:   deadline,
		branches:   make(map[string]*Branch),
		dispatcher: dispatcher,
		onTerminal: onTerminal,
		metrics:    m,
		log:        log,
	}
	if m != nil {
		m.ForksStarted.Inc()
	}
	return c
}

// AddBranch materialises one outgoing branch for target. Safe to call
// after the context has started (fork-late) as long as the context is
// not yet terminal; once terminal, the branch is still dispatched for
// push-to-ring observability but is cancelled as soon as it is created
// (spec.md §4.4's "MUST cancel them on the first ACK of its own
// terminal response").
func (c *Context) AddBranch(ctx context.Context, target Target) *Branch {
	b := newBranch(target)

	c.mu.Lock()
	terminalAlready := c.terminal
	c.branches[b.ID] = b
	c.mu.Unlock()

	// spec.md §4.4: MESSAGE fork "respects per-binding message-expires
	// override" -- a binding with message-expires=0 refuses delivery
	// outright rather than being dispatched to, while the same binding
	// still accepts INVITE under PolicyCall.
	if c.Policy == PolicyMessage && target.MessageExpires != nil && *target.MessageExpires <= 0 {
		b.LastCode, b.LastReason = 410, "Gone"
		_ = b.fsm.Event(context.Background(), "fail")
		if c.metrics != nil {
			c.metrics.Branches.WithLabelValues("failed").Inc()
		}
		c.maybeFinalize()
		return b
	}

	cancel := c.dispatcher.Send(ctx, target,
		func(code int, reason string) { c.handleResponse(b, code, reason) },
		func(err error) { c.handleError(b, err) },
	)
	b.cancelFn = cancel

	if terminalAlready {
		b.cancelFn(Standard)
	}
	return b
}

// Observe registers l against every branch currently in the context.
// Branches added afterwards (fork-late) are not observed by l.
func (c *Context) Observe(l BranchListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.branches {
		b.onObserve(l)
	}
}

func (c *Context) handleResponse(b *Branch, code int, reason string) {
	switch {
	case code >= 100 && code < 200:
		if code == 180 {
			_ = b.fsm.Event(context.Background(), "ringing")
		} else {
			_ = b.fsm.Event(context.Background(), "early_media")
		}
		b.LastCode, b.LastReason = code, reason
		return
	case code >= 200 && code < 300:
		b.LastCode, b.LastReason = code, reason
		if c.Policy == PolicyMessage {
			c.onBranchDelivered(b)
		} else {
			c.onBranchAnswered(b)
		}
		return
	default:
		b.LastCode, b.LastReason = code, reason
		_ = b.fsm.Event(context.Background(), "fail")
		if c.metrics != nil {
			c.metrics.Branches.WithLabelValues("failed").Inc()
		}
		c.maybeFinalize()
	}
}

func (c *Context) handleError(b *Branch, _ error) {
	b.LastCode, b.LastReason = 408, "Request Timeout"
	_ = b.fsm.Event(context.Background(), "fail")
	if c.metrics != nil {
		c.metrics.Branches.WithLabelValues("timeout").Inc()
	}
	c.maybeFinalize()
}

// onBranchAnswered enforces the absorbing invariant: at most one branch
// may reach Answered; every other non-terminal branch is cancelled with
// AcceptedElsewhere.
func (c *Context) onBranchAnswered(b *Branch) {
	c.mu.Lock()
	if c.winner != nil {
		// A second branch answered after the first already won:
		// cancel it immediately instead of letting it settle into
		// Answered, preserving the "at most one Answered" invariant.
		c.mu.Unlock()
		if b.cancelFn != nil {
			b.cancelFn(AcceptedElsewhere)
		}
		_ = b.fsm.Event(context.Background(), "cancel")
		b.CancelStatus = AcceptedElsewhere
		return
	}
	c.winner = b
	peers := c.peersLocked(b)
	c.terminal = true
	c.mu.Unlock()

	_ = b.fsm.Event(context.Background(), "answer")

	for _, p := range peers {
		if p.Terminal() {
			continue
		}
		if p.cancelFn != nil {
			p.cancelFn(AcceptedElsewhere)
		}
		p.CancelStatus = AcceptedElsewhere
		_ = p.fsm.Event(context.Background(), "cancel")
	}
	if c.metrics != nil {
		c.metrics.Branches.WithLabelValues("answered").Inc()
	}
	c.finish(b.LastCode, b.LastReason)
}

// onBranchDelivered handles a success response under PolicyMessage:
// spec.md §4.4 says MESSAGE fork "does not race; delivers to all and
// aggregates (200 if any; otherwise the best failure)", so unlike
// onBranchAnswered this never cancels peers or finalizes early -- it
// just marks the branch settled and lets maybeFinalize wait for the
// rest of the set.
func (c *Context) onBranchDelivered(b *Branch) {
	_ = b.fsm.Event(context.Background(), "answer")
	if c.metrics != nil {
		c.metrics.Branches.WithLabelValues("answered").Inc()
	}
	c.maybeFinalize()
}

func (c *Context) peersLocked(self *Branch) []*Branch {
	peers := make([]*Branch, 0, len(c.branches))
	for _, b := range c.branches {
		if b.ID != self.ID {
			peers = append(peers, b)
		}
	}
	return peers
}

// CancelByUpstream handles a CANCEL arriving on the originating
// transaction before any branch answered: per spec.md §4.4 the caller
// must still receive a terminal response immediately (487 here), while branches
// already dispatched to late-registering devices may keep ringing for
// observability but must be cancelled on the first ACK of the terminal
// response -- i.e. right now, since this method both finalises and
// cancels synchronously.
func (c *Context) CancelByUpstream(reason CancellationStatus) {
	c.mu.Lock()
	if c.terminal {
		c.mu.Unlock()
		return
	}
	c.terminal = true
	branches := make([]*Branch, 0, len(c.branches))
	for _, b := range c.branches {
		branches = append(branches, b)
	}
	c.mu.Unlock()

	for _, b := range branches {
		if b.Terminal() {
			continue
		}
		if b.cancelFn != nil {
			b.cancelFn(reason)
		}
		b.CancelStatus = reason
		_ = b.fsm.Event(context.Background(), "cancel")
	}
	c.finish(487, "Request Terminated")
}

// maybeFinalize checks whether every branch has reached a terminal
// state with no winner, and if so computes and emits the best response.
func (c *Context) maybeFinalize() {
	c.mu.Lock()
	if c.terminal {
		c.mu.Unlock()
		return
	}
	allTerminal := true
	codes := make([]int, 0, len(c.branches))
	anyTimedOut := false
	anySucceeded := false
	for _, b := range c.branches {
		if !b.Terminal() {
			allTerminal = false
			break
		}
		codes = append(codes, b.LastCode)
		if b.LastCode == 408 {
			anyTimedOut = true
		}
		if b.LastCode >= 200 && b.LastCode < 300 {
			anySucceeded = true
		}
	}
	if !allTerminal {
		c.mu.Unlock()
		return
	}
	c.terminal = true
	c.mu.Unlock()

	if anySucceeded {
		c.finish(200, "Ok")
		return
	}
	code, reason := BestResponse(codes, anyTimedOut)
	c.finish(code, reason)
}

func (c *Context) finish(code int, reason string) {
	if c.metrics != nil {
		c.metrics.ForksFinished.Inc()
	}
	if c.onTerminal != nil {
		c.onTerminal(code, reason)
	}
}

// BestResponse implements spec.md §4.4's aggregation rule: the
// numerically smallest 6xx if any, else the smallest 4xx other than
// 408/503 if any, else 408 if any branch timed out, else 503. An empty
// branch set is the router's job to turn into 404 before a context is
// even created (spec.md §8's boundary case).
func BestResponse(codes []int, anyTimedOut bool) (int, string) {
	best6xx, has6xx := 0, false
	best4xx, has4xx := 0, false
	for _, c := range codes {
		if c >= 600 && c < 700 {
			if !has6xx || c < best6xx {
				best6xx, has6xx = c, true
			}
		} else if c >= 400 && c < 500 && c != 408 {
			if !has4xx || c < best4xx {
				best4xx, has4xx = c, true
			}
		}
	}
	switch {
	case has6xx:
		return best6xx, "Global Failure"
	case has4xx:
		return best4xx, "Client Failure"
	case anyTimedOut:
		return 408, "Request Timeout"
	default:
		return 503, "Service Unavailable"
	}
}
