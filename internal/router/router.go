// Package router implements the router front-end (C6): resolves an
// authenticated request's target set from the registrar, X-Target-Uris
// and static targets, strips self-Route, and hands the result to the
// fork engine, per spec.md §4.5.
package router

import (
	"context"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"github.com/hharng/flexisip/internal/fork"
	"github.com/hharng/flexisip/internal/metrics"
	"github.com/hharng/flexisip/internal/registrar"
)

// AORResolver extracts the registrar AOR targeted by req's Request-URI.
// Kept as a function rather than a hard dependency on sip.Uri parsing
// rules, which live with the message parser (out of scope, spec.md §1).
type AORResolver func(req *sip.Request) registrar.AOR

// FallbackFilter evaluates the configured boolean expression over a
// request (spec.md §6's `fallback-route-filter`); parsing the
// expression language itself is out of scope, this is just the
// evaluated predicate.
type FallbackFilter func(req *sip.Request) bool

// Config is the router's recognised configuration surface, spec.md §6.
type Config struct {
	SelfURI            sip.Uri
	StaticTargets      []string
	FallbackRoute      string
	FallbackFilter     FallbackFilter
	CallForkLate       bool
	CallDeadline       time.Duration
	MessageDeadline    time.Duration
	BasicDeadline      time.Duration
}

// Router is the front-end described above.
type Router struct {
	cfg        Config
	registrar  *registrar.Index
	resolveAOR AORResolver
	dispatcher fork.Dispatcher
	metrics    *metrics.Registry
	log        *logrus.Entry
}

// New builds a Router over the given registrar and fork dispatcher.
func New(cfg Config, reg *registrar.Index, resolveAOR AORResolver, dispatcher fork.Dispatcher, m *metrics.Registry, log *logrus.Entry) *Router {
	return &Router{cfg: cfg, registrar: reg, resolveAOR: resolveAOR, dispatcher: dispatcher, metrics: m, log: log}
}

// Outcome is what Route decided to do with a request.
type Outcome struct {
	// ForwardedTo is set when the fallback-route-filter matched: the
	// request bypasses forking entirely. Route itself does not send the
	// request anywhere; ForwardedTo only names the fallback URI.
	ForwardedTo string
	// ForkContext is set when the request was forked; nil for a
	// direct forward or an immediate failure.
	ForkContext *fork.Context
	// ImmediateCode/Reason is set when there was nothing to fork to
	// at all (spec.md §8: empty branch set with no contacts -> 404).
	ImmediateCode   int
	ImmediateReason string
}

// Route resolves targets and, unless the fallback filter short-circuits
// it, constructs a fork context via the fork engine. When the request
// is forked, or has no target at all (404), onTerminal is invoked
// exactly once with the aggregated terminal response; when the
// fallback filter matches, onTerminal is not invoked.
func (r *Router) Route(ctx context.Context, req *sip.Request, onTerminal func(code int, reason string)) Outcome {
	if r.cfg.FallbackRoute != "" && r.cfg.FallbackFilter != nil && r.cfg.FallbackFilter(req) {
		r.log.WithField("route", r.cfg.FallbackRoute).Debug("router: fallback-route-filter matched, bypassing fork")
		return Outcome{ForwardedTo: r.cfg.FallbackRoute}
	}

	stripSelfRoute(req, r.cfg.SelfURI)

	targets := r.resolveTargets(ctx, req)
	if len(targets) == 0 {
		onTerminal(404, "Not Found")
		return Outcome{ImmediateCode: 404, ImmediateReason: "Not Found"}
	}

	policy, priority, deadline := r.policyFor(req.Method)
	fctx := fork.New(policy, priority, r.cfg.CallForkLate, time.Now().Add(deadline), r.dispatcher, onTerminal, r.metrics, r.log)

	for _, t := range targets {
		fctx.AddBranch(ctx, t)
	}

	if policy == fork.PolicyCall && r.cfg.CallForkLate {
		r.wireForkLate(ctx, req, fctx)
	}

	return Outcome{ForkContext: fctx}
}

// resolveTargets implements spec.md §4.5's union-with-override rule:
// X-Target-Uris overrides the AOR-resolved set entirely; static
// targets are always included, in configured order, ahead of whichever
// set wins.
func (r *Router) resolveTargets(ctx context.Context, req *sip.Request) []fork.Target {
	var targets []fork.Target

	for _, s := range r.cfg.StaticTargets {
		targets = append(targets, fork.Target{Contact: s, Method: req.Method})
	}

	if xHeader := req.GetHeader("X-Target-Uris"); xHeader != nil {
		for _, uri := range splitTargetURIs(xHeader.Value()) {
			targets = append(targets, fork.Target{Contact: uri, Method: req.Method})
		}
	} else {
		aor := r.resolveAOR(req)
		bindings, err := r.registrar.Fetch(ctx, aor, time.Now())
		if err != nil {
			r.log.WithError(err).Warn("router: registrar fetch failed")
		}
		for _, b := range bindings {
			targets = append(targets, fork.Target{
				Contact:        b.Contact,
				InstanceID:     b.InstanceID,
				MessageExpires: b.MessageExpires,
				Method:         req.Method,
			})
		}
	}
	return targets
}

func (r *Router) policyFor(method sip.RequestMethod) (fork.Policy, fork.Priority, time.Duration) {
	switch method {
	case sip.INVITE:
		return fork.PolicyCall, fork.PriorityNormal, orDefault(r.cfg.CallDeadline, 32*time.Second)
	case sip.MESSAGE:
		return fork.PolicyMessage, fork.PriorityUrgent, orDefault(r.cfg.MessageDeadline, 30*time.Second)
	default:
		return fork.PolicyBasic, fork.PriorityNormal, orDefault(r.cfg.BasicDeadline, 10*time.Second)
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// wireForkLate subscribes the fork context to the target AOR's
// registrar listener: a device registering after the initial dispatch
// but before the context's deadline receives the INVITE, per spec.md
// §4.4 and §8's boundary case.
func (r *Router) wireForkLate(ctx context.Context, req *sip.Request, fctx *fork.Context) {
	if req.GetHeader("X-Target-Uris") != nil {
		return // X-Target-Uris bypasses the registrar entirely; nothing to subscribe to.
	}
	aor := r.resolveAOR(req)
	seen := make(map[string]bool)
	r.registrar.Subscribe(aor, func(_ registrar.AOR, bindings []registrar.Binding) {
		if time.Now().After(fctx.Deadline) {
			return
		}
		for _, b := range bindings {
			if seen[b.InstanceID] {
				continue
			}
			seen[b.InstanceID] = true
			fctx.AddBranch(ctx, fork.Target{Contact: b.Contact, InstanceID: b.InstanceID, MessageExpires: b.MessageExpires, Method: req.Method})
		}
	})
}

// stripSelfRoute removes a leading Route header that points at this
// proxy (self-route), preserving any foreign Route entries untouched,
// per spec.md §4.5 and §6.
func stripSelfRoute(req *sip.Request, self sip.Uri) {
	routes := req.GetHeaders("Route")
	if len(routes) == 0 {
		return
	}
	first, ok := routes[0].(*sip.RouteHeader)
	if !ok {
		return
	}
	if sameHost(first.Address, self) {
		// RemoveHeader drops only the first Route header, so the
		// foreign entries after it stay in place.
		req.RemoveHeader("Route")
	}
}

func sameHost(a, b sip.Uri) bool {
	return strings.EqualFold(a.Host, b.Host) && a.Port == b.Port
}

func splitTargetURIs(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.TrimPrefix(p, "<")
		p = strings.TrimSuffix(p, ">")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
