// Package transport adapts the SIP transport (emiago/sipgo) the fork
// engine's Dispatcher interface expects. Everything below this line is
// the transport collaborator spec.md §1 calls out as out of scope for
// the core itself; this package exists only to give fork.Dispatcher a
// concrete, wire-capable implementation the way arzzra-soft_phone's
// pkg/dialog wires sipgo.Client into its own call layer.
package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"github.com/hharng/flexisip/internal/fork"
)

// SipDispatcher sends one branch's request via a sipgo client
// transaction and relays provisional/final responses back to the fork
// engine, grounded on arzzra-soft_phone/pkg/dialog/stack.go's
// `client.TransactionRequest` + `tx.Responses()` pattern.
type SipDispatcher struct {
	client  *sipgo.Client
	contact sip.ContactHeader
	log     *logrus.Entry
}

// NewSipDispatcher builds a dispatcher bound to an already-started
// sipgo UA's client.
func NewSipDispatcher(client *sipgo.Client, contact sip.ContactHeader, log *logrus.Entry) *SipDispatcher {
	return &SipDispatcher{client: client, contact: contact, log: log}
}

// Send implements fork.Dispatcher: build a new request with the
// target's method (INVITE when unset) toward the branch's contact, fire
// a client transaction, and relay every response until the transaction
// ends or is cancelled. The request carries only Contact and
// Max-Forwards; headers and body of the originating request are not
// copied onto it.
func (d *SipDispatcher) Send(ctx context.Context, target fork.Target, onResponse func(code int, reason string), onError func(err error)) func(reason fork.CancellationStatus) {
	branchCtx, cancel := context.WithCancel(ctx)

	req, err := d.buildRequest(target)
	if err != nil {
		cancel()
		onError(err)
		return func(fork.CancellationStatus) {}
	}

	tx, err := d.client.TransactionRequest(branchCtx, req)
	if err != nil {
		cancel()
		onError(err)
		return func(fork.CancellationStatus) {}
	}

	go func() {
		defer cancel()
		for {
			select {
			case res, ok := <-tx.Responses():
				if !ok {
					return
				}
				onResponse(int(res.StatusCode), res.Reason)
				if res.StatusCode >= 200 {
					return
				}
			case <-tx.Done():
				return
			case <-branchCtx.Done():
				return
			}
		}
	}()

	return func(reason fork.CancellationStatus) {
		_ = d.sendCancel(branchCtx, req, reason)
		cancel()
	}
}

func (d *SipDispatcher) buildRequest(target fork.Target) (*sip.Request, error) {
	uri, err := parseURI(target.Contact)
	if err != nil {
		return nil, err
	}
	method := target.Method
	if method == "" {
		method = sip.INVITE
	}
	req := sip.NewRequest(method, uri)
	req.AppendHeader(&d.contact)
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	return req, nil
}

// sendCancel implements the Reason-header mapping spec.md §3 describes
// for CancellationStatus: 200 -> AcceptedElsewhere, 600 ->
// DeclinedElsewhere, absent -> Standard.
func (d *SipDispatcher) sendCancel(ctx context.Context, original *sip.Request, reason fork.CancellationStatus) error {
	cancelReq := sip.NewRequest(sip.CANCEL, original.Recipient)
	if cause := reasonCause(reason); cause != "" {
		cancelReq.AppendHeader(sip.NewHeader("Reason", cause))
	}
	_, err := d.client.TransactionRequest(ctx, cancelReq)
	return err
}

func reasonCause(r fork.CancellationStatus) string {
	switch r {
	case fork.AcceptedElsewhere:
		return "SIP;cause=200;text=\"Call completed elsewhere\""
	case fork.DeclinedElsewhere:
		return "SIP;cause=600;text=\"Busy everywhere\""
	default:
		return ""
	}
}

// parseURI parses the minimal "sip(s):[user@]host[:port]" contact
// string forms the registrar and router hand to the dispatcher. The
// full SIP URI grammar is out of scope (spec.md §1); branch targets
// never carry params this core needs to preserve across the wire.
func parseURI(raw string) (sip.Uri, error) {
	rest := raw
	scheme := "sip"
	if strings.HasPrefix(rest, "sips:") {
		scheme = "sips"
		rest = strings.TrimPrefix(rest, "sips:")
	} else if strings.HasPrefix(rest, "sip:") {
		rest = strings.TrimPrefix(rest, "sip:")
	} else {
		return sip.Uri{}, fmt.Errorf("transport: invalid target uri %q", raw)
	}

	user := ""
	hostport := rest
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		user = rest[:i]
		hostport = rest[i+1:]
	}

	host := hostport
	port := 0
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		host = hostport[:i]
		fmt.Sscanf(hostport[i+1:], "%d", &port)
	}

	return sip.Uri{Scheme: scheme, User: user, Host: host, Port: port}, nil
}
