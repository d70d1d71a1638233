// Package auth implements the authentication module (C4): an ordered
// chain of authenticators ending in RFC 7616 digest, with a trusted-host
// bypass ahead of it, exactly the {TrustedHost, Digest} chain described
// in spec.md §4.2 and grounded on flexisip's
// trusted-host-authentifier.cc / flexisip-auth-module.hh.
package auth

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hharng/flexisip/internal/authdb"
	"github.com/hharng/flexisip/internal/metrics"
	"github.com/hharng/flexisip/internal/nonce"
	"github.com/hharng/flexisip/internal/runtime"
)

// Status is the outcome of running the authenticator chain on a
// request, mirroring spec.md §3's per-request Authentication status.
type Status int

const (
	Pass Status = iota
	Pending
	Challenge
	Fail
	End
)

// Request is the minimal view of an inbound SIP request the
// authentication module needs: the Via it was received on (for the
// trusted-host check) and the Authorization/Proxy-Authorization header
// it may carry.
type Request struct {
	Method        sip.RequestMethod
	RequestURI    string
	Body          []byte
	Via           *sip.ViaHeader
	AuthHeader    sip.Header // Authorization or Proxy-Authorization, may be nil
	ChallengeKind string     // "WWW-Authenticate" or "Proxy-Authenticate"
}

// Decision is what the chain wants the router to do with the request.
type Decision struct {
	Status       Status
	Challenges   []string // header values to attach, preference order
	ChallengeHeader string // "WWW-Authenticate" or "Proxy-Authenticate"; empty when Challenges is empty
	StatusCode   int      // 401, 403, 407, 400 when Status != Pass
	Reason       string
}

// Authenticator is one link in the chain: TrustedHost, Digest, or any
// future scheme. It reports through done: Pass to short-circuit,
// Fail/Challenge/End to stop with a verdict, Pending when it will call
// done again after async work, or continueStatus so the Module invokes
// the next link.
type Authenticator interface {
	Verify(ctx context.Context, req *Request, done func(Decision))
}

// Module orchestrates the authenticator chain for one realm.
type Module struct {
	realm   string
	chain   []Authenticator
	log     *logrus.Entry
	metrics *metrics.Registry
}

// NewModule builds the module with the built-in {TrustedHost, Digest}
// chain; TrustedHost is left out when trusted is nil.
func NewModule(realm string, trusted *TrustedHostAuthenticator, digestAuth *DigestAuthenticator, m *metrics.Registry, log *logrus.Entry) *Module {
	chain := []Authenticator{}
	if trusted != nil {
		chain = append(chain, trusted)
	}
	chain = append(chain, digestAuth)
	return &Module{realm: realm, chain: chain, log: log, metrics: m}
}

// Authenticate runs the chain in order, invoking done exactly once with
// the first non-Continue verdict. The chain is re-entrant per request
// (each call gets its own run through the links) but a single Module
// must not be asked to validate the same nonce concurrently from two
// requests expecting different answers -- the nonce store underneath
// serialises that.
func (m *Module) Authenticate(ctx context.Context, req *Request, done func(Decision)) {
	m.run(ctx, req, 0, done)
}

func (m *Module) run(ctx context.Context, req *Request, idx int, done func(Decision)) {
	if idx >= len(m.chain) {
		done(Decision{Status: End})
		return
	}
	m.chain[idx].Verify(ctx, req, func(d Decision) {
		if d.Status == Pass || d.Status == Fail || d.Status == Challenge || d.Status == End {
			if m.metrics != nil {
				m.metrics.AuthOutcomes.WithLabelValues(statusLabel(d.Status)).Inc()
			}
			done(d)
			return
		}
		// Pending: the link is doing async work and will call done
		// itself once it resolves; it has already taken ownership.
		if d.Status == Pending {
			return
		}
		m.run(ctx, req, idx+1, done)
	})
}

func statusLabel(s Status) string {
	switch s {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	case Challenge:
		return "challenge"
	case End:
		return "end"
	default:
		return "pending"
	}
}

// TrustedHostAuthenticator passes any request whose Via `received` (or
// `host` if `received` is absent) matches a configured set of IPs,
// otherwise delegates to the next link -- or answers End if there is
// none, matching TrustedHostAuthentifier::verify exactly.
type TrustedHostAuthenticator struct {
	trusted map[string]struct{}
}

// NewTrustedHostAuthenticator builds the bypass list from a set of IPs.
func NewTrustedHostAuthenticator(ips []net.IP) *TrustedHostAuthenticator {
	t := &TrustedHostAuthenticator{trusted: make(map[string]struct{}, len(ips))}
	for _, ip := range ips {
		t.trusted[ip.String()] = struct{}{}
	}
	return t
}

// Verify implements Authenticator.
func (t *TrustedHostAuthenticator) Verify(_ context.Context, req *Request, done func(Decision)) {
	host := ""
	if req.Via != nil {
		if r := req.Via.Params["received"]; r != "" {
			host = r
		} else {
			host = req.Via.Host
		}
	}
	if _, ok := t.trusted[host]; ok {
		done(Decision{Status: Pass})
		return
	}
	// No Pass: report Continue by calling done with a sentinel the
	// Module recognises ("neither Pass nor terminal") -- here, reuse
	// Pending's zero handling isn't right since we are not async;
	// instead explicitly ask for the next link.
	done(Decision{Status: continueStatus})
}

// continueStatus is an internal value distinct from the four statuses
// spec.md names; Module.run treats anything other than
// Pass/Fail/Challenge/End/Pending as "try the next authenticator".
const continueStatus Status = -1

// DigestAuthenticator implements RFC 7616 digest challenge/verify with
// support for MD5, SHA-256 and their -sess variants, against passwords
// fetched asynchronously from authdb.Backend.
type DigestAuthenticator struct {
	realm       string
	nonces      *nonce.Store
	backend     authdb.Backend
	loop        *runtime.Loop
	qopAuth     bool
	algorithms  []authdb.Algorithm // preference order for challenges
	log         *logrus.Entry
}

// NewDigestAuthenticator wires the nonce store, credential backend and
// event loop together. algorithms controls both which WWW-Authenticate
// headers are emitted and their order (spec.md §4.2 step 1).
func NewDigestAuthenticator(realm string, nonces *nonce.Store, backend authdb.Backend, loop *runtime.Loop, qopAuth bool, algorithms []authdb.Algorithm, log *logrus.Entry) *DigestAuthenticator {
	if len(algorithms) == 0 {
		algorithms = []authdb.Algorithm{authdb.AlgorithmMD5, authdb.AlgorithmSHA256, authdb.AlgorithmSHA256 + "-sess"}
	}
	return &DigestAuthenticator{realm: realm, nonces: nonces, backend: backend, loop: loop, qopAuth: qopAuth, algorithms: algorithms, log: log}
}

// Verify implements Authenticator and runs steps 1-6 of spec.md §4.2.
func (d *DigestAuthenticator) Verify(ctx context.Context, req *Request, done func(Decision)) {
	if req.AuthHeader == nil {
		done(Decision{Status: Challenge, StatusCode: d.challengeCode(req), ChallengeHeader: d.challengeHeaderName(req), Challenges: d.challenges(false)})
		return
	}

	cred, err := digest.ParseCredentials(req.AuthHeader.Value())
	if err != nil || cred.Username == "" || cred.Realm != d.realm {
		done(Decision{Status: Fail, StatusCode: 400, Reason: "Malformed Authorization header"})
		return
	}

	outcome, verr := d.nonces.Validate(cred.Nonce, uint64(cred.Nc))
	switch outcome {
	case nonce.Stale:
		done(Decision{Status: Challenge, StatusCode: d.challengeCode(req), ChallengeHeader: d.challengeHeaderName(req), Challenges: d.challenges(true)})
		return
	case nonce.Unknown:
		done(Decision{Status: Fail, StatusCode: 403, Reason: "Forbidden"})
		return
	}
	if verr != nil {
		done(Decision{Status: Fail, StatusCode: 403, Reason: "Forbidden"})
		return
	}

	// Step 4: asynchronous credential fetch. The request suspends in
	// Pending; the callback is posted back to the event loop, never
	// invoked directly from the backend's own goroutine.
	done(Decision{Status: Pending})
	token := runtime.NewCancelToken()
	go func() {
		<-ctx.Done()
		token.Cancel()
	}()
	go func() {
		passwords, err := d.backend.Lookup(ctx, cred.Username, d.realm)
		d.loop.Post(func() {
			if token.Cancelled() {
				return
			}
			if err != nil {
				d.log.WithError(errors.Wrap(err, "credential lookup")).Warn("authdb backend unavailable")
				done(Decision{Status: Fail, StatusCode: 500, Reason: "Backend unavailable"})
				return
			}
			d.checkPasswords(req, cred, passwords, done)
		})
	}()
}

func (d *DigestAuthenticator) checkPasswords(req *Request, cred *digest.Credentials, passwords []authdb.Password, done func(Decision)) {
	for _, pw := range passwords {
		if computeResponse(req, cred, pw) == cred.Response {
			done(Decision{Status: Pass})
			return
		}
	}
	done(Decision{Status: Fail, StatusCode: 403, Reason: "Forbidden"})
}

// challengeCode picks 401 (WWW-Authenticate, UAS-style challenge -- the
// original's default, and what REGISTER always gets since there is no
// "proxy" leg to a registrar) or 407 (Proxy-Authenticate) per request,
// matching flexisip-auth-module.hh's auth_challenger_t split between
// the UAS and proxy challengers.
func (d *DigestAuthenticator) challengeCode(req *Request) int {
	if req.ChallengeKind == "Proxy-Authenticate" {
		return 407
	}
	return 401
}

// challengeHeaderName is the header Decision.Challenges values belong
// under, paired 1:1 with challengeCode's status code.
func (d *DigestAuthenticator) challengeHeaderName(req *Request) string {
	if req.ChallengeKind == "Proxy-Authenticate" {
		return "Proxy-Authenticate"
	}
	return "WWW-Authenticate"
}

// challenges builds one WWW-Authenticate value per configured
// algorithm, in preference order, matching infoDigest's per-algorithm
// emission in flexisip-auth-module.hh.
func (d *DigestAuthenticator) challenges(stale bool) []string {
	nonceVal, err := d.nonces.Issue(d.qopAuth)
	if err != nil {
		nonceVal = ""
	}
	out := make([]string, 0, len(d.algorithms))
	for _, algo := range d.algorithms {
		ch := digest.Challenge{
			Realm:     d.realm,
			Nonce:     nonceVal,
			Algorithm: string(algo),
			Stale:     stale,
		}
		if d.qopAuth {
			ch.QOP = []string{"auth"}
		}
		out = append(out, ch.String())
	}
	return out
}

// computeResponse implements RFC 7616's response formula:
//
//	A1 = username:realm:secret                          (cleartext secret)
//	A1 = HA1                                             (precomputed secret)
//	A1' = H(A1):nonce:cnonce                             (-sess variants)
//	A2 = method:uri[:H(body)]                            (qop=auth-int)
//	response = H(H(A1'):nonce:nc:cnonce:qop:H(A2))        (qop present)
//	response = H(H(A1'):nonce:H(A2))                     (qop absent)
func computeResponse(req *Request, cred *digest.Credentials, pw authdb.Password) string {
	// A cleartext row carries no algorithm of its own: hash it with the
	// algorithm the client answered with (MD5 when absent).
	algo := pw.Algorithm
	if algo == authdb.AlgorithmCleartext {
		algo = authdb.Algorithm(strings.TrimSuffix(cred.Algorithm, "-sess"))
	}
	h := hasher(algo)
	if h == nil {
		return ""
	}

	var ha1 string
	if pw.Algorithm == authdb.AlgorithmCleartext {
		ha1 = hexHash(h, fmt.Sprintf("%s:%s:%s", cred.Username, cred.Realm, pw.Secret))
	} else {
		ha1 = pw.Secret
	}
	if strings.HasSuffix(cred.Algorithm, "-sess") {
		ha1 = hexHash(h, fmt.Sprintf("%s:%s:%s", ha1, cred.Nonce, cred.Cnonce))
	}

	a2 := fmt.Sprintf("%s:%s", req.Method.String(), cred.URI)
	if cred.QOP == "auth-int" {
		a2 = fmt.Sprintf("%s:%s", a2, hexHash(h, string(req.Body)))
	}
	ha2 := hexHash(h, a2)

	if cred.QOP != "" {
		return hexHash(h, fmt.Sprintf("%s:%s:%08x:%s:%s:%s", ha1, cred.Nonce, cred.Nc, cred.Cnonce, cred.QOP, ha2))
	}
	return hexHash(h, fmt.Sprintf("%s:%s:%s", ha1, cred.Nonce, ha2))
}

func hasher(algo authdb.Algorithm) func() hasherState {
	switch algo {
	case authdb.AlgorithmSHA256:
		return func() hasherState { return sha256.New() }
	default:
		return func() hasherState { return md5.New() }
	}
}

type hasherState interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
}

func hexHash(newHash func() hasherState, s string) string {
	h := newHash()
	_, _ = h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))
}
