// Command flexisipd wires the nonce store, registrar, authentication
// module, fork engine, router, B2BUA mediator and account pool into one
// process, the way sippy-go-b2bua's main.go builds its call controller
// and UAs around a single sippy_types.SipTransactionManager.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/hharng/flexisip/internal/accounts"
	"github.com/hharng/flexisip/internal/auth"
	"github.com/hharng/flexisip/internal/authdb"
	"github.com/hharng/flexisip/internal/b2bua"
	"github.com/hharng/flexisip/internal/config"
	"github.com/hharng/flexisip/internal/metrics"
	"github.com/hharng/flexisip/internal/nonce"
	"github.com/hharng/flexisip/internal/registrar"
	"github.com/hharng/flexisip/internal/router"
	"github.com/hharng/flexisip/internal/runtime"
	"github.com/hharng/flexisip/internal/transport"
)

func main() {
	configPath := flag.String("config", "/etc/flexisip/flexisip.yaml", "path to the core's yaml config")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	entry := logrus.NewEntry(log).WithField("component", "flexisipd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		entry.WithError(err).Fatal("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewRegistry(prometheus.DefaultRegisterer)
	loop := runtime.NewLoop(256)
	go loop.Run(ctx)

	var redisClient *redis.Client
	if cfg.Redis.Address != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	regIndex := buildRegistrar(redisClient, m, entry)
	nonceStore := nonce.New(cfg.Auth.NonceExpire)
	authModule := buildAuthModule(cfg, nonceStore, loop, m, entry)

	ua, err := sipgo.NewUA()
	if err != nil {
		entry.WithError(err).Fatal("failed to build sip user agent")
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		entry.WithError(err).Fatal("failed to build sip client")
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		entry.WithError(err).Fatal("failed to build sip server")
	}
	contact := sip.ContactHeader{Address: sip.Uri{Scheme: "sip", Host: cfg.ListenAddr}}
	dispatcher := transport.NewSipDispatcher(client, contact, entry.WithField("component", "transport"))

	selfURI := sip.Uri{Scheme: "sip", Host: cfg.SelfURI}
	r := router.New(router.Config{
		SelfURI:        selfURI,
		StaticTargets:  cfg.Router.StaticTargets,
		FallbackRoute:  cfg.Router.FallbackRoute,
		FallbackFilter: buildFallbackFilter(cfg.Router.FallbackRouteFilter, entry),
		CallForkLate:   cfg.Router.CallForkLate,
	}, regIndex, resolveAORFromRequest, dispatcher, m, entry.WithField("component", "router"))

	mediator := buildMediator(cfg, client, contact, m, entry)
	pool := buildAccountPool(cfg, redisClient, client, m, entry)

	pipeline := &requestPipeline{
		auth:       authModule,
		router:     r,
		mediator:   mediator,
		b2buaApp:   cfg.B2BUA.Application != "",
		log:        entry.WithField("component", "pipeline"),
	}
	server.OnInvite(pipeline.handle)
	server.OnMessage(pipeline.handle)
	server.OnOptions(pipeline.handle)
	server.OnSubscribe(pipeline.handle)
	server.OnNotify(pipeline.handleNotify)

	go func() {
		if err := server.ListenAndServe(ctx, "udp", cfg.ListenAddr); err != nil {
			entry.WithError(err).Warn("sip server stopped")
		}
	}()

	if pool != nil {
		if err := pool.LoadInitial(ctx); err != nil {
			entry.WithError(err).Warn("initial account pool load failed")
		}
		go pool.Run(ctx)
	}

	startHousekeeping(ctx, nonceStore, regIndex, entry)
	go serveMetrics(cfg.MetricsAddr, entry)

	waitForShutdown(ctx, cancel, pool, cfg.Pool.UnregisterOnServerShutdown, entry)
}

// requestPipeline is C6+C4's entry point as seen by the transport:
// authenticate, then route, matching spec.md §2's data-flow summary
// ("an incoming request enters C6, which consults C4 for
// authentication, then C3 for targets").
type requestPipeline struct {
	auth     *auth.Module
	router   *router.Router
	mediator *b2bua.Mediator
	b2buaApp bool
	log      *logrus.Entry
}

func (p *requestPipeline) handle(req *sip.Request, tx sip.ServerTransaction) {
	kind := challengeKindFor(req.Method)
	authReq := &auth.Request{Method: req.Method, RequestURI: req.Recipient.String(), ChallengeKind: kind}
	if h := req.GetHeader(authHeaderNameFor(kind)); h != nil {
		authReq.AuthHeader = h
	}
	if h := req.GetHeader("Via"); h != nil {
		if via, ok := h.(*sip.ViaHeader); ok {
			authReq.Via = via
		}
	}

	// Tie the authenticator's suspended credential-fetch continuation to
	// the transaction's own lifetime: if tx terminates (client gave up,
	// CANCEL raced the challenge) before the chain resolves, authCtx is
	// cancelled so DigestAuthenticator.Verify's CancelToken is marked
	// cancelled and the eventual callback is dropped rather than racing
	// a transaction that is already gone, grounded on the
	// tx.Done()/ctx.Done() select emiago-sipgox's phone.go uses around
	// its own pending transactions.
	authCtx, cancelAuth := context.WithCancel(context.Background())
	authDone := make(chan struct{})
	go func() {
		select {
		case <-tx.Done():
			cancelAuth()
		case <-authDone:
		}
	}()

	p.auth.Authenticate(authCtx, authReq, func(d auth.Decision) {
		close(authDone)
		if d.Status != auth.Pass {
			p.respondAuthFailure(req, tx, d)
			return
		}
		if p.b2buaApp && req.Method == sip.INVITE {
			p.handleB2BUAInvite(req, tx)
			return
		}
		p.router.Route(context.Background(), req, func(code int, reason string) {
			_ = tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil))
		})
	})
}

// handleB2BUAInvite implements spec.md §2's "may, by policy, be routed
// into C7" branch: the mediator asks the application for a callee and
// places an independent leg-B, coupling it to the inbound leg-A.
func (p *requestPipeline) handleB2BUAInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	_, rejectReason, ok := p.mediator.OnIncomingInvite(context.Background(), callID)
	if !ok {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusServiceUnavailable, rejectReason, nil))
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
}

// handleNotify covers both NOTIFY paths the mediator bridges: an
// out-of-dialog "message-summary" NOTIFY is a leg-B MWI update that
// gets re-authored and re-emitted to the subscriber leg-A expects
// (Mediator.OnMWINotify, grounded on onMessageWaitingIndicationChanged);
// any other NOTIFY is assumed to answer a SUBSCRIBE the mediator
// forwarded earlier and is routed back via the recorded EventMapping
// (Mediator.OnNotifyReceived, grounded on onNotifyReceived).
func (p *requestPipeline) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	event := ""
	if h := req.GetHeader("Event"); h != nil {
		event = h.Value()
	}
	if p.mediator != nil {
		if event == "message-summary" {
			if err := p.mediator.OnMWINotify(context.Background(), callIDOf(req), string(req.Body())); err != nil {
				p.log.WithError(err).Warn("b2bua: mwi notify re-authoring failed")
			}
		} else {
			p.mediator.OnNotifyReceived(req.Recipient.String(), event, func(peerCallID string, _ bool) {
				p.log.WithField("peer_call_id", peerCallID).Debug("b2bua: forwarded notify matched pending subscription")
			})
		}
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
}

func callIDOf(req *sip.Request) string {
	if h := req.GetHeader("Call-ID"); h != nil {
		return h.Value()
	}
	return ""
}

func (p *requestPipeline) respondAuthFailure(req *sip.Request, tx sip.ServerTransaction, d auth.Decision) {
	res := sip.NewResponseFromRequest(req, d.StatusCode, d.Reason, nil)
	header := d.ChallengeHeader
	if header == "" {
		header = "WWW-Authenticate"
	}
	for _, ch := range d.Challenges {
		res.AppendHeader(sip.NewHeader(header, ch))
	}
	if err := tx.Respond(res); err != nil {
		p.log.WithError(err).Warn("failed to send auth response")
	}
}

// challengeKindFor implements flexisip-auth-module.hh's UAS/proxy
// challenger split: REGISTER is always challenged as a UAS
// (401/WWW-Authenticate, since there is no next hop to proxy toward);
// every other method this core authenticates is challenged as a proxy
// (407/Proxy-Authenticate), per spec.md §4.2 step 1.
func challengeKindFor(method sip.RequestMethod) string {
	if method == sip.REGISTER {
		return "WWW-Authenticate"
	}
	return "Proxy-Authenticate"
}

// authHeaderNameFor is the credential header paired with the challenge
// kind above: Authorization answers a WWW-Authenticate challenge,
// Proxy-Authorization answers a Proxy-Authenticate challenge.
func authHeaderNameFor(kind string) string {
	if kind == "Proxy-Authenticate" {
		return "Proxy-Authorization"
	}
	return "Authorization"
}

// buildFallbackFilter compiles the narrow `request.method == '<METHOD>'`
// / `request.method != '<METHOD>'` grammar spec.md §6's
// fallback-route-filter actually exercises (see module-router-tester.cc's
// fallbackRouteFilter test); any other expression is rejected rather than
// silently never matching, since the full boolean expression language
// itself is out of scope (spec.md §1).
func buildFallbackFilter(expr string, log *logrus.Entry) router.FallbackFilter {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	for _, op := range []string{"==", "!="} {
		prefix := "request.method " + op + " '"
		if !strings.HasPrefix(expr, prefix) || !strings.HasSuffix(expr, "'") {
			continue
		}
		method := sip.RequestMethod(expr[len(prefix) : len(expr)-1])
		negate := op == "!="
		return func(req *sip.Request) bool {
			return (req.Method == method) != negate
		}
	}
	log.WithField("expr", expr).Warn("router: unsupported fallback-route-filter expression, ignoring")
	return nil
}

func buildRegistrar(redisClient *redis.Client, m *metrics.Registry, log *logrus.Entry) *registrar.Index {
	var store registrar.Store
	if redisClient != nil {
		store = registrar.NewRedisStore(redisClient)
	}
	return registrar.New(store, m, log.WithField("component", "registrar"))
}

func buildAuthModule(cfg *config.Config, nonceStore *nonce.Store, loop *runtime.Loop, m *metrics.Registry, log *logrus.Entry) *auth.Module {
	var trusted *auth.TrustedHostAuthenticator
	if len(cfg.Auth.TrustedHosts) > 0 {
		ips := make([]net.IP, 0, len(cfg.Auth.TrustedHosts))
		for _, h := range cfg.Auth.TrustedHosts {
			if ip := net.ParseIP(h); ip != nil {
				ips = append(ips, ip)
			}
		}
		trusted = auth.NewTrustedHostAuthenticator(ips)
	}

	backend := authdb.NewMemoryBackend()
	algorithms := algorithmsFromConfig(cfg.Auth.Algorithms)
	digestAuth := auth.NewDigestAuthenticator(cfg.Auth.Realm, nonceStore, backend, loop, cfg.Auth.QopAuth, algorithms, log.WithField("component", "auth"))

	return auth.NewModule(cfg.Auth.Realm, trusted, digestAuth, m, log.WithField("component", "auth"))
}

func algorithmsFromConfig(names []string) []authdb.Algorithm {
	if len(names) == 0 {
		return nil
	}
	out := make([]authdb.Algorithm, 0, len(names))
	for _, n := range names {
		out = append(out, authdb.Algorithm(n))
	}
	return out
}

// resolveAORFromRequest extracts the registrar AOR from a request's
// Request-URI; the message parser itself is out of scope (spec.md §1),
// so this only reads the already-parsed sip.Uri.
func resolveAORFromRequest(req *sip.Request) registrar.AOR {
	return registrar.AOR{Scheme: req.Recipient.Scheme, User: req.Recipient.User, Host: req.Recipient.Host}
}

// trenscrypterApp is the default Application: it accepts every
// incoming call and forwards to the original Request-URI unchanged,
// matching trenscrypter's identity behaviour when no encryption
// mismatch requires rewriting.
type trenscrypterApp struct {
	mwiServerURI string
}

func (a *trenscrypterApp) OnCallCreate(_ context.Context, incomingCallID string) (string, string) {
	return incomingCallID, ""
}

func (a *trenscrypterApp) OnSubscribe(_ context.Context, event string, _ *b2bua.Leg) (string, bool) {
	if event == "message-summary" && a.mwiServerURI != "" {
		return a.mwiServerURI, true
	}
	return "", false
}

// OnNotifyDestination maps an out-of-dialog MWI NOTIFY received on a
// leg-B back to the configured MWI server's address: trenscrypter keeps
// a single fixed subscriber URI rather than per-account mapping, unlike
// sip-bridge's account-pool-driven mapping.
func (a *trenscrypterApp) OnNotifyDestination(_ context.Context, _ string) (string, bool) {
	if a.mwiServerURI == "" {
		return "", false
	}
	return a.mwiServerURI, true
}

func buildMediator(cfg *config.Config, client *sipgo.Client, contact sip.ContactHeader, m *metrics.Registry, log *logrus.Entry) *b2bua.Mediator {
	app := &trenscrypterApp{mwiServerURI: cfg.Pool.MWIServerURI}
	core := &sipCoreOutbound{client: client, contact: contact, log: log.WithField("component", "b2bua-outbound")}
	return b2bua.New(app, core, m, log.WithField("component", "b2bua"))
}

// sipCoreOutbound is C7's OutboundCore: it issues leg-B's INVITE,
// SUBSCRIBE, REFER and out-of-dialog NOTIFY the same way
// transport.SipDispatcher issues fork branches and sipCoreRegistrar
// issues REGISTERs -- a client.TransactionRequest fire-and-drain, since
// leg-B's own dialog/media handling lives in the B2BUA application, not
// in this transport collaborator (spec.md §1 Non-goals).
type sipCoreOutbound struct {
	client  *sipgo.Client
	contact sip.ContactHeader
	log     *logrus.Entry
}

func (o *sipCoreOutbound) PlaceCall(ctx context.Context, callee string, b2buaMarker bool) (string, error) {
	uri, err := parseAccountURI(callee)
	if err != nil {
		return "", err
	}
	callID := uuid.NewString()
	req := sip.NewRequest(sip.INVITE, uri)
	req.AppendHeader(&o.contact)
	req.AppendHeader(sip.NewHeader("Call-ID", callID))
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	if b2buaMarker {
		req.AppendHeader(sip.NewHeader("X-B2BUA", "ignore"))
	}
	if err := o.fireAndDrain(ctx, req, "callee", callee); err != nil {
		return "", err
	}
	return callID, nil
}

func (o *sipCoreOutbound) Subscribe(ctx context.Context, target, event string) error {
	uri, err := parseAccountURI(target)
	if err != nil {
		return err
	}
	req := sip.NewRequest(sip.SUBSCRIBE, uri)
	req.AppendHeader(&o.contact)
	req.AppendHeader(sip.NewHeader("Event", event))
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	return o.fireAndDrain(ctx, req, "target", target)
}

func (o *sipCoreOutbound) TransferTo(ctx context.Context, legCallID, referTo string) error {
	uri, err := parseAccountURI(referTo)
	if err != nil {
		return err
	}
	req := sip.NewRequest(sip.REFER, uri)
	req.AppendHeader(&o.contact)
	req.AppendHeader(sip.NewHeader("Refer-To", referTo))
	req.AppendHeader(sip.NewHeader("Call-ID", legCallID))
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	return o.fireAndDrain(ctx, req, "referTo", referTo)
}

func (o *sipCoreOutbound) Notify(ctx context.Context, target, event, body string) error {
	uri, err := parseAccountURI(target)
	if err != nil {
		return err
	}
	req := sip.NewRequest(sip.NOTIFY, uri)
	req.AppendHeader(&o.contact)
	req.AppendHeader(sip.NewHeader("Event", event))
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	req.SetBody([]byte(body))
	return o.fireAndDrain(ctx, req, "target", target)
}

func (o *sipCoreOutbound) fireAndDrain(ctx context.Context, req *sip.Request, logField, logValue string) error {
	tx, err := o.client.TransactionRequest(ctx, req)
	if err != nil {
		o.log.WithError(err).WithField(logField, logValue).Warn("b2bua: outbound request failed")
		return err
	}
	go func() {
		for range tx.Responses() {
		}
	}()
	return nil
}

// fileLoader is the default accounts.Loader: spec.md §1 puts the
// concrete loader (file, database, external service) out of scope, so
// this returns an empty pool until a real Loader is wired in for a
// given deployment's account source.
type fileLoader struct{}

func (fileLoader) LoadAll(context.Context) ([]*accounts.Account, error) { return nil, nil }
func (fileLoader) LoadOne(context.Context, string) (*accounts.Account, error) {
	return nil, nil
}

// sipCoreRegistrar is the B2BUA's own REGISTER sender for pool
// accounts: it sends a REGISTER (Expires 3600, or 0 to unregister)
// through the sipgo client and drains the responses without
// inspecting them.
type sipCoreRegistrar struct {
	client *sipgo.Client
	log    *logrus.Entry
}

func (r sipCoreRegistrar) Register(ctx context.Context, a *accounts.Account) error {
	return r.sendRegister(ctx, a, 3600)
}

func (r sipCoreRegistrar) Unregister(ctx context.Context, a *accounts.Account) error {
	return r.sendRegister(ctx, a, 0)
}

func (r sipCoreRegistrar) sendRegister(ctx context.Context, a *accounts.Account, expireSeconds int) error {
	uri, err := parseAccountURI(a.URI)
	if err != nil {
		return err
	}
	req := sip.NewRequest(sip.REGISTER, uri)
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expireSeconds)))
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))

	tx, err := r.client.TransactionRequest(ctx, req)
	if err != nil {
		r.log.WithError(err).WithField("uri", a.URI).Warn("accounts: register failed")
		return err
	}
	go func() {
		for range tx.Responses() {
		}
	}()
	return nil
}

func parseAccountURI(raw string) (sip.Uri, error) {
	rest := strings.TrimPrefix(raw, "sips:")
	rest = strings.TrimPrefix(rest, "sip:")
	user, host := rest, ""
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		user, host = rest[:i], rest[i+1:]
	}
	if host == "" {
		return sip.Uri{}, fmt.Errorf("accounts: invalid account uri %q", raw)
	}
	return sip.Uri{Scheme: "sip", User: user, Host: host}, nil
}

func buildAccountPool(cfg *config.Config, redisClient *redis.Client, client *sipgo.Client, m *metrics.Registry, log *logrus.Entry) *accounts.Pool {
	var ps accounts.PubSub
	if redisClient != nil {
		ps = accounts.NewRedisPubSub(redisClient)
	}
	throttle := time.Duration(cfg.Pool.RegistrationThrottlingRateMs) * time.Millisecond
	return accounts.New(fileLoader{}, sipCoreRegistrar{client: client, log: log.WithField("component", "accounts")}, ps, accounts.Config{
		RegistrationThrottle:       throttle,
		UnregisterOnServerShutdown: cfg.Pool.UnregisterOnServerShutdown,
	}, m, log.WithField("component", "accounts"))
}

// startHousekeeping schedules the periodic nonce and registrar sweeps
// spec.md §4.1 and §5 call for, via a cron job the way voiceip-siprec
// schedules its own housekeeping rather than a bare time.Ticker.
func startHousekeeping(ctx context.Context, nonceStore *nonce.Store, regIndex *registrar.Index, log *logrus.Entry) {
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc("*/30 * * * * *", func() {
		removed := nonceStore.Sweep()
		expired := regIndex.Sweep(time.Now())
		log.WithFields(logrus.Fields{"nonces_removed": removed, "bindings_expired": expired}).Debug("housekeeping sweep")
	})
	if err != nil {
		log.WithError(err).Fatal("failed to schedule housekeeping")
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
}

func serveMetrics(addr string, log *logrus.Entry) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Warn("metrics server stopped")
	}
}

func waitForShutdown(ctx context.Context, cancel context.CancelFunc, pool *accounts.Pool, unregisterOnShutdown bool, log *logrus.Entry) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.WithField("signal", sig).Info("shutting down")

	if pool != nil && unregisterOnShutdown {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		pool.UnregisterAll(shutdownCtx)
		shutdownCancel()
	}
	cancel()
}
