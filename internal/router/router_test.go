package router

import (
	"context"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hharng/flexisip/internal/fork"
	"github.com/hharng/flexisip/internal/registrar"
)

type recordingDispatcher struct {
	order []string
}

func (d *recordingDispatcher) Send(_ context.Context, target fork.Target, onResponse func(code int, reason string), _ func(err error)) func(reason fork.CancellationStatus) {
	d.order = append(d.order, target.Contact)
	go onResponse(200, "OK")
	return func(fork.CancellationStatus) {}
}

func testRouter(t *testing.T, cfg Config, d *recordingDispatcher) (*Router, *registrar.Index) {
	t.Helper()
	reg := registrar.New(nil, nil, logrus.NewEntry(logrus.New()))
	resolver := func(req *sip.Request) registrar.AOR {
		return registrar.AOR{Scheme: "sip", User: req.Recipient.User, Host: req.Recipient.Host}
	}
	return New(cfg, reg, resolver, d, nil, logrus.NewEntry(logrus.New())), reg
}

func TestStaticTargetsPrecedeRegistrarContacts(t *testing.T) {
	d := &recordingDispatcher{}
	r, reg := testRouter(t, Config{StaticTargets: []string{"sip:s1@h", "sip:s2@h"}}, d)

	_, err := reg.Bind(context.Background(), registrar.AOR{Scheme: "sip", User: "callee", Host: "h"}, []registrar.Binding{
		{InstanceID: "dev1", Contact: "sip:callee@h2", Expiry: time.Now().Add(time.Hour)},
	}, time.Now())
	require.NoError(t, err)

	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "callee", Host: "h"})
	r.Route(context.Background(), req, func(int, string) {})

	assert.Equal(t, []string{"sip:s1@h", "sip:s2@h", "sip:callee@h2"}, d.order)
}

func TestXTargetUrisOverridesAOR(t *testing.T) {
	d := &recordingDispatcher{}
	r, reg := testRouter(t, Config{StaticTargets: []string{"sip:s1@h", "sip:s2@h"}}, d)

	_, err := reg.Bind(context.Background(), registrar.AOR{Scheme: "sip", User: "callee", Host: "h"}, []registrar.Binding{
		{InstanceID: "dev1", Contact: "sip:callee@h2", Expiry: time.Now().Add(time.Hour)},
	}, time.Now())
	require.NoError(t, err)

	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "callee", Host: "h"})
	req.AppendHeader(sip.NewHeader("X-Target-Uris", "<sip:x1@h>, <sip:x2@h>"))
	r.Route(context.Background(), req, func(int, string) {})

	assert.Equal(t, []string{"sip:s1@h", "sip:s2@h", "sip:x1@h", "sip:x2@h"}, d.order)
}

func TestEmptyTargetSetYields404(t *testing.T) {
	d := &recordingDispatcher{}
	r, _ := testRouter(t, Config{}, d)

	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "nobody", Host: "h"})
	var code int
	r.Route(context.Background(), req, func(c int, _ string) { code = c })

	assert.Equal(t, 404, code)
}

func TestSelfRouteStrippedForeignPreserved(t *testing.T) {
	self := sip.Uri{Scheme: "sip", Host: "proxy.example.com"}
	req := sip.NewRequest(sip.MESSAGE, sip.Uri{Scheme: "sip", User: "bob", Host: "h"})
	req.AppendHeader(&sip.RouteHeader{Address: self})
	req.AppendHeader(&sip.RouteHeader{Address: sip.Uri{Scheme: "sip", Host: "elsewhere.example.com"}})

	stripSelfRoute(req, self)

	remaining := req.GetHeaders("Route")
	require.Len(t, remaining, 1)
	rr := remaining[0].(*sip.RouteHeader)
	assert.Equal(t, "elsewhere.example.com", rr.Address.Host)
}
