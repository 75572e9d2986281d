// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sipstack

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/emiago/softphone"
	"github.com/google/uuid"
	"github.com/icholy/digest"
	"github.com/stretchr/testify/require"
)

// testServingStack is loopback stack with listener ready. Lines must be created after it serves.
func testServingStack(t *testing.T, opts ...Option) *Stack {
	opts = append([]Option{WithMediaIP(net.IPv4(127, 0, 0, 1)), WithBindAddr("127.0.0.1", 0)}, opts...)
	s, err := New(opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		s.Close()
		cancel()
	})
	require.NoError(t, s.ServeBackground(ctx))
	return s
}

// testPeerLine creates line on s whose domain is peer stack. Calls go directly to peer.
func testPeerLine(t *testing.T, s *Stack, user string, peer *Stack, srtp softphone.SRTPMode) *phoneLine {
	acc := softphone.Account{
		UserName:         user,
		AuthenticationID: user,
		Password:         "secret",
		DomainHost:       "127.0.0.1",
		DomainPort:       peer.listenPort(softphone.TransportUDP),
	}
	h, err := s.CreatePhoneLine(acc, softphone.TransportUDP, srtp)
	require.NoError(t, err)
	return h.(*phoneLine)
}

func watchCall(c softphone.CallHandle) <-chan softphone.CallEvent {
	ch := make(chan softphone.CallEvent, 16)
	c.OnStateChanged(func(ev softphone.CallEvent) {
		ch <- ev
	})
	return ch
}

// waitCallState reads events until state is seen
func waitCallState(t *testing.T, ch <-chan softphone.CallEvent, state softphone.CallState) softphone.CallEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.State == state {
				return ev
			}
			if ev.State.IsTerminal() {
				t.Fatalf("call ended with %s (%s) while waiting %s", ev.State, ev.Reason, state)
			}
		case <-timeout:
			t.Fatalf("call state %s not reached", state)
		}
	}
}

type inboundCall struct {
	call   softphone.CallHandle
	events <-chan softphone.CallEvent
}

func incomingCalls(l *phoneLine) <-chan inboundCall {
	ch := make(chan inboundCall, 4)
	l.OnIncomingCall(func(c softphone.CallHandle) {
		ch <- inboundCall{call: c, events: watchCall(c)}
	})
	return ch
}

func nextIncoming(t *testing.T, ch <-chan inboundCall) inboundCall {
	t.Helper()
	select {
	case in := <-ch:
		return in
	case <-time.After(5 * time.Second):
		t.Fatal("incoming call not received")
	}
	return inboundCall{}
}

func dial(t *testing.T, l *phoneLine, address string) (softphone.CallHandle, <-chan softphone.CallEvent) {
	t.Helper()
	c, err := l.stack.CreateCall(l, address)
	require.NoError(t, err)
	events := watchCall(c)
	require.NoError(t, c.Start())
	return c, events
}

// testRegistrar is loopback SIP registrar challenging REGISTER with digest auth
type testRegistrar struct {
	port     int
	password string

	mu       sync.Mutex
	nonces   map[string]*digest.Challenge
	accepted []string
	users    []string
}

func newTestRegistrar(t *testing.T, password string) *testRegistrar {
	ua, err := sipgo.NewUA()
	require.NoError(t, err)
	srv, err := sipgo.NewServer(ua)
	require.NoError(t, err)

	r := &testRegistrar{
		password: password,
		nonces:   make(map[string]*digest.Challenge),
	}
	srv.OnRegister(func(req *sip.Request, tx sip.ServerTransaction) {
		tx.Respond(r.authorize(req))
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ua.Close()
	})
	ready := make(chan int, 1)
	ctx = context.WithValue(ctx, sipgo.ListenReadyCtxKey, sipgo.ListenReadyFuncCtxValue(func(network, addr string) {
		_, port, _ := sip.ParseAddr(addr)
		ready <- port
	}))
	go srv.ListenAndServe(ctx, "udp", "127.0.0.1:0")

	select {
	case r.port = <-ready:
	case <-time.After(3 * time.Second):
		t.Fatal("registrar not listening")
	}
	return r
}

func (r *testRegistrar) authorize(req *sip.Request) *sip.Response {
	h := req.GetHeader("Authorization")
	if h == nil {
		chal := &digest.Challenge{
			Realm:     "softphone",
			Nonce:     uuid.NewString(),
			Algorithm: "MD5",
		}
		r.mu.Lock()
		r.nonces[chal.Nonce] = chal
		r.mu.Unlock()

		res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
		res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))
		return res
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		return sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil)
	}
	r.mu.Lock()
	chal, ok := r.nonces[cred.Nonce]
	r.mu.Unlock()
	if !ok {
		return sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
	}

	expected, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      cred.URI,
		Username: cred.Username,
		Password: r.password,
	})
	if err != nil || expected.Response != cred.Response {
		return sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
	}

	expires := ""
	if eh := req.GetHeader("Expires"); eh != nil {
		expires = eh.Value()
	}
	r.mu.Lock()
	r.accepted = append(r.accepted, expires)
	r.users = append(r.users, cred.Username)
	r.mu.Unlock()
	return sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
}

// acceptedExpires returns Expires of every authorized REGISTER
func (r *testRegistrar) acceptedExpires() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.accepted...)
}

func (r *testRegistrar) authorizedUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.users...)
}
