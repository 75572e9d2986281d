// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sipstack

import (
	"net"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/emiago/softphone"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStack(t *testing.T) *Stack {
	s, err := New(WithMediaIP(net.IPv4(127, 0, 0, 1)), WithBindAddr("127.0.0.1", 0))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testLine(t *testing.T, s *Stack, acc softphone.Account) *phoneLine {
	h, err := s.CreatePhoneLine(acc, softphone.TransportUDP, softphone.SRTPOff)
	require.NoError(t, err)
	return h.(*phoneLine)
}

func TestPhoneLineRecipientURI(t *testing.T) {
	s := testStack(t)
	l := testLine(t, s, softphone.Account{UserName: "alice", AuthenticationID: "alice", Password: "secret", DomainHost: "pbx.example.com", DomainPort: 5060})

	for _, tc := range []struct {
		address string
		user    string
		host    string
		port    int
	}{
		{"1001", "1001", "pbx.example.com", 5060},
		{"bob@other.example.com", "bob", "other.example.com", 0},
		{"sip:carol@10.0.0.1:5070", "carol", "10.0.0.1", 5070},
	} {
		uri, err := l.recipientURI(tc.address)
		require.NoError(t, err, tc.address)
		assert.Equal(t, tc.user, uri.User)
		assert.Equal(t, tc.host, uri.Host)
		assert.Equal(t, tc.port, uri.Port)
	}

	_, err := l.recipientURI("  ")
	assert.Error(t, err)
}

func TestPhoneLineTLSRequiresConfig(t *testing.T) {
	s := testStack(t)
	_, err := s.CreatePhoneLine(softphone.Account{AuthenticationID: "alice", DomainHost: "pbx.example.com"}, softphone.TransportTLS, softphone.SRTPOff)
	assert.Error(t, err)
}

func TestPhoneLineRegistrationNotRequired(t *testing.T) {
	s := testStack(t)
	l := testLine(t, s, softphone.Account{UserName: "alice", AuthenticationID: "alice", Password: "secret", DomainHost: "127.0.0.1", DomainPort: 5060})

	events := make(chan softphone.RegistrationEvent, 10)
	l.OnRegistrationStateChanged(func(ev softphone.RegistrationEvent) {
		events <- ev
	})

	require.NoError(t, s.RegisterPhoneLine(l))
	assert.Equal(t, softphone.RegStateRegistering, nextRegEvent(t, events).State)
	ev := nextRegEvent(t, events)
	assert.Equal(t, softphone.RegStateSucceeded, ev.State)
	assert.Equal(t, "registration not required", ev.Reason)

	require.NoError(t, l.Close())
	assert.Equal(t, softphone.RegStateNotRegistered, nextRegEvent(t, events).State)
	require.NoError(t, l.Close())

	_, err := s.lineOf(l)
	assert.Error(t, err, "closed line is removed from stack")
	assert.ErrorIs(t, l.register(), errLineClosed)
}

func TestRegistrationErrorFromResponse(t *testing.T) {
	req := sip.NewRequest(sip.REGISTER, sip.Uri{Host: "pbx.example.com"})
	res := sip.NewResponse(sip.StatusForbidden, "Forbidden")

	rerr := registrationError(&RegisterResponseError{RegisterReq: req, RegisterRes: res, Msg: "Forbidden"})
	assert.Equal(t, sip.StatusForbidden, rerr.StatusCode)
	assert.Equal(t, "Forbidden", rerr.Msg)

	rerr = registrationError(assert.AnError)
	assert.Zero(t, rerr.StatusCode)
	assert.Equal(t, assert.AnError.Error(), rerr.Msg)
}

func nextRegEvent(t *testing.T, ch <-chan softphone.RegistrationEvent) softphone.RegistrationEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("registration event not received")
	}
	return softphone.RegistrationEvent{}
}
