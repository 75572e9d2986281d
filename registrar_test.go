// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type regRecorder struct {
	mu     sync.Mutex
	events []RegistrationStateChange
}

func (r *regRecorder) record(ev RegistrationStateChange) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *regRecorder) states() []LineState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LineState, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.State)
	}
	return out
}

func (r *regRecorder) last() RegistrationStateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func testRegistrar(t *testing.T) (*fakeStack, *EventDispatcher, *PhoneLineRegistrar, *regRecorder) {
	stack := newFakeStack()
	d := NewEventDispatcher()
	t.Cleanup(d.Close)
	r := NewPhoneLineRegistrar(stack, d)
	rec := &regRecorder{}
	r.OnRegistrationStateChanged(rec.record)
	return stack, d, r, rec
}

func TestRegistrarValidation(t *testing.T) {
	stack, _, r, _ := testRegistrar(t)

	for name, mod := range map[string]func(a *Account){
		"NoAuthID":   func(a *Account) { a.AuthenticationID = "" },
		"NoPassword": func(a *Account) { a.Password = "" },
		"NoDomain":   func(a *Account) { a.DomainHost = " " },
		"BadDomain":  func(a *Account) { a.DomainHost = "user@host" },
		"ZeroPort":   func(a *Account) { a.DomainPort = 0 },
		"HighPort":   func(a *Account) { a.DomainPort = 70000 },
	} {
		t.Run(name, func(t *testing.T) {
			acc := testAccount()
			mod(&acc)
			_, err := r.Register(acc, TransportUDP, SRTPOff)
			var cerr *ConfigurationError
			require.ErrorAs(t, err, &cerr)
		})
	}

	_, err := r.Register(testAccount(), TransportMode(7), SRTPOff)
	require.Error(t, err)

	assert.Equal(t, 0, stack.lineCount(), "no network attempt on invalid input")
	assert.Nil(t, r.Line())
}

func TestRegistrarSucceeded(t *testing.T) {
	stack, d, r, rec := testRegistrar(t)

	acc := testAccount()
	line, err := r.Register(acc, TransportUDP, SRTPOff)
	require.NoError(t, err)
	assert.Equal(t, LineRegistering, line.State())
	assert.Equal(t, "1000", line.Account().UserName, "user name defaults to authentication id")

	stack.line(0).emit(RegStateSucceeded, "200 OK")
	d.Wait()

	assert.Equal(t, LineRegistered, line.State())
	assert.Equal(t, []LineState{LineRegistering, LineRegistered}, rec.states())
	assert.Equal(t, "200 OK", rec.last().Reason)
	assert.Equal(t, 1, stack.registerCount())
}

func TestRegistrarFailedNoRetry(t *testing.T) {
	stack, d, r, rec := testRegistrar(t)

	line, err := r.Register(testAccount(), TransportTLS, SRTPForce)
	require.NoError(t, err)

	stack.line(0).emitEvent(RegistrationEvent{
		State:  RegStateError,
		Reason: "403 Forbidden",
		Err:    &RegistrationError{StatusCode: 403, Msg: "Forbidden"},
	})
	d.Wait()

	assert.Equal(t, LineFailed, line.State())
	last := rec.last()
	assert.Equal(t, LineFailed, last.State)
	var rerr *RegistrationError
	require.ErrorAs(t, last.Err, &rerr)
	assert.Equal(t, 403, rerr.StatusCode)
	assert.Equal(t, 1, stack.registerCount(), "registrar must not retry")

	// Operator retries with corrected credentials
	line2, err := r.Register(testAccount(), TransportTLS, SRTPForce)
	require.NoError(t, err)
	stack.line(1).emit(RegStateSucceeded, "")
	d.Wait()
	assert.Equal(t, LineRegistered, line2.State())
	assert.Equal(t, 1, stack.line(0).closeCount())
	assert.Same(t, line2, r.Line())
}

func TestRegistrarNotRegistered(t *testing.T) {
	stack, d, r, rec := testRegistrar(t)

	line, err := r.Register(testAccount(), TransportUDP, SRTPOff)
	require.NoError(t, err)
	stack.line(0).emit(RegStateNotRegistered, "timeout")
	d.Wait()

	assert.Equal(t, LineIdle, line.State())
	assert.Equal(t, "timeout", line.Reason())
	assert.Equal(t, []LineState{LineRegistering, LineIdle}, rec.states())
}

func TestRegistrarStackRegisterError(t *testing.T) {
	stack, d, r, _ := testRegistrar(t)
	stack.registerErr = errors.New("network unreachable")

	line, err := r.Register(testAccount(), TransportUDP, SRTPOff)
	require.NoError(t, err, "stack failure is reported asynchronously")
	d.Wait()

	assert.Equal(t, LineFailed, line.State())
	assert.ErrorContains(t, line.Err(), "network unreachable")
}

func TestRegistrarIgnoresSpontaneousEvents(t *testing.T) {
	stack, d, r, rec := testRegistrar(t)

	line, err := r.Register(testAccount(), TransportUDP, SRTPOff)
	require.NoError(t, err)
	stack.line(0).emit(RegStateSucceeded, "")
	stack.line(0).emit(RegStateSucceeded, "")
	d.Wait()

	assert.Equal(t, LineRegistered, line.State())
	assert.Equal(t, []LineState{LineRegistering, LineRegistered}, rec.states())
}

func TestRegistrarUnregister(t *testing.T) {
	stack, d, r, _ := testRegistrar(t)

	line, err := r.Register(testAccount(), TransportUDP, SRTPOff)
	require.NoError(t, err)
	stack.line(0).emit(RegStateSucceeded, "")
	d.Wait()

	require.NoError(t, r.Unregister())
	d.Wait()
	assert.Equal(t, LineIdle, line.State())
}

func TestRegistrarObserverUnsubscribe(t *testing.T) {
	stack, d, r, _ := testRegistrar(t)

	n := 0
	unsub := r.OnRegistrationStateChanged(func(ev RegistrationStateChange) {
		n++
	})
	_, err := r.Register(testAccount(), TransportUDP, SRTPOff)
	require.NoError(t, err)
	d.Wait()
	unsub()
	unsub()

	stack.line(0).emit(RegStateSucceeded, "")
	d.Wait()
	assert.Equal(t, 1, n)
}

func TestRegistrarReplacedLineEventsDropped(t *testing.T) {
	stack, d, r, rec := testRegistrar(t)

	line1, err := r.Register(testAccount(), TransportUDP, SRTPOff)
	require.NoError(t, err)
	d.Wait()

	// NotRegistered of first line is still queued when line is replaced
	release := make(chan struct{})
	require.NoError(t, d.Dispatch(registrationKey(line1.ID()), func() error {
		<-release
		return nil
	}))
	stack.line(0).emit(RegStateNotRegistered, "timeout")

	line2, err := r.Register(testAccount(), TransportUDP, SRTPOff)
	require.NoError(t, err)
	close(release)
	d.Wait()

	assert.Equal(t, LineIdle, line1.State())
	assert.Equal(t, LineRegistering, line2.State())
	assert.Equal(t, []LineState{LineRegistering, LineRegistering}, rec.states())
	assert.Same(t, line2, rec.last().Line)
}

func TestRegistrarBusyRejectFailureLogged(t *testing.T) {
	stack, d, r, _ := testRegistrar(t)
	buf := &bytes.Buffer{}
	r.log = zerolog.New(zerolog.SyncWriter(buf))

	line1, err := r.Register(testAccount(), TransportUDP, SRTPOff)
	require.NoError(t, err)
	d.Wait()

	release := make(chan struct{})
	require.NoError(t, d.Dispatch(callKey(line1.ID()), func() error {
		<-release
		return nil
	}))
	fc := stack.line(0).ring("sip:bob@example.com")
	fc.mu.Lock()
	fc.busyErr = errors.New("transaction terminated")
	fc.mu.Unlock()

	_, err = r.Register(testAccount(), TransportUDP, SRTPOff)
	require.NoError(t, err)
	close(release)
	d.Wait()

	_, _, busy, _ := fc.counts()
	assert.Equal(t, 1, busy, "call of replaced line is rejected")
	assert.Contains(t, buf.String(), "Failed to reject call as busy")
	assert.Contains(t, buf.String(), "transaction terminated")
}
