// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/emiago/softphone/internal/observer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// mediaBinder is part of MediaPipeline driven by call state
type mediaBinder interface {
	Attach(callID string, m CallMedia) error
	Detach() error
	StartDevices() error
	StopDevices() error
}

// CallSessionController keeps at most one active call on phone line
// and binds media pipeline to it.
type CallSessionController struct {
	log        zerolog.Logger
	stack      Stack
	registrar  *PhoneLineRegistrar
	dispatcher *EventDispatcher
	media      mediaBinder
	metrics    *Metrics

	observers observer.Set[func(CallStateChange)]
	incoming  observer.Set[func(*Call)]

	// mu guards active call and serializes state handling with commands
	mu     sync.Mutex
	active *Call
}

func NewCallSessionController(stack Stack, registrar *PhoneLineRegistrar, dispatcher *EventDispatcher, media mediaBinder) *CallSessionController {
	c := &CallSessionController{
		log:        log.With().Str("caller", "calls").Logger(),
		stack:      stack,
		registrar:  registrar,
		dispatcher: dispatcher,
		media:      media,
	}
	registrar.incoming = c.onIncoming
	return c
}

// OnCallStateChanged adds observer. Returned function removes it.
func (c *CallSessionController) OnCallStateChanged(f func(ev CallStateChange)) func() {
	return c.observers.Add(f)
}

// OnIncomingCall adds observer raised for accepted inbound ring. Call is in Ringing state.
func (c *CallSessionController) OnIncomingCall(f func(call *Call)) func() {
	return c.incoming.Add(f)
}

// ActiveCall returns current call or nil
func (c *CallSessionController) ActiveCall() *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// StartCall dials address on registered line. Progress is reported through call observers.
func (c *CallSessionController) StartCall(address string) (*Call, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, &ConfigurationError{Field: "address", Msg: "empty destination"}
	}

	line := c.registrar.Line()
	if line == nil {
		return nil, &StateError{Op: "start call", State: string(LineIdle), Err: ErrLineNotRegistered}
	}
	if st := line.State(); st != LineRegistered {
		return nil, &StateError{Op: "start call", State: string(st), Err: ErrLineNotRegistered}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return nil, &StateError{Op: "start call", State: string(c.active.State()), Err: ErrCallActive}
	}

	handle, err := c.stack.CreateCall(line.handle, address)
	if err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}

	call := newCall(handle, line)
	if _, err := call.event(callEventRing); err != nil {
		return nil, err
	}
	c.active = call
	c.metrics.callStarted(call.direction)
	c.subscribe(call)
	c.log.Info().Str("call_id", call.id).Str("to", address).Msg("Starting call")

	key := callKey(line.id)
	ringing := CallStateChange{Call: call, State: CallRinging}
	if err := c.dispatcher.Dispatch(key, func() error {
		c.notify(ringing)
		return nil
	}); err != nil {
		c.log.Debug().Err(err).Msg("Ringing notification dropped")
	}

	if err := handle.Start(); err != nil {
		ev := CallEvent{State: CallError, Reason: err.Error(), Err: &CallSetupError{Reason: "start failed", Err: err}}
		if derr := c.dispatcher.Dispatch(key, func() error {
			return c.onCallStateChanged(call, ev)
		}); derr != nil {
			return nil, derr
		}
	}
	return call, nil
}

// AcceptCall answers inbound ringing call
func (c *CallSessionController) AcceptCall() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := c.active
	if call == nil {
		return &StateError{Op: "accept call", Err: ErrNoCall}
	}
	if !call.IsInbound() || !call.Is(CallRinging) {
		return &StateError{Op: "accept call", State: fmt.Sprintf("%s(%s)", call.State(), call.direction)}
	}
	if !call.requestAccept() {
		return &StateError{Op: "accept call", State: "accept pending"}
	}
	c.log.Info().Str("call_id", call.id).Str("from", call.remote).Msg("Accepting call")
	if err := call.handle.Accept(); err != nil {
		call.clearAccept()
		return fmt.Errorf("accept call %s: %w", call.id, err)
	}
	return nil
}

// HangUp requests termination of active call. Calling it without call or
// more than once is no-op. Call is Ended once stack confirms.
func (c *CallSessionController) HangUp() error {
	call := c.ActiveCall()
	if call == nil || call.IsTerminal() {
		return nil
	}
	if !call.requestHangup() {
		return nil
	}

	c.log.Info().Str("call_id", call.id).Str("state", string(call.State())).Msg("Hanging up")
	if err := call.handle.HangUp(); err != nil {
		// Stack will not confirm, end it locally
		c.log.Warn().Err(err).Str("call_id", call.id).Msg("Hangup failed")
		ev := CallEvent{State: CallEnded, Reason: "hangup failed: " + err.Error()}
		return c.dispatcher.Dispatch(callKey(call.line.id), func() error {
			return c.onCallStateChanged(call, ev)
		})
	}
	return nil
}

// exclusive runs f while no call is active. Used for codec mutation.
func (c *CallSessionController) exclusive(op string, f func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return &StateError{Op: op, State: string(c.active.State()), Err: ErrCallActive}
	}
	return f()
}

func (c *CallSessionController) subscribe(call *Call) {
	key := callKey(call.line.id)
	call.setUnsubscribe(call.handle.OnStateChanged(func(ev CallEvent) {
		if err := c.dispatcher.Dispatch(key, func() error {
			return c.onCallStateChanged(call, ev)
		}); err != nil {
			c.log.Debug().Err(err).Str("call_id", call.id).Msg("Call event dropped")
		}
	}))
}

// onIncoming runs in line call task
func (c *CallSessionController) onIncoming(line *PhoneLine, handle CallHandle) error {
	c.mu.Lock()
	if active := c.active; active != nil {
		c.mu.Unlock()
		c.metrics.busy()
		c.log.Info().Str("call_id", handle.ID()).Str("from", handle.RemoteAddress()).Str("active_call", active.id).Msg("Busy, rejecting incoming call")
		if err := handle.Busy(); err != nil {
			return fmt.Errorf("reject incoming call %s: %w", handle.ID(), err)
		}
		return nil
	}

	call := newCall(handle, line)
	if _, err := call.event(callEventRing); err != nil {
		c.mu.Unlock()
		return err
	}
	c.active = call
	c.metrics.callStarted(call.direction)
	c.subscribe(call)
	c.mu.Unlock()

	c.log.Info().Str("call_id", call.id).Str("from", call.remote).Msg("Incoming call")
	for _, h := range c.incoming.Snapshot() {
		c.dispatcher.Guard(callKey(line.id), func() error {
			h(call)
			return nil
		})
	}
	c.notify(CallStateChange{Call: call, State: CallRinging})
	return nil
}

// onCallStateChanged runs in line call task
func (c *CallSessionController) onCallStateChanged(call *Call, ev CallEvent) error {
	change, ok := c.applyCallEvent(call, ev)
	if !ok {
		return nil
	}
	c.notify(change)
	return nil
}

func (c *CallSessionController) applyCallEvent(call *Call, ev CallEvent) (CallStateChange, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if call.IsTerminal() {
		c.log.Debug().Str("call_id", call.id).Str("event", string(ev.State)).Msg("Event of ended call ignored")
		return CallStateChange{}, false
	}

	var name string
	var err error
	switch ev.State {
	case CallRinging:
		name = callEventRing
	case CallAnswered:
		name = callEventAnswer
	case CallInCall:
		name = callEventTalk
	case CallEnded:
		name = callEventEnd
	case CallError:
		name = callEventFail
		if call.Is(CallInCall) {
			// Established call can only end
			name = callEventEnd
		}
		err = setupError(ev)
	default:
		c.log.Warn().Str("call_id", call.id).Str("event", string(ev.State)).Msg("Unknown call event")
		return CallStateChange{}, false
	}

	changed, ferr := call.event(name)
	if ferr != nil {
		c.log.Warn().Err(ferr).Str("call_id", call.id).Str("state", string(call.State())).Str("event", string(ev.State)).Msg("Call event ignored")
		return CallStateChange{}, false
	}

	state := call.State()
	switch state {
	case CallAnswered, CallInCall:
		c.startMediaUnsafe(call)
	case CallEnded, CallError:
		c.endCallUnsafe(call, state)
	}
	if !changed {
		return CallStateChange{}, false
	}

	if state != CallError {
		err = nil
	}
	call.setReason(ev.Reason, err)
	c.log.Info().Str("call_id", call.id).Str("state", string(state)).Str("reason", ev.Reason).Msg("Call state changed")
	return CallStateChange{Call: call, State: state, Reason: ev.Reason, Err: err}, true
}

func (c *CallSessionController) startMediaUnsafe(call *Call) {
	if err := c.media.StartDevices(); err != nil {
		c.log.Warn().Err(err).Str("call_id", call.id).Msg("Media devices degraded")
	}
	if call.Attached() {
		return
	}
	m := call.handle.Media()
	if m == nil {
		c.log.Warn().Str("call_id", call.id).Msg("Call has no media, not attaching")
		return
	}
	if err := c.media.Attach(call.id, m); err != nil {
		c.log.Error().Err(err).Str("call_id", call.id).Msg("Media attach failed")
		return
	}
	call.setAttached()
}

func (c *CallSessionController) endCallUnsafe(call *Call, state CallState) {
	if err := c.media.StopDevices(); err != nil {
		c.log.Warn().Err(err).Str("call_id", call.id).Msg("Stopping media devices failed")
	}
	if call.markDetached() {
		if err := c.media.Detach(); err != nil {
			c.log.Error().Err(err).Str("call_id", call.id).Msg("Media detach failed")
		}
	}
	call.unsubscribeEvents()
	if c.active == call {
		c.active = nil
	}
	c.metrics.callEnded(state)
}

func setupError(ev CallEvent) error {
	var serr *CallSetupError
	if errors.As(ev.Err, &serr) {
		return ev.Err
	}
	return &CallSetupError{Reason: ev.Reason, Err: ev.Err}
}

func (c *CallSessionController) notify(ev CallStateChange) {
	key := callKey(ev.Call.line.id)
	for _, h := range c.observers.Snapshot() {
		c.dispatcher.Guard(key, func() error {
			h(ev)
			return nil
		})
	}
}
