// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

type CallState string

const (
	CallIdle     CallState = "Idle"
	CallRinging  CallState = "Ringing"
	CallAnswered CallState = "Answered"
	CallInCall   CallState = "InCall"
	CallEnded    CallState = "Ended"
	CallError    CallState = "Error"
)

// IsTerminal reports is state in terminal set {Ended, Error}
func (s CallState) IsTerminal() bool {
	return s == CallEnded || s == CallError
}

type CallDirection int

const (
	CallOutbound CallDirection = iota
	CallInbound
)

func (d CallDirection) String() string {
	if d == CallInbound {
		return "inbound"
	}
	return "outbound"
}

const (
	callEventRing   = "ring"
	callEventAnswer = "answer"
	callEventTalk   = "talk"
	callEventEnd    = "end"
	callEventFail   = "fail"
)

// Call is single call on phone line. State is mutated only inside line call task.
type Call struct {
	id        string
	direction CallDirection
	remote    string
	line      *PhoneLine
	handle    CallHandle
	fsm       *fsm.FSM
	createdAt time.Time

	mu              sync.Mutex
	reason          string
	err             error
	attached        bool
	detached        bool
	hangupRequested bool
	acceptRequested bool
	closed          bool
	unsubscribe     func()
}

func newCall(handle CallHandle, line *PhoneLine) *Call {
	c := &Call{
		id:        handle.ID(),
		direction: handle.Direction(),
		remote:    handle.RemoteAddress(),
		line:      line,
		handle:    handle,
		createdAt: time.Now(),
	}
	c.fsm = fsm.NewFSM(
		string(CallIdle),
		fsm.Events{
			{Name: callEventRing, Src: []string{string(CallIdle), string(CallRinging)}, Dst: string(CallRinging)},
			{Name: callEventAnswer, Src: []string{string(CallRinging)}, Dst: string(CallAnswered)},
			{Name: callEventTalk, Src: []string{string(CallRinging), string(CallAnswered), string(CallInCall)}, Dst: string(CallInCall)},
			{Name: callEventEnd, Src: []string{string(CallIdle), string(CallRinging), string(CallAnswered), string(CallInCall)}, Dst: string(CallEnded)},
			{Name: callEventFail, Src: []string{string(CallIdle), string(CallRinging), string(CallAnswered)}, Dst: string(CallError)},
		},
		fsm.Callbacks{},
	)
	return c
}

func (c *Call) ID() string               { return c.id }
func (c *Call) Direction() CallDirection { return c.direction }
func (c *Call) RemoteAddress() string    { return c.remote }
func (c *Call) Line() *PhoneLine         { return c.line }
func (c *Call) CreatedAt() time.Time     { return c.createdAt }
func (c *Call) State() CallState         { return CallState(c.fsm.Current()) }
func (c *Call) Handle() CallHandle       { return c.handle }
func (c *Call) Is(state CallState) bool  { return c.fsm.Is(string(state)) }
func (c *Call) IsInbound() bool          { return c.direction == CallInbound }
func (c *Call) IsTerminal() bool         { return c.State().IsTerminal() }

// Reason returns reason attached with last transition
func (c *Call) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Err returns CallSetupError of call in Error state
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Call) setReason(reason string, err error) {
	c.mu.Lock()
	c.reason = reason
	c.err = err
	c.mu.Unlock()
}

// event fires transition. Returns false without error when state is already destination.
func (c *Call) event(name string) (bool, error) {
	err := c.fsm.Event(context.Background(), name)
	if err == nil {
		return true, nil
	}
	if errors.As(err, &fsm.NoTransitionError{}) {
		return false, nil
	}
	return false, err
}

// Attached reports whether call media was bound to pipeline
func (c *Call) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}

func (c *Call) setAttached() {
	c.mu.Lock()
	c.attached = true
	c.mu.Unlock()
}

// markDetached returns true only once and only after attach
func (c *Call) markDetached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.attached || c.detached {
		return false
	}
	c.detached = true
	return true
}

func (c *Call) requestAccept() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acceptRequested {
		return false
	}
	c.acceptRequested = true
	return true
}

// clearAccept allows accept again after stack refused it
func (c *Call) clearAccept() {
	c.mu.Lock()
	c.acceptRequested = false
	c.mu.Unlock()
}

func (c *Call) requestHangup() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hangupRequested {
		return false
	}
	c.hangupRequested = true
	return true
}

// setUnsubscribe stores unsubscribe of stack events. Call which already ended
// unsubscribes immediately, as stack may replay terminal state on subscribe.
func (c *Call) setUnsubscribe(f func()) {
	c.mu.Lock()
	if !c.closed {
		c.unsubscribe = f
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	f()
}

func (c *Call) unsubscribeEvents() {
	c.mu.Lock()
	f := c.unsubscribe
	c.unsubscribe = nil
	c.closed = true
	c.mu.Unlock()
	if f != nil {
		f()
	}
}

// CallStateChange is delivered to application after call state and media are consistent
type CallStateChange struct {
	Call   *Call
	State  CallState
	Reason string
	Err    error
}
