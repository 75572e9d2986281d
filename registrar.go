// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/emiago/softphone/internal/observer"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type LineState string

const (
	LineIdle        LineState = "Idle"
	LineRegistering LineState = "Registering"
	LineRegistered  LineState = "Registered"
	LineFailed      LineState = "Failed"
)

const (
	lineEventRegister   = "register"
	lineEventSucceed    = "succeed"
	lineEventFail       = "fail"
	lineEventUnregister = "unregister"
)

// PhoneLine is registered SIP account. Its state changes only inside its registration task.
type PhoneLine struct {
	id        string
	account   Account
	transport TransportMode
	srtp      SRTPMode
	handle    PhoneLineHandle
	fsm       *fsm.FSM

	mu     sync.Mutex
	reason string
	err    error
	unsubs []func()
}

func newPhoneLine(handle PhoneLineHandle, acc Account, transport TransportMode, srtp SRTPMode) *PhoneLine {
	l := &PhoneLine{
		id:        handle.ID(),
		account:   acc,
		transport: transport,
		srtp:      srtp,
		handle:    handle,
	}
	l.fsm = fsm.NewFSM(
		string(LineIdle),
		fsm.Events{
			{Name: lineEventRegister, Src: []string{string(LineIdle), string(LineRegistering), string(LineFailed)}, Dst: string(LineRegistering)},
			{Name: lineEventSucceed, Src: []string{string(LineRegistering)}, Dst: string(LineRegistered)},
			{Name: lineEventFail, Src: []string{string(LineRegistering), string(LineRegistered)}, Dst: string(LineFailed)},
			{Name: lineEventUnregister, Src: []string{string(LineRegistering), string(LineRegistered), string(LineFailed)}, Dst: string(LineIdle)},
		},
		fsm.Callbacks{},
	)
	return l
}

func (l *PhoneLine) ID() string                   { return l.id }
func (l *PhoneLine) Account() Account             { return l.account }
func (l *PhoneLine) TransportMode() TransportMode { return l.transport }
func (l *PhoneLine) SRTPMode() SRTPMode           { return l.srtp }
func (l *PhoneLine) Handle() PhoneLineHandle      { return l.handle }

func (l *PhoneLine) State() LineState {
	return LineState(l.fsm.Current())
}

// Reason returns reason of last transition
func (l *PhoneLine) Reason() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// Err returns error attached to Failed state
func (l *PhoneLine) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *PhoneLine) setReason(reason string, err error) {
	l.mu.Lock()
	l.reason = reason
	l.err = err
	l.mu.Unlock()
}

func (l *PhoneLine) addUnsubscribe(f func()) {
	l.mu.Lock()
	l.unsubs = append(l.unsubs, f)
	l.mu.Unlock()
}

func (l *PhoneLine) unsubscribeAll() {
	l.mu.Lock()
	unsubs := l.unsubs
	l.unsubs = nil
	l.mu.Unlock()
	for _, f := range unsubs {
		f()
	}
}

func (l *PhoneLine) event(name string) (bool, error) {
	err := l.fsm.Event(context.Background(), name)
	if err == nil {
		return true, nil
	}
	if errors.As(err, &fsm.NoTransitionError{}) {
		return false, nil
	}
	return false, err
}

// RegistrationStateChange is delivered to application after line state is updated
type RegistrationStateChange struct {
	Line   *PhoneLine
	State  LineState
	Reason string
	Err    error
}

// PhoneLineRegistrar drives registration state of single phone line.
// It never retries registration on its own.
type PhoneLineRegistrar struct {
	log        zerolog.Logger
	stack      Stack
	dispatcher *EventDispatcher
	metrics    *Metrics
	observers  observer.Set[func(RegistrationStateChange)]
	// incoming receives inbound calls of current line on line call key
	incoming func(line *PhoneLine, call CallHandle) error

	mu   sync.Mutex
	line *PhoneLine
}

func NewPhoneLineRegistrar(stack Stack, dispatcher *EventDispatcher) *PhoneLineRegistrar {
	return &PhoneLineRegistrar{
		log:        log.With().Str("caller", "registrar").Logger(),
		stack:      stack,
		dispatcher: dispatcher,
	}
}

func registrationKey(lineID string) string { return "registration:" + lineID }
func callKey(lineID string) string         { return "calls:" + lineID }

// Line returns current phone line or nil
func (r *PhoneLineRegistrar) Line() *PhoneLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.line
}

// OnRegistrationStateChanged adds observer. Returned function removes it.
func (r *PhoneLineRegistrar) OnRegistrationStateChanged(f func(ev RegistrationStateChange)) func() {
	return r.observers.Add(f)
}

// Register validates account and starts registration of new phone line.
// Existing line is replaced. Result is reported through registration observers.
func (r *PhoneLineRegistrar) Register(acc Account, transport TransportMode, srtp SRTPMode) (*PhoneLine, error) {
	acc = acc.WithDefaults()
	if err := acc.Validate(); err != nil {
		return nil, err
	}
	if err := validateModes(transport, srtp); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old := r.line; old != nil {
		r.closeLineUnsafe(old)
	}

	handle, err := r.stack.CreatePhoneLine(acc, transport, srtp)
	if err != nil {
		return nil, fmt.Errorf("create phone line: %w", err)
	}

	line := newPhoneLine(handle, acc, transport, srtp)
	regKey := registrationKey(line.id)
	line.addUnsubscribe(handle.OnRegistrationStateChanged(func(ev RegistrationEvent) {
		if err := r.dispatcher.Dispatch(regKey, func() error {
			return r.onRegistrationEvent(line, ev)
		}); err != nil {
			r.log.Debug().Err(err).Str("line_id", line.id).Msg("Registration event dropped")
		}
	}))
	line.addUnsubscribe(handle.OnIncomingCall(func(call CallHandle) {
		if err := r.dispatcher.Dispatch(callKey(line.id), func() error {
			return r.onIncomingCall(line, call)
		}); err != nil {
			r.log.Debug().Err(err).Str("line_id", line.id).Msg("Incoming call dropped")
			r.rejectBusy(call)
		}
	}))
	r.line = line

	if _, err := line.event(lineEventRegister); err != nil {
		return nil, err
	}
	r.log.Info().Str("line_id", line.id).Str("domain", acc.DomainHost).Int("port", acc.DomainPort).Msg("Registering phone line")
	r.dispatchChange(line, LineRegistering, "", nil)

	if err := r.stack.RegisterPhoneLine(handle); err != nil {
		// Reported same way as stack failure, through line task
		ev := RegistrationEvent{State: RegStateError, Reason: err.Error(), Err: err}
		if derr := r.dispatcher.Dispatch(regKey, func() error {
			return r.onRegistrationEvent(line, ev)
		}); derr != nil {
			return nil, derr
		}
	}
	return line, nil
}

// Unregister closes current line. Stack reports NotRegistered when done.
func (r *PhoneLineRegistrar) Unregister() error {
	r.mu.Lock()
	line := r.line
	r.mu.Unlock()
	if line == nil {
		return nil
	}
	return line.handle.Close()
}

// Close unregisters and forgets current line
func (r *PhoneLineRegistrar) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.line == nil {
		return nil
	}
	err := r.closeLineUnsafe(r.line)
	r.line = nil
	return err
}

func (r *PhoneLineRegistrar) closeLineUnsafe(line *PhoneLine) error {
	line.unsubscribeAll()
	if err := line.handle.Close(); err != nil {
		r.log.Error().Err(err).Str("line_id", line.id).Msg("Closing phone line failed")
		return err
	}
	return nil
}

func (r *PhoneLineRegistrar) current(line *PhoneLine) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.line == line
}

func (r *PhoneLineRegistrar) onIncomingCall(line *PhoneLine, call CallHandle) error {
	if !r.current(line) || r.incoming == nil {
		r.rejectBusy(call)
		return nil
	}
	return r.incoming(line, call)
}

func (r *PhoneLineRegistrar) rejectBusy(call CallHandle) {
	if err := call.Busy(); err != nil {
		r.log.Error().Err(err).Str("call_id", call.ID()).Msg("Failed to reject call as busy")
	}
}

// onRegistrationEvent runs in line registration task
func (r *PhoneLineRegistrar) onRegistrationEvent(line *PhoneLine, ev RegistrationEvent) error {
	if !r.current(line) {
		// Replaced line only settles its own state, observers follow current line
		if ev.State == RegStateNotRegistered {
			if _, err := line.event(lineEventUnregister); err != nil {
				r.log.Warn().Err(err).Str("line_id", line.id).Msg("Replaced line state not updated")
			}
		}
		r.log.Debug().Str("line_id", line.id).Str("event", ev.State.String()).Msg("Event of replaced line ignored")
		return nil
	}

	var name string
	var err error
	switch ev.State {
	case RegStateRegistering:
		name = lineEventRegister
	case RegStateSucceeded:
		name = lineEventSucceed
	case RegStateError:
		name = lineEventFail
		err = ev.Err
		if err == nil {
			err = &RegistrationError{Msg: ev.Reason}
		}
	case RegStateNotRegistered:
		name = lineEventUnregister
	default:
		return fmt.Errorf("unknown registration state %d", ev.State)
	}

	changed, ferr := line.event(name)
	if ferr != nil {
		r.log.Warn().Err(ferr).Str("line_id", line.id).Str("state", string(line.State())).Str("event", ev.State.String()).Msg("Registration event ignored")
		return nil
	}
	if !changed {
		return nil
	}

	state := line.State()
	line.setReason(ev.Reason, err)
	r.metrics.registration(state)
	r.log.Info().Str("line_id", line.id).Str("state", string(state)).Str("reason", ev.Reason).Msg("Registration state changed")
	r.notify(RegistrationStateChange{Line: line, State: state, Reason: ev.Reason, Err: err})
	return nil
}

func (r *PhoneLineRegistrar) dispatchChange(line *PhoneLine, state LineState, reason string, err error) {
	r.metrics.registration(state)
	ev := RegistrationStateChange{Line: line, State: state, Reason: reason, Err: err}
	if derr := r.dispatcher.Dispatch(registrationKey(line.id), func() error {
		r.notify(ev)
		return nil
	}); derr != nil {
		r.log.Debug().Err(derr).Msg("Registration notification dropped")
	}
}

func (r *PhoneLineRegistrar) notify(ev RegistrationStateChange) {
	for _, h := range r.observers.Snapshot() {
		r.dispatcher.Guard(registrationKey(ev.Line.id), func() error {
			h(ev)
			return nil
		})
	}
}
