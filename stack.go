// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"io"
)

// Stack is underlying SIP/RTP communication stack.
// All notifications are delivered from stack own goroutines.
// Commands on handles are fire and observe: result is reported through notifications.
type Stack interface {
	CreatePhoneLine(acc Account, transport TransportMode, srtp SRTPMode) (PhoneLineHandle, error)
	RegisterPhoneLine(line PhoneLineHandle) error
	CreateCall(line PhoneLineHandle, address string) (CallHandle, error)

	// Codecs returns full codec table. Called once on phone creation.
	Codecs() []CodecEntry
	SetCodecEnabled(payloadType int, enabled bool) error
}

// PhoneLineHandle is stack side of phone line
type PhoneLineHandle interface {
	ID() string
	OnRegistrationStateChanged(f func(ev RegistrationEvent)) (unsubscribe func())
	OnIncomingCall(f func(call CallHandle)) (unsubscribe func())
	// Close unregisters line. Stack reports RegStateNotRegistered when done.
	Close() error
}

// CallHandle is stack side of call
type CallHandle interface {
	ID() string
	Direction() CallDirection
	RemoteAddress() string
	// OnStateChanged subscribes to call state. Subscribing to already ended call
	// delivers terminal state.
	OnStateChanged(f func(ev CallEvent)) (unsubscribe func())

	Start() error
	Accept() error
	// Busy rejects inbound call
	Busy() error
	HangUp() error

	Media() CallMedia
}

// CallMedia exposes negotiated audio of call as 16 bit LPCM streams.
// Streams are available after call is answered.
type CallMedia interface {
	AudioReader() (io.Reader, error)
	AudioWriter() (io.Writer, error)
}

// RegState is registration state reported by stack
type RegState int

const (
	RegStateRegistering RegState = iota
	RegStateSucceeded
	RegStateError
	RegStateNotRegistered
)

func (s RegState) String() string {
	switch s {
	case RegStateRegistering:
		return "Registering"
	case RegStateSucceeded:
		return "RegistrationSucceeded"
	case RegStateError:
		return "Error"
	case RegStateNotRegistered:
		return "NotRegistered"
	}
	return "unknown"
}

// RegistrationEvent is stack registration notification
type RegistrationEvent struct {
	State  RegState
	Reason string
	Err    error
}

// CallEvent is stack call notification. State is one of Ringing, Answered, InCall, Ended, Error.
type CallEvent struct {
	State  CallState
	Reason string
	Err    error
}
