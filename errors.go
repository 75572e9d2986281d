// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"errors"
	"fmt"
)

var (
	ErrDispatcherClosed  = errors.New("dispatcher closed")
	ErrLineNotRegistered = errors.New("phone line not registered")
	ErrCallActive        = errors.New("call already active")
	ErrNoCall            = errors.New("no active call")
	ErrPhoneClosed       = errors.New("phone closed")
)

// ConfigurationError is returned synchronously for malformed input.
// It never changes line or call state.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Msg
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Msg)
}

// StateError is returned when command is not valid in current state
type StateError struct {
	Op    string
	State string
	Err   error
}

func (e *StateError) Error() string {
	s := e.Op + " not allowed"
	if e.State != "" {
		s += " in state " + e.State
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *StateError) Unwrap() error { return e.Err }

// RegistrationError is reason attached to Failed registration
type RegistrationError struct {
	StatusCode int
	Msg        string
}

func (e *RegistrationError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("registration failed: %d %s", e.StatusCode, e.Msg)
	}
	return "registration failed: " + e.Msg
}

// CallSetupError is reason attached to call ending in Error state
type CallSetupError struct {
	StatusCode int
	Reason     string
	Err        error
}

func (e *CallSetupError) Error() string {
	s := "call setup failed"
	if e.StatusCode > 0 {
		s += fmt.Sprintf(": %d", e.StatusCode)
	}
	if e.Reason != "" {
		s += ": " + e.Reason
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *CallSetupError) Unwrap() error { return e.Err }

// MediaDeviceError is non fatal device failure. Affected half of media graph is skipped.
type MediaDeviceError struct {
	Device string
	Err    error
}

func (e *MediaDeviceError) Error() string {
	return fmt.Sprintf("media device %s: %s", e.Device, e.Err)
}

func (e *MediaDeviceError) Unwrap() error { return e.Err }

// DispatchHandlerError wraps error or panic of handler executed by EventDispatcher
type DispatchHandlerError struct {
	Key   string
	Err   error
	Panic any
}

func (e *DispatchHandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("dispatch handler %s panic: %v", e.Key, e.Panic)
	}
	return fmt.Sprintf("dispatch handler %s: %s", e.Key, e.Err)
}

func (e *DispatchHandlerError) Unwrap() error { return e.Err }
