// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Phone is session context of softphone. It owns phone line, active call,
// codec catalog and media pipeline on top of Stack.
type Phone struct {
	log        zerolog.Logger
	stack      Stack
	metrics    *Metrics
	onError    func(err *DispatchHandlerError)
	dispatcher *EventDispatcher
	registrar  *PhoneLineRegistrar
	controller *CallSessionController
	codecs     *CodecCatalog
	pipeline   *MediaPipeline

	mu     sync.Mutex
	closed bool
}

type PhoneOption func(p *Phone)

func WithLogger(l zerolog.Logger) PhoneOption {
	return func(p *Phone) {
		p.log = l
	}
}

// WithMetrics enables prometheus collectors. See NewMetrics.
func WithMetrics(m *Metrics) PhoneOption {
	return func(p *Phone) {
		p.metrics = m
	}
}

// WithMediaPipeline sets device graph. Default pipeline has no devices.
func WithMediaPipeline(mp *MediaPipeline) PhoneOption {
	return func(p *Phone) {
		p.pipeline = mp
	}
}

// WithDispatchErrorHandler is called when any observer fails or panics
func WithDispatchErrorHandler(f func(err *DispatchHandlerError)) PhoneOption {
	return func(p *Phone) {
		p.onError = f
	}
}

// NewPhone creates session context and connects media pipeline
func NewPhone(stack Stack, opts ...PhoneOption) (*Phone, error) {
	p := &Phone{
		log:   log.With().Str("caller", "phone").Logger(),
		stack: stack,
	}
	for _, o := range opts {
		o(p)
	}
	if p.pipeline == nil {
		p.pipeline = NewMediaPipeline()
	}
	p.pipeline.metrics = p.metrics

	dopts := []DispatcherOption{WithDispatcherMetrics(p.metrics)}
	if p.onError != nil {
		dopts = append(dopts, WithDispatcherErrorHandler(p.onError))
	}
	p.dispatcher = NewEventDispatcher(dopts...)

	p.registrar = NewPhoneLineRegistrar(stack, p.dispatcher)
	p.registrar.metrics = p.metrics
	p.controller = NewCallSessionController(stack, p.registrar, p.dispatcher, p.pipeline)
	p.controller.metrics = p.metrics
	p.codecs = NewCodecCatalog(stack, stack.Codecs())
	p.codecs.exclusive = p.controller.exclusive

	if err := p.pipeline.Connect(); err != nil {
		return nil, fmt.Errorf("connect media pipeline: %w", err)
	}
	return p, nil
}

func (p *Phone) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPhoneClosed
	}
	return nil
}

// Register registers new phone line replacing existing one.
// It is rejected while call is active.
func (p *Phone) Register(acc Account, transport TransportMode, srtp SRTPMode) (*PhoneLine, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	var line *PhoneLine
	err := p.controller.exclusive("register", func() error {
		var err error
		line, err = p.registrar.Register(acc, transport, srtp)
		return err
	})
	return line, err
}

// Unregister unregisters current line. Line moves to Idle once stack confirms.
func (p *Phone) Unregister() error {
	return p.registrar.Unregister()
}

func (p *Phone) StartCall(address string) (*Call, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	return p.controller.StartCall(address)
}

func (p *Phone) AcceptCall() error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	return p.controller.AcceptCall()
}

func (p *Phone) HangUp() error {
	return p.controller.HangUp()
}

func (p *Phone) EnableCodec(payloadType int) error {
	return p.codecs.Enable(payloadType)
}

func (p *Phone) DisableCodec(payloadType int) error {
	return p.codecs.Disable(payloadType)
}

// RestrictCodecs leaves enabled exactly valid payload types of list
func (p *Phone) RestrictCodecs(payloadTypes []int) error {
	return p.codecs.Restrict(payloadTypes)
}

func (p *Phone) ListCodecs() []CodecEntry {
	return p.codecs.List()
}

func (p *Phone) Codecs() *CodecCatalog         { return p.codecs }
func (p *Phone) MediaPipeline() *MediaPipeline { return p.pipeline }

func (p *Phone) Line() *PhoneLine {
	return p.registrar.Line()
}

func (p *Phone) ActiveCall() *Call {
	return p.controller.ActiveCall()
}

func (p *Phone) OnRegistrationStateChanged(f func(ev RegistrationStateChange)) func() {
	return p.registrar.OnRegistrationStateChanged(f)
}

func (p *Phone) OnCallStateChanged(f func(ev CallStateChange)) func() {
	return p.controller.OnCallStateChanged(f)
}

func (p *Phone) OnIncomingCall(f func(call *Call)) func() {
	return p.controller.OnIncomingCall(f)
}

// Wait blocks until all queued notifications are delivered
func (p *Phone) Wait() {
	p.dispatcher.Wait()
}

// Close hangs up active call, unregisters line, drains notifications and disconnects media.
func (p *Phone) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var errs []error
	if err := p.controller.HangUp(); err != nil {
		errs = append(errs, err)
	}
	if err := p.registrar.Close(); err != nil {
		errs = append(errs, err)
	}
	p.dispatcher.Close()
	if err := p.pipeline.Disconnect(); err != nil {
		errs = append(errs, err)
	}
	p.log.Info().Msg("Phone closed")
	return errors.Join(errs...)
}
