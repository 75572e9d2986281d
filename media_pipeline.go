// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/emiago/softphone/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CaptureDevice is microphone like source
type CaptureDevice interface {
	media.OutputNode
	Start() error
	Stop() error
}

// PlaybackDevice is speaker like sink
type PlaybackDevice interface {
	media.InputNode
	Start() error
	Stop() error
}

// ProcessorNode is spliced between nodes of one path
type ProcessorNode interface {
	media.OutputNode
	media.InputNode
}

// MediaPipeline owns fixed device graph
//
//	capture -> [capture processors] -> call sender
//	call receiver -> [playback processors] -> playback
//
// and binds sender and receiver to single call at a time.
type MediaPipeline struct {
	log     zerolog.Logger
	metrics *Metrics

	connector          *media.Connector
	capture            CaptureDevice
	playback           PlaybackDevice
	captureProcessors  []ProcessorNode
	playbackProcessors []ProcessorNode
	sender             *CallAudioSender
	receiver           *CallAudioReceiver

	mu           sync.Mutex
	connected    bool
	disconnected bool
	attachedCall string
	sendPath     bool
	recvPath     bool
}

type MediaPipelineOption func(p *MediaPipeline)

func WithCaptureDevice(d CaptureDevice) MediaPipelineOption {
	return func(p *MediaPipeline) {
		p.capture = d
	}
}

func WithPlaybackDevice(d PlaybackDevice) MediaPipelineOption {
	return func(p *MediaPipeline) {
		p.playback = d
	}
}

// WithCaptureProcessor splices processor into capture path. Order of options is order in path.
func WithCaptureProcessor(n ProcessorNode) MediaPipelineOption {
	return func(p *MediaPipeline) {
		p.captureProcessors = append(p.captureProcessors, n)
	}
}

// WithPlaybackProcessor splices processor into playback path
func WithPlaybackProcessor(n ProcessorNode) MediaPipelineOption {
	return func(p *MediaPipeline) {
		p.playbackProcessors = append(p.playbackProcessors, n)
	}
}

func WithPipelineLogger(l zerolog.Logger) MediaPipelineOption {
	return func(p *MediaPipeline) {
		p.log = l
	}
}

func NewMediaPipeline(opts ...MediaPipelineOption) *MediaPipeline {
	p := &MediaPipeline{
		log:       log.With().Str("caller", "pipeline").Logger(),
		connector: media.NewConnector(),
		sender:    newCallAudioSender(),
		receiver:  newCallAudioReceiver(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect wires graph once. Missing devices skip their half with warning.
func (p *MediaPipeline) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return nil
	}
	if p.disconnected {
		return fmt.Errorf("media pipeline already disconnected")
	}

	if p.capture == nil {
		p.log.Warn().Err(&MediaDeviceError{Device: "capture", Err: errors.New("not available")}).Msg("Skipping send path")
	} else {
		if err := p.connectPathUnsafe(p.capture, p.captureProcessors, p.sender); err != nil {
			return err
		}
		p.sendPath = true
	}

	if p.playback == nil {
		p.log.Warn().Err(&MediaDeviceError{Device: "playback", Err: errors.New("not available")}).Msg("Skipping receive path")
	} else {
		if err := p.connectPathUnsafe(p.receiver, p.playbackProcessors, p.playback); err != nil {
			p.connector.DisconnectAll()
			p.sendPath = false
			return err
		}
		p.recvPath = true
	}

	p.connected = true
	for _, l := range p.connector.Links() {
		p.log.Debug().Str("link", l.String()).Msg("Media link connected")
	}
	return nil
}

func (p *MediaPipeline) connectPathUnsafe(src media.OutputNode, procs []ProcessorNode, dst media.InputNode) error {
	from := src
	for _, proc := range procs {
		if err := p.connector.Connect(from, proc); err != nil {
			return err
		}
		from = proc
	}
	return p.connector.Connect(from, dst)
}

// Disconnect tears down graph, stops devices and closes closable devices.
func (p *MediaPipeline) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected || p.disconnected {
		return nil
	}
	p.disconnected = true
	p.connected = false

	p.detachUnsafe()
	var errs []error
	errs = append(errs, p.stopDevicesUnsafe())
	n := p.connector.DisconnectAll()
	p.log.Debug().Int("links", n).Msg("Media graph disconnected")

	for _, d := range []any{p.capture, p.playback} {
		if c, ok := d.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Links returns current graph links
func (p *MediaPipeline) Links() []media.Link {
	return p.connector.Links()
}

// Attach binds sender and receiver to call media
func (p *MediaPipeline) Attach(callID string, m CallMedia) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return &StateError{Op: "attach", State: "disconnected"}
	}
	if p.attachedCall != "" {
		return &StateError{Op: "attach", State: "attached to " + p.attachedCall}
	}

	var w io.Writer
	var r io.Reader
	if p.sendPath {
		var err error
		if w, err = m.AudioWriter(); err != nil {
			return fmt.Errorf("call %s audio writer: %w", callID, err)
		}
	}
	if p.recvPath {
		var err error
		if r, err = m.AudioReader(); err != nil {
			return fmt.Errorf("call %s audio reader: %w", callID, err)
		}
	}

	if w != nil {
		p.sender.bind(w)
	}
	if r != nil {
		p.receiver.bind(r)
	}
	p.attachedCall = callID
	p.metrics.attached()
	p.log.Info().Str("call_id", callID).Bool("send", w != nil).Bool("recv", r != nil).Msg("Media attached")
	return nil
}

// Detach unbinds sender and receiver. Reading routine exits on its next read.
func (p *MediaPipeline) Detach() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attachedCall == "" {
		return &StateError{Op: "detach", State: "not attached"}
	}
	p.detachUnsafe()
	return nil
}

func (p *MediaPipeline) detachUnsafe() {
	if p.attachedCall == "" {
		return
	}
	p.sender.unbind()
	p.receiver.unbind()
	p.log.Info().Str("call_id", p.attachedCall).Msg("Media detached")
	p.attachedCall = ""
	p.metrics.detached()
}

// AttachedCall returns id of attached call or empty
func (p *MediaPipeline) AttachedCall() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attachedCall
}

// StartDevices starts available devices. Failures are MediaDeviceError and are not fatal.
func (p *MediaPipeline) StartDevices() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.sendPath {
		if err := p.capture.Start(); err != nil {
			errs = append(errs, &MediaDeviceError{Device: p.capture.Name(), Err: err})
		}
	}
	if p.recvPath {
		if err := p.playback.Start(); err != nil {
			errs = append(errs, &MediaDeviceError{Device: p.playback.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

func (p *MediaPipeline) StopDevices() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopDevicesUnsafe()
}

func (p *MediaPipeline) stopDevicesUnsafe() error {
	var errs []error
	if p.sendPath {
		if err := p.capture.Stop(); err != nil {
			errs = append(errs, &MediaDeviceError{Device: p.capture.Name(), Err: err})
		}
	}
	if p.recvPath {
		if err := p.playback.Stop(); err != nil {
			errs = append(errs, &MediaDeviceError{Device: p.playback.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

// CallAudioSender is sink node forwarding captured frames to attached call
type CallAudioSender struct {
	log zerolog.Logger
	mu  sync.Mutex
	w   io.Writer
}

func newCallAudioSender() *CallAudioSender {
	return &CallAudioSender{log: log.With().Str("caller", "sender").Logger()}
}

func (s *CallAudioSender) Name() string         { return "call-sender" }
func (s *CallAudioSender) Role() media.NodeRole { return media.NodeRoleSink }

func (s *CallAudioSender) Write(p []byte) (int, error) {
	s.mu.Lock()
	w := s.w
	s.mu.Unlock()
	if w == nil {
		// Not attached. Drop frame
		return len(p), nil
	}
	if _, err := w.Write(p); err != nil {
		s.log.Debug().Err(err).Msg("Sending frame failed")
		return 0, err
	}
	return len(p), nil
}

func (s *CallAudioSender) bind(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

func (s *CallAudioSender) unbind() {
	s.bind(nil)
}

// CallAudioReceiver is source node reading frames from attached call
type CallAudioReceiver struct {
	log zerolog.Logger

	mu         sync.Mutex
	out        io.Writer
	generation uint64
}

func newCallAudioReceiver() *CallAudioReceiver {
	return &CallAudioReceiver{log: log.With().Str("caller", "receiver").Logger()}
}

func (r *CallAudioReceiver) Name() string         { return "call-receiver" }
func (r *CallAudioReceiver) Role() media.NodeRole { return media.NodeRoleSource }

func (r *CallAudioReceiver) SetOutput(w io.Writer) {
	r.mu.Lock()
	r.out = w
	r.mu.Unlock()
}

func (r *CallAudioReceiver) bind(reader io.Reader) {
	r.mu.Lock()
	r.generation++
	gen := r.generation
	r.mu.Unlock()
	go r.readLoop(reader, gen)
}

func (r *CallAudioReceiver) unbind() {
	r.mu.Lock()
	r.generation++
	r.mu.Unlock()
}

func (r *CallAudioReceiver) readLoop(reader io.Reader, gen uint64) {
	buf := make([]byte, media.RTPBufSize*2)
	for {
		n, err := reader.Read(buf)
		r.mu.Lock()
		current := r.generation == gen
		out := r.out
		r.mu.Unlock()
		if !current {
			return
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.log.Debug().Err(err).Msg("Receiving frame failed")
			}
			return
		}
		if out == nil || n == 0 {
			continue
		}
		if _, err := out.Write(buf[:n]); err != nil {
			r.log.Debug().Err(err).Msg("Playback frame failed")
		}
	}
}
