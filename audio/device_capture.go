// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/emiago/softphone/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CaptureDevice is source node that reads 8kHz mono wav and pushes paced 20ms LPCM frames
// to its output. It stands in place of microphone.
type CaptureDevice struct {
	name string
	open func() (io.ReadCloser, error)
	// Loop restarts stream on end of file
	Loop bool
	// FrameDur is pacing of frames
	FrameDur time.Duration

	log zerolog.Logger

	mu   sync.Mutex
	out  io.Writer
	stop chan struct{}
	done chan struct{}
}

// NewWavCaptureDevice creates capture device reading wav file on path
func NewWavCaptureDevice(name string, path string) *CaptureDevice {
	return NewCaptureDevice(name, func() (io.ReadCloser, error) {
		return os.Open(path)
	})
}

// NewCaptureDevice creates capture device from wav stream opener.
// Opener is called on each Start and on each Loop.
func NewCaptureDevice(name string, open func() (io.ReadCloser, error)) *CaptureDevice {
	return &CaptureDevice{
		name:     name,
		open:     open,
		Loop:     true,
		FrameDur: 20 * time.Millisecond,
		log:      log.With().Str("caller", "capture").Str("device", name).Logger(),
	}
}

func (d *CaptureDevice) Name() string         { return d.name }
func (d *CaptureDevice) Role() media.NodeRole { return media.NodeRoleSource }

func (d *CaptureDevice) SetOutput(w io.Writer) {
	d.mu.Lock()
	d.out = w
	d.mu.Unlock()
}

// Started reports is device producing frames
func (d *CaptureDevice) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stop != nil
}

// Start opens stream and starts producing frames. Starting started device is no op.
func (d *CaptureDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return nil
	}

	stream, reader, err := d.openWav()
	if err != nil {
		return err
	}

	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(stream, reader, d.stop, d.done)
	return nil
}

// Stop stops producing frames and waits reading routine to exit
func (d *CaptureDevice) Stop() error {
	d.mu.Lock()
	stop, done := d.stop, d.done
	d.stop, d.done = nil, nil
	d.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (d *CaptureDevice) openWav() (io.ReadCloser, *WavReader, error) {
	stream, err := d.open()
	if err != nil {
		return nil, nil, fmt.Errorf("capture device %s: %w", d.name, err)
	}

	reader := NewWavReader(stream)
	if err := reader.ReadHeaders(); err != nil {
		stream.Close()
		return nil, nil, fmt.Errorf("capture device %s: reading wav headers: %w", d.name, err)
	}
	if err := reader.ValidateFormat(8000, 1); err != nil {
		stream.Close()
		return nil, nil, fmt.Errorf("capture device %s: %w", d.name, err)
	}
	return stream, reader, nil
}

func (d *CaptureDevice) run(stream io.ReadCloser, reader *WavReader, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() { stream.Close() }()

	ticker := time.NewTicker(d.FrameDur)
	defer ticker.Stop()

	frame := make([]byte, FrameSizePCM)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		n, err := io.ReadFull(reader, frame)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				d.log.Error().Err(err).Msg("Capture read failed")
				return
			}
			if !d.Loop {
				d.log.Debug().Msg("Capture stream ended")
				return
			}
			stream.Close()
			stream, reader, err = d.openWav()
			if err != nil {
				d.log.Error().Err(err).Msg("Capture reopen failed")
				return
			}
			// Pad last partial frame with silence
			clear(frame[n:])
		}

		d.mu.Lock()
		out := d.out
		d.mu.Unlock()
		if out == nil {
			continue
		}
		if _, err := out.Write(frame); err != nil {
			d.log.Debug().Err(err).Msg("Capture frame write failed")
		}
	}
}
