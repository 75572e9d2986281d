// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/emiago/softphone/media"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// PlaybackDevice is sink node that stores 8kHz mono LPCM into wav.
// It stands in place of speaker. Frames written while stopped are dropped.
type PlaybackDevice struct {
	name   string
	create func() (io.WriteSeeker, error)

	mu      sync.Mutex
	w       io.WriteSeeker
	enc     *wav.Encoder
	started bool
	frames  int
	buf     goaudio.IntBuffer
}

// NewWavPlaybackDevice creates playback device writing wav file on path
func NewWavPlaybackDevice(name string, path string) *PlaybackDevice {
	return NewPlaybackDevice(name, func() (io.WriteSeeker, error) {
		return os.Create(path)
	})
}

// NewPlaybackDevice creates playback device on lazily created destination
func NewPlaybackDevice(name string, create func() (io.WriteSeeker, error)) *PlaybackDevice {
	return &PlaybackDevice{
		name:   name,
		create: create,
		buf: goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: 1, SampleRate: 8000},
			SourceBitDepth: 16,
		},
	}
}

func (d *PlaybackDevice) Name() string         { return d.name }
func (d *PlaybackDevice) Role() media.NodeRole { return media.NodeRoleSink }

// Start creates destination on first start
func (d *PlaybackDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enc == nil {
		w, err := d.create()
		if err != nil {
			return fmt.Errorf("playback device %s: %w", d.name, err)
		}
		d.w = w
		d.enc = wav.NewEncoder(w, 8000, 16, 1, 1)
	}
	d.started = true
	return nil
}

func (d *PlaybackDevice) Stop() error {
	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
	return nil
}

// Started reports is device accepting frames
func (d *PlaybackDevice) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

// Frames returns number of frames played
func (d *PlaybackDevice) Frames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

// Write implements io.Writer with 16 bit little endian LPCM
func (d *PlaybackDevice) Write(lpcm []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return len(lpcm), nil
	}

	samples := len(lpcm) / 2
	if cap(d.buf.Data) < samples {
		d.buf.Data = make([]int, samples)
	}
	d.buf.Data = d.buf.Data[:samples]
	for i := 0; i < samples; i++ {
		d.buf.Data[i] = int(int16(binary.LittleEndian.Uint16(lpcm[2*i:])))
	}

	if err := d.enc.Write(&d.buf); err != nil {
		return 0, err
	}
	d.frames++
	return len(lpcm), nil
}

// Close finalizes wav headers
func (d *PlaybackDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	if d.enc == nil {
		return nil
	}
	err := d.enc.Close()
	d.enc = nil
	if c, ok := d.w.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
