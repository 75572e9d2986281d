// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/emiago/softphone/media"
)

type NoiseLevel int

const (
	NoiseLevelOff NoiseLevel = iota
	NoiseLevelLow
	NoiseLevelMedium
	NoiseLevelHigh
)

func (l NoiseLevel) String() string {
	switch l {
	case NoiseLevelOff:
		return "off"
	case NoiseLevelLow:
		return "low"
	case NoiseLevelMedium:
		return "medium"
	case NoiseLevelHigh:
		return "high"
	}
	return "unknown"
}

func ParseNoiseLevel(s string) (NoiseLevel, error) {
	switch strings.ToLower(s) {
	case "", "off":
		return NoiseLevelOff, nil
	case "low":
		return NoiseLevelLow, nil
	case "medium":
		return NoiseLevelMedium, nil
	case "high":
		return NoiseLevelHigh, nil
	}
	return NoiseLevelOff, fmt.Errorf("unknown noise level %q", s)
}

// RMS gate thresholds on 16 bit samples
func (l NoiseLevel) threshold() float64 {
	switch l {
	case NoiseLevelLow:
		return 150
	case NoiseLevelMedium:
		return 400
	case NoiseLevelHigh:
		return 900
	}
	return 0
}

// NoiseSuppressor is processor node gating frames whose energy is below level threshold.
// Frames above threshold pass unchanged.
type NoiseSuppressor struct {
	name  string
	level NoiseLevel

	mu  sync.Mutex
	out io.Writer
	buf []byte
}

func NewNoiseSuppressor(name string, level NoiseLevel) *NoiseSuppressor {
	return &NoiseSuppressor{
		name:  name,
		level: level,
	}
}

func (n *NoiseSuppressor) Name() string         { return n.name }
func (n *NoiseSuppressor) Role() media.NodeRole { return media.NodeRoleProcessor }
func (n *NoiseSuppressor) Level() NoiseLevel    { return n.level }

func (n *NoiseSuppressor) SetOutput(w io.Writer) {
	n.mu.Lock()
	n.out = w
	n.mu.Unlock()
}

func (n *NoiseSuppressor) Write(lpcm []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.out == nil {
		return len(lpcm), nil
	}

	frame := lpcm
	if n.level != NoiseLevelOff && rmsLPCM(lpcm) < n.level.threshold() {
		if cap(n.buf) < len(lpcm) {
			n.buf = make([]byte, len(lpcm))
		}
		frame = n.buf[:len(lpcm)]
		clear(frame)
	}

	if _, err := n.out.Write(frame); err != nil {
		return 0, err
	}
	return len(lpcm), nil
}

func rmsLPCM(lpcm []byte) float64 {
	samples := len(lpcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(lpcm[2*i:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(samples))
}
