// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"math/rand"
	"sync"

	"github.com/pion/rtp"
)

type RTPWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// RTPPacketWriter packetize any payload before pushing to active media session
// It creates SSRC as identifier and all packets sent will be with this SSRC
// Pacing is responsibility of caller.
type RTPPacketWriter struct {
	mu     sync.Mutex
	writer RTPWriter

	// PacketHeader is header of last written packet
	PacketHeader rtp.Header

	// This properties are read only after creating writer
	PayloadType uint8
	SSRC        uint32
	SampleRate  uint32

	sampleRateTimestamp uint32
	seqWriter           RTPExtendedSequenceNumber
	nextTimestamp       uint32
	initTimestamp       uint32
}

func NewRTPPacketWriter(writer RTPWriter, codec Codec) *RTPPacketWriter {
	ts := rand.Uint32()
	w := RTPPacketWriter{
		writer:              writer,
		seqWriter:           NewRTPSequencer(),
		PayloadType:         codec.PayloadType,
		SampleRate:          codec.SampleRate,
		SSRC:                rand.Uint32(),
		sampleRateTimestamp: codec.SampleTimestamp(),
		initTimestamp:       ts,
		nextTimestamp:       ts,
	}
	return &w
}

// Write implements io.Writer and does payload RTP packetization.
// Each write is single frame of codec sample duration.
func (w *RTPPacketWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeSamplesUnsafe(b, w.sampleRateTimestamp, w.nextTimestamp == w.initTimestamp, w.PayloadType)
}

// WriteSamples allows passing custom timestamp increment and payload type
func (w *RTPPacketWriter) WriteSamples(payload []byte, clockRateTimestamp uint32, marker bool, payloadType uint8) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeSamplesUnsafe(payload, clockRateTimestamp, marker, payloadType)
}

func (w *RTPPacketWriter) writeSamplesUnsafe(payload []byte, clockRateTimestamp uint32, marker bool, payloadType uint8) (int, error) {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:     2,
			Marker:      marker,
			PayloadType: payloadType,
			// Timestamp should increase linear and monotonic for media clock
			Timestamp:      w.nextTimestamp,
			SequenceNumber: w.seqWriter.NextSeqNumber(),
			SSRC:           w.SSRC,
		},
		Payload: payload,
	}

	w.PacketHeader = pkt.Header
	w.nextTimestamp += clockRateTimestamp

	err := w.writer.WriteRTP(&pkt)
	return len(pkt.Payload), err
}
