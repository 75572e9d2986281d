// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"io"
	"net"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type RTPReader interface {
	ReadRTP(buf []byte, p *rtp.Packet) (int, error)
}

// RTPPacketReader reads RTP packet and extracts payload and header
// It is not thread safe
type RTPPacketReader struct {
	log    zerolog.Logger
	reader RTPReader

	// PacketHeader is stored after calling Read
	PacketHeader rtp.Header
	// PayloadType filters packets. Others like telephone-event are skipped
	PayloadType uint8

	packet    rtp.Packet
	buf       []byte
	seqReader RTPExtendedSequenceNumber
	lastSSRC  uint32
	started   bool
}

func NewRTPPacketReader(reader RTPReader, codec Codec) *RTPPacketReader {
	return &RTPPacketReader{
		reader:      reader,
		PayloadType: codec.PayloadType,
		buf:         make([]byte, RTPBufSize),
		log:         log.With().Str("caller", "media").Logger(),
	}
}

// Read Implements io.Reader and extracts Payload from RTP packet.
// Has no input queue or sorting of packets.
// Closed network connection is returned as io.EOF
func (r *RTPPacketReader) Read(b []byte) (int, error) {
	for {
		pkt := &r.packet
		_, err := r.reader.ReadRTP(r.buf, pkt)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return 0, io.EOF
			}
			return 0, err
		}

		if pkt.PayloadType != r.PayloadType {
			continue
		}

		// If we are tracking this source, do check are we keep getting pkts in sequence
		if r.started && r.lastSSRC == pkt.SSRC {
			prevSeq := r.seqReader.ReadExtendedSeq()
			if err := r.seqReader.UpdateSeq(pkt.SequenceNumber); err != nil {
				r.log.Debug().Err(err).Uint16("seq", pkt.SequenceNumber).Msg("Dropping packet")
				continue
			}
			if newSeq := r.seqReader.ReadExtendedSeq(); prevSeq+1 != newSeq {
				r.log.Debug().Uint64("expected", prevSeq+1).Uint64("actual", newSeq).Msg("Out of order pkt received")
			}
		} else {
			r.seqReader.InitSeq(pkt.SequenceNumber)
			r.started = true
		}

		r.lastSSRC = pkt.SSRC
		r.PacketHeader = pkt.Header
		if len(b) < len(pkt.Payload) {
			return 0, io.ErrShortBuffer
		}
		return copy(b, pkt.Payload), nil
	}
}
