// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"math/rand"
)

const (
	// RFC 3550 A.1 recommended limits
	seqMaxDropout  uint16 = 3000
	seqMaxMisorder uint16 = 100
	seqMod                = 1 << 16
)

var (
	ErrRTPSequenceBad       = errors.New("bad sequence")
	ErrRTPSequenceDuplicate = errors.New("sequence duplicate")
)

// RTPExtendedSequenceNumber tracks 16 bit RTP sequence with wrap around count.
// For thread safety you should wrap it
type RTPExtendedSequenceNumber struct {
	seqNum uint16
	cycles uint16
	badSeq uint32
}

// NewRTPSequencer creates sequencer with random start used for sending
func NewRTPSequencer() RTPExtendedSequenceNumber {
	sn := RTPExtendedSequenceNumber{}
	sn.InitSeq(uint16(rand.Uint32()))
	return sn
}

func (sn *RTPExtendedSequenceNumber) InitSeq(seq uint16) {
	sn.seqNum = seq
	sn.cycles = 0
	sn.badSeq = seqMod + 1
}

// UpdateSeq validates received sequence number
func (sn *RTPExtendedSequenceNumber) UpdateSeq(seq uint16) error {
	udelta := seq - sn.seqNum
	switch {
	case udelta == 0:
		return ErrRTPSequenceDuplicate
	case udelta < seqMaxDropout:
		if seq < sn.seqNum {
			sn.cycles++
		}
		sn.seqNum = seq
		return nil
	case udelta <= seqMod-1-seqMaxMisorder:
		// very large jump. Two sequential packets restart tracking
		if uint32(seq) == sn.badSeq {
			sn.InitSeq(seq)
			return nil
		}
		sn.badSeq = (uint32(seq) + 1) & (seqMod - 1)
		return ErrRTPSequenceBad
	}
	// late packet
	return ErrRTPSequenceDuplicate
}

func (sn *RTPExtendedSequenceNumber) ReadExtendedSeq() uint64 {
	return uint64(sn.seqNum) + seqMod*uint64(sn.cycles)
}

// NextSeqNumber increments sequence for sending
func (sn *RTPExtendedSequenceNumber) NextSeqNumber() uint16 {
	sn.seqNum++
	if sn.seqNum == 0 {
		sn.cycles++
	}
	return sn.seqNum
}
