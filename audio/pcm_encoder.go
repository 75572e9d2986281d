// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"fmt"
	"io"

	"github.com/emiago/softphone/media"
)

/*
	PCM Decoder and Encoder translate between VOIP codecs and 16 bit LPCM.
	They sit between RTP packet reader/writer and local devices.
*/

const (
	// 20ms of 8kHz mono 16 bit LPCM
	FrameSizePCM = 320

	FORMAT_TYPE_ULAW = 0
	FORMAT_TYPE_ALAW = 8
)

// PCMFrameSize returns byte size of single 16 bit LPCM frame for codec
func PCMFrameSize(codec media.Codec) int {
	samples := int(float64(codec.SampleRate) * codec.SampleDur.Seconds())
	ch := codec.NumChannels
	if ch == 0 {
		ch = 1
	}
	return samples * ch * 2
}

func encoderFor(payloadType uint8) (func(encoded []byte, lpcm []byte) (int, error), error) {
	switch payloadType {
	case FORMAT_TYPE_ULAW:
		return EncodeUlawTo, nil
	case FORMAT_TYPE_ALAW:
		return EncodeAlawTo, nil
	}
	return nil, fmt.Errorf("not supported codec %d", payloadType)
}

func decoderFor(payloadType uint8) (func(lpcm []byte, encoded []byte) (int, error), error) {
	switch payloadType {
	case FORMAT_TYPE_ULAW:
		return DecodeUlawTo, nil
	case FORMAT_TYPE_ALAW:
		return DecodeAlawTo, nil
	}
	return nil, fmt.Errorf("not supported codec %d", payloadType)
}

// SupportedPCMCodec reports can codec be translated to LPCM
func SupportedPCMCodec(payloadType uint8) bool {
	_, err := encoderFor(payloadType)
	return err == nil
}

// PCMDecoderReader reads encoded payload from Source and returns LPCM
type PCMDecoderReader struct {
	Source    io.Reader
	DecoderTo func(lpcm []byte, encoded []byte) (int, error)
	buf       []byte
}

func NewPCMDecoderReader(payloadType uint8, reader io.Reader) (*PCMDecoderReader, error) {
	dec, err := decoderFor(payloadType)
	if err != nil {
		return nil, err
	}
	return &PCMDecoderReader{
		Source:    reader,
		DecoderTo: dec,
		buf:       make([]byte, media.RTPBufSize),
	}, nil
}

// Read decodes and return PCM
// NOTE: It is expected that buffer fits decoded frame, which is 2x of encoded size.
func (d *PCMDecoderReader) Read(b []byte) (n int, err error) {
	// Do not read more than we can decode
	max := len(b) / 2
	if max > len(d.buf) {
		max = len(d.buf)
	}
	n, err = d.Source.Read(d.buf[:max])
	if err != nil {
		return n, err
	}
	return d.DecoderTo(b, d.buf[:n])
}

// PCMEncoderWriter encodes written LPCM and passes encoded payload to Writer
type PCMEncoderWriter struct {
	Writer    io.Writer
	EncoderTo func(encoded []byte, lpcm []byte) (int, error)
	buf       []byte
}

func NewPCMEncoderWriter(payloadType uint8, writer io.Writer) (*PCMEncoderWriter, error) {
	enc, err := encoderFor(payloadType)
	if err != nil {
		return nil, err
	}
	return &PCMEncoderWriter{
		Writer:    writer,
		EncoderTo: enc,
		buf:       make([]byte, media.RTPBufSize),
	}, nil
}

func (e *PCMEncoderWriter) Write(lpcm []byte) (int, error) {
	// If encoder can not fit our network buffer it will error
	n, err := e.EncoderTo(e.buf, lpcm)
	if err != nil {
		return 0, err
	}
	encoded := e.buf[:n]

	nn, err := e.Writer.Write(encoded)
	if err != nil {
		return 0, err
	}
	if nn != len(encoded) {
		return 0, io.ErrShortWrite
	}
	return len(lpcm), nil
}
