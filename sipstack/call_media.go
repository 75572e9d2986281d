// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sipstack

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/emiago/softphone"
	"github.com/emiago/softphone/audio"
	"github.com/emiago/softphone/media"
)

var errMediaNotReady = errors.New("call media not negotiated")

var _ softphone.CallMedia = (*callMedia)(nil)

// callMedia exposes negotiated RTP session as LPCM streams.
// Reader and writer are built once media session is negotiated.
type callMedia struct {
	mu      sync.Mutex
	session *media.MediaSession
	codec   media.Codec

	rtpReader *media.RTPPacketReader
	rtpWriter *media.RTPPacketWriter
	reader    io.Reader
	writer    io.Writer
}

// setup must be called after remote SDP is applied
func (m *callMedia) setup(sess *media.MediaSession) error {
	codec, err := sess.NegotiatedCodec()
	if err != nil {
		return err
	}
	if !audio.SupportedPCMCodec(codec.PayloadType) {
		return fmt.Errorf("negotiated codec %s can not be decoded", codec.Name)
	}

	rtpReader := media.NewRTPPacketReader(sess, codec)
	rtpWriter := media.NewRTPPacketWriter(sess, codec)
	dec, err := audio.NewPCMDecoderReader(codec.PayloadType, rtpReader)
	if err != nil {
		return err
	}
	enc, err := audio.NewPCMEncoderWriter(codec.PayloadType, rtpWriter)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = sess
	m.codec = codec
	m.rtpReader = rtpReader
	m.rtpWriter = rtpWriter
	m.reader = dec
	m.writer = enc
	return nil
}

func (m *callMedia) AudioReader() (io.Reader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reader == nil {
		return nil, errMediaNotReady
	}
	return m.reader, nil
}

func (m *callMedia) AudioWriter() (io.Writer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writer == nil {
		return nil, errMediaNotReady
	}
	return m.writer, nil
}

// Codec returns negotiated codec
func (m *callMedia) Codec() (media.Codec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codec, m.session != nil
}
