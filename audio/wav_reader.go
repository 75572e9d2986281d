// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"fmt"
	"io"

	"github.com/go-audio/riff"
)

// WavReader streams PCM from data chunk of wav
type WavReader struct {
	riff.Parser
	chunkData *riff.Chunk
	DataSize  int
}

func NewWavReader(r io.Reader) *WavReader {
	parser := riff.New(r)
	reader := WavReader{Parser: *parser}
	return &reader
}

// ReadHeaders reads until data chunk
func (r *WavReader) ReadHeaders() error {
	if err := r.Parser.ParseHeaders(); err != nil {
		return err
	}
	if err := r.readFmtChunk(); err != nil {
		return err
	}
	return r.readDataChunk()
}

// ValidateFormat checks is stream 16 bit LPCM of given rate and channels
func (r *WavReader) ValidateFormat(sampleRate uint32, numChans uint16) error {
	if r.WavAudioFormat != 1 {
		return fmt.Errorf("wav: audio format %d is not PCM", r.WavAudioFormat)
	}
	if r.BitsPerSample != 16 {
		return fmt.Errorf("wav: bit depth %d not supported", r.BitsPerSample)
	}
	if r.SampleRate != sampleRate || r.NumChannels != numChans {
		return fmt.Errorf("wav: expected %dHz/%dch got %dHz/%dch", sampleRate, numChans, r.SampleRate, r.NumChannels)
	}
	return nil
}

func (r *WavReader) readFmtChunk() error {
	for {
		chunk, err := r.NextChunk()
		if err != nil {
			return err
		}

		if chunk.ID != riff.FmtID {
			chunk.Drain()
			continue
		}
		return chunk.DecodeWavHeader(&r.Parser)
	}
}

func (r *WavReader) readDataChunk() error {
	for {
		chunk, err := r.NextChunk()
		if err != nil {
			return err
		}

		if chunk.ID != riff.DataFormatID {
			chunk.Drain()
			continue
		}
		r.chunkData = chunk
		r.DataSize = chunk.Size
		return nil
	}
}

// Read returns PCM underneath
func (r *WavReader) Read(buf []byte) (n int, err error) {
	if r.chunkData == nil {
		if err := r.readDataChunk(); err != nil {
			return 0, err
		}
	}
	return r.chunkData.Read(buf)
}
