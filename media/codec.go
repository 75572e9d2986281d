// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	MediaTypeAudio = "audio"
	MediaTypeVideo = "video"
)

var (
	// Here are some codec constants that can be reused
	CodecAudioUlaw          = Codec{PayloadType: 0, Name: "PCMU", MediaType: MediaTypeAudio, SampleRate: 8000, NumChannels: 1, SampleDur: 20 * time.Millisecond}
	CodecAudioGSM           = Codec{PayloadType: 3, Name: "GSM", MediaType: MediaTypeAudio, SampleRate: 8000, NumChannels: 1, SampleDur: 20 * time.Millisecond}
	CodecAudioAlaw          = Codec{PayloadType: 8, Name: "PCMA", MediaType: MediaTypeAudio, SampleRate: 8000, NumChannels: 1, SampleDur: 20 * time.Millisecond}
	CodecAudioG722          = Codec{PayloadType: 9, Name: "G722", MediaType: MediaTypeAudio, SampleRate: 8000, NumChannels: 1, SampleDur: 20 * time.Millisecond}
	CodecAudioG729          = Codec{PayloadType: 18, Name: "G729", MediaType: MediaTypeAudio, SampleRate: 8000, NumChannels: 1, SampleDur: 20 * time.Millisecond}
	CodecAudioOpus          = Codec{PayloadType: 96, Name: "opus", MediaType: MediaTypeAudio, SampleRate: 48000, NumChannels: 2, SampleDur: 20 * time.Millisecond}
	CodecTelephoneEvent8000 = Codec{PayloadType: 101, Name: "telephone-event", MediaType: MediaTypeAudio, SampleRate: 8000, NumChannels: 1, SampleDur: 20 * time.Millisecond}

	CodecVideoH263 = Codec{PayloadType: 34, Name: "H263", MediaType: MediaTypeVideo, SampleRate: 90000}
	CodecVideoH264 = Codec{PayloadType: 99, Name: "H264", MediaType: MediaTypeVideo, SampleRate: 90000}
	CodecVideoVP8  = Codec{PayloadType: 100, Name: "VP8", MediaType: MediaTypeVideo, SampleRate: 90000}
)

// DefaultCodecs is codec table softphone offers. Order is preference order.
func DefaultCodecs() []Codec {
	return []Codec{
		CodecAudioUlaw,
		CodecAudioAlaw,
		CodecAudioGSM,
		CodecAudioG722,
		CodecAudioG729,
		CodecAudioOpus,
		CodecTelephoneEvent8000,
		CodecVideoH263,
		CodecVideoH264,
		CodecVideoVP8,
	}
}

type Codec struct {
	PayloadType uint8
	Name        string
	MediaType   string
	SampleRate  uint32
	NumChannels int
	SampleDur   time.Duration
}

func (c *Codec) String() string {
	return fmt.Sprintf("name=%s pt=%d rate=%d dur=%s", c.Name, c.PayloadType, c.SampleRate, c.SampleDur.String())
}

// SampleTimestamp is RTP timestamp increment for single frame
func (c *Codec) SampleTimestamp() uint32 {
	return uint32(float64(c.SampleRate) * c.SampleDur.Seconds())
}

// RTPMap returns value of a=rtpmap attribute
func (c *Codec) RTPMap() string {
	s := strconv.Itoa(int(c.PayloadType)) + " " + c.Name + "/" + strconv.Itoa(int(c.SampleRate))
	if c.NumChannels > 1 {
		s += "/" + strconv.Itoa(c.NumChannels)
	}
	return s
}

// FMTP returns value of a=fmtp attribute or empty
func (c *Codec) FMTP() string {
	switch c.Name {
	case CodecTelephoneEvent8000.Name:
		return strconv.Itoa(int(c.PayloadType)) + " 0-16"
	case CodecAudioOpus.Name:
		// Providing 0 when FEC cannot be used on the receiving side is RECOMMENDED.
		// https://datatracker.ietf.org/doc/html/rfc7587
		return strconv.Itoa(int(c.PayloadType)) + " useinbandfec=0"
	}
	return ""
}

// Match compares codecs as negotiated in SDP. Static payload types match on number,
// dynamic ones on encoding name and clock rate.
func (c *Codec) Match(o Codec) bool {
	if c.PayloadType < 96 && o.PayloadType < 96 {
		return c.PayloadType == o.PayloadType
	}
	return strings.EqualFold(c.Name, o.Name) && c.SampleRate == o.SampleRate
}

// CodecFromPayloadType looks up codec in default table
func CodecFromPayloadType(payloadType uint8) (Codec, bool) {
	for _, c := range DefaultCodecs() {
		if c.PayloadType == payloadType {
			return c, true
		}
	}
	return Codec{}, false
}

// parseRTPMap parses "<pt> <name>/<rate>[/<channels>]"
func parseRTPMap(value string) (Codec, error) {
	ptStr, enc, ok := strings.Cut(value, " ")
	if !ok {
		return Codec{}, fmt.Errorf("bad rtpmap %q", value)
	}
	pt, err := strconv.ParseUint(ptStr, 10, 8)
	if err != nil {
		return Codec{}, fmt.Errorf("bad rtpmap payload type %q: %w", ptStr, err)
	}

	parts := strings.Split(enc, "/")
	c := Codec{
		PayloadType: uint8(pt),
		Name:        parts[0],
		NumChannels: 1,
		SampleDur:   20 * time.Millisecond,
	}
	if len(parts) > 1 {
		rate, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return Codec{}, fmt.Errorf("bad rtpmap clock rate %q: %w", parts[1], err)
		}
		c.SampleRate = uint32(rate)
	}
	if len(parts) > 2 {
		ch, err := strconv.Atoi(parts[2])
		if err != nil {
			return Codec{}, fmt.Errorf("bad rtpmap channels %q: %w", parts[2], err)
		}
		c.NumChannels = ch
	}
	return c, nil
}
