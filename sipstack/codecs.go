// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sipstack

import (
	"fmt"
	"sync"

	"github.com/emiago/softphone"
	"github.com/emiago/softphone/media"
)

type codecState struct {
	codec   media.Codec
	enabled bool
}

// codecTable is negotiation table. Order is offer preference.
type codecTable struct {
	mu      sync.Mutex
	entries []codecState
}

func newCodecTable(codecs []media.Codec) *codecTable {
	t := &codecTable{}
	for _, c := range codecs {
		t.entries = append(t.entries, codecState{codec: c, enabled: defaultEnabled(c)})
	}
	return t
}

// defaultEnabled keeps only codecs we can transcode to LPCM
func defaultEnabled(c media.Codec) bool {
	switch c.PayloadType {
	case media.CodecAudioUlaw.PayloadType, media.CodecAudioAlaw.PayloadType, media.CodecTelephoneEvent8000.PayloadType:
		return c.MediaType == media.MediaTypeAudio
	}
	return false
}

func (t *codecTable) list() []softphone.CodecEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]softphone.CodecEntry, 0, len(t.entries))
	for _, e := range t.entries {
		mt := softphone.MediaAudio
		if e.codec.MediaType == media.MediaTypeVideo {
			mt = softphone.MediaVideo
		}
		out = append(out, softphone.CodecEntry{
			PayloadType: int(e.codec.PayloadType),
			Name:        e.codec.Name,
			MediaType:   mt,
			Enabled:     e.enabled,
		})
	}
	return out
}

func (t *codecTable) setEnabled(payloadType int, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if int(t.entries[i].codec.PayloadType) == payloadType {
			t.entries[i].enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("codec with payload type %d not found", payloadType)
}

// offer returns enabled audio codecs for new media session
func (t *codecTable) offer() []media.Codec {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []media.Codec
	for _, e := range t.entries {
		if e.enabled && e.codec.MediaType == media.MediaTypeAudio {
			out = append(out, e.codec)
		}
	}
	return out
}
