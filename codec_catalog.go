// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)

// CodecEntry is negotiable codec and its enabled flag
type CodecEntry struct {
	PayloadType int
	Name        string
	MediaType   MediaType
	Enabled     bool
}

func (e CodecEntry) String() string {
	return fmt.Sprintf("%d %s (%s)", e.PayloadType, e.Name, e.MediaType)
}

type codecSetter interface {
	SetCodecEnabled(payloadType int, enabled bool) error
}

// CodecCatalog holds codec table populated once from stack.
// Mutations are applied to stack and must not overlap active call.
type CodecCatalog struct {
	log   zerolog.Logger
	stack codecSetter
	// exclusive runs mutation while no call can become active. Nil runs directly.
	exclusive func(op string, f func() error) error

	mu      sync.Mutex
	entries []CodecEntry
}

func NewCodecCatalog(stack codecSetter, entries []CodecEntry) *CodecCatalog {
	cp := make([]CodecEntry, len(entries))
	copy(cp, entries)
	return &CodecCatalog{
		log:     log.With().Str("caller", "codecs").Logger(),
		stack:   stack,
		entries: cp,
	}
}

// List returns codecs in catalog order
func (c *CodecCatalog) List() []CodecEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CodecEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// ListMedia returns codecs of single media type
func (c *CodecCatalog) ListMedia(mt MediaType) []CodecEntry {
	var out []CodecEntry
	for _, e := range c.List() {
		if e.MediaType == mt {
			out = append(out, e)
		}
	}
	return out
}

// EnabledSet returns enabled payload types
func (c *CodecCatalog) EnabledSet() map[int]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := make(map[int]bool)
	for _, e := range c.entries {
		if e.Enabled {
			set[e.PayloadType] = true
		}
	}
	return set
}

func (c *CodecCatalog) Enable(payloadType int) error {
	return c.mutate("enableCodec", func() error {
		return c.setUnsafe(payloadType, true)
	})
}

func (c *CodecCatalog) Disable(payloadType int) error {
	return c.mutate("disableCodec", func() error {
		return c.setUnsafe(payloadType, false)
	})
}

// Restrict disables all codecs and enables only listed ones.
// Invalid entries are reported together while valid ones still take effect.
func (c *CodecCatalog) Restrict(payloadTypes []int) error {
	return c.mutate("restrictCodecs", func() error {
		var errs []error
		for _, e := range c.entries {
			if !e.Enabled {
				continue
			}
			if err := c.setUnsafe(e.PayloadType, false); err != nil {
				errs = append(errs, err)
			}
		}
		for _, pt := range payloadTypes {
			if err := c.setUnsafe(pt, true); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

func (c *CodecCatalog) mutate(op string, f func() error) error {
	run := func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		return f()
	}
	if c.exclusive == nil {
		return run()
	}
	return c.exclusive(op, run)
}

func (c *CodecCatalog) setUnsafe(payloadType int, enabled bool) error {
	i := c.indexUnsafe(payloadType)
	if i < 0 {
		return &ConfigurationError{Field: "payloadType", Msg: fmt.Sprintf("invalid payload type %d", payloadType)}
	}
	if c.entries[i].Enabled == enabled {
		return nil
	}

	if c.stack != nil {
		if err := c.stack.SetCodecEnabled(payloadType, enabled); err != nil {
			return fmt.Errorf("codec %d: %w", payloadType, err)
		}
	}
	c.entries[i].Enabled = enabled
	c.log.Debug().Int("payload_type", payloadType).Bool("enabled", enabled).Msg("Codec updated")
	return nil
}

func (c *CodecCatalog) indexUnsafe(payloadType int) int {
	for i, e := range c.entries {
		if e.PayloadType == payloadType {
			return i
		}
	}
	return -1
}
