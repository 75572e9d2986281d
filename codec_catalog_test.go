// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecCatalogList(t *testing.T) {
	stack := newFakeStack()
	c := NewCodecCatalog(stack, stack.Codecs())

	list := c.List()
	require.Len(t, list, 6)
	assert.Equal(t, 0, list[0].PayloadType)
	assert.Equal(t, "PCMU", list[0].Name)
	assert.Equal(t, "0 PCMU (audio)", list[0].String())

	video := c.ListMedia(MediaVideo)
	require.Len(t, video, 1)
	assert.Equal(t, "H264", video[0].Name)

	// Returned slice is copy
	list[0].Enabled = false
	assert.True(t, c.List()[0].Enabled)
}

func TestCodecCatalogEnableDisableRoundTrip(t *testing.T) {
	stack := newFakeStack()
	c := NewCodecCatalog(stack, stack.Codecs())
	before := c.EnabledSet()

	for _, e := range c.List() {
		require.NoError(t, c.Enable(e.PayloadType))
		require.NoError(t, c.Disable(e.PayloadType))
		if before[e.PayloadType] {
			require.NoError(t, c.Enable(e.PayloadType))
		}
	}
	assert.Equal(t, before, c.EnabledSet())

	for _, e := range stack.Codecs() {
		assert.Equal(t, before[e.PayloadType], e.Enabled, "stack codec %d out of sync", e.PayloadType)
	}
}

func TestCodecCatalogUnknownPayloadType(t *testing.T) {
	stack := newFakeStack()
	c := NewCodecCatalog(stack, stack.Codecs())

	err := c.Enable(77)
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Msg, "77")

	var serr *CallSetupError
	assert.False(t, errors.As(err, &serr))
	assert.Empty(t, stack.codecUpdates)
}

func TestCodecCatalogRestrictToPCMU(t *testing.T) {
	stack := newFakeStack()
	c := NewCodecCatalog(stack, stack.Codecs())

	for _, e := range c.List() {
		require.NoError(t, c.Disable(e.PayloadType))
	}
	require.NoError(t, c.Enable(0))

	assert.Equal(t, map[int]bool{0: true}, c.EnabledSet())
	for _, e := range c.List() {
		assert.Equal(t, e.PayloadType == 0, e.Enabled)
	}
}

func TestCodecCatalogRestrictWithInvalid(t *testing.T) {
	stack := newFakeStack()
	c := NewCodecCatalog(stack, stack.Codecs())

	err := c.Restrict([]int{8, 55, 9, 200})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid payload type 55")
	assert.Contains(t, err.Error(), "invalid payload type 200")

	assert.Equal(t, map[int]bool{8: true, 9: true}, c.EnabledSet())
}

func TestCodecCatalogExclusive(t *testing.T) {
	stack := newFakeStack()
	c := NewCodecCatalog(stack, stack.Codecs())

	errBusy := errors.New("busy")
	var ops []string
	c.exclusive = func(op string, f func() error) error {
		ops = append(ops, op)
		if op == "disableCodec" {
			return errBusy
		}
		return f()
	}

	require.NoError(t, c.Enable(9))
	require.ErrorIs(t, c.Disable(0), errBusy)
	assert.True(t, c.EnabledSet()[0])
	assert.Equal(t, []string{"enableCodec", "disableCodec"}, ops)
}
