// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSource struct {
	name string
	out  io.Writer
}

func (s *testSource) Name() string          { return s.name }
func (s *testSource) Role() NodeRole        { return NodeRoleSource }
func (s *testSource) SetOutput(w io.Writer) { s.out = w }

type testSink struct {
	name string
	buf  bytes.Buffer
}

func (s *testSink) Name() string                { return s.name }
func (s *testSink) Role() NodeRole              { return NodeRoleSink }
func (s *testSink) Write(p []byte) (int, error) { return s.buf.Write(p) }

func TestConnectorFanOut(t *testing.T) {
	c := NewConnector()
	src := &testSource{name: "mic"}
	sink1 := &testSink{name: "a"}
	sink2 := &testSink{name: "b"}

	require.NoError(t, c.Connect(src, sink1))
	require.NoError(t, c.Connect(src, sink2))
	require.Error(t, c.Connect(src, sink2))

	_, err := src.out.Write([]byte("frame"))
	require.NoError(t, err)
	assert.Equal(t, "frame", sink1.buf.String())
	assert.Equal(t, "frame", sink2.buf.String())

	links := c.Links()
	require.Len(t, links, 2)
	assert.Equal(t, "mic->a", links[0].String())

	require.NoError(t, c.Disconnect(src, sink1))
	_, err = src.out.Write([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "frame", sink1.buf.String())
	assert.Equal(t, "framex", sink2.buf.String())

	require.NoError(t, c.Disconnect(src, sink2))
	assert.Nil(t, src.out)
	require.Error(t, c.Disconnect(src, sink2))
}

func TestConnectorDisconnectAll(t *testing.T) {
	c := NewConnector()
	src1 := &testSource{name: "mic"}
	src2 := &testSource{name: "receiver"}
	require.NoError(t, c.Connect(src1, &testSink{name: "sender"}))
	require.NoError(t, c.Connect(src2, &testSink{name: "speaker"}))

	assert.Equal(t, 2, c.DisconnectAll())
	assert.Empty(t, c.Links())
	assert.Nil(t, src1.out)
	assert.Nil(t, src2.out)
}
