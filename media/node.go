// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"fmt"
	"io"
	"sync"
)

type NodeRole int

const (
	NodeRoleSource NodeRole = iota
	NodeRoleSink
	NodeRoleProcessor
)

func (r NodeRole) String() string {
	switch r {
	case NodeRoleSource:
		return "source"
	case NodeRoleSink:
		return "sink"
	case NodeRoleProcessor:
		return "processor"
	}
	return "unknown"
}

// Node is any element of media graph. Sources push frames to their output,
// sinks consume frames with Write. Processors are both.
type Node interface {
	Name() string
	Role() NodeRole
}

// OutputNode produces frames.
type OutputNode interface {
	Node
	// SetOutput replaces destination of produced frames. nil stops forwarding.
	SetOutput(w io.Writer)
}

// InputNode consumes frames.
type InputNode interface {
	Node
	io.Writer
}

// Device is hardware or file backed node that must be started before producing or consuming.
type Device interface {
	Node
	Start() error
	Stop() error
}

// Link is directed connection between two nodes
type Link struct {
	From OutputNode
	To   InputNode
}

func (l Link) String() string {
	return l.From.Name() + "->" + l.To.Name()
}

// Connector keeps links between nodes. Output of each source is fan-out of all its sinks.
type Connector struct {
	mu    sync.Mutex
	links map[OutputNode][]InputNode
	order []OutputNode
}

func NewConnector() *Connector {
	return &Connector{
		links: make(map[OutputNode][]InputNode),
	}
}

// Connect creates link from a to b.
func (c *Connector) Connect(a OutputNode, b InputNode) error {
	if a == nil || b == nil {
		return fmt.Errorf("connector: nil node")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	sinks, exists := c.links[a]
	for _, s := range sinks {
		if s == b {
			return fmt.Errorf("connector: %s->%s already connected", a.Name(), b.Name())
		}
	}
	if !exists {
		c.order = append(c.order, a)
	}
	sinks = append(sinks, b)
	c.links[a] = sinks
	a.SetOutput(fanOut(sinks))
	return nil
}

// Disconnect removes link from a to b.
func (c *Connector) Disconnect(a OutputNode, b InputNode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sinks := c.links[a]
	for i, s := range sinks {
		if s != b {
			continue
		}
		sinks = append(sinks[:i:i], sinks[i+1:]...)
		if len(sinks) == 0 {
			c.removeUnsafe(a)
			a.SetOutput(nil)
			return nil
		}
		c.links[a] = sinks
		a.SetOutput(fanOut(sinks))
		return nil
	}
	return fmt.Errorf("connector: %s->%s not connected", a.Name(), b.Name())
}

// DisconnectAll removes every link and returns how many were removed.
func (c *Connector) DisconnectAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, a := range c.order {
		n += len(c.links[a])
		a.SetOutput(nil)
	}
	c.links = make(map[OutputNode][]InputNode)
	c.order = nil
	return n
}

// Links returns current links in creation order of sources.
func (c *Connector) Links() []Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Link
	for _, a := range c.order {
		for _, b := range c.links[a] {
			out = append(out, Link{From: a, To: b})
		}
	}
	return out
}

func (c *Connector) removeUnsafe(a OutputNode) {
	delete(c.links, a)
	for i, n := range c.order {
		if n == a {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func fanOut(sinks []InputNode) io.Writer {
	if len(sinks) == 1 {
		return sinks[0]
	}
	cp := make([]InputNode, len(sinks))
	copy(cp, sinks)
	return multiSink(cp)
}

// multiSink writes to all sinks. Unlike io.MultiWriter a failing sink does not stop others.
type multiSink []InputNode

func (m multiSink) Write(p []byte) (int, error) {
	var firstErr error
	for _, s := range m {
		if _, err := s.Write(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return len(p), firstErr
}
