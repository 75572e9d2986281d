// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/emiago/softphone/internal/observer"
)

// fakeStack is in memory Stack. Tests drive notifications with emit and ring.
type fakeStack struct {
	mu            sync.Mutex
	codecs        []CodecEntry
	lines         []*fakeLine
	calls         []*fakeCall
	registered    int
	registerErr   error
	createCallErr error
	startErr      error
	codecUpdates  []string
}

func newFakeStack() *fakeStack {
	return &fakeStack{
		codecs: []CodecEntry{
			{PayloadType: 0, Name: "PCMU", MediaType: MediaAudio, Enabled: true},
			{PayloadType: 8, Name: "PCMA", MediaType: MediaAudio, Enabled: true},
			{PayloadType: 9, Name: "G722", MediaType: MediaAudio, Enabled: false},
			{PayloadType: 18, Name: "G729", MediaType: MediaAudio, Enabled: false},
			{PayloadType: 101, Name: "telephone-event", MediaType: MediaAudio, Enabled: true},
			{PayloadType: 99, Name: "H264", MediaType: MediaVideo, Enabled: false},
		},
	}
}

func (s *fakeStack) CreatePhoneLine(acc Account, transport TransportMode, srtp SRTPMode) (PhoneLineHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := &fakeLine{id: fmt.Sprintf("line-%d", len(s.lines)+1), acc: acc}
	s.lines = append(s.lines, l)
	return l, nil
}

func (s *fakeStack) RegisterPhoneLine(line PhoneLineHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered++
	return s.registerErr
}

func (s *fakeStack) CreateCall(line PhoneLineHandle, address string) (CallHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createCallErr != nil {
		return nil, s.createCallErr
	}
	c := newFakeCall(fmt.Sprintf("call-%d", len(s.calls)+1), CallOutbound, address)
	c.startErr = s.startErr
	s.calls = append(s.calls, c)
	return c, nil
}

func (s *fakeStack) Codecs() []CodecEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CodecEntry, len(s.codecs))
	copy(out, s.codecs)
	return out
}

func (s *fakeStack) SetCodecEnabled(payloadType int, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.codecs {
		if s.codecs[i].PayloadType == payloadType {
			s.codecs[i].Enabled = enabled
			s.codecUpdates = append(s.codecUpdates, fmt.Sprintf("%d=%t", payloadType, enabled))
			return nil
		}
	}
	return fmt.Errorf("no codec %d", payloadType)
}

func (s *fakeStack) registerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (s *fakeStack) line(i int) *fakeLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines[i]
}

func (s *fakeStack) lastCall() *fakeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

func (s *fakeStack) lineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lines)
}

type fakeLine struct {
	id       string
	acc      Account
	regObs   observer.Set[func(RegistrationEvent)]
	inObs    observer.Set[func(CallHandle)]
	mu       sync.Mutex
	closed   int
	inbounds int
}

func (l *fakeLine) ID() string { return l.id }

func (l *fakeLine) OnRegistrationStateChanged(f func(ev RegistrationEvent)) func() {
	return l.regObs.Add(f)
}

func (l *fakeLine) OnIncomingCall(f func(call CallHandle)) func() {
	return l.inObs.Add(f)
}

func (l *fakeLine) Close() error {
	l.mu.Lock()
	l.closed++
	l.mu.Unlock()
	l.emit(RegStateNotRegistered, "closed")
	return nil
}

func (l *fakeLine) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLine) emit(state RegState, reason string) {
	l.emitEvent(RegistrationEvent{State: state, Reason: reason})
}

func (l *fakeLine) emitEvent(ev RegistrationEvent) {
	for _, f := range l.regObs.Snapshot() {
		f(ev)
	}
}

// ring delivers inbound call from remote
func (l *fakeLine) ring(remote string) *fakeCall {
	l.mu.Lock()
	l.inbounds++
	c := newFakeCall(fmt.Sprintf("%s-in-%d", l.id, l.inbounds), CallInbound, remote)
	l.mu.Unlock()
	for _, f := range l.inObs.Snapshot() {
		f(c)
	}
	return c
}

type fakeCall struct {
	id     string
	dir    CallDirection
	remote string
	obs    observer.Set[func(CallEvent)]
	media  *fakeCallMedia

	mu        sync.Mutex
	started   int
	accepted  int
	busy      int
	hangups   int
	startErr  error
	hangupErr error
	// acceptErr fails next Accept only
	acceptErr error
	busyErr   error

	// endOnHangup emits Ended from HangUp like real stack confirmation
	endOnHangup bool
}

func newFakeCall(id string, dir CallDirection, remote string) *fakeCall {
	return &fakeCall{id: id, dir: dir, remote: remote, media: newFakeCallMedia()}
}

func (c *fakeCall) ID() string               { return c.id }
func (c *fakeCall) Direction() CallDirection { return c.dir }
func (c *fakeCall) RemoteAddress() string    { return c.remote }
func (c *fakeCall) Media() CallMedia         { return c.media }

func (c *fakeCall) OnStateChanged(f func(ev CallEvent)) func() {
	return c.obs.Add(f)
}

func (c *fakeCall) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started++
	return c.startErr
}

func (c *fakeCall) Accept() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accepted++
	err := c.acceptErr
	c.acceptErr = nil
	return err
}

func (c *fakeCall) Busy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy++
	return c.busyErr
}

func (c *fakeCall) HangUp() error {
	c.mu.Lock()
	c.hangups++
	err := c.hangupErr
	end := c.endOnHangup
	c.mu.Unlock()
	if err == nil && end {
		c.emit(CallEnded, "local hangup")
	}
	return err
}

func (c *fakeCall) counts() (started, accepted, busy, hangups int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started, c.accepted, c.busy, c.hangups
}

func (c *fakeCall) emit(state CallState, reason string) {
	c.emitEvent(CallEvent{State: state, Reason: reason})
}

func (c *fakeCall) emitEvent(ev CallEvent) {
	for _, f := range c.obs.Snapshot() {
		f(ev)
	}
}

// fakeCallMedia has outbound audio collected in buffer and inbound audio fed through pipe
type fakeCallMedia struct {
	mu   sync.Mutex
	sent bytes.Buffer

	pr *io.PipeReader
	pw *io.PipeWriter
}

func newFakeCallMedia() *fakeCallMedia {
	pr, pw := io.Pipe()
	return &fakeCallMedia{pr: pr, pw: pw}
}

func (m *fakeCallMedia) AudioReader() (io.Reader, error) { return m.pr, nil }
func (m *fakeCallMedia) AudioWriter() (io.Writer, error) { return m, nil }

func (m *fakeCallMedia) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent.Write(p)
}

func (m *fakeCallMedia) sentBytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.sent.Bytes()...)
}

// recordingBinder records media operations of controller in order
type recordingBinder struct {
	mu        sync.Mutex
	ops       []string
	attachErr error
}

func (b *recordingBinder) Attach(callID string, m CallMedia) error {
	b.record("attach:" + callID)
	return b.attachErr
}

func (b *recordingBinder) Detach() error {
	b.record("detach")
	return nil
}

func (b *recordingBinder) StartDevices() error {
	b.record("start")
	return nil
}

func (b *recordingBinder) StopDevices() error {
	b.record("stop")
	return nil
}

func (b *recordingBinder) record(op string) {
	b.mu.Lock()
	b.ops = append(b.ops, op)
	b.mu.Unlock()
}

func (b *recordingBinder) operations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ops...)
}

// count returns number of recorded op
func (b *recordingBinder) count(op string) int {
	n := 0
	for _, o := range b.operations() {
		if o == op {
			n++
		}
	}
	return n
}

func testAccount() Account {
	return Account{
		AuthenticationID:     "1000",
		Password:             "secret",
		DomainHost:           "sip.example.com",
		DomainPort:           5060,
		RegistrationRequired: true,
	}
}
