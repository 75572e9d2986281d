// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/softphone"
	"github.com/emiago/softphone/internal/observer"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStack registers lines immediately and rings remote on call start
type stubStack struct {
	mu     sync.Mutex
	codecs []softphone.CodecEntry
	calls  int
}

func (s *stubStack) CreatePhoneLine(acc softphone.Account, transport softphone.TransportMode, srtp softphone.SRTPMode) (softphone.PhoneLineHandle, error) {
	return &stubLine{id: "line-1"}, nil
}

func (s *stubStack) RegisterPhoneLine(line softphone.PhoneLineHandle) error {
	l := line.(*stubLine)
	go l.emit(softphone.RegistrationEvent{State: softphone.RegStateSucceeded, Reason: "200 OK"})
	return nil
}

func (s *stubStack) CreateCall(line softphone.PhoneLineHandle, address string) (softphone.CallHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return &stubCall{id: fmt.Sprintf("call-%d", s.calls), remote: address}, nil
}

func (s *stubStack) Codecs() []softphone.CodecEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]softphone.CodecEntry(nil), s.codecs...)
}

func (s *stubStack) SetCodecEnabled(payloadType int, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.codecs {
		if s.codecs[i].PayloadType == payloadType {
			s.codecs[i].Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("no codec %d", payloadType)
}

type stubLine struct {
	id     string
	regObs observer.Set[func(softphone.RegistrationEvent)]
}

func (l *stubLine) ID() string { return l.id }
func (l *stubLine) OnRegistrationStateChanged(f func(ev softphone.RegistrationEvent)) func() {
	return l.regObs.Add(f)
}
func (l *stubLine) OnIncomingCall(f func(call softphone.CallHandle)) func() { return func() {} }
func (l *stubLine) Close() error {
	go l.emit(softphone.RegistrationEvent{State: softphone.RegStateNotRegistered})
	return nil
}

func (l *stubLine) emit(ev softphone.RegistrationEvent) {
	for _, f := range l.regObs.Snapshot() {
		f(ev)
	}
}

type stubCall struct {
	id     string
	remote string
	obs    observer.Set[func(softphone.CallEvent)]
}

func (c *stubCall) ID() string                         { return c.id }
func (c *stubCall) Direction() softphone.CallDirection { return softphone.CallOutbound }
func (c *stubCall) RemoteAddress() string              { return c.remote }
func (c *stubCall) Media() softphone.CallMedia         { return nil }
func (c *stubCall) Accept() error                      { return nil }
func (c *stubCall) Busy() error                        { return nil }

func (c *stubCall) OnStateChanged(f func(ev softphone.CallEvent)) func() {
	return c.obs.Add(f)
}

func (c *stubCall) Start() error {
	go c.emit(softphone.CallEvent{State: softphone.CallRinging, Reason: "180 Ringing"})
	return nil
}

func (c *stubCall) HangUp() error {
	go c.emit(softphone.CallEvent{State: softphone.CallEnded, Reason: "local hangup"})
	return nil
}

func (c *stubCall) emit(ev softphone.CallEvent) {
	for _, f := range c.obs.Snapshot() {
		f(ev)
	}
}

func testServer(t *testing.T) (*softphone.Phone, *httptest.Server) {
	stack := &stubStack{codecs: []softphone.CodecEntry{
		{PayloadType: 0, Name: "PCMU", MediaType: softphone.MediaAudio, Enabled: true},
		{PayloadType: 8, Name: "PCMA", MediaType: softphone.MediaAudio, Enabled: true},
		{PayloadType: 101, Name: "telephone-event", MediaType: softphone.MediaAudio, Enabled: true},
	}}
	reg := prometheus.NewRegistry()
	phone, err := softphone.NewPhone(stack, softphone.WithMetrics(softphone.NewMetrics(reg)))
	require.NoError(t, err)

	srv := NewServer(phone, WithGatherer(reg))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
		phone.Close()
	})
	return phone, ts
}

func register(t *testing.T, phone *softphone.Phone) {
	_, err := phone.Register(softphone.Account{
		AuthenticationID:     "alice",
		Password:             "secret",
		DomainHost:           "pbx.example.com",
		DomainPort:           5060,
		RegistrationRequired: true,
	}, softphone.TransportUDP, softphone.SRTPOff)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return phone.Line().State() == softphone.LineRegistered
	}, 2*time.Second, 10*time.Millisecond)
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func TestServerStatus(t *testing.T) {
	phone, ts := testServer(t)

	res, body := do(t, http.MethodGet, ts.URL+"/status", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var st statusDTO
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Nil(t, st.Line)
	assert.Nil(t, st.Call)

	register(t, phone)
	_, body = do(t, http.MethodGet, ts.URL+"/status", "")
	require.NoError(t, json.Unmarshal(body, &st))
	require.NotNil(t, st.Line)
	assert.Equal(t, "Registered", st.Line.State)
	assert.Equal(t, "alice", st.Line.User)
	assert.Equal(t, "udp", st.Line.Transport)
}

func TestServerCodecs(t *testing.T) {
	_, ts := testServer(t)

	res, _ := do(t, http.MethodPost, ts.URL+"/codecs/8/disable", "")
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, _ = do(t, http.MethodPost, ts.URL+"/codecs/77/enable", "")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res, _ = do(t, http.MethodPost, ts.URL+"/codecs/abc/enable", "")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, body := do(t, http.MethodPut, ts.URL+"/codecs", `{"payload_types":[8, 77]}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	var partial struct {
		Error  string     `json:"error"`
		Codecs []codecDTO `json:"codecs"`
	}
	require.NoError(t, json.Unmarshal(body, &partial))
	assert.Contains(t, partial.Error, "77")

	enabled := map[int]bool{}
	for _, c := range partial.Codecs {
		enabled[c.PayloadType] = c.Enabled
	}
	assert.Equal(t, map[int]bool{0: false, 8: true, 101: false}, enabled)
}

func TestServerCallCommands(t *testing.T) {
	phone, ts := testServer(t)

	res, _ := do(t, http.MethodPost, ts.URL+"/calls", `{"address":"1001"}`)
	assert.Equal(t, http.StatusConflict, res.StatusCode, "line not registered")

	register(t, phone)
	res, _ = do(t, http.MethodPost, ts.URL+"/calls", `{"address":""}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, body := do(t, http.MethodPost, ts.URL+"/calls", `{"address":"1001"}`)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	var call callDTO
	require.NoError(t, json.Unmarshal(body, &call))
	assert.Equal(t, "1001", call.Remote)
	assert.Equal(t, "outbound", call.Direction)

	res, _ = do(t, http.MethodPost, ts.URL+"/calls", `{"address":"1002"}`)
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res, _ = do(t, http.MethodPost, ts.URL+"/calls/accept", "")
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res, _ = do(t, http.MethodDelete, ts.URL+"/calls", "")
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	require.Eventually(t, func() bool { return phone.ActiveCall() == nil }, 2*time.Second, 10*time.Millisecond)
}

func TestServerEvents(t *testing.T) {
	phone, ts := testServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/events", nil)
	require.NoError(t, err)
	defer conn.Close()

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		for {
			var ev Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			events <- ev
		}
	}()

	// Client is added to hub asynchronously to upgrade so registration is repeated
	acc := softphone.Account{AuthenticationID: "alice", Password: "secret", DomainHost: "pbx.example.com", DomainPort: 5060, RegistrationRequired: true}
	var got Event
	require.Eventually(t, func() bool {
		phone.Register(acc, softphone.TransportUDP, softphone.SRTPOff)
		select {
		case got = <-events:
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, EventRegistration, got.Type)
	assert.Equal(t, "line-1", got.LineID)
}

func TestServerMetrics(t *testing.T) {
	phone, ts := testServer(t)
	register(t, phone)

	res, body := do(t, http.MethodGet, ts.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "softphone_registration_transitions_total")
}
