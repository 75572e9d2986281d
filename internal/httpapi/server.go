// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package httpapi exposes phone commands over HTTP and its notifications over websocket.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/emiago/softphone"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Control surface is meant for localhost
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	log      zerolog.Logger
	phone    *softphone.Phone
	hub      *Hub
	gatherer prometheus.Gatherer
	unsub    []func()
}

type Option func(s *Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithGatherer serves metrics of gatherer on /metrics
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// NewServer subscribes to phone notifications. Close must be called to release them.
func NewServer(phone *softphone.Phone, opts ...Option) *Server {
	s := &Server{
		log:   log.With().Str("caller", "httpapi").Logger(),
		phone: phone,
	}
	for _, o := range opts {
		o(s)
	}
	s.hub = NewHub(s.log)
	go s.hub.Run()

	s.unsub = append(s.unsub,
		phone.OnRegistrationStateChanged(func(ev softphone.RegistrationStateChange) {
			s.hub.Broadcast(Event{Type: EventRegistration, LineID: ev.Line.ID(), State: string(ev.State), Reason: ev.Reason})
		}),
		phone.OnCallStateChanged(func(ev softphone.CallStateChange) {
			s.hub.Broadcast(Event{
				Type:      EventCallState,
				CallID:    ev.Call.ID(),
				State:     string(ev.State),
				Reason:    ev.Reason,
				Remote:    ev.Call.RemoteAddress(),
				Direction: ev.Call.Direction().String(),
			})
		}),
		phone.OnIncomingCall(func(call *softphone.Call) {
			s.hub.Broadcast(Event{Type: EventIncomingCall, CallID: call.ID(), Remote: call.RemoteAddress(), Direction: call.Direction().String()})
		}),
	)
	return s
}

func (s *Server) Close() {
	for _, f := range s.unsub {
		f()
	}
	s.hub.Stop()
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/status", s.getStatus)
	r.Route("/codecs", func(r chi.Router) {
		r.Get("/", s.listCodecs)
		r.Put("/", s.restrictCodecs)
		r.Post("/{payloadType}/enable", s.setCodec(true))
		r.Post("/{payloadType}/disable", s.setCodec(false))
	})
	r.Route("/calls", func(r chi.Router) {
		r.Post("/", s.startCall)
		r.Post("/accept", s.acceptCall)
		r.Delete("/", s.hangUp)
	})
	r.Get("/events", s.serveWS)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

type statusDTO struct {
	Line *lineDTO `json:"line"`
	Call *callDTO `json:"call"`
}

type lineDTO struct {
	ID        string `json:"id"`
	User      string `json:"user"`
	Domain    string `json:"domain"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	Transport string `json:"transport"`
	SRTP      string `json:"srtp"`
}

type callDTO struct {
	ID        string `json:"id"`
	Direction string `json:"direction"`
	Remote    string `json:"remote"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
}

type codecDTO struct {
	PayloadType int    `json:"payload_type"`
	Name        string `json:"name"`
	MediaType   string `json:"media_type"`
	Enabled     bool   `json:"enabled"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	var st statusDTO
	if l := s.phone.Line(); l != nil {
		acc := l.Account()
		st.Line = &lineDTO{
			ID:        l.ID(),
			User:      acc.UserName,
			Domain:    acc.DomainHost,
			State:     string(l.State()),
			Reason:    l.Reason(),
			Transport: l.TransportMode().String(),
			SRTP:      l.SRTPMode().String(),
		}
	}
	if c := s.phone.ActiveCall(); c != nil {
		st.Call = toCallDTO(c)
	}
	s.writeJSON(w, http.StatusOK, st)
}

func toCallDTO(c *softphone.Call) *callDTO {
	return &callDTO{
		ID:        c.ID(),
		Direction: c.Direction().String(),
		Remote:    c.RemoteAddress(),
		State:     string(c.State()),
		Reason:    c.Reason(),
	}
}

func (s *Server) codecList() []codecDTO {
	entries := s.phone.ListCodecs()
	out := make([]codecDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, codecDTO{PayloadType: e.PayloadType, Name: e.Name, MediaType: string(e.MediaType), Enabled: e.Enabled})
	}
	return out
}

func (s *Server) listCodecs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.codecList())
}

func (s *Server) restrictCodecs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PayloadTypes []int `json:"payload_types"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &softphone.ConfigurationError{Field: "body", Msg: err.Error()})
		return
	}
	if err := s.phone.RestrictCodecs(req.PayloadTypes); err != nil {
		// Valid payload types are applied anyway
		s.writeJSON(w, statusOf(err), map[string]any{"error": err.Error(), "codecs": s.codecList()})
		return
	}
	s.writeJSON(w, http.StatusOK, s.codecList())
}

func (s *Server) setCodec(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pt, err := strconv.Atoi(chi.URLParam(r, "payloadType"))
		if err != nil {
			s.writeError(w, &softphone.ConfigurationError{Field: "payloadType", Msg: "Invalid payload type"})
			return
		}
		if enabled {
			err = s.phone.EnableCodec(pt)
		} else {
			err = s.phone.DisableCodec(pt)
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, s.codecList())
	}
}

func (s *Server) startCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &softphone.ConfigurationError{Field: "body", Msg: err.Error()})
		return
	}
	call, err := s.phone.StartCall(req.Address)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, toCallDTO(call))
}

func (s *Server) acceptCall(w http.ResponseWriter, r *http.Request) {
	if err := s.phone.AcceptCall(); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) hangUp(w http.ResponseWriter, r *http.Request) {
	if err := s.phone.HangUp(); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := s.hub.newClient(conn)
	if !s.hub.Register(client) {
		conn.Close()
		return
	}
	go client.writeLoop(s.log)
	defer s.hub.Unregister(client)

	// Only control frames are expected from client
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.log.Error().Err(err).Uint64("client_id", client.id).Msg("Unexpected close error")
			}
			return
		}
	}
}

func statusOf(err error) int {
	var cerr *softphone.ConfigurationError
	var serr *softphone.StateError
	switch {
	case errors.As(err, &cerr):
		return http.StatusBadRequest
	case errors.As(err, &serr), errors.Is(err, softphone.ErrPhoneClosed):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusOf(err), map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("Writing response failed")
	}
}
