// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package sipstack implements softphone.Stack with sipgo signaling and RTP media sessions.
package sipstack

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/emiago/softphone"
	"github.com/emiago/softphone/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var _ softphone.Stack = (*Stack)(nil)

// Stack is SIP user agent serving phone lines and their calls
type Stack struct {
	log          zerolog.Logger
	name         string
	bindHost     string
	bindPort     int
	tlsPort      int
	tlsConf      *tls.Config
	externalHost string
	mediaIP      net.IP
	dialTimeout  time.Duration
	regTimeout   time.Duration
	regExpiry    time.Duration

	ua     *sipgo.UserAgent
	server *sipgo.Server
	codecs *codecTable

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	lines map[string]*phoneLine
}

type Option func(s *Stack)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Stack) {
		s.log = l
	}
}

// WithUserAgent sets User-Agent name
func WithUserAgent(name string) Option {
	return func(s *Stack) {
		s.name = name
	}
}

// WithBindAddr sets signaling listen address
func WithBindAddr(host string, port int) Option {
	return func(s *Stack) {
		s.bindHost = host
		s.bindPort = port
	}
}

// WithTLS enables TLS listener on port. Lines created with TLS transport need this.
func WithTLS(port int, conf *tls.Config) Option {
	return func(s *Stack) {
		s.tlsPort = port
		s.tlsConf = conf
	}
}

// WithExternalHost sets host used in Contact and SDP. Default is resolved interface IP.
func WithExternalHost(host string) Option {
	return func(s *Stack) {
		s.externalHost = host
	}
}

func WithMediaIP(ip net.IP) Option {
	return func(s *Stack) {
		s.mediaIP = ip
	}
}

// WithRTPPortRange limits local RTP ports of media sessions
func WithRTPPortRange(start, end int) Option {
	return func(s *Stack) {
		media.RTPPortStart = start
		media.RTPPortEnd = end
	}
}

// WithCodecs replaces negotiation table. Order is offer preference.
func WithCodecs(codecs []media.Codec) Option {
	return func(s *Stack) {
		s.codecs = newCodecTable(codecs)
	}
}

// WithDialTimeout bounds waiting for answer of outbound call. Zero waits forever.
func WithDialTimeout(d time.Duration) Option {
	return func(s *Stack) {
		s.dialTimeout = d
	}
}

// WithRegisterExpiry sets Expires of REGISTER
func WithRegisterExpiry(d time.Duration) Option {
	return func(s *Stack) {
		s.regExpiry = d
	}
}

func New(opts ...Option) (*Stack, error) {
	s := &Stack{
		log:        log.With().Str("caller", "sipstack").Logger(),
		name:       "softphone",
		bindHost:   "0.0.0.0",
		bindPort:   5060,
		regTimeout: 30 * time.Second,
		regExpiry:  time.Hour,
		lines:      make(map[string]*phoneLine),
	}
	for _, o := range opts {
		o(s)
	}
	if s.codecs == nil {
		s.codecs = newCodecTable(media.DefaultCodecs())
	}

	if s.mediaIP == nil {
		ip := net.ParseIP(s.bindHost)
		if ip == nil || ip.IsUnspecified() {
			var err error
			ip, _, err = sip.ResolveInterfacesIP("ip4", nil)
			if err != nil {
				return nil, fmt.Errorf("resolve local IP: %w", err)
			}
		}
		s.mediaIP = ip
	}
	if s.externalHost == "" {
		s.externalHost = s.mediaIP.String()
	}

	uaOpts := []sipgo.UserAgentOption{
		sipgo.WithUserAgent(s.name),
		sipgo.WithUserAgentHostname(s.externalHost),
	}
	if s.tlsConf != nil {
		uaOpts = append(uaOpts, sipgo.WithUserAgenTLSConfig(s.tlsConf))
	}
	ua, err := sipgo.NewUA(uaOpts...)
	if err != nil {
		return nil, fmt.Errorf("create user agent: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("create server: %w", err)
	}
	s.ua = ua
	s.server = server
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.handleRequests()
	return s, nil
}

// Serve listens on UDP and TLS if configured. It blocks until ctx is done or listener fails.
func (s *Stack) Serve(ctx context.Context) error {
	return s.serve(ctx, func() {})
}

// ServeBackground serves in background and returns once all listeners are ready
func (s *Stack) ServeBackground(ctx context.Context) error {
	n := 1
	if s.tlsConf != nil {
		n++
	}
	readyCh := make(chan struct{}, n)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.serve(ctx, func() { readyCh <- struct{}{} })
	}()

	for i := 0; i < n; i++ {
		select {
		case err := <-errCh:
			return err
		case <-readyCh:
		}
	}
	s.log.Info().Msg("Network ready")
	return nil
}

func (s *Stack) serve(ctx context.Context, ready func()) error {
	listen := func(ctx context.Context, port *int) context.Context {
		return context.WithValue(ctx, sipgo.ListenReadyCtxKey, sipgo.ListenReadyFuncCtxValue(func(network, addr string) {
			// Fixes port for ephemeral binding
			_, p, _ := sip.ParseAddr(addr)
			s.mu.Lock()
			if *port == 0 {
				*port = p
			}
			s.mu.Unlock()
			s.log.Info().Str("addr", addr).Str("network", network).Msg("Listening on transport")
			ready()
		}))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hostport := net.JoinHostPort(s.bindHost, strconv.Itoa(s.bindPort))
		return s.server.ListenAndServe(listen(ctx, &s.bindPort), "udp", hostport)
	})
	if s.tlsConf != nil {
		g.Go(func() error {
			hostport := net.JoinHostPort(s.bindHost, strconv.Itoa(s.tlsPort))
			return s.server.ListenAndServeTLS(listen(ctx, &s.tlsPort), "tls", hostport, s.tlsConf)
		})
	}
	return g.Wait()
}

// Close closes all lines, ends their calls and closes user agent
func (s *Stack) Close() error {
	s.mu.Lock()
	lines := make([]*phoneLine, 0, len(s.lines))
	for _, l := range s.lines {
		lines = append(lines, l)
	}
	s.mu.Unlock()

	var errs []error
	for _, l := range lines {
		errs = append(errs, l.Close())
	}
	s.cancel()
	errs = append(errs, s.ua.Close())
	return errors.Join(errs...)
}

func (s *Stack) CreatePhoneLine(acc softphone.Account, transport softphone.TransportMode, srtp softphone.SRTPMode) (softphone.PhoneLineHandle, error) {
	if transport == softphone.TransportTLS && s.tlsConf == nil {
		return nil, fmt.Errorf("tls transport requested but stack has no TLS config")
	}
	l, err := newPhoneLine(s, acc, transport, srtp)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.lines[l.id] = l
	s.mu.Unlock()
	return l, nil
}

func (s *Stack) RegisterPhoneLine(h softphone.PhoneLineHandle) error {
	l, err := s.lineOf(h)
	if err != nil {
		return err
	}
	return l.register()
}

func (s *Stack) CreateCall(h softphone.PhoneLineHandle, address string) (softphone.CallHandle, error) {
	l, err := s.lineOf(h)
	if err != nil {
		return nil, err
	}
	recipient, err := l.recipientURI(address)
	if err != nil {
		return nil, err
	}
	return newOutboundCall(l, recipient), nil
}

func (s *Stack) Codecs() []softphone.CodecEntry {
	return s.codecs.list()
}

func (s *Stack) SetCodecEnabled(payloadType int, enabled bool) error {
	return s.codecs.setEnabled(payloadType, enabled)
}

// listenPort returns signaling port. It is known after listener is ready for ephemeral bind.
func (s *Stack) listenPort(transport softphone.TransportMode) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if transport == softphone.TransportTLS {
		return s.tlsPort
	}
	return s.bindPort
}

func (s *Stack) lineOf(h softphone.PhoneLineHandle) (*phoneLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lines[h.ID()]
	if !ok {
		return nil, fmt.Errorf("phone line %s not found", h.ID())
	}
	return l, nil
}

func (s *Stack) removeLine(l *phoneLine) {
	s.mu.Lock()
	delete(s.lines, l.id)
	s.mu.Unlock()
}

// inboundLine picks line receiving request. Session has single line so first match wins.
func (s *Stack) inboundLine(req *sip.Request) *phoneLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fallback *phoneLine
	for _, l := range s.lines {
		if l.acc.UserName == req.Recipient.User {
			return l
		}
		fallback = l
	}
	return fallback
}

func (s *Stack) allLines() []*phoneLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*phoneLine, 0, len(s.lines))
	for _, l := range s.lines {
		out = append(out, l)
	}
	return out
}

func (s *Stack) handleRequests() {
	errHandler := func(f func(req *sip.Request, tx sip.ServerTransaction) error) sipgo.RequestHandler {
		return func(req *sip.Request, tx sip.ServerTransaction) {
			if err := f(req, tx); err != nil {
				s.log.Error().Err(err).Str("req.method", req.Method.String()).Msg("Failed to handle request")
			}
		}
	}

	s.server.OnInvite(errHandler(func(req *sip.Request, tx sip.ServerTransaction) error {
		l := s.inboundLine(req)
		if l == nil {
			return tx.Respond(sip.NewResponseFromRequest(req, statusTemporarilyUnavailable, "Temporarily Unavailable", nil))
		}
		// Blocks for whole call
		return l.serveInvite(req, tx)
	}))

	s.server.OnCancel(func(req *sip.Request, tx sip.ServerTransaction) {
		// Matching INVITE transaction is terminated by transaction layer
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
	})

	s.server.OnAck(errHandler(func(req *sip.Request, tx sip.ServerTransaction) error {
		var err error
		for _, l := range s.allLines() {
			if err = l.dialogServer.ReadAck(req, tx); err == nil {
				return nil
			}
		}
		return err
	}))

	s.server.OnBye(errHandler(func(req *sip.Request, tx sip.ServerTransaction) error {
		for _, l := range s.allLines() {
			if err := l.dialogServer.ReadBye(req, tx); !errors.Is(err, sipgo.ErrDialogDoesNotExists) {
				return err
			}
			if err := l.dialogClient.ReadBye(req, tx); !errors.Is(err, sipgo.ErrDialogDoesNotExists) {
				return err
			}
		}
		return tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
	}))
}
