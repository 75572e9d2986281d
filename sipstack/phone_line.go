// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sipstack

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/emiago/softphone"
	"github.com/emiago/softphone/internal/observer"
	"github.com/emiago/softphone/media"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var errLineClosed = errors.New("phone line closed")

// phoneLine is SIP account bound to stack. It implements softphone.PhoneLineHandle.
type phoneLine struct {
	id        string
	stack     *Stack
	log       zerolog.Logger
	acc       softphone.Account
	transport softphone.TransportMode
	srtp      softphone.SRTPMode

	domain  sip.Uri
	from    sip.FromHeader
	contact sip.ContactHeader

	client       *sipgo.Client
	dialogClient *sipgo.DialogClientCache
	dialogServer *sipgo.DialogServerCache

	regObs observer.Set[func(softphone.RegistrationEvent)]
	inObs  observer.Set[func(softphone.CallHandle)]
	// emitMu keeps registration notifications in order
	emitMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	regCancel context.CancelFunc
	rtx       *RegisterTransaction
	calls     map[string]*call
}

func newPhoneLine(s *Stack, acc softphone.Account, transport softphone.TransportMode, srtp softphone.SRTPMode) (*phoneLine, error) {
	scheme := "sip"
	if transport == softphone.TransportTLS {
		scheme = "sips"
	}

	client, err := sipgo.NewClient(s.ua,
		sipgo.WithClientHostname(s.externalHost),
		sipgo.WithClientNAT(), // add rport support
	)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	id := uuid.NewString()
	l := &phoneLine{
		id:        id,
		stack:     s,
		log:       s.log.With().Str("line_id", id).Logger(),
		acc:       acc,
		transport: transport,
		srtp:      srtp,
		domain: sip.Uri{
			Scheme:    scheme,
			Host:      acc.DomainHost,
			Port:      acc.DomainPort,
			UriParams: sip.NewParams(),
			Headers:   sip.NewParams(),
		},
		contact: sip.ContactHeader{
			DisplayName: acc.DisplayName,
			Address: sip.Uri{
				Scheme:    scheme,
				User:      acc.UserName,
				Host:      s.externalHost,
				Port:      s.listenPort(transport),
				UriParams: sip.NewParams(),
				Headers:   sip.NewParams(),
			},
			Params: sip.NewParams(),
		},
		client: client,
		calls:  make(map[string]*call),
	}
	l.from = l.fromHeader()
	l.dialogClient = sipgo.NewDialogClientCache(client, l.contact)
	l.dialogServer = sipgo.NewDialogServerCache(client, l.contact)
	l.ctx, l.cancel = context.WithCancel(s.ctx)
	return l, nil
}

func (l *phoneLine) ID() string { return l.id }

func (l *phoneLine) OnRegistrationStateChanged(f func(ev softphone.RegistrationEvent)) func() {
	return l.regObs.Add(f)
}

func (l *phoneLine) OnIncomingCall(f func(call softphone.CallHandle)) func() {
	return l.inObs.Add(f)
}

// fromHeader is account identity with new tag
func (l *phoneLine) fromHeader() sip.FromHeader {
	params := sip.NewParams()
	params.Add("tag", newTag())
	uri := l.domain
	uri.User = l.acc.UserName
	uri.Port = 0
	return sip.FromHeader{
		DisplayName: l.acc.DisplayName,
		Address:     uri,
		Params:      params,
	}
}

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// recipientURI builds request uri. Plain number is dialed on account domain.
func (l *phoneLine) recipientURI(address string) (sip.Uri, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return sip.Uri{}, fmt.Errorf("empty address")
	}
	if !strings.Contains(address, "@") && !strings.HasPrefix(address, "sip:") && !strings.HasPrefix(address, "sips:") {
		uri := l.domain
		uri.User = address
		return uri, nil
	}

	s := address
	if !strings.HasPrefix(s, "sip:") && !strings.HasPrefix(s, "sips:") {
		s = l.domain.Scheme + ":" + s
	}
	var uri sip.Uri
	if err := sip.ParseUri(s, &uri); err != nil {
		return uri, fmt.Errorf("invalid address %q: %w", address, err)
	}
	return uri, nil
}

func (l *phoneLine) register() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errLineClosed
	}
	if l.regCancel != nil {
		l.regCancel()
	}
	ctx, cancel := context.WithCancel(l.ctx)
	l.regCancel = cancel
	l.mu.Unlock()

	go l.registerLoop(ctx)
	return nil
}

func (l *phoneLine) registerLoop(ctx context.Context) {
	l.emit(softphone.RegistrationEvent{State: softphone.RegStateRegistering})
	if !l.acc.RegistrationRequired {
		l.emit(softphone.RegistrationEvent{State: softphone.RegStateSucceeded, Reason: "registration not required"})
		return
	}

	rtx := NewRegisterTransaction(l.log, l.client, l.domain, l.from, l.contact, RegisterOptions{
		Username: l.acc.AuthenticationID,
		Password: l.acc.Password,
		Expiry:   l.stack.regExpiry,
	})

	rctx, cancel := context.WithTimeout(ctx, l.stack.regTimeout)
	err := rtx.Register(rctx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		rerr := registrationError(err)
		l.log.Error().Err(err).Msg("Registration failed")
		l.emit(softphone.RegistrationEvent{State: softphone.RegStateError, Reason: rerr.Error(), Err: rerr})
		return
	}

	l.mu.Lock()
	l.rtx = rtx
	l.mu.Unlock()
	l.emit(softphone.RegistrationEvent{State: softphone.RegStateSucceeded, Reason: "200 OK"})

	if err := rtx.QualifyLoop(ctx); err != nil && ctx.Err() == nil {
		l.mu.Lock()
		l.rtx = nil
		l.mu.Unlock()
		rerr := registrationError(err)
		l.log.Error().Err(err).Msg("Registration refresh failed")
		l.emit(softphone.RegistrationEvent{State: softphone.RegStateError, Reason: rerr.Error(), Err: rerr})
	}
}

func registrationError(err error) *softphone.RegistrationError {
	var rerr *RegisterResponseError
	if errors.As(err, &rerr) {
		return &softphone.RegistrationError{StatusCode: rerr.StatusCode(), Msg: rerr.RegisterRes.Reason}
	}
	return &softphone.RegistrationError{Msg: err.Error()}
}

func (l *phoneLine) emit(ev softphone.RegistrationEvent) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	for _, f := range l.regObs.Snapshot() {
		f(ev)
	}
}

// Close hangs up calls and unregisters. NotRegistered is emitted when done.
func (l *phoneLine) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	rtx := l.rtx
	l.rtx = nil
	calls := make([]*call, 0, len(l.calls))
	for _, c := range l.calls {
		calls = append(calls, c)
	}
	l.mu.Unlock()

	for _, c := range calls {
		if err := c.HangUp(); err != nil {
			l.log.Error().Err(err).Str("call_id", c.id).Msg("Hangup on line close failed")
		}
	}
	l.cancel()
	l.stack.removeLine(l)

	go func() {
		if rtx != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := rtx.Unregister(ctx); err != nil {
				l.log.Error().Err(err).Msg("Fail to unregister")
			}
		}
		for _, c := range calls {
			<-c.done
		}
		if err := l.client.Close(); err != nil {
			l.log.Debug().Err(err).Msg("Closing client failed")
		}
		l.emit(softphone.RegistrationEvent{State: softphone.RegStateNotRegistered, Reason: "unregistered"})
	}()
	return nil
}

func (l *phoneLine) addCall(c *call) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errLineClosed
	}
	l.calls[c.id] = c
	return nil
}

func (l *phoneLine) removeCall(c *call) {
	l.mu.Lock()
	delete(l.calls, c.id)
	l.mu.Unlock()
}

func srtpPolicy(m softphone.SRTPMode) media.SRTPPolicy {
	switch m {
	case softphone.SRTPOptional:
		return media.SRTPOptional
	case softphone.SRTPForce:
		return media.SRTPRequired
	}
	return media.SRTPDisabled
}

// newMediaSession opens RTP listener offering enabled codecs
func (l *phoneLine) newMediaSession() (*media.MediaSession, error) {
	ms := &media.MediaSession{
		Codecs: l.stack.codecs.offer(),
		Mode:   media.ModeSendrecv,
		SRTP:   srtpPolicy(l.srtp),
		Laddr:  net.UDPAddr{IP: l.stack.mediaIP},
	}
	if ip := net.ParseIP(l.stack.externalHost); ip != nil {
		ms.ExternalIP = ip
	}
	if err := ms.Init(); err != nil {
		return nil, err
	}
	return ms, nil
}
