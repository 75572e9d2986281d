// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sipstack

import (
	"context"
	"errors"
	"fmt"
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

var _ softphone.CallHandle = (*call)(nil)

const byeTimeout = 5 * time.Second

const (
	statusSessionProgress        = 183
	statusTemporarilyUnavailable = 480
	statusNotAcceptableHere      = 488
	statusServerError            = 500
	statusDecline                = 603
)

// call is single SIP dialog with its media session.
// Dialog is driven by one goroutine, commands only signal it.
type call struct {
	id        string
	line      *phoneLine
	direction softphone.CallDirection
	remote    string
	log       zerolog.Logger

	// outbound
	recipient sip.Uri
	// inbound
	dialogServer *sipgo.DialogServerSession
	tx           sip.ServerTransaction

	media *callMedia

	obs      observer.Set[func(softphone.CallEvent)]
	emitMu   sync.Mutex
	terminal *softphone.CallEvent

	mu       sync.Mutex
	started  bool
	answered bool
	accepted bool
	busy     bool
	hungup   bool
	cancel   context.CancelFunc

	acceptCh chan struct{}
	busyCh   chan struct{}
	hangupCh chan struct{}
	done     chan struct{}
}

func newCall(l *phoneLine, direction softphone.CallDirection, remote string) *call {
	id := uuid.NewString()
	return &call{
		id:        id,
		line:      l,
		direction: direction,
		remote:    remote,
		log:       l.log.With().Str("call_id", id).Str("direction", direction.String()).Logger(),
		media:     &callMedia{},
		acceptCh:  make(chan struct{}),
		busyCh:    make(chan struct{}),
		hangupCh:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func newOutboundCall(l *phoneLine, recipient sip.Uri) *call {
	c := newCall(l, softphone.CallOutbound, recipient.String())
	c.recipient = recipient
	return c
}

func newInboundCall(l *phoneLine, req *sip.Request, tx sip.ServerTransaction, dialog *sipgo.DialogServerSession) *call {
	remote := req.From().Address.String()
	c := newCall(l, softphone.CallInbound, remote)
	c.dialogServer = dialog
	c.tx = tx
	return c
}

func (c *call) ID() string                         { return c.id }
func (c *call) Direction() softphone.CallDirection { return c.direction }
func (c *call) RemoteAddress() string              { return c.remote }
func (c *call) Media() softphone.CallMedia         { return c.media }

// OnStateChanged subscribes f. Terminal state is replayed for ended call.
func (c *call) OnStateChanged(f func(ev softphone.CallEvent)) func() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	unsub := c.obs.Add(f)
	if c.terminal != nil {
		f(*c.terminal)
	}
	return unsub
}

func (c *call) emit(ev softphone.CallEvent) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.terminal != nil {
		return
	}
	if ev.State.IsTerminal() {
		t := ev
		c.terminal = &t
	}
	c.log.Debug().Str("state", string(ev.State)).Str("reason", ev.Reason).Msg("Call state")
	for _, f := range c.obs.Snapshot() {
		f(ev)
	}
}

func (c *call) ended(reason string) {
	c.emit(softphone.CallEvent{State: softphone.CallEnded, Reason: reason})
}

func (c *call) failed(status int, reason string, err error) {
	serr := &softphone.CallSetupError{StatusCode: status, Reason: reason, Err: err}
	c.emit(softphone.CallEvent{State: softphone.CallError, Reason: serr.Error(), Err: serr})
}

// Start sends INVITE. Progress is reported through state changes.
func (c *call) Start() error {
	if c.direction != softphone.CallOutbound {
		return fmt.Errorf("start: call %s is inbound", c.id)
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("start: call %s already started", c.id)
	}
	c.started = true
	c.mu.Unlock()

	ms, err := c.line.newMediaSession()
	if err != nil {
		return fmt.Errorf("create media session: %w", err)
	}
	if err := c.line.addCall(c); err != nil {
		ms.Close()
		return err
	}

	ctx, cancel := context.WithCancel(c.line.ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	go c.dial(ctx, ms)
	return nil
}

func (c *call) Accept() error {
	if c.direction != softphone.CallInbound {
		return fmt.Errorf("accept: call %s is outbound", c.id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hungup || c.busy {
		return fmt.Errorf("accept: call %s is terminating", c.id)
	}
	if !c.accepted {
		c.accepted = true
		close(c.acceptCh)
	}
	return nil
}

func (c *call) Busy() error {
	if c.direction != softphone.CallInbound {
		return fmt.Errorf("busy: call %s is outbound", c.id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accepted {
		return fmt.Errorf("busy: call %s already accepted", c.id)
	}
	if !c.busy {
		c.busy = true
		close(c.busyCh)
	}
	return nil
}

// HangUp cancels, declines or terminates call depending on its progress
func (c *call) HangUp() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hungup {
		return nil
	}
	c.hungup = true
	close(c.hangupCh)
	if !c.answered && c.cancel != nil {
		// Pending INVITE is cancelled by sipgo on context done
		c.cancel()
	}
	return nil
}

func (c *call) hangupRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hungup
}

// setAnswered returns false when hangup already won
func (c *call) setAnswered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answered = true
	return !c.hungup
}

func (c *call) finish() {
	if c.cancel != nil {
		c.cancel()
	}
	c.line.removeCall(c)
	close(c.done)
}

func (c *call) dial(ctx context.Context, ms *media.MediaSession) {
	defer c.finish()
	defer ms.Close()

	dialog, err := c.line.dialogClient.Invite(ctx, c.recipient, ms.LocalSDP(), sip.NewHeader("Content-Type", "application/sdp"))
	if err != nil {
		if c.hangupRequested() {
			c.ended("cancelled")
			return
		}
		c.failed(0, "invite failed", err)
		return
	}
	defer dialog.Close()

	waitCtx := ctx
	if d := c.line.stack.dialTimeout; d > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var status int
	var reason string
	err = dialog.WaitAnswer(waitCtx, sipgo.AnswerOptions{
		Username: c.line.acc.AuthenticationID,
		Password: c.line.acc.Password,
		OnResponse: func(res *sip.Response) error {
			status, reason = res.StatusCode, res.Reason
			if res.StatusCode == sip.StatusRinging || res.StatusCode == statusSessionProgress {
				c.emit(softphone.CallEvent{State: softphone.CallRinging, Reason: res.Reason})
			}
			return nil
		},
	})
	if err != nil {
		switch {
		case c.hangupRequested():
			c.ended("cancelled")
		case errors.Is(waitCtx.Err(), context.DeadlineExceeded):
			c.failed(sip.StatusRequestTerminated, "no answer", err)
		case status >= 300:
			c.failed(status, reason, nil)
		default:
			c.failed(0, "waiting answer failed", err)
		}
		return
	}

	ackCtx, ackCancel := context.WithTimeout(context.Background(), byeTimeout)
	defer ackCancel()
	if err := dialog.Ack(ackCtx); err != nil {
		c.failed(0, "ack failed", err)
		return
	}

	bye := func() {
		byeCtx, cancel := context.WithTimeout(context.Background(), byeTimeout)
		defer cancel()
		if err := dialog.Bye(byeCtx); err != nil {
			c.log.Error().Err(err).Msg("Sending BYE failed")
		}
	}

	if err := c.negotiate(ms, dialog.InviteResponse.Body()); err != nil {
		bye()
		c.failed(statusNotAcceptableHere, "media negotiation failed", err)
		return
	}

	if !c.setAnswered() {
		bye()
		c.ended("local hangup")
		return
	}
	c.emit(softphone.CallEvent{State: softphone.CallAnswered, Reason: "200 OK"})
	c.emit(softphone.CallEvent{State: softphone.CallInCall})

	select {
	case <-c.hangupCh:
		bye()
		c.ended("local hangup")
	case <-dialog.Context().Done():
		c.ended("remote hangup")
	}
}

func (c *call) negotiate(ms *media.MediaSession, remoteSDP []byte) error {
	if remoteSDP == nil {
		return fmt.Errorf("no SDP in response")
	}
	if err := ms.RemoteSDP(remoteSDP); err != nil {
		return err
	}
	return c.media.setup(ms)
}

// serveInvite handles new INVITE. It blocks until call ends.
func (l *phoneLine) serveInvite(req *sip.Request, tx sip.ServerTransaction) error {
	dialog, err := l.dialogServer.ReadInvite(req, tx)
	if err != nil {
		return fmt.Errorf("handling new INVITE failed: %w", err)
	}
	defer dialog.Close()

	ms, err := l.newMediaSession()
	if err != nil {
		dialog.Respond(statusServerError, "Internal Server Error", nil)
		return fmt.Errorf("create media session: %w", err)
	}
	defer ms.Close()

	c := newInboundCall(l, req, tx, dialog)
	if err := l.addCall(c); err != nil {
		return dialog.Respond(statusTemporarilyUnavailable, "Temporarily Unavailable", nil)
	}
	defer c.finish()

	if err := ms.RemoteSDP(req.Body()); err != nil {
		c.log.Info().Err(err).Msg("Rejecting INVITE with unusable SDP")
		return dialog.Respond(statusNotAcceptableHere, "Not Acceptable Here", nil)
	}
	if err := c.media.setup(ms); err != nil {
		c.log.Info().Err(err).Msg("Rejecting INVITE without decodable codec")
		return dialog.Respond(statusNotAcceptableHere, "Not Acceptable Here", nil)
	}

	if err := dialog.Respond(sip.StatusTrying, "Trying", nil); err != nil {
		return err
	}
	if err := dialog.Respond(sip.StatusRinging, "Ringing", nil); err != nil {
		return err
	}

	for _, f := range l.inObs.Snapshot() {
		f(c)
	}
	return c.serve(ms)
}

func (c *call) serve(ms *media.MediaSession) error {
	dialog := c.dialogServer
	select {
	case <-c.acceptCh:
	case <-c.busyCh:
		c.ended("busy")
		return dialog.Respond(sip.StatusBusyHere, "Busy Here", nil)
	case <-c.hangupCh:
		c.ended("declined")
		return dialog.Respond(statusDecline, "Decline", nil)
	case <-c.tx.Done():
		c.ended("cancelled by remote")
		return nil
	case <-dialog.Context().Done():
		c.ended("cancelled by remote")
		return nil
	}

	if err := dialog.RespondSDP(ms.LocalSDP()); err != nil {
		c.failed(0, "answer failed", err)
		return err
	}
	if !c.setAnswered() {
		c.bye(dialog)
		c.ended("local hangup")
		return nil
	}
	c.emit(softphone.CallEvent{State: softphone.CallAnswered, Reason: "200 OK"})
	c.emit(softphone.CallEvent{State: softphone.CallInCall})

	select {
	case <-c.hangupCh:
		c.bye(dialog)
		c.ended("local hangup")
	case <-dialog.Context().Done():
		c.ended("remote hangup")
	}
	return nil
}

func (c *call) bye(dialog *sipgo.DialogServerSession) {
	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	defer cancel()
	if err := dialog.Bye(ctx); err != nil {
		c.log.Error().Err(err).Msg("Sending BYE failed")
	}
}
