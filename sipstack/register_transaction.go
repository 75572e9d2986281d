// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sipstack

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
)

type RegisterResponseError struct {
	RegisterReq *sip.Request
	RegisterRes *sip.Response

	Msg string
}

func (e *RegisterResponseError) StatusCode() int {
	return e.RegisterRes.StatusCode
}

func (e RegisterResponseError) Error() string {
	return e.Msg
}

type RegisterOptions struct {
	// Digest auth
	Username string
	Password string

	// Expiry is for Expire header
	Expiry time.Duration
	// Retry interval is interval before next Register is sent
	RetryInterval time.Duration
}

// RegisterTransaction keeps REGISTER request of phone line and refreshes it
type RegisterTransaction struct {
	opts   RegisterOptions
	Origin *sip.Request

	client *sipgo.Client
	log    zerolog.Logger

	expiry time.Duration
}

func NewRegisterTransaction(log zerolog.Logger, client *sipgo.Client, recipient sip.Uri, from sip.FromHeader, contact sip.ContactHeader, opts RegisterOptions) *RegisterTransaction {
	req := sip.NewRequest(sip.REGISTER, recipient)
	req.AppendHeader(&from)
	to := sip.ToHeader{Address: from.Address, Params: sip.NewParams()}
	req.AppendHeader(&to)
	req.AppendHeader(&contact)
	if opts.Expiry > 0 {
		expires := sip.ExpiresHeader(opts.Expiry.Seconds())
		req.AppendHeader(&expires)
	}
	if opts.Username == "" {
		opts.Username = from.Address.User
	}

	return &RegisterTransaction{
		Origin: req, // origin maybe updated after first register
		opts:   opts,
		client: client,
		log:    log.With().Str("caller", "Register").Logger(),
		expiry: opts.Expiry,
	}
}

func (t *RegisterTransaction) Register(ctx context.Context) error {
	req := t.Origin
	contact := *req.Contact().Clone()

	res, err := t.client.Do(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return fmt.Errorf("fail to create transaction req=%q: %w", req.StartLine(), err)
	}

	via := res.Via()
	if via == nil {
		return fmt.Errorf("no Via header in response")
	}

	// https://datatracker.ietf.org/doc/html/rfc3581#section-9
	if rport, _ := via.Params.Get("rport"); rport != "" {
		if p, err := strconv.Atoi(rport); err == nil {
			contact.Address.Port = p
		}
		if received, _ := via.Params.Get("received"); received != "" {
			contact.Address.Host = received
		}
		// Update contact address of NAT
		req.ReplaceHeader(&contact)
	}

	res, err = t.authorize(ctx, req, res)
	if err != nil {
		return err
	}
	return t.readResponse(req, res)
}

// QualifyLoop refreshes registration until ctx is done or refresh fails
func (t *RegisterTransaction) QualifyLoop(ctx context.Context) error {
	retry := t.calcRetry(t.expiry)
	ticker := time.NewTicker(retry)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		expiry := t.expiry
		if err := t.Qualify(ctx); err != nil {
			return err
		}

		if t.expiry != expiry {
			retry = t.calcRetry(t.expiry)
			t.log.Info().Dur("expiry_old", expiry).Dur("expiry_new", t.expiry).Dur("retry", retry).Msg("Register expiry changed")
			ticker.Reset(retry)
		}
	}
}

func (t *RegisterTransaction) calcRetry(expiry time.Duration) time.Duration {
	if t.opts.RetryInterval != 0 {
		return t.opts.RetryInterval
	}

	retry := time.Duration(expiry.Seconds()*0.75) * time.Second
	if retry == 0 {
		retry = 30 * time.Second
	}
	return retry
}

func (t *RegisterTransaction) Unregister(ctx context.Context) error {
	req := t.Origin

	req.RemoveHeader("Expires")
	req.RemoveHeader("Contact")
	req.AppendHeader(sip.NewHeader("Contact", "*"))
	expires := sip.ExpiresHeader(0)
	req.AppendHeader(&expires)
	return t.doRequest(ctx, req)
}

func (t *RegisterTransaction) Qualify(ctx context.Context) error {
	return t.doRequest(ctx, t.Origin)
}

func (t *RegisterTransaction) doRequest(ctx context.Context, req *sip.Request) error {
	req.RemoveHeader("Via")
	res, err := t.client.Do(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return fmt.Errorf("fail to get response req=%q : %w", req.StartLine(), err)
	}

	res, err = t.authorize(ctx, req, res)
	if err != nil {
		return err
	}
	return t.readResponse(req, res)
}

func (t *RegisterTransaction) authorize(ctx context.Context, req *sip.Request, res *sip.Response) (*sip.Response, error) {
	if res.StatusCode != sip.StatusUnauthorized && res.StatusCode != sip.StatusProxyAuthRequired {
		return res, nil
	}
	res, err := t.client.DoDigestAuth(ctx, req, res, sipgo.DigestAuth{
		Username: t.opts.Username,
		Password: t.opts.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("fail to get response req=%q : %w", req.StartLine(), err)
	}
	return res, nil
}

func (t *RegisterTransaction) readResponse(req *sip.Request, res *sip.Response) error {
	if res.StatusCode != sip.StatusOK {
		return &RegisterResponseError{
			RegisterReq: req,
			RegisterRes: res,
			Msg:         res.StartLine(),
		}
	}

	// Server may change expiry
	if h := res.GetHeader("Expires"); h != nil {
		val, err := strconv.Atoi(h.Value())
		if err != nil {
			return fmt.Errorf("failed to parse server Expires value: %w", err)
		}
		t.expiry = time.Duration(val) * time.Second
	}
	return nil
}
