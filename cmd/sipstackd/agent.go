package main

import (
	"context"
	"errors"
	"log/slog"

	"braces.dev/errtrace"
	sipmsg "github.com/emiago/sipgo/sip"

	"github.com/ghettovoice/sipstack/sip"
)

const allowMethods = "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO, UPDATE"

// agent is the transaction user of the daemon.
type agent struct {
	m          *sip.Manager
	autoAnswer bool
	contact    sipmsg.Uri
	log        *slog.Logger
}

func newAgent(m *sip.Manager, sentBy string, autoAnswer bool, logger *slog.Logger) (*agent, error) {
	var contact sipmsg.Uri
	if err := sipmsg.ParseUri("sip:sipstackd@"+sentBy, &contact); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &agent{m: m, autoAnswer: autoAnswer, contact: contact, log: logger}, nil
}

// run handles manager events until the events channel is closed.
func (a *agent) run(ctx context.Context) {
	for evt := range a.m.Events() {
		a.log.LogAttrs(ctx, slog.LevelInfo, "event", slog.Any("event", evt))
		if evt.Type == sip.EventRequestReceived {
			a.handleRequest(ctx, evt)
		}
	}
}

func (a *agent) handleRequest(ctx context.Context, evt sip.Event) {
	req := evt.Request
	var (
		status int
		opts   *sip.RespondOptions
	)
	switch {
	case req.Method == sip.OPTIONS:
		status = 200
		opts = &sip.RespondOptions{Headers: []sipmsg.Header{sipmsg.NewHeader("Allow", allowMethods)}}
	case req.Method == sip.INVITE && evt.DialogID.IsZero():
		if !a.autoAnswer {
			status = 486
			break
		}
		status = 200
		opts = &sip.RespondOptions{Headers: []sipmsg.Header{&sipmsg.ContactHeader{Address: a.contact}}}
	case req.Method == sip.CANCEL:
		a.cancel(ctx, req)
		status = 200
	case !evt.DialogID.IsZero():
		// BYE, INFO, UPDATE and re-INVITE within a dialog
		status = 200
		if req.Method == sip.INVITE {
			opts = &sip.RespondOptions{Headers: []sipmsg.Header{&sipmsg.ContactHeader{Address: a.contact}}}
		}
	default:
		status = 405
		opts = &sip.RespondOptions{Headers: []sipmsg.Header{sipmsg.NewHeader("Allow", allowMethods)}}
	}

	if err := a.m.SendResponse(ctx, evt.Key, status, "", opts); err != nil {
		a.log.LogAttrs(ctx, slog.LevelWarn, "failed to respond",
			slog.Any("transaction", evt.Key),
			slog.Int("status", status),
			slog.Any("error", err),
		)
	}
}

// cancel terminates the INVITE server transaction the CANCEL targets with 487.
func (a *agent) cancel(ctx context.Context, req *sip.Request) {
	key, ok := a.m.MatchCancelTarget(req)
	if !ok {
		return
	}
	err := a.m.SendResponse(ctx, key, 487, "", nil)
	if err != nil && !errors.Is(err, sip.ErrInvalidStateTransition) && !errors.Is(err, sip.ErrTransactionNotFound) {
		a.log.LogAttrs(ctx, slog.LevelWarn, "failed to terminate cancelled transaction",
			slog.Any("transaction", key),
			slog.Any("error", err),
		)
	}
}
