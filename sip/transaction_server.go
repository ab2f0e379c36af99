package sip

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"
)

// recvRequest passes a retransmitted request (or an ACK) to the server transaction.
func (tx *transaction) recvRequest(ctx context.Context, req *Request) bool {
	trigger := txEvtRecvReq
	if req.Method == ACK {
		trigger = txEvtRecvAck
	}
	return tx.post(ctx, txCommand{trigger: trigger, args: []any{req}})
}

// sendResponse sends the response through the server transaction.
// It fails with [ErrInvalidStateTransition] if the state does not allow it.
func (tx *transaction) sendResponse(ctx context.Context, res *Response) error {
	var trigger string
	switch {
	case res.StatusCode < 200:
		trigger = txEvtSend1xx
	case res.StatusCode < 300:
		trigger = txEvtSend2xx
	default:
		trigger = txEvtSend300699
	}
	return errtrace.Wrap(tx.call(ctx, txCommand{trigger: trigger, args: []any{res}}))
}

func (tx *transaction) actSendRes(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert
	tx.lastRes = res

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"send response",
		slog.Any("transaction", tx),
		slog.Int("status", res.StatusCode),
		slog.String("remote", tx.remote),
	)

	tx.send(ctx, res) //nolint:errcheck
	return nil
}

// actSendResTerminal sends the response that terminates the transaction.
func (tx *transaction) actSendResTerminal(ctx context.Context, args ...any) error {
	tx.terminal = true
	return tx.actSendRes(ctx, args...)
}

func (tx *transaction) actResendRes(ctx context.Context, _ ...any) error {
	if tx.lastRes == nil {
		return nil
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"request retransmission absorbed",
		slog.Any("transaction", tx),
		slog.Int("status", tx.lastRes.StatusCode),
	)

	tx.retransmit(ctx, tx.lastRes)
	return nil
}
