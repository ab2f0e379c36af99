package sip

import (
	"context"
	"log/slog"
)

// recvResponse passes an inbound response to the client transaction.
func (tx *transaction) recvResponse(ctx context.Context, res *Response) bool {
	var trigger string
	switch {
	case res.StatusCode < 200:
		trigger = txEvtRecv1xx
	case res.StatusCode < 300:
		trigger = txEvtRecv2xx
	default:
		trigger = txEvtRecv300699
	}
	return tx.post(ctx, txCommand{trigger: trigger, args: []any{res}})
}

func (tx *transaction) actSendReq(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "send request", slog.Any("transaction", tx), slog.String("remote", tx.remote))

	tx.send(ctx, tx.req) //nolint:errcheck
	return nil
}

func (tx *transaction) actPassRes(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert
	tx.lastRes = res

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"pass response",
		slog.Any("transaction", tx),
		slog.Int("status", res.StatusCode),
	)

	tx.hooks.txPassResponse(ctx, tx, res)
	return nil
}

func (tx *transaction) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx))

	return nil
}
