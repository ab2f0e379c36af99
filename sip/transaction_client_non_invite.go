package sip

import (
	"context"
	"log/slog"
)

// initClientNonInviteFSM configures the non-INVITE client transaction (RFC 3261 §17.1.2).
func (tx *transaction) initClientNonInviteFSM() {
	tx.fsm.Configure(TransactionStateTrying).
		InternalTransition(txEvtStart, tx.actTrying).
		InternalTransition(txEvtTimerE, tx.actRetransmitTrying).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtTimerE, tx.actRetransmitProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actNonInviteCompleted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		OnEntryFrom(txEvtRecv300699, tx.actPassRes).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Permit(txEvtTimerK, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtTimerF, tx.actTimedOut(tmrF))
}

func (tx *transaction) actTrying(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction trying", slog.Any("transaction", tx))

	if tx.send(ctx, tx.req) != nil {
		return nil
	}
	if !tx.reliable {
		tx.startTimer(ctx, tmrE, tx.nextInterval(tmrE, tx.timings.TimeE(), tx.timings.T2()))
	}
	tx.startTimer(ctx, tmrF, tx.timings.TimeF())
	return nil
}

func (tx *transaction) actRetransmitTrying(ctx context.Context, _ ...any) error {
	tx.retransmit(ctx, tx.req)
	tx.startTimer(ctx, tmrE, tx.nextInterval(tmrE, tx.timings.TimeE(), tx.timings.T2()))
	return nil
}

func (tx *transaction) actRetransmitProceeding(ctx context.Context, _ ...any) error {
	tx.retransmit(ctx, tx.req)
	tx.intervals[tmrE] = tx.timings.T2()
	tx.startTimer(ctx, tmrE, tx.timings.T2())
	return nil
}

func (tx *transaction) actNonInviteCompleted(ctx context.Context, _ ...any) error {
	tx.stopTimers(tmrE, tmrF)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	if tx.reliable {
		tx.startTimer(ctx, tmrK, 0)
	} else {
		tx.startTimer(ctx, tmrK, tx.timings.TimeK())
	}
	return nil
}
