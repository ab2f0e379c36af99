package sip

import (
	"context"
	"log/slog"
)

// initClientInviteFSM configures the INVITE client transaction (RFC 3261 §17.1.1).
//
// A 2xx response terminates the transaction at once, the ACK and the 2xx
// retransmissions are handled by the dialog layer of the [Manager].
// Over unreliable transports timer A keeps retransmitting the INVITE in Proceeding
// and timer B bounds the transaction until a final response arrives.
func (tx *transaction) initClientInviteFSM() {
	tx.fsm.Configure(TransactionStateCalling).
		InternalTransition(txEvtStart, tx.actCalling).
		InternalTransition(txEvtTimerA, tx.actRetransmitInvite).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateTerminated).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actInviteProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtTimerA, tx.actRetransmitInvite).
		Permit(txEvtRecv2xx, TransactionStateTerminated).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actInviteCompleted).
		OnEntryFrom(txEvtRecv300699, tx.actPassResSendAck).
		InternalTransition(txEvtRecv300699, tx.actResendAck).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Permit(txEvtTimerD, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		OnEntryFrom(txEvtTimerB, tx.actTimedOut(tmrB))
}

func (tx *transaction) actCalling(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction calling", slog.Any("transaction", tx))

	if tx.send(ctx, tx.req) != nil {
		return nil
	}
	if !tx.reliable {
		tx.startTimer(ctx, tmrA, tx.nextInterval(tmrA, tx.timings.TimeA(), 0))
	}
	tx.startTimer(ctx, tmrB, tx.timings.TimeB())
	return nil
}

func (tx *transaction) actRetransmitInvite(ctx context.Context, _ ...any) error {
	tx.retransmit(ctx, tx.req)
	tx.startTimer(ctx, tmrA, tx.nextInterval(tmrA, tx.timings.TimeA(), 0))
	return nil
}

func (tx *transaction) actInviteProceeding(ctx context.Context, args ...any) error {
	if tx.reliable {
		tx.stopTimer(tmrA)
	}
	return tx.actProceeding(ctx, args...)
}

func (tx *transaction) actInviteCompleted(ctx context.Context, _ ...any) error {
	tx.stopTimers(tmrA, tmrB)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	if tx.reliable {
		tx.startTimer(ctx, tmrD, 0)
	} else {
		tx.startTimer(ctx, tmrD, tx.timings.TimeD())
	}
	return nil
}

func (tx *transaction) actPassResSendAck(ctx context.Context, args ...any) error {
	tx.actPassRes(ctx, args...) //nolint:errcheck

	tx.ack = newAck(tx.req, tx.lastRes)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send ACK", slog.Any("transaction", tx))

	tx.send(ctx, tx.ack) //nolint:errcheck
	return nil
}

func (tx *transaction) actResendAck(ctx context.Context, args ...any) error {
	if res, ok := args[0].(*Response); ok {
		tx.lastRes = res
	}
	tx.retransmit(ctx, tx.ack)
	return nil
}
