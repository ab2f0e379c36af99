package sip

import (
	"context"
	"log/slog"
)

// initServerInviteFSM configures the INVITE server transaction (RFC 3261 §17.2.1).
//
// Sending a 2xx terminates the transaction, the 2xx retransmissions
// until the ACK arrives are done by the dialog layer of the [Manager].
func (tx *transaction) initServerInviteFSM() {
	tx.fsm.Configure(TransactionStateProceeding).
		InternalTransition(txEvtStart, tx.actServerInviteStart).
		InternalTransition(txEvtTimer100, tx.actAutoTrying).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend1xx, tx.actSendProvisional).
		Ignore(txEvtRecvAck).
		Permit(txEvtSend2xx, TransactionStateTerminated).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		OnEntry(tx.actServerInviteCompleted).
		InternalTransition(txEvtTimerG, tx.actRetransmitFinal).
		InternalTransition(txEvtRecvReq, tx.actResendFinal).
		Permit(txEvtRecvAck, TransactionStateConfirmed).
		Permit(txEvtTimerH, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateConfirmed).
		OnEntry(tx.actServerInviteConfirmed).
		Ignore(txEvtRecvAck).
		Ignore(txEvtRecvReq).
		Permit(txEvtTimerI, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtSend2xx, tx.actSendResTerminal).
		OnEntryFrom(txEvtTimerH, tx.actTimedOut(tmrH))
}

func (tx *transaction) actServerInviteStart(ctx context.Context, _ ...any) error {
	if tx.autoTrying {
		tx.startTimer(ctx, tmr100, tx.timings.Time100())
	}
	return nil
}

// actAutoTrying sends 100 Trying if the TU has not sent any provisional response yet.
func (tx *transaction) actAutoTrying(ctx context.Context, _ ...any) error {
	if tx.lastRes != nil {
		return nil
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send automatic 100 Trying", slog.Any("transaction", tx))

	return tx.actSendRes(ctx, newResponse(tx.req, 100, "", "", nil))
}

func (tx *transaction) actSendProvisional(ctx context.Context, args ...any) error {
	tx.stopTimer(tmr100)
	return tx.actSendRes(ctx, args...)
}

func (tx *transaction) actServerInviteCompleted(ctx context.Context, _ ...any) error {
	tx.stopTimer(tmr100)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	if !tx.reliable {
		tx.startTimer(ctx, tmrG, tx.nextInterval(tmrG, tx.timings.TimeG(), tx.timings.T2()))
	}
	tx.startTimer(ctx, tmrH, tx.timings.TimeH())
	return nil
}

func (tx *transaction) actRetransmitFinal(ctx context.Context, _ ...any) error {
	tx.retransmit(ctx, tx.lastRes)
	tx.startTimer(ctx, tmrG, tx.nextInterval(tmrG, tx.timings.TimeG(), tx.timings.T2()))
	return nil
}

// actResendFinal answers a retransmitted INVITE and restarts timer G
// with its current interval. Timer H keeps running.
func (tx *transaction) actResendFinal(ctx context.Context, args ...any) error {
	if err := tx.actResendRes(ctx, args...); err != nil {
		return err
	}
	if !tx.reliable {
		d, ok := tx.intervals[tmrG]
		if !ok {
			d = tx.timings.TimeG()
		}
		tx.startTimer(ctx, tmrG, d)
	}
	return nil
}

func (tx *transaction) actServerInviteConfirmed(ctx context.Context, _ ...any) error {
	tx.stopTimers(tmrG, tmrH)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction confirmed", slog.Any("transaction", tx))

	if tx.reliable {
		tx.startTimer(ctx, tmrI, 0)
	} else {
		tx.startTimer(ctx, tmrI, tx.timings.TimeI())
	}
	return nil
}
