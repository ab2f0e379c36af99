package sip

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"braces.dev/errtrace"
	sipmsg "github.com/emiago/sipgo/sip"

	"github.com/ghettovoice/sipstack/dialog"
	"github.com/ghettovoice/sipstack/internal/errorutil"
)

func fromTag(msg interface{ From() *sipmsg.FromHeader }) string {
	from := msg.From()
	if from == nil || from.Params == nil {
		return ""
	}
	tag, _ := from.Params.Get("tag")
	return tag
}

// uacDialogID is the ID of the dialog a locally sent request belongs to.
func uacDialogID(req *Request) dialog.ID {
	id := dialog.ID{LocalTag: fromTag(req), RemoteTag: toTag(req)}
	if cid := req.CallID(); cid != nil {
		id.CallID = cid.Value()
	}
	return id
}

func causeReason(cause error) string {
	switch {
	case errors.Is(cause, ErrTransactionTimedOut):
		return "timeout"
	case errors.Is(cause, ErrTransportFailure):
		return "transport failure"
	case cause != nil:
		return cause.Error()
	default:
		return ""
	}
}

// ackEntry is the ACK of the last 2xx response to an INVITE sent in a dialog.
type ackEntry struct {
	mu   sync.Mutex
	cseq uint32
	via  *sipmsg.ViaHeader
	ack  *Request
	dst  string
}

// okRetransmitter resends a 2xx response to an INVITE until the ACK arrives.
type okRetransmitter struct {
	d    *dialog.Dialog
	id   dialog.ID
	key  TransactionKey
	cseq uint32
	res  *Response
	dst  string

	done chan struct{}
	once sync.Once
}

// settle stops retransmission. It returns true for the first call only.
func (r *okRetransmitter) settle() bool {
	var first bool
	r.once.Do(func() {
		close(r.done)
		first = true
	})
	return first
}

func (m *Manager) uacDialog(ctx context.Context, tx *transaction, res *Response) (*dialog.Dialog, bool) {
	id, err := dialog.IDFromResponse(res)
	if err != nil || !id.IsComplete() {
		return nil, false
	}

	d, created, err := m.dlgs.GetOrCreate(id, func() (*dialog.Dialog, error) {
		d, err := dialog.NewFromResponse(tx.req, res, true)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		if m.opts.seedDialogCSeq() {
			seq, _ := cseqOf(tx.req)
			d.SeedCSeq(seq, 0)
		}
		return d, nil
	})
	if err != nil {
		m.log.LogAttrs(ctx, slog.LevelWarn, "failed to create dialog",
			slog.Any("transaction", tx),
			slog.Any("dialog", id),
			slog.Any("error", err),
		)
		return nil, false
	}
	if created {
		m.stats.dialogCreated()
		d.UpdateRemoteAddress(tx.remote)

		m.log.LogAttrs(ctx, slog.LevelDebug, "dialog created", slog.Any("dialog", d))
	}
	return d, created
}

func (m *Manager) uasDialog(tx *transaction, res *Response) (*dialog.Dialog, bool, error) {
	id := dialog.ID{LocalTag: toTag(res), RemoteTag: fromTag(tx.req)}
	if cid := res.CallID(); cid != nil {
		id.CallID = cid.Value()
	}

	d, created, err := m.dlgs.GetOrCreate(id, func() (*dialog.Dialog, error) {
		d, err := dialog.NewFromResponse(tx.req, res, false)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		if m.opts.seedDialogCSeq() {
			seq, _ := cseqOf(tx.req)
			d.SeedCSeq(0, seq)
		}
		return d, nil
	})
	if err != nil {
		return nil, false, errtrace.Wrap(err)
	}
	if d.State() == dialog.StateTerminated {
		return nil, false, nil
	}
	if created {
		m.stats.dialogCreated()
		d.UpdateRemoteAddress(tx.remote)

		m.log.LogAttrs(context.Background(), slog.LevelDebug, "dialog created", slog.Any("dialog", d))
	}
	return d, created, nil
}

// uacInviteResponse advances the dialog layer on a response passed by an INVITE client transaction.
func (m *Manager) uacInviteResponse(ctx context.Context, tx *transaction, res *Response) {
	switch {
	case res.StatusCode == 100:
		return
	case res.StatusCode < 200:
		if toTag(res) != "" && toTag(tx.req) == "" {
			m.uacDialog(ctx, tx, res)
		}
	case res.StatusCode < 300:
		d, created := m.uacDialog(ctx, tx, res)
		if d == nil {
			return
		}
		if !created && d.State() == dialog.StateTerminated {
			m.releaseLate2xx(ctx, tx, d, res)
			return
		}

		established := created && d.State() == dialog.StateConfirmed
		if !created && d.State() == dialog.StateEarly {
			if err := d.Confirm(res); err != nil {
				m.log.LogAttrs(ctx, slog.LevelDebug, "failed to confirm dialog", slog.Any("dialog", d), slog.Any("error", err))
			} else {
				established = true
			}
		}
		if established {
			m.emit(Event{Type: EventDialogEstablished, Key: tx.key, DialogID: d.ID(), Request: tx.req, Response: res})
		}

		seq, _ := cseqOf(tx.req)
		entry := &ackEntry{cseq: seq, via: tx.req.Via()}
		m.uacAcks.Set(d.ID(), entry)
		if m.opts.manualAck() {
			return
		}
		if err := m.sendAck(ctx, d, entry); err != nil {
			m.log.LogAttrs(ctx, slog.LevelWarn, "failed to send ACK", slog.Any("dialog", d), slog.Any("error", err))
		}
	default:
		if toTag(tx.req) == "" {
			m.terminateEarlyDialogs(ctx, tx.req.CallID().Value(), fromTag(tx.req), "rejected")
		}
	}
}

// releaseLate2xx acknowledges a 2xx response of a dialog terminated locally
// and sends BYE to end the session the response established.
func (m *Manager) releaseLate2xx(ctx context.Context, tx *transaction, d *dialog.Dialog, res *Response) {
	m.log.LogAttrs(ctx, slog.LevelDebug, "2xx response in terminated dialog", slog.Any("dialog", d))

	if c := res.Contact(); c != nil {
		d.UpdateRemoteTarget(c.Address)
	}
	seq, _ := cseqOf(tx.req)
	entry := &ackEntry{cseq: seq, via: tx.req.Via()}
	m.uacAcks.Set(d.ID(), entry)
	if err := m.sendAck(ctx, d, entry); err != nil {
		m.log.LogAttrs(ctx, slog.LevelWarn, "failed to send ACK", slog.Any("dialog", d), slog.Any("error", err))
	}

	bye, err := d.BuildTeardown()
	if err != nil {
		m.log.LogAttrs(ctx, slog.LevelWarn, "failed to build BYE", slog.Any("dialog", d), slog.Any("error", err))
		return
	}
	m.goBg(func() {
		if _, err := m.SendRequest(context.Background(), bye, nil); err != nil {
			m.log.LogAttrs(context.Background(), slog.LevelWarn, "failed to send BYE", slog.Any("dialog", d), slog.Any("error", err))
		}
	})
}

// uacInDialogResponse handles a response to a request sent within a dialog.
func (m *Manager) uacInDialogResponse(ctx context.Context, tx *transaction, res *Response) {
	d, ok := m.dlgs.Get(uacDialogID(tx.req))
	if !ok || d.State() == dialog.StateTerminated {
		return
	}

	if res.StatusCode == 408 || res.StatusCode == 481 {
		m.terminateDialog(ctx, d, "remote "+strconv.Itoa(res.StatusCode))
		return
	}

	d.UpdateRemoteAddress(tx.remote)
	if d.CompleteRecovery() {
		m.stats.dialogRecovered()

		m.log.LogAttrs(ctx, slog.LevelInfo, "dialog recovered", slog.Any("dialog", d))
	}

	if tx.key.Method == BYE && res.StatusCode >= 200 {
		m.terminateDialog(ctx, d, "bye")
	}
}

// clientTxFailed handles a client transaction terminated by a timeout or a transport failure.
func (m *Manager) clientTxFailed(ctx context.Context, tx *transaction, d *dialog.Dialog, cause error) {
	if toTag(tx.req) == "" {
		if tx.key.Method == INVITE {
			m.terminateEarlyDialogs(ctx, tx.req.CallID().Value(), fromTag(tx.req), causeReason(cause))
		}
		return
	}
	if d == nil || d.State() == dialog.StateTerminated {
		return
	}
	if tx.key.Method == BYE {
		m.terminateDialog(ctx, d, "bye "+causeReason(cause))
		return
	}
	m.enterRecovery(ctx, d, cause)
}

func (m *Manager) sendAck(ctx context.Context, d *dialog.Dialog, entry *ackEntry) error {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.ack == nil {
		ack, err := d.BuildAck(entry.cseq)
		if err != nil {
			return errtrace.Wrap(err)
		}
		via, err := m.localVia(entry.via)
		if err != nil {
			return errtrace.Wrap(err)
		}
		ack.PrependHeader(via)
		entry.ack = ack
		entry.dst = requestDestination(ack)
	}

	m.log.LogAttrs(ctx, slog.LevelDebug, "send ACK",
		slog.Any("dialog", d),
		slog.Uint64("cseq", uint64(entry.cseq)),
		slog.String("remote", entry.dst),
	)

	if err := m.tp.Send(ctx, encode(entry.ack), entry.dst); err != nil {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrTransportFailure, err))
	}
	return nil
}

// handleStray2xx handles a 2xx response to an INVITE that matched no transaction:
// a retransmission or a response of another fork.
func (m *Manager) handleStray2xx(ctx context.Context, res *Response, src string) {
	id, err := dialog.IDFromResponse(res)
	if err != nil {
		return
	}
	seq, _ := cseqOf(res)
	entry, ok := m.uacAcks.Get(id)
	if !ok || entry.cseq != seq {
		m.log.LogAttrs(ctx, slog.LevelDebug, "stray 2xx response dropped",
			slog.Any("dialog", id),
			slog.String("source", src),
		)
		return
	}

	if m.opts.manualAck() {
		m.emit(Event{Type: EventFinalResponseReceived, DialogID: id, Response: res, Source: src})
		return
	}
	d, ok := m.dlgs.Get(id)
	if !ok {
		return
	}
	if err := m.sendAck(ctx, d, entry); err != nil {
		m.log.LogAttrs(ctx, slog.LevelWarn, "failed to resend ACK", slog.Any("dialog", d), slog.Any("error", err))
		return
	}
	m.stats.txRetransmitted()
}

// SendAck sends the ACK for the last 2xx response to an INVITE within the dialog.
// It is needed only with [ManagerOptions.ManualAck]; the ACK is built once and
// resent on later calls.
func (m *Manager) SendAck(ctx context.Context, id dialog.ID) error {
	if m.closed.Load() {
		return errtrace.Wrap(ErrManagerClosed)
	}
	d, ok := m.dlgs.Get(id)
	if !ok {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrDialogNotFound, "dialog %s", id))
	}
	entry, ok := m.uacAcks.Get(id)
	if !ok {
		return errtrace.Wrap(NewInvalidArgumentError("dialog %s has no 2xx response to acknowledge", id))
	}
	return errtrace.Wrap(m.sendAck(ctx, d, entry))
}

// checkInDialog validates a request that carries a To tag.
// A non-zero status means the request must be rejected with it.
func (m *Manager) checkInDialog(ctx context.Context, req *Request) (*dialog.Dialog, int) {
	d, ok := m.dlgs.FindForRequest(req)
	if !ok || d.State() == dialog.StateTerminated {
		m.log.LogAttrs(ctx, slog.LevelDebug, "request does not match any dialog",
			slog.String("method", string(req.Method)),
			slog.String("call_id", req.CallID().Value()),
		)
		return nil, 481
	}
	seq, _ := cseqOf(req)
	if err := d.UpdateRemoteSequence(seq); err != nil {
		m.log.LogAttrs(ctx, slog.LevelDebug, "out of order request",
			slog.Any("dialog", d),
			slog.String("method", string(req.Method)),
			slog.Any("error", err),
		)
		return d, 500
	}
	return d, 0
}

func (m *Manager) dialogRequestReceived(ctx context.Context, d *dialog.Dialog, req *Request, src string) {
	d.UpdateRemoteAddress(src)
	if d.CompleteRecovery() {
		m.stats.dialogRecovered()

		m.log.LogAttrs(ctx, slog.LevelInfo, "dialog recovered", slog.Any("dialog", d))
	}
	if req.Method == INVITE || req.Method == UPDATE {
		if c := req.Contact(); c != nil {
			d.UpdateRemoteTarget(c.Address)
		}
	}
}

// handleAck handles an ACK that matched no transaction, i.e. an ACK for a 2xx response.
func (m *Manager) handleAck(ctx context.Context, req *Request, src, local string) {
	d, ok := m.dlgs.FindForRequest(req)
	if !ok {
		m.log.LogAttrs(ctx, slog.LevelDebug, "stray ACK dropped",
			slog.String("call_id", req.CallID().Value()),
			slog.String("source", src),
		)
		return
	}

	id := d.ID()
	seq, _ := cseqOf(req)
	r, ok := m.uasOKs.Get(id)
	if !ok || r.cseq != seq || !r.settle() {
		m.log.LogAttrs(ctx, slog.LevelDebug, "ACK absorbed", slog.Any("dialog", d), slog.Uint64("cseq", uint64(seq)))
		return
	}

	m.dialogRequestReceived(ctx, d, req, src)
	m.emit(Event{Type: EventAckReceived, DialogID: id, Request: req, Source: src, Local: local})
}

// absorbInviteRetransmit resends the 2xx response for a retransmitted INVITE
// whose server transaction has already terminated.
func (m *Manager) absorbInviteRetransmit(ctx context.Context, key TransactionKey) bool {
	r, ok := m.accepted.Get(key)
	if !ok {
		return false
	}

	m.log.LogAttrs(ctx, slog.LevelDebug, "INVITE retransmission absorbed", slog.Any("key", key))

	if err := m.tp.Send(ctx, encode(r.res), r.dst); err != nil {
		m.log.LogAttrs(ctx, slog.LevelWarn, "failed to resend 2xx response", slog.Any("key", key), slog.Any("error", err))
	} else {
		m.stats.txRetransmitted()
	}
	return true
}

func (m *Manager) startOKRetransmit(d *dialog.Dialog, tx *transaction, res *Response) {
	seq, _ := cseqOf(tx.req)
	r := &okRetransmitter{
		d:    d,
		id:   d.ID(),
		key:  tx.key,
		cseq: seq,
		res:  res,
		dst:  tx.remote,
		done: make(chan struct{}),
	}
	if old, ok := m.uasOKs.Get(r.id); ok {
		old.settle()
	}
	m.uasOKs.Set(r.id, r)
	m.accepted.Set(r.key, r)

	if !m.goBg(func() { m.runOKRetransmit(r) }) {
		m.accepted.Del(r.key)
		m.uasOKs.Del(r.id)
	}
}

// runOKRetransmit resends the 2xx with T1 doubling capped at T2 (RFC 3261 §13.3.1.4).
// After timer L without an ACK the dialog is terminated.
func (m *Manager) runOKRetransmit(r *okRetransmitter) {
	ctx := context.Background()

	deadline := time.NewTimer(m.tms.TimeL())
	defer deadline.Stop()

	var (
		tick     *time.Timer
		tickC    <-chan time.Time
		interval = m.tms.T1()
		done     = r.done
	)
	if !m.tp.Reliable() {
		tick = time.NewTimer(interval)
		defer tick.Stop()
		tickC = tick.C
	}

	for {
		select {
		case <-tickC:
			if err := m.tp.Send(ctx, encode(r.res), r.dst); err != nil {
				m.log.LogAttrs(ctx, slog.LevelWarn, "failed to resend 2xx response", slog.Any("dialog", r.id), slog.Any("error", err))
			} else {
				m.stats.txRetransmitted()
			}
			interval = min(2*interval, m.tms.T2())
			tick.Reset(interval)
		case <-done:
			tickC = nil
			done = nil
		case <-deadline.C:
			m.finishOKRetransmit(ctx, r)
			return
		case <-m.closing:
			return
		}
	}
}

func (m *Manager) finishOKRetransmit(ctx context.Context, r *okRetransmitter) {
	m.accepted.Del(r.key)
	if cur, ok := m.uasOKs.Get(r.id); ok && cur == r {
		m.uasOKs.Del(r.id)
	}
	if !r.settle() {
		return
	}

	m.log.LogAttrs(ctx, slog.LevelWarn, "no ACK for 2xx response", slog.Any("dialog", r.d))
	m.terminateDialog(ctx, r.d, "ack timeout")
}

// terminateDialog terminates the dialog, reports it and schedules its removal.
func (m *Manager) terminateDialog(ctx context.Context, d *dialog.Dialog, reason string) bool {
	if !d.Terminate(reason) {
		return false
	}

	id := d.ID()
	m.stats.dialogTerminated()
	if r, ok := m.uasOKs.GetAndDel(id); ok {
		r.settle()
	}

	m.log.LogAttrs(ctx, slog.LevelDebug, "dialog terminated", slog.Any("dialog", d), slog.String("reason", reason))

	m.emit(Event{Type: EventDialogTerminated, DialogID: id, Reason: reason})
	m.scheduleDialogRemoval(id, d)
	return true
}

func (m *Manager) terminateEarlyDialogs(ctx context.Context, callID, localTag, reason string) {
	for d := range m.dlgs.All() {
		id := d.ID()
		if id.CallID == callID && id.LocalTag == localTag && d.State() == dialog.StateEarly {
			m.terminateDialog(ctx, d, reason)
		}
	}
}

func (m *Manager) scheduleDialogRemoval(id dialog.ID, d *dialog.Dialog) {
	if m.closed.Load() {
		m.dlgs.RemoveIf(id, d)
		m.uacAcks.Del(id)
		return
	}

	tmr := m.sched.Arm("dialog_gc", m.opts.dialogGracePeriod(), func(uint64) {
		m.dlgGC.Del(id)
		m.uacAcks.Del(id)
		if m.dlgs.RemoveIf(id, d) {
			m.log.LogAttrs(context.Background(), slog.LevelDebug, "dialog removed", slog.Any("dialog", id))
		}
	})
	if old, ok := m.dlgGC.GetAndDel(id); ok {
		m.sched.Cancel(old)
	}
	m.dlgGC.Set(id, tmr)
}

// CreateDialogFromResponse creates a dialog from a response to an INVITE and stores it.
// Dialogs of requests sent and received through the manager are created automatically,
// this is for messages exchanged by other means.
func (m *Manager) CreateDialogFromResponse(req *Request, res *Response, isInitiator bool) (dialog.ID, error) {
	if m.closed.Load() {
		return dialog.ID{}, errtrace.Wrap(ErrManagerClosed)
	}
	d, err := dialog.NewFromResponse(req, res, isInitiator)
	if err != nil {
		return dialog.ID{}, errtrace.Wrap(err)
	}
	if m.opts.seedDialogCSeq() && req != nil {
		seq, _ := cseqOf(req)
		if isInitiator {
			d.SeedCSeq(seq, 0)
		} else {
			d.SeedCSeq(0, seq)
		}
	}
	if err := m.dlgs.Add(d); err != nil {
		return dialog.ID{}, errtrace.Wrap(err)
	}
	m.stats.dialogCreated()

	if d.State() == dialog.StateConfirmed {
		m.emit(Event{Type: EventDialogEstablished, DialogID: d.ID(), Request: req, Response: res})
	}
	return d.ID(), nil
}

// TerminateDialog terminates the dialog locally without sending any request.
// Terminating a terminated dialog is a no-op.
func (m *Manager) TerminateDialog(ctx context.Context, id dialog.ID, reason string) error {
	d, ok := m.dlgs.Get(id)
	if !ok {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrDialogNotFound, "dialog %s", id))
	}
	m.terminateDialog(ctx, d, reason)
	return nil
}

// Hangup sends BYE within the dialog. The dialog is terminated when the BYE
// transaction completes or fails.
func (m *Manager) Hangup(ctx context.Context, id dialog.ID, opts *SendRequestOptions) (TransactionKey, error) {
	req, err := m.NewDialogRequest(id, BYE)
	if err != nil {
		return TransactionKey{}, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(m.SendRequest(ctx, req, opts))
}

// NewDialogRequest builds a request within the dialog.
// The request has no Via, [Manager.SendRequest] adds it.
func (m *Manager) NewDialogRequest(id dialog.ID, method RequestMethod) (*Request, error) {
	d, ok := m.dlgs.Get(id)
	if !ok {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrDialogNotFound, "dialog %s", id))
	}
	return errtrace.Wrap2(d.BuildRequest(method))
}

// Dialog returns a snapshot of the dialog.
func (m *Manager) Dialog(id dialog.ID) (dialog.Snapshot, error) {
	d, ok := m.dlgs.Get(id)
	if !ok {
		return dialog.Snapshot{}, errtrace.Wrap(errorutil.NewWrapperError(ErrDialogNotFound, "dialog %s", id))
	}
	return d.Snapshot(), nil
}

// Dialogs returns snapshots of all stored dialogs, terminated ones included.
func (m *Manager) Dialogs() []dialog.Snapshot {
	snaps := make([]dialog.Snapshot, 0, m.dlgs.Len())
	for d := range m.dlgs.All() {
		snaps = append(snaps, d.Snapshot())
	}
	return snaps
}

// DialogCount returns the number of stored dialogs.
func (m *Manager) DialogCount() int { return m.dlgs.Len() }
