package sip_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	sipmsg "github.com/emiago/sipgo/sip"
	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipstack/dialog"
	"github.com/ghettovoice/sipstack/sip"
)

func toTagOf(msg interface{ To() *sipmsg.ToHeader }) string {
	to := msg.To()
	if to == nil || to.Params == nil {
		return ""
	}
	tag, _ := to.Params.Get("tag")
	return tag
}

func branchOf(msg interface{ Via() *sipmsg.ViaHeader }) string {
	via := msg.Via()
	if via == nil || via.Params == nil {
		return ""
	}
	branch, _ := via.Params.Get("branch")
	return branch
}

func dialogSnap(tb testing.TB, m *sip.Manager, id dialog.ID) dialog.Snapshot {
	tb.Helper()

	snap, err := m.Dialog(id)
	if err != nil {
		tb.Fatalf("m.Dialog(%v) error = %v, want nil", id, err)
	}
	return snap
}

// establishUAC sends an INVITE and answers it with 200 from bob.
func establishUAC(tb testing.TB, m *sip.Manager, tp *stubTransport, callID string) dialog.ID {
	tb.Helper()

	ctx := tb.Context()
	if _, err := m.SendRequest(ctx, newOutReq(tb, sip.INVITE, callID), nil); err != nil {
		tb.Fatalf("m.SendRequest(INVITE) error = %v, want nil", err)
	}
	invite := tp.waitSendReq(tb, sip.INVITE, time.Second)
	if err := m.HandleMessage(ctx, newInRes(tb, invite, 200, "bob-tag"), remoteAddr, localAddr); err != nil {
		tb.Fatalf("m.HandleMessage(200) error = %v, want nil", err)
	}
	evt := waitEvent(tb, m, sip.EventDialogEstablished, time.Second)
	tp.waitSendReq(tb, sip.ACK, time.Second)
	return evt.DialogID
}

// establishUAS receives an INVITE from bob and answers it with 200.
// The dialog is confirmed but the ACK is not sent yet.
func establishUAS(tb testing.TB, m *sip.Manager, tp *stubTransport, callID, branch string) (dialog.ID, *sip.Request, *sip.Response) {
	tb.Helper()

	ctx := tb.Context()
	inv := newInReq(tb, sip.INVITE, branch, callID, 1)
	if err := m.HandleMessage(ctx, inv, remoteAddr, localAddr); err != nil {
		tb.Fatalf("m.HandleMessage(INVITE) error = %v, want nil", err)
	}
	evt := waitEvent(tb, m, sip.EventRequestReceived, time.Second)
	if err := m.SendResponse(ctx, evt.Key, 200, "", nil); err != nil {
		tb.Fatalf("m.SendResponse(200) error = %v, want nil", err)
	}
	ok := tp.waitSendRes(tb, 200, time.Second)
	est := waitEvent(tb, m, sip.EventDialogEstablished, time.Second)
	return est.DialogID, inv, ok
}

func TestManager_InviteClient(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m := newTestManager(t, tp, &sip.ManagerOptions{Timings: fastTimings(20 * time.Millisecond)})

	type transition struct{ From, To sip.TransactionState }
	var (
		mu    sync.Mutex
		trans []transition
	)
	m.OnTransactionState(func(_ context.Context, _ sip.TransactionKey, from, to sip.TransactionState) {
		mu.Lock()
		trans = append(trans, transition{from, to})
		mu.Unlock()
	})

	ctx := t.Context()
	key, err := m.SendRequest(ctx, newOutReq(t, sip.INVITE, "call-uac"), nil)
	if err != nil {
		t.Fatalf("m.SendRequest(INVITE) error = %v, want nil", err)
	}
	if got, want := key.Type, sip.TransactionTypeClientInvite; got != want {
		t.Fatalf("key.Type = %q, want %q", got, want)
	}
	if got, want := txState(t, m, key), sip.TransactionStateCalling; got != want {
		t.Fatalf("tx state = %q, want %q", got, want)
	}

	invite := tp.waitSendReq(t, sip.INVITE, 100*time.Millisecond)
	if branch := branchOf(invite); !sip.IsRFC3261Branch(branch) || branch != key.Branch {
		t.Fatalf("INVITE branch = %q, want %q with magic cookie", branch, key.Branch)
	}

	if err := m.HandleMessage(ctx, newInRes(t, invite, 100, ""), remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(100) error = %v, want nil", err)
	}
	evt := waitEvent(t, m, sip.EventProvisionalReceived, time.Second)
	if evt.Key != key || evt.Response.StatusCode != 100 {
		t.Fatalf("provisional event = %v, want 100 of %v", evt.LogValue(), key)
	}
	if got, want := txState(t, m, key), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx state = %q, want %q", got, want)
	}

	id := dialog.ID{CallID: "call-uac", LocalTag: "alice-tag", RemoteTag: "bob-tag"}
	if err := m.HandleMessage(ctx, newInRes(t, invite, 180, "bob-tag"), remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(180) error = %v, want nil", err)
	}
	evt = waitEvent(t, m, sip.EventProvisionalReceived, time.Second)
	if evt.DialogID != id {
		t.Fatalf("evt.DialogID = %v, want %v", evt.DialogID, id)
	}
	if got, want := dialogSnap(t, m, id).State, dialog.StateEarly; got != want {
		t.Fatalf("dialog state = %q, want %q", got, want)
	}

	tp.drainSends()
	ok := newInRes(t, invite, 200, "bob-tag")
	if err := m.HandleMessage(ctx, ok, remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(200) error = %v, want nil", err)
	}
	evt = waitEvent(t, m, sip.EventFinalResponseReceived, time.Second)
	if evt.Response.StatusCode != 200 || evt.DialogID != id {
		t.Fatalf("final event = %v, want 200 within %v", evt.LogValue(), id)
	}
	evt = waitEvent(t, m, sip.EventDialogEstablished, time.Second)
	if evt.DialogID != id {
		t.Fatalf("evt.DialogID = %v, want %v", evt.DialogID, id)
	}

	ack := tp.waitSendReq(t, sip.ACK, time.Second)
	if got, want := ack.CSeq().SeqNo, uint32(1); got != want {
		t.Fatalf("ACK CSeq = %d, want %d", got, want)
	}
	if got := branchOf(ack); got == key.Branch || !sip.IsRFC3261Branch(got) {
		t.Fatalf("ACK branch = %q, want new branch", got)
	}
	if got, want := toTagOf(ack), "bob-tag"; got != want {
		t.Fatalf("ACK To tag = %q, want %q", got, want)
	}

	waitFor(t, time.Second, "INVITE transaction removal", func() bool { return m.TransactionCount() == 0 })

	mu.Lock()
	got := slices.Clone(trans)
	mu.Unlock()
	want := []transition{
		{sip.TransactionStateCalling, sip.TransactionStateProceeding},
		{sip.TransactionStateProceeding, sip.TransactionStateTerminated},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("transitions mismatch (-want +got):\n%s", diff)
	}

	snap := dialogSnap(t, m, id)
	if snap.State != dialog.StateConfirmed || snap.ID.RemoteTag != "bob-tag" || snap.LocalCSeq != 0 {
		t.Fatalf("dialog = %+v, want confirmed with remote tag bob-tag and local CSeq 0", snap)
	}

	bye, err := m.NewDialogRequest(id, sip.BYE)
	if err != nil {
		t.Fatalf("m.NewDialogRequest(BYE) error = %v, want nil", err)
	}
	if got, want := bye.CSeq().SeqNo, uint32(1); got != want {
		t.Fatalf("BYE CSeq = %d, want %d", got, want)
	}
	if got, want := bye.Recipient.Host, "55.55.55.55"; got != want {
		t.Fatalf("BYE Request-URI host = %q, want %q", got, want)
	}
	if got, want := dialogSnap(t, m, id).LocalCSeq, uint32(1); got != want {
		t.Fatalf("dialog local CSeq = %d, want %d", got, want)
	}

	// a retransmitted 2xx is acknowledged again without reaching the user
	if err := m.HandleMessage(ctx, ok, remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(200) error = %v, want nil", err)
	}
	ack2 := tp.waitSendReq(t, sip.ACK, time.Second)
	if got, want := branchOf(ack2), branchOf(ack); got != want {
		t.Fatalf("resent ACK branch = %q, want %q", got, want)
	}
	ensureNoEvent(t, m, sip.EventFinalResponseReceived, 50*time.Millisecond)
}

func TestManager_InviteClient_TimerB(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	stats := &sip.StatsRecorder{}
	m := newTestManager(t, tp, &sip.ManagerOptions{Timings: fastTimings(5 * time.Millisecond), Stats: stats})

	key, err := m.SendRequest(t.Context(), newOutReq(t, sip.INVITE, "call-timer-b"), nil)
	if err != nil {
		t.Fatalf("m.SendRequest(INVITE) error = %v, want nil", err)
	}

	evt := waitEvent(t, m, sip.EventTransactionTimeout, 2*time.Second)
	if evt.Key != key {
		t.Fatalf("evt.Key = %v, want %v", evt.Key, key)
	}
	if !errors.Is(evt.Err, sip.ErrTransactionTimedOut) {
		t.Fatalf("evt.Err = %v, want %v", evt.Err, sip.ErrTransactionTimedOut)
	}
	ensureNoEvent(t, m, sip.EventTransactionTimeout, 100*time.Millisecond)

	n := tp.countSent(func(c sendCall) bool { return c.req() != nil && c.req().Method == sip.INVITE })
	if n < 4 || n > 7 {
		t.Fatalf("INVITE sent %d times, want 4..7", n)
	}

	waitFor(t, time.Second, "transaction removal", func() bool { return m.TransactionCount() == 0 })
	rep := stats.Report()
	if got, want := rep.Transactions.Timeouts, uint64(1); got != want {
		t.Fatalf("timeouts = %d, want %d", got, want)
	}
	if got := rep.Transactions.Retransmissions; got == 0 {
		t.Fatal("retransmissions = 0, want > 0")
	}
	if got := rep.Transactions.InviteClientTransactions; got != 0 {
		t.Fatalf("active INVITE client transactions = %d, want 0", got)
	}
}

func TestManager_InviteClient_ProceedingTimers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		reliable    bool
		wantResends bool
	}{
		{"unreliable", false, true},
		{"reliable", true, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			tp := newStubTransport(c.reliable)
			m := newTestManager(t, tp, &sip.ManagerOptions{Timings: fastTimings(5 * time.Millisecond)})

			ctx := t.Context()
			key, err := m.SendRequest(ctx, newOutReq(t, sip.INVITE, "call-ringing-"+c.name), nil)
			if err != nil {
				t.Fatalf("m.SendRequest(INVITE) error = %v, want nil", err)
			}
			invite := tp.waitSendReq(t, sip.INVITE, time.Second)
			if err := m.HandleMessage(ctx, newInRes(t, invite, 180, "bob-tag"), remoteAddr, localAddr); err != nil {
				t.Fatalf("m.HandleMessage(180) error = %v, want nil", err)
			}
			waitEvent(t, m, sip.EventProvisionalReceived, time.Second)
			if got, want := txState(t, m, key), sip.TransactionStateProceeding; got != want {
				t.Fatalf("tx state = %q, want %q", got, want)
			}
			isInvite := func(sc sendCall) bool { return sc.req() != nil && sc.req().Method == sip.INVITE }
			before := tp.countSent(isInvite)

			// no final response, timer B ends the transaction
			evt := waitEvent(t, m, sip.EventTransactionTimeout, 2*time.Second)
			if evt.Key != key {
				t.Fatalf("evt.Key = %v, want %v", evt.Key, key)
			}
			waitFor(t, time.Second, "transaction removal", func() bool { return m.TransactionCount() == 0 })

			n := tp.countSent(isInvite) - before
			if got := n > 0; got != c.wantResends {
				t.Fatalf("INVITE resent %d times in proceeding, want resends %v", n, c.wantResends)
			}
		})
	}
}

func TestManager_InviteClient_Rejected(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m := newTestManager(t, tp, &sip.ManagerOptions{Timings: fastTimings(10 * time.Millisecond)})

	ctx := t.Context()
	key, err := m.SendRequest(ctx, newOutReq(t, sip.INVITE, "call-rejected"), nil)
	if err != nil {
		t.Fatalf("m.SendRequest(INVITE) error = %v, want nil", err)
	}
	invite := tp.waitSendReq(t, sip.INVITE, time.Second)

	if err := m.HandleMessage(ctx, newInRes(t, invite, 180, "bob-tag"), remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(180) error = %v, want nil", err)
	}
	waitEvent(t, m, sip.EventProvisionalReceived, time.Second)

	busy := newInRes(t, invite, 486, "bob-tag")
	if err := m.HandleMessage(ctx, busy, remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(486) error = %v, want nil", err)
	}
	evt := waitEvent(t, m, sip.EventFinalResponseReceived, time.Second)
	if got, want := evt.Response.StatusCode, 486; got != want {
		t.Fatalf("final status = %d, want %d", got, want)
	}
	evt = waitEvent(t, m, sip.EventDialogTerminated, time.Second)
	if got, want := evt.Reason, "rejected"; got != want {
		t.Fatalf("evt.Reason = %q, want %q", got, want)
	}

	ack := tp.waitSendReq(t, sip.ACK, time.Second)
	if got, want := branchOf(ack), key.Branch; got != want {
		t.Fatalf("ACK branch = %q, want %q", got, want)
	}
	if got, want := txState(t, m, key), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx state = %q, want %q", got, want)
	}

	if err := m.HandleMessage(ctx, busy, remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(486) error = %v, want nil", err)
	}
	tp.waitSendReq(t, sip.ACK, time.Second)
	ensureNoEvent(t, m, sip.EventFinalResponseReceived, 50*time.Millisecond)

	waitFor(t, 2*time.Second, "transaction removal", func() bool { return m.TransactionCount() == 0 })
}

func TestManager_NonInviteClient(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m := newTestManager(t, tp, &sip.ManagerOptions{Timings: fastTimings(10 * time.Millisecond)})

	ctx := t.Context()
	key, err := m.SendRequest(ctx, newOutReq(t, sip.OPTIONS, "call-nict"), nil)
	if err != nil {
		t.Fatalf("m.SendRequest(OPTIONS) error = %v, want nil", err)
	}
	if got, want := txState(t, m, key), sip.TransactionStateTrying; got != want {
		t.Fatalf("tx state = %q, want %q", got, want)
	}
	req := tp.waitSendReq(t, sip.OPTIONS, time.Second)
	// timer E
	tp.waitSendReq(t, sip.OPTIONS, time.Second)

	res := newInRes(t, req, 200, "bob-tag")
	if err := m.HandleMessage(ctx, res, remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(200) error = %v, want nil", err)
	}
	evt := waitEvent(t, m, sip.EventFinalResponseReceived, time.Second)
	if evt.Key != key {
		t.Fatalf("evt.Key = %v, want %v", evt.Key, key)
	}
	if got, want := txState(t, m, key), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx state = %q, want %q", got, want)
	}

	tp.drainSends()
	if err := m.HandleMessage(ctx, res, remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(200) error = %v, want nil", err)
	}
	ensureNoEvent(t, m, sip.EventFinalResponseReceived, 30*time.Millisecond)
	tp.ensureNoSend(t, 30*time.Millisecond)

	waitFor(t, time.Second, "transaction removal", func() bool { return m.TransactionCount() == 0 })
}

func TestManager_NonInviteClient_TimerF(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m := newTestManager(t, tp, &sip.ManagerOptions{Timings: fastTimings(5 * time.Millisecond)})

	key, err := m.SendRequest(t.Context(), newOutReq(t, sip.OPTIONS, "call-timer-f"), nil)
	if err != nil {
		t.Fatalf("m.SendRequest(OPTIONS) error = %v, want nil", err)
	}
	evt := waitEvent(t, m, sip.EventTransactionTimeout, 2*time.Second)
	if evt.Key != key || !errors.Is(evt.Err, sip.ErrTransactionTimedOut) {
		t.Fatalf("timeout event = %v, want timeout of %v", evt.LogValue(), key)
	}
	ensureNoEvent(t, m, sip.EventTransactionTimeout, 50*time.Millisecond)
}

func TestManager_NonInviteServer(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m := newTestManager(t, tp, &sip.ManagerOptions{Timings: fastTimings(10 * time.Millisecond)})

	ctx := t.Context()
	req := newInReq(t, sip.OPTIONS, "z9hG4bK-nist-1", "call-nist", 1)
	if err := m.HandleMessage(ctx, req, remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(OPTIONS) error = %v, want nil", err)
	}
	evt := waitEvent(t, m, sip.EventRequestReceived, time.Second)
	key := evt.Key
	if key.Type != sip.TransactionTypeServerNonInvite || evt.Source != remoteAddr {
		t.Fatalf("request event = %v, want non-INVITE server transaction from %s", evt.LogValue(), remoteAddr)
	}
	if got, want := txState(t, m, key), sip.TransactionStateTrying; got != want {
		t.Fatalf("tx state = %q, want %q", got, want)
	}

	// retransmission in Trying is absorbed silently
	if err := m.HandleMessage(ctx, req, remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(OPTIONS) error = %v, want nil", err)
	}
	ensureNoEvent(t, m, sip.EventRequestReceived, 30*time.Millisecond)
	tp.ensureNoSend(t, 20*time.Millisecond)

	if err := m.SendResponse(ctx, key, 200, "", nil); err != nil {
		t.Fatalf("m.SendResponse(200) error = %v, want nil", err)
	}
	res := tp.waitSendRes(t, 200, time.Second)
	if toTagOf(res) == "" {
		t.Fatal("response To tag is empty")
	}
	if got, want := txState(t, m, key), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx state = %q, want %q", got, want)
	}

	if err := m.HandleMessage(ctx, req, remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(OPTIONS) error = %v, want nil", err)
	}
	res2 := tp.waitSendRes(t, 200, time.Second)
	if got, want := toTagOf(res2), toTagOf(res); got != want {
		t.Fatalf("resent response To tag = %q, want %q", got, want)
	}

	if err := m.SendResponse(ctx, key, 200, "", nil); !errors.Is(err, sip.ErrInvalidStateTransition) {
		t.Fatalf("m.SendResponse(200) error = %v, want %v", err, sip.ErrInvalidStateTransition)
	}

	waitFor(t, 2*time.Second, "transaction removal", func() bool { return m.TransactionCount() == 0 })
	if err := m.SendResponse(ctx, key, 200, "", nil); !errors.Is(err, sip.ErrTransactionNotFound) {
		t.Fatalf("m.SendResponse(200) error = %v, want %v", err, sip.ErrTransactionNotFound)
	}
}

func TestManager_InviteServer(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m := newTestManager(t, tp, &sip.ManagerOptions{
		Timings:    sip.NewTimings(20*time.Millisecond, 160*time.Millisecond, 200*time.Millisecond, time.Second, 10*time.Millisecond),
		AutoTrying: true,
	})

	ctx := t.Context()
	inv := newInReq(t, sip.INVITE, "z9hG4bK-ist-1", "call-uas", 1)
	if err := m.HandleMessage(ctx, inv, remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(INVITE) error = %v, want nil", err)
	}
	evt := waitEvent(t, m, sip.EventRequestReceived, time.Second)
	key := evt.Key
	if got, want := key.Type, sip.TransactionTypeServerInvite; got != want {
		t.Fatalf("key.Type = %q, want %q", got, want)
	}
	tp.waitSendRes(t, 100, time.Second)

	if err := m.SendResponse(ctx, key, 180, "", nil); err != nil {
		t.Fatalf("m.SendResponse(180) error = %v, want nil", err)
	}
	ringing := tp.waitSendRes(t, 180, time.Second)
	localTag := toTagOf(ringing)
	if localTag == "" {
		t.Fatal("180 To tag is empty")
	}

	// retransmitted INVITE gets the last provisional response
	if err := m.HandleMessage(ctx, inv, remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(INVITE) error = %v, want nil", err)
	}
	tp.waitSendRes(t, 180, time.Second)
	ensureNoEvent(t, m, sip.EventRequestReceived, 20*time.Millisecond)

	id := dialog.ID{CallID: "call-uas", LocalTag: localTag, RemoteTag: "bob-tag"}
	if got, want := dialogSnap(t, m, id).State, dialog.StateEarly; got != want {
		t.Fatalf("dialog state = %q, want %q", got, want)
	}

	if err := m.SendResponse(ctx, key, 200, "", nil); err != nil {
		t.Fatalf("m.SendResponse(200) error = %v, want nil", err)
	}
	ok := tp.waitSendRes(t, 200, time.Second)
	if got := toTagOf(ok); got != localTag {
		t.Fatalf("200 To tag = %q, want %q", got, localTag)
	}
	evt = waitEvent(t, m, sip.EventDialogEstablished, time.Second)
	if evt.DialogID != id {
		t.Fatalf("evt.DialogID = %v, want %v", evt.DialogID, id)
	}
	if got, want := dialogSnap(t, m, id).State, dialog.StateConfirmed; got != want {
		t.Fatalf("dialog state = %q, want %q", got, want)
	}

	// 2xx is retransmitted until the ACK arrives
	tp.waitSendRes(t, 200, 200*time.Millisecond)

	// INVITE retransmission after the 2xx gets the 2xx again
	if err := m.HandleMessage(ctx, inv, remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(INVITE) error = %v, want nil", err)
	}
	tp.waitSendRes(t, 200, time.Second)
	ensureNoEvent(t, m, sip.EventRequestReceived, 20*time.Millisecond)

	ack := newInAck(t, inv, ok, "z9hG4bK-ist-1-ack")
	if err := m.HandleMessage(ctx, ack, remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(ACK) error = %v, want nil", err)
	}
	evt = waitEvent(t, m, sip.EventAckReceived, time.Second)
	if evt.DialogID != id {
		t.Fatalf("evt.DialogID = %v, want %v", evt.DialogID, id)
	}

	if err := m.HandleMessage(ctx, ack, remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(ACK) error = %v, want nil", err)
	}
	ensureNoEvent(t, m, sip.EventAckReceived, 50*time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	tp.drainSends()
	tp.ensureNoSend(t, 100*time.Millisecond)
}

func TestManager_InviteServer_Rejected(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m := newTestManager(t, tp, &sip.ManagerOptions{Timings: fastTimings(10 * time.Millisecond)})

	ctx := t.Context()
	inv := newInReq(t, sip.INVITE, "z9hG4bK-ist-2", "call-uas-busy", 1)
	if err := m.HandleMessage(ctx, inv, remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(INVITE) error = %v, want nil", err)
	}
	key := waitEvent(t, m, sip.EventRequestReceived, time.Second).Key

	if err := m.SendResponse(ctx, key, 486, "", nil); err != nil {
		t.Fatalf("m.SendResponse(486) error = %v, want nil", err)
	}
	busy := tp.waitSendRes(t, 486, time.Second)
	// timer G
	tp.waitSendRes(t, 486, time.Second)
	if got, want := txState(t, m, key), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx state = %q, want %q", got, want)
	}

	ack := newInAck(t, inv, busy, "z9hG4bK-ist-2")
	if err := m.HandleMessage(ctx, ack, remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(ACK) error = %v, want nil", err)
	}
	if got, want := txState(t, m, key), sip.TransactionStateConfirmed; got != want {
		t.Fatalf("tx state = %q, want %q", got, want)
	}
	ensureNoEvent(t, m, sip.EventAckReceived, 30*time.Millisecond)

	tp.drainSends()
	tp.ensureNoSend(t, 50*time.Millisecond)
	waitFor(t, time.Second, "transaction removal", func() bool { return m.TransactionCount() == 0 })
}

func TestManager_InviteServer_RetransmitRestartsTimerG(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m := newTestManager(t, tp, &sip.ManagerOptions{Timings: fastTimings(100 * time.Millisecond)})

	ctx := t.Context()
	inv := newInReq(t, sip.INVITE, "z9hG4bK-ist-4", "call-uas-retransmit", 1)
	if err := m.HandleMessage(ctx, inv, remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(INVITE) error = %v, want nil", err)
	}
	key := waitEvent(t, m, sip.EventRequestReceived, time.Second).Key
	if err := m.SendResponse(ctx, key, 486, "", nil); err != nil {
		t.Fatalf("m.SendResponse(486) error = %v, want nil", err)
	}
	tp.waitSendRes(t, 486, time.Second)

	// retransmissions closer than timer G keep postponing it
	const n = 5
	for range n {
		time.Sleep(40 * time.Millisecond)
		if err := m.HandleMessage(ctx, inv, remoteAddr, localAddr); err != nil {
			t.Fatalf("m.HandleMessage(INVITE retransmit) error = %v, want nil", err)
		}
		tp.waitSendRes(t, 486, time.Second)
	}
	if got, want := tp.countSent(func(c sendCall) bool { return c.res() != nil && c.res().StatusCode == 486 }), 1+n; got != want {
		t.Fatalf("486 sent %d times, want %d", got, want)
	}
	if got, want := txState(t, m, key), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx state = %q, want %q", got, want)
	}

	// timer G fires again once the retransmissions stop
	tp.waitSendRes(t, 486, time.Second)
}

func TestManager_InviteServer_TimerH(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m := newTestManager(t, tp, &sip.ManagerOptions{Timings: fastTimings(5 * time.Millisecond)})

	ctx := t.Context()
	inv := newInReq(t, sip.INVITE, "z9hG4bK-ist-3", "call-timer-h", 1)
	if err := m.HandleMessage(ctx, inv, remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(INVITE) error = %v, want nil", err)
	}
	key := waitEvent(t, m, sip.EventRequestReceived, time.Second).Key
	if err := m.SendResponse(ctx, key, 486, "", nil); err != nil {
		t.Fatalf("m.SendResponse(486) error = %v, want nil", err)
	}

	evt := waitEvent(t, m, sip.EventTransactionTimeout, 2*time.Second)
	if evt.Key != key || !errors.Is(evt.Err, sip.ErrTransactionTimedOut) {
		t.Fatalf("timeout event = %v, want timeout of %v", evt.LogValue(), key)
	}
}

func TestManager_InDialogRequests(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m := newTestManager(t, tp, &sip.ManagerOptions{Timings: fastTimings(20 * time.Millisecond)})

	ctx := t.Context()
	id, inv, ok := establishUAS(t, m, tp, "call-in-dialog", "z9hG4bK-indlg-1")
	if err := m.HandleMessage(ctx, newInAck(t, inv, ok, "z9hG4bK-indlg-ack"), remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(ACK) error = %v, want nil", err)
	}
	waitEvent(t, m, sip.EventAckReceived, time.Second)

	send := func(req *sip.Request) {
		t.Helper()
		if err := m.HandleMessage(ctx, req, remoteAddr, localAddr); err != nil {
			t.Fatalf("m.HandleMessage(%s) error = %v, want nil", req.Method, err)
		}
	}

	// unknown dialog
	send(withToTag(newInReq(t, sip.INFO, "z9hG4bK-indlg-2", "call-in-dialog", 2), "unknown-tag"))
	tp.waitSendRes(t, 481, time.Second)
	ensureNoEvent(t, m, sip.EventRequestReceived, 30*time.Millisecond)

	send(withToTag(newInReq(t, sip.INFO, "z9hG4bK-indlg-3", "call-in-dialog", 2), id.LocalTag))
	evt := waitEvent(t, m, sip.EventRequestReceived, time.Second)
	if evt.DialogID != id {
		t.Fatalf("evt.DialogID = %v, want %v", evt.DialogID, id)
	}

	// same CSeq in a new transaction
	send(withToTag(newInReq(t, sip.INFO, "z9hG4bK-indlg-4", "call-in-dialog", 2), id.LocalTag))
	tp.waitSendRes(t, 500, time.Second)
	ensureNoEvent(t, m, sip.EventRequestReceived, 30*time.Millisecond)

	send(withToTag(newInReq(t, sip.BYE, "z9hG4bK-indlg-5", "call-in-dialog", 3), id.LocalTag))
	evt = waitEvent(t, m, sip.EventRequestReceived, time.Second)
	if evt.Request.Method != sip.BYE || evt.DialogID != id {
		t.Fatalf("request event = %v, want BYE within %v", evt.LogValue(), id)
	}
	byeKey := evt.Key
	evt = waitEvent(t, m, sip.EventDialogTerminated, time.Second)
	if evt.DialogID != id || evt.Reason != "bye received" {
		t.Fatalf("terminated event = %v, want %v with reason %q", evt.LogValue(), id, "bye received")
	}
	if err := m.SendResponse(ctx, byeKey, 200, "", nil); err != nil {
		t.Fatalf("m.SendResponse(200) error = %v, want nil", err)
	}
	tp.waitSendRes(t, 200, time.Second)

	snap := dialogSnap(t, m, id)
	if snap.State != dialog.StateTerminated || snap.RemoteCSeq != 3 {
		t.Fatalf("dialog = %+v, want terminated with remote CSeq 3", snap)
	}

	send(withToTag(newInReq(t, sip.INFO, "z9hG4bK-indlg-6", "call-in-dialog", 4), id.LocalTag))
	tp.waitSendRes(t, 481, time.Second)
}

func TestManager_Hangup(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m := newTestManager(t, tp, &sip.ManagerOptions{
		Timings:           fastTimings(20 * time.Millisecond),
		DialogGracePeriod: 100 * time.Millisecond,
	})

	ctx := t.Context()
	id := establishUAC(t, m, tp, "call-hangup")

	key, err := m.Hangup(ctx, id, nil)
	if err != nil {
		t.Fatalf("m.Hangup() error = %v, want nil", err)
	}
	if got, want := key.Method, sip.BYE; got != want {
		t.Fatalf("key.Method = %q, want %q", got, want)
	}
	bye := tp.waitSendReq(t, sip.BYE, time.Second)
	if got, want := bye.CSeq().SeqNo, uint32(1); got != want {
		t.Fatalf("BYE CSeq = %d, want %d", got, want)
	}

	if err := m.HandleMessage(ctx, newInRes(t, bye, 200, ""), remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(200) error = %v, want nil", err)
	}
	evt := waitEvent(t, m, sip.EventDialogTerminated, time.Second)
	if evt.DialogID != id || evt.Reason != "bye" {
		t.Fatalf("terminated event = %v, want %v with reason %q", evt.LogValue(), id, "bye")
	}
	// kept for the grace period, then removed
	if snap, err := m.Dialog(id); err != nil || snap.State != dialog.StateTerminated {
		t.Fatalf("m.Dialog() = (%+v, %v), want terminated dialog", snap, err)
	}
	waitFor(t, time.Second, "dialog removal", func() bool { return m.DialogCount() == 0 })

	if _, err := m.Hangup(ctx, dialog.ID{CallID: "x", LocalTag: "y", RemoteTag: "z"}, nil); !errors.Is(err, sip.ErrDialogNotFound) {
		t.Fatalf("m.Hangup(unknown) error = %v, want %v", err, sip.ErrDialogNotFound)
	}
}

func TestManager_InviteClient_OKAfterTerminate(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m := newTestManager(t, tp, &sip.ManagerOptions{Timings: fastTimings(20 * time.Millisecond)})

	ctx := t.Context()
	if _, err := m.SendRequest(ctx, newOutReq(t, sip.INVITE, "call-late-ok"), nil); err != nil {
		t.Fatalf("m.SendRequest(INVITE) error = %v, want nil", err)
	}
	invite := tp.waitSendReq(t, sip.INVITE, time.Second)
	if err := m.HandleMessage(ctx, newInRes(t, invite, 180, "bob-tag"), remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(180) error = %v, want nil", err)
	}
	id := waitEvent(t, m, sip.EventProvisionalReceived, time.Second).DialogID
	if !id.IsComplete() {
		t.Fatalf("early dialog id = %v, want complete", id)
	}
	if err := m.TerminateDialog(ctx, id, "abandoned"); err != nil {
		t.Fatalf("m.TerminateDialog() error = %v, want nil", err)
	}
	waitEvent(t, m, sip.EventDialogTerminated, time.Second)

	ok := newInRes(t, invite, 200, "bob-tag")
	if err := m.HandleMessage(ctx, ok, remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(200) error = %v, want nil", err)
	}
	ack := tp.waitSendReq(t, sip.ACK, time.Second)
	if got, want := ack.CSeq().SeqNo, invite.CSeq().SeqNo; got != want {
		t.Fatalf("ACK CSeq = %d, want %d", got, want)
	}
	if got, want := toTagOf(ack), "bob-tag"; got != want {
		t.Fatalf("ACK To tag = %q, want %q", got, want)
	}
	bye := tp.waitSendReq(t, sip.BYE, time.Second)
	if got, want := toTagOf(bye), "bob-tag"; got != want {
		t.Fatalf("BYE To tag = %q, want %q", got, want)
	}
	if got, want := bye.CallID().Value(), "call-late-ok"; got != want {
		t.Fatalf("BYE Call-ID = %q, want %q", got, want)
	}
	ensureNoEvent(t, m, sip.EventDialogEstablished, 50*time.Millisecond)

	// a retransmitted 2xx is acknowledged again
	if err := m.HandleMessage(ctx, ok, remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(200 retransmit) error = %v, want nil", err)
	}
	tp.waitSendReq(t, sip.ACK, time.Second)

	if err := m.HandleMessage(ctx, newInRes(t, bye, 200, ""), remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(200 BYE) error = %v, want nil", err)
	}
	if snap, err := m.Dialog(id); err != nil || snap.State != dialog.StateTerminated {
		t.Fatalf("m.Dialog() = (%+v, %v), want terminated dialog", snap, err)
	}
}

func TestManager_AckTimeout(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m := newTestManager(t, tp, &sip.ManagerOptions{Timings: fastTimings(5 * time.Millisecond)})

	id, _, _ := establishUAS(t, m, tp, "call-ack-timeout", "z9hG4bK-ackto-1")
	evt := waitEvent(t, m, sip.EventDialogTerminated, 2*time.Second)
	if evt.DialogID != id || evt.Reason != "ack timeout" {
		t.Fatalf("terminated event = %v, want %v with reason %q", evt.LogValue(), id, "ack timeout")
	}
}

func TestManager_ManualAck(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m := newTestManager(t, tp, &sip.ManagerOptions{Timings: fastTimings(20 * time.Millisecond), ManualAck: true})

	ctx := t.Context()
	if _, err := m.SendRequest(ctx, newOutReq(t, sip.INVITE, "call-manual-ack"), nil); err != nil {
		t.Fatalf("m.SendRequest(INVITE) error = %v, want nil", err)
	}
	invite := tp.waitSendReq(t, sip.INVITE, time.Second)
	ok := newInRes(t, invite, 200, "bob-tag")
	if err := m.HandleMessage(ctx, ok, remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(200) error = %v, want nil", err)
	}
	id := waitEvent(t, m, sip.EventDialogEstablished, time.Second).DialogID

	time.Sleep(30 * time.Millisecond)
	isAck := func(c sendCall) bool { return c.req() != nil && c.req().Method == sip.ACK }
	if n := tp.countSent(isAck); n != 0 {
		t.Fatalf("ACK sent %d times, want 0", n)
	}

	if err := m.SendAck(ctx, id); err != nil {
		t.Fatalf("m.SendAck() error = %v, want nil", err)
	}
	tp.waitSendReq(t, sip.ACK, time.Second)

	// retransmitted 2xx reaches the user
	if err := m.HandleMessage(ctx, ok, remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(200) error = %v, want nil", err)
	}
	evt := waitEvent(t, m, sip.EventFinalResponseReceived, time.Second)
	if evt.DialogID != id {
		t.Fatalf("evt.DialogID = %v, want %v", evt.DialogID, id)
	}
	if n := tp.countSent(isAck); n != 1 {
		t.Fatalf("ACK sent %d times, want 1", n)
	}
}

func TestManager_SeedDialogCSeq(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m := newTestManager(t, tp, &sip.ManagerOptions{Timings: fastTimings(20 * time.Millisecond), SeedDialogCSeq: true})

	id := establishUAC(t, m, tp, "call-seed")
	if got, want := dialogSnap(t, m, id).LocalCSeq, uint32(1); got != want {
		t.Fatalf("dialog local CSeq = %d, want %d", got, want)
	}
	bye, err := m.NewDialogRequest(id, sip.BYE)
	if err != nil {
		t.Fatalf("m.NewDialogRequest(BYE) error = %v, want nil", err)
	}
	if got, want := bye.CSeq().SeqNo, uint32(2); got != want {
		t.Fatalf("BYE CSeq = %d, want %d", got, want)
	}
}

func TestManager_TransportFailure(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	stats := &sip.StatsRecorder{}
	m := newTestManager(t, tp, &sip.ManagerOptions{Timings: fastTimings(20 * time.Millisecond), Stats: stats})

	tp.setSendErr(errors.New("network is unreachable"))
	_, err := m.SendRequest(t.Context(), newOutReq(t, sip.OPTIONS, "call-transport"), nil)
	if !errors.Is(err, sip.ErrTransportFailure) {
		t.Fatalf("m.SendRequest() error = %v, want %v", err, sip.ErrTransportFailure)
	}
	evt := waitEvent(t, m, sip.EventTransportFailure, time.Second)
	if !errors.Is(evt.Err, sip.ErrTransportFailure) {
		t.Fatalf("evt.Err = %v, want %v", evt.Err, sip.ErrTransportFailure)
	}
	ensureNoEvent(t, m, sip.EventTransportFailure, 50*time.Millisecond)

	waitFor(t, time.Second, "transaction removal", func() bool { return m.TransactionCount() == 0 })
	if got, want := stats.Report().Transactions.TransportFailures, uint64(1); got != want {
		t.Fatalf("transport failures = %d, want %d", got, want)
	}
}

func TestManager_MaxTransactions(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m := newTestManager(t, tp, &sip.ManagerOptions{Timings: fastTimings(20 * time.Millisecond), MaxTransactions: 1})

	ctx := t.Context()
	if _, err := m.SendRequest(ctx, newOutReq(t, sip.OPTIONS, "call-limit-1"), nil); err != nil {
		t.Fatalf("m.SendRequest() error = %v, want nil", err)
	}
	if _, err := m.SendRequest(ctx, newOutReq(t, sip.OPTIONS, "call-limit-2"), nil); !errors.Is(err, sip.ErrResourceExhausted) {
		t.Fatalf("m.SendRequest() error = %v, want %v", err, sip.ErrResourceExhausted)
	}

	req := newInReq(t, sip.OPTIONS, "z9hG4bK-limit-1", "call-limit-3", 1)
	if err := m.HandleMessage(ctx, req, remoteAddr, localAddr); !errors.Is(err, sip.ErrResourceExhausted) {
		t.Fatalf("m.HandleMessage() error = %v, want %v", err, sip.ErrResourceExhausted)
	}
	call := tp.waitSend(t, time.Second, func(c sendCall) bool { return c.res() != nil && c.res().StatusCode == 503 })
	if call.dst != remoteAddr {
		t.Fatalf("503 sent to %q, want %q", call.dst, remoteAddr)
	}
}

func TestManager_Cancel(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m := newTestManager(t, tp, &sip.ManagerOptions{Timings: fastTimings(20 * time.Millisecond)})

	ctx := t.Context()

	t.Run("client", func(t *testing.T) {
		key, err := m.SendRequest(ctx, newOutReq(t, sip.INVITE, "call-cancel-uac"), nil)
		if err != nil {
			t.Fatalf("m.SendRequest(INVITE) error = %v, want nil", err)
		}
		cancel, err := m.NewCancel(key)
		if err != nil {
			t.Fatalf("m.NewCancel() error = %v, want nil", err)
		}
		ckey, err := m.SendRequest(ctx, cancel, nil)
		if err != nil {
			t.Fatalf("m.SendRequest(CANCEL) error = %v, want nil", err)
		}
		if ckey.Branch != key.Branch || ckey.Method != sip.CANCEL || ckey == key {
			t.Fatalf("CANCEL key = %v, want own key with branch %q", ckey, key.Branch)
		}
		sent := tp.waitSendReq(t, sip.CANCEL, time.Second)
		if got, want := branchOf(sent), key.Branch; got != want {
			t.Fatalf("CANCEL branch = %q, want %q", got, want)
		}

		if _, err := m.NewCancel(ckey); !errors.Is(err, sip.ErrInvalidArgument) {
			t.Fatalf("m.NewCancel(CANCEL key) error = %v, want %v", err, sip.ErrInvalidArgument)
		}
	})

	t.Run("server", func(t *testing.T) {
		inv := newInReq(t, sip.INVITE, "z9hG4bK-cancel-1", "call-cancel-uas", 1)
		if err := m.HandleMessage(ctx, inv, remoteAddr, localAddr); err != nil {
			t.Fatalf("m.HandleMessage(INVITE) error = %v, want nil", err)
		}
		ikey := waitEvent(t, m, sip.EventRequestReceived, time.Second).Key

		cancel := newInReq(t, sip.CANCEL, "z9hG4bK-cancel-1", "call-cancel-uas", 1)
		got, ok := m.MatchCancelTarget(cancel)
		if !ok || got != ikey {
			t.Fatalf("m.MatchCancelTarget() = %v, %v, want %v, true", got, ok, ikey)
		}
		if err := m.HandleMessage(ctx, cancel, remoteAddr, localAddr); err != nil {
			t.Fatalf("m.HandleMessage(CANCEL) error = %v, want nil", err)
		}
		evt := waitEvent(t, m, sip.EventRequestReceived, time.Second)
		if got, want := evt.Key.Method, sip.CANCEL; got != want {
			t.Fatalf("evt.Key.Method = %q, want %q", got, want)
		}
		if evt.Key == ikey {
			t.Fatalf("CANCEL key = %v, want distinct from %v", evt.Key, ikey)
		}

		stray := newInReq(t, sip.CANCEL, "z9hG4bK-cancel-2", "call-cancel-uas", 1)
		if _, ok := m.MatchCancelTarget(stray); ok {
			t.Fatal("m.MatchCancelTarget(stray) = true, want false")
		}
		if err := m.HandleMessage(ctx, stray, remoteAddr, localAddr); err != nil {
			t.Fatalf("m.HandleMessage(CANCEL) error = %v, want nil", err)
		}
		tp.waitSendRes(t, 481, time.Second)
	})
}

func TestManager_Recovery(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	stats := &sip.StatsRecorder{}
	m := newTestManager(t, tp, &sip.ManagerOptions{Timings: fastTimings(5 * time.Millisecond), Stats: stats})

	ctx := t.Context()
	id := establishUAC(t, m, tp, "call-recovery")

	info, err := m.NewDialogRequest(id, sip.INFO)
	if err != nil {
		t.Fatalf("m.NewDialogRequest(INFO) error = %v, want nil", err)
	}
	if _, err := m.SendRequest(ctx, info, nil); err != nil {
		t.Fatalf("m.SendRequest(INFO) error = %v, want nil", err)
	}
	evt := waitEvent(t, m, sip.EventTransactionTimeout, 2*time.Second)
	if evt.DialogID != id {
		t.Fatalf("evt.DialogID = %v, want %v", evt.DialogID, id)
	}
	waitFor(t, time.Second, "dialog recovery", func() bool { return dialogSnap(t, m, id).State == dialog.StateRecovering })
	if got, want := dialogSnap(t, m, id).RecoveryReason, "timeout"; got != want {
		t.Fatalf("recovery reason = %q, want %q", got, want)
	}

	info2, err := m.NewDialogRequest(id, sip.INFO)
	if err != nil {
		t.Fatalf("m.NewDialogRequest(INFO) error = %v, want nil", err)
	}
	if _, err := m.SendRequest(ctx, info2, nil); err != nil {
		t.Fatalf("m.SendRequest(INFO) error = %v, want nil", err)
	}
	seq := info2.CSeq().SeqNo
	sent := tp.waitSend(t, time.Second, func(c sendCall) bool {
		req := c.req()
		return req != nil && req.Method == sip.INFO && req.CSeq().SeqNo == seq
	}).req()
	if err := m.HandleMessage(ctx, newInRes(t, sent, 200, ""), remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(200) error = %v, want nil", err)
	}
	waitEvent(t, m, sip.EventFinalResponseReceived, time.Second)

	snap := dialogSnap(t, m, id)
	if snap.State != dialog.StateConfirmed || snap.RecoveredAt.IsZero() {
		t.Fatalf("dialog = %+v, want confirmed after recovery", snap)
	}
	rep := stats.Report()
	if rep.Dialogs.Recoveries != 1 || rep.Dialogs.Recovered != 1 {
		t.Fatalf("dialog stats = %+v, want 1 recovery and 1 recovered", rep.Dialogs)
	}
}

func TestManager_RecoveryProbe(t *testing.T) {
	t.Parallel()

	newManager := func(t *testing.T) (*sip.Manager, *stubTransport) {
		tp := newStubTransport(false)
		m := newTestManager(t, tp, &sip.ManagerOptions{
			Timings:       fastTimings(5 * time.Millisecond),
			RecoveryProbe: &sip.RecoveryProbeOptions{Interval: 20 * time.Millisecond, MaxAttempts: 2},
		})
		return m, tp
	}
	fail := func(t *testing.T, m *sip.Manager, id dialog.ID) {
		t.Helper()
		info, err := m.NewDialogRequest(id, sip.INFO)
		if err != nil {
			t.Fatalf("m.NewDialogRequest(INFO) error = %v, want nil", err)
		}
		if _, err := m.SendRequest(t.Context(), info, nil); err != nil {
			t.Fatalf("m.SendRequest(INFO) error = %v, want nil", err)
		}
		waitEvent(t, m, sip.EventTransactionTimeout, 2*time.Second)
	}
	isProbe := func(c sendCall) bool { return c.req() != nil && c.req().Method == sip.OPTIONS }

	t.Run("exhausted", func(t *testing.T) {
		t.Parallel()

		m, tp := newManager(t)
		id := establishUAC(t, m, tp, "call-probe-1")
		fail(t, m, id)

		call := tp.waitSend(t, time.Second, isProbe)
		if call.dst != remoteAddr {
			t.Fatalf("probe sent to %q, want %q", call.dst, remoteAddr)
		}
		if got, want := toTagOf(call.req()), "bob-tag"; got != want {
			t.Fatalf("probe To tag = %q, want %q", got, want)
		}

		evt := waitEvent(t, m, sip.EventDialogTerminated, 2*time.Second)
		if evt.DialogID != id || evt.Reason != "recovery failed" {
			t.Fatalf("terminated event = %v, want %v with reason %q", evt.LogValue(), id, "recovery failed")
		}
		if got, want := dialogSnap(t, m, id).RecoveryAttempts, uint32(2); got != want {
			t.Fatalf("recovery attempts = %d, want %d", got, want)
		}
	})

	t.Run("answered", func(t *testing.T) {
		t.Parallel()

		m, tp := newManager(t)
		id := establishUAC(t, m, tp, "call-probe-2")
		fail(t, m, id)

		probe := tp.waitSend(t, time.Second, isProbe).req()
		if err := m.HandleMessage(t.Context(), newInRes(t, probe, 200, ""), remoteAddr, localAddr); err != nil {
			t.Fatalf("m.HandleMessage(200) error = %v, want nil", err)
		}
		waitFor(t, time.Second, "dialog recovery", func() bool { return dialogSnap(t, m, id).State == dialog.StateConfirmed })
	})
}

func TestManager_Close(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m, err := sip.NewManager(tp, &sip.ManagerOptions{Timings: fastTimings(20 * time.Millisecond)})
	if err != nil {
		t.Fatalf("sip.NewManager() error = %v, want nil", err)
	}

	ctx := t.Context()
	if _, err := m.SendRequest(ctx, newOutReq(t, sip.INVITE, "call-close"), nil); err != nil {
		t.Fatalf("m.SendRequest(INVITE) error = %v, want nil", err)
	}
	if err := m.HandleMessage(ctx, newInReq(t, sip.OPTIONS, "z9hG4bK-close-1", "call-close-2", 1), remoteAddr, localAddr); err != nil {
		t.Fatalf("m.HandleMessage(OPTIONS) error = %v, want nil", err)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Close(closeCtx); err != nil {
		t.Fatalf("m.Close() error = %v, want nil", err)
	}
	if err := m.Close(closeCtx); err != nil {
		t.Fatalf("second m.Close() error = %v, want nil", err)
	}
	if got := m.TransactionCount(); got != 0 {
		t.Fatalf("m.TransactionCount() = %d, want 0", got)
	}

	for range m.Events() {
	}

	if _, err := m.SendRequest(ctx, newOutReq(t, sip.OPTIONS, "call-close-3"), nil); !errors.Is(err, sip.ErrManagerClosed) {
		t.Fatalf("m.SendRequest() error = %v, want %v", err, sip.ErrManagerClosed)
	}
	if err := m.HandleMessage(ctx, newInReq(t, sip.OPTIONS, "z9hG4bK-close-2", "call-close-4", 1), remoteAddr, localAddr); !errors.Is(err, sip.ErrManagerClosed) {
		t.Fatalf("m.HandleMessage() error = %v, want %v", err, sip.ErrManagerClosed)
	}
}

func TestNewManager_InvalidArgs(t *testing.T) {
	t.Parallel()

	if _, err := sip.NewManager(nil, nil); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("sip.NewManager(nil) error = %v, want %v", err, sip.ErrInvalidArgument)
	}
	opts := &sip.ManagerOptions{RecoveryProbe: &sip.RecoveryProbeOptions{}}
	if _, err := sip.NewManager(newStubTransport(false), opts); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("sip.NewManager() error = %v, want %v", err, sip.ErrInvalidArgument)
	}
}
