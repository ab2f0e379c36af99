package sip_test

import (
	"context"
	"testing"
	"time"

	sipmsg "github.com/emiago/sipgo/sip"

	"github.com/ghettovoice/sipstack/log"
	"github.com/ghettovoice/sipstack/sip"
)

const (
	localAddr  = "11.11.11.11:5070"
	remoteAddr = "55.55.55.55:5060"
)

func parseURI(tb testing.TB, s string) sipmsg.Uri {
	tb.Helper()

	var u sipmsg.Uri
	if err := sipmsg.ParseUri(s, &u); err != nil {
		tb.Fatalf("sip.ParseUri(%q) error = %v, want nil", s, err)
	}
	return u
}

// newOutReq builds a request of the local UA (alice) to bob.
// It has no Via, the manager adds it.
func newOutReq(tb testing.TB, method sip.RequestMethod, callID string) *sip.Request {
	tb.Helper()

	req := sipmsg.NewRequest(method, parseURI(tb, "sip:bob@"+remoteAddr))
	req.AppendHeader(&sipmsg.FromHeader{
		Address: parseURI(tb, "sip:alice@atlanta.example.com"),
		Params:  sipmsg.NewParams().Add("tag", "alice-tag"),
	})
	req.AppendHeader(&sipmsg.ToHeader{
		Address: parseURI(tb, "sip:bob@biloxi.example.com"),
		Params:  sipmsg.NewParams(),
	})
	cid := sipmsg.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sipmsg.CSeqHeader{SeqNo: 1, MethodName: method})
	maxFwd := sipmsg.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sipmsg.ContactHeader{Address: parseURI(tb, "sip:alice@"+localAddr)})
	req.SetBody(nil)
	return req
}

// newInReq builds a request received from bob.
func newInReq(tb testing.TB, method sip.RequestMethod, branch, callID string, cseq uint32) *sip.Request {
	tb.Helper()

	req := sipmsg.NewRequest(method, parseURI(tb, "sip:alice@"+localAddr))
	req.AppendHeader(&sipmsg.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "55.55.55.55",
		Port:            5060,
		Params:          sipmsg.NewParams().Add("branch", branch),
	})
	req.AppendHeader(&sipmsg.FromHeader{
		Address: parseURI(tb, "sip:bob@biloxi.example.com"),
		Params:  sipmsg.NewParams().Add("tag", "bob-tag"),
	})
	req.AppendHeader(&sipmsg.ToHeader{
		Address: parseURI(tb, "sip:alice@atlanta.example.com"),
		Params:  sipmsg.NewParams(),
	})
	cid := sipmsg.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sipmsg.CSeqHeader{SeqNo: cseq, MethodName: method})
	maxFwd := sipmsg.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sipmsg.ContactHeader{Address: parseURI(tb, "sip:bob@"+remoteAddr)})
	req.SetBody(nil)
	return req
}

// withToTag sets the To tag of an inbound request built by newInReq.
func withToTag(req *sip.Request, tag string) *sip.Request {
	to := *req.To()
	to.Params = sipmsg.NewParams().Add("tag", tag)
	req.ReplaceHeader(&to)
	return req
}

// newInRes builds the response of bob to a request sent by the manager.
func newInRes(tb testing.TB, req *sip.Request, status int, toTag string) *sip.Response {
	tb.Helper()

	res := sipmsg.NewResponseFromRequest(req, status, "", nil)
	if toTag != "" {
		to := *res.To()
		to.Params = sipmsg.NewParams().Add("tag", toTag)
		res.ReplaceHeader(&to)
	}
	if status > 100 && status < 300 {
		res.AppendHeader(&sipmsg.ContactHeader{Address: parseURI(tb, "sip:bob@"+remoteAddr)})
	}
	return res
}

// newInAck builds the ACK bob sends for a response of the manager.
func newInAck(tb testing.TB, invite *sip.Request, res *sip.Response, branch string) *sip.Request {
	tb.Helper()

	seq := invite.CSeq().SeqNo
	ack := newInReq(tb, sip.ACK, branch, invite.CallID().Value(), seq)
	to := *res.To()
	ack.ReplaceHeader(&to)
	return ack
}

func newTestManager(tb testing.TB, tp sip.Transport, opts *sip.ManagerOptions) *sip.Manager {
	tb.Helper()

	if opts == nil {
		opts = &sip.ManagerOptions{}
	}
	if opts.Log == nil {
		opts.Log = log.Noop
	}
	m, err := sip.NewManager(tp, opts)
	if err != nil {
		tb.Fatalf("sip.NewManager() error = %v, want nil", err)
	}
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Close(ctx); err != nil {
			tb.Errorf("m.Close() error = %v, want nil", err)
		}
	})
	return m
}

func fastTimings(t1 time.Duration) sip.TimingConfig {
	return sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)
}

// waitEvent returns the next event of the type, skipping events of other types.
func waitEvent(tb testing.TB, m *sip.Manager, typ sip.EventType, timeout time.Duration) sip.Event {
	tb.Helper()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case evt, ok := <-m.Events():
			if !ok {
				tb.Fatalf("events channel closed while waiting for %q", typ)
			}
			if evt.Type == typ {
				return evt
			}
		case <-timer.C:
			tb.Fatalf("no %q event within %v", typ, timeout)
			return sip.Event{}
		}
	}
}

// ensureNoEvent fails if an event of the type is delivered within d.
func ensureNoEvent(tb testing.TB, m *sip.Manager, typ sip.EventType, d time.Duration) {
	tb.Helper()

	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case evt, ok := <-m.Events():
			if !ok {
				return
			}
			if evt.Type == typ {
				tb.Fatalf("unexpected %q event: %v", typ, evt.LogValue())
			}
		case <-timer.C:
			return
		}
	}
}

func waitFor(tb testing.TB, timeout time.Duration, what string, cond func() bool) {
	tb.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	tb.Fatalf("%s did not happen within %v", what, timeout)
}

func txState(tb testing.TB, m *sip.Manager, key sip.TransactionKey) sip.TransactionState {
	tb.Helper()

	snap, err := m.Transaction(tb.Context(), key)
	if err != nil {
		tb.Fatalf("m.Transaction(%v) error = %v, want nil", key, err)
	}
	return snap.State
}
