package sip_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"braces.dev/errtrace"
	sipmsg "github.com/emiago/sipgo/sip"

	"github.com/ghettovoice/sipstack/sip"
)

// sendCall captures a transport send call for testing.
type sendCall struct {
	msg sip.Message
	dst string
}

func (c sendCall) req() *sip.Request {
	req, _ := c.msg.(*sip.Request)
	return req
}

func (c sendCall) res() *sip.Response {
	res, _ := c.msg.(*sip.Response)
	return res
}

// stubTransport records sent messages. It implements sip.Transport and sip.ViaProvider.
type stubTransport struct {
	rel    bool
	sentBy string

	mu      sync.Mutex
	sent    []sendCall
	sendErr error
	sendCh  chan sendCall
}

func newStubTransport(rel bool) *stubTransport {
	return &stubTransport{
		rel:    rel,
		sentBy: "11.11.11.11:5070",
		sendCh: make(chan sendCall, 1024),
	}
}

func (st *stubTransport) Reliable() bool { return st.rel }

func (st *stubTransport) ViaTransport() string {
	if st.rel {
		return "TCP"
	}
	return "UDP"
}

func (st *stubTransport) SentBy() string { return st.sentBy }

func (st *stubTransport) Send(_ context.Context, data []byte, dst string) error {
	st.mu.Lock()
	err := st.sendErr
	st.mu.Unlock()
	if err != nil {
		return errtrace.Wrap(err)
	}

	msg, err := sipmsg.NewParser().ParseSIP(data)
	if err != nil {
		return errtrace.Wrap(err)
	}
	call := sendCall{msg: msg, dst: dst}

	st.mu.Lock()
	st.sent = append(st.sent, call)
	st.mu.Unlock()

	select {
	case st.sendCh <- call:
	default:
	}
	return nil
}

func (st *stubTransport) setSendErr(err error) {
	st.mu.Lock()
	st.sendErr = err
	st.mu.Unlock()
}

// waitSend returns the next sent message that satisfies match, skipping others.
func (st *stubTransport) waitSend(tb testing.TB, timeout time.Duration, match func(sendCall) bool) sendCall {
	tb.Helper()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case call := <-st.sendCh:
			if match == nil || match(call) {
				return call
			}
		case <-timer.C:
			tb.Fatalf("no matching message sent within %v", timeout)
			return sendCall{}
		}
	}
}

func (st *stubTransport) waitSendReq(tb testing.TB, method sip.RequestMethod, timeout time.Duration) *sip.Request {
	tb.Helper()
	return st.waitSend(tb, timeout, func(c sendCall) bool {
		req := c.req()
		return req != nil && req.Method == method
	}).req()
}

func (st *stubTransport) waitSendRes(tb testing.TB, status int, timeout time.Duration) *sip.Response {
	tb.Helper()
	return st.waitSend(tb, timeout, func(c sendCall) bool {
		res := c.res()
		return res != nil && res.StatusCode == status
	}).res()
}

func (st *stubTransport) drainSends() {
	for {
		select {
		case <-st.sendCh:
		default:
			return
		}
	}
}

func (st *stubTransport) ensureNoSend(tb testing.TB, d time.Duration) {
	tb.Helper()

	select {
	case call := <-st.sendCh:
		tb.Fatalf("unexpected message sent to %s:\n%s", call.dst, call.msg)
	case <-time.After(d):
	}
}

func (st *stubTransport) countSent(match func(sendCall) bool) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	var n int
	for _, c := range st.sent {
		if match(c) {
			n++
		}
	}
	return n
}
