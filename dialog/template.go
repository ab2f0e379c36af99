package dialog

import (
	"slices"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"
)

// RequestTemplate holds everything needed to build an in-dialog request.
type RequestTemplate struct {
	Method    sip.RequestMethod
	CallID    string
	LocalURI  sip.Uri
	LocalTag  string
	RemoteURI sip.Uri
	RemoteTag string
	Target    sip.Uri
	RouteSet  []sip.Uri
	CSeq      uint32
}

// CreateRequestTemplate fills a template for a new in-dialog request.
//
// Every method except ACK and CANCEL increments the local CSeq first, so two templates
// never share a CSeq number. ACK and CANCEL reuse the current value; callers sending
// an ACK for a 2xx should use [Dialog.BuildAck] that takes the INVITE CSeq.
func (d *Dialog) CreateRequestTemplate(method sip.RequestMethod) (*RequestTemplate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if State(d.fsm.Current()) == StateTerminated {
		return nil, errtrace.Wrap(errorf(ErrInvalidStateTransition, "%s in terminated dialog", method))
	}
	return d.template(method), nil
}

func (d *Dialog) template(method sip.RequestMethod) *RequestTemplate {
	if method != sip.ACK && method != sip.CANCEL {
		d.localCSeq++
	}
	return &RequestTemplate{
		Method:    method,
		CallID:    d.id.CallID,
		LocalURI:  d.localURI,
		LocalTag:  d.id.LocalTag,
		RemoteURI: d.remoteURI,
		RemoteTag: d.id.RemoteTag,
		Target:    d.remoteTarget,
		RouteSet:  slices.Clone(d.routeSet),
		CSeq:      d.localCSeq,
	}
}

// BuildRequest creates a new in-dialog request.
// The request has no Via header, it is added by the transaction layer on send.
func (d *Dialog) BuildRequest(method sip.RequestMethod) (*sip.Request, error) {
	tpl, err := d.CreateRequestTemplate(method)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tpl.Request(), nil
}

// BuildAck creates an ACK for a 2xx response to the INVITE sent with the given CSeq number.
// It works in any state: a 2xx received after the dialog was terminated locally
// still has to be acknowledged (RFC 3261 §13.2.2.4).
func (d *Dialog) BuildAck(inviteCSeq uint32) (*sip.Request, error) {
	d.mu.Lock()
	tpl := d.template(sip.ACK)
	d.mu.Unlock()

	tpl.CSeq = inviteCSeq
	return tpl.Request(), nil
}

// BuildTeardown creates a BYE that releases the session of a late 2xx response.
// Unlike [Dialog.BuildRequest] it works in a terminated dialog; in any other state it fails.
func (d *Dialog) BuildTeardown() (*sip.Request, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if st := State(d.fsm.Current()); st != StateTerminated {
		return nil, errtrace.Wrap(errorf(ErrInvalidStateTransition, "teardown in %s dialog", st))
	}
	return d.template(sip.BYE).Request(), nil
}

// Request builds a request from the template following RFC 3261 §12.2.1.1.
// With a loose first route the Request-URI is the remote target; with a strict one
// the first route becomes the Request-URI and the remote target is appended to the routes.
func (t *RequestTemplate) Request() *sip.Request {
	recipient := t.Target
	routes := t.RouteSet
	if len(routes) > 0 && !isLooseRoute(routes[0]) {
		recipient = routes[0]
		routes = append(slices.Clone(routes[1:]), t.Target)
	}

	req := sip.NewRequest(t.Method, recipient)

	from := &sip.FromHeader{Address: t.LocalURI, Params: sip.NewParams()}
	if t.LocalTag != "" {
		from.Params.Add("tag", t.LocalTag)
	}
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: t.RemoteURI, Params: sip.NewParams()}
	if t.RemoteTag != "" {
		to.Params.Add("tag", t.RemoteTag)
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(t.CallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: t.CSeq, MethodName: t.Method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	for _, r := range routes {
		req.AppendHeader(&sip.RouteHeader{Address: r})
	}
	req.SetBody(nil)
	return req
}
