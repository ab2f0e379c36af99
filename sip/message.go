package sip

import (
	"net"
	"strconv"
	"strings"

	"braces.dev/errtrace"
	sipmsg "github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// Message types of the codec.
type (
	Request       = sipmsg.Request
	Response      = sipmsg.Response
	Message       = sipmsg.Message
	RequestMethod = sipmsg.RequestMethod
	Uri           = sipmsg.Uri
)

// Request methods.
const (
	INVITE   = sipmsg.INVITE
	ACK      = sipmsg.ACK
	CANCEL   = sipmsg.CANCEL
	BYE      = sipmsg.BYE
	OPTIONS  = sipmsg.OPTIONS
	REGISTER = sipmsg.REGISTER
	INFO     = sipmsg.INFO
	UPDATE   = sipmsg.UPDATE
)

// MagicCookie is the RFC 3261 branch prefix.
const MagicCookie = "z9hG4bK"

// IsRFC3261Branch reports whether the branch starts with [MagicCookie].
func IsRFC3261Branch(branch string) bool {
	return strings.HasPrefix(branch, MagicCookie)
}

// NewBranch returns a new unique Via branch.
func NewBranch() string { return sipmsg.GenerateBranch() }

// NewTag returns a new random From/To tag.
func NewTag() string { return sipmsg.GenerateTagN(16) }

// NewCallID returns a new globally unique Call-ID.
func NewCallID() string { return uuid.NewString() }

type viaSource interface {
	Via() *sipmsg.ViaHeader
}

func viaBranch(msg viaSource) string {
	via := msg.Via()
	if via == nil || via.Params == nil {
		return ""
	}
	branch, _ := via.Params.Get("branch")
	return branch
}

func viaSentBy(msg viaSource) string {
	via := msg.Via()
	if via == nil {
		return ""
	}
	port := via.Port
	if port <= 0 {
		port = defaultPort(via.Transport)
	}
	return net.JoinHostPort(strings.ToLower(via.Host), strconv.Itoa(port))
}

func defaultPort(transport string) int {
	if strings.EqualFold(transport, "TLS") || strings.EqualFold(transport, "WSS") {
		return 5061
	}
	return 5060
}

func uriHostPort(u sipmsg.Uri) string {
	port := u.Port
	if port <= 0 {
		port = 5060
	}
	return net.JoinHostPort(u.Host, strconv.Itoa(port))
}

// requestDestination returns the next hop of the request:
// the first Route if it is a loose router, else the Request-URI.
func requestDestination(req *Request) string {
	if routes := req.GetHeaders("Route"); len(routes) > 0 {
		if rh, ok := routes[0].(*sipmsg.RouteHeader); ok {
			if _, lr := rh.Address.UriParams.Get("lr"); lr {
				return uriHostPort(rh.Address)
			}
		}
	}
	return uriHostPort(req.Recipient)
}

// responseDestination follows RFC 3261 §18.2.2 for unreliable transports:
// received and rport parameters of the top Via win over its sent-by.
func responseDestination(req *Request) string {
	via := req.Via()
	if via == nil {
		return ""
	}
	host := via.Host
	port := via.Port
	if port <= 0 {
		port = defaultPort(via.Transport)
	}
	if via.Params != nil {
		if v, ok := via.Params.Get("received"); ok && v != "" {
			host = v
		}
		if v, ok := via.Params.Get("rport"); ok && v != "" {
			if p, err := strconv.Atoi(v); err == nil {
				port = p
			}
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func toTag(msg interface{ To() *sipmsg.ToHeader }) string {
	to := msg.To()
	if to == nil || to.Params == nil {
		return ""
	}
	tag, _ := to.Params.Get("tag")
	return tag
}

func cseqOf(msg interface{ CSeq() *sipmsg.CSeqHeader }) (uint32, RequestMethod) {
	cseq := msg.CSeq()
	if cseq == nil {
		return 0, ""
	}
	return cseq.SeqNo, cseq.MethodName
}

func cloneParams(p sipmsg.HeaderParams) sipmsg.HeaderParams {
	out := sipmsg.NewParams()
	for k, v := range p {
		out.Add(k, v)
	}
	return out
}

// setToTag replaces the To header of the message with a copy carrying the tag.
func setToTag(msg interface {
	To() *sipmsg.ToHeader
	ReplaceHeader(h sipmsg.Header)
}, tag string,
) {
	cur := msg.To()
	if cur == nil {
		return
	}
	to := *cur
	to.Params = cloneParams(cur.Params)
	to.Params.Add("tag", tag)
	msg.ReplaceHeader(&to)
}

func validateRequest(req *Request) error {
	if req == nil {
		return newInvalidMessageError("nil request")
	}
	switch {
	case req.Method == "":
		return newInvalidMessageError("missing method")
	case req.CallID() == nil:
		return newInvalidMessageError("missing Call-ID")
	case req.From() == nil:
		return newInvalidMessageError("missing From")
	case req.To() == nil:
		return newInvalidMessageError("missing To")
	case req.CSeq() == nil:
		return newInvalidMessageError("missing CSeq")
	}
	return nil
}

func validateResponse(res *Response) error {
	if res == nil {
		return newInvalidMessageError("nil response")
	}
	switch {
	case res.StatusCode < 100 || res.StatusCode > 699:
		return newInvalidMessageError("invalid status code %d", res.StatusCode)
	case res.Via() == nil:
		return newInvalidMessageError("missing Via")
	case res.CallID() == nil:
		return newInvalidMessageError("missing Call-ID")
	case res.From() == nil:
		return newInvalidMessageError("missing From")
	case res.To() == nil:
		return newInvalidMessageError("missing To")
	case res.CSeq() == nil:
		return newInvalidMessageError("missing CSeq")
	}
	return nil
}

// newAck builds the ACK for a non-2xx final response (RFC 3261 §17.1.1.3).
// It carries the Request-URI, the top Via, Call-ID, From and Route of the INVITE
// and the To of the response.
func newAck(req *Request, res *Response) *Request {
	ack := sipmsg.NewRequest(sipmsg.ACK, req.Recipient)
	ack.SipVersion = req.SipVersion

	if v := req.Via(); v != nil {
		via := *v
		via.Params = cloneParams(v.Params)
		ack.AppendHeader(&via)
	}
	from := *req.From()
	ack.AppendHeader(&from)
	to := *res.To()
	ack.AppendHeader(&to)
	callID := *req.CallID()
	ack.AppendHeader(&callID)
	seq, _ := cseqOf(req)
	ack.AppendHeader(&sipmsg.CSeqHeader{SeqNo: seq, MethodName: sipmsg.ACK})
	maxFwd := sipmsg.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	for _, h := range req.GetHeaders("Route") {
		ack.AppendHeader(h)
	}
	ack.SetBody(nil)
	return ack
}

// NewCancel builds a CANCEL for the INVITE (RFC 3261 §9.1).
// The CANCEL shares the Request-URI, the top Via, Call-ID, From, To, Route
// and the CSeq number of the INVITE.
func NewCancel(invite *Request) (*Request, error) {
	if err := validateRequest(invite); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if invite.Method != sipmsg.INVITE {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	if invite.Via() == nil {
		return nil, errtrace.Wrap(newInvalidMessageError("missing Via"))
	}

	cancel := sipmsg.NewRequest(sipmsg.CANCEL, invite.Recipient)
	cancel.SipVersion = invite.SipVersion

	v := invite.Via()
	via := *v
	via.Params = cloneParams(v.Params)
	cancel.AppendHeader(&via)
	from := *invite.From()
	cancel.AppendHeader(&from)
	to := *invite.To()
	cancel.AppendHeader(&to)
	callID := *invite.CallID()
	cancel.AppendHeader(&callID)
	seq, _ := cseqOf(invite)
	cancel.AppendHeader(&sipmsg.CSeqHeader{SeqNo: seq, MethodName: sipmsg.CANCEL})
	maxFwd := sipmsg.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)
	for _, h := range invite.GetHeaders("Route") {
		cancel.AppendHeader(h)
	}
	cancel.SetBody(nil)
	return cancel, nil
}

// newResponse builds a response on the request. If the request has no To tag
// and status is above 100, localTag is added to the To header.
func newResponse(req *Request, status int, reason, localTag string, body []byte) *Response {
	if reason == "" {
		reason = reasonPhrase(status)
	}
	res := sipmsg.NewResponseFromRequest(req, status, reason, body)
	if toTag(req) == "" {
		if status > 100 && localTag != "" {
			setToTag(res, localTag)
		} else if reqTo := req.To(); reqTo != nil {
			to := *reqTo
			to.Params = cloneParams(reqTo.Params)
			res.ReplaceHeader(&to)
		}
	}
	return res
}

func reasonPhrase(status int) string {
	switch status {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 181:
		return "Call Is Being Forwarded"
	case 182:
		return "Queued"
	case 183:
		return "Session Progress"
	case 200:
		return "OK"
	case 202:
		return "Accepted"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 481:
		return "Call/Transaction Does Not Exist"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 500:
		return "Server Internal Error"
	case 503:
		return "Service Unavailable"
	case 603:
		return "Decline"
	}
	return ""
}

func encode(msg Message) []byte {
	return []byte(msg.String())
}
