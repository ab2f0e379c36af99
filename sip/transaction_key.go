package sip

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"braces.dev/errtrace"
	sipmsg "github.com/emiago/sipgo/sip"
)

// TransactionType is the kind of a transaction.
type TransactionType string

const (
	TransactionTypeClientInvite    TransactionType = "client_invite"
	TransactionTypeClientNonInvite TransactionType = "client_non_invite"
	TransactionTypeServerInvite    TransactionType = "server_invite"
	TransactionTypeServerNonInvite TransactionType = "server_non_invite"
)

// IsClient reports whether the type is one of the client types.
func (t TransactionType) IsClient() bool {
	return t == TransactionTypeClientInvite || t == TransactionTypeClientNonInvite
}

// IsInvite reports whether the type is one of the INVITE types.
func (t TransactionType) IsInvite() bool {
	return t == TransactionTypeClientInvite || t == TransactionTypeServerInvite
}

// TransactionState is a state of a transaction.
type TransactionState string

const (
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateConfirmed  TransactionState = "confirmed"
	TransactionStateTerminated TransactionState = "terminated"
)

// TransactionKey identifies a transaction within a [Manager].
//
// Client keys are built from the branch and the CSeq method, so a CANCEL
// sharing the branch of an INVITE gets its own transaction. Server keys add
// the sent-by of the top Via; ACK is keyed as INVITE so that an ACK to a
// non-2xx final response matches the INVITE server transaction.
//
//nolint:recvcheck
type TransactionKey struct {
	Type   TransactionType `json:"type"`
	Branch string          `json:"branch"`
	SentBy string          `json:"sent_by,omitempty"`
	Method RequestMethod   `json:"method"`
}

// ClientKeyFromRequest returns the key of the client transaction that sends the request.
func ClientKeyFromRequest(req *Request) (TransactionKey, error) {
	if req == nil || req.Via() == nil || req.CSeq() == nil {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("request without Via or CSeq"))
	}
	branch := viaBranch(req)
	if branch == "" {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("request without Via branch"))
	}
	_, method := cseqOf(req)
	return clientKey(branch, method), nil
}

// ClientKeyFromResponse returns the key of the client transaction the response belongs to.
func ClientKeyFromResponse(res *Response) (TransactionKey, error) {
	if res == nil || res.Via() == nil || res.CSeq() == nil {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("response without Via or CSeq"))
	}
	branch := viaBranch(res)
	if branch == "" {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("response without Via branch"))
	}
	_, method := cseqOf(res)
	return clientKey(branch, method), nil
}

func clientKey(branch string, method RequestMethod) TransactionKey {
	method = upperMethod(method)
	typ := TransactionTypeClientNonInvite
	if method == sipmsg.INVITE {
		typ = TransactionTypeClientInvite
	}
	return TransactionKey{Type: typ, Branch: branch, Method: method}
}

// ServerKeyFromRequest returns the key of the server transaction the inbound request belongs to.
// Branches without the [MagicCookie] are used as opaque values.
func ServerKeyFromRequest(req *Request) (TransactionKey, error) {
	if req == nil || req.Via() == nil {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("request without Via"))
	}
	branch := viaBranch(req)
	if branch == "" {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("request without Via branch"))
	}

	method := upperMethod(req.Method)
	if method == sipmsg.ACK {
		method = sipmsg.INVITE
	}
	typ := TransactionTypeServerNonInvite
	if method == sipmsg.INVITE {
		typ = TransactionTypeServerInvite
	}
	return TransactionKey{
		Type:   typ,
		Branch: branch,
		SentBy: viaSentBy(req),
		Method: method,
	}, nil
}

func upperMethod(m RequestMethod) RequestMethod {
	return RequestMethod(strings.ToUpper(string(m)))
}

// IsZero reports whether the key is empty.
func (k TransactionKey) IsZero() bool { return k == TransactionKey{} }

func (k TransactionKey) String() string {
	var sb strings.Builder
	sb.WriteString(string(k.Type))
	sb.WriteByte('/')
	sb.WriteString(string(k.Method))
	sb.WriteByte('/')
	sb.WriteString(k.Branch)
	if k.SentBy != "" {
		sb.WriteByte('@')
		sb.WriteString(k.SentBy)
	}
	return sb.String()
}

// Format implements [fmt.Formatter].
func (k TransactionKey) Format(f fmt.State, verb rune) {
	switch verb {
	case 's', 'v':
		if !f.Flag('+') && !f.Flag('#') {
			f.Write([]byte(k.String()))
			return
		}
		type hideMethods TransactionKey
		type TransactionKey hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), TransactionKey(k))
	case 'q':
		f.Write([]byte(strconv.Quote(k.String())))
	default:
		f.Write([]byte(k.String()))
	}
}

// LogValue implements [slog.LogValuer].
func (k TransactionKey) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("type", string(k.Type)),
		slog.String("branch", k.Branch),
		slog.String("method", string(k.Method)),
	}
	if k.SentBy != "" {
		attrs = append(attrs, slog.String("sent_by", k.SentBy))
	}
	return slog.GroupValue(attrs...)
}
