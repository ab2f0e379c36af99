package dialog

import (
	"log/slog"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"
)

// ID identifies a dialog by its Call-ID and both tags.
// Tags are always given from the point of view of the local UA.
type ID struct {
	CallID    string `json:"call_id"`
	LocalTag  string `json:"local_tag"`
	RemoteTag string `json:"remote_tag"`
}

// IsComplete reports whether all three parts of the ID are set.
func (id ID) IsComplete() bool {
	return id.CallID != "" && id.LocalTag != "" && id.RemoteTag != ""
}

// IsZero reports whether the ID is empty.
func (id ID) IsZero() bool { return id == ID{} }

func (id ID) String() string {
	return id.CallID + ";local-tag=" + id.LocalTag + ";remote-tag=" + id.RemoteTag
}

// LogValue implements [slog.LogValuer].
func (id ID) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("call_id", id.CallID),
		slog.String("local_tag", id.LocalTag),
		slog.String("remote_tag", id.RemoteTag),
	)
}

// IDFromRequest builds the dialog ID of an inbound request as seen by the UAS:
// the To tag is local and the From tag is remote.
func IDFromRequest(req *sip.Request) (ID, error) {
	callID, fromTag, toTag, err := msgIDParts(req)
	if err != nil {
		return ID{}, errtrace.Wrap(err)
	}
	return ID{CallID: callID, LocalTag: toTag, RemoteTag: fromTag}, nil
}

// IDFromResponse builds the dialog ID of an inbound response as seen by the UAC:
// the From tag is local and the To tag is remote.
func IDFromResponse(res *sip.Response) (ID, error) {
	callID, fromTag, toTag, err := msgIDParts(res)
	if err != nil {
		return ID{}, errtrace.Wrap(err)
	}
	return ID{CallID: callID, LocalTag: fromTag, RemoteTag: toTag}, nil
}

type idSource interface {
	CallID() *sip.CallIDHeader
	From() *sip.FromHeader
	To() *sip.ToHeader
}

func msgIDParts(msg idSource) (callID, fromTag, toTag string, _ error) {
	cid := msg.CallID()
	from := msg.From()
	to := msg.To()
	if cid == nil || from == nil || to == nil {
		return "", "", "", errtrace.Wrap(errorf(ErrInvalidArgument, "missing Call-ID, From or To header"))
	}
	fromTag, _ = from.Params.Get("tag")
	toTag, _ = to.Params.Get("tag")
	return cid.Value(), fromTag, toTag, nil
}
