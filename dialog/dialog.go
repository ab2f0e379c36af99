package dialog

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
)

// State is a dialog state.
type State string

const (
	StateInitial    State = "initial"
	StateEarly      State = "early"
	StateConfirmed  State = "confirmed"
	StateRecovering State = "recovering"
	StateTerminated State = "terminated"
)

// IsActive reports whether the dialog can carry requests.
func (s State) IsActive() bool {
	return s == StateEarly || s == StateConfirmed || s == StateRecovering
}

const (
	evtEarly     = "early"
	evtConfirm   = "confirm"
	evtRecover   = "recover"
	evtRecovered = "recovered"
	evtTerminate = "terminate"
)

// Dialog is a SIP dialog.
type Dialog struct {
	mu  sync.Mutex
	fsm *fsm.FSM

	id           ID
	localURI     sip.Uri
	remoteURI    sip.Uri
	remoteTarget sip.Uri
	routeSet     []sip.Uri
	localCSeq    uint32
	remoteCSeq   uint32
	initiator    bool

	createdAt      time.Time
	stateChangedAt time.Time
	termReason     string

	recoveryReason   string
	recoveryStart    time.Time
	recoveryAttempts uint32
	recoveredAt      time.Time
	lastRemoteAddr   string
	lastSuccessAt    time.Time
}

// New creates a dialog in the initial state.
// The remote target defaults to the remote URI.
func New(id ID, localURI, remoteURI sip.Uri, isInitiator bool) *Dialog {
	return newDialog(StateInitial, id, localURI, remoteURI, isInitiator)
}

func newDialog(st State, id ID, localURI, remoteURI sip.Uri, isInitiator bool) *Dialog {
	now := time.Now()
	d := &Dialog{
		id:             id,
		localURI:       localURI,
		remoteURI:      remoteURI,
		remoteTarget:   remoteURI,
		initiator:      isInitiator,
		createdAt:      now,
		stateChangedAt: now,
	}
	d.fsm = fsm.NewFSM(
		string(st),
		fsm.Events{
			{Name: evtEarly, Src: []string{string(StateInitial)}, Dst: string(StateEarly)},
			{Name: evtConfirm, Src: []string{string(StateInitial), string(StateEarly)}, Dst: string(StateConfirmed)},
			{Name: evtRecover, Src: []string{string(StateConfirmed)}, Dst: string(StateRecovering)},
			{Name: evtRecovered, Src: []string{string(StateRecovering)}, Dst: string(StateConfirmed)},
			{
				Name: evtTerminate,
				Src: []string{
					string(StateInitial),
					string(StateEarly),
					string(StateConfirmed),
					string(StateRecovering),
				},
				Dst: string(StateTerminated),
			},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, _ *fsm.Event) {
				d.stateChangedAt = time.Now()
			},
		},
	)
	return d
}

// NewFromResponse creates a dialog from a response to an INVITE request.
//
// A 2xx response creates a confirmed dialog, a 101-199 response with a To tag creates
// an early dialog. isInitiator tells whether the local UA sent the INVITE (UAC) or received it (UAS).
// For the UAC the remote target is taken from the response Contact and the route set is the
// reversed Record-Route list of the response; for the UAS the remote target and the route set
// come from the request.
func NewFromResponse(req *sip.Request, res *sip.Response, isInitiator bool) (*Dialog, error) {
	if res == nil {
		return nil, errtrace.Wrap(errorf(ErrInvalidArgument, "nil response"))
	}

	var st State
	switch {
	case res.StatusCode > 100 && res.StatusCode < 200:
		st = StateEarly
	case res.StatusCode >= 200 && res.StatusCode < 300:
		st = StateConfirmed
	default:
		return nil, errtrace.Wrap(errorf(ErrInvalidArgument, "status %d can not create a dialog", res.StatusCode))
	}

	cseq := res.CSeq()
	if cseq == nil || cseq.MethodName != sip.INVITE {
		return nil, errtrace.Wrap(errorf(ErrInvalidArgument, "not a response to INVITE"))
	}
	if req != nil && req.Method != sip.INVITE {
		return nil, errtrace.Wrap(errorf(ErrInvalidArgument, "request method %s is not INVITE", req.Method))
	}
	if !isInitiator && req == nil {
		return nil, errtrace.Wrap(errorf(ErrInvalidArgument, "UAS dialog requires the INVITE request"))
	}

	callID, fromTag, toTag, err := msgIDParts(res)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if fromTag == "" || toTag == "" {
		return nil, errtrace.Wrap(errorf(ErrIncompleteDialog, "response has no From or To tag"))
	}

	var (
		d      *Dialog
		target *sip.ContactHeader
	)
	if isInitiator {
		d = newDialog(st,
			ID{CallID: callID, LocalTag: fromTag, RemoteTag: toTag},
			res.From().Address, res.To().Address,
			true,
		)
		target = res.Contact()
		d.routeSet = routeSetFromRecordRoute(res, true)
	} else {
		d = newDialog(st,
			ID{CallID: callID, LocalTag: toTag, RemoteTag: fromTag},
			res.To().Address, res.From().Address,
			false,
		)
		target = req.Contact()
		d.routeSet = routeSetFromRecordRoute(req, false)
	}
	if target != nil {
		d.remoteTarget = target.Address
	}
	return d, nil
}

// NewFromRequest creates a UAS dialog in the initial state from an INVITE
// and the tag the local UA puts into the To header of its responses.
// The remote CSeq is set to the CSeq of the INVITE (RFC 3261 §12.1.1).
func NewFromRequest(req *sip.Request, localTag string) (*Dialog, error) {
	if req == nil || req.Method != sip.INVITE {
		return nil, errtrace.Wrap(errorf(ErrInvalidArgument, "not an INVITE request"))
	}
	callID, fromTag, toTag, err := msgIDParts(req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if toTag != "" {
		localTag = toTag
	}
	if fromTag == "" || localTag == "" {
		return nil, errtrace.Wrap(errorf(ErrIncompleteDialog, "request has no From tag or local tag is empty"))
	}

	d := newDialog(StateInitial,
		ID{CallID: callID, LocalTag: localTag, RemoteTag: fromTag},
		req.To().Address, req.From().Address,
		false,
	)
	if c := req.Contact(); c != nil {
		d.remoteTarget = c.Address
	}
	d.routeSet = routeSetFromRecordRoute(req, false)
	if cseq := req.CSeq(); cseq != nil {
		d.remoteCSeq = cseq.SeqNo
	}
	return d, nil
}

// ID returns the dialog ID.
func (d *Dialog) ID() ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

// IDTuple returns the Call-ID, local tag and remote tag.
// It fails with [ErrIncompleteDialog] if either tag is missing.
func (d *Dialog) IDTuple() (callID, localTag, remoteTag string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.id.LocalTag == "" || d.id.RemoteTag == "" {
		return "", "", "", errtrace.Wrap(ErrIncompleteDialog)
	}
	return d.id.CallID, d.id.LocalTag, d.id.RemoteTag, nil
}

// State returns the current dialog state.
func (d *Dialog) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return State(d.fsm.Current())
}

// IsInitiator reports whether the local UA created the dialog by sending the INVITE.
func (d *Dialog) IsInitiator() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initiator
}

// LocalCSeq returns the last CSeq number used for a local request.
func (d *Dialog) LocalCSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localCSeq
}

// RemoteCSeq returns the highest CSeq number seen in a remote request.
func (d *Dialog) RemoteCSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteCSeq
}

// RemoteTarget returns the URI requests in the dialog are sent to.
func (d *Dialog) RemoteTarget() sip.Uri {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteTarget
}

// RouteSet returns a copy of the route set.
func (d *Dialog) RouteSet() []sip.Uri {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.routeSet)
}

// SeedCSeq sets the initial CSeq counters as RFC 3261 §12.1 describes.
// Counters that are already non-zero are left untouched.
func (d *Dialog) SeedCSeq(local, remote uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.localCSeq == 0 {
		d.localCSeq = local
	}
	if d.remoteCSeq == 0 {
		d.remoteCSeq = remote
	}
}

// Confirm moves an early (or initial) dialog to the confirmed state.
// The remote target is refreshed from the Contact of the 2xx response if res is not nil.
func (d *Dialog) Confirm(res *sip.Response) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fire(evtConfirm); err != nil {
		return errtrace.Wrap(err)
	}
	if res != nil {
		if c := res.Contact(); c != nil {
			d.remoteTarget = c.Address
		}
	}
	return nil
}

// MarkEarly moves an initial dialog to the early state.
func (d *Dialog) MarkEarly() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return errtrace.Wrap(d.fire(evtEarly))
}

// Terminate moves the dialog to the terminated state.
// It returns false if the dialog was already terminated.
func (d *Dialog) Terminate(reason string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fire(evtTerminate) != nil {
		return false
	}
	d.termReason = reason
	d.clearRecovery()
	return true
}

// UpdateRemoteSequence validates the CSeq number of a new in-dialog request.
// Once a remote CSeq is known, a number that is not greater than it is rejected
// with [ErrOutOfOrder].
func (d *Dialog) UpdateRemoteSequence(cseq uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.remoteCSeq != 0 && cseq <= d.remoteCSeq {
		return errtrace.Wrap(errorf(ErrOutOfOrder, "got CSeq %d, want > %d", cseq, d.remoteCSeq))
	}
	d.remoteCSeq = cseq
	return nil
}

// UpdateRemoteTarget replaces the remote target, e.g. on a target refresh request.
func (d *Dialog) UpdateRemoteTarget(target sip.Uri) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remoteTarget = target
}

func (d *Dialog) fire(evt string) error {
	err := d.fsm.Event(context.Background(), evt)
	if err == nil {
		return nil
	}
	var noTrans fsm.NoTransitionError
	if errors.As(err, &noTrans) {
		return nil
	}
	return errtrace.Wrap(errorf(ErrInvalidStateTransition, "%s in state %s", evt, d.fsm.Current()))
}

// Snapshot is a point-in-time copy of a dialog.
type Snapshot struct {
	ID                            ID        `json:"id"`
	State                         State     `json:"state"`
	LocalURI                      string    `json:"local_uri"`
	RemoteURI                     string    `json:"remote_uri"`
	RemoteTarget                  string    `json:"remote_target"`
	RouteSet                      []string  `json:"route_set,omitempty"`
	LocalCSeq                     uint32    `json:"local_cseq"`
	RemoteCSeq                    uint32    `json:"remote_cseq"`
	IsInitiator                   bool      `json:"is_initiator"`
	CreatedAt                     time.Time `json:"created_at"`
	StateChangedAt                time.Time `json:"state_changed_at"`
	TerminateReason               string    `json:"terminate_reason,omitempty"`
	RecoveryReason                string    `json:"recovery_reason,omitempty"`
	RecoveryStartTime             time.Time `json:"recovery_start_time,omitzero"`
	RecoveryAttempts              uint32    `json:"recovery_attempts"`
	RecoveredAt                   time.Time `json:"recovered_at,omitzero"`
	LastKnownRemoteAddr           string    `json:"last_known_remote_addr,omitempty"`
	LastSuccessfulTransactionTime time.Time `json:"last_successful_transaction_time,omitzero"`
}

// Snapshot returns a copy of the dialog state.
func (d *Dialog) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	routes := make([]string, len(d.routeSet))
	for i := range d.routeSet {
		routes[i] = d.routeSet[i].String()
	}
	return Snapshot{
		ID:                            d.id,
		State:                         State(d.fsm.Current()),
		LocalURI:                      d.localURI.String(),
		RemoteURI:                     d.remoteURI.String(),
		RemoteTarget:                  d.remoteTarget.String(),
		RouteSet:                      routes,
		LocalCSeq:                     d.localCSeq,
		RemoteCSeq:                    d.remoteCSeq,
		IsInitiator:                   d.initiator,
		CreatedAt:                     d.createdAt,
		StateChangedAt:                d.stateChangedAt,
		TerminateReason:               d.termReason,
		RecoveryReason:                d.recoveryReason,
		RecoveryStartTime:             d.recoveryStart,
		RecoveryAttempts:              d.recoveryAttempts,
		RecoveredAt:                   d.recoveredAt,
		LastKnownRemoteAddr:           d.lastRemoteAddr,
		LastSuccessfulTransactionTime: d.lastSuccessAt,
	}
}

// LogValue implements [slog.LogValuer].
func (d *Dialog) LogValue() slog.Value {
	if d == nil {
		return slog.Value{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return slog.GroupValue(
		slog.Any("id", d.id),
		slog.String("state", d.fsm.Current()),
		slog.Bool("initiator", d.initiator),
	)
}
