package sip

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipstack/internal/errorutil"
	"github.com/ghettovoice/sipstack/internal/timeutil"
)

// txHooks receives transaction notifications. All calls are made from the
// transaction goroutine, implementations must not call back into the same transaction.
type txHooks interface {
	txPassResponse(ctx context.Context, tx *transaction, res *Response)
	txStateChanged(ctx context.Context, tx *transaction, from, to TransactionState)
	txRetransmitted(tx *transaction)
	txTerminated(ctx context.Context, tx *transaction, cause error)
}

const (
	txEvtStart      = "start"
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecv300699 = "recv_300-699"
	txEvtRecvReq    = "recv_request"
	txEvtRecvAck    = "recv_ack"
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300-699"
	txEvtTranspErr  = "transport_error"
	txEvtTerminate  = "terminate"
)

// Timer names.
const (
	tmrA   = "A"
	tmrB   = "B"
	tmrD   = "D"
	tmrE   = "E"
	tmrF   = "F"
	tmrG   = "G"
	tmrH   = "H"
	tmrI   = "I"
	tmrJ   = "J"
	tmrK   = "K"
	tmr100 = "100"
)

func timerTrigger(name string) string { return "timer_" + strings.ToLower(name) }

var (
	txEvtTimerA   = timerTrigger(tmrA)
	txEvtTimerB   = timerTrigger(tmrB)
	txEvtTimerD   = timerTrigger(tmrD)
	txEvtTimerE   = timerTrigger(tmrE)
	txEvtTimerF   = timerTrigger(tmrF)
	txEvtTimerG   = timerTrigger(tmrG)
	txEvtTimerH   = timerTrigger(tmrH)
	txEvtTimerI   = timerTrigger(tmrI)
	txEvtTimerJ   = timerTrigger(tmrJ)
	txEvtTimerK   = timerTrigger(tmrK)
	txEvtTimer100 = timerTrigger(tmr100)
)

type txCommand struct {
	trigger string
	args    []any
	timer   string
	epoch   uint64
	inspect func()
	reply   chan error
}

type txConfig struct {
	key        TransactionKey
	req        *Request
	remote     string
	localTag   string
	timings    TimingConfig
	autoTrying bool
	tp         Transport
	sched      *timeutil.Scheduler
	hooks      txHooks
	mailbox    int
	log        *slog.Logger
}

// transaction is a single RFC 3261 transaction running as an actor.
// Fields below the fsm are owned by the run loop.
type transaction struct {
	key        TransactionKey
	req        *Request
	remote     string
	reliable   bool
	localTag   string
	timings    TimingConfig
	autoTrying bool
	tp         Transport
	sched      *timeutil.Scheduler
	hooks      txHooks
	log        *slog.Logger
	createdAt  time.Time

	cmds  chan txCommand
	done  chan struct{}
	state atomic.Value // TransactionState
	final atomic.Pointer[TransactionSnapshot]

	fsm         *stateless.StateMachine
	lastRes     *Response
	ack         *Request
	retransmits int
	timers      map[string]*timeutil.Timer
	intervals   map[string]time.Duration
	pending     []txCommand
	cmdErr      error
	cause       error
	terminal    bool
}

func newTransaction(cfg txConfig) *transaction {
	if cfg.mailbox <= 0 {
		cfg.mailbox = defMailboxSize
	}
	tx := &transaction{
		key:        cfg.key,
		req:        cfg.req,
		remote:     cfg.remote,
		reliable:   cfg.tp.Reliable(),
		localTag:   cfg.localTag,
		timings:    cfg.timings,
		autoTrying: cfg.autoTrying,
		tp:         cfg.tp,
		sched:      cfg.sched,
		hooks:      cfg.hooks,
		log:        cfg.log,
		createdAt:  time.Now(),
		cmds:       make(chan txCommand, cfg.mailbox),
		done:       make(chan struct{}),
		timers:     make(map[string]*timeutil.Timer),
		intervals:  make(map[string]time.Duration),
	}

	var start TransactionState
	switch cfg.key.Type {
	case TransactionTypeClientInvite:
		start = TransactionStateCalling
	case TransactionTypeServerInvite:
		start = TransactionStateProceeding
	default:
		start = TransactionStateTrying
	}
	tx.state.Store(start)

	tx.fsm = stateless.NewStateMachineWithMode(start, stateless.FiringImmediate)
	tx.fsm.OnUnhandledTrigger(tx.onUnhandledTrigger)
	tx.fsm.OnTransitioned(tx.onTransitioned)

	switch cfg.key.Type {
	case TransactionTypeClientInvite:
		tx.initClientInviteFSM()
	case TransactionTypeClientNonInvite:
		tx.initClientNonInviteFSM()
	case TransactionTypeServerInvite:
		tx.initServerInviteFSM()
	case TransactionTypeServerNonInvite:
		tx.initServerNonInviteFSM()
	}
	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		OnEntry(tx.actTerminated)
	return tx
}

// LogValue implements [slog.LogValuer].
func (tx *transaction) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", tx.key),
		slog.String("state", string(tx.State())),
	)
}

// Key returns the transaction key.
func (tx *transaction) Key() TransactionKey { return tx.key }

// State returns the current transaction state.
func (tx *transaction) State() TransactionState {
	st, _ := tx.state.Load().(TransactionState)
	return st
}

// Done is closed when the transaction goroutine exits.
func (tx *transaction) Done() <-chan struct{} { return tx.done }

func (tx *transaction) run() {
	ctx := context.Background()
	defer tx.finish(ctx)

	for cmd := range tx.cmds {
		err := tx.handle(ctx, cmd)
		for len(tx.pending) > 0 && tx.State() != TransactionStateTerminated {
			next := tx.pending[0]
			tx.pending = tx.pending[1:]
			tx.handle(ctx, next) //nolint:errcheck
		}
		if cmd.reply != nil {
			cmd.reply <- err
		}
		if tx.State() == TransactionStateTerminated {
			return
		}
	}
}

func (tx *transaction) handle(ctx context.Context, cmd txCommand) error {
	if cmd.inspect != nil {
		cmd.inspect()
		return nil
	}

	trigger := cmd.trigger
	if cmd.timer != "" {
		tmr, ok := tx.timers[cmd.timer]
		if !ok || tmr.Epoch() != cmd.epoch {
			tx.log.LogAttrs(ctx, slog.LevelDebug,
				"stale timer "+cmd.timer+" fire ignored",
				slog.Any("transaction", tx),
				slog.Uint64("epoch", cmd.epoch),
			)
			return nil
		}
		delete(tx.timers, cmd.timer)

		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+cmd.timer+" expired", slog.Any("transaction", tx))

		trigger = timerTrigger(cmd.timer)
	}

	tx.cmdErr = nil
	if err := tx.fsm.FireCtx(ctx, trigger, cmd.args...); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(tx.cmdErr)
}

func (tx *transaction) finish(ctx context.Context) {
	for name, tmr := range tx.timers {
		tx.sched.Cancel(tmr)
		delete(tx.timers, name)
	}
	snap := tx.takeSnapshot()
	tx.final.Store(&snap)
	close(tx.done)

	tx.hooks.txTerminated(ctx, tx, tx.cause)
}

// post delivers a command without waiting for its result.
// It returns false if the transaction is terminated or ctx is done.
func (tx *transaction) post(ctx context.Context, cmd txCommand) bool {
	select {
	case tx.cmds <- cmd:
		return true
	case <-tx.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// call delivers a command and waits for the result.
func (tx *transaction) call(ctx context.Context, cmd txCommand) error {
	cmd.reply = make(chan error, 1)
	select {
	case tx.cmds <- cmd:
	case <-tx.done:
		return errtrace.Wrap(tx.terminatedErr())
	case <-ctx.Done():
		return errtrace.Wrap(ctx.Err())
	}

	select {
	case err := <-cmd.reply:
		return errtrace.Wrap(err)
	case <-tx.done:
		select {
		case err := <-cmd.reply:
			return errtrace.Wrap(err)
		default:
			return errtrace.Wrap(tx.terminatedErr())
		}
	case <-ctx.Done():
		return errtrace.Wrap(ctx.Err())
	}
}

func (tx *transaction) terminatedErr() error {
	return errorutil.NewWrapperError(ErrInvalidStateTransition, "transaction %s is terminated", tx.key) //errtrace:skip
}

func (tx *transaction) start(ctx context.Context) error {
	return errtrace.Wrap(tx.call(ctx, txCommand{trigger: txEvtStart}))
}

func (tx *transaction) terminate(ctx context.Context) error {
	return errtrace.Wrap(tx.call(ctx, txCommand{trigger: txEvtTerminate}))
}

func (tx *transaction) onUnhandledTrigger(ctx context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"event ignored",
		slog.Any("transaction", tx),
		slog.Any("event", trigger),
	)
	return errorutil.NewWrapperError(ErrInvalidStateTransition, "event %v in state %v", trigger, state) //errtrace:skip
}

func (tx *transaction) onTransitioned(ctx context.Context, t stateless.Transition) {
	from, _ := t.Source.(TransactionState)
	to, _ := t.Destination.(TransactionState)
	if from == to {
		return
	}
	tx.state.Store(to)

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"transaction state changed",
		slog.Any("transaction", tx),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)

	tx.hooks.txStateChanged(ctx, tx, from, to)
}

// send writes the message to the remote address. On failure the transaction
// is moved to the terminated state by a queued transport error event.
func (tx *transaction) send(ctx context.Context, msg Message) error {
	if err := tx.tp.Send(ctx, encode(msg), tx.remote); err != nil {
		err = errorutil.NewWrapperError(ErrTransportFailure, err)

		tx.log.LogAttrs(ctx, slog.LevelWarn,
			"failed to send message",
			slog.Any("transaction", tx),
			slog.String("remote", tx.remote),
			slog.Any("error", err),
		)

		if tx.cmdErr == nil {
			tx.cmdErr = err
		}
		if tx.terminal || tx.State() == TransactionStateTerminated {
			if tx.cause == nil {
				tx.cause = err
			}
		} else {
			tx.pending = append(tx.pending, txCommand{trigger: txEvtTranspErr, args: []any{err}})
		}
		return errtrace.Wrap(err)
	}
	return nil
}

func (tx *transaction) startTimer(ctx context.Context, name string, d time.Duration) {
	tx.stopTimer(name)

	tmr := tx.sched.Arm(name, d, func(epoch uint64) {
		tx.post(context.Background(), txCommand{timer: name, epoch: epoch})
	})
	tx.timers[name] = tmr

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer "+name+" started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", tmr.ExpiresAt()),
	)
}

func (tx *transaction) stopTimer(name string) {
	if tmr, ok := tx.timers[name]; ok {
		tx.sched.Cancel(tmr)
		delete(tx.timers, name)
	}
}

func (tx *transaction) stopTimers(names ...string) {
	for _, name := range names {
		tx.stopTimer(name)
	}
}

// nextInterval doubles the retransmission interval of the timer up to limit.
// A zero limit means no cap.
func (tx *transaction) nextInterval(name string, initial, limit time.Duration) time.Duration {
	cur, ok := tx.intervals[name]
	if !ok {
		cur = initial
	} else {
		cur *= 2
	}
	if limit > 0 && cur > limit {
		cur = limit
	}
	tx.intervals[name] = cur
	return cur
}

func (tx *transaction) retransmit(ctx context.Context, msg Message) {
	if msg == nil {
		return
	}
	if tx.send(ctx, msg) != nil {
		return
	}
	tx.retransmits++
	tx.hooks.txRetransmitted(tx)
}

func (tx *transaction) actTimedOut(timer string) stateless.ActionFunc {
	return func(ctx context.Context, _ ...any) error {
		tx.cause = errorutil.NewWrapperError(ErrTransactionTimedOut, "timer %s", timer)

		tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction timed out", slog.Any("transaction", tx), slog.String("timer", timer))
		return nil
	}
}

func (tx *transaction) actTranspErr(_ context.Context, args ...any) error {
	if tx.cause != nil {
		return nil
	}
	if len(args) > 0 {
		if err, ok := args[0].(error); ok {
			tx.cause = err
			return nil
		}
	}
	tx.cause = ErrTransportFailure
	return nil
}

func (tx *transaction) actTerminated(ctx context.Context, _ ...any) error {
	for name := range tx.timers {
		tx.stopTimer(name)
	}
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx))
	return nil
}

func noopAction(context.Context, ...any) error { return nil }

// TransactionSnapshot is a point-in-time copy of a transaction.
type TransactionSnapshot struct {
	Time        time.Time                `json:"time"`
	Key         TransactionKey           `json:"key"`
	State       TransactionState         `json:"state"`
	CallID      string                   `json:"call_id"`
	CSeq        uint32                   `json:"cseq"`
	Remote      string                   `json:"remote"`
	Reliable    bool                     `json:"reliable"`
	LastStatus  int                      `json:"last_status,omitempty"`
	Retransmits int                      `json:"retransmits"`
	CreatedAt   time.Time                `json:"created_at"`
	Timers      []timeutil.TimerSnapshot `json:"timers,omitempty"`

	Request      *Request  `json:"-"`
	LastResponse *Response `json:"-"`
}

// takeSnapshot must be called from the run loop.
func (tx *transaction) takeSnapshot() TransactionSnapshot {
	snap := TransactionSnapshot{
		Time:         time.Now(),
		Key:          tx.key,
		State:        tx.State(),
		Remote:       tx.remote,
		Reliable:     tx.reliable,
		Retransmits:  tx.retransmits,
		CreatedAt:    tx.createdAt,
		Request:      tx.req,
		LastResponse: tx.lastRes,
	}
	if cid := tx.req.CallID(); cid != nil {
		snap.CallID = cid.Value()
	}
	snap.CSeq, _ = cseqOf(tx.req)
	if tx.lastRes != nil {
		snap.LastStatus = tx.lastRes.StatusCode
	}
	for _, tmr := range tx.timers {
		snap.Timers = append(snap.Timers, *tmr.Snapshot())
	}
	slices.SortFunc(snap.Timers, func(a, b timeutil.TimerSnapshot) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return snap
}

func (tx *transaction) snapshot(ctx context.Context) (TransactionSnapshot, error) {
	if snap := tx.final.Load(); snap != nil {
		return *snap, nil
	}

	var snap TransactionSnapshot
	if err := tx.call(ctx, txCommand{inspect: func() { snap = tx.takeSnapshot() }}); err != nil {
		if final := tx.final.Load(); final != nil {
			return *final, nil
		}
		return TransactionSnapshot{}, errtrace.Wrap(err)
	}
	return snap, nil
}
