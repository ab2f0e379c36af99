package sip

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	sipmsg "github.com/emiago/sipgo/sip"

	"github.com/ghettovoice/sipstack/dialog"
	"github.com/ghettovoice/sipstack/internal/errorutil"
	"github.com/ghettovoice/sipstack/internal/syncutil"
	"github.com/ghettovoice/sipstack/internal/timeutil"
	"github.com/ghettovoice/sipstack/log"
)

const (
	defMailboxSize     = 32
	defEventBufferSize = 64
)

// ManagerOptions are options of [NewManager].
type ManagerOptions struct {
	// Timings overrides the RFC 3261 timer values.
	Timings TimingConfig
	// MaxTransactions limits the number of live transactions. Zero means no limit.
	MaxTransactions int
	// MaxDialogs limits the number of stored dialogs. Zero means no limit.
	MaxDialogs int
	// MailboxSize is the command buffer of each transaction.
	// Default is 32.
	MailboxSize int
	// EventBufferSize is the buffer of the channel returned by [Manager.Events].
	// Events are queued without limit behind it, so a slow reader never blocks transactions.
	// Default is 64.
	EventBufferSize int
	// AutoTrying makes INVITE server transactions send 100 Trying
	// if the transaction user has sent no provisional response within Time100.
	AutoTrying bool
	// ManualAck disables automatic ACK of 2xx responses to INVITE.
	// The transaction user sends the ACK with [Manager.SendAck].
	ManualAck bool
	// SeedDialogCSeq seeds the local CSeq of a new dialog with the CSeq of the INVITE
	// and the remote CSeq with the CSeq of the request received from the peer.
	// By default both counters start at 0.
	SeedDialogCSeq bool
	// DialogGracePeriod is how long a terminated dialog stays in the registry.
	// Default is 64*T1.
	DialogGracePeriod time.Duration
	// RecoveryProbe enables OPTIONS probing of dialogs in the recovering state.
	RecoveryProbe *RecoveryProbeOptions
	// Stats receives transaction and dialog counters.
	Stats *StatsRecorder
	// Log is the logger, [log.Default] is used if nil.
	Log *slog.Logger
}

func (o *ManagerOptions) timings() TimingConfig {
	if o == nil {
		return TimingConfig{}
	}
	return o.Timings
}

func (o *ManagerOptions) maxTransactions() int {
	if o == nil {
		return 0
	}
	return o.MaxTransactions
}

func (o *ManagerOptions) maxDialogs() int {
	if o == nil {
		return 0
	}
	return o.MaxDialogs
}

func (o *ManagerOptions) mailboxSize() int {
	if o == nil || o.MailboxSize <= 0 {
		return defMailboxSize
	}
	return o.MailboxSize
}

func (o *ManagerOptions) eventBufferSize() int {
	if o == nil || o.EventBufferSize <= 0 {
		return defEventBufferSize
	}
	return o.EventBufferSize
}

func (o *ManagerOptions) autoTrying() bool { return o != nil && o.AutoTrying }

func (o *ManagerOptions) manualAck() bool { return o != nil && o.ManualAck }

func (o *ManagerOptions) seedDialogCSeq() bool { return o != nil && o.SeedDialogCSeq }

func (o *ManagerOptions) dialogGracePeriod() time.Duration {
	if o == nil || o.DialogGracePeriod <= 0 {
		return o.timings().TimeM()
	}
	return o.DialogGracePeriod
}

func (o *ManagerOptions) recoveryProbe() *RecoveryProbeOptions {
	if o == nil {
		return nil
	}
	return o.RecoveryProbe
}

func (o *ManagerOptions) stats() *StatsRecorder {
	if o == nil {
		return nil
	}
	return o.Stats
}

func (o *ManagerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// TransactionStateHandler is called on every transaction state change.
// It runs on the transaction goroutine and must not block.
type TransactionStateHandler = func(ctx context.Context, key TransactionKey, from, to TransactionState)

// RespondOptions are options of [Manager.SendResponse].
type RespondOptions struct {
	Body    []byte
	Headers []sipmsg.Header
}

func (o *RespondOptions) body() []byte {
	if o == nil {
		return nil
	}
	return o.Body
}

func (o *RespondOptions) headers() []sipmsg.Header {
	if o == nil {
		return nil
	}
	return o.Headers
}

// Manager is the composition root of the transaction and dialog layers.
// It owns the transaction and dialog registries, feeds inbound messages to them
// and reports what happens to the transaction user through [Manager.Events].
type Manager struct {
	tp    Transport
	opts  *ManagerOptions
	tms   TimingConfig
	log   *slog.Logger
	sched *timeutil.Scheduler
	txs   *txRegistry
	dlgs  *dialog.Registry
	stats *StatsRecorder

	events    chan Event
	queue     syncutil.Queue[Event]
	pumpDone  chan struct{}
	onTxState syncutil.Observers[TransactionStateHandler]

	uacAcks  syncutil.RWMap[dialog.ID, *ackEntry]
	uasOKs   syncutil.RWMap[dialog.ID, *okRetransmitter]
	accepted syncutil.RWMap[TransactionKey, *okRetransmitter]
	dlgGC    syncutil.RWMap[dialog.ID, *timeutil.Timer]
	probes   syncutil.RWMap[dialog.ID, struct{}]

	mu      sync.RWMutex
	closed  atomic.Bool
	closing chan struct{}
	txWG    sync.WaitGroup
	bgWG    sync.WaitGroup
}

// NewManager creates a new manager sending messages through the transport.
// Options are optional.
func NewManager(tp Transport, opts *ManagerOptions) (*Manager, error) {
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("nil transport"))
	}
	if err := opts.timings().Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if rp := opts.recoveryProbe(); rp != nil && rp.Interval <= 0 {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid recovery probe interval %v", rp.Interval))
	}

	m := &Manager{
		tp:       tp,
		opts:     opts,
		tms:      opts.timings(),
		log:      opts.log(),
		sched:    timeutil.NewScheduler(),
		txs:      newTxRegistry(opts.maxTransactions()),
		dlgs:     dialog.NewRegistry(&dialog.RegistryOptions{MaxDialogs: opts.maxDialogs()}),
		stats:    opts.stats(),
		events:   make(chan Event, opts.eventBufferSize()),
		pumpDone: make(chan struct{}),
		closing:  make(chan struct{}),
	}
	go m.pump()

	m.log.LogAttrs(context.Background(), slog.LevelDebug, "manager created",
		slog.Any("timings", m.tms),
		slog.Bool("reliable", tp.Reliable()),
	)
	return m, nil
}

// Events returns the channel of transaction user events.
// The channel is closed by [Manager.Close].
func (m *Manager) Events() <-chan Event { return m.events }

// OnTransactionState registers a transaction state change observer.
func (m *Manager) OnTransactionState(fn TransactionStateHandler) (remove func()) {
	return m.onTxState.Add(fn)
}

// Stats returns the stats recorder, nil if none is configured.
func (m *Manager) Stats() *StatsRecorder { return m.stats }

// Timings returns the effective timer configuration.
func (m *Manager) Timings() TimingConfig { return m.tms }

func (m *Manager) emit(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	m.log.LogAttrs(context.Background(), slog.LevelDebug, "emit event", slog.Any("event", evt))

	m.queue.Push(evt)
}

func (m *Manager) pump() {
	defer close(m.pumpDone)
	defer close(m.events)

	for {
		for {
			evt, ok := m.queue.Pop()
			if !ok {
				break
			}
			select {
			case m.events <- evt:
			case <-m.closing:
				return
			}
		}

		select {
		case <-m.queue.Ready():
		case <-m.closing:
			// flush what is left without blocking
			for {
				evt, ok := m.queue.Pop()
				if !ok {
					return
				}
				select {
				case m.events <- evt:
				default:
					return
				}
			}
		}
	}
}

// goTx starts the transaction goroutine unless the manager is closed.
func (m *Manager) goTx(tx *transaction) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return false
	}
	m.txWG.Add(1)
	go func() {
		defer m.txWG.Done()
		tx.run()
	}()
	return true
}

// goBg runs fn in a background goroutine that [Manager.Close] waits for.
func (m *Manager) goBg(fn func()) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return false
	}
	m.bgWG.Add(1)
	go func() {
		defer m.bgWG.Done()
		fn()
	}()
	return true
}

func (m *Manager) newTx(key TransactionKey, req *Request, remote, localTag string) (*transaction, error) {
	tx := newTransaction(txConfig{
		key:        key,
		req:        req,
		remote:     remote,
		localTag:   localTag,
		timings:    m.tms,
		autoTrying: m.opts.autoTrying(),
		tp:         m.tp,
		sched:      m.sched,
		hooks:      m,
		mailbox:    m.opts.mailboxSize(),
		log:        m.log,
	})
	if err := m.txs.create(key, tx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	m.stats.txCreated(key.Type)
	if !m.goTx(tx) {
		m.txs.remove(tx)
		m.stats.txTerminated(key.Type, false, false)
		return nil, errtrace.Wrap(ErrManagerClosed)
	}

	m.log.LogAttrs(context.Background(), slog.LevelDebug, "transaction created", slog.Any("transaction", tx))
	return tx, nil
}

// SendRequest creates a client transaction for the request and sends it.
//
// The request must not be an ACK. If it has no Via and the transport implements
// [ViaProvider], the top Via is added, a missing branch is generated.
// The returned key is valid even if the first send fails: the transaction is
// then terminated and [EventTransportFailure] is reported.
func (m *Manager) SendRequest(ctx context.Context, req *Request, opts *SendRequestOptions) (TransactionKey, error) {
	if m.closed.Load() {
		return TransactionKey{}, errtrace.Wrap(ErrManagerClosed)
	}
	if err := validateRequest(req); err != nil {
		return TransactionKey{}, errtrace.Wrap(err)
	}
	if req.Method == ACK {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	if err := m.prepareVia(req); err != nil {
		return TransactionKey{}, errtrace.Wrap(err)
	}

	key, err := ClientKeyFromRequest(req)
	if err != nil {
		return TransactionKey{}, errtrace.Wrap(err)
	}
	dst := opts.destination()
	if dst == "" {
		dst = requestDestination(req)
	}

	tx, err := m.newTx(key, req, dst, "")
	if err != nil {
		return TransactionKey{}, errtrace.Wrap(err)
	}
	if err := tx.start(ctx); err != nil {
		return key, errtrace.Wrap(err)
	}
	return key, nil
}

func (m *Manager) prepareVia(req *Request) error {
	via := req.Via()
	if via == nil {
		via, err := m.localVia(nil)
		if err != nil {
			return errtrace.Wrap(err)
		}
		req.PrependHeader(via)
		return nil
	}
	if viaBranch(req) == "" {
		if via.Params == nil {
			via.Params = sipmsg.NewParams()
		}
		via.Params.Add("branch", NewBranch())
	}
	return nil
}

// localVia builds a Via with a new branch from the transport.
// If the transport is not a [ViaProvider], the fallback is copied.
func (m *Manager) localVia(fallback *sipmsg.ViaHeader) (*sipmsg.ViaHeader, error) {
	if vp, ok := m.tp.(ViaProvider); ok {
		host, portStr, err := net.SplitHostPort(vp.SentBy())
		if err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError(err))
		}
		port, _ := strconv.Atoi(portStr)
		return &sipmsg.ViaHeader{
			ProtocolName:    "SIP",
			ProtocolVersion: "2.0",
			Transport:       vp.ViaTransport(),
			Host:            host,
			Port:            port,
			Params:          sipmsg.NewParams().Add("branch", NewBranch()),
		}, nil
	}
	if fallback == nil {
		return nil, errtrace.Wrap(newInvalidMessageError("missing Via"))
	}
	via := *fallback
	via.Params = cloneParams(fallback.Params)
	via.Params.Add("branch", NewBranch())
	return &via, nil
}

// SendResponse sends a response through the server transaction.
//
// A response above 100 to a request without To tag gets the local tag of the transaction.
// 101-199 with a tag to an INVITE creates an early dialog, 2xx creates or confirms the dialog
// and starts 2xx retransmission until the ACK arrives.
// It fails with [ErrInvalidStateTransition] if the transaction can not send the response.
func (m *Manager) SendResponse(ctx context.Context, key TransactionKey, status int, reason string, opts *RespondOptions) error {
	if m.closed.Load() {
		return errtrace.Wrap(ErrManagerClosed)
	}
	if status < 100 || status > 699 {
		return errtrace.Wrap(NewInvalidArgumentError("invalid status code %d", status))
	}
	tx, ok := m.txs.get(key)
	if !ok {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionNotFound, "transaction %s", key))
	}
	if key.Type.IsClient() {
		return errtrace.Wrap(NewInvalidArgumentError("transaction %s is not a server transaction", key))
	}

	res := newResponse(tx.req, status, reason, tx.localTag, opts.body())
	for _, h := range opts.headers() {
		res.AppendHeader(h)
	}

	var (
		d       *dialog.Dialog
		created bool
	)
	if key.Type == TransactionTypeServerInvite && status > 100 && status < 300 && toTag(res) != "" {
		var err error
		if d, created, err = m.uasDialog(tx, res); err != nil {
			return errtrace.Wrap(err)
		}
	}

	if err := tx.sendResponse(ctx, res); err != nil {
		if created {
			m.terminateDialog(ctx, d, "response failed")
		}
		return errtrace.Wrap(err)
	}

	switch {
	case d != nil && status >= 200:
		established := created || d.State() == dialog.StateEarly
		if d.State() == dialog.StateEarly {
			if err := d.Confirm(nil); err != nil {
				m.log.LogAttrs(ctx, slog.LevelDebug, "failed to confirm dialog", slog.Any("dialog", d), slog.Any("error", err))
				established = false
			}
		}
		m.startOKRetransmit(d, tx, res)
		if established {
			m.emit(Event{Type: EventDialogEstablished, Key: key, DialogID: d.ID(), Request: tx.req, Response: res})
		}
	case key.Type == TransactionTypeServerInvite && status >= 300 && toTag(tx.req) == "":
		m.terminateEarlyDialogs(ctx, tx.req.CallID().Value(), tx.localTag, "rejected")
	}
	return nil
}

// HandleMessage passes an inbound message from the transport to the manager.
// src and local are the remote and local transport addresses ("host:port").
//
// Retransmissions, stray responses and stray ACKs are absorbed.
// An error is returned for malformed messages and when a new server transaction can not be created.
func (m *Manager) HandleMessage(ctx context.Context, msg Message, src, local string) error {
	if m.closed.Load() {
		return errtrace.Wrap(ErrManagerClosed)
	}
	switch msg := msg.(type) {
	case *Request:
		return errtrace.Wrap(m.handleRequest(ctx, msg, src, local))
	case *Response:
		return errtrace.Wrap(m.handleResponse(ctx, msg, src))
	default:
		return errtrace.Wrap(NewInvalidArgumentError("unsupported message type %T", msg))
	}
}

func (m *Manager) handleRequest(ctx context.Context, req *Request, src, local string) error {
	if err := validateRequest(req); err != nil {
		return errtrace.Wrap(err)
	}
	key, err := ServerKeyFromRequest(req)
	if err != nil {
		return errtrace.Wrap(err)
	}

	if tx, ok := m.txs.get(key); ok {
		tx.recvRequest(ctx, req)
		return nil
	}
	if req.Method == ACK {
		m.handleAck(ctx, req, src, local)
		return nil
	}
	if req.Method == INVITE && m.absorbInviteRetransmit(ctx, key) {
		return nil
	}

	var (
		d          *dialog.Dialog
		autoStatus int
	)
	switch {
	case req.Method == CANCEL:
		if _, ok := m.txs.matchCancelTarget(req); !ok {
			autoStatus = 481
		}
	case toTag(req) != "":
		d, autoStatus = m.checkInDialog(ctx, req)
	}

	localTag := ""
	if toTag(req) == "" {
		localTag = NewTag()
	}
	remote := src
	if remote == "" {
		remote = responseDestination(req)
	}

	tx, err := m.newTx(key, req, remote, localTag)
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicateTransaction):
			// lost the race against the first copy of the request
			if tx, ok := m.txs.get(key); ok {
				tx.recvRequest(ctx, req)
			}
			return nil
		case errors.Is(err, ErrResourceExhausted):
			m.log.LogAttrs(ctx, slog.LevelWarn, "transactions limit reached, request rejected",
				slog.String("method", string(req.Method)),
				slog.String("source", src),
			)
			m.sendStateless(ctx, req, 503, remote)
		}
		return errtrace.Wrap(err)
	}

	if autoStatus != 0 {
		m.log.LogAttrs(ctx, slog.LevelDebug, "in-dialog request rejected",
			slog.Any("transaction", tx),
			slog.Int("status", autoStatus),
		)
		if err := tx.sendResponse(ctx, newResponse(req, autoStatus, "", localTag, nil)); err != nil {
			m.log.LogAttrs(ctx, slog.LevelDebug, "failed to reject request", slog.Any("transaction", tx), slog.Any("error", err))
		}
		return nil
	}

	evt := Event{Type: EventRequestReceived, Key: key, Request: req, Source: src, Local: local}
	if d != nil {
		evt.DialogID = d.ID()
		m.dialogRequestReceived(ctx, d, req, src)
	}
	m.emit(evt)

	if d != nil && req.Method == BYE {
		m.terminateDialog(ctx, d, "bye received")
	}
	return nil
}

func (m *Manager) sendStateless(ctx context.Context, req *Request, status int, dst string) {
	if req.Method == ACK {
		return
	}
	res := newResponse(req, status, "", NewTag(), nil)
	if err := m.tp.Send(ctx, encode(res), dst); err != nil {
		m.log.LogAttrs(ctx, slog.LevelWarn, "failed to send response",
			slog.Int("status", status),
			slog.String("remote", dst),
			slog.Any("error", err),
		)
	}
}

func (m *Manager) handleResponse(ctx context.Context, res *Response, src string) error {
	if err := validateResponse(res); err != nil {
		return errtrace.Wrap(err)
	}
	key, err := ClientKeyFromResponse(res)
	if err != nil {
		return errtrace.Wrap(err)
	}

	if tx, ok := m.txs.get(key); ok {
		tx.recvResponse(ctx, res)
		return nil
	}

	if _, method := cseqOf(res); method == INVITE && res.StatusCode >= 200 && res.StatusCode < 300 {
		m.handleStray2xx(ctx, res, src)
		return nil
	}

	m.log.LogAttrs(ctx, slog.LevelDebug, "stray response dropped",
		slog.Any("key", key),
		slog.Int("status", res.StatusCode),
		slog.String("source", src),
	)
	return nil
}

// MatchRequest finds the server transaction of the request (RFC 3261 §17.2.3).
func (m *Manager) MatchRequest(req *Request) (TransactionKey, bool) {
	return m.txs.matchRequest(req)
}

// MatchResponse finds the client transaction of the response (RFC 3261 §17.1.3).
func (m *Manager) MatchResponse(res *Response) (TransactionKey, bool) {
	return m.txs.matchResponse(res)
}

// MatchCancelTarget finds the INVITE server transaction the CANCEL refers to.
func (m *Manager) MatchCancelTarget(cancel *Request) (TransactionKey, bool) {
	return m.txs.matchCancelTarget(cancel)
}

// NewCancel builds a CANCEL for the INVITE client transaction.
// The CANCEL is sent with [Manager.SendRequest].
func (m *Manager) NewCancel(key TransactionKey) (*Request, error) {
	tx, ok := m.txs.get(key)
	if !ok {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionNotFound, "transaction %s", key))
	}
	if key.Type != TransactionTypeClientInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError("transaction %s is not an INVITE client transaction", key))
	}
	return errtrace.Wrap2(NewCancel(tx.req))
}

// Transaction returns a snapshot of the live transaction.
func (m *Manager) Transaction(ctx context.Context, key TransactionKey) (TransactionSnapshot, error) {
	tx, ok := m.txs.get(key)
	if !ok {
		return TransactionSnapshot{}, errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionNotFound, "transaction %s", key))
	}
	return errtrace.Wrap2(tx.snapshot(ctx))
}

// TransactionCount returns the number of live transactions.
func (m *Manager) TransactionCount() int { return m.txs.len() }

// Close terminates all transactions, waits for their goroutines and closes the event channel.
// Pending events not consumed by then are dropped.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	already := m.closed.Swap(true)
	m.mu.Unlock()
	if already {
		return nil
	}

	var errs []error
	for tx := range m.txs.all() {
		if err := tx.terminate(ctx); err != nil && !errors.Is(err, ErrInvalidStateTransition) {
			errs = append(errs, err)
		}
	}
	if err := waitGroup(ctx, &m.txWG); err != nil {
		errs = append(errs, err)
	}

	close(m.closing)
	for id, tmr := range m.dlgGC.All() {
		m.sched.Cancel(tmr)
		m.dlgGC.Del(id)
	}
	if err := waitGroup(ctx, &m.bgWG); err != nil {
		errs = append(errs, err)
	}
	<-m.pumpDone

	m.log.LogAttrs(ctx, slog.LevelDebug, "manager closed")
	return errtrace.Wrap(errorutil.JoinPrefix("close manager:", errs...))
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errtrace.Wrap(ctx.Err())
	}
}

// txStateChanged implements txHooks.
func (m *Manager) txStateChanged(ctx context.Context, tx *transaction, from, to TransactionState) {
	for fn := range m.onTxState.All() {
		fn(ctx, tx.key, from, to)
	}
}

// txRetransmitted implements txHooks.
func (m *Manager) txRetransmitted(*transaction) { m.stats.txRetransmitted() }

// txTerminated implements txHooks.
func (m *Manager) txTerminated(ctx context.Context, tx *transaction, cause error) {
	m.txs.remove(tx)

	timedOut := errors.Is(cause, ErrTransactionTimedOut)
	transpFailed := errors.Is(cause, ErrTransportFailure)
	m.stats.txTerminated(tx.key.Type, timedOut, transpFailed)

	m.log.LogAttrs(ctx, slog.LevelDebug, "transaction removed", slog.Any("transaction", tx), slog.Any("cause", cause))

	if !timedOut && !transpFailed {
		return
	}

	evt := Event{Key: tx.key, Request: tx.req, Err: cause}
	if timedOut {
		evt.Type = EventTransactionTimeout
	} else {
		evt.Type = EventTransportFailure
	}
	var d *dialog.Dialog
	if tx.key.Type.IsClient() && toTag(tx.req) != "" {
		d, _ = m.dlgs.Get(uacDialogID(tx.req))
	}
	if d != nil {
		evt.DialogID = d.ID()
	}
	m.emit(evt)

	if tx.key.Type.IsClient() {
		m.clientTxFailed(ctx, tx, d, cause)
	}
}

// txPassResponse implements txHooks.
func (m *Manager) txPassResponse(ctx context.Context, tx *transaction, res *Response) {
	evt := Event{Key: tx.key, Request: tx.req, Response: res, Source: tx.remote}
	if res.StatusCode < 200 {
		evt.Type = EventProvisionalReceived
	} else {
		evt.Type = EventFinalResponseReceived
	}
	if (tx.key.Method == INVITE && res.StatusCode > 100 && res.StatusCode < 300) || toTag(tx.req) != "" {
		if id, err := dialog.IDFromResponse(res); err == nil && id.IsComplete() {
			evt.DialogID = id
		}
	}
	m.emit(evt)

	if tx.key.Method == INVITE {
		m.uacInviteResponse(ctx, tx, res)
	}
	if toTag(tx.req) != "" {
		m.uacInDialogResponse(ctx, tx, res)
	}
}
