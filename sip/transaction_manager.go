package sip

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"
	"github.com/samber/lo"

	"github.com/ghettovoice/siptx/dns"
	"github.com/ghettovoice/siptx/internal/errorutil"
	"github.com/ghettovoice/siptx/internal/syncutil"
	"github.com/ghettovoice/siptx/internal/types"
	"github.com/ghettovoice/siptx/log"
)

// ManagerOptions are options for [NewManager].
// Nil options are valid and mean defaults.
type ManagerOptions struct {
	// Timings are the SIP timer values.
	// Zero value means RFC 3261 defaults.
	Timings TimingConfig
	// Log is the logger.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
	// DNSResolver resolves hosts passed to [Manager.SendRequestTo].
	// If nil, the [dns.DefaultResolver] is used.
	DNSResolver DNSResolver
	// EventBufferSize is the capacity of the channel returned by [Manager.Events].
	// If zero, 64 is used.
	EventBufferSize int
	// Disable100Trying turns off the automatic 100 Trying of INVITE server transactions.
	Disable100Trying bool
}

func (o *ManagerOptions) timings() TimingConfig {
	if o == nil {
		return TimingConfig{}
	}
	return o.Timings
}

func (o *ManagerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

func (o *ManagerOptions) dnsResolver() DNSResolver {
	if o == nil || o.DNSResolver == nil {
		return dns.DefaultResolver()
	}
	return o.DNSResolver
}

func (o *ManagerOptions) eventBufferSize() int {
	if o == nil || o.EventBufferSize <= 0 {
		return 64
	}
	return o.EventBufferSize
}

func (o *ManagerOptions) disable100() bool {
	return o != nil && o.Disable100Trying
}

// Manager is the transaction layer entry point.
// It creates client transactions for outbound requests, matches inbound messages
// to live transactions, spawns server transactions for new requests and
// delivers transaction events to the transaction user.
type Manager struct {
	tp         Transport
	timings    TimingConfig
	log        *slog.Logger
	dns        DNSResolver
	disable100 bool

	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc

	txs *syncutil.ShardMap[TransactionKey, *transaction]
	// closeMu guards closed and the transaction wait group additions.
	closeMu sync.RWMutex
	closed  bool
	txWg    sync.WaitGroup

	events   types.Queue[Event]
	subs     types.Subscribers[func(Event)]
	evtCh    chan Event
	evtChOn  atomic.Bool
	pumpDone chan struct{}
}

// NewManager creates a new transaction manager sending messages through the transport.
func NewManager(tp Transport, opts *ManagerOptions) (*Manager, error) {
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("nil transport"))
	}

	m := &Manager{
		tp:         tp,
		timings:    opts.timings(),
		log:        opts.log(),
		dns:        opts.dnsResolver(),
		disable100: opts.disable100(),
		txs:        syncutil.NewShardMap[TransactionKey, *transaction](),
		evtCh:      make(chan Event, opts.eventBufferSize()),
		pumpDone:   make(chan struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	go m.pump()
	return m, nil
}

// SendRequest creates a client transaction for the request and sends it to the destination.
// An empty branch of the topmost Via is generated. The request is copied,
// later changes of req do not affect the transaction.
// Transport failures are reported with [TransportErrorEvent], not by this method.
func (m *Manager) SendRequest(ctx context.Context, req *Request, dst netip.AddrPort) (TransactionKey, error) {
	if err := req.Validate(); err != nil {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if req.Method.Equal(RequestMethodAck) {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	if !dst.IsValid() {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("invalid destination %q", dst))
	}

	req = req.clone()
	req.Method = req.Method.ToUpper()
	req.CSeq.Method = req.CSeq.Method.ToUpper()
	if req.Via[0].Branch == "" {
		req.Via[0].Branch = GenerateBranch()
	}

	key, err := ClientKey(req)
	if err != nil {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError(err))
	}

	tx, err := m.spawn(key, req, dst, nil)
	if err != nil {
		return TransactionKey{}, errtrace.Wrap(err)
	}

	m.log.LogAttrs(ctx, slog.LevelDebug, "client transaction created",
		slog.Any("transaction", tx),
		slog.Any("destination", dst),
	)
	return key, nil
}

// SendRequestTo resolves the host as described in RFC 3263 and sends the request
// to the first resolved target. Zero port enables SRV lookup.
func (m *Manager) SendRequestTo(ctx context.Context, req *Request, host string, port uint16) (TransactionKey, error) {
	if req == nil {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("nil request"))
	}

	var transport string
	if via, ok := req.TopVia(); ok {
		transport = via.Transport
	}

	for dst := range ResolveTargets(ctx, host, port, transport, m.dns) {
		return errtrace.Wrap2(m.SendRequest(ctx, req, dst))
	}
	return TransactionKey{}, errtrace.Wrap(errorutil.NewWrapperError(ErrNoTarget, "host %q", host))
}

// SendResponse passes the response to the server transaction.
// It fails with [ErrTransactionNotFound] if the transaction is absent or already terminated.
// Responses not allowed in the current state are reported with [ErrorEvent].
func (m *Manager) SendResponse(ctx context.Context, key TransactionKey, res *Response) error {
	if err := res.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if via, _ := res.TopVia(); via.Branch != key.Branch {
		return errtrace.Wrap(NewInvalidArgumentError("response branch %q does not match transaction", via.Branch))
	}

	tx, ok := m.txs.Get(key)
	if !ok {
		return errtrace.Wrap(ErrTransactionNotFound)
	}
	if key.Role != RoleServer {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed, "send response on %s transaction", key.Role))
	}
	if tx.State().IsTerminal() || !tx.post(cmdProcessMessage{msg: res.clone()}) {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionNotFound, ErrTransactionTerminated))
	}

	m.log.LogAttrs(ctx, slog.LevelDebug, "response passed to transaction",
		slog.Any("transaction", tx),
		slog.Any("response", res),
	)
	return nil
}

// Cancel terminates the transaction locally, nothing is sent to the peer.
// Use [Manager.CancelInvite] to send a CANCEL request for a pending INVITE.
func (m *Manager) Cancel(ctx context.Context, key TransactionKey) error {
	tx, ok := m.txs.Get(key)
	if !ok {
		return errtrace.Wrap(ErrTransactionNotFound)
	}
	if !tx.post(cmdTerminate{}) {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionNotFound, ErrTransactionTerminated))
	}

	m.log.LogAttrs(ctx, slog.LevelDebug, "transaction cancelled", slog.Any("transaction", tx))
	return nil
}

// CancelInvite sends a CANCEL for the INVITE client transaction to the INVITE destination
// and returns the key of the new CANCEL client transaction.
// The INVITE must be in the proceeding state, see RFC 3261 Section 9.1.
// The INVITE transaction itself is left to end with the 487 response.
func (m *Manager) CancelInvite(ctx context.Context, inviteKey TransactionKey) (TransactionKey, error) {
	if inviteKey.Role != RoleClient || !inviteKey.Method.Equal(RequestMethodInvite) {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("%v is not an INVITE client transaction", inviteKey))
	}
	tx, ok := m.txs.Get(inviteKey)
	if !ok {
		return TransactionKey{}, errtrace.Wrap(ErrTransactionNotFound)
	}
	if state := tx.State(); state != TransactionStateProceeding {
		return TransactionKey{}, errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed,
			"cancel INVITE in state %q", state))
	}

	key, err := m.SendRequest(ctx, tx.req.newCancel(), tx.dst)
	if err != nil {
		return TransactionKey{}, errtrace.Wrap(err)
	}

	m.log.LogAttrs(ctx, slog.LevelDebug, "INVITE cancel requested",
		slog.Any("transaction", tx),
		slog.Any("cancel_key", key),
	)
	return key, nil
}

// HandleMessage dispatches the inbound message received from the source.
// Matched messages go to their transaction, new requests spawn server transactions,
// unmatched responses and ACKs are passed through with [UnmatchedMessageEvent].
// Invalid messages are reported with [ErrorEvent].
func (m *Manager) HandleMessage(ctx context.Context, msg Message, src netip.AddrPort) {
	if msg == nil {
		m.reportError(ctx, TransactionKey{}, NewInvalidArgumentError("nil message"))
		return
	}
	if err := msg.Validate(); err != nil {
		m.reportError(ctx, TransactionKey{}, errtrace.Wrap(err))
		return
	}
	key, err := MessageKey(msg)
	if err != nil {
		m.reportError(ctx, TransactionKey{}, errtrace.Wrap(err))
		return
	}

	if tx, ok := m.txs.Get(key); ok && tx.post(cmdProcessMessage{msg: msg, inbound: true}) {
		return
	}

	req, ok := msg.(*Request)
	if !ok || req.Method.Equal(RequestMethodAck) {
		m.log.LogAttrs(ctx, slog.LevelDebug, "unmatched message passed through",
			slog.Any("message", msg),
			slog.Any("source", src),
		)
		m.emit(UnmatchedMessageEvent{Message: msg, Source: src})
		return
	}

	m.handleNewRequest(ctx, key, req.clone(), src)
}

func (m *Manager) handleNewRequest(ctx context.Context, key TransactionKey, req *Request, src netip.AddrPort) {
	var inviteKey TransactionKey
	if req.Method.Equal(RequestMethodCancel) {
		inviteKey, _ = m.FindInviteForCancel(req)
	}

	tx, err := m.spawn(key, req, src, func(tx *transaction) {
		m.emit(RequestEvent{Key: key, Request: req, Source: src, InviteKey: inviteKey})
	})
	switch {
	case errors.Is(err, ErrTransactionExists):
		// lost the race against an identical request, this one is a retransmission
		if tx.post(cmdProcessMessage{msg: req, inbound: true}) {
			return
		}
		// the transaction is terminated but not yet removed from the registry
		m.log.LogAttrs(ctx, slog.LevelDebug, "request to terminated transaction passed through",
			slog.Any("transaction", tx),
			slog.Any("source", src),
		)
		m.emit(UnmatchedMessageEvent{Message: req, Source: src})
	case err != nil:
		m.log.LogAttrs(ctx, slog.LevelWarn, "inbound request discarded",
			slog.Any("request", req),
			slog.Any("source", src),
			slog.Any("error", err),
		)
	default:
		m.log.LogAttrs(ctx, slog.LevelDebug, "server transaction created",
			slog.Any("transaction", tx),
			slog.Any("source", src),
		)
	}
}

// spawn registers and starts a new transaction.
// If a transaction with the same key exists, it is returned along with [ErrTransactionExists].
// The onCreate callback is called after registration, before the transaction loop starts.
func (m *Manager) spawn(
	key TransactionKey,
	req *Request,
	dst netip.AddrPort,
	onCreate func(*transaction),
) (*transaction, error) {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()

	if m.closed {
		return nil, errtrace.Wrap(ErrTransactionManagerClosed)
	}

	tx := newTransaction(m.ctx, key, req, m.tp, dst, transactionOptions{
		timings:    m.timings,
		log:        m.log,
		emit:       m.onTransactionEvent,
		disable100: m.disable100,
	})
	if existing, loaded := m.txs.SetIfAbsent(key, tx); loaded {
		return existing, errtrace.Wrap(ErrTransactionExists)
	}

	if onCreate != nil {
		onCreate(tx)
	}
	m.txWg.Go(tx.run)
	return tx, nil
}

// onTransactionEvent removes terminated transactions from the registry
// before their last event is delivered.
func (m *Manager) onTransactionEvent(tx *transaction, evt Event) {
	if _, ok := evt.(TransactionTerminatedEvent); ok {
		if !m.txs.DelFunc(tx.key, func(v *transaction) bool { return v == tx }) {
			m.log.LogAttrs(m.ctx, slog.LevelError, "terminated transaction not found in registry",
				slog.Any("transaction", tx),
			)
		}
	}
	m.emit(evt)
}

func (m *Manager) reportError(ctx context.Context, key TransactionKey, err error) {
	m.log.LogAttrs(ctx, slog.LevelWarn, "inbound message discarded",
		slog.Any("key", key),
		slog.Any("error", err),
	)
	m.emit(ErrorEvent{Key: key, Err: err})
}

func (m *Manager) emit(evt Event) {
	if !m.events.Push(evt) {
		m.log.LogAttrs(m.ctx, slog.LevelDebug, "event discarded after close", slog.Any("event", evt))
	}
}

// pump delivers queued events to the subscribers and the events channel.
func (m *Manager) pump() {
	defer close(m.pumpDone)
	defer close(m.evtCh)

	for {
		closed := m.events.Closed()
		evt, ok := m.events.Pop()
		if !ok {
			if closed {
				return
			}
			<-m.events.Ready()
			continue
		}

		for fn := range m.subs.All() {
			fn(evt)
		}
		if m.evtChOn.Load() {
			m.evtCh <- evt
		}
	}
}

// Serve reads inbound messages until the channel is closed or the context is done.
func (m *Manager) Serve(ctx context.Context, in <-chan InboundMessage) error {
	for {
		select {
		case <-ctx.Done():
			return errtrace.Wrap(ctx.Err())
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			m.HandleMessage(ctx, msg.Message, msg.Source)
		}
	}
}

// Events returns the channel of transaction events.
// Events are buffered in an unbounded queue, so transactions never wait for the reader,
// but once the channel is requested it must be drained until it is closed by [Manager.Close].
func (m *Manager) Events() <-chan Event {
	m.evtChOn.Store(true)
	return m.evtCh
}

// OnEvent registers a callback called for every event in emission order.
// Callbacks run on the event delivery goroutine and must not block.
// The returned function unregisters the callback.
func (m *Manager) OnEvent(fn func(Event)) (unbind func()) {
	return m.subs.Add(fn)
}

// Exists reports whether a live transaction with the key exists.
func (m *Manager) Exists(key TransactionKey) bool { return m.txs.Has(key) }

// State returns the current state of the transaction.
func (m *Manager) State(key TransactionKey) (TransactionState, error) {
	tx, ok := m.txs.Get(key)
	if !ok {
		return "", errtrace.Wrap(ErrTransactionNotFound)
	}
	return tx.State(), nil
}

// Kind returns the kind of the transaction.
func (m *Manager) Kind(key TransactionKey) (TransactionKind, error) {
	tx, ok := m.txs.Get(key)
	if !ok {
		return "", errtrace.Wrap(ErrTransactionNotFound)
	}
	return tx.Kind(), nil
}

// Snapshot returns a point in time view of the transaction.
func (m *Manager) Snapshot(key TransactionKey) (*TransactionSnapshot, error) {
	tx, ok := m.txs.Get(key)
	if !ok {
		return nil, errtrace.Wrap(ErrTransactionNotFound)
	}
	return tx.snapshot(), nil
}

// ActiveTransactions returns the keys of live client and server transactions.
func (m *Manager) ActiveTransactions() (client, server []TransactionKey) {
	keys := make([]TransactionKey, 0, m.txs.Size())
	for key := range m.txs.Items() {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b TransactionKey) int { return cmp.Compare(a.String(), b.String()) })

	client = lo.Filter(keys, func(k TransactionKey, _ int) bool { return k.Role == RoleClient })
	server = lo.Filter(keys, func(k TransactionKey, _ int) bool { return k.Role == RoleServer })
	return client, server
}

// Len returns the number of live transactions.
func (m *Manager) Len() int { return m.txs.Size() }

// FindInviteForCancel returns the key of the INVITE server transaction
// the CANCEL request is targeted to, matched by branch as described in RFC 3261 Section 9.2.
func (m *Manager) FindInviteForCancel(req *Request) (TransactionKey, bool) {
	if req == nil || !req.Method.Equal(RequestMethodCancel) {
		return TransactionKey{}, false
	}
	via, ok := req.TopVia()
	if !ok || via.Branch == "" {
		return TransactionKey{}, false
	}
	key := TransactionKey{Branch: via.Branch, Method: RequestMethodInvite, Role: RoleServer}
	if !m.txs.Has(key) {
		return TransactionKey{}, false
	}
	return key, true
}

// Close terminates all transactions, waits for their loops to finish and
// closes the event stream after every pending event is delivered.
// New requests are rejected with [ErrTransactionManagerClosed] once Close is called.
func (m *Manager) Close(ctx context.Context) error {
	m.closeMu.Lock()
	if m.closed {
		m.closeMu.Unlock()
		return nil
	}
	m.closed = true
	m.closeMu.Unlock()

	for _, tx := range m.txs.Items() {
		tx.post(cmdTerminate{})
	}

	var errs []error
	txsDone := make(chan struct{})
	go func() {
		m.txWg.Wait()
		close(txsDone)
	}()
	select {
	case <-txsDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait transactions: %w", ctx.Err()))
	}

	m.events.Close()
	select {
	case <-m.pumpDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait events delivery: %w", ctx.Err()))
	}

	m.cancel()
	m.log.LogAttrs(ctx, slog.LevelDebug, "transaction manager closed", slog.Int("pending", m.Len()))

	if err := errorutil.JoinPrefix("close transaction manager:", errs...); err != nil {
		return errtrace.Wrap(err)
	}
	return nil
}
