package sip

import (
	"context"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/siptx/internal/errorutil"
	"github.com/ghettovoice/siptx/internal/timeutil"
	"github.com/ghettovoice/siptx/internal/types"
)

// command is an entry of the transaction mailbox.
type command interface{ command() }

type cmdProcessMessage struct {
	msg     Message
	inbound bool
}

type cmdTimer struct {
	name TimerName
	seq  uint64
}

type cmdTransitionTo struct {
	state TransactionState
}

type cmdTransportError struct {
	err error
}

type cmdTerminate struct{}

func (cmdProcessMessage) command() {}
func (cmdTimer) command()          {}
func (cmdTransitionTo) command()   {}
func (cmdTransportError) command() {}
func (cmdTerminate) command()      {}

type transactionOptions struct {
	timings    TimingConfig
	log        *slog.Logger
	emit       func(*transaction, Event)
	disable100 bool
}

// transaction is a single transaction driven by its own loop.
// Everything besides the atomics, the mailbox and the timer snapshots is owned by the loop.
type transaction struct {
	key       TransactionKey
	logic     transactionLogic
	tp        Transport
	reliable  bool
	dst       netip.AddrPort
	req       *Request
	timings   TimingConfig
	log       *slog.Logger
	ctx       context.Context //nolint:containedctx
	emitFn    func(*transaction, Event)
	createdAt time.Time

	state   atomic.Value
	sm      *stateless.StateMachine
	timers  timerSet
	mbox    types.Queue[command]
	outbox  types.Queue[Message]
	lastRes atomic.Pointer[Response]
	retrans atomic.Uint32
}

func newTransaction(
	ctx context.Context,
	key TransactionKey,
	req *Request,
	tp Transport,
	dst netip.AddrPort,
	opts transactionOptions,
) *transaction {
	tx := &transaction{
		key:       key,
		logic:     newTransactionLogic(key.Kind(), opts),
		tp:        tp,
		reliable:  tp.Reliable(),
		dst:       dst,
		req:       req,
		timings:   opts.timings,
		log:       opts.log,
		ctx:       ctx,
		emitFn:    opts.emit,
		createdAt: time.Now(),
	}
	tx.state.Store(tx.logic.initialState())
	tx.sm = newStateMachine(key.Kind(), tx.State, func(s TransactionState) { tx.state.Store(s) })
	tx.timers.fire = func(name TimerName, seq uint64) {
		tx.mbox.Push(cmdTimer{name, seq})
	}
	return tx
}

// State returns the current state. Safe for concurrent use.
func (tx *transaction) State() TransactionState {
	s, _ := tx.state.Load().(TransactionState)
	return s
}

// Kind returns the kind of the transaction.
func (tx *transaction) Kind() TransactionKind { return tx.logic.kind() }

func (tx *transaction) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", tx.key),
		slog.String("kind", string(tx.Kind())),
		slog.String("state", string(tx.State())),
	)
}

// post puts the command to the end of the mailbox.
// It returns false if the transaction loop has already finished.
func (tx *transaction) post(cmd command) bool { return tx.mbox.Push(cmd) }

// run drives the transaction until it is terminated.
// It returns after the outbox is drained and the terminated event is emitted.
func (tx *transaction) run() {
	outDone := make(chan struct{})
	go tx.runOutbox(outDone)

	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "transaction started", slog.Any("transaction", tx))

	if err := tx.logic.onEnterState(tx, tx.State(), ""); err != nil {
		tx.emitError(err)
		tx.mbox.PushFront(cmdTransitionTo{TransactionStateTerminated})
	}

	for !tx.State().IsTerminal() {
		cmd, ok := tx.mbox.Pop()
		if !ok {
			<-tx.mbox.Ready()
			continue
		}
		tx.handle(cmd)
	}

	tx.mbox.Close()
	for _, name := range tx.timers.stopAll() {
		tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer stopped",
			slog.Any("transaction", tx),
			slog.String("timer", string(name)),
		)
	}
	var discarded int
	for _, cmd := range tx.mbox.Drain() {
		if c, ok := cmd.(cmdTransportError); ok {
			tx.emitTransportError(c.err)
			continue
		}
		discarded++
	}
	if discarded > 0 {
		tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "pending commands discarded",
			slog.Any("transaction", tx),
			slog.Int("count", discarded),
		)
	}

	tx.outbox.Close()
	<-outDone

	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx))
	tx.emit(TransactionTerminatedEvent{Key: tx.key})
}

// runOutbox sends queued messages in order until the outbox is closed and drained.
func (tx *transaction) runOutbox(done chan<- struct{}) {
	defer close(done)

	for {
		closed := tx.outbox.Closed()
		msg, ok := tx.outbox.Pop()
		if !ok {
			if closed {
				return
			}
			<-tx.outbox.Ready()
			continue
		}

		if err := tx.tp.Send(tx.ctx, msg, tx.dst); err != nil {
			tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "failed to send message",
				slog.Any("transaction", tx),
				slog.Any("message", msg),
				slog.Any("error", err),
			)
			err = errtrace.Wrap(err)
			if !tx.mbox.Push(cmdTransportError{err}) {
				// the loop is done, run waits for the outbox before the terminated event
				tx.emitTransportError(err)
			}
		}
	}
}

func (tx *transaction) handle(cmd command) {
	switch c := cmd.(type) {
	case cmdProcessMessage:
		next, err := tx.logic.processMessage(tx, c.msg, c.inbound, tx.State())
		if err != nil {
			tx.emitError(err)
		}
		if next != "" {
			tx.mbox.PushFront(cmdTransitionTo{next})
		}
	case cmdTimer:
		tmr, ok := tx.timers.take(c.name, c.seq)
		if !ok {
			return
		}

		tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer expired",
			slog.Any("transaction", tx),
			slog.String("timer", string(c.name)),
			slog.Duration("duration", tmr.Duration()),
		)

		next, err := tx.logic.handleTimer(tx, c.name, tx.State())
		if err != nil {
			tx.emitError(err)
		}
		if next != "" {
			tx.mbox.PushFront(cmdTransitionTo{next})
		}
	case cmdTransitionTo:
		tx.transitionTo(c.state)
	case cmdTransportError:
		tx.emitTransportError(c.err)
		tx.transitionTo(TransactionStateTerminated)
	case cmdTerminate:
		tx.transitionTo(TransactionStateTerminated)
	}
}

func (tx *transaction) transitionTo(to TransactionState) {
	from := tx.State()
	if from == to {
		return
	}

	if ok, err := tx.sm.CanFireCtx(tx.ctx, to); err != nil || !ok {
		err = errorutil.NewWrapperError(ErrInvalidTransition, "%s transaction: %s -> %s", tx.Kind(), from, to)
		tx.log.LogAttrs(tx.ctx, slog.LevelWarn, "transition rejected",
			slog.Any("transaction", tx),
			slog.String("to", string(to)),
			slog.Any("error", err),
		)
		tx.emitError(errtrace.Wrap(err))
		return
	}

	tx.logic.cancelTimers(tx)

	if err := tx.sm.FireCtx(tx.ctx, to); err != nil {
		tx.emitError(errtrace.Wrap(err))
		return
	}

	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "transaction state changed",
		slog.Any("transaction", tx),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	tx.emit(StateChangedEvent{Key: tx.key, Previous: from, Current: to})

	if err := tx.logic.onEnterState(tx, to, from); err != nil {
		tx.emitError(err)
		if !to.IsTerminal() {
			tx.mbox.PushFront(cmdTransitionTo{TransactionStateTerminated})
		}
	}
}

func (tx *transaction) emit(evt Event) {
	if tx.emitFn != nil {
		tx.emitFn(tx, evt)
	}
}

func (tx *transaction) emitError(err error) {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "transaction error",
		slog.Any("transaction", tx),
		slog.Any("error", err),
	)
	tx.emit(ErrorEvent{Key: tx.key, Err: err})
}

func (tx *transaction) emitTransportError(err error) {
	tx.log.LogAttrs(tx.ctx, slog.LevelWarn, "transport error",
		slog.Any("transaction", tx),
		slog.Any("error", err),
	)
	tx.emit(TransportErrorEvent{Key: tx.key, Err: err})
}

func (tx *transaction) emitTimeout(name TimerName) {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "transaction timed out",
		slog.Any("transaction", tx),
		slog.String("timer", string(name)),
	)
	tx.emit(TransactionTimeoutEvent{Key: tx.key, Timer: name})
}

func (tx *transaction) emitResponse(res *Response) {
	switch res.Class() {
	case ResponseClassProvisional:
		tx.emit(ProvisionalResponseEvent{Key: tx.key, Response: res})
	case ResponseClassSuccess:
		tx.emit(SuccessResponseEvent{Key: tx.key, Response: res})
	case ResponseClassFailure:
		tx.emit(FailureResponseEvent{Key: tx.key, Response: res})
	}
}

// send queues the message for sending, the loop never waits for the transport.
func (tx *transaction) send(msg Message) {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "send message",
		slog.Any("transaction", tx),
		slog.Any("message", msg),
	)
	tx.outbox.Push(msg)
}

func (tx *transaction) retransmit(msg Message) {
	tx.retrans.Add(1)
	tx.send(msg)
}

func (tx *transaction) lastResponse() *Response { return tx.lastRes.Load() }

func (tx *transaction) setLastResponse(res *Response) { tx.lastRes.Store(res) }

func (tx *transaction) startTimer(name TimerName, d time.Duration) {
	tmr := tx.timers.start(name, d)
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer started",
		slog.Any("transaction", tx),
		slog.String("timer", string(name)),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)
}

func (tx *transaction) stopTimers(names ...TimerName) {
	for _, name := range tx.timers.stop(names...) {
		tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer stopped",
			slog.Any("transaction", tx),
			slog.String("timer", string(name)),
		)
	}
}

// linger returns the wait duration of Timer D, I, J and K which is zero on reliable transports.
func (tx *transaction) linger(d time.Duration) time.Duration {
	if tx.reliable {
		return 0
	}
	return d
}

// TransactionSnapshot is a point in time view of a transaction.
type TransactionSnapshot struct {
	Key          TransactionKey
	Kind         TransactionKind
	State        TransactionState
	Destination  netip.AddrPort
	CreatedAt    time.Time
	Retransmits  uint32
	Request      *Request
	LastResponse *Response
	Timers       map[TimerName]*timeutil.TimerSnapshot
}

func (tx *transaction) snapshot() *TransactionSnapshot {
	return &TransactionSnapshot{
		Key:          tx.key,
		Kind:         tx.Kind(),
		State:        tx.State(),
		Destination:  tx.dst,
		CreatedAt:    tx.createdAt,
		Retransmits:  tx.retrans.Load(),
		Request:      tx.req,
		LastResponse: tx.lastResponse(),
		Timers:       tx.timers.snapshot(),
	}
}
