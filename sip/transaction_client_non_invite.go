package sip

import (
	"log/slog"
	"time"

	"braces.dev/errtrace"
)

var clientNonInviteTransitions = transitionTable{
	TransactionStateTrying: {
		TransactionStateProceeding,
		TransactionStateCompleted,
		TransactionStateTerminated,
	},
	TransactionStateProceeding: {
		TransactionStateCompleted,
		TransactionStateTerminated,
	},
	TransactionStateCompleted: {
		TransactionStateTerminated,
	},
}

// clientNonInviteLogic implements the non-INVITE client transaction of RFC 3261 Section 17.1.2.
type clientNonInviteLogic struct {
	intervalE time.Duration
	// deadline is the Timer F expiration, kept across Trying and Proceeding.
	deadline time.Time
}

func (*clientNonInviteLogic) kind() TransactionKind { return TransactionKindClientNonInvite }

func (*clientNonInviteLogic) initialState() TransactionState { return TransactionStateTrying }

func (l *clientNonInviteLogic) onEnterState(tx *transaction, state, _ TransactionState) error {
	switch state {
	case TransactionStateTrying:
		tx.send(tx.req)
		if !tx.reliable {
			l.intervalE = tx.timings.TimeE()
			tx.startTimer(TimerE, l.intervalE)
		}
		l.deadline = time.Now().Add(tx.timings.TimeF())
		tx.startTimer(TimerF, tx.timings.TimeF())
	case TransactionStateProceeding:
		if !tx.reliable {
			l.intervalE = tx.timings.T2()
			tx.startTimer(TimerE, l.intervalE)
		}
		tx.startTimer(TimerF, time.Until(l.deadline))
	case TransactionStateCompleted:
		tx.startTimer(TimerK, tx.linger(tx.timings.TimeK()))
	}
	return nil
}

func (l *clientNonInviteLogic) processMessage(
	tx *transaction,
	msg Message,
	inbound bool,
	state TransactionState,
) (TransactionState, error) {
	res, ok := msg.(*Response)
	if !ok || !inbound {
		return "", errtrace.Wrap(errUnexpectedMessage(l.kind(), state, msg))
	}

	switch state {
	case TransactionStateTrying, TransactionStateProceeding:
		tx.setLastResponse(res)
		tx.emitResponse(res)
		return responseTransition(l.kind(), state, res.Class()), nil
	case TransactionStateCompleted:
		tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "response retransmission absorbed",
			slog.Any("transaction", tx),
			slog.Any("response", res),
		)
	}
	return "", nil
}

func (l *clientNonInviteLogic) handleTimer(
	tx *transaction,
	name TimerName,
	state TransactionState,
) (TransactionState, error) {
	switch name {
	case TimerE:
		switch state {
		case TransactionStateTrying:
			tx.retransmit(tx.req)
			l.intervalE = tx.timings.backoff(l.intervalE)
			tx.startTimer(TimerE, l.intervalE)
		case TransactionStateProceeding:
			tx.retransmit(tx.req)
			tx.startTimer(TimerE, tx.timings.T2())
		}
	case TimerF:
		if state == TransactionStateTrying || state == TransactionStateProceeding {
			tx.emitTimeout(TimerF)
			return TransactionStateTerminated, nil
		}
	case TimerK:
		if state == TransactionStateCompleted {
			return TransactionStateTerminated, nil
		}
	}
	return "", nil
}

func (*clientNonInviteLogic) cancelTimers(tx *transaction) {
	tx.stopTimers(TimerE, TimerF, TimerK)
}
