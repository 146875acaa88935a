package sip

import (
	"log/slog"
	"time"

	"braces.dev/errtrace"
)

var clientInviteTransitions = transitionTable{
	TransactionStateCalling: {
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

// clientInviteLogic implements the INVITE client transaction of RFC 3261 Section 17.1.1.
// A 2xx response terminates the transaction right away, the ACK for it is sent by the TU.
type clientInviteLogic struct {
	// intervalA is the current Timer A interval.
	intervalA time.Duration
	// ack is the ACK for the failure response, reused on its retransmissions.
	ack *Request
}

func (*clientInviteLogic) kind() TransactionKind { return TransactionKindClientInvite }

func (*clientInviteLogic) initialState() TransactionState { return TransactionStateCalling }

func (l *clientInviteLogic) onEnterState(tx *transaction, state, _ TransactionState) error {
	switch state {
	case TransactionStateCalling:
		tx.send(tx.req)
		if !tx.reliable {
			l.intervalA = tx.timings.TimeA()
			tx.startTimer(TimerA, l.intervalA)
		}
		tx.startTimer(TimerB, tx.timings.TimeB())
	case TransactionStateProceeding:
		tx.startTimer(TimerStale, tx.timings.TimeStale())
	case TransactionStateCompleted:
		res := tx.lastResponse()
		if res == nil {
			return errtrace.Wrap(NewInvalidArgumentError("completed without final response"))
		}
		l.ack = tx.req.newAck(res)
		tx.send(l.ack)
		tx.startTimer(TimerD, tx.linger(tx.timings.TimeD()))
	}
	return nil
}

func (l *clientInviteLogic) processMessage(
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
	case TransactionStateCalling, TransactionStateProceeding:
		tx.setLastResponse(res)
		tx.emitResponse(res)
		return responseTransition(l.kind(), state, res.Class()), nil
	case TransactionStateCompleted:
		// retransmitted failure responses are answered with the same ACK
		if res.Class() == ResponseClassFailure && l.ack != nil {
			tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "response retransmission absorbed",
				slog.Any("transaction", tx),
				slog.Any("response", res),
			)
			tx.retransmit(l.ack)
		}
	}
	return "", nil
}

func (l *clientInviteLogic) handleTimer(
	tx *transaction,
	name TimerName,
	state TransactionState,
) (TransactionState, error) {
	switch name {
	case TimerA:
		if state == TransactionStateCalling {
			tx.retransmit(tx.req)
			l.intervalA = tx.timings.backoff(l.intervalA)
			tx.startTimer(TimerA, l.intervalA)
		}
	case TimerB:
		if state == TransactionStateCalling {
			tx.emitTimeout(TimerB)
			return TransactionStateTerminated, nil
		}
	case TimerD:
		if state == TransactionStateCompleted {
			return TransactionStateTerminated, nil
		}
	case TimerStale:
		if state == TransactionStateProceeding {
			tx.emitTimeout(TimerStale)
			return TransactionStateTerminated, nil
		}
	}
	return "", nil
}

func (*clientInviteLogic) cancelTimers(tx *transaction) {
	tx.stopTimers(TimerA, TimerB, TimerD, TimerStale)
}
