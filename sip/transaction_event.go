package sip

import (
	"log/slog"
	"net/netip"

	"github.com/ghettovoice/siptx/internal/errorutil"
)

// Event is emitted by the transaction layer to the transaction user.
type Event interface {
	slog.LogValuer
	// TransactionKey returns the key of the transaction the event belongs to.
	// It is zero for events not bound to any transaction.
	TransactionKey() TransactionKey
}

// StateChangedEvent is emitted after every state transition.
type StateChangedEvent struct {
	Key      TransactionKey
	Previous TransactionState
	Current  TransactionState
}

func (e StateChangedEvent) TransactionKey() TransactionKey { return e.Key }

func (e StateChangedEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", "state_changed"),
		slog.Any("key", e.Key),
		slog.String("previous", string(e.Previous)),
		slog.String("current", string(e.Current)),
	)
}

// ProvisionalResponseEvent carries a 1xx response received by a client transaction.
type ProvisionalResponseEvent struct {
	Key      TransactionKey
	Response *Response
}

func (e ProvisionalResponseEvent) TransactionKey() TransactionKey { return e.Key }

func (e ProvisionalResponseEvent) LogValue() slog.Value {
	return responseEventValue("provisional_response", e.Key, e.Response)
}

// SuccessResponseEvent carries a 2xx response received by a client transaction.
type SuccessResponseEvent struct {
	Key      TransactionKey
	Response *Response
}

func (e SuccessResponseEvent) TransactionKey() TransactionKey { return e.Key }

func (e SuccessResponseEvent) LogValue() slog.Value {
	return responseEventValue("success_response", e.Key, e.Response)
}

// FailureResponseEvent carries a 3xx-6xx response received by a client transaction.
type FailureResponseEvent struct {
	Key      TransactionKey
	Response *Response
}

func (e FailureResponseEvent) TransactionKey() TransactionKey { return e.Key }

func (e FailureResponseEvent) LogValue() slog.Value {
	return responseEventValue("failure_response", e.Key, e.Response)
}

func responseEventValue(typ string, key TransactionKey, res *Response) slog.Value {
	return slog.GroupValue(
		slog.String("type", typ),
		slog.Any("key", key),
		slog.Any("response", res),
	)
}

// TransportErrorEvent is emitted when the transport failed to send a message.
// The transaction is terminated right after.
type TransportErrorEvent struct {
	Key TransactionKey
	Err error
}

func (e TransportErrorEvent) TransactionKey() TransactionKey { return e.Key }

func (e TransportErrorEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", "transport_error"),
		slog.Any("key", e.Key),
		slog.Any("error", e.Err),
	)
}

// TransactionTimeoutEvent is emitted when a terminal timer expired.
// The transaction is terminated right after.
type TransactionTimeoutEvent struct {
	Key   TransactionKey
	Timer TimerName
}

func (e TransactionTimeoutEvent) TransactionKey() TransactionKey { return e.Key }

func (e TransactionTimeoutEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", "transaction_timeout"),
		slog.Any("key", e.Key),
		slog.String("timer", string(e.Timer)),
	)
}

// TransactionTerminatedEvent is the last event of every transaction.
// The key is already removed from the registry when the event is delivered.
type TransactionTerminatedEvent struct {
	Key TransactionKey
}

func (e TransactionTerminatedEvent) TransactionKey() TransactionKey { return e.Key }

func (e TransactionTerminatedEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", "transaction_terminated"),
		slog.Any("key", e.Key),
	)
}

// ErrorEvent reports a protocol or logic error.
// The transaction, if any, stays in its current state.
type ErrorEvent struct {
	Key TransactionKey
	Err error
}

func (e ErrorEvent) TransactionKey() TransactionKey { return e.Key }

// Message returns the error text.
func (e ErrorEvent) Message() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e ErrorEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", "error"),
		slog.Any("key", e.Key),
		slog.Any("error", e.Err),
	)
}

// RequestEvent is emitted when an inbound request created a new server transaction.
// For CANCEL requests InviteKey holds the key of the matched INVITE server transaction.
type RequestEvent struct {
	Key       TransactionKey
	Request   *Request
	Source    netip.AddrPort
	InviteKey TransactionKey
}

func (e RequestEvent) TransactionKey() TransactionKey { return e.Key }

func (e RequestEvent) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("type", "request"),
		slog.Any("key", e.Key),
		slog.Any("request", e.Request),
		slog.String("source", e.Source.String()),
	}
	if !e.InviteKey.IsZero() {
		attrs = append(attrs, slog.Any("invite_key", e.InviteKey))
	}
	return slog.GroupValue(attrs...)
}

// UnmatchedMessageEvent passes through an inbound message that matched no transaction
// and does not create one: responses after the client transaction ended
// and ACKs for 2xx responses.
type UnmatchedMessageEvent struct {
	Message Message
	Source  netip.AddrPort
}

func (e UnmatchedMessageEvent) TransactionKey() TransactionKey { return TransactionKey{} }

func (e UnmatchedMessageEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", "unmatched_message"),
		slog.Any("message", e.Message),
		slog.String("source", e.Source.String()),
	)
}

// Err returns [ErrTransactionTimedOut] annotated with the timer name.
func (e TransactionTimeoutEvent) Err() error {
	return errorutil.NewWrapperError(ErrTransactionTimedOut, "timer %s expired", e.Timer) //errtrace:skip
}
