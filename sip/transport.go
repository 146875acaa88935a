package sip

import (
	"context"
	"log/slog"
	"net/netip"
)

// Transport sends messages on behalf of transactions.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Send sends the message to the destination.
	// It may block until the message is written, transactions call it outside of their loops.
	Send(ctx context.Context, msg Message, dst netip.AddrPort) error
	// Reliable reports whether the transport guarantees delivery, like TCP or TLS.
	// Retransmit timers are not started on reliable transports.
	Reliable() bool
}

// InboundMessage is a message received by the transport.
type InboundMessage struct {
	Message Message
	Source  netip.AddrPort
}

func (m InboundMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("message", m.Message),
		slog.String("source", m.Source.String()),
	)
}
