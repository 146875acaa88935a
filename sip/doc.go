// Package sip implements the SIP transaction layer described in RFC 3261 Section 17.
//
// A [Manager] owns the registry of live transactions. Client transactions are created
// with [Manager.SendRequest], server transactions are spawned by inbound requests passed
// to [Manager.HandleMessage] or [Manager.Serve]. Every transaction runs its own loop that
// drains a private mailbox, so the state of one transaction is only ever touched from
// its own goroutine. Transaction users observe the progress through the event stream
// returned by [Manager.Events] or through callbacks registered with [Manager.OnEvent].
//
// Message parsing and network transports are outside of this package.
// Messages are consumed as [*Request] and [*Response] values and sent through
// a [Transport] implementation supplied by the caller.
package sip

//go:generate go tool errtrace -w .
