package sip

import (
	"log/slog"
	"slices"

	"braces.dev/errtrace"
)

// Response is a SIP response.
type Response struct {
	Status ResponseStatus
	Reason string
	MessageHeader
	Body []byte
}

// Validate checks that the response carries every field the transaction layer relies on.
func (r *Response) Validate() error {
	if r == nil {
		return errtrace.Wrap(newInvalidMessageError("nil response"))
	}
	if !r.Status.IsValid() {
		return errtrace.Wrap(newInvalidMessageError("invalid status %d", r.Status))
	}
	return errtrace.Wrap(r.MessageHeader.validate())
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() Message {
	if r == nil {
		return (*Response)(nil)
	}
	return r.clone()
}

func (r *Response) clone() *Response {
	c := *r
	c.MessageHeader = r.MessageHeader.clone()
	c.Body = slices.Clone(r.Body)
	return &c
}

// Class returns the response class of the status.
func (r *Response) Class() ResponseClass { return r.Status.Class() }

func (r *Response) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	attrs := make([]slog.Attr, 0, 5)
	attrs = append(attrs, slog.Int("status", int(r.Status)), slog.String("reason", r.Reason))
	attrs = append(attrs, r.logAttrs()...)
	return slog.GroupValue(attrs...)
}
