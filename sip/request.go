package sip

import (
	"log/slog"
	"slices"
	"strings"

	"braces.dev/errtrace"
)

// Request is a SIP request.
type Request struct {
	Method RequestMethod
	URI    string
	MessageHeader
	Body []byte
}

// NewRequest creates a request with the mandatory header fields filled.
// The Via branch is left empty, [Manager.SendRequest] generates it.
func NewRequest(method RequestMethod, uri string, hdr MessageHeader) *Request {
	method = method.ToUpper()
	if hdr.CSeq.Method == "" {
		hdr.CSeq.Method = method
	}
	if hdr.CSeq.SeqNum == 0 {
		hdr.CSeq.SeqNum = 1
	}
	if hdr.MaxForwards == 0 {
		hdr.MaxForwards = 70
	}
	return &Request{
		Method:        method,
		URI:           uri,
		MessageHeader: hdr,
	}
}

// Validate checks that the request carries every field the transaction layer relies on.
func (r *Request) Validate() error {
	if r == nil {
		return errtrace.Wrap(newInvalidMessageError("nil request"))
	}
	if !r.Method.IsValid() {
		return errtrace.Wrap(newInvalidMessageError("invalid method %q", r.Method))
	}
	if r.URI == "" {
		return errtrace.Wrap(newInvalidMessageError("empty Request-URI"))
	}
	if err := r.MessageHeader.validate(); err != nil {
		return errtrace.Wrap(err)
	}
	if !r.CSeq.Method.Equal(r.Method) {
		return errtrace.Wrap(newInvalidMessageError("CSeq method %q does not match %q", r.CSeq.Method, r.Method))
	}
	return nil
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() Message {
	if r == nil {
		return (*Request)(nil)
	}
	return r.clone()
}

func (r *Request) clone() *Request {
	c := *r
	c.MessageHeader = r.MessageHeader.clone()
	c.Body = slices.Clone(r.Body)
	return &c
}

// NewResponse creates a response to the request as a UAS would do per RFC 3261 Section 8.2.6.
// Empty reason is replaced with the default reason phrase of the status.
func (r *Request) NewResponse(status ResponseStatus, reason string) *Response {
	if reason == "" {
		reason = status.Reason()
	}
	hdr := r.MessageHeader.clone()
	hdr.MaxForwards = 0
	hdr.Extra = nil
	return &Response{
		Status:        status,
		Reason:        reason,
		MessageHeader: hdr,
	}
}

// newAck builds the ACK for a non-2xx final response as described in RFC 3261 Section 17.1.1.3.
func (r *Request) newAck(res *Response) *Request {
	hdr := MessageHeader{
		From:        r.From,
		To:          res.To,
		CallID:      r.CallID,
		CSeq:        CSeq{SeqNum: r.CSeq.SeqNum, Method: RequestMethodAck},
		MaxForwards: 70,
	}
	if via, ok := r.TopVia(); ok {
		hdr.Via = []ViaHop{via.clone()}
	}
	// ACK must carry the same Route set as the original request.
	if route, ok := r.Extra["Route"]; ok {
		hdr.Extra = map[string][]string{"Route": slices.Clone(route)}
	}
	return &Request{
		Method:        RequestMethodAck,
		URI:           r.URI,
		MessageHeader: hdr,
	}
}

// newCancel builds the CANCEL for the request as described in RFC 3261 Section 9.1.
// It shares the Request-URI, Call-ID, From, To, CSeq number and the top Via with the request,
// so the CANCEL gets the same branch.
func (r *Request) newCancel() *Request {
	hdr := MessageHeader{
		From:        r.From,
		To:          r.To,
		CallID:      r.CallID,
		CSeq:        CSeq{SeqNum: r.CSeq.SeqNum, Method: RequestMethodCancel},
		MaxForwards: 70,
	}
	if via, ok := r.TopVia(); ok {
		hdr.Via = []ViaHop{via.clone()}
	}
	if route, ok := r.Extra["Route"]; ok {
		hdr.Extra = map[string][]string{"Route": slices.Clone(route)}
	}
	return &Request{
		Method:        RequestMethodCancel,
		URI:           r.URI,
		MessageHeader: hdr,
	}
}

// NewAckFor2xx builds the ACK for a 2xx response to the INVITE request.
// Such ACK is a separate transaction (RFC 3261 Section 13.2.2.4), so the top Via gets
// a new branch and the ACK is sent by the transaction user, not by a [Manager].
// The Request-URI is taken from the response Contact if present.
func (r *Request) NewAckFor2xx(res *Response) *Request {
	ack := r.newAck(res)
	if len(ack.Via) > 0 {
		ack.Via[0].Branch = GenerateBranch()
	}
	if contact, ok := res.Get("Contact"); ok {
		if uri := contactURI(contact); uri != "" {
			ack.URI = uri
		}
	}
	return ack
}

// contactURI extracts the URI from a Contact header value like `"Bob" <sip:bob@host>;expires=60`.
func contactURI(v string) string {
	if i := strings.IndexByte(v, '<'); i >= 0 {
		if j := strings.IndexByte(v[i:], '>'); j > 0 {
			return strings.TrimSpace(v[i+1 : i+j])
		}
		return ""
	}
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

func (r *Request) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	attrs := make([]slog.Attr, 0, 5)
	attrs = append(attrs, slog.String("method", string(r.Method)), slog.String("uri", r.URI))
	attrs = append(attrs, r.logAttrs()...)
	return slog.GroupValue(attrs...)
}
