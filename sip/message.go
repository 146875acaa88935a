package sip

import (
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/ghettovoice/siptx/internal/errorutil"
	"github.com/ghettovoice/siptx/internal/util"
)

// Message is a SIP request or response as seen by the transaction layer.
// Parsing and serialization are done elsewhere; the transaction layer
// only needs the header fields used for matching.
type Message interface {
	slog.LogValuer
	// Header returns the header fields shared by requests and responses.
	Header() *MessageHeader
	// TopVia returns the topmost Via hop.
	TopVia() (ViaHop, bool)
	// Validate checks that the message carries every field the transaction layer relies on.
	Validate() error
	// Clone returns a deep copy of the message.
	Clone() Message
}

// RequestMethod is a SIP request method.
type RequestMethod string

// Request methods.
const (
	RequestMethodAck       RequestMethod = "ACK"
	RequestMethodBye       RequestMethod = "BYE"
	RequestMethodCancel    RequestMethod = "CANCEL"
	RequestMethodInfo      RequestMethod = "INFO"
	RequestMethodInvite    RequestMethod = "INVITE"
	RequestMethodMessage   RequestMethod = "MESSAGE"
	RequestMethodNotify    RequestMethod = "NOTIFY"
	RequestMethodOptions   RequestMethod = "OPTIONS"
	RequestMethodPrack     RequestMethod = "PRACK"
	RequestMethodPublish   RequestMethod = "PUBLISH"
	RequestMethodRefer     RequestMethod = "REFER"
	RequestMethodRegister  RequestMethod = "REGISTER"
	RequestMethodSubscribe RequestMethod = "SUBSCRIBE"
	RequestMethodUpdate    RequestMethod = "UPDATE"
)

// Equal compares methods case-insensitively.
func (m RequestMethod) Equal(v RequestMethod) bool { return util.EqFold(m, v) }

// ToUpper returns the canonical upper case form of the method.
func (m RequestMethod) ToUpper() RequestMethod { return util.UCase(m) }

// IsValid reports whether the method is a non-empty RFC 3261 token.
func (m RequestMethod) IsValid() bool {
	if m == "" {
		return false
	}
	for _, c := range []byte(m) {
		if !isTokenChar(c) {
			return false
		}
	}
	return true
}

func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	default:
		return strings.IndexByte("-.!%*_+`'~", c) >= 0
	}
}

// ResponseStatus is a SIP response status code.
type ResponseStatus uint16

// Response statuses used by the transaction layer and its tests.
const (
	ResponseStatusTrying              ResponseStatus = 100
	ResponseStatusRinging             ResponseStatus = 180
	ResponseStatusSessionProgress     ResponseStatus = 183
	ResponseStatusOK                  ResponseStatus = 200
	ResponseStatusAccepted            ResponseStatus = 202
	ResponseStatusMultipleChoices     ResponseStatus = 300
	ResponseStatusMovedTemporarily    ResponseStatus = 302
	ResponseStatusBadRequest          ResponseStatus = 400
	ResponseStatusUnauthorized        ResponseStatus = 401
	ResponseStatusNotFound            ResponseStatus = 404
	ResponseStatusRequestTimeout      ResponseStatus = 408
	ResponseStatusBusyHere            ResponseStatus = 486
	ResponseStatusRequestTerminated   ResponseStatus = 487
	ResponseStatusServerInternalError ResponseStatus = 500
	ResponseStatusServiceUnavailable  ResponseStatus = 503
	ResponseStatusDecline             ResponseStatus = 603
)

var reasonPhrases = map[ResponseStatus]string{
	ResponseStatusTrying:              "Trying",
	ResponseStatusRinging:             "Ringing",
	ResponseStatusSessionProgress:     "Session Progress",
	ResponseStatusOK:                  "OK",
	ResponseStatusAccepted:            "Accepted",
	ResponseStatusMultipleChoices:     "Multiple Choices",
	ResponseStatusMovedTemporarily:    "Moved Temporarily",
	ResponseStatusBadRequest:          "Bad Request",
	ResponseStatusUnauthorized:        "Unauthorized",
	ResponseStatusNotFound:            "Not Found",
	ResponseStatusRequestTimeout:      "Request Timeout",
	ResponseStatusBusyHere:            "Busy Here",
	ResponseStatusRequestTerminated:   "Request Terminated",
	ResponseStatusServerInternalError: "Server Internal Error",
	ResponseStatusServiceUnavailable:  "Service Unavailable",
	ResponseStatusDecline:             "Decline",
}

// IsValid reports whether the status is within 100-699.
func (s ResponseStatus) IsValid() bool { return s >= 100 && s <= 699 }

// Reason returns the default reason phrase of the status.
func (s ResponseStatus) Reason() string {
	if r, ok := reasonPhrases[s]; ok {
		return r
	}
	return "Unknown"
}

// Class returns the response class of the status.
func (s ResponseStatus) Class() ResponseClass {
	switch {
	case s >= 100 && s < 200:
		return ResponseClassProvisional
	case s >= 200 && s < 300:
		return ResponseClassSuccess
	case s >= 300 && s < 700:
		return ResponseClassFailure
	default:
		return ResponseClassUnknown
	}
}

// ResponseClass groups response statuses by the way transactions react on them.
type ResponseClass uint8

const (
	ResponseClassUnknown ResponseClass = iota
	// ResponseClassProvisional is 1xx.
	ResponseClassProvisional
	// ResponseClassSuccess is 2xx.
	ResponseClassSuccess
	// ResponseClassFailure is 3xx-6xx.
	ResponseClassFailure
)

func (c ResponseClass) String() string {
	switch c {
	case ResponseClassProvisional:
		return "provisional"
	case ResponseClassSuccess:
		return "success"
	case ResponseClassFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// ViaHop is a single Via header value.
type ViaHop struct {
	// Proto is the protocol name and version, "SIP/2.0" when empty.
	Proto string
	// Transport is the transport name, e.g. "UDP".
	Transport string
	// SentBy is the host and optional port the request was sent by.
	SentBy string
	// Branch is the branch parameter.
	Branch string
	// Params holds other Via parameters.
	Params map[string]string
}

// IsRFC3261 reports whether the branch starts with [MagicCookie].
func (v ViaHop) IsRFC3261() bool { return IsRFC3261Branch(v.Branch) }

func (v ViaHop) String() string {
	if v.SentBy == "" {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	proto := v.Proto
	if proto == "" {
		proto = "SIP/2.0"
	}
	sb.WriteString(proto)
	sb.WriteByte('/')
	sb.WriteString(util.UCase(v.Transport))
	sb.WriteByte(' ')
	sb.WriteString(v.SentBy)
	if v.Branch != "" {
		sb.WriteString(";branch=")
		sb.WriteString(v.Branch)
	}
	for _, k := range slices.Sorted(maps.Keys(v.Params)) {
		sb.WriteByte(';')
		sb.WriteString(k)
		if val := v.Params[k]; val != "" {
			sb.WriteByte('=')
			sb.WriteString(val)
		}
	}
	return sb.String()
}

func (v ViaHop) clone() ViaHop {
	v.Params = maps.Clone(v.Params)
	return v
}

// NameAddr is a From or To header value.
type NameAddr struct {
	DisplayName string
	URI         string
	Tag         string
}

func (a NameAddr) String() string {
	if a.URI == "" {
		return ""
	}
	s := "<" + a.URI + ">"
	if a.DisplayName != "" {
		s = strconv.Quote(a.DisplayName) + " " + s
	}
	if a.Tag != "" {
		s += ";tag=" + a.Tag
	}
	return s
}

// CSeq is a CSeq header value.
type CSeq struct {
	SeqNum uint32
	Method RequestMethod
}

func (c CSeq) String() string {
	return strconv.FormatUint(uint64(c.SeqNum), 10) + " " + string(c.Method)
}

// MessageHeader holds the header fields shared by requests and responses.
type MessageHeader struct {
	Via         []ViaHop
	From        NameAddr
	To          NameAddr
	CallID      string
	CSeq        CSeq
	MaxForwards uint8
	// Extra holds all other header fields keyed by canonical name.
	Extra map[string][]string
}

// Header returns the header itself, so the type satisfies [Message] when embedded.
func (h *MessageHeader) Header() *MessageHeader { return h }

// TopVia returns the topmost Via hop.
func (h *MessageHeader) TopVia() (ViaHop, bool) {
	if h == nil || len(h.Via) == 0 {
		return ViaHop{}, false
	}
	return h.Via[0], true
}

// Get returns the first value of the extra header field.
func (h *MessageHeader) Get(name string) (string, bool) {
	if h == nil {
		return "", false
	}
	for k, vals := range h.Extra {
		if util.EqFold(k, name) && len(vals) > 0 {
			return vals[0], true
		}
	}
	return "", false
}

// Add appends a value to the extra header field.
func (h *MessageHeader) Add(name, value string) {
	if h.Extra == nil {
		h.Extra = make(map[string][]string)
	}
	for k := range h.Extra {
		if util.EqFold(k, name) {
			h.Extra[k] = append(h.Extra[k], value)
			return
		}
	}
	h.Extra[name] = []string{value}
}

func (h *MessageHeader) validate() error {
	var missing []string
	if len(h.Via) == 0 || h.Via[0].SentBy == "" {
		missing = append(missing, "Via")
	}
	if h.From.URI == "" {
		missing = append(missing, "From")
	}
	if h.To.URI == "" {
		missing = append(missing, "To")
	}
	if h.CallID == "" {
		missing = append(missing, "Call-ID")
	}
	if !h.CSeq.Method.IsValid() {
		missing = append(missing, "CSeq")
	}
	if len(missing) > 0 {
		return newInvalidMessageError(errorutil.NewWrapperError(errMissHdrs, strings.Join(missing, ", ")))
	}
	return nil
}

func (h *MessageHeader) clone() MessageHeader {
	c := *h
	c.Via = make([]ViaHop, len(h.Via))
	for i := range h.Via {
		c.Via[i] = h.Via[i].clone()
	}
	if h.Extra != nil {
		c.Extra = make(map[string][]string, len(h.Extra))
		for k, v := range h.Extra {
			c.Extra[k] = slices.Clone(v)
		}
	}
	return c
}

func (h *MessageHeader) logAttrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, 3)
	if via, ok := h.TopVia(); ok {
		attrs = append(attrs, slog.String("via", via.String()))
	}
	attrs = append(attrs,
		slog.String("call_id", h.CallID),
		slog.String("cseq", h.CSeq.String()),
	)
	return attrs
}
