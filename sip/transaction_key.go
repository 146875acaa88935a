package sip

import (
	"log/slog"

	"braces.dev/errtrace"
)

// TransactionRole tells whether the transaction was created by the local side (client)
// or by an inbound request (server).
type TransactionRole uint8

const (
	RoleClient TransactionRole = iota + 1
	RoleServer
)

func (r TransactionRole) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

// TransactionKey identifies a transaction.
// Two requests with the same key belong to the same transaction,
// the later one is a retransmission.
type TransactionKey struct {
	Branch string
	Method RequestMethod
	Role   TransactionRole
}

// IsValid reports whether all key fields are set.
func (k TransactionKey) IsValid() bool {
	return k.Branch != "" && k.Method.IsValid() && (k.Role == RoleClient || k.Role == RoleServer)
}

// IsZero reports whether the key is the zero value.
func (k TransactionKey) IsZero() bool { return k == TransactionKey{} }

func (k TransactionKey) String() string {
	if k.IsZero() {
		return ""
	}
	return k.Role.String() + ":" + string(k.Method) + ":" + k.Branch
}

func (k TransactionKey) LogValue() slog.Value {
	if k.IsZero() {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("role", k.Role.String()),
		slog.String("method", string(k.Method)),
		slog.String("branch", k.Branch),
	)
}

// Kind returns the kind of transaction the key belongs to.
func (k TransactionKey) Kind() TransactionKind { return kindOf(k.Method, k.Role) }

// ClientKey derives the client transaction key of the outbound request.
func ClientKey(req *Request) (TransactionKey, error) {
	return errtrace.Wrap2(requestKey(req, RoleClient))
}

// ServerKey derives the server transaction key of the inbound request.
// ACK matches the INVITE server transaction it acknowledges.
func ServerKey(req *Request) (TransactionKey, error) {
	key, err := requestKey(req, RoleServer)
	if err != nil {
		return TransactionKey{}, errtrace.Wrap(err)
	}
	if key.Method == RequestMethodAck {
		key.Method = RequestMethodInvite
	}
	return key, nil
}

func requestKey(req *Request, role TransactionRole) (TransactionKey, error) {
	if req == nil {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("nil request"))
	}
	via, ok := req.TopVia()
	if !ok {
		return TransactionKey{}, errtrace.Wrap(newInvalidMessageError("missing Via header"))
	}
	if via.Branch == "" {
		return TransactionKey{}, errtrace.Wrap(newInvalidMessageError("missing Via branch"))
	}
	if !req.Method.IsValid() {
		return TransactionKey{}, errtrace.Wrap(newInvalidMessageError("invalid method %q", req.Method))
	}
	return TransactionKey{
		Branch: via.Branch,
		Method: req.Method.ToUpper(),
		Role:   role,
	}, nil
}

// ResponseKey derives the key of the client transaction the inbound response belongs to.
// The method is taken from the CSeq header.
func ResponseKey(res *Response) (TransactionKey, error) {
	if res == nil {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("nil response"))
	}
	via, ok := res.TopVia()
	if !ok {
		return TransactionKey{}, errtrace.Wrap(newInvalidMessageError("missing Via header"))
	}
	if via.Branch == "" {
		return TransactionKey{}, errtrace.Wrap(newInvalidMessageError("missing Via branch"))
	}
	if !res.CSeq.Method.IsValid() {
		return TransactionKey{}, errtrace.Wrap(newInvalidMessageError("invalid CSeq method %q", res.CSeq.Method))
	}
	return TransactionKey{
		Branch: via.Branch,
		Method: res.CSeq.Method.ToUpper(),
		Role:   RoleClient,
	}, nil
}

// MessageKey derives the key of the transaction the inbound message is matched to.
func MessageKey(msg Message) (TransactionKey, error) {
	switch m := msg.(type) {
	case *Request:
		return errtrace.Wrap2(ServerKey(m))
	case *Response:
		return errtrace.Wrap2(ResponseKey(m))
	default:
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("unexpected message type %T", msg))
	}
}
