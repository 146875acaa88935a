package sip_test

import (
	"errors"
	"testing"

	"github.com/ghettovoice/siptx/sip"
)

func TestClientKey(t *testing.T) {
	t.Parallel()

	req := newReq(t, "invite", "z9hG4bK.1")
	got, err := sip.ClientKey(req)
	if err != nil {
		t.Fatalf("sip.ClientKey() error = %v, want nil", err)
	}
	want := sip.TransactionKey{Branch: "z9hG4bK.1", Method: sip.RequestMethodInvite, Role: sip.RoleClient}
	if got != want {
		t.Errorf("sip.ClientKey() = %v, want %v", got, want)
	}
	if got.Kind() != sip.TransactionKindClientInvite {
		t.Errorf("key.Kind() = %q, want %q", got.Kind(), sip.TransactionKindClientInvite)
	}
	if s := got.String(); s != "client:INVITE:z9hG4bK.1" {
		t.Errorf("key.String() = %q, want %q", s, "client:INVITE:z9hG4bK.1")
	}
}

func TestServerKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		method sip.RequestMethod
		want   sip.TransactionKey
	}{
		{"invite", sip.RequestMethodInvite, sip.TransactionKey{Branch: "z9hG4bK.2", Method: sip.RequestMethodInvite, Role: sip.RoleServer}},
		{"ack matches invite", sip.RequestMethodAck, sip.TransactionKey{Branch: "z9hG4bK.2", Method: sip.RequestMethodInvite, Role: sip.RoleServer}},
		{"cancel", sip.RequestMethodCancel, sip.TransactionKey{Branch: "z9hG4bK.2", Method: sip.RequestMethodCancel, Role: sip.RoleServer}},
		{"options", sip.RequestMethodOptions, sip.TransactionKey{Branch: "z9hG4bK.2", Method: sip.RequestMethodOptions, Role: sip.RoleServer}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			got, err := sip.ServerKey(newReq(t, c.method, "z9hG4bK.2"))
			if err != nil {
				t.Fatalf("sip.ServerKey() error = %v, want nil", err)
			}
			if got != c.want {
				t.Errorf("sip.ServerKey() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestResponseKey(t *testing.T) {
	t.Parallel()

	req := newReq(t, sip.RequestMethodBye, "z9hG4bK.3")
	got, err := sip.MessageKey(newRes(t, req, sip.ResponseStatusOK))
	if err != nil {
		t.Fatalf("sip.MessageKey() error = %v, want nil", err)
	}
	want := sip.TransactionKey{Branch: "z9hG4bK.3", Method: sip.RequestMethodBye, Role: sip.RoleClient}
	if got != want {
		t.Errorf("sip.MessageKey() = %v, want %v", got, want)
	}
}

func TestMessageKey_Invalid(t *testing.T) {
	t.Parallel()

	noBranch := newReq(t, sip.RequestMethodInvite, "")
	noVia := newReq(t, sip.RequestMethodInvite, "z9hG4bK.4")
	noVia.Via = nil

	for name, msg := range map[string]sip.Message{
		"no branch": noBranch,
		"no via":    noVia,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if _, err := sip.MessageKey(msg); !errors.Is(err, sip.ErrInvalidMessage) {
				t.Errorf("sip.MessageKey() error = %v, want %v", err, sip.ErrInvalidMessage)
			}
		})
	}

	if _, err := sip.MessageKey(nil); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Errorf("sip.MessageKey(nil) error = %v, want %v", err, sip.ErrInvalidArgument)
	}
}

func TestTransactionKey_IsValid(t *testing.T) {
	t.Parallel()

	if (sip.TransactionKey{}).IsValid() {
		t.Errorf("zero key IsValid() = true, want false")
	}
	if !(sip.TransactionKey{}).IsZero() {
		t.Errorf("zero key IsZero() = false, want true")
	}
	key := sip.TransactionKey{Branch: "z9hG4bK.5", Method: sip.RequestMethodRegister, Role: sip.RoleServer}
	if !key.IsValid() {
		t.Errorf("%v IsValid() = false, want true", key)
	}
	if key.Kind() != sip.TransactionKindServerNonInvite {
		t.Errorf("%v Kind() = %q, want %q", key, key.Kind(), sip.TransactionKindServerNonInvite)
	}
}
