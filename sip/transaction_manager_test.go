package sip_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/mock/gomock"

	"github.com/ghettovoice/siptx/dns"
	"github.com/ghettovoice/siptx/internal/mocks"
	"github.com/ghettovoice/siptx/sip"
)

func TestNewManager_NilTransport(t *testing.T) {
	t.Parallel()

	if _, err := sip.NewManager(nil, nil); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Errorf("sip.NewManager(nil) error = %v, want %v", err, sip.ErrInvalidArgument)
	}
}

func TestManager_SendRequest_Invalid(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, newStubTransport(false), nil)

	noCallID := newReq(t, sip.RequestMethodInvite, "")
	noCallID.CallID = ""

	cases := []struct {
		name string
		req  *sip.Request
		dst  netip.AddrPort
	}{
		{"nil request", nil, remoteAddr},
		{"missing header", noCallID, remoteAddr},
		{"ack", newReq(t, sip.RequestMethodAck, ""), remoteAddr},
		{"invalid destination", newReq(t, sip.RequestMethodInvite, ""), netip.AddrPort{}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			if _, err := m.SendRequest(context.Background(), c.req, c.dst); !errors.Is(err, sip.ErrInvalidArgument) {
				t.Errorf("m.SendRequest() error = %v, want %v", err, sip.ErrInvalidArgument)
			}
		})
	}
}

func TestManager_SendRequest_Duplicate(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, newStubTransport(false), nil)

	req := newReq(t, sip.RequestMethodInvite, "z9hG4bK.dup")
	if _, err := m.SendRequest(context.Background(), req, remoteAddr); err != nil {
		t.Fatalf("m.SendRequest() error = %v, want nil", err)
	}
	if _, err := m.SendRequest(context.Background(), req, remoteAddr); !errors.Is(err, sip.ErrTransactionExists) {
		t.Errorf("second m.SendRequest() error = %v, want %v", err, sip.ErrTransactionExists)
	}
}

func TestManager_SendResponse_Errors(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m := newTestManager(t, tp, &sip.ManagerOptions{Timings: testTimings, Disable100Trying: true})
	evts := recordEvents(m)
	evt := receiveRequest(t, m, evts, sip.RequestMethodInvite, "z9hG4bK.sr1")
	clientKey, clientReq := sendInvite(t, m, tp)

	otherBranch := newReq(t, sip.RequestMethodInvite, "z9hG4bK.other").NewResponse(sip.ResponseStatusOK, "")
	unknownKey := sip.TransactionKey{Branch: "z9hG4bK.other", Method: sip.RequestMethodInvite, Role: sip.RoleServer}
	invalid := evt.Request.NewResponse(sip.ResponseStatusOK, "")
	invalid.Status = 42

	cases := []struct {
		name string
		key  sip.TransactionKey
		res  *sip.Response
		want error
	}{
		{"invalid response", evt.Key, invalid, sip.ErrInvalidArgument},
		{"branch mismatch", evt.Key, otherBranch, sip.ErrInvalidArgument},
		{"unknown transaction", unknownKey, otherBranch, sip.ErrTransactionNotFound},
		{"client transaction", clientKey, clientReq.NewResponse(sip.ResponseStatusOK, ""), sip.ErrActionNotAllowed},
	}
	for _, c := range cases {
		if err := m.SendResponse(context.Background(), c.key, c.res); !errors.Is(err, c.want) {
			t.Errorf("%s: m.SendResponse() error = %v, want %v", c.name, err, c.want)
		}
	}

	if err := m.SendResponse(context.Background(), evt.Key, evt.Request.NewResponse(sip.ResponseStatusOK, "")); err != nil {
		t.Fatalf("m.SendResponse() error = %v, want nil", err)
	}
	evts.waitTerminated(t, evt.Key, 100*time.Millisecond)
	err := m.SendResponse(context.Background(), evt.Key, evt.Request.NewResponse(sip.ResponseStatusOK, ""))
	if !errors.Is(err, sip.ErrTransactionNotFound) {
		t.Errorf("m.SendResponse() after termination error = %v, want %v", err, sip.ErrTransactionNotFound)
	}
}

func TestManager_ConcurrentRequestsCreateOneTransaction(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m := newTestManager(t, tp, &sip.ManagerOptions{Timings: testTimings, Disable100Trying: true})
	evts := recordEvents(m)

	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			m.HandleMessage(context.Background(), newReq(t, sip.RequestMethodInvite, "z9hG4bK.conc"), remoteAddr)
		})
	}
	wg.Wait()

	key := sip.TransactionKey{Branch: "z9hG4bK.conc", Method: sip.RequestMethodInvite, Role: sip.RoleServer}
	evts.waitRequest(t, sip.RequestMethodInvite, 100*time.Millisecond)
	if n := m.Len(); n != 1 {
		t.Errorf("m.Len() = %d, want 1", n)
	}
	// let retransmissions reach the transaction
	time.Sleep(3 * t1)

	var n int
	for _, evt := range evts.all() {
		if _, ok := evt.(sip.RequestEvent); ok {
			n++
		}
	}
	if n != 1 {
		t.Errorf("request events = %d, want 1", n)
	}
	if k := m.Len(); k != 1 || !m.Exists(key) {
		t.Errorf("registry = %d entries, has %v = %v; want only it", k, key, m.Exists(key))
	}
}

func TestManager_KeyRemovedBeforeTerminatedEvent(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(true)
	m := newTestManager(t, tp, nil)

	var (
		mu      sync.Mutex
		present []bool
	)
	done := make(chan struct{})
	m.OnEvent(func(evt sip.Event) {
		if e, ok := evt.(sip.TransactionTerminatedEvent); ok {
			mu.Lock()
			present = append(present, m.Exists(e.Key))
			mu.Unlock()
			close(done)
		}
	})

	key, err := m.SendRequest(context.Background(), newReq(t, sip.RequestMethodOptions, ""), remoteAddr)
	if err != nil {
		t.Fatalf("m.SendRequest() error = %v, want nil", err)
	}
	if err := m.Cancel(context.Background(), key); err != nil {
		t.Fatalf("m.Cancel() error = %v, want nil", err)
	}

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("no terminated event")
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]bool{false}, present); diff != "" {
		t.Errorf("registry presence on terminated event (-want +got):\n%s", diff)
	}
	if err := m.Cancel(context.Background(), key); !errors.Is(err, sip.ErrTransactionNotFound) {
		t.Errorf("second m.Cancel() error = %v, want %v", err, sip.ErrTransactionNotFound)
	}
	if _, err := m.State(key); !errors.Is(err, sip.ErrTransactionNotFound) {
		t.Errorf("m.State() error = %v, want %v", err, sip.ErrTransactionNotFound)
	}
}

func TestManager_UnmatchedMessages(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, newStubTransport(false), nil)
	evts := recordEvents(m)

	res := newRes(t, newReq(t, sip.RequestMethodInvite, "z9hG4bK.lost"), sip.ResponseStatusOK)
	ack := newReq(t, sip.RequestMethodAck, "z9hG4bK.ack2xx")
	m.HandleMessage(context.Background(), res, remoteAddr)
	m.HandleMessage(context.Background(), ack, remoteAddr)

	evts.waitFor(t, 100*time.Millisecond, func(evt sip.Event) bool {
		e, ok := evt.(sip.UnmatchedMessageEvent)
		r, _ := e.Message.(*sip.Request)
		return ok && r == ack
	})
	var got []sip.Message
	for _, evt := range evts.all() {
		if e, ok := evt.(sip.UnmatchedMessageEvent); ok {
			if !e.TransactionKey().IsZero() {
				t.Errorf("unmatched event key = %v, want zero", e.TransactionKey())
			}
			if e.Source != remoteAddr {
				t.Errorf("unmatched event source = %v, want %v", e.Source, remoteAddr)
			}
			got = append(got, e.Message)
		}
	}
	if diff := cmp.Diff([]sip.Message{res, ack}, got); diff != "" {
		t.Errorf("unmatched messages mismatch (-want +got):\n%s", diff)
	}
	if n := m.Len(); n != 0 {
		t.Errorf("m.Len() = %d, want 0", n)
	}
}

func TestManager_RequestToTerminatedTransaction(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	tp := mocks.NewMockTransport(ctrl)
	tp.EXPECT().Reliable().Return(false).AnyTimes()
	sending := make(chan struct{})
	blocked := make(chan struct{})
	tp.EXPECT().
		Send(gomock.Any(), gomock.Any(), remoteAddr).
		DoAndReturn(func(context.Context, sip.Message, netip.AddrPort) error {
			close(sending)
			<-blocked
			return nil
		})

	m := newTestManager(t, tp, &sip.ManagerOptions{Disable100Trying: true})
	release := sync.OnceFunc(func() { close(blocked) })
	t.Cleanup(release)
	evts := recordEvents(m)

	req := newReq(t, sip.RequestMethodInvite, "z9hG4bK.dead1")
	m.HandleMessage(context.Background(), req, remoteAddr)
	reqEvt := evts.waitRequest(t, sip.RequestMethodInvite, 100*time.Millisecond)
	if err := m.SendResponse(context.Background(), reqEvt.Key, newRes(t, reqEvt.Request, sip.ResponseStatusOK)); err != nil {
		t.Fatalf("m.SendResponse() error = %v, want nil", err)
	}
	<-sending

	// the loop is done, the transaction stays registered until the 2xx send returns
	waitState(t, m, reqEvt.Key, sip.TransactionStateTerminated, 100*time.Millisecond)
	deadline := time.Now().Add(100 * time.Millisecond)
	for {
		m.HandleMessage(context.Background(), req, remoteAddr)
		if slices.ContainsFunc(evts.all(), func(evt sip.Event) bool {
			_, ok := evt.(sip.UnmatchedMessageEvent)
			return ok
		}) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("retransmitted INVITE was not passed through, got:\n%v", evts.describeAll())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !m.Exists(reqEvt.Key) {
		t.Errorf("m.Exists() = false, want true")
	}

	release()
	evts.waitTerminated(t, reqEvt.Key, 100*time.Millisecond)
	if n := m.Len(); n != 0 {
		t.Errorf("m.Len() = %d, want 0", n)
	}
	want := []string{"request INVITE", "state proceeding->terminated", "terminated"}
	if diff := cmp.Diff(want, evts.of(reqEvt.Key)); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestManager_InvalidMessage(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, newStubTransport(false), nil)
	evts := recordEvents(m)

	req := newReq(t, sip.RequestMethodInvite, "z9hG4bK.bad")
	req.From.URI = ""
	m.HandleMessage(context.Background(), req, remoteAddr)

	evt := evts.waitFor(t, 100*time.Millisecond, func(evt sip.Event) bool {
		_, ok := evt.(sip.ErrorEvent)
		return ok
	}).(sip.ErrorEvent) //nolint:forcetypeassert
	if !evt.Key.IsZero() {
		t.Errorf("evt.Key = %v, want zero", evt.Key)
	}
	if !errors.Is(evt.Err, sip.ErrInvalidMessage) {
		t.Errorf("evt.Err = %v, want %v", evt.Err, sip.ErrInvalidMessage)
	}
	if n := m.Len(); n != 0 {
		t.Errorf("m.Len() = %d, want 0", n)
	}
}

func TestManager_CancelMatchesInvite(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, newStubTransport(false), &sip.ManagerOptions{Timings: testTimings, Disable100Trying: true})
	evts := recordEvents(m)
	invite := receiveRequest(t, m, evts, sip.RequestMethodInvite, "z9hG4bK.c1")

	cancel := newReq(t, sip.RequestMethodCancel, "z9hG4bK.c1")
	if got, ok := m.FindInviteForCancel(cancel); !ok || got != invite.Key {
		t.Errorf("m.FindInviteForCancel() = (%v, %v), want (%v, true)", got, ok, invite.Key)
	}
	m.HandleMessage(context.Background(), cancel, remoteAddr)
	evt := evts.waitRequest(t, sip.RequestMethodCancel, 100*time.Millisecond)

	wantKey := sip.TransactionKey{Branch: "z9hG4bK.c1", Method: sip.RequestMethodCancel, Role: sip.RoleServer}
	if evt.Key != wantKey {
		t.Errorf("evt.Key = %v, want %v", evt.Key, wantKey)
	}
	if evt.InviteKey != invite.Key {
		t.Errorf("evt.InviteKey = %v, want %v", evt.InviteKey, invite.Key)
	}
	if m.Len() != 2 {
		t.Errorf("m.Len() = %d, want 2", m.Len())
	}

	if _, ok := m.FindInviteForCancel(newReq(t, sip.RequestMethodCancel, "z9hG4bK.c2")); ok {
		t.Errorf("m.FindInviteForCancel() of unknown branch ok = true, want false")
	}
	if _, ok := m.FindInviteForCancel(invite.Request); ok {
		t.Errorf("m.FindInviteForCancel(INVITE) ok = true, want false")
	}
}

func TestManager_ActiveTransactions(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m := newTestManager(t, tp, &sip.ManagerOptions{Timings: testTimings, Disable100Trying: true})
	evts := recordEvents(m)

	var wantClient []sip.TransactionKey
	for i := range 3 {
		key, err := m.SendRequest(context.Background(), newReq(t, sip.RequestMethodInvite, fmt.Sprintf("z9hG4bK.a%d", i)), remoteAddr)
		if err != nil {
			t.Fatalf("m.SendRequest() error = %v, want nil", err)
		}
		wantClient = append(wantClient, key)
	}
	srv := receiveRequest(t, m, evts, sip.RequestMethodOptions, "z9hG4bK.s0")

	client, server := m.ActiveTransactions()
	if diff := cmp.Diff(wantClient, client); diff != "" {
		t.Errorf("client keys mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]sip.TransactionKey{srv.Key}, server); diff != "" {
		t.Errorf("server keys mismatch (-want +got):\n%s", diff)
	}

	kind, err := m.Kind(srv.Key)
	if err != nil || kind != sip.TransactionKindServerNonInvite {
		t.Errorf("m.Kind() = (%q, %v), want (%q, nil)", kind, err, sip.TransactionKindServerNonInvite)
	}
}

func TestManager_Close(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m, err := sip.NewManager(tp, &sip.ManagerOptions{Timings: testTimings, EventBufferSize: 1})
	if err != nil {
		t.Fatalf("sip.NewManager() error = %v, want nil", err)
	}

	var got []string
	drained := make(chan struct{})
	evtCh := m.Events()
	go func() {
		defer close(drained)
		for evt := range evtCh {
			got = append(got, describe(evt))
		}
	}()

	key, err := m.SendRequest(context.Background(), newReq(t, sip.RequestMethodInvite, ""), remoteAddr)
	if err != nil {
		t.Fatalf("m.SendRequest() error = %v, want nil", err)
	}
	m.HandleMessage(context.Background(), newReq(t, sip.RequestMethodOptions, "z9hG4bK.cl"), remoteAddr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("m.Close() error = %v, want nil", err)
	}
	<-drained

	if n := m.Len(); n != 0 {
		t.Errorf("m.Len() = %d, want 0", n)
	}
	var terminated int
	for _, d := range got {
		if d == "terminated" {
			terminated++
		}
	}
	if terminated != 2 {
		t.Errorf("terminated events = %d, want 2; events: %v", terminated, got)
	}

	if _, err := m.SendRequest(context.Background(), newReq(t, sip.RequestMethodInvite, ""), remoteAddr); !errors.Is(err, sip.ErrTransactionManagerClosed) {
		t.Errorf("m.SendRequest() after close error = %v, want %v", err, sip.ErrTransactionManagerClosed)
	}
	if err := m.Cancel(context.Background(), key); !errors.Is(err, sip.ErrTransactionNotFound) {
		t.Errorf("m.Cancel() after close error = %v, want %v", err, sip.ErrTransactionNotFound)
	}
	if err := m.Close(ctx); err != nil {
		t.Errorf("second m.Close() error = %v, want nil", err)
	}
}

func TestManager_Serve(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, newStubTransport(false), nil)
	evts := recordEvents(m)

	in := make(chan sip.InboundMessage, 1)
	served := make(chan error, 1)
	go func() { served <- m.Serve(context.Background(), in) }()

	in <- sip.InboundMessage{Message: newReq(t, sip.RequestMethodSubscribe, "z9hG4bK.sv"), Source: remoteAddr}
	evts.waitRequest(t, sip.RequestMethodSubscribe, 100*time.Millisecond)
	close(in)

	if err := <-served; err != nil {
		t.Errorf("m.Serve() error = %v, want nil", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Serve(ctx, make(chan sip.InboundMessage)); !errors.Is(err, context.Canceled) {
		t.Errorf("m.Serve() error = %v, want %v", err, context.Canceled)
	}
}

func TestManager_SendRequestTo(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	rslvr := mocks.NewMockDNSResolver(ctrl)
	rslvr.EXPECT().
		LookupSRV(gomock.Any(), "sip", "udp", "example.com").
		Return([]*dns.SRV{{Target: "sip1.example.com.", Port: 5070, Priority: 10, Weight: 5}}, nil)
	rslvr.EXPECT().
		LookupIP(gomock.Any(), "ip", "sip1.example.com").
		Return([]net.IP{net.ParseIP("203.0.113.5")}, nil)

	tp := newStubTransport(false)
	m := newTestManager(t, tp, &sip.ManagerOptions{Timings: testTimings, DNSResolver: rslvr})

	if _, err := m.SendRequestTo(context.Background(), newReq(t, sip.RequestMethodOptions, ""), "example.com", 0); err != nil {
		t.Fatalf("m.SendRequestTo() error = %v, want nil", err)
	}
	want := netip.MustParseAddrPort("203.0.113.5:5070")
	if s := tp.waitSend(t, 100*time.Millisecond); s.dst != want {
		t.Errorf("sent to %v, want %v", s.dst, want)
	}
}

func TestManager_SendRequestTo_NoTarget(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	rslvr := mocks.NewMockDNSResolver(ctrl)
	rslvr.EXPECT().LookupSRV(gomock.Any(), "sip", "udp", "nowhere.test").Return(nil, errors.New("no such host"))
	rslvr.EXPECT().LookupIP(gomock.Any(), "ip", "nowhere.test").Return(nil, errors.New("no such host"))

	m := newTestManager(t, newStubTransport(false), &sip.ManagerOptions{Timings: testTimings, DNSResolver: rslvr})

	_, err := m.SendRequestTo(context.Background(), newReq(t, sip.RequestMethodOptions, ""), "nowhere.test", 0)
	if !errors.Is(err, sip.ErrNoTarget) {
		t.Errorf("m.SendRequestTo() error = %v, want %v", err, sip.ErrNoTarget)
	}
}
