package sip_test

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ghettovoice/siptx/log"
	"github.com/ghettovoice/siptx/sip"
)

const t1 = 10 * time.Millisecond

// testTimings keep every transaction under a second.
var testTimings = sip.NewTimings(t1, 4*t1, 5*t1, 10*t1, 2*t1).WithTransactionTimeout(32 * t1)

var (
	localAddr  = netip.MustParseAddrPort("192.0.2.1:5060")
	remoteAddr = netip.MustParseAddrPort("198.51.100.1:5060")
)

func newReq(tb testing.TB, method sip.RequestMethod, branch string) *sip.Request {
	tb.Helper()

	return sip.NewRequest(method, "sip:bob@example.com", sip.MessageHeader{
		Via: []sip.ViaHop{{
			Transport: "UDP",
			SentBy:    localAddr.String(),
			Branch:    branch,
		}},
		From:   sip.NameAddr{URI: "sip:alice@example.com", Tag: "a1"},
		To:     sip.NameAddr{URI: "sip:bob@example.com"},
		CallID: "call-" + branch,
	})
}

func newRes(tb testing.TB, req *sip.Request, status sip.ResponseStatus) *sip.Response {
	tb.Helper()

	res := req.NewResponse(status, "")
	if status > 100 {
		res.To.Tag = "b1"
	}
	return res
}

type sentMsg struct {
	msg sip.Message
	dst netip.AddrPort
	at  time.Time
}

func (s sentMsg) String() string {
	switch m := s.msg.(type) {
	case *sip.Request:
		return string(m.Method)
	case *sip.Response:
		return fmt.Sprintf("%d", m.Status)
	default:
		return fmt.Sprintf("%T", m)
	}
}

// stubTransport records every sent message.
type stubTransport struct {
	reliable bool
	sends    chan sentMsg
}

func newStubTransport(reliable bool) *stubTransport {
	return &stubTransport{reliable: reliable, sends: make(chan sentMsg, 1024)}
}

func (tp *stubTransport) Send(_ context.Context, msg sip.Message, dst netip.AddrPort) error {
	tp.sends <- sentMsg{msg.Clone(), dst, time.Now()}
	return nil
}

func (tp *stubTransport) Reliable() bool { return tp.reliable }

func (tp *stubTransport) waitSend(tb testing.TB, timeout time.Duration) sentMsg {
	tb.Helper()

	select {
	case s := <-tp.sends:
		return s
	case <-time.After(timeout):
		tb.Fatalf("no message sent within %v", timeout)
		return sentMsg{}
	}
}

func (tp *stubTransport) ensureNoSend(tb testing.TB, d time.Duration) {
	tb.Helper()

	select {
	case s := <-tp.sends:
		tb.Fatalf("unexpected message sent: %v", s)
	case <-time.After(d):
	}
}

func (tp *stubTransport) drainSends() []sentMsg {
	var out []sentMsg
	for {
		select {
		case s := <-tp.sends:
			out = append(out, s)
		default:
			return out
		}
	}
}

func newTestManager(tb testing.TB, tp sip.Transport, opts *sip.ManagerOptions) *sip.Manager {
	tb.Helper()

	if opts == nil {
		opts = &sip.ManagerOptions{Timings: testTimings}
	}
	if opts.Log == nil {
		opts.Log = log.Noop
	}
	m, err := sip.NewManager(tp, opts)
	if err != nil {
		tb.Fatalf("sip.NewManager() error = %v, want nil", err)
	}
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Close(ctx); err != nil {
			tb.Errorf("m.Close() error = %v, want nil", err)
		}
	})
	return m
}

// eventLog records events delivered by the manager.
type eventLog struct {
	mu     sync.Mutex
	events []sip.Event
	notify chan struct{}
}

func recordEvents(m *sip.Manager) *eventLog {
	l := &eventLog{notify: make(chan struct{}, 1)}
	m.OnEvent(func(evt sip.Event) {
		l.mu.Lock()
		l.events = append(l.events, evt)
		l.mu.Unlock()

		select {
		case l.notify <- struct{}{}:
		default:
		}
	})
	return l
}

func (l *eventLog) all() []sip.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

// of returns descriptions of the events of the transaction.
func (l *eventLog) of(key sip.TransactionKey) []string {
	var out []string
	for _, evt := range l.all() {
		if evt.TransactionKey() == key {
			out = append(out, describe(evt))
		}
	}
	return out
}

// waitFor waits until an event matching the predicate is recorded.
func (l *eventLog) waitFor(tb testing.TB, timeout time.Duration, match func(sip.Event) bool) sip.Event {
	tb.Helper()

	deadline := time.After(timeout)
	for {
		for _, evt := range l.all() {
			if match(evt) {
				return evt
			}
		}
		select {
		case <-l.notify:
		case <-deadline:
			tb.Fatalf("no matching event within %v, got:\n%v", timeout, l.describeAll())
			return nil
		}
	}
}

func (l *eventLog) waitTerminated(tb testing.TB, key sip.TransactionKey, timeout time.Duration) {
	tb.Helper()

	l.waitFor(tb, timeout, func(evt sip.Event) bool {
		e, ok := evt.(sip.TransactionTerminatedEvent)
		return ok && e.Key == key
	})
}

func (l *eventLog) waitRequest(tb testing.TB, method sip.RequestMethod, timeout time.Duration) sip.RequestEvent {
	tb.Helper()

	evt := l.waitFor(tb, timeout, func(evt sip.Event) bool {
		e, ok := evt.(sip.RequestEvent)
		return ok && e.Request.Method == method
	})
	return evt.(sip.RequestEvent) //nolint:forcetypeassert
}

func (l *eventLog) describeAll() []string {
	var out []string
	for _, evt := range l.all() {
		out = append(out, evt.TransactionKey().String()+" "+describe(evt))
	}
	return out
}

func describe(evt sip.Event) string {
	switch e := evt.(type) {
	case sip.StateChangedEvent:
		return fmt.Sprintf("state %s->%s", e.Previous, e.Current)
	case sip.ProvisionalResponseEvent:
		return fmt.Sprintf("provisional %d", e.Response.Status)
	case sip.SuccessResponseEvent:
		return fmt.Sprintf("success %d", e.Response.Status)
	case sip.FailureResponseEvent:
		return fmt.Sprintf("failure %d", e.Response.Status)
	case sip.TransportErrorEvent:
		return "transport error"
	case sip.TransactionTimeoutEvent:
		return "timeout " + string(e.Timer)
	case sip.TransactionTerminatedEvent:
		return "terminated"
	case sip.ErrorEvent:
		return "error"
	case sip.RequestEvent:
		return "request " + string(e.Request.Method)
	case sip.UnmatchedMessageEvent:
		return "unmatched"
	default:
		return fmt.Sprintf("%T", evt)
	}
}

func waitState(tb testing.TB, m *sip.Manager, key sip.TransactionKey, want sip.TransactionState, timeout time.Duration) {
	tb.Helper()

	deadline := time.Now().Add(timeout)
	for {
		got, err := m.State(key)
		if err == nil && got == want {
			return
		}
		if time.Now().After(deadline) {
			tb.Fatalf("m.State(%v) = %q, %v; want %q", key, got, err, want)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitGone(tb testing.TB, m *sip.Manager, key sip.TransactionKey, timeout time.Duration) {
	tb.Helper()

	deadline := time.Now().Add(timeout)
	for m.Exists(key) {
		if time.Now().After(deadline) {
			tb.Fatalf("m.Exists(%v) = true after %v, want false", key, timeout)
		}
		time.Sleep(time.Millisecond)
	}
}
