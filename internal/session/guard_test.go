package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeNotifier 是手动推送事件的 Notifier 实现。
type fakeNotifier struct {
	events chan Event

	mu           sync.Mutex
	unsubscribed bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{events: make(chan Event, 4)}
}

func (n *fakeNotifier) Subscribe(context.Context) (<-chan Event, func(), error) {
	return n.events, func() {
		n.mu.Lock()
		n.unsubscribed = true
		n.mu.Unlock()
	}, nil
}

func (n *fakeNotifier) wasUnsubscribed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.unsubscribed
}

// stateRecorder 收集状态回调，便于带超时等待某个状态出现。
type stateRecorder struct {
	mu     sync.Mutex
	states []State
	ch     chan State
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{ch: make(chan State, 8)}
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
	r.ch <- s
}

func (r *stateRecorder) waitFor(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-r.ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func TestGuardStartsInChecking(t *testing.T) {
	g := NewGuard(func(context.Context) (bool, error) { return true, nil }, newFakeNotifier())
	if got := g.State(); got != Checking {
		t.Fatalf("initial state = %v, want Checking", got)
	}
}

func TestGuardProbeSuccessAuthenticates(t *testing.T) {
	notifier := newFakeNotifier()
	g := NewGuard(func(context.Context) (bool, error) { return true, nil }, notifier)

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer g.Stop()

	if got := g.State(); got != Authenticated {
		t.Fatalf("state after probe = %v, want Authenticated", got)
	}
}

func TestGuardProbeNegativeUnauthenticates(t *testing.T) {
	g := NewGuard(func(context.Context) (bool, error) { return false, nil }, newFakeNotifier())

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer g.Stop()

	if got := g.State(); got != Unauthenticated {
		t.Fatalf("state after probe = %v, want Unauthenticated", got)
	}
}

func TestGuardProbeErrorFailsClosed(t *testing.T) {
	boom := errors.New("probe backend down")
	g := NewGuard(func(context.Context) (bool, error) { return false, boom }, newFakeNotifier())

	err := g.Start(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Start error = %v, want wrapped probe error", err)
	}
	// 探测失败一律按未认证处理。
	if got := g.State(); got != Unauthenticated {
		t.Fatalf("state after probe error = %v, want Unauthenticated", got)
	}
}

func TestGuardRevokeEventTransitions(t *testing.T) {
	notifier := newFakeNotifier()
	g := NewGuard(func(context.Context) (bool, error) { return true, nil }, notifier)

	rec := newStateRecorder()
	unsubscribe := g.Subscribe(rec.record)
	defer unsubscribe()

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer g.Stop()
	rec.waitFor(t, Authenticated)

	notifier.events <- Event{Revoked: true}
	rec.waitFor(t, Unauthenticated)

	if got := g.State(); got != Unauthenticated {
		t.Fatalf("state after revoke = %v, want Unauthenticated", got)
	}
}

func TestGuardStopUnsubscribesNotifier(t *testing.T) {
	notifier := newFakeNotifier()
	g := NewGuard(func(context.Context) (bool, error) { return true, nil }, notifier)

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	g.Stop()

	if !notifier.wasUnsubscribed() {
		t.Fatal("Stop did not release the notifier subscription")
	}
}

func TestGuardSubscriberUnsubscribeStopsCallbacks(t *testing.T) {
	notifier := newFakeNotifier()
	g := NewGuard(func(context.Context) (bool, error) { return true, nil }, notifier)

	var mu sync.Mutex
	calls := 0
	unsubscribe := g.Subscribe(func(State) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer g.Stop()

	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 1 {
		t.Fatalf("callbacks after start = %d, want 1", got)
	}

	unsubscribe()
	notifier.events <- Event{Revoked: true}

	// 等待事件循环消费完毕。
	deadline := time.Now().Add(2 * time.Second)
	for g.State() != Unauthenticated {
		if time.Now().After(deadline) {
			t.Fatal("guard never consumed revoke event")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("callbacks after unsubscribe = %d, want 1", calls)
	}
}
