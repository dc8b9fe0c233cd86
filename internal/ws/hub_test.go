package ws

import (
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type testSubscriber struct {
	mu       sync.Mutex
	messages [][]byte
	closed   chan struct{}
	once     sync.Once
	failNext bool
	block    chan struct{}
}

func newTestSubscriber() *testSubscriber {
	return &testSubscriber{closed: make(chan struct{})}
}

func (s *testSubscriber) Send(payload []byte) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		return errors.New("broken pipe")
	}
	s.messages = append(s.messages, payload)
	return nil
}

func (s *testSubscriber) Close() {
	s.once.Do(func() { close(s.closed) })
}

func (s *testSubscriber) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, string(m))
	}
	return out
}

func waitClosed(t *testing.T, s *testSubscriber) {
	t.Helper()
	select {
	case <-s.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected subscriber to be closed")
	}
}

func newTestHub(buffer int) *Hub {
	return NewHub(buffer, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHubDeliversInOrderThenCloses(t *testing.T) {
	hub := newTestHub(8)
	sub := newTestSubscriber()
	other := newTestSubscriber()
	hub.Register("dep-1", sub)
	hub.Register("dep-2", other)

	for _, msg := range []string{"a", "b", "c"} {
		if n := hub.Broadcast("dep-1", []byte(msg)); n != 1 {
			t.Fatalf("expected 1 delivery, got %d", n)
		}
	}
	hub.CloseStream("dep-1")
	waitClosed(t, sub)

	if got := strings.Join(sub.received(), ""); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
	if len(other.received()) != 0 {
		t.Fatal("expected other deployment to receive nothing")
	}
	if hub.Subscribers("dep-1") != 0 {
		t.Fatal("expected stream to be removed")
	}
	hub.Shutdown()
	waitClosed(t, other)
}

func TestHubDropsWhenSubscriberLags(t *testing.T) {
	hub := newTestHub(1)
	sub := newTestSubscriber()
	sub.block = make(chan struct{})
	hub.Register("dep-1", sub)

	delivered := 0
	for i := 0; i < 5; i++ {
		delivered += hub.Broadcast("dep-1", []byte("x"))
	}
	if delivered >= 5 {
		t.Fatalf("expected drops for lagging subscriber, delivered %d", delivered)
	}
	close(sub.block)
	hub.Shutdown()
}

func TestHubRemovesFailingSubscriber(t *testing.T) {
	hub := newTestHub(4)
	sub := newTestSubscriber()
	sub.failNext = true
	hub.Register("dep-1", sub)

	hub.Broadcast("dep-1", []byte("x"))
	waitClosed(t, sub)

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers("dep-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected failing subscriber to be unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubRegisterAfterShutdownCloses(t *testing.T) {
	hub := newTestHub(4)
	hub.Shutdown()
	sub := newTestSubscriber()
	hub.Register("dep-1", sub)
	waitClosed(t, sub)
}

func TestSSEClientFramesEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := client.Send([]byte(`{"agent":"deploy"}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	client.Close()

	body := rec.Body.String()
	if !strings.Contains(body, "event: agent_log\ndata: {\"agent\":\"deploy\"}\n\n") {
		t.Fatalf("unexpected event framing %q", body)
	}
	if !strings.Contains(body, ": ping\n\n") {
		t.Fatalf("expected heartbeat frame, got %q", body)
	}
	select {
	case <-client.Done():
	default:
		t.Fatal("expected done channel to be closed")
	}
	if err := client.Send([]byte("late")); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after close, got %v", err)
	}
}
