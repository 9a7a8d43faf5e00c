package ws

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
	closed   bool
}

func (r *recorder) Send(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broken pipe")
	}
	r.payloads = append(r.payloads, p)
	return nil
}

func (r *recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recorder) snapshot() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads), r.closed
}

func TestHubBroadcastsPerTopic(t *testing.T) {
	h := NewHub()
	defer h.Close()

	a, b := &recorder{}, &recorder{}
	h.Register(TopicDistribution, a)
	h.Register("other", b)

	h.Broadcast(TopicDistribution, []byte(`{"participantId":1}`))
	if got := h.Subscribers(TopicDistribution); got != 1 {
		t.Fatalf("expected 1 subscriber, got %d", got)
	}
	if n, _ := a.snapshot(); n != 1 {
		t.Fatalf("expected 1 payload on distribution topic, got %d", n)
	}
	if n, _ := b.snapshot(); n != 0 {
		t.Fatalf("unexpected payload on other topic")
	}
}

func TestHubDropsFailingSubscribers(t *testing.T) {
	h := NewHub()
	defer h.Close()

	bad := &recorder{fail: true}
	h.Register(TopicDistribution, bad)
	h.Broadcast(TopicDistribution, []byte("x"))

	if got := h.Subscribers(TopicDistribution); got != 0 {
		t.Fatalf("expected failing subscriber removed, got %d", got)
	}
	if _, closed := bad.snapshot(); !closed {
		t.Fatalf("expected failing subscriber closed")
	}
}

func TestHubCloseReleasesSubscribers(t *testing.T) {
	h := NewHub()
	c := &recorder{}
	h.Register(TopicDistribution, c)
	h.Close()

	done := make(chan struct{})
	go func() {
		h.Broadcast(TopicDistribution, []byte("late"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked after close")
	}
	deadline := time.Now().Add(time.Second)
	for {
		if _, closed := c.snapshot(); closed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber closed on hub shutdown")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
