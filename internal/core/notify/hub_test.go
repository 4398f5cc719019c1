package notify

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func receive(t *testing.T, sub *Subscription[int]) int {
	t.Helper()
	select {
	case v, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
	}
	return 0
}

func waitClosed(t *testing.T, sub *Subscription[int]) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for close")
		}
	}
}

func TestSubscribeDeliversInitialFirst(t *testing.T) {
	hub := NewHub[int](0)
	sub := hub.Subscribe(0)
	defer sub.Unsubscribe()

	hub.Publish(1)
	hub.Publish(2)

	for want := 0; want <= 2; want++ {
		if got := receive(t, sub); got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	hub := NewHub[int](0)
	slow := hub.Subscribe(-1)
	defer slow.Unsubscribe()
	fast := hub.Subscribe(-1)
	defer fast.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on an idle subscriber")
	}

	if got := receive(t, fast); got != -1 {
		t.Fatalf("fast initial = %d", got)
	}
	for want := 0; want < 1000; want++ {
		if got := receive(t, fast); got != want {
			t.Fatalf("fast got %d, want %d", got, want)
		}
	}
	if got := receive(t, slow); got != -1 {
		t.Fatalf("slow initial = %d", got)
	}
	for want := 0; want < 1000; want++ {
		if got := receive(t, slow); got != want {
			t.Fatalf("slow got %d, want %d", got, want)
		}
	}
}

func TestUnsubscribeDiscardsQueuedBatches(t *testing.T) {
	hub := NewHub[int](0)
	sub := hub.Subscribe(0)
	for i := 1; i <= 10; i++ {
		hub.Publish(i)
	}
	sub.Unsubscribe()

	if hub.Len() != 0 {
		t.Fatalf("hub still tracks %d subscriptions", hub.Len())
	}
	if sub.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", sub.Pending())
	}
	waitClosed(t, sub)
	if sub.Err() != nil {
		t.Fatalf("unexpected err: %v", sub.Err())
	}
}

func TestResubscribeStartsWithFreshInitial(t *testing.T) {
	hub := NewHub[int](0)
	first := hub.Subscribe(100)
	hub.Publish(1)
	first.Unsubscribe()

	second := hub.Subscribe(200)
	defer second.Unsubscribe()
	hub.Publish(2)

	if got := receive(t, second); got != 200 {
		t.Fatalf("got %d, want fresh initial 200", got)
	}
	if got := receive(t, second); got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
}

func TestQueueLimitTerminatesOnlyTheSlowSubscriber(t *testing.T) {
	hub := NewHub[int](3)
	slow := hub.Subscribe(0)

	fast := hub.Subscribe(0)
	defer fast.Unsubscribe()
	var wg sync.WaitGroup
	wg.Add(1)
	received := make([]int, 0, 9)
	go func() {
		defer wg.Done()
		for v := range fast.C() {
			received = append(received, v)
			if len(received) == 9 {
				return
			}
		}
	}()

	// Let the slow subscriber's goroutine park on its first send.
	time.Sleep(20 * time.Millisecond)
	for i := 1; i <= 8; i++ {
		hub.Publish(i)
		for fast.Pending() > 0 {
			time.Sleep(time.Millisecond)
		}
	}
	wg.Wait()

	waitClosed(t, slow)
	if !errors.Is(slow.Err(), ErrSlowSubscriber) {
		t.Fatalf("slow err = %v, want ErrSlowSubscriber", slow.Err())
	}
	for i, v := range received {
		if v != i {
			t.Fatalf("fast received %v, want 0..8 in order", received)
		}
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	hub := NewHub[int](0)
	sub := hub.Subscribe(0)
	hub.Close()
	waitClosed(t, sub)

	late := hub.Subscribe(1)
	waitClosed(t, late)
}
