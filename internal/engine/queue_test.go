package engine

import (
	"testing"
	"time"
)

func TestReadyQueueOrdering(t *testing.T) {
	q := newReadyQueue()
	q.Enqueue("low", 1)
	q.Enqueue("critical", 4)
	q.Enqueue("medium-1", 2)
	q.Enqueue("medium-2", 2)
	q.Enqueue("high", 3)

	want := []string{"critical", "high", "medium-1", "medium-2", "low"}
	for i, expected := range want {
		id, ok := q.Dequeue()
		if !ok {
			t.Fatalf("Dequeue %d: queue reported closed", i)
		}
		if id != expected {
			t.Errorf("Dequeue %d = %q, want %q", i, id, expected)
		}
	}
	if n := q.Len(); n != 0 {
		t.Errorf("Len after drain = %d, want 0", n)
	}
}

func TestReadyQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	q := newReadyQueue()

	got := make(chan string, 1)
	go func() {
		id, _ := q.Dequeue()
		got <- id
	}()

	// Give the goroutine a moment to block.
	time.Sleep(10 * time.Millisecond)
	q.Enqueue("wakeup", 2)

	select {
	case id := <-got:
		if id != "wakeup" {
			t.Errorf("Dequeue = %q, want %q", id, "wakeup")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not wake up after Enqueue")
	}
}

func TestReadyQueueCloseDrainsThenStops(t *testing.T) {
	q := newReadyQueue()
	q.Enqueue("leftover", 2)
	q.Close()

	id, ok := q.Dequeue()
	if !ok || id != "leftover" {
		t.Fatalf("Dequeue = (%q, %v), want remaining entry", id, ok)
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("Dequeue on closed empty queue = true, want false")
	}
}

func TestReadyQueueCloseWakesBlockedWaiters(t *testing.T) {
	q := newReadyQueue()

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Dequeue after Close = true, want false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Dequeue was not woken by Close")
	}
}

func TestReadyQueueDrain(t *testing.T) {
	q := newReadyQueue()
	q.Enqueue("a", 1)
	q.Enqueue("b", 3)
	q.Enqueue("c", 2)

	ids := q.Drain()
	want := []string{"b", "c", "a"}
	if len(ids) != len(want) {
		t.Fatalf("Drain returned %d ids, want %d", len(ids), len(want))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Drain[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
	if n := q.Len(); n != 0 {
		t.Errorf("Len after Drain = %d, want 0", n)
	}
}
