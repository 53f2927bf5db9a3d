package engine

import (
	"testing"
	"time"

	"github.com/cmjester6421/neo-refined/internal/model"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()

	ch, unsub := b.Subscribe("t1")
	defer unsub()

	b.Publish(Event{TaskID: "t1", Status: model.StatusRunning, Attempts: 1})

	select {
	case ev := <-ch:
		if ev.Status != model.StatusRunning || ev.Attempts != 1 {
			t.Errorf("event = %+v, want running attempt 1", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive published event")
	}
}

func TestBrokerTopicIsolation(t *testing.T) {
	b := NewBroker()

	ch1, unsub1 := b.Subscribe("t1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("t2")
	defer unsub2()

	b.Publish(Event{TaskID: "t1", Status: model.StatusCompleted})

	select {
	case <-ch1:
	case <-time.After(time.Second):
		t.Fatal("t1 subscriber did not receive event")
	}
	select {
	case ev := <-ch2:
		t.Errorf("t2 subscriber received foreign event %+v", ev)
	default:
	}
}

func TestBrokerCloseClosesSubscribers(t *testing.T) {
	b := NewBroker()

	ch, unsub := b.Subscribe("t1")
	defer unsub()

	b.Close("t1")

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received event instead of close")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Close")
	}

	// Publishing to a closed topic is a no-op.
	b.Publish(Event{TaskID: "t1", Status: model.StatusCompleted})
}

func TestBrokerLateSubscriberGetsClosedChannel(t *testing.T) {
	b := NewBroker()
	b.Close("finished")

	ch, unsub := b.Subscribe("finished")
	defer unsub()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("late subscriber received an event, want closed channel")
		}
	default:
		t.Error("late subscriber channel not immediately closed")
	}
}

func TestBrokerDropsForSlowSubscribers(t *testing.T) {
	b := NewBroker()

	ch, unsub := b.Subscribe("t1")
	defer unsub()

	// Overfill the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish(Event{TaskID: "t1", Status: model.StatusRunning, Attempts: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	if len(ch) != subscriberBufferSize {
		t.Errorf("buffered events = %d, want full buffer %d", len(ch), subscriberBufferSize)
	}
}
