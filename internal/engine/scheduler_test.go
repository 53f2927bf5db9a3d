package engine

import (
	"errors"
	"testing"
	"time"
)

func TestSchedulerOneShot(t *testing.T) {
	s := newScheduler()
	now := time.Now().UTC()

	at := now.Add(100 * time.Millisecond)
	next, err := s.add("t1", trigger{at: at}, now)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !next.Equal(at) {
		t.Errorf("next = %v, want %v", next, at)
	}

	if fired := s.due(now); len(fired) != 0 {
		t.Errorf("due before trigger time fired %d entries", len(fired))
	}

	fired := s.due(now.Add(time.Second))
	if len(fired) != 1 || fired[0].taskID != "t1" || fired[0].repeating {
		t.Fatalf("due = %+v, want one non-repeating firing for t1", fired)
	}

	// One-shot entries are consumed by firing.
	if active, _ := s.scheduled("t1"); active {
		t.Error("one-shot entry still active after firing")
	}
	if fired := s.due(now.Add(time.Minute)); len(fired) != 0 {
		t.Errorf("one-shot fired again: %+v", fired)
	}
}

func TestSchedulerRepeatingNoBacklog(t *testing.T) {
	s := newScheduler()
	now := time.Now().UTC()

	if _, err := s.add("beat", trigger{interval: time.Second}, now); err != nil {
		t.Fatalf("add: %v", err)
	}

	// A tick arriving far after several missed intervals fires exactly once.
	late := now.Add(10 * time.Second)
	fired := s.due(late)
	if len(fired) != 1 {
		t.Fatalf("late tick fired %d entries, want 1", len(fired))
	}
	if !fired[0].repeating {
		t.Error("interval firing not marked repeating")
	}

	// The next run is computed from the late tick, not from the missed slots.
	if fired := s.due(late.Add(999 * time.Millisecond)); len(fired) != 0 {
		t.Errorf("fired again before a full interval elapsed: %+v", fired)
	}
	if fired := s.due(late.Add(time.Second)); len(fired) != 1 {
		t.Errorf("did not fire after a full interval: %+v", fired)
	}
}

func TestSchedulerDuplicateAdd(t *testing.T) {
	s := newScheduler()
	now := time.Now().UTC()

	if _, err := s.add("t1", trigger{at: now.Add(time.Hour)}, now); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.add("t1", trigger{interval: time.Minute}, now); !errors.Is(err, ErrAlreadyScheduled) {
		t.Errorf("duplicate add = %v, want ErrAlreadyScheduled", err)
	}
}

func TestSchedulerRemove(t *testing.T) {
	s := newScheduler()
	now := time.Now().UTC()

	if _, err := s.add("t1", trigger{interval: time.Second}, now); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !s.remove("t1") {
		t.Error("remove of existing entry = false")
	}
	if s.remove("t1") {
		t.Error("remove of absent entry = true")
	}
	if fired := s.due(now.Add(time.Minute)); len(fired) != 0 {
		t.Errorf("removed entry fired: %+v", fired)
	}
}

func TestSchedulerDuePopsInOrder(t *testing.T) {
	s := newScheduler()
	now := time.Now().UTC()

	s.add("later", trigger{at: now.Add(2 * time.Second)}, now)
	s.add("sooner", trigger{at: now.Add(time.Second)}, now)

	fired := s.due(now.Add(3 * time.Second))
	if len(fired) != 2 {
		t.Fatalf("fired %d entries, want 2", len(fired))
	}
	if fired[0].taskID != "sooner" || fired[1].taskID != "later" {
		t.Errorf("firing order = [%s, %s], want [sooner, later]", fired[0].taskID, fired[1].taskID)
	}
}

func TestParseCron(t *testing.T) {
	if _, err := parseCron("*/5 * * * *"); err != nil {
		t.Errorf("parseCron valid = %v", err)
	}
	if _, err := parseCron("bogus"); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("parseCron invalid = %v, want ErrInvalidConfiguration", err)
	}
}

func TestTriggerNext(t *testing.T) {
	now := time.Now().UTC()

	at := now.Add(time.Hour)
	if got := (trigger{at: at}).next(now); !got.Equal(at) {
		t.Errorf("one-shot next = %v, want %v", got, at)
	}
	if got := (trigger{interval: time.Minute}).next(now); !got.Equal(now.Add(time.Minute)) {
		t.Errorf("interval next = %v, want %v", got, now.Add(time.Minute))
	}
	if (trigger{at: at}).repeating() {
		t.Error("one-shot trigger reports repeating")
	}
	if !(trigger{interval: time.Minute}).repeating() {
		t.Error("interval trigger reports non-repeating")
	}
}
