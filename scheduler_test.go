package barto

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

// A schedule in the past fires immediately; each command gets its own
// fresh uuid, dispatched in configuration order.
func TestSchedulerFires(t *testing.T) {
	expr := mustParse(t, "minutely")
	out := make(chan DispatchEvent, 16)
	// Pin the clock well in the past so the first fire is due at once.
	s := &Scheduler{queue: newScheduleHeap(), out: out, now: func() time.Time {
		return time.Date(2025, time.January, 15, 8, 42, 11, 0, time.UTC)
	}}
	s.add(&Schedule{
		WorkerName: "alpha",
		JobName:    "greet",
		Expr:       expr,
		Commands:   []string{"echo one", "echo two"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var events []DispatchEvent
	timeout := time.After(5 * time.Second)
	for len(events) < 2 {
		select {
		case ev := <-out:
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("got %d events before timeout", len(events))
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}

	if events[0].Command != "echo one" || events[1].Command != "echo two" {
		t.Fatalf("wrong command order: %v, %v", events[0].Command, events[1].Command)
	}
	if events[0].CmdUUID == events[1].CmdUUID {
		t.Fatal("commands must get distinct uuids")
	}
	if events[0].CmdUUID == (uuid.UUID{}) {
		t.Fatal("cmd uuid not minted")
	}
	for _, ev := range events {
		if ev.WorkerName != "alpha" || ev.JobName != "greet" {
			t.Fatalf("wrong identity: %+v", ev)
		}
	}
}

// A full dispatch channel evicts the oldest event instead of blocking
// the scheduler.
func TestSchedulerDropOldest(t *testing.T) {
	out := make(chan DispatchEvent, 1)
	s := &Scheduler{queue: newScheduleHeap(), out: out, now: time.Now}

	first := DispatchEvent{JobName: "first", CmdUUID: uuid.New()}
	second := DispatchEvent{JobName: "second", CmdUUID: uuid.New()}
	s.send(first)
	s.send(second)

	got := <-out
	if got.JobName != "second" {
		t.Fatalf("got %v, want second", got.JobName)
	}
	select {
	case ev := <-out:
		t.Fatalf("unexpected extra event: %v", ev.JobName)
	default:
	}
}

// Cancellation drains the queue without firing.
func TestSchedulerShutdown(t *testing.T) {
	expr := mustParse(t, "yearly")
	out := make(chan DispatchEvent, 1)
	s := NewScheduler([]*Schedule{{
		WorkerName: "alpha",
		JobName:    "noop",
		Expr:       expr,
		Commands:   []string{"true"},
	}}, out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	select {
	case ev := <-out:
		t.Fatalf("fired during shutdown: %v", ev.JobName)
	default:
	}
}

// A schedule whose expression can never fire again is dropped, not
// requeued.
func TestSchedulerExhaustedSchedule(t *testing.T) {
	expr := mustParse(t, "2024-01-01 00:00:00")
	out := make(chan DispatchEvent, 1)
	s := NewScheduler([]*Schedule{{
		WorkerName: "alpha",
		JobName:    "past",
		Expr:       expr,
		Commands:   []string{"true"},
	}}, out)
	if s.queue.Len() != 0 {
		t.Fatalf("dead schedule queued, len %d", s.queue.Len())
	}
}
