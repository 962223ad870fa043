package barto

import (
	"container/heap"
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// Schedule pairs a worker with a job to run at instants described by
// the expression. Built from configuration at coordinator start and
// immutable afterwards.
type Schedule struct {
	WorkerName string
	JobName    string
	Expr       *Expression
	Commands   []string
}

// DispatchEvent asks the hub to run one command on a named worker.
type DispatchEvent struct {
	WorkerName string
	JobName    string
	CmdUUID    uuid.UUID
	Command    string
	FiredAt    time.Time
}

// Scheduler owns the schedule set and produces dispatch events at
// their fire times. It runs as a single task; the dispatch channel is
// its only link to the hub.
type Scheduler struct {
	queue *scheduleHeap
	out   chan DispatchEvent
	now   func() time.Time
}

// NewScheduler computes the first fire time of every schedule and
// queues them. Schedules that can never fire again are dropped with a
// log line.
func NewScheduler(schedules []*Schedule, out chan DispatchEvent) *Scheduler {
	s := &Scheduler{
		queue: newScheduleHeap(),
		out:   out,
		now:   time.Now,
	}
	for _, sch := range schedules {
		s.add(sch)
	}
	return s
}

func (s *Scheduler) add(sch *Schedule) {
	at, err := sch.Expr.NextFire(s.now())
	if err != nil {
		log.Printf("schedule %s/%s will never fire: %v", sch.WorkerName, sch.JobName, err)
		return
	}
	heap.Push(s.queue, &scheduleItem{schedule: sch, fireAt: at})
}

// Run sleeps until the head of the queue is due, fires it, and
// requeues it at its next fire time. Missed instants are not caught
// up; each schedule fires at its next valid time after now. Returns
// when ctx is cancelled, dropping the queue without firing.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		head := s.queue.peek()
		if head == nil {
			// Nothing will ever fire again.
			<-ctx.Done()
			return ctx.Err()
		}
		timer.Reset(time.Until(head.fireAt))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		item := heap.Pop(s.queue).(*scheduleItem)
		now := s.now()
		s.fire(item.schedule, now)

		at, err := item.schedule.Expr.NextFire(now)
		if err != nil {
			log.Printf("schedule %s/%s will never fire again: %v",
				item.schedule.WorkerName, item.schedule.JobName, err)
			continue
		}
		item.fireAt = at
		heap.Push(s.queue, item)
	}
}

// fire emits one dispatch event per command string, each with a fresh
// cmd uuid, in configuration order.
func (s *Scheduler) fire(sch *Schedule, now time.Time) {
	for _, command := range sch.Commands {
		ev := DispatchEvent{
			WorkerName: sch.WorkerName,
			JobName:    sch.JobName,
			CmdUUID:    uuid.New(),
			Command:    command,
			FiredAt:    now,
		}
		s.send(ev)
	}
}

// send hands an event to the hub without ever blocking: a full
// channel means the hub is saturated, and the scheduler must not fall
// behind wall time, so the oldest queued event is dropped and logged.
func (s *Scheduler) send(ev DispatchEvent) {
	for {
		select {
		case s.out <- ev:
			return
		default:
		}
		select {
		case old := <-s.out:
			log.Printf("dispatch queue full, dropped %s/%s cmd %s",
				old.WorkerName, old.JobName, old.CmdUUID)
		default:
		}
	}
}
