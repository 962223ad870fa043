package mariadb

import (
	"context"
	"log"
	"time"

	"barto"
)

const (
	outputQueueLen = 1024
	statusQueueLen = 256

	// Output inserts retry inside a bounded envelope, then the line
	// is dropped: output is best-effort.
	outputRetryBudget = 30 * time.Second

	// Status inserts never give up while the process lives; the
	// backoff just caps out. Status is more valuable than output.
	statusBackoffCap = 60 * time.Second
)

// Writer is the asynchronous half of the sink: bounded queues in
// front of the database so sessions never block on storage, with
// retry-and-backoff on transient failures.
type Writer struct {
	store    *Store
	outputCh chan barto.OutputRecord
	statusCh chan barto.StatusRecord
}

// NewWriter creates a Writer over the store.
func NewWriter(store *Store) *Writer {
	return &Writer{
		store:    store,
		outputCh: make(chan barto.OutputRecord, outputQueueLen),
		statusCh: make(chan barto.StatusRecord, statusQueueLen),
	}
}

// AppendOutput queues one output row. Never blocks; when the queue is
// full the record is dropped with a log line.
func (w *Writer) AppendOutput(rec barto.OutputRecord) {
	select {
	case w.outputCh <- rec:
	default:
		log.Printf("output queue full, dropped line for cmd %s", rec.CmdUUID)
	}
}

// AppendStatus queues one status row. Never blocks; when the queue is
// full the oldest queued status makes room, which the upsert
// semantics tolerate.
func (w *Writer) AppendStatus(rec barto.StatusRecord) {
	for {
		select {
		case w.statusCh <- rec:
			return
		default:
		}
		select {
		case old := <-w.statusCh:
			log.Printf("status queue full, evicted status for cmd %s", old.CmdUUID)
		default:
		}
	}
}

// Run drains both queues until ctx is cancelled. Output and status
// writers run independently so a status in retry does not stall
// output, and vice versa.
func (w *Writer) Run(ctx context.Context) error {
	go w.statusLoop(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec := <-w.outputCh:
			w.writeOutput(ctx, rec)
		}
	}
}

func (w *Writer) writeOutput(ctx context.Context, rec barto.OutputRecord) {
	deadline := time.Now().Add(outputRetryBudget)
	backoff := time.Second
	for {
		err := w.store.Output().Add(rec)
		if err == nil {
			return
		}
		if time.Now().Add(backoff).After(deadline) {
			log.Printf("dropping output line for cmd %s: %v", rec.CmdUUID, err)
			return
		}
		log.Printf("output insert failed, retrying in %v: %v", backoff, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (w *Writer) statusLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-w.statusCh:
			backoff := time.Second
			for {
				err := w.store.Status().Add(rec)
				if err == nil {
					break
				}
				log.Printf("status insert failed for cmd %s, retrying in %v: %v",
					rec.CmdUUID, backoff, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > statusBackoffCap {
					backoff = statusBackoffCap
				}
			}
		}
	}
}
