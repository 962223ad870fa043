package barto

import (
	"time"

	"github.com/google/uuid"
)

// OutputRecord is one stored line of command output.
type OutputRecord struct {
	Timestamp  time.Time
	WorkerUUID uuid.UUID
	WorkerName string
	CmdUUID    uuid.UUID
	CmdName    string
	Kind       OutputKind
	Data       string
}

// StatusRecord is the stored terminal status of one invocation.
// At most one row exists per CmdUUID.
type StatusRecord struct {
	Timestamp time.Time
	CmdUUID   uuid.UUID
	ExitCode  uint8
	Success   bool
}

// Sink accepts records for durable append. Implementations queue
// internally and retry transient failures; Append never blocks the
// caller on the database. Output is best-effort, status is retried on
// a slower cadence because it is more valuable than output lines.
type Sink interface {
	AppendOutput(OutputRecord)
	AppendStatus(StatusRecord)
}

// ListRow is one row answered to the CLI list operation.
type ListRow struct {
	Timestamp time.Time `json:"timestamp"`
	Data      string    `json:"data"`
	ExitCode  uint8     `json:"exit_code"`
	Success   bool      `json:"success"`
}

// FailedRow is one row answered to the CLI failed operation.
type FailedRow struct {
	Timestamp time.Time `json:"timestamp"`
	CmdUUID   uuid.UUID `json:"cmd_uuid"`
	ExitCode  uint8     `json:"exit_code"`
}

// QueryResult holds a raw query's answer in rendering order.
type QueryResult struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// Store answers the CLI's query operations against the durable sink.
type Store interface {
	// ListOutput lists stored output for one worker and job name.
	ListOutput(name, cmdName string) ([]ListRow, error)
	// Failed lists invocations whose exit status is non-zero.
	Failed() ([]FailedRow, error)
	// Query runs raw SQL and returns the result set as text.
	Query(q string) (*QueryResult, error)
	// Cleanup deletes rows older than the retention window whose
	// invocation has a terminal status. Returns deleted row counts
	// for the output and status tables.
	Cleanup() (int64, int64, error)
	// OutputData returns the output lines of a worker's succeeded
	// invocations, oldest first. Feeds the update filters.
	OutputData(name string) ([]string, error)
}
