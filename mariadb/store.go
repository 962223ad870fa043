package mariadb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"barto"
)

// Store bundles the services behind the coordinator's query surface.
type Store struct {
	db        *sql.DB
	driver    string
	tables    Tables
	retention time.Duration

	output *OutputService
	status *StatusService
}

// NewStore creates a Store over an open handle. Retention bounds what
// Cleanup keeps.
func NewStore(db *sql.DB, driver string, tables Tables, retention time.Duration) *Store {
	return &Store{
		db:        db,
		driver:    driver,
		tables:    tables,
		retention: retention,
		output:    NewOutputService(db, tables.Output),
		status:    NewStatusService(db, driver, tables.Status),
	}
}

// Output returns the output service.
func (s *Store) Output() *OutputService { return s.output }

// Status returns the status service.
func (s *Store) Status() *StatusService { return s.status }

// ListOutput lists stored output for one worker and job name.
func (s *Store) ListOutput(name, cmdName string) ([]barto.ListRow, error) {
	return s.output.List(s.tables.Status, name, cmdName)
}

// Failed lists invocations whose exit status is non-zero.
func (s *Store) Failed() ([]barto.FailedRow, error) {
	return s.status.Failed()
}

// OutputData returns a worker's succeeded output lines.
func (s *Store) OutputData(name string) ([]string, error) {
	return s.output.Data(s.tables.Status, name)
}

// Query runs raw SQL and renders every value as text.
func (s *Store) Query(q string) (*barto.QueryResult, error) {
	rows, err := s.db.Query(q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	res := &barto.QueryResult{Columns: cols, Rows: make([][]string, 0)}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]string, len(cols))
		for i, v := range vals {
			row[i] = renderValue(v)
		}
		res.Rows = append(res.Rows, row)
	}
	return res, rows.Err()
}

// Cleanup deletes rows older than the retention window whose
// invocation has a terminal status. Returns deleted row counts for
// the output and status tables.
func (s *Store) Cleanup() (int64, int64, error) {
	cutoff := time.Now().UTC().Add(-s.retention)
	outRes, err := s.db.Exec(fmt.Sprintf(`
		DELETE FROM %s
		WHERE timestamp < ?
		AND cmd_uuid IN (SELECT cmd_uuid FROM %s)
	`, s.tables.Output, s.tables.Status),
		cutoff,
	)
	if err != nil {
		return 0, 0, err
	}
	outputRows, err := outRes.RowsAffected()
	if err != nil {
		return 0, 0, err
	}
	stRes, err := s.db.Exec(fmt.Sprintf(`
		DELETE FROM %s
		WHERE timestamp < ?
		AND cmd_uuid NOT IN (SELECT DISTINCT cmd_uuid FROM %s)
	`, s.tables.Status, s.tables.Output),
		cutoff,
	)
	if err != nil {
		return outputRows, 0, err
	}
	statusRows, err := stRes.RowsAffected()
	if err != nil {
		return outputRows, 0, err
	}
	return outputRows, statusRows, nil
}

func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}

func parseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("stored uuid %q: %w", s, err)
	}
	return id, nil
}
