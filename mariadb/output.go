package mariadb

import (
	"database/sql"
	"fmt"

	"barto"
)

// OutputService interacts with a database for stored output lines.
type OutputService struct {
	db    *sql.DB
	table string
}

// NewOutputService creates a new OutputService on the given table.
func NewOutputService(db *sql.DB, table string) *OutputService {
	return &OutputService{db: db, table: table}
}

// Add appends one output row.
func (s *OutputService) Add(rec barto.OutputRecord) error {
	_, err := s.db.Exec(fmt.Sprintf(`
		INSERT INTO %s (
			timestamp,
			bartoc_uuid,
			bartoc_name,
			cmd_uuid,
			cmd_name,
			kind,
			data
		)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.table),
		rec.Timestamp,
		rec.WorkerUUID.String(),
		rec.WorkerName,
		rec.CmdUUID.String(),
		rec.CmdName,
		rec.Kind.String(),
		rec.Data,
	)
	return err
}

// List lists stored output rows for one worker and job name together
// with each invocation's exit status, oldest first.
func (s *OutputService) List(statusTable, name, cmdName string) ([]barto.ListRow, error) {
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT
			o.timestamp,
			o.data,
			e.exit_code,
			e.success
		FROM %s o
		JOIN %s e ON e.cmd_uuid = o.cmd_uuid
		WHERE o.bartoc_name = ? AND o.cmd_name = ?
		ORDER BY o.timestamp, o.id
	`, s.table, statusTable),
		name, cmdName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]barto.ListRow, 0)
	for rows.Next() {
		var r barto.ListRow
		if err := rows.Scan(&r.Timestamp, &r.Data, &r.ExitCode, &r.Success); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Data returns the output lines of a worker's succeeded invocations,
// oldest first. Feeds the update filters.
func (s *OutputService) Data(statusTable, name string) ([]string, error) {
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT o.data
		FROM %s o
		JOIN %s e ON e.cmd_uuid = o.cmd_uuid
		WHERE o.bartoc_name = ? AND e.exit_code = 0
		ORDER BY o.timestamp, o.id
	`, s.table, statusTable),
		name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]string, 0)
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
