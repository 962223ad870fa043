package mariadb

import (
	"database/sql"
	"fmt"

	"barto"
)

// StatusService interacts with a database for terminal exit statuses.
type StatusService struct {
	db     *sql.DB
	driver string
	table  string
}

// NewStatusService creates a new StatusService on the given table.
func NewStatusService(db *sql.DB, driver, table string) *StatusService {
	return &StatusService{db: db, driver: driver, table: table}
}

// Add upserts the status row for a cmd uuid. A replayed status
// replaces the stored row rather than duplicating it.
func (s *StatusService) Add(rec barto.StatusRecord) error {
	var stmt string
	if s.driver == "mysql" {
		stmt = fmt.Sprintf(`
			INSERT INTO %s (timestamp, cmd_uuid, exit_code, success)
			VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				timestamp = VALUES(timestamp),
				exit_code = VALUES(exit_code),
				success = VALUES(success)
		`, s.table)
	} else {
		stmt = fmt.Sprintf(`
			INSERT INTO %s (timestamp, cmd_uuid, exit_code, success)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (cmd_uuid) DO UPDATE SET
				timestamp = excluded.timestamp,
				exit_code = excluded.exit_code,
				success = excluded.success
		`, s.table)
	}
	_, err := s.db.Exec(stmt,
		rec.Timestamp,
		rec.CmdUUID.String(),
		rec.ExitCode,
		rec.Success,
	)
	return err
}

// Failed lists statuses of invocations that exited non-zero, newest
// first.
func (s *StatusService) Failed() ([]barto.FailedRow, error) {
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT timestamp, cmd_uuid, exit_code
		FROM %s
		WHERE success = ?
		ORDER BY timestamp DESC
	`, s.table),
		false,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]barto.FailedRow, 0)
	for rows.Next() {
		var r barto.FailedRow
		var cmd string
		if err := rows.Scan(&r.Timestamp, &cmd, &r.ExitCode); err != nil {
			return nil, err
		}
		id, err := parseUUID(cmd)
		if err != nil {
			return nil, err
		}
		r.CmdUUID = id
		out = append(out, r)
	}
	return out, rows.Err()
}
