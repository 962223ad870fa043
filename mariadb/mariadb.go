// Package mariadb persists command output and exit statuses and
// answers the CLI's queries. Live deployments run on MariaDB through
// go-sql-driver; tests run the same services on in-memory sqlite.
package mariadb

import (
	"database/sql"
	"fmt"
	"time"
)

// Pool size. Queries wait for a free connection when all are busy.
const maxOpenConns = 16

// Tables selects the live or test table pair at startup. The sink
// never switches after that.
type Tables struct {
	Output string
	Status string
}

// Open opens a database handle with pool limits applied. Driver is
// "mysql" in deployments and "sqlite" in tests.
func Open(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns / 2)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// CreateTables creates the output and exit status tables if they do
// not exist. It is ok to call it multiple times.
func CreateTables(db *sql.DB, driver string, t Tables) error {
	for _, stmt := range []string{outputDDL(driver, t.Output), statusDDL(driver, t.Status)} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}

func outputDDL(driver, table string) string {
	if driver == "mysql" {
		return fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
				timestamp TIMESTAMP NOT NULL,
				bartoc_uuid CHAR(36) NOT NULL,
				bartoc_name VARCHAR(255) NOT NULL,
				cmd_uuid CHAR(36) NOT NULL,
				cmd_name VARCHAR(255) NOT NULL,
				kind VARCHAR(6) NOT NULL,
				data TEXT NOT NULL,
				INDEX (bartoc_name),
				INDEX (cmd_uuid)
			)
		`, table)
	}
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL,
			bartoc_uuid TEXT NOT NULL,
			bartoc_name TEXT NOT NULL,
			cmd_uuid TEXT NOT NULL,
			cmd_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			data TEXT NOT NULL
		)
	`, table)
}

func statusDDL(driver, table string) string {
	if driver == "mysql" {
		return fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
				timestamp TIMESTAMP NOT NULL,
				cmd_uuid CHAR(36) NOT NULL UNIQUE,
				exit_code TINYINT UNSIGNED NOT NULL,
				success BOOLEAN NOT NULL
			)
		`, table)
	}
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL,
			cmd_uuid TEXT NOT NULL UNIQUE,
			exit_code INTEGER NOT NULL,
			success BOOLEAN NOT NULL
		)
	`, table)
}
