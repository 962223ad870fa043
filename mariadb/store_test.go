package mariadb

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"barto"
)

var testTables = Tables{Output: "output_test", Status: "exit_status_test"}

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	// In-memory sqlite lives and dies with a single connection.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, CreateTables(db, "sqlite", testTables))
	return NewStore(db, "sqlite", testTables, 7*24*time.Hour)
}

func outputRec(worker string, cmd uuid.UUID, cmdName, line string, at time.Time) barto.OutputRecord {
	return barto.OutputRecord{
		Timestamp:  at,
		WorkerUUID: uuid.New(),
		WorkerName: worker,
		CmdUUID:    cmd,
		CmdName:    cmdName,
		Kind:       barto.Stdout,
		Data:       line,
	}
}

// S6 at the storage layer: three ordered output rows and one status.
func TestStoreListOutput(t *testing.T) {
	s := testStore(t)
	cmd := uuid.New()
	base := time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC)
	for i, line := range []string{"A", "B", "C"} {
		require.NoError(t, s.Output().Add(outputRec("alpha", cmd, "greet", line, base.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, s.Status().Add(barto.StatusRecord{
		Timestamp: base.Add(3 * time.Second),
		CmdUUID:   cmd,
		ExitCode:  0,
		Success:   true,
	}))

	rows, err := s.ListOutput("alpha", "greet")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, want := range []string{"A", "B", "C"} {
		require.Equal(t, want, rows[i].Data)
		require.Equal(t, uint8(0), rows[i].ExitCode)
		require.True(t, rows[i].Success)
	}

	// Other names see nothing.
	rows, err = s.ListOutput("beta", "greet")
	require.NoError(t, err)
	require.Empty(t, rows)
}

// At most one status row exists per cmd uuid; a replay replaces it.
func TestStoreStatusUpsert(t *testing.T) {
	s := testStore(t)
	cmd := uuid.New()
	at := time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Status().Add(barto.StatusRecord{Timestamp: at, CmdUUID: cmd, ExitCode: 1, Success: false}))
	require.NoError(t, s.Status().Add(barto.StatusRecord{Timestamp: at.Add(time.Second), CmdUUID: cmd, ExitCode: 0, Success: true}))

	res, err := s.Query(fmt.Sprintf("SELECT exit_code, success FROM %s", testTables.Status))
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	require.Equal(t, "0", res.Rows[0][0])
}

func TestStoreFailed(t *testing.T) {
	s := testStore(t)
	bad, good := uuid.New(), uuid.New()
	at := time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Status().Add(barto.StatusRecord{Timestamp: at, CmdUUID: bad, ExitCode: 255, Success: false}))
	require.NoError(t, s.Status().Add(barto.StatusRecord{Timestamp: at, CmdUUID: good, ExitCode: 0, Success: true}))

	rows, err := s.Failed()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, bad, rows[0].CmdUUID)
	require.Equal(t, uint8(255), rows[0].ExitCode)
}

// OutputData only surfaces lines from succeeded invocations.
func TestStoreOutputData(t *testing.T) {
	s := testStore(t)
	ok, failed := uuid.New(), uuid.New()
	at := time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Output().Add(outputRec("alpha", ok, "updates", "pkg-1", at)))
	require.NoError(t, s.Output().Add(outputRec("alpha", failed, "updates", "garbage", at.Add(time.Second))))
	require.NoError(t, s.Status().Add(barto.StatusRecord{Timestamp: at, CmdUUID: ok, ExitCode: 0, Success: true}))
	require.NoError(t, s.Status().Add(barto.StatusRecord{Timestamp: at, CmdUUID: failed, ExitCode: 1, Success: false}))

	lines, err := s.OutputData("alpha")
	require.NoError(t, err)
	require.Equal(t, []string{"pkg-1"}, lines)
}

// Cleanup deletes old rows only when their invocation has a terminal
// status.
func TestStoreCleanup(t *testing.T) {
	s := testStore(t)
	oldDone := uuid.New()
	oldPending := uuid.New()
	fresh := uuid.New()
	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	now := time.Now().UTC()

	require.NoError(t, s.Output().Add(outputRec("alpha", oldDone, "a", "old done", old)))
	require.NoError(t, s.Status().Add(barto.StatusRecord{Timestamp: old, CmdUUID: oldDone, ExitCode: 0, Success: true}))
	require.NoError(t, s.Output().Add(outputRec("alpha", oldPending, "b", "old pending", old)))
	require.NoError(t, s.Output().Add(outputRec("alpha", fresh, "c", "fresh", now)))
	require.NoError(t, s.Status().Add(barto.StatusRecord{Timestamp: now, CmdUUID: fresh, ExitCode: 0, Success: true}))

	outputRows, statusRows, err := s.Cleanup()
	require.NoError(t, err)
	require.Equal(t, int64(1), outputRows)
	require.Equal(t, int64(0), statusRows)

	res, err := s.Query(fmt.Sprintf("SELECT data FROM %s ORDER BY id", testTables.Output))
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	require.Equal(t, "old pending", res.Rows[0][0])
	require.Equal(t, "fresh", res.Rows[1][0])
}

// The status of an aged-out invocation goes once its output is gone.
func TestStoreCleanupOrphanStatus(t *testing.T) {
	s := testStore(t)
	cmd := uuid.New()
	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	require.NoError(t, s.Status().Add(barto.StatusRecord{Timestamp: old, CmdUUID: cmd, ExitCode: 0, Success: true}))

	_, statusRows, err := s.Cleanup()
	require.NoError(t, err)
	require.Equal(t, int64(1), statusRows)
}

func TestStoreQueryRendersRows(t *testing.T) {
	s := testStore(t)
	cmd := uuid.New()
	at := time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Output().Add(outputRec("alpha", cmd, "greet", "hello", at)))

	res, err := s.Query(fmt.Sprintf("SELECT bartoc_name, cmd_name, data FROM %s", testTables.Output))
	require.NoError(t, err)
	require.Equal(t, []string{"bartoc_name", "cmd_name", "data"}, res.Columns)
	require.Len(t, res.Rows, 1)
	require.Equal(t, []string{"alpha", "greet", "hello"}, res.Rows[0])
}

func TestStoreQueryError(t *testing.T) {
	s := testStore(t)
	_, err := s.Query("SELECT * FROM nonexistent_table")
	require.Error(t, err)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("nosuchdriver", "dsn")
	require.Error(t, err)
}
