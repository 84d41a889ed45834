package sink

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drblury/userflow/internal/runtime/logging"
	"github.com/drblury/userflow/internal/runtime/record"
)

const createUsersTable = `CREATE TABLE created_users (
	id TEXT, first_name TEXT, last_name TEXT, gender TEXT, address TEXT,
	post_code TEXT, email TEXT, username TEXT, registered_date TEXT,
	phone TEXT, picture TEXT)`

func newTestLogger() logging.ServiceLogger {
	return logging.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func openTestDB(t *testing.T) (string, *sql.DB) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "users.db")
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(createUsersTable)
	require.NoError(t, err)
	return dsn, db
}

func testRecord(first, last string) record.UserRecord {
	return record.UserRecord{
		FirstName:      first,
		LastName:       last,
		Gender:         "female",
		Address:        "1 Analytical St",
		PostCode:       "N1",
		Email:          "ada@example.com",
		Username:       "ada",
		RegisteredDate: "2024-01-01T00:00:00Z",
		Phone:          "555-0100",
		Picture:        "http://example.com/ada.png",
	}
}

// flakyConnector fails the first `failures` Conn calls, then delegates.
type flakyConnector struct {
	mu       sync.Mutex
	db       *sql.DB
	failures int
	calls    int
}

var errConnectRefused = errors.New("dial tcp: connection refused")

func (f *flakyConnector) Conn(ctx context.Context) (*sql.Conn, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, errConnectRefused
	}
	return f.db.Conn(ctx)
}
