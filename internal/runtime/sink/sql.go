package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver

	errspkg "github.com/drblury/userflow/internal/runtime/errors"
	"github.com/drblury/userflow/internal/runtime/logging"
	"github.com/drblury/userflow/internal/runtime/record"
)

const (
	// DefaultTable is the table the original deployment writes to.
	DefaultTable = "created_users"
	// DefaultMaxOpenConns bounds the pool when pooling is enabled.
	DefaultMaxOpenConns = 4

	pingTimeout = 5 * time.Second
)

var (
	ErrUnknownDriver = errors.New("userflow: unknown sink driver")
	ErrDSNRequired   = errors.New("userflow: sink DSN is required")
	ErrInvalidTable  = errors.New("userflow: invalid sink table name")
)

// Dialect describes how a database/sql driver spells positional parameters.
type Dialect struct {
	Driver      string
	Placeholder func(position int) string
}

func questionMark(int) string { return "?" }

func dollarN(position int) string { return fmt.Sprintf("$%d", position) }

var dialects = map[string]Dialect{
	"mysql":    {Driver: "mysql", Placeholder: questionMark},
	"postgres": {Driver: "postgres", Placeholder: dollarN},
	"sqlite3":  {Driver: "sqlite3", Placeholder: questionMark},
}

// LookupDialect returns the dialect registered for driver.
func LookupDialect(driver string) (Dialect, bool) {
	d, ok := dialects[driver]
	return d, ok
}

// Drivers lists the supported sink drivers.
func Drivers() []string {
	return []string{"mysql", "postgres", "sqlite3"}
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidateTable reports whether name is a plain, optionally schema-qualified,
// SQL identifier.
func ValidateTable(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidTable, name)
	}
	return nil
}

// InsertStatement builds the eleven-column parameterized insert for table.
func InsertStatement(d Dialect, table string) string {
	placeholders := make([]string, len(record.Columns))
	for i := range record.Columns {
		placeholders[i] = d.Placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table,
		strings.Join(record.Columns, ", "),
		strings.Join(placeholders, ", "),
	)
}

// Connector hands out dedicated connections. *sql.DB satisfies it.
type Connector interface {
	Conn(ctx context.Context) (*sql.Conn, error)
}

// SQLConfig configures OpenSQLWriter.
type SQLConfig struct {
	Driver string
	DSN    string
	Table  string
	// MaxOpenConns caps concurrently open connections. Zero uses DefaultMaxOpenConns.
	MaxOpenConns int
	// DisablePooling closes every connection after use so each write dials anew.
	DisablePooling bool
}

// SQLWriter persists user records, one transaction on one dedicated
// connection per call.
type SQLWriter struct {
	conns  Connector
	db     *sql.DB
	insert string
	logger logging.ServiceLogger
}

// OpenSQLWriter opens the database described by cfg. The pool connects lazily;
// an unreachable database is logged here and surfaces per record later.
func OpenSQLWriter(ctx context.Context, cfg SQLConfig, logger logging.ServiceLogger) (*SQLWriter, error) {
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	dialect, ok := LookupDialect(cfg.Driver)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, ErrDSNRequired
	}
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if err := ValidateTable(table); err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s sink: %w", cfg.Driver, err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpen)
	if cfg.DisablePooling {
		db.SetMaxIdleConns(0)
	} else {
		db.SetMaxIdleConns(maxOpen)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		logger.Error("Sink database not reachable yet", err, logging.LogFields{"driver": cfg.Driver})
	}

	w := newSQLWriter(db, dialect, table, logger)
	w.db = db
	return w, nil
}

// NewSQLWriter builds a writer on top of an existing connection source.
// The caller keeps ownership of conns.
func NewSQLWriter(conns Connector, driver, table string, logger logging.ServiceLogger) (*SQLWriter, error) {
	if conns == nil {
		return nil, errors.New("userflow: sink connector is required")
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	dialect, ok := LookupDialect(driver)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	if table == "" {
		table = DefaultTable
	}
	if err := ValidateTable(table); err != nil {
		return nil, err
	}
	return newSQLWriter(conns, dialect, table, logger), nil
}

func newSQLWriter(conns Connector, dialect Dialect, table string, logger logging.ServiceLogger) *SQLWriter {
	return &SQLWriter{
		conns:  conns,
		insert: InsertStatement(dialect, table),
		logger: logger.With(logging.LogFields{"component": "sql_writer", "table": table}),
	}
}

// Write resolves the record id and inserts the record. Every failure is
// returned as *errors.PersistError; nothing is retried.
func (w *SQLWriter) Write(ctx context.Context, rec record.UserRecord) error {
	rec = record.ResolveID(rec)
	fields := logging.LogFields{"id": rec.ID, "first_name": rec.FirstName, "last_name": rec.LastName}
	fail := func(op string, err error) error {
		return &errspkg.PersistError{Op: op, ID: rec.ID, FirstName: rec.FirstName, LastName: rec.LastName, Err: err}
	}

	conn, err := w.conns.Conn(ctx)
	if err != nil {
		return fail(errspkg.OpConnect, err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			w.logger.Error("Failed to release sink connection", err, fields)
		}
	}()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fail(errspkg.OpBegin, err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			w.logger.Error("Failed to roll back insert", err, fields)
		}
	}()

	// #nosec G202 -- table name validated, values bound as parameters
	if _, err := tx.ExecContext(ctx, w.insert, rec.Values()...); err != nil {
		return fail(errspkg.OpExec, err)
	}
	if err := tx.Commit(); err != nil {
		return fail(errspkg.OpCommit, err)
	}

	w.logger.Info(fmt.Sprintf("Data inserted for %s %s", rec.FirstName, rec.LastName), logging.LogFields{"id": rec.ID})
	return nil
}

// Close releases the pool when the writer opened it.
func (w *SQLWriter) Close() error {
	if w.db == nil {
		return nil
	}
	return w.db.Close()
}
