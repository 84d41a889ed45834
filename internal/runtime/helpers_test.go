package runtime

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/userflow/internal/runtime/config"
	loggingpkg "github.com/drblury/userflow/internal/runtime/logging"
	"github.com/drblury/userflow/internal/runtime/record"
	"github.com/drblury/userflow/transport"
	"github.com/drblury/userflow/transport/channel"
)

const (
	testTransport = "test-channel"
	testTopic     = "users_created"
	waitFor       = 5 * time.Second
	tick          = 10 * time.Millisecond
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

// recordingLogger keeps every entry; loggers derived with With share the store.
type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	fields  loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (l *recordingLogger) add(level, msg string, err error, fields loggingpkg.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, logEntry{level: level, msg: msg, err: err, fields: loggingpkg.Merge(l.fields, fields)})
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	return &recordingLogger{mu: l.mu, entries: l.entries, fields: loggingpkg.Merge(l.fields, fields)}
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.add("debug", msg, nil, fields)
}
func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.add("info", msg, nil, fields)
}
func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.add("trace", msg, nil, fields)
}
func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.add("error", msg, err, fields)
}

func (l *recordingLogger) errorsMatching(msg string) []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []logEntry
	for _, e := range *l.entries {
		if e.level == "error" && strings.Contains(e.msg, msg) {
			out = append(out, e)
		}
	}
	return out
}

// syncBuffer is a bytes.Buffer safe for the console sink and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	text := strings.TrimSpace(b.buf.String())
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func testUser(first, last string) record.UserRecord {
	return record.UserRecord{
		FirstName:      first,
		LastName:       last,
		Gender:         "female",
		Address:        "12 Engine Row",
		PostCode:       "EC1",
		Email:          strings.ToLower(first) + "@example.com",
		Username:       strings.ToLower(first),
		RegisteredDate: "2024-03-01T10:00:00Z",
		Phone:          "555-0101",
		Picture:        "http://example.com/" + strings.ToLower(first) + ".png",
	}
}

// stubWriter records writes and fails those for which fail returns an error.
type stubWriter struct {
	mu      sync.Mutex
	written []record.UserRecord
	calls   int
	fail    func(rec record.UserRecord) error
}

func (w *stubWriter) Write(_ context.Context, rec record.UserRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.fail != nil {
		if err := w.fail(rec); err != nil {
			return err
		}
	}
	w.written = append(w.written, rec)
	return nil
}

func (w *stubWriter) Written() []record.UserRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]record.UserRecord(nil), w.written...)
}

func (w *stubWriter) Calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

var errSinkDown = errors.New("sink unavailable")

// channelHarness is an in-memory transport registered under testTransport.
type channelHarness struct {
	pubSub   *gochannel.GoChannel
	registry *transport.Registry
}

func newChannelHarness(t *testing.T) *channelHarness {
	t.Helper()
	pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	registry := transport.NewRegistry()
	registry.Register(testTransport, func(context.Context, transport.Config, watermill.LoggerAdapter) (transport.Transport, error) {
		return channel.FromPubSub(pubSub), nil
	})
	t.Cleanup(func() { _ = pubSub.Close() })
	return &channelHarness{pubSub: pubSub, registry: registry}
}

func (h *channelHarness) publishRaw(t *testing.T, payload string) {
	t.Helper()
	require.NoError(t, PublishPayload(context.Background(), h.pubSub, testTopic, []byte(payload), nil))
}

func (h *channelHarness) publishUser(t *testing.T, rec record.UserRecord) {
	t.Helper()
	require.NoError(t, PublishRecord(context.Background(), h.pubSub, testTopic, rec))
}

func (h *channelHarness) subscribeDeadLetters(t *testing.T, topic string) <-chan *message.Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch, err := h.pubSub.Subscribe(ctx, topic)
	require.NoError(t, err)
	return ch
}

func newTestConfig() *configpkg.Config {
	return &configpkg.Config{
		PubSubSystem:    testTransport,
		Topic:           testTopic,
		ConsumerGroup:   "userflow-test",
		SinkDriver:      "sqlite3",
		ShutdownTimeout: 2 * time.Second,
	}
}

func newTestDeps(h *channelHarness, w RecordWriter, out io.Writer) ServiceDependencies {
	return ServiceDependencies{
		TransportRegistry: h.registry,
		Writer:            w,
		Output:            out,
		Registerer:        prometheus.NewRegistry(),
	}
}

const createUsersTable = `CREATE TABLE created_users (
	id TEXT, first_name TEXT, last_name TEXT, gender TEXT, address TEXT,
	post_code TEXT, email TEXT, username TEXT, registered_date TEXT,
	phone TEXT, picture TEXT)`

// newSQLiteSink creates a users table in a temp file and returns its DSN and
// a handle for assertions.
func newSQLiteSink(t *testing.T) (string, *sql.DB) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "users.db")
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(createUsersTable)
	require.NoError(t, err)
	return dsn, db
}

func countRows(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM created_users").Scan(&n))
	return n
}

// runService starts svc and returns a channel carrying Start's result.
func runService(t *testing.T, ctx context.Context, svc *Service) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	select {
	case <-svc.Running():
	case err := <-done:
		t.Fatalf("service stopped before running: %v", err)
	case <-time.After(waitFor):
		t.Fatal("service did not start")
	}
	return done
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitFor):
		t.Fatal("service did not stop")
		return nil
	}
}

func pathStats(svc *Service, path string) PathStats {
	for _, s := range svc.Stats() {
		if s.Path == path {
			return s
		}
	}
	return PathStats{Path: path}
}
