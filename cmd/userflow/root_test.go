package main

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	runtimepkg "github.com/drblury/userflow/internal/runtime"
	errspkg "github.com/drblury/userflow/internal/runtime/errors"
	"github.com/drblury/userflow/transport"
	"github.com/drblury/userflow/transport/channel"
	"github.com/drblury/userflow/transport/transporttest"
)

const adaLine = `{"id":null,"first_name":"Ada","last_name":"Lovelace","gender":"female","address":"12 St James's Square","post_code":"SW1Y","email":"ada@example.com","username":"ada","registered_date":"2024-01-01","phone":"555-0100","picture":"ada.png"}`

func newTestOptions(env map[string]string) (*rootOptions, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	return &rootOptions{
		lookupEnv: func(key string) (string, bool) {
			v, ok := env[key]
			return v, ok
		},
		registry: transport.NewRegistry(),
		stdin:    strings.NewReader(""),
		stdout:   &stdout,
		stderr:   &stderr,
	}, &stdout, &stderr
}

func runCommand(ctx context.Context, opts *rootOptions, args ...string) error {
	cmd := newRootCmd(opts)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func TestConfigCommandRedactsSecrets(t *testing.T) {
	opts, stdout, _ := newTestOptions(map[string]string{
		"USERFLOW_KAFKA_BROKERS": "localhost:9092",
		"USERFLOW_SINK_DSN":      "root:hunter2@tcp(localhost:3306)/users",
	})

	require.NoError(t, runCommand(context.Background(), opts, "config"))
	assert.Contains(t, stdout.String(), "users_created")
	assert.NotContains(t, stdout.String(), "hunter2")
}

func TestConfigCommandReportsInvalidConfig(t *testing.T) {
	opts, _, _ := newTestOptions(map[string]string{"USERFLOW_ERROR_POLICY": "dead-letter"})

	err := runCommand(context.Background(), opts, "config")
	var validationErr errspkg.ConfigValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, err.Error(), "dead letter topic")
}

func TestConfigFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "userflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pubsub_system: nats\nnats_url: nats://localhost:4222\ntopic: from_file\n"), 0o600))
	opts, stdout, _ := newTestOptions(map[string]string{"USERFLOW_TOPIC": "from_env"})

	require.NoError(t, runCommand(context.Background(), opts, "config", "--config", path))
	assert.Contains(t, stdout.String(), "from_env")
	assert.NotContains(t, stdout.String(), "from_file")
}

func TestUnknownLogLevel(t *testing.T) {
	opts, _, _ := newTestOptions(nil)
	err := runCommand(context.Background(), opts, "run", "--log-level", "chatty")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chatty")
}

func TestRunReportsBootstrapError(t *testing.T) {
	opts, _, _ := newTestOptions(map[string]string{
		"USERFLOW_PUBSUB_SYSTEM": "missing",
		"USERFLOW_SINK_DRIVER":   "sqlite3",
		"USERFLOW_SINK_DSN":      filepath.Join(t.TempDir(), "users.db"),
	})

	err := runCommand(context.Background(), opts, "run")
	var bootErr *errspkg.BootstrapError
	require.ErrorAs(t, err, &bootErr)
	assert.Equal(t, runtimepkg.StageTransport, bootErr.Stage)
}

func TestRunPersistsAndMirrorsRecords(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "users.db")
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(`CREATE TABLE created_users (
		id TEXT, first_name TEXT, last_name TEXT, gender TEXT, address TEXT,
		post_code TEXT, email TEXT, username TEXT, registered_date TEXT,
		phone TEXT, picture TEXT)`)
	require.NoError(t, err)

	pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	require.NoError(t, pubSub.Publish("users_created", message.NewMessage(watermill.NewUUID(), []byte(adaLine))))

	opts, _, _ := newTestOptions(map[string]string{
		"USERFLOW_PUBSUB_SYSTEM": "memory",
		"USERFLOW_SINK_DRIVER":   "sqlite3",
		"USERFLOW_SINK_DSN":      dsn,
	})
	opts.registry.Register("memory", func(context.Context, transport.Config, watermill.LoggerAdapter) (transport.Transport, error) {
		return channel.FromPubSub(pubSub), nil
	})
	opts.stdout = &lockedWriter{}
	opts.stderr = &lockedWriter{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- runCommand(ctx, opts, "run") }()

	require.Eventually(t, func() bool {
		var n int
		return db.QueryRow(`SELECT COUNT(*) FROM created_users WHERE first_name = 'Ada'`).Scan(&n) == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return strings.Contains(opts.stdout.(*lockedWriter).String(), `"last_name":"Lovelace"`)
	}, 5*time.Second, 20*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	var id string
	require.NoError(t, db.QueryRow(`SELECT id FROM created_users`).Scan(&id))
	assert.Len(t, id, 36)
}

func TestProducePublishesEveryLine(t *testing.T) {
	pub := &transporttest.Publisher{}
	opts, _, _ := newTestOptions(map[string]string{"USERFLOW_PUBSUB_SYSTEM": "memory"})
	opts.registry.Register("memory", func(context.Context, transport.Config, watermill.LoggerAdapter) (transport.Transport, error) {
		return transport.Transport{
			Publisher:     pub,
			NewSubscriber: func(string) (message.Subscriber, error) { return &transporttest.Subscriber{}, nil },
		}, nil
	})
	opts.stdin = strings.NewReader(adaLine + "\n\n  \nnot json\n")

	require.NoError(t, runCommand(context.Background(), opts, "produce", "--topic", "users_replay"))

	msgs := pub.Messages("users_replay")
	require.Len(t, msgs, 2)
	assert.Equal(t, adaLine, string(msgs[0].Payload))
	assert.Equal(t, "not json", string(msgs[1].Payload))
	assert.True(t, pub.Closed)
}

func TestProduceUnknownTransport(t *testing.T) {
	opts, _, _ := newTestOptions(map[string]string{"USERFLOW_PUBSUB_SYSTEM": "missing"})
	err := runCommand(context.Background(), opts, "produce")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build transport")
}

func TestProduceValidatesConfigBeforeConnecting(t *testing.T) {
	opts, _, _ := newTestOptions(map[string]string{"USERFLOW_PUBSUB_SYSTEM": "kafka"})
	built := false
	opts.registry.Register("kafka", func(context.Context, transport.Config, watermill.LoggerAdapter) (transport.Transport, error) {
		built = true
		return transport.Transport{}, nil
	})

	err := runCommand(context.Background(), opts, "produce")
	var validationErr errspkg.ConfigValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, err.Error(), "kafka: brokers are required")
	assert.False(t, built)
}

func TestExecuteExitCodes(t *testing.T) {
	assert.Equal(t, 0, execute([]string{"--help"}))
	assert.Equal(t, 1, execute([]string{"no-such-command"}))
}

type lockedWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *lockedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
