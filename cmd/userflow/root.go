package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	configpkg "github.com/drblury/userflow/internal/runtime/config"
	loggingpkg "github.com/drblury/userflow/internal/runtime/logging"
	"github.com/drblury/userflow/transport"
	"github.com/drblury/userflow/transport/transports"
)

// rootOptions carries the flags and the collaborators shared by subcommands.
type rootOptions struct {
	configPath string
	logLevel   string

	lookupEnv func(string) (string, bool)
	registry  *transport.Registry
	stdin     io.Reader
	stdout    io.Writer
	stderr    io.Writer
}

func defaultOptions() *rootOptions {
	return &rootOptions{
		lookupEnv: os.LookupEnv,
		registry:  transports.NewRegistry(),
		stdin:     os.Stdin,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
	}
}

func execute(args []string) int {
	opts := defaultOptions()
	cmd := newRootCmd(opts)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(opts.stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "userflow",
		Short: "Stream JSON user records into a SQL table",
		Long: `userflow consumes JSON user records from a topic, inserts every record into
a relational table and mirrors the stream to stdout.

Settings come from an optional YAML file and USERFLOW_* environment variables,
the latter taking precedence.

Examples:
  # Run against the local Kafka broker and MySQL
  userflow run --config userflow.yaml

  # Show the effective configuration
  USERFLOW_SINK_DRIVER=sqlite3 USERFLOW_SINK_DSN=users.db userflow config

  # Publish newline-delimited JSON records
  userflow produce --config userflow.yaml < users.jsonl`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetIn(opts.stdin)
	cmd.SetOut(opts.stdout)
	cmd.SetErr(opts.stderr)

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	cmd.AddCommand(newRunCmd(opts), newProduceCmd(opts), newConfigCmd(opts))
	return cmd
}

func (o *rootOptions) logger() (loggingpkg.ServiceLogger, error) {
	level, err := loggingpkg.ParseLevel(o.logLevel)
	if err != nil {
		return nil, err
	}
	return loggingpkg.NewJSONServiceLogger(o.stderr, level), nil
}

// loadConfig reads the config file when one is given and applies environment
// overrides on top.
func (o *rootOptions) loadConfig() (*configpkg.Config, error) {
	cfg := &configpkg.Config{}
	if o.configPath != "" {
		loaded, err := configpkg.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(o.lookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with credentials redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			resolved := cfg.WithDefaults()
			fmt.Fprintln(cmd.OutOrStdout(), resolved.String())
			return resolved.Validate()
		},
	}
}
