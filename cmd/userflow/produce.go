package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/userflow/internal/runtime"
	loggingpkg "github.com/drblury/userflow/internal/runtime/logging"
)

const maxLineBytes = 1 << 20

func newProduceCmd(opts *rootOptions) *cobra.Command {
	var topic string
	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Publish newline-delimited JSON records from stdin to the topic",
		Long: `produce publishes every non-blank stdin line as one message. Payloads are
sent as-is, so malformed records can be used to exercise the decoder.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			logger, err := opts.logger()
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			resolved := cfg.WithDefaults()
			if topic != "" {
				resolved.Topic = topic
			}
			if err := resolved.Validate(); err != nil {
				return err
			}

			t, err := opts.registry.Build(cmd.Context(), &resolved, loggingpkg.NewWatermillAdapter(logger))
			if err != nil {
				return fmt.Errorf("build transport: %w", err)
			}
			defer func() {
				err = errors.Join(err, t.Publisher.Close())
			}()

			scanner := bufio.NewScanner(cmd.InOrStdin())
			scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
			published := 0
			for scanner.Scan() {
				line := bytes.TrimSpace(scanner.Bytes())
				if len(line) == 0 {
					continue
				}
				payload := append([]byte(nil), line...)
				if err := runtimepkg.PublishPayload(cmd.Context(), t.Publisher, resolved.Topic, payload, nil); err != nil {
					return fmt.Errorf("publish record %d: %w", published+1, err)
				}
				published++
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			logger.Info("Records published", loggingpkg.LogFields{"topic": resolved.Topic, "count": published})
			return nil
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "topic override")
	return cmd
}
