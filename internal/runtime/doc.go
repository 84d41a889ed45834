/*
Package runtime provides the stream driver of userflow.

# Architecture Overview

A Service consumes JSON user records from one topic and feeds them to two
output paths built on a Watermill router. Each path is its own router handler
with its own subscription, so each keeps its own progress in the source and
neither path's failure affects the other.

  - console: decodes every message and renders the record as one JSON line.
  - persist: decodes every message and inserts the record into a SQL table,
    generating a UUID when the id is null.

Messages that do not decode are logged and acknowledged on both paths.

# Package Structure

## Core Service (service.go, paths.go, state.go)

The Service wires the transport, the router, the sinks and the middleware
chain, and owns the lifecycle:

	Idle -> Subscribing -> Running -> Failed | Stopped

Start blocks until the context is cancelled, Close is called or both paths
terminate. A path that stops without a shutdown request is reported as a
FatalStreamError.

## Error policy (middleware.go)

Failures of the persistence path go through the configured ErrorPolicy:

  - log-and-drop: log the record, acknowledge and continue (default).
  - dead-letter: forward the raw message to DeadLetterTopic, then acknowledge.
    A message that cannot be forwarded is logged and dropped.
  - abort: stop the persistence path and leave the message unacknowledged.

Router middlewares (correlation id, message logging, tracing, Prometheus
handler metrics) wrap both paths.

## Hooks, stats and metrics (hooks.go, stats.go, metrics.go)

RecordHooks observe every message of both paths, Stats reports per-path
counters and PipelineMetrics exports them to Prometheus.

## Publishing (publisher.go)

Helpers for writing user records onto the source topic.

# Sub-packages

  - config/: Service configuration, YAML loading, env overrides and validation
  - errors/: Sentinel errors and error types
  - ids/: ULID message ids and UUID record ids
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - record/: User record schema, payload decoder and id resolver
  - sink/: SQL writer and console renderer

# Usage Example

	cfg := &userflow.Config{
		PubSubSystem: "kafka",
		KafkaBrokers: []string{"localhost:9092"},
		SinkDriver:   "mysql",
		SinkDSN:      "user:pass@tcp(localhost:3306)/users",
	}

	svc, err := userflow.TryNewService(cfg, logger, ctx, userflow.ServiceDependencies{})
	if err != nil {
		return err
	}
	return svc.Start(ctx)
*/
package runtime
