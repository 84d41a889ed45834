// Package userflow streams JSON user records from a topic into a relational
// table while mirroring the same stream to a diagnostic console. It is a small
// layer on top of Watermill: Config selects the source transport (Kafka,
// RabbitMQ, AWS SNS/SQS, NATS or Go channels) and the SQL sink (MySQL,
// PostgreSQL or SQLite), and Service runs one router handler per output path so
// each path keeps its own progress in the source.
//
// Records missing an id receive a random UUID before they are inserted.
// Payloads that do not match the eleven-field schema are logged and skipped.
// Rows the sink rejects are handled by the configured ErrorPolicy: log and drop
// (the default), forward to a dead-letter topic, or abort the persistence path.
//
// # Lifecycle
//
// A Service moves through Idle, Subscribing, Running and then Failed or
// Stopped. Start blocks until the context is cancelled, Close is called or
// both paths terminate; a path that stops on its own surfaces as a
// FatalStreamError.
//
// # Observability
//
// Every component logs through a ServiceLogger. RecordHooks run around every
// message, Service.Stats reports per-path counters, and MetricsEnabled exports
// Prometheus counters plus Watermill handler metrics.
package userflow
