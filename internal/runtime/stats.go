package runtime

import (
	"sync/atomic"
	"time"

	loggingpkg "github.com/drblury/userflow/internal/runtime/logging"
)

// Output path names. They label logs, metrics and subscriptions.
const (
	PathConsole = "console"
	PathPersist = "persist"
)

// PathStats is a point-in-time view of one output path.
type PathStats struct {
	Path            string    `json:"path"`
	Received        uint64    `json:"received"`
	DecodeFailures  uint64    `json:"decode_failures"`
	Rendered        uint64    `json:"rendered"`
	RenderFailures  uint64    `json:"render_failures"`
	Persisted       uint64    `json:"persisted"`
	PersistFailures uint64    `json:"persist_failures"`
	Dropped         uint64    `json:"dropped"`
	DeadLettered    uint64    `json:"dead_lettered"`
	LastRecordAt    time.Time `json:"last_record_at,omitempty"`
}

// Fields renders the counters as log fields.
func (p PathStats) Fields() loggingpkg.LogFields {
	fields := loggingpkg.LogFields{
		"path":            p.Path,
		"received":        p.Received,
		"decode_failures": p.DecodeFailures,
		"dropped":         p.Dropped,
	}
	switch p.Path {
	case PathConsole:
		fields["rendered"] = p.Rendered
		fields["render_failures"] = p.RenderFailures
	case PathPersist:
		fields["persisted"] = p.Persisted
		fields["persist_failures"] = p.PersistFailures
		fields["dead_lettered"] = p.DeadLettered
	}
	return fields
}

type pathCounters struct {
	received        atomic.Uint64
	decodeFailures  atomic.Uint64
	rendered        atomic.Uint64
	renderFailures  atomic.Uint64
	persisted       atomic.Uint64
	persistFailures atomic.Uint64
	dropped         atomic.Uint64
	deadLettered    atomic.Uint64
	lastRecordAt    atomic.Int64
}

func (c *pathCounters) onReceived() {
	c.received.Add(1)
	c.lastRecordAt.Store(time.Now().UnixNano())
}

func (c *pathCounters) snapshot(path string) PathStats {
	stats := PathStats{
		Path:            path,
		Received:        c.received.Load(),
		DecodeFailures:  c.decodeFailures.Load(),
		Rendered:        c.rendered.Load(),
		RenderFailures:  c.renderFailures.Load(),
		Persisted:       c.persisted.Load(),
		PersistFailures: c.persistFailures.Load(),
		Dropped:         c.dropped.Load(),
		DeadLettered:    c.deadLettered.Load(),
	}
	if ns := c.lastRecordAt.Load(); ns > 0 {
		stats.LastRecordAt = time.Unix(0, ns)
	}
	return stats
}
