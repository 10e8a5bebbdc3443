// Package transfer moves entity data between environments: a parallel,
// dependency-gated exporter and a tiered importer with checkpointed resume,
// id remapping, and per-entity dead-letter capture.
package transfer

import (
	"log/slog"
	"sync"

	"github.com/dvtools/dvq/internal/dverr"
)

// EventKind discriminates progress events.
type EventKind string

const (
	EventTierStarted        EventKind = "tierStarted"
	EventExportPageEmitted  EventKind = "exportPageEmitted"
	EventEntityCompleted    EventKind = "entityCompleted"
	EventImportBatchApplied EventKind = "importBatchApplied"
	EventFailure            EventKind = "failure"
	EventCheckpointed       EventKind = "checkpointed"
)

// Event is one progress notification. Fields are populated per kind.
type Event struct {
	Kind   EventKind
	Entity string
	Tier   int

	// Export fields.
	Page        int
	Rows        int
	MoreRecords bool

	// Import fields.
	Batch int

	// Failure fields.
	Code   dverr.Code
	Detail string
}

// ProgressSink receives events. Implementations must not block for long;
// the engine publishes synchronously.
type ProgressSink interface {
	Publish(Event)
}

// Bus fans events out to any number of sinks. Sinks registered mid-run see
// only subsequent events.
type Bus struct {
	mu    sync.RWMutex
	sinks []ProgressSink
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Register(s ProgressSink) {
	if s == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, s := range sinks {
		s.Publish(e)
	}
}

// SlogSink logs events as structured progress lines.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Publish(e Event) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	switch e.Kind {
	case EventFailure:
		l.Warn("transfer failure", "entity", e.Entity, "code", string(e.Code), "detail", e.Detail)
	case EventExportPageEmitted:
		l.Info("export page", "entity", e.Entity, "page", e.Page, "rows", e.Rows, "more", e.MoreRecords)
	case EventImportBatchApplied:
		l.Info("import batch", "entity", e.Entity, "batch", e.Batch, "rows", e.Rows)
	case EventCheckpointed:
		l.Info("checkpoint", "entity", e.Entity, "batch", e.Batch)
	case EventTierStarted:
		l.Info("tier started", "tier", e.Tier)
	case EventEntityCompleted:
		l.Info("entity completed", "entity", e.Entity, "rows", e.Rows)
	}
}

// FuncSink adapts a function to ProgressSink.
type FuncSink func(Event)

func (f FuncSink) Publish(e Event) { f(e) }
