package transfer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dvtools/dvq/internal/debug"
	"github.com/dvtools/dvq/internal/dverr"
	"github.com/dvtools/dvq/internal/fetchxml"
	"github.com/dvtools/dvq/internal/plan"
	"github.com/dvtools/dvq/internal/types"
)

// defaultBatchSize is the number of rows per emitted batch.
const defaultBatchSize = 500

// timeNow is swapped in tests for deterministic manifests.
var timeNow = time.Now

// retrySleep is swapped in tests.
var retrySleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Batch is one unit handed to the sink. Batches for one entity arrive in
// order; across entities there is no ordering.
type Batch struct {
	Entity string
	Index  int
	Rows   []Row
}

// Sink consumes exported data. Write blocks until the batch is consumed;
// that return is the backpressure signal. An error from either method is
// fatal and cancels sibling workers.
type Sink interface {
	Write(ctx context.Context, b Batch) error
	EntityDone(ctx context.Context, entity string, rows int) error
}

// ExportOptions tune the exporter.
type ExportOptions struct {
	// BatchSize rows per sink batch. 0 means 500.
	BatchSize int
	// PageSize is the server page size. 0 lets the server decide.
	PageSize int
	// RetryCap bounds per-page retries of retryable faults. 0 means 5.
	RetryCap int
}

// Exporter walks a plan and emits every selected entity's records. Entities
// start as soon as their dependencies finished exporting; total network
// concurrency stays bounded by the pool.
type Exporter struct {
	fetch *fetchxml.Executor
	bus   *Bus
	opts  ExportOptions
}

func NewExporter(fetch *fetchxml.Executor, bus *Bus, opts ExportOptions) *Exporter {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = 5
	}
	return &Exporter{fetch: fetch, bus: bus, opts: opts}
}

// Export runs the whole plan. It returns the first fatal error; ctx
// cancellation propagates to every worker.
func (e *Exporter) Export(ctx context.Context, p *plan.Plan, sink Sink) error {
	done := make(map[string]chan struct{}, len(p.Nodes))
	for name := range p.Nodes {
		done[name] = make(chan struct{})
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, node := range p.Nodes {
		name, node := name, node
		g.Go(func() error {
			for _, dep := range node.DependsOn {
				select {
				case <-done[dep]:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if err := e.exportEntity(gctx, name, sink); err != nil {
				e.bus.Publish(Event{Kind: EventFailure, Entity: name, Code: dverr.CodeOf(err), Detail: err.Error()})
				return fmt.Errorf("export %s: %w", name, err)
			}
			close(done[name])
			return nil
		})
	}
	return g.Wait()
}

func (e *Exporter) exportEntity(ctx context.Context, entity string, sink Sink) error {
	fetchXML := e.entityFetch(entity)

	var (
		pending    []Row
		batchIndex int
		total      int
		cookie     string
	)
	flush := func(final bool) error {
		for len(pending) >= e.opts.BatchSize || (final && len(pending) > 0) {
			n := e.opts.BatchSize
			if n > len(pending) {
				n = len(pending)
			}
			b := Batch{Entity: entity, Index: batchIndex, Rows: pending[:n]}
			if err := sink.Write(ctx, b); err != nil {
				return fmt.Errorf("sink rejected batch %d: %w", batchIndex, err)
			}
			pending = pending[n:]
			batchIndex++
		}
		return nil
	}

	for page := 1; ; page++ {
		res, err := e.executePage(ctx, fetchXML, page, cookie)
		if err != nil {
			return err
		}
		for _, rec := range res.Records {
			pending = append(pending, Row{ID: primaryID(rec, entity), Record: rec})
		}
		total += len(res.Records)
		if err := flush(false); err != nil {
			return err
		}
		e.bus.Publish(Event{
			Kind:        EventExportPageEmitted,
			Entity:      entity,
			Page:        page,
			Rows:        total,
			MoreRecords: res.MoreRecords,
		})
		if !res.MoreRecords {
			break
		}
		cookie = res.PagingCookie
	}

	if err := flush(true); err != nil {
		return err
	}
	if err := sink.EntityDone(ctx, entity, total); err != nil {
		return fmt.Errorf("sink rejected completion: %w", err)
	}
	e.bus.Publish(Event{Kind: EventEntityCompleted, Entity: entity, Rows: total})
	debug.Logf("export: %s done, %d rows in %d batches", entity, total, batchIndex)
	return nil
}

// executePage retries retryable faults up to the cap. Throttled responses
// have already been backed off by the pool when they surface here; Transient
// faults back off exponentially between attempts.
func (e *Exporter) executePage(ctx context.Context, fetchXML string, page int, cookie string) (*types.QueryResult, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	var lastErr error
	for attempt := 0; attempt <= e.opts.RetryCap; attempt++ {
		res, err := e.fetch.Execute(ctx, fetchXML, fetchxml.Options{PageNumber: page, PagingCookie: cookie})
		if err == nil {
			return res, nil
		}
		if !dverr.Retryable(err) {
			return nil, err
		}
		lastErr = err
		debug.Logf("export: page %d attempt %d failed: %v", page, attempt+1, err)
		if dverr.CodeOf(err) == dverr.CodeTransient {
			if serr := retrySleep(ctx, bo.NextBackOff()); serr != nil {
				return nil, dverr.Wrap(dverr.CodeCancelled, "retry wait cancelled", serr)
			}
		}
	}
	return nil, lastErr
}

func (e *Exporter) entityFetch(entity string) string {
	if e.opts.PageSize > 0 {
		return fmt.Sprintf(`<fetch count=%q><entity name=%q><all-attributes/></entity></fetch>`,
			strconv.Itoa(e.opts.PageSize), entity)
	}
	return fmt.Sprintf(`<fetch><entity name=%q><all-attributes/></entity></fetch>`, entity)
}

// primaryID pulls the entity's id out of a mapped record.
func primaryID(rec types.Record, entity string) uuid.UUID {
	v := rec.Get(entity + "id")
	switch id := v.Raw().(type) {
	case uuid.UUID:
		return id
	case string:
		if parsed, err := uuid.Parse(id); err == nil {
			return parsed
		}
	}
	return uuid.Nil
}

// DirectorySink writes per-entity JSONL data files plus a manifest.
type DirectorySink struct {
	dir string
	env string

	mu      sync.Mutex
	writers map[string]*DataFileWriter
	entries []ManifestEntity
}

func NewDirectorySink(dir, environment string) *DirectorySink {
	return &DirectorySink{dir: dir, env: environment, writers: make(map[string]*DataFileWriter)}
}

func (s *DirectorySink) Write(ctx context.Context, b Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	w := s.writers[b.Entity]
	if w == nil {
		var err error
		w, err = NewDataFileWriter(s.dir, b.Entity)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.writers[b.Entity] = w
	}
	s.mu.Unlock()

	for _, row := range b.Rows {
		if err := w.WriteRow(row); err != nil {
			return err
		}
	}
	return nil
}

func (s *DirectorySink) EntityDone(ctx context.Context, entity string, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.writers[entity]
	if w == nil {
		// Entity had zero rows; write an empty data file so import and
		// verify see a complete directory.
		var err error
		w, err = NewDataFileWriter(s.dir, entity)
		if err != nil {
			return err
		}
	}
	delete(s.writers, entity)
	sum, err := w.Close()
	if err != nil {
		return err
	}
	s.entries = append(s.entries, ManifestEntity{
		Name:     entity,
		File:     DataFileName(entity),
		Rows:     rows,
		Checksum: sum,
	})
	return nil
}

// Close writes the manifest. Call after Export returns successfully.
func (s *DirectorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for entity, w := range s.writers {
		w.Abort()
		delete(s.writers, entity)
	}
	return WriteManifest(s.dir, &Manifest{
		ExportedAt:  timeNow(),
		Environment: s.env,
		Entities:    s.entries,
	})
}
