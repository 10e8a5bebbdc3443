package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dvtools/dvq/internal/client"
	"github.com/dvtools/dvq/internal/debug"
	"github.com/dvtools/dvq/internal/dverr"
	"github.com/dvtools/dvq/internal/plan"
	"github.com/dvtools/dvq/internal/pool"
)

// ImportOptions tune the importer.
type ImportOptions struct {
	// BatchSize rows per applied batch. 0 means 500.
	BatchSize int
	// RetryCap bounds per-record retries of Transient/Throttled faults.
	// 0 means 5.
	RetryCap int
	// DryRun walks every batch without issuing writes; counts report as
	// they would apply.
	DryRun bool
}

// Importer applies an exported directory to a target environment, tier by
// tier, with checkpointed resume.
type Importer struct {
	pool *pool.Pool
	bus  *Bus
	opts ImportOptions

	mu    sync.Mutex // guards cp across concurrent entity tasks
	cp    *Checkpoint
	remap *Remap
}

func NewImporter(p *pool.Pool, bus *Bus, opts ImportOptions) *Importer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = 5
	}
	return &Importer{pool: p, bus: bus, opts: opts}
}

// Import runs the plan against dir's data files. On success the checkpoint
// is deleted; on any failure it is kept for the next run to resume from.
func (im *Importer) Import(ctx context.Context, p *plan.Plan, dir string) error {
	lock, err := acquireImportLock(dir)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	im.cp, err = LoadCheckpoint(dir)
	if err != nil {
		return err
	}
	im.remap = NewRemap()
	for name := range p.Nodes {
		delta, err := im.cp.RemapDelta(name)
		if err != nil {
			return err
		}
		im.remap.Merge(name, delta)
	}

	names := make([]string, 0, len(p.Nodes))
	for name := range p.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	if !im.opts.DryRun {
		release, err := im.suppressSideEffects(ctx, names)
		if err != nil {
			return err
		}
		defer release()
	}

	for _, tier := range p.Tiers {
		im.bus.Publish(Event{Kind: EventTierStarted, Tier: tier.Index})
		g, gctx := errgroup.WithContext(ctx)
		var tierFailed bool
		var failMu sync.Mutex
		for _, entity := range tier.Entities {
			node := p.Nodes[entity]
			g.Go(func() error {
				err := im.importEntity(gctx, node, p, dir)
				if err == nil {
					return nil
				}
				if dverr.CodeOf(err) == dverr.CodeCancelled {
					return err
				}
				// A fatal entity does not cancel its tier siblings;
				// the tier is marked failed once everyone terminated.
				failMu.Lock()
				tierFailed = true
				failMu.Unlock()
				im.bus.Publish(Event{Kind: EventFailure, Entity: node.Entity.Name, Tier: tier.Index,
					Code: dverr.CodeOf(err), Detail: err.Error()})
				slog.Error("import entity failed", "entity", node.Entity.Name, "tier", tier.Index, "error", err)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if tierFailed {
			return dverr.Newf(dverr.CodeFatal, "tier %d failed; checkpoint kept for resume", tier.Index)
		}
	}

	return DeleteCheckpoint(dir)
}

// suppressSideEffects disables plugin/webhook registrations for the run and
// returns the scope release. The release re-enables best effort with its own
// context so cancellation cannot strand the target environment.
func (im *Importer) suppressSideEffects(ctx context.Context, entities []string) (func(), error) {
	lease, err := im.pool.GetLease(ctx)
	if err != nil {
		return nil, err
	}
	err = lease.Client().SetSideEffects(ctx, entities, false)
	lease.Release()
	if err != nil {
		return nil, fmt.Errorf("disable side effects: %w", err)
	}
	debug.Logf("import: side effects disabled on %d entities", len(entities))

	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		lease, err := im.pool.GetLease(rctx)
		if err != nil {
			slog.Warn("side effects left disabled: could not lease", "error", err)
			return
		}
		defer lease.Release()
		if err := lease.Client().SetSideEffects(rctx, entities, true); err != nil {
			slog.Warn("side effects left disabled", "error", err)
		}
	}, nil
}

// selfFix is a deferred self-lookup write, applied after every non-self
// record of the entity has been upserted.
type selfFix struct {
	source uuid.UUID // source id of the record carrying the lookup
	field  string
	target uuid.UUID // source id the lookup points at
}

func (im *Importer) importEntity(ctx context.Context, node *plan.Node, p *plan.Plan, dir string) error {
	name := node.Entity.Name
	if im.checkpointCompleted(name) {
		debug.Logf("import: %s already completed, skipping", name)
		return nil
	}

	rows, err := ReadDataFile(dir, name)
	if err != nil {
		return dverr.Wrap(dverr.CodeNotFound, fmt.Sprintf("data file for %s", name), err)
	}
	batches := chunkRows(rows, im.opts.BatchSize)

	lease, err := im.pool.GetLease(ctx)
	if err != nil {
		return err
	}
	defer func() { lease.Release() }()

	dead := newDeadLetter(dir, name)
	defer dead.Close()

	var fixes []selfFix
	start := im.checkpointResume(name)
	// Batches below the resume point were applied by a previous run, but
	// their deferred self-lookups never got the second pass. Re-collect
	// them; the remap delta restored from the checkpoint resolves them.
	for bi := 0; bi < start && bi < len(batches); bi++ {
		for _, row := range batches[bi] {
			fixes = append(fixes, scanSelfFixes(row, name)...)
		}
	}
	for bi := start; bi < len(batches); bi++ {
		if err := ctx.Err(); err != nil {
			return dverr.Wrap(dverr.CodeCancelled, "import cancelled", err)
		}
		applied := 0
		for _, row := range batches[bi] {
			attrs, rowFixes, err := im.wireAttrs(row, node, p)
			if err != nil {
				// Unresolved dependency or malformed cell: this record
				// cannot apply, the rest of the entity can.
				if derr := dead.Append(row, err); derr != nil {
					return derr
				}
				im.publishRecordFailure(name, err)
				continue
			}

			targetID, err := im.upsert(ctx, &lease, name, row, attrs)
			if err != nil {
				if dverr.CodeOf(err) == dverr.CodeValidationFailed {
					if derr := dead.Append(row, err); derr != nil {
						return derr
					}
					im.publishRecordFailure(name, err)
					continue
				}
				return err
			}
			im.remap.Put(name, row.ID, targetID)
			fixes = append(fixes, rowFixes...)
			applied++
		}

		if err := im.checkpointBatch(name, bi, dir); err != nil {
			return err
		}
		im.bus.Publish(Event{Kind: EventImportBatchApplied, Entity: name, Batch: bi, Rows: applied})
		im.bus.Publish(Event{Kind: EventCheckpointed, Entity: name, Batch: bi})
	}

	if err := im.applySelfFixes(ctx, &lease, name, fixes, dead); err != nil {
		return err
	}

	return im.checkpointComplete(name, dir)
}

// upsert writes one record and returns its id in the target environment.
// Idempotency rides on the primary key: the source id goes up with the
// attributes, so a re-run of the same batch lands on the same record.
func (im *Importer) upsert(ctx context.Context, lease **pool.Lease, entity string, row Row, attrs map[string]any) (uuid.UUID, error) {
	if im.opts.DryRun {
		return row.ID, nil
	}
	var id uuid.UUID
	err := im.withRetry(ctx, lease, func(c client.Client) error {
		var err error
		id, err = c.Create(ctx, entity, attrs)
		return err
	})
	return id, err
}

// applySelfFixes is the second pass: with the entity's remap fully
// populated, patch the deferred self-lookups.
func (im *Importer) applySelfFixes(ctx context.Context, lease **pool.Lease, entity string, fixes []selfFix, dead *deadLetter) error {
	for _, fix := range fixes {
		recordID, ok1 := im.remap.Get(entity, fix.source)
		targetID, ok2 := im.remap.Get(entity, fix.target)
		if !ok1 || !ok2 {
			err := dverr.Newf(dverr.CodeValidationFailed,
				"self reference %s on %s points outside the imported set", fix.field, entity)
			if derr := dead.Append(Row{ID: fix.source}, err); derr != nil {
				return derr
			}
			im.publishRecordFailure(entity, err)
			continue
		}
		if im.opts.DryRun {
			continue
		}
		attrs := map[string]any{
			fix.field: client.EntityReference{ID: targetID, LogicalName: entity},
		}
		err := im.withRetry(ctx, lease, func(c client.Client) error {
			return c.Update(ctx, entity, recordID, attrs)
		})
		if err != nil {
			if dverr.CodeOf(err) == dverr.CodeValidationFailed {
				if derr := dead.Append(Row{ID: fix.source}, err); derr != nil {
					return derr
				}
				im.publishRecordFailure(entity, err)
				continue
			}
			return err
		}
	}
	return nil
}

// withRetry applies the retry classification: Transient and Throttled back
// off up to the cap, AuthFailed re-leases once, everything else is fatal for
// the entity. The lease pointer is replaced when the lease is surrendered.
func (im *Importer) withRetry(ctx context.Context, lease **pool.Lease, op func(c client.Client) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	attempts := 0
	authRetried := false
	for {
		err := op((*lease).Client())
		if err == nil {
			return nil
		}
		switch dverr.CodeOf(err) {
		case dverr.CodeThrottled:
			attempts++
			if attempts > im.opts.RetryCap {
				return err
			}
			if herr := im.pool.HandleThrottle(ctx, *lease, dverr.RetryAfterOf(err)); herr != nil {
				return herr
			}
			nl, lerr := im.pool.GetLease(ctx)
			if lerr != nil {
				return lerr
			}
			*lease = nl
		case dverr.CodeTransient:
			attempts++
			if attempts > im.opts.RetryCap {
				return err
			}
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return dverr.Wrap(dverr.CodeCancelled, "retry wait cancelled", ctx.Err())
			}
		case dverr.CodeAuthFailed:
			if authRetried {
				return err
			}
			authRetried = true
			im.pool.InvalidateSeed()
			(*lease).MarkUnhealthy()
			(*lease).Release()
			nl, lerr := im.pool.GetLease(ctx)
			if lerr != nil {
				return lerr
			}
			*lease = nl
		default:
			return err
		}
	}
}

// scanSelfFixes collects the deferred self-lookup writes a row carries.
func scanSelfFixes(row Row, entity string) []selfFix {
	var fixes []selfFix
	for key, v := range row.Record {
		if lk, ok := v.Lookup(); ok && lk.EntityName == entity {
			fixes = append(fixes, selfFix{source: row.ID, field: key, target: lk.ID})
		}
	}
	return fixes
}

// wireAttrs converts a record into platform attributes. Intra-plan lookups
// remap to target ids, self-lookups defer to the second pass, external
// lookups pass through verbatim.
func (im *Importer) wireAttrs(row Row, node *plan.Node, p *plan.Plan) (map[string]any, []selfFix, error) {
	name := node.Entity.Name
	attrs := make(map[string]any, len(row.Record)+1)
	var fixes []selfFix

	for key, v := range row.Record {
		if lk, ok := v.Lookup(); ok {
			switch {
			case lk.EntityName == name:
				fixes = append(fixes, selfFix{source: row.ID, field: key, target: lk.ID})
				continue
			case p.Nodes[lk.EntityName] != nil:
				target, ok := im.remap.Get(lk.EntityName, lk.ID)
				if !ok {
					return nil, nil, dverr.Newf(dverr.CodeValidationFailed,
						"lookup %s has no remapped target for %s %s", key, lk.EntityName, lk.ID)
				}
				attrs[key] = client.EntityReference{ID: target, LogicalName: lk.EntityName}
			default:
				attrs[key] = client.EntityReference{ID: lk.ID, LogicalName: lk.EntityName, Name: lk.DisplayName}
			}
			continue
		}
		attrs[key] = wireValue(v)
	}

	if row.ID != uuid.Nil {
		attrs[node.Entity.PrimaryKey] = row.ID
	}
	return attrs, fixes, nil
}

func chunkRows(rows []Row, size int) [][]Row {
	var batches [][]Row
	for len(rows) > 0 {
		n := size
		if n > len(rows) {
			n = len(rows)
		}
		batches = append(batches, rows[:n])
		rows = rows[n:]
	}
	return batches
}

func (im *Importer) publishRecordFailure(entity string, err error) {
	im.bus.Publish(Event{Kind: EventFailure, Entity: entity, Code: dverr.CodeOf(err), Detail: err.Error()})
}

func (im *Importer) checkpointCompleted(entity string) bool {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.cp.IsCompleted(entity)
}

func (im *Importer) checkpointResume(entity string) int {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.cp.ResumeBatch(entity)
}

func (im *Importer) checkpointBatch(entity string, batch int, dir string) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.cp.Record(entity, batch, im.remap.Delta(entity))
	return im.cp.Save(dir)
}

func (im *Importer) checkpointComplete(entity string, dir string) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.cp.MarkCompleted(entity)
	return im.cp.Save(dir)
}
