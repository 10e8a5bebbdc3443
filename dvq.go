// Package dvq provides a minimal public API for embedding the query and
// transfer core in other Go programs.
//
// Most callers should use the dvq CLI. This package exports only the
// essential types and constructors needed to run queries and transfers
// programmatically with a caller-supplied client.
package dvq

import (
	"context"

	"github.com/dvtools/dvq/internal/client"
	"github.com/dvtools/dvq/internal/fetchxml"
	"github.com/dvtools/dvq/internal/plan"
	"github.com/dvtools/dvq/internal/pool"
	"github.com/dvtools/dvq/internal/transfer"
	"github.com/dvtools/dvq/internal/types"
)

// Core value model types
type (
	Value       = types.Value
	Record      = types.Record
	Column      = types.Column
	QueryResult = types.QueryResult

	EntitySchema = types.EntitySchema
	LookupField  = types.LookupField
)

// Connection surface. Callers own authentication; the pool clones the seed
// client the factory returns.
type (
	Client      = client.Client
	SeedFactory = pool.SeedFactory
	Pool        = pool.Pool
	PoolOptions = pool.Options
)

// Transfer surface
type (
	Plan          = plan.Plan
	ProgressSink  = transfer.ProgressSink
	Event         = transfer.Event
	ExportOptions = transfer.ExportOptions
	ImportOptions = transfer.ImportOptions
)

// NewPool builds the shared connection pool around a seed factory.
func NewPool(ctx context.Context, factory SeedFactory, opts PoolOptions) (*Pool, error) {
	return pool.New(ctx, factory, opts)
}

// NewFetchExecutor returns the FetchXML executor bound to a pool.
func NewFetchExecutor(p *Pool) *fetchxml.Executor {
	return fetchxml.NewExecutor(p)
}

// BuildPlan tiers the selected entity schemas for transfer.
func BuildPlan(selected []EntitySchema) (*Plan, error) {
	return plan.Build(selected)
}

// NewExporter builds the parallel exporter over a FetchXML executor.
func NewExporter(fetch *fetchxml.Executor, bus *transfer.Bus, opts ExportOptions) *transfer.Exporter {
	return transfer.NewExporter(fetch, bus, opts)
}

// NewImporter builds the tiered importer over a pool.
func NewImporter(p *Pool, bus *transfer.Bus, opts ImportOptions) *transfer.Importer {
	return transfer.NewImporter(p, bus, opts)
}
