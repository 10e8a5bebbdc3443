package fetchxml

import (
	"context"
	"time"

	"github.com/dvtools/dvq/internal/debug"
	"github.com/dvtools/dvq/internal/dverr"
	"github.com/dvtools/dvq/internal/pool"
	"github.com/dvtools/dvq/internal/types"
)

// defaultMaxRecords caps AllPages accumulation when the caller does not.
const defaultMaxRecords = 5000

// Executor runs FetchXML queries through the connection pool.
type Executor struct {
	pool *pool.Pool
}

func NewExecutor(p *pool.Pool) *Executor {
	return &Executor{pool: p}
}

// Execute runs one page. Throttled responses go through the pool's back-off
// and surface to the caller, who decides whether to retry. Auth failures
// invalidate the seed before propagating.
func (x *Executor) Execute(ctx context.Context, fetchXML string, opts Options) (*types.QueryResult, error) {
	doc, err := Parse(fetchXML)
	if err != nil {
		return nil, err
	}
	md := ExtractMetadata(doc)
	rewritten, err := Rewrite(doc, opts)
	if err != nil {
		return nil, err
	}

	lease, err := x.pool.GetLease(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := lease.Client().ExecuteFetch(ctx, rewritten)
	if err != nil {
		switch dverr.CodeOf(err) {
		case dverr.CodeThrottled:
			if herr := x.pool.HandleThrottle(ctx, lease, dverr.RetryAfterOf(err)); herr != nil {
				return nil, herr
			}
		case dverr.CodeAuthFailed:
			x.pool.InvalidateSeed()
			lease.MarkUnhealthy()
			lease.Release()
		default:
			lease.Release()
		}
		return nil, err
	}
	lease.Release()

	records := make([]types.Record, 0, len(resp.Entities))
	for _, e := range resp.Entities {
		records = append(records, MapEntity(e, md.EntityName))
	}

	cols := md.Columns
	if md.AllAttributes {
		cols = types.InferColumns(records)
	} else if !md.IsAggregate {
		cols = withInjectedIDColumn(cols, md.EntityName, records)
	}

	page := opts.PageNumber
	if page < 1 {
		page = 1
	}
	result := &types.QueryResult{
		EntityLogicalName: md.EntityName,
		Columns:           cols,
		Records:           records,
		Count:             len(records),
		MoreRecords:       resp.MoreRecords,
		PagingCookie:      resp.PagingCookie,
		PageNumber:        page,
		ElapsedMs:         time.Since(start).Milliseconds(),
		ExecutedFetch:     rewritten,
		IsAggregate:       md.IsAggregate,
	}
	if opts.IncludeCount && resp.TotalRecordCount >= 0 {
		total := resp.TotalRecordCount
		result.TotalCount = &total
	}
	return result, nil
}

// withInjectedIDColumn appends the primary id column when MapEntity injected
// the id into records but the document did not select it.
func withInjectedIDColumn(cols []types.Column, entityName string, records []types.Record) []types.Column {
	if entityName == "" {
		return cols
	}
	idKey := entityName + "id"
	for _, c := range cols {
		if types.NormalizeKey(c.QualifiedKey()) == idKey {
			return cols
		}
	}
	for _, rec := range records {
		if rec.Has(idKey) {
			return append(cols, types.Column{LogicalName: idKey, DataType: types.ColTypeGuid})
		}
	}
	return cols
}

// AllPagesOptions tune the paging loop.
type AllPagesOptions struct {
	// MaxRecords stops accumulation once reached. 0 means 5000.
	MaxRecords   int
	IncludeCount bool
}

// AllPages iterates Execute until the server reports no more records or the
// accumulation cap is hit, carrying the paging cookie between calls. The
// first page's columns are retained; all-attributes queries infer columns
// from the full accumulation at the end.
func (x *Executor) AllPages(ctx context.Context, fetchXML string, opts AllPagesOptions) (*types.QueryResult, error) {
	maxRecords := opts.MaxRecords
	if maxRecords <= 0 {
		maxRecords = defaultMaxRecords
	}

	doc, err := Parse(fetchXML)
	if err != nil {
		return nil, err
	}
	allAttrs := ExtractMetadata(doc).AllAttributes

	var out *types.QueryResult
	cookie := ""
	for page := 1; ; page++ {
		pageOpts := Options{
			PageNumber:   page,
			PagingCookie: cookie,
			IncludeCount: opts.IncludeCount && page == 1,
		}
		res, err := x.Execute(ctx, fetchXML, pageOpts)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = res
		} else {
			out.Records = append(out.Records, res.Records...)
			out.Count = len(out.Records)
			out.MoreRecords = res.MoreRecords
			out.PagingCookie = res.PagingCookie
			out.ElapsedMs += res.ElapsedMs
		}
		debug.Logf("fetchxml: page %d returned %d records (total %d)", page, res.Count, out.Count)
		if !res.MoreRecords || out.Count >= maxRecords {
			break
		}
		cookie = res.PagingCookie
	}

	if allAttrs {
		out.Columns = types.InferColumns(out.Records)
	}
	return out, nil
}
