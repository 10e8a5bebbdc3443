// Package tds executes read-only SQL against the environment's TDS endpoint
// (the platform's SQL read replica). Tokens are minted through the pool's
// seed identity; every statement passes the read-only gate first.
package tds

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/dvtools/dvq/internal/debug"
	"github.com/dvtools/dvq/internal/dverr"
	"github.com/dvtools/dvq/internal/pool"
	"github.com/dvtools/dvq/internal/scope"
	"github.com/dvtools/dvq/internal/sqlfn"
	"github.com/dvtools/dvq/internal/types"
)

// DefaultPort is the platform's TDS endpoint port.
const DefaultPort = 5558

// readOnlyKeywords are the statement openers the executor accepts.
var readOnlyKeywords = map[string]bool{
	"SELECT":  true,
	"WITH":    true,
	"DECLARE": true,
	"SET":     true,
	"IF":      true,
	"BEGIN":   true,
	"TRY":     true,
}

// Options tune the executor.
type Options struct {
	// Port overrides the TDS port. 0 means 5558.
	Port int
	// MaxRows is a hard stop on streamed rows. 0 means unlimited.
	MaxRows int
}

// Executor runs SQL batches against one environment's read replica.
type Executor struct {
	pool  *pool.Pool
	scope *scope.Scope
	opts  Options

	// openDB is swapped in tests.
	openDB func(dsn string, tokenProvider func() (string, error)) (*sql.DB, error)
}

func NewExecutor(p *pool.Pool, sc *scope.Scope, opts Options) *Executor {
	if opts.Port <= 0 {
		opts.Port = DefaultPort
	}
	return &Executor{pool: p, scope: sc, opts: opts, openDB: openAccessTokenDB}
}

func openAccessTokenDB(dsn string, tokenProvider func() (string, error)) (*sql.DB, error) {
	connector, err := mssql.NewAccessTokenConnector(dsn, tokenProvider)
	if err != nil {
		return nil, err
	}
	return sql.OpenDB(connector), nil
}

// ValidateReadOnly rejects statements whose first keyword (after leading
// comments) is not in the read-only accept list.
func ValidateReadOnly(sqlText string) error {
	stripped := sqlfn.StripLeadingComments(sqlText)
	fields := strings.Fields(stripped)
	if len(fields) == 0 {
		return dverr.New(dverr.CodeInvalidValue, "empty statement")
	}
	kw := strings.ToUpper(strings.TrimLeft(fields[0], "("))
	if !readOnlyKeywords[kw] {
		return dverr.Newf(dverr.CodeNotSupported, "statement %q is not allowed on the read-only endpoint", kw)
	}
	return nil
}

// endpointDSN builds the sqlserver DSN for the environment's read replica.
func endpointDSN(envURL string, port int) (string, error) {
	raw := envURL
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", dverr.Newf(dverr.CodeInvalidValue, "environment URL %q has no host", envURL)
	}
	return fmt.Sprintf("sqlserver://%s:%d?encrypt=true", u.Hostname(), port), nil
}

// ExecuteSql runs one read-only batch and streams the result. MaxRows
// truncation surfaces as moreRecords=true with no paging cookie. Auth
// failures reseed once before propagating; server errors land in the
// variable scope's error state before the fault returns.
func (x *Executor) ExecuteSql(ctx context.Context, sqlText string) (*types.QueryResult, error) {
	if err := ValidateReadOnly(sqlText); err != nil {
		return nil, err
	}

	res, err := x.execute(ctx, sqlText)
	if err != nil && dverr.CodeOf(err) == dverr.CodeAuthFailed {
		debug.Logf("tds: auth failed, reseeding once")
		x.pool.InvalidateSeed()
		res, err = x.execute(ctx, sqlText)
	}
	return res, err
}

func (x *Executor) execute(ctx context.Context, sqlText string) (*types.QueryResult, error) {
	lease, err := x.pool.GetLease(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	c := lease.Client()

	dsn, err := endpointDSN(c.EnvironmentURL(), x.opts.Port)
	if err != nil {
		return nil, err
	}
	db, err := x.openDB(dsn, func() (string, error) {
		return c.AccessToken(ctx)
	})
	if err != nil {
		lease.MarkUnhealthy()
		return nil, x.mapError(err)
	}
	defer db.Close()

	start := time.Now()
	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		merr := x.mapError(err)
		// A stale token must not ride the free list back into the retry.
		if dverr.CodeOf(merr) == dverr.CodeAuthFailed {
			lease.MarkUnhealthy()
		}
		return nil, merr
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, x.mapError(err)
	}
	cols := make([]types.Column, len(colTypes))
	for i, ct := range colTypes {
		cols[i] = types.Column{
			LogicalName: ct.Name(),
			DataType:    columnTypeOf(ct.DatabaseTypeName()),
		}
	}

	result := &types.QueryResult{
		Columns:    cols,
		PageNumber: 1,
	}
	scan := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range scan {
		ptrs[i] = &scan[i]
	}
	for rows.Next() {
		if x.opts.MaxRows > 0 && len(result.Records) >= x.opts.MaxRows {
			result.MoreRecords = true
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, x.mapError(err)
		}
		rec := make(types.Record, len(cols))
		for i, ct := range colTypes {
			v, err := normalizeCell(scan[i], ct.DatabaseTypeName())
			if err != nil {
				return nil, err
			}
			rec.Set(ct.Name(), v)
		}
		result.Records = append(result.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, x.mapError(err)
	}
	result.Count = len(result.Records)
	result.ElapsedMs = time.Since(start).Milliseconds()
	return result, nil
}

// throttleNumbers are the engine error numbers the replica uses for resource
// pressure.
var throttleNumbers = map[int32]bool{
	10928: true, 10929: true, 40501: true, 40613: true,
}

// mapError folds driver failures into the taxonomy. Server-raised errors
// also land in @@ERROR_* so a surrounding TRY/CATCH frame can read them.
func (x *Executor) mapError(err error) error {
	if err == nil {
		return nil
	}
	if serr, ok := asSQLError(err); ok {
		switch {
		case serr.Number == 18456 || serr.Class >= 14 && strings.Contains(strings.ToLower(serr.Message), "login"):
			return dverr.Wrap(dverr.CodeAuthFailed, serr.Message, err)
		case throttleNumbers[serr.Number]:
			return dverr.Throttled(serr.Message, 0)
		default:
			if x.scope != nil {
				x.scope.SetErrorState(serr.Message, int(serr.Number), int(serr.Class), int(serr.State))
			}
			return dverr.Wrap(dverr.CodeQueryFailed, serr.Message, err)
		}
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "token") || strings.Contains(lower, "unauthorized") {
		return dverr.Wrap(dverr.CodeAuthFailed, "authentication failed", err)
	}
	return dverr.Wrap(dverr.CodeTransient, "query transport failed", err)
}

func asSQLError(err error) (mssql.Error, bool) {
	var serr mssql.Error
	if errors.As(err, &serr) {
		return serr, true
	}
	return mssql.Error{}, false
}
