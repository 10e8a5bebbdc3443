package fetchxml

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dvtools/dvq/internal/client"
	"github.com/dvtools/dvq/internal/dverr"
	"github.com/dvtools/dvq/internal/pool"
	"github.com/dvtools/dvq/internal/types"
)

func newTestExecutor(t *testing.T, fetch func(ctx context.Context, fetchXML string) (*client.FetchResponse, error)) *Executor {
	t.Helper()
	seed := &client.Fake{ExecuteFetchFn: fetch}
	p, err := pool.New(context.Background(), func(ctx context.Context) (client.Client, error) {
		return seed, nil
	}, pool.Options{MaxConcurrent: 2})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return NewExecutor(p)
}

func pagedServer(pages int, rowsPerPage int) func(ctx context.Context, fetchXML string) (*client.FetchResponse, error) {
	return func(ctx context.Context, fetchXML string) (*client.FetchResponse, error) {
		doc, err := Parse(fetchXML)
		if err != nil {
			return nil, err
		}
		page := 1
		if s := doc.Root().SelectAttrValue("page", ""); s != "" {
			fmt.Sscanf(s, "%d", &page)
		}
		resp := &client.FetchResponse{TotalRecordCount: -1}
		for i := 0; i < rowsPerPage; i++ {
			resp.Entities = append(resp.Entities, client.Entity{
				LogicalName: "account",
				ID:          uuid.New(),
				Attributes:  map[string]any{"name": fmt.Sprintf("acct-%d-%d", page, i)},
			})
		}
		if page < pages {
			resp.MoreRecords = true
			resp.PagingCookie = fmt.Sprintf("<cookie page=%q/>", fmt.Sprint(page))
		}
		return resp, nil
	}
}

// Three pages of two rows each: AllPages accumulates six records and the id
// column is injected after the declared ones.
func TestAllPagesAccumulates(t *testing.T) {
	var cookies []string
	inner := pagedServer(3, 2)
	x := newTestExecutor(t, func(ctx context.Context, fetchXML string) (*client.FetchResponse, error) {
		doc, _ := Parse(fetchXML)
		cookies = append(cookies, doc.Root().SelectAttrValue("paging-cookie", ""))
		return inner(ctx, fetchXML)
	})

	res, err := x.AllPages(context.Background(),
		`<fetch><entity name="account"><attribute name="name"/></entity></fetch>`,
		AllPagesOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if res.Count != 6 || len(res.Records) != 6 {
		t.Errorf("count: got %d, want 6", res.Count)
	}
	if res.MoreRecords {
		t.Error("moreRecords should be false after the last page")
	}
	if len(res.Columns) != 2 || res.Columns[0].LogicalName != "name" || res.Columns[1].LogicalName != "accountid" {
		t.Errorf("columns: %+v", res.Columns)
	}

	// The cookie from page N is carried into page N+1 verbatim.
	if len(cookies) != 3 || cookies[0] != "" {
		t.Fatalf("cookie carry: %q", cookies)
	}
	for i, c := range cookies[1:] {
		if !strings.Contains(c, fmt.Sprintf("page=%q", fmt.Sprint(i+1))) {
			t.Errorf("page %d cookie: %q", i+2, c)
		}
	}
}

func TestAllPagesMaxRecordsStops(t *testing.T) {
	calls := 0
	inner := pagedServer(100, 2)
	x := newTestExecutor(t, func(ctx context.Context, fetchXML string) (*client.FetchResponse, error) {
		calls++
		return inner(ctx, fetchXML)
	})

	res, err := x.AllPages(context.Background(),
		`<fetch><entity name="account"><attribute name="name"/></entity></fetch>`,
		AllPagesOptions{MaxRecords: 5})
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 6 {
		t.Errorf("count: got %d, want 6 (stop after the page that crossed the cap)", res.Count)
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
	if !res.MoreRecords {
		t.Error("truncated accumulation should report moreRecords=true")
	}
}

// All-attributes: columns are inferred from the union of record keys, id-like
// keys first.
func TestAllPagesInfersColumns(t *testing.T) {
	rows := []map[string]any{
		{"a": "1", "b": "2"},
		{"b": "3", "c": "4"},
		{"a": "5", "c": "6", "accountid": uuid.New()},
	}
	i := 0
	x := newTestExecutor(t, func(ctx context.Context, fetchXML string) (*client.FetchResponse, error) {
		resp := &client.FetchResponse{
			Entities:         []client.Entity{{LogicalName: "account", Attributes: rows[i]}},
			MoreRecords:      i < len(rows)-1,
			TotalRecordCount: -1,
		}
		i++
		return resp, nil
	})

	res, err := x.AllPages(context.Background(),
		`<fetch><entity name="account"><all-attributes/></entity></fetch>`,
		AllPagesOptions{})
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, c := range res.Columns {
		got = append(got, c.LogicalName)
		if c.DataType != types.ColTypeUnknown {
			t.Errorf("%s: dataType should be unknown", c.LogicalName)
		}
	}
	want := []string{"accountid", "a", "b", "c"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("inferred order: got %v, want %v", got, want)
	}
}

func TestExecuteIncludeCount(t *testing.T) {
	x := newTestExecutor(t, func(ctx context.Context, fetchXML string) (*client.FetchResponse, error) {
		if !strings.Contains(fetchXML, `returntotalrecordcount="true"`) {
			t.Errorf("count request not forwarded: %s", fetchXML)
		}
		return &client.FetchResponse{TotalRecordCount: 42}, nil
	})
	res, err := x.Execute(context.Background(),
		`<fetch><entity name="account"><attribute name="name"/></entity></fetch>`,
		Options{IncludeCount: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalCount == nil || *res.TotalCount != 42 {
		t.Errorf("totalCount: %v", res.TotalCount)
	}
}

func TestExecuteThrottledSurfacesAfterBackoff(t *testing.T) {
	x := newTestExecutor(t, func(ctx context.Context, fetchXML string) (*client.FetchResponse, error) {
		return nil, dverr.Throttled("server busy", time.Millisecond)
	})
	_, err := x.Execute(context.Background(),
		`<fetch><entity name="account"/></fetch>`, Options{})
	if dverr.CodeOf(err) != dverr.CodeThrottled {
		t.Errorf("expected Throttled, got %v", err)
	}
}

func TestExecuteAuthFailedInvalidatesSeed(t *testing.T) {
	fail := true
	seed := &client.Fake{}
	seed.ExecuteFetchFn = func(ctx context.Context, fetchXML string) (*client.FetchResponse, error) {
		if fail {
			return nil, dverr.New(dverr.CodeAuthFailed, "token expired")
		}
		return &client.FetchResponse{TotalRecordCount: -1}, nil
	}
	factoryCalls := 0
	p, err := pool.New(context.Background(), func(ctx context.Context) (client.Client, error) {
		factoryCalls++
		return seed, nil
	}, pool.Options{MaxConcurrent: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	x := NewExecutor(p)

	_, err = x.Execute(context.Background(), `<fetch><entity name="account"/></fetch>`, Options{})
	if dverr.CodeOf(err) != dverr.CodeAuthFailed {
		t.Fatalf("expected AuthFailed, got %v", err)
	}

	fail = false
	if _, err := x.Execute(context.Background(), `<fetch><entity name="account"/></fetch>`, Options{}); err != nil {
		t.Fatalf("retry after reseed: %v", err)
	}
	if factoryCalls != 2 {
		t.Errorf("factory calls: got %d, want 2", factoryCalls)
	}
}
