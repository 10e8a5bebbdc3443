package transfer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dvtools/dvq/internal/client"
	"github.com/dvtools/dvq/internal/dverr"
	"github.com/dvtools/dvq/internal/fetchxml"
	"github.com/dvtools/dvq/internal/plan"
	"github.com/dvtools/dvq/internal/pool"
	"github.com/dvtools/dvq/internal/types"
)

func testPool(t *testing.T, seed *client.Fake) *pool.Pool {
	t.Helper()
	p, err := pool.New(context.Background(), func(ctx context.Context) (client.Client, error) {
		return seed, nil
	}, pool.Options{MaxConcurrent: 4})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// fetchServer serves deterministic rows per entity, one page per call unless
// pages[entity] asks for more.
type fetchServer struct {
	mu    sync.Mutex
	rows  map[string][]client.Entity
	calls []string // entity order of first-page calls
}

func (s *fetchServer) handle(ctx context.Context, fetchXML string) (*client.FetchResponse, error) {
	doc, err := fetchxml.Parse(fetchXML)
	if err != nil {
		return nil, err
	}
	entity := doc.Root().SelectElement("entity").SelectAttrValue("name", "")
	page := doc.Root().SelectAttrValue("page", "")

	s.mu.Lock()
	if page == "" || page == "1" {
		s.calls = append(s.calls, entity)
	}
	rows := s.rows[entity]
	s.mu.Unlock()

	return &client.FetchResponse{Entities: rows, TotalRecordCount: -1}, nil
}

func entityRows(entity string, n int) []client.Entity {
	var out []client.Entity
	for i := 0; i < n; i++ {
		out = append(out, client.Entity{
			LogicalName: entity,
			ID:          uuid.New(),
			Attributes:  map[string]any{"name": fmt.Sprintf("%s-%d", entity, i)},
		})
	}
	return out
}

// collectSink records batches in memory.
type collectSink struct {
	mu      sync.Mutex
	batches []Batch
	done    map[string]int
}

func newCollectSink() *collectSink {
	return &collectSink{done: make(map[string]int)}
}

func (s *collectSink) Write(ctx context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := Batch{Entity: b.Entity, Index: b.Index, Rows: append([]Row(nil), b.Rows...)}
	s.batches = append(s.batches, cp)
	return nil
}

func (s *collectSink) EntityDone(ctx context.Context, entity string, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[entity] = rows
	return nil
}

func buildPlan(t *testing.T, schemas ...types.EntitySchema) *plan.Plan {
	t.Helper()
	p, err := plan.Build(schemas)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestExportBatchesAndCompletion(t *testing.T) {
	server := &fetchServer{rows: map[string][]client.Entity{
		"account": entityRows("account", 5),
	}}
	seed := &client.Fake{ExecuteFetchFn: server.handle}
	fetch := fetchxml.NewExecutor(testPool(t, seed))

	sink := newCollectSink()
	exp := NewExporter(fetch, NewBus(), ExportOptions{BatchSize: 2})
	p := buildPlan(t, types.EntitySchema{Name: "account", PrimaryKey: "accountid"})

	if err := exp.Export(context.Background(), p, sink); err != nil {
		t.Fatal(err)
	}

	if len(sink.batches) != 3 {
		t.Fatalf("batches: got %d, want 3", len(sink.batches))
	}
	sizes := []int{2, 2, 1}
	for i, b := range sink.batches {
		if b.Entity != "account" || b.Index != i || len(b.Rows) != sizes[i] {
			t.Errorf("batch %d: %s #%d with %d rows", i, b.Entity, b.Index, len(b.Rows))
		}
		for _, r := range b.Rows {
			if r.ID == uuid.Nil {
				t.Error("row lost its source id")
			}
		}
	}
	if sink.done["account"] != 5 {
		t.Errorf("completion rows: got %d, want 5", sink.done["account"])
	}
}

// Dependencies gate entity start: contact must not begin until account has
// fully exported.
// Transient faults retry with a growing wait between attempts.
func TestExportTransientBacksOff(t *testing.T) {
	var waits []time.Duration
	origSleep := retrySleep
	retrySleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	defer func() { retrySleep = origSleep }()

	var calls int32
	seed := &client.Fake{ExecuteFetchFn: func(ctx context.Context, fetchXML string) (*client.FetchResponse, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, dverr.New(dverr.CodeTransient, "connection reset")
		}
		return &client.FetchResponse{Entities: entityRows("account", 1), TotalRecordCount: -1}, nil
	}}
	fetch := fetchxml.NewExecutor(testPool(t, seed))

	sink := newCollectSink()
	e := NewExporter(fetch, NewBus(), ExportOptions{RetryCap: 5})
	p := buildPlan(t, types.EntitySchema{Name: "account", PrimaryKey: "accountid"})
	if err := e.Export(context.Background(), p, sink); err != nil {
		t.Fatal(err)
	}

	if calls != 3 {
		t.Errorf("fetch calls: got %d, want 3", calls)
	}
	if len(waits) != 2 {
		t.Fatalf("back-off waits: got %d, want 2", len(waits))
	}
	for i, d := range waits {
		if d <= 0 {
			t.Errorf("wait %d is %v, want > 0", i, d)
		}
	}
}

func TestExportDependencyGating(t *testing.T) {
	server := &fetchServer{rows: map[string][]client.Entity{
		"account": entityRows("account", 2),
		"contact": entityRows("contact", 2),
	}}
	seed := &client.Fake{ExecuteFetchFn: server.handle}
	fetch := fetchxml.NewExecutor(testPool(t, seed))

	p := buildPlan(t,
		types.EntitySchema{Name: "account", PrimaryKey: "accountid"},
		types.EntitySchema{Name: "contact", PrimaryKey: "contactid",
			Lookups: []types.LookupField{{LogicalName: "parentcustomerid", Target: "account"}}},
	)

	for run := 0; run < 5; run++ {
		server.calls = nil
		sink := newCollectSink()
		if err := NewExporter(fetch, NewBus(), ExportOptions{}).Export(context.Background(), p, sink); err != nil {
			t.Fatal(err)
		}
		if len(server.calls) != 2 || server.calls[0] != "account" || server.calls[1] != "contact" {
			t.Fatalf("run %d: call order %v", run, server.calls)
		}
	}
}

func TestExportSinkFatalCancels(t *testing.T) {
	server := &fetchServer{rows: map[string][]client.Entity{
		"account": entityRows("account", 3),
	}}
	seed := &client.Fake{ExecuteFetchFn: server.handle}
	fetch := fetchxml.NewExecutor(testPool(t, seed))

	sink := &failingSink{}
	p := buildPlan(t, types.EntitySchema{Name: "account", PrimaryKey: "accountid"})
	err := NewExporter(fetch, NewBus(), ExportOptions{BatchSize: 1}).Export(context.Background(), p, sink)
	if err == nil {
		t.Fatal("sink failure must fail the export")
	}
}

type failingSink struct{}

func (failingSink) Write(ctx context.Context, b Batch) error {
	return fmt.Errorf("disk full")
}
func (failingSink) EntityDone(ctx context.Context, entity string, rows int) error { return nil }

func TestDirectorySinkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sink := NewDirectorySink(dir, "https://src.crm.dynamics.com")

	rows := []Row{
		{ID: uuid.New(), Record: types.Record{"name": types.NewSimple("a")}},
		{ID: uuid.New(), Record: types.Record{"name": types.NewSimple("b")}},
	}
	ctx := context.Background()
	if err := sink.Write(ctx, Batch{Entity: "account", Rows: rows}); err != nil {
		t.Fatal(err)
	}
	if err := sink.EntityDone(ctx, "account", 2); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := ReadDataFile(dir, "account")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != rows[0].ID {
		t.Fatalf("round trip: %+v", got)
	}
	if v := got[1].Record.Get("name"); v.Raw() != "b" {
		t.Errorf("record cell: %v", v.Raw())
	}

	if bad, err := VerifyManifest(dir); err != nil || len(bad) != 0 {
		t.Errorf("verify: bad=%v err=%v", bad, err)
	}

	// Corrupt the data file; verification must notice.
	path := dir + "/" + DataFileName("account")
	if err := appendByte(path); err != nil {
		t.Fatal(err)
	}
	bad, err := VerifyManifest(dir)
	if err != nil || len(bad) != 1 || bad[0] != "account" {
		t.Errorf("verify after corruption: bad=%v err=%v", bad, err)
	}
}
