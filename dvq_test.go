package dvq_test

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/dvtools/dvq"
	"github.com/dvtools/dvq/internal/client"
	"github.com/dvtools/dvq/internal/fetchxml"
)

func TestNewPoolWithSeedFactory(t *testing.T) {
	ctx := context.Background()
	seed := &client.Fake{EnvURL: "https://org.crm.dynamics.com"}

	p, err := dvq.NewPool(ctx, func(ctx context.Context) (dvq.Client, error) {
		return seed, nil
	}, dvq.PoolOptions{MaxConcurrent: 2})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer p.Close()

	lease, err := p.GetLease(ctx)
	if err != nil {
		t.Fatalf("GetLease failed: %v", err)
	}
	if lease.Client().EnvironmentURL() != "https://org.crm.dynamics.com" {
		t.Errorf("lease carries wrong environment: %s", lease.Client().EnvironmentURL())
	}
	lease.Release()
}

func TestFetchThroughFacade(t *testing.T) {
	ctx := context.Background()
	seed := &client.Fake{
		ExecuteFetchFn: func(ctx context.Context, fetchXML string) (*client.FetchResponse, error) {
			return &client.FetchResponse{
				Entities: []client.Entity{{
					LogicalName: "account",
					ID:          uuid.New(),
					Attributes:  map[string]any{"name": "Contoso"},
				}},
				TotalRecordCount: -1,
			}, nil
		},
	}

	p, err := dvq.NewPool(ctx, func(ctx context.Context) (dvq.Client, error) {
		return seed, nil
	}, dvq.PoolOptions{MaxConcurrent: 1})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer p.Close()

	res, err := dvq.NewFetchExecutor(p).Execute(ctx,
		`<fetch><entity name="account"><attribute name="name"/></entity></fetch>`,
		fetchxml.Options{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(res.Records))
	}
	if got := res.Records[0].Get("name").String(); got != "Contoso" {
		t.Errorf("name = %q, want Contoso", got)
	}
}

func TestBuildPlanThroughFacade(t *testing.T) {
	p, err := dvq.BuildPlan([]dvq.EntitySchema{
		{Name: "account", PrimaryKey: "accountid"},
		{Name: "contact", PrimaryKey: "contactid", Lookups: []dvq.LookupField{
			{LogicalName: "parentcustomerid", Target: "account"},
		}},
	})
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	if len(p.Tiers) != 2 {
		t.Fatalf("expected 2 tiers, got %d", len(p.Tiers))
	}
	if p.Tiers[0].Entities[0] != "account" {
		t.Errorf("tier 0 should hold account, got %v", p.Tiers[0].Entities)
	}
}
