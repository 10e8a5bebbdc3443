package client

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dvtools/dvq/internal/dverr"
)

// Fake is a test double for Client. Zero value works; set function fields to
// override behavior. Clones share the parent's function fields.
type Fake struct {
	EnvURL string

	ExecuteFetchFn func(ctx context.Context, fetchXML string) (*FetchResponse, error)
	CreateFn       func(ctx context.Context, entityName string, attrs map[string]any) (uuid.UUID, error)
	UpdateFn       func(ctx context.Context, entityName string, id uuid.UUID, attrs map[string]any) error
	TokenFn        func(ctx context.Context) (string, error)
	ParallelismFn  func(ctx context.Context) (int, error)
	SideEffectsFn  func(ctx context.Context, entities []string, enabled bool) error

	Clones int32 // atomic: clones created from this fake
	Closed int32 // atomic: 1 after Close
}

var _ Client = (*Fake)(nil)

func (f *Fake) EnvironmentURL() string { return f.EnvURL }

func (f *Fake) Clone(ctx context.Context) (Client, error) {
	atomic.AddInt32(&f.Clones, 1)
	clone := *f
	clone.Clones = 0
	clone.Closed = 0
	return &clone, nil
}

func (f *Fake) ExecuteFetch(ctx context.Context, fetchXML string) (*FetchResponse, error) {
	if f.ExecuteFetchFn != nil {
		return f.ExecuteFetchFn(ctx, fetchXML)
	}
	return &FetchResponse{TotalRecordCount: -1}, nil
}

func (f *Fake) Create(ctx context.Context, entityName string, attrs map[string]any) (uuid.UUID, error) {
	if f.CreateFn != nil {
		return f.CreateFn(ctx, entityName, attrs)
	}
	return uuid.New(), nil
}

func (f *Fake) Update(ctx context.Context, entityName string, id uuid.UUID, attrs map[string]any) error {
	if f.UpdateFn != nil {
		return f.UpdateFn(ctx, entityName, id, attrs)
	}
	return nil
}

func (f *Fake) AccessToken(ctx context.Context) (string, error) {
	if f.TokenFn != nil {
		return f.TokenFn(ctx)
	}
	return "fake-token", nil
}

func (f *Fake) SetSideEffects(ctx context.Context, entities []string, enabled bool) error {
	if f.SideEffectsFn != nil {
		return f.SideEffectsFn(ctx, entities, enabled)
	}
	return nil
}

func (f *Fake) RecommendedParallelism(ctx context.Context) (int, error) {
	if f.ParallelismFn != nil {
		return f.ParallelismFn(ctx)
	}
	return 0, dverr.New(dverr.CodeNotSupported, "parallelism probe not configured")
}

func (f *Fake) Close() error {
	atomic.StoreInt32(&f.Closed, 1)
	return nil
}
