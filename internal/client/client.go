// Package client defines the connection surface the pool, executors, and
// transfer engine depend on. The production implementation lives outside the
// core (it owns auth and HTTP); everything here is interface plus wire types,
// so the core stays testable with the in-package fake.
package client

import (
	"context"

	"github.com/google/uuid"
)

// Client is one authenticated Dataverse connection. Clients are not safe for
// concurrent use; the pool hands each caller its own via a lease.
type Client interface {
	// EnvironmentURL returns the environment this client is bound to.
	EnvironmentURL() string

	// Clone derives a new client sharing this client's tenant and auth
	// context but no session state. The pool clones its seed per lease.
	Clone(ctx context.Context) (Client, error)

	// ExecuteFetch runs a FetchXML document and returns one page of results.
	ExecuteFetch(ctx context.Context, fetchXML string) (*FetchResponse, error)

	// Create inserts a record and returns its platform-assigned id.
	Create(ctx context.Context, entityName string, attrs map[string]any) (uuid.UUID, error)

	// Update patches attrs onto an existing record.
	Update(ctx context.Context, entityName string, id uuid.UUID, attrs map[string]any) error

	// AccessToken mints a bearer token for the environment's SQL endpoint.
	AccessToken(ctx context.Context) (string, error)

	// SetSideEffects enables or disables plugin/webhook registrations on
	// the given entities. The importer suppresses side effects for the
	// duration of a run.
	SetSideEffects(ctx context.Context, entities []string, enabled bool) error

	// RecommendedParallelism reports server concurrency headroom, if the
	// platform exposes it. Best effort; errors are not fatal.
	RecommendedParallelism(ctx context.Context) (int, error)

	Close() error
}

// FetchResponse is one page of a FetchXML query.
type FetchResponse struct {
	Entities         []Entity
	MoreRecords      bool
	PagingCookie     string
	TotalRecordCount int64 // -1 unless returntotalrecordcount was requested
}

// Entity is one wire record. Attribute payloads are the raw platform shapes
// (EntityReference, OptionSetValue, AliasedValue, ...); the fetchxml package
// maps them into the core Value model.
type Entity struct {
	LogicalName string
	ID          uuid.UUID
	Attributes  map[string]any
	// Formatted holds server-computed display strings keyed like Attributes.
	Formatted map[string]string
}

// EntityReference is the wire shape of a lookup cell.
type EntityReference struct {
	ID          uuid.UUID
	LogicalName string
	Name        string
}

// OptionSetValue is the wire shape of a choice cell.
type OptionSetValue struct {
	Value int
}

// OptionSetValueCollection is the wire shape of a multi-choice cell.
type OptionSetValueCollection []OptionSetValue

// Money is the wire shape of a currency cell. Value is the decimal text as
// sent by the server.
type Money struct {
	Value string
}

// AliasedValue wraps a cell produced under a link-entity or aggregate alias.
// Payloads may nest.
type AliasedValue struct {
	EntityLogicalName    string
	AttributeLogicalName string
	Value                any
}
