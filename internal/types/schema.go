package types

// LookupField describes one lookup attribute on an entity schema.
type LookupField struct {
	LogicalName string `json:"logicalName" yaml:"logicalName"`
	Target      string `json:"target" yaml:"target"`
}

// EntityPolicies carries the platform flags the transfer engine must honor.
type EntityPolicies struct {
	AuditEnabled   bool `json:"auditEnabled,omitempty" yaml:"auditEnabled,omitempty"`
	CascadeDeletes bool `json:"cascadeDeletes,omitempty" yaml:"cascadeDeletes,omitempty"`
}

// EntitySchema is the planner's view of one entity: its key, its lookups,
// and whether any lookup points back at the entity itself.
type EntitySchema struct {
	Name              string         `json:"name" yaml:"name"`
	PrimaryKey        string         `json:"primaryKey" yaml:"primaryKey"`
	Lookups           []LookupField  `json:"lookups,omitempty" yaml:"lookups,omitempty"`
	IsSelfReferential bool           `json:"isSelfReferential,omitempty" yaml:"isSelfReferential,omitempty"`
	Policies          EntityPolicies `json:"policies,omitempty" yaml:"policies,omitempty"`
	// NaturalKey, when set, names an alternate key column used for
	// idempotent upserts when the primary id cannot be preserved.
	NaturalKey string `json:"naturalKey,omitempty" yaml:"naturalKey,omitempty"`
}

// SelfLookups returns the logical names of lookups targeting the entity itself.
func (s EntitySchema) SelfLookups() []string {
	var names []string
	for _, l := range s.Lookups {
		if l.Target == s.Name {
			names = append(names, l.LogicalName)
		}
	}
	return names
}
