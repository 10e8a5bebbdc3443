package fetchxml

import (
	"github.com/google/uuid"

	"github.com/dvtools/dvq/internal/client"
	"github.com/dvtools/dvq/internal/types"
)

// MapEntity converts one wire entity into a Record. Attribute keys arrive
// already qualified by the server (alias, linkedAlias.logical, or logical).
// The primary id is injected under <entity>id when the server sent it and the
// attribute set did not already include it.
func MapEntity(e client.Entity, entityName string) types.Record {
	rec := make(types.Record, len(e.Attributes)+1)
	for key, raw := range e.Attributes {
		rec.Set(key, mapRawValue(raw, e.Formatted[key]))
	}
	if e.ID != uuid.Nil && entityName != "" {
		idKey := entityName + "id"
		if !rec.Has(idKey) {
			rec.Set(idKey, types.NewSimple(e.ID))
		}
	}
	return rec
}

// mapRawValue converts a wire payload into a Value. AliasedValue wrappers
// unwrap recursively; a formatted display string promotes plain scalars to
// Formatted values.
func mapRawValue(raw any, formatted string) types.Value {
	switch v := raw.(type) {
	case nil:
		return types.Null
	case client.AliasedValue:
		return mapRawValue(v.Value, formatted)
	case *client.AliasedValue:
		return mapRawValue(v.Value, formatted)
	case client.EntityReference:
		return types.NewLookup(v.ID, v.LogicalName, v.Name)
	case *client.EntityReference:
		return types.NewLookup(v.ID, v.LogicalName, v.Name)
	case client.OptionSetValue:
		return types.NewOptionSet(v.Value, formatted)
	case client.OptionSetValueCollection:
		codes := make([]int, len(v))
		for i, o := range v {
			codes[i] = o.Value
		}
		return types.NewOptionSetSet(codes, formatted)
	case client.Money:
		return types.NewMoney(v.Value, formatted)
	default:
		if formatted != "" {
			return types.NewFormatted(v, formatted)
		}
		return types.NewSimple(v)
	}
}
