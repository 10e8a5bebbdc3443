package types

import (
	"sort"
	"strings"
)

// QueryColumnType is the normalized data type of a result column.
type QueryColumnType string

const (
	ColTypeUnknown      QueryColumnType = "unknown"
	ColTypeString       QueryColumnType = "string"
	ColTypeInteger      QueryColumnType = "integer"
	ColTypeBigInt       QueryColumnType = "bigint"
	ColTypeDecimal      QueryColumnType = "decimal"
	ColTypeFloat        QueryColumnType = "float"
	ColTypeMoney        QueryColumnType = "money"
	ColTypeBoolean      QueryColumnType = "boolean"
	ColTypeDateTime     QueryColumnType = "datetime"
	ColTypeGuid         QueryColumnType = "guid"
	ColTypeLookup       QueryColumnType = "lookup"
	ColTypeOptionSet    QueryColumnType = "optionset"
	ColTypeOptionSetSet QueryColumnType = "optionsetset"
	ColTypeBinary       QueryColumnType = "binary"
)

// Column describes one result column.
type Column struct {
	LogicalName       string          `json:"logicalName"`
	Alias             string          `json:"alias,omitempty"`
	LinkedEntityAlias string          `json:"linkedEntityAlias,omitempty"`
	LinkedEntityName  string          `json:"linkedEntityName,omitempty"`
	IsAggregate       bool            `json:"isAggregate,omitempty"`
	AggregateFunction string          `json:"aggregateFunction,omitempty"`
	DataType          QueryColumnType `json:"dataType,omitempty"`
}

// QualifiedKey is the key this column uses in a record map: the alias when
// present, else linkedEntityAlias.logicalName for link columns, else the
// logical name.
func (c Column) QualifiedKey() string {
	if c.Alias != "" {
		return c.Alias
	}
	if c.LinkedEntityAlias != "" {
		return c.LinkedEntityAlias + "." + c.LogicalName
	}
	return c.LogicalName
}

// Record is a case-insensitive map from qualified column key to Value.
// Server-side nulls are omitted: absence of a known column key reads as Null.
type Record map[string]Value

// Get reads a cell; a missing key reads as Null.
func (r Record) Get(key string) Value {
	if v, ok := r[NormalizeKey(key)]; ok {
		return v
	}
	return Null
}

// Set stores a cell under the normalized key. Null cells are not stored,
// matching the wire behavior of omitting server-side nulls.
func (r Record) Set(key string, v Value) {
	if v.IsNull() {
		return
	}
	r[NormalizeKey(key)] = v
}

// Has reports whether the server supplied a (non-null) cell for key.
func (r Record) Has(key string) bool {
	_, ok := r[NormalizeKey(key)]
	return ok
}

// Keys returns the record's keys sorted ASCII-case-insensitively.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return strings.ToLower(keys[i]) < strings.ToLower(keys[j])
	})
	return keys
}

// QueryResult is one page (or accumulation) of query output.
type QueryResult struct {
	EntityLogicalName string   `json:"entityLogicalName"`
	Columns           []Column `json:"columns"`
	Records           []Record `json:"records"`
	Count             int      `json:"count"`
	TotalCount        *int64   `json:"totalCount,omitempty"`
	MoreRecords       bool     `json:"moreRecords"`
	PagingCookie      string   `json:"pagingCookie,omitempty"`
	PageNumber        int      `json:"pageNumber"`
	ElapsedMs         int64    `json:"elapsedMs"`
	ExecutedFetch     string   `json:"executedFetch,omitempty"`
	IsAggregate       bool     `json:"isAggregate,omitempty"`
}

// InferColumns derives a column list from the union of record keys, used
// when the query selected all attributes and no metadata is available.
// Keys that look like entity ids (suffix "id") sort first, then the rest
// ASCII-case-insensitively. Every inferred column has DataType unknown.
func InferColumns(records []Record) []Column {
	seen := make(map[string]bool)
	var keys []string
	for _, rec := range records {
		for k := range rec {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		ii, ij := isEntityIDKey(keys[i]), isEntityIDKey(keys[j])
		if ii != ij {
			return ii
		}
		return strings.ToLower(keys[i]) < strings.ToLower(keys[j])
	})
	cols := make([]Column, 0, len(keys))
	for _, k := range keys {
		cols = append(cols, Column{LogicalName: k, DataType: ColTypeUnknown})
	}
	return cols
}

func isEntityIDKey(key string) bool {
	return strings.HasSuffix(strings.ToLower(key), "id") && !strings.Contains(key, ".")
}
