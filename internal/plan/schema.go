package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dvtools/dvq/internal/dverr"
	"github.com/dvtools/dvq/internal/types"
)

// SchemaFile is the on-disk shape of a transfer schema. YAML and JSON both
// parse; JSON is a subset of YAML.
type SchemaFile struct {
	Entities []types.EntitySchema `json:"entities" yaml:"entities"`
}

// LoadSchemaFile reads and validates a schema file.
func LoadSchemaFile(path string) ([]types.EntitySchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dverr.Wrap(dverr.CodeNotFound, fmt.Sprintf("schema file %s", path), err)
		}
		return nil, err
	}
	var f SchemaFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, dverr.Wrap(dverr.CodeValidationFailed, fmt.Sprintf("parse schema file %s", path), err)
	}
	if err := validateSchemas(f.Entities); err != nil {
		return nil, err
	}
	return f.Entities, nil
}

func validateSchemas(entities []types.EntitySchema) error {
	if len(entities) == 0 {
		return dverr.New(dverr.CodeValidationFailed, "schema file names no entities")
	}
	seen := make(map[string]bool, len(entities))
	for _, e := range entities {
		if e.Name == "" {
			return dverr.New(dverr.CodeValidationFailed, "entity with empty name")
		}
		if e.PrimaryKey == "" {
			return dverr.Newf(dverr.CodeValidationFailed, "entity %s has no primary key", e.Name)
		}
		if seen[e.Name] {
			return dverr.Newf(dverr.CodeValidationFailed, "entity %s declared twice", e.Name)
		}
		seen[e.Name] = true
		for _, l := range e.Lookups {
			if l.LogicalName == "" || l.Target == "" {
				return dverr.Newf(dverr.CodeValidationFailed, "entity %s has a malformed lookup", e.Name)
			}
		}
	}
	return nil
}
