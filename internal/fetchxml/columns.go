package fetchxml

import (
	"github.com/beevik/etree"

	"github.com/dvtools/dvq/internal/types"
)

// Metadata is what the document itself tells us about the result shape.
type Metadata struct {
	EntityName string
	// Columns is empty when AllAttributes is set; callers infer columns
	// from the returned records instead.
	Columns       []types.Column
	AllAttributes bool
	IsAggregate   bool
}

// ExtractMetadata walks the validated document and collects the declared
// columns. Link-entities are walked recursively; their alias (or name when
// no alias) qualifies child attribute keys.
func ExtractMetadata(doc *etree.Document) Metadata {
	root := doc.Root()
	entity := root.SelectElement("entity")

	md := Metadata{
		EntityName:  entity.SelectAttrValue("name", ""),
		IsAggregate: root.SelectAttrValue("aggregate", "") == "true",
	}
	if entity.SelectElement("all-attributes") != nil {
		md.AllAttributes = true
		return md
	}
	md.Columns = collectColumns(entity, "", "")
	return md
}

func collectColumns(el *etree.Element, linkAlias, linkName string) []types.Column {
	var cols []types.Column
	for _, child := range el.ChildElements() {
		switch child.Tag {
		case "attribute":
			col := types.Column{
				LogicalName:       child.SelectAttrValue("name", ""),
				Alias:             child.SelectAttrValue("alias", ""),
				LinkedEntityAlias: linkAlias,
				LinkedEntityName:  linkName,
				DataType:          types.ColTypeUnknown,
			}
			if fn := child.SelectAttrValue("aggregate", ""); fn != "" {
				col.IsAggregate = true
				col.AggregateFunction = fn
			}
			cols = append(cols, col)
		case "link-entity":
			name := child.SelectAttrValue("name", "")
			alias := child.SelectAttrValue("alias", "")
			if alias == "" {
				alias = name
			}
			cols = append(cols, collectColumns(child, alias, name)...)
		}
	}
	return cols
}
