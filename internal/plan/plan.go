// Package plan builds the dependency graph over the entities selected for a
// transfer and orders them into tiers: every entity's lookup targets land in
// an earlier tier, self-references excepted. Cross-entity cycles are a fatal
// schema fault.
package plan

import (
	"sort"
	"strings"

	"github.com/dvtools/dvq/internal/dverr"
	"github.com/dvtools/dvq/internal/types"
)

// Node is one selected entity with its classified edges.
type Node struct {
	Entity types.EntitySchema
	// SelfRef marks a lookup targeting the entity itself. Self edges do
	// not constrain tiering; the importer resolves them in a second pass.
	SelfRef bool
	// DependsOn lists selected lookup targets, sorted, deduplicated,
	// self excluded.
	DependsOn []string
	// ExternalRefs are lookups whose target is outside the selected set.
	// Their values are preserved verbatim at import; no plan impact.
	ExternalRefs []types.LookupField
}

// Tier is one wave of entities that can transfer concurrently.
type Tier struct {
	Index    int
	Entities []string // stable name order
}

// Plan is the tiered transfer order for one selected set.
type Plan struct {
	Nodes map[string]*Node
	Tiers []Tier
}

// Build classifies every lookup edge and tiers the graph. Any cycle spanning
// two or more entities fails with CyclicSchema naming its members.
func Build(selected []types.EntitySchema) (*Plan, error) {
	nodes := make(map[string]*Node, len(selected))
	for _, s := range selected {
		nodes[s.Name] = &Node{Entity: s}
	}

	for name, n := range nodes {
		seen := make(map[string]bool)
		for _, l := range n.Entity.Lookups {
			switch {
			case l.Target == name:
				n.SelfRef = true
			case nodes[l.Target] != nil:
				if !seen[l.Target] {
					seen[l.Target] = true
					n.DependsOn = append(n.DependsOn, l.Target)
				}
			default:
				n.ExternalRefs = append(n.ExternalRefs, l)
			}
		}
		sort.Strings(n.DependsOn)
		sort.Slice(n.ExternalRefs, func(i, j int) bool {
			return n.ExternalRefs[i].LogicalName < n.ExternalRefs[j].LogicalName
		})
	}

	if cycle := findCycle(nodes); len(cycle) > 0 {
		return nil, dverr.Newf(dverr.CodeCyclicSchema, "entities form a dependency cycle: %s",
			strings.Join(cycle, ", ")).WithDetails(strings.Join(cycle, ","))
	}

	tiers, err := tierize(nodes)
	if err != nil {
		return nil, err
	}
	return &Plan{Nodes: nodes, Tiers: tiers}, nil
}

// findCycle runs Tarjan's strongly-connected-components search and returns
// the members of the first component of size two or more, sorted. Self loops
// are legal and never reported.
func findCycle(nodes map[string]*Node) []string {
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	t := &tarjan{
		nodes: nodes,
		index: make(map[string]int, len(nodes)),
		low:   make(map[string]int, len(nodes)),
		on:    make(map[string]bool, len(nodes)),
	}
	for _, name := range names {
		if _, visited := t.index[name]; !visited {
			t.visit(name)
			if len(t.cycle) > 0 {
				sort.Strings(t.cycle)
				return t.cycle
			}
		}
	}
	return nil
}

type tarjan struct {
	nodes map[string]*Node
	index map[string]int
	low   map[string]int
	on    map[string]bool
	stack []string
	next  int
	cycle []string
}

func (t *tarjan) visit(name string) {
	t.index[name] = t.next
	t.low[name] = t.next
	t.next++
	t.stack = append(t.stack, name)
	t.on[name] = true

	for _, dep := range t.nodes[name].DependsOn {
		if _, visited := t.index[dep]; !visited {
			t.visit(dep)
			if t.low[dep] < t.low[name] {
				t.low[name] = t.low[dep]
			}
		} else if t.on[dep] && t.index[dep] < t.low[name] {
			t.low[name] = t.index[dep]
		}
	}

	if t.low[name] != t.index[name] {
		return
	}
	var scc []string
	for {
		top := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		t.on[top] = false
		scc = append(scc, top)
		if top == name {
			break
		}
	}
	if len(scc) >= 2 && len(t.cycle) == 0 {
		t.cycle = scc
	}
}

// tierize runs Kahn's algorithm over the acyclic graph. Entities whose
// selected dependencies are all placed go into the next tier, names sorted
// for determinism.
func tierize(nodes map[string]*Node) ([]Tier, error) {
	placed := make(map[string]bool, len(nodes))
	var tiers []Tier

	for len(placed) < len(nodes) {
		var wave []string
		for name, n := range nodes {
			if placed[name] {
				continue
			}
			ready := true
			for _, dep := range n.DependsOn {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, name)
			}
		}
		if len(wave) == 0 {
			// Unreachable once findCycle has passed; kept as a guard
			// against future edge-classification bugs.
			return nil, dverr.New(dverr.CodeCyclicSchema, "tiering stalled on a residual cycle")
		}
		sort.Strings(wave)
		for _, name := range wave {
			placed[name] = true
		}
		tiers = append(tiers, Tier{Index: len(tiers), Entities: wave})
	}
	return tiers, nil
}

// TierOf returns the tier index holding entity name, or -1.
func (p *Plan) TierOf(name string) int {
	for _, t := range p.Tiers {
		for _, e := range t.Entities {
			if e == name {
				return t.Index
			}
		}
	}
	return -1
}
