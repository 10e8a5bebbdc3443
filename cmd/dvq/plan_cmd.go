package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dvtools/dvq/internal/plan"
)

var planSchemaFile string

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the dependency-ordered import tiers for a schema",
	RunE:  runPlan,
}

func init() {
	planCmd.Flags().StringVar(&planSchemaFile, "schema", "", "schema file (YAML or JSON)")
	_ = planCmd.MarkFlagRequired("schema")
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	entities, err := plan.LoadSchemaFile(planSchemaFile)
	if err != nil {
		return err
	}
	p, err := plan.Build(entities)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	}

	tierColor := color.New(color.Bold)
	selfColor := color.New(color.FgYellow)
	extColor := color.New(color.Faint)

	for _, tier := range p.Tiers {
		tierColor.Fprintf(w, "tier %d\n", tier.Index)
		for _, name := range tier.Entities {
			node := p.Nodes[name]
			fmt.Fprintf(w, "  %s", name)
			if node.SelfRef {
				selfColor.Fprint(w, "  (self-referential: second pass)")
			}
			fmt.Fprintln(w)
			if len(node.DependsOn) > 0 {
				fmt.Fprintf(w, "    depends on %s\n", strings.Join(node.DependsOn, ", "))
			}
			if len(node.ExternalRefs) > 0 {
				refs := make([]string, len(node.ExternalRefs))
				for i, l := range node.ExternalRefs {
					refs[i] = fmt.Sprintf("%s (%s)", l.LogicalName, l.Target)
				}
				extColor.Fprintf(w, "    external refs: %s\n", strings.Join(refs, ", "))
			}
		}
	}
	fmt.Fprintf(w, "%d entities in %d tier(s)\n", len(p.Nodes), len(p.Tiers))
	return nil
}
