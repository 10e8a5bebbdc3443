package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dvtools/dvq/internal/debug"
	"github.com/dvtools/dvq/internal/fetchxml"
	"github.com/dvtools/dvq/internal/plan"
	"github.com/dvtools/dvq/internal/telemetry"
	"github.com/dvtools/dvq/internal/transfer"
)

var (
	exportSchemaFile string
	exportDir        string

	importSchemaFile string
	importDir        string
	importDryRun     bool
	importVerify     bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export schema entities to a directory of JSONL data files",
	RunE:  runExport,
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import an exported directory into the target environment",
	RunE:  runImport,
}

func init() {
	exportCmd.Flags().StringVar(&exportSchemaFile, "schema", "", "schema file (YAML or JSON)")
	exportCmd.Flags().StringVar(&exportDir, "out", "", "output directory")
	_ = exportCmd.MarkFlagRequired("schema")
	_ = exportCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(exportCmd)

	importCmd.Flags().StringVar(&importSchemaFile, "schema", "", "schema file (YAML or JSON)")
	importCmd.Flags().StringVar(&importDir, "dir", "", "exported data directory")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "walk every batch without writing")
	importCmd.Flags().BoolVar(&importVerify, "verify", false, "verify data file checksums before importing")
	_ = importCmd.MarkFlagRequired("schema")
	_ = importCmd.MarkFlagRequired("dir")
	rootCmd.AddCommand(importCmd)
}

// newProgressBus wires console, slog, and telemetry sinks.
func newProgressBus() *transfer.Bus {
	bus := transfer.NewBus()
	if !debug.IsQuiet() {
		bus.Register(consoleSink())
	}
	if debug.Enabled() {
		bus.Register(transfer.SlogSink{})
	}
	bus.Register(telemetry.NewTransferSink())
	return bus
}

func consoleSink() transfer.ProgressSink {
	done := color.New(color.FgGreen)
	fail := color.New(color.FgRed)
	return transfer.FuncSink(func(e transfer.Event) {
		switch e.Kind {
		case transfer.EventTierStarted:
			fmt.Printf("tier %d\n", e.Tier)
		case transfer.EventEntityCompleted:
			done.Printf("  %s: %d row(s)\n", e.Entity, e.Rows)
		case transfer.EventFailure:
			fail.Printf("  %s: %s (%s)\n", e.Entity, e.Detail, e.Code)
		}
	})
}

func runExport(cmd *cobra.Command, args []string) error {
	entities, err := plan.LoadSchemaFile(exportSchemaFile)
	if err != nil {
		return err
	}
	p, err := plan.Build(entities)
	if err != nil {
		return err
	}

	k := loadKnobs()
	cp, err := newPool(cmd.Context(), k)
	if err != nil {
		return err
	}
	defer cp.Close()

	env, err := environmentURL()
	if err != nil {
		return err
	}
	sink := transfer.NewDirectorySink(exportDir, env)
	exp := transfer.NewExporter(fetchxml.NewExecutor(cp), newProgressBus(), transfer.ExportOptions{
		BatchSize: k.BatchSize,
		PageSize:  k.PageSize,
		RetryCap:  k.RetryCap,
	})

	if err := exp.Export(cmd.Context(), p, sink); err != nil {
		_ = sink.Close()
		return err
	}
	if err := sink.Close(); err != nil {
		return err
	}
	debug.PrintNormal("exported %d entities to %s\n", len(p.Nodes), exportDir)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	entities, err := plan.LoadSchemaFile(importSchemaFile)
	if err != nil {
		return err
	}
	p, err := plan.Build(entities)
	if err != nil {
		return err
	}

	if importVerify {
		bad, err := transfer.VerifyManifest(importDir)
		if err != nil {
			return err
		}
		if len(bad) > 0 {
			return fmt.Errorf("checksum mismatch: %s", strings.Join(bad, ", "))
		}
		debug.PrintNormal("manifest verified\n")
	}

	k := loadKnobs()
	cp, err := newPool(cmd.Context(), k)
	if err != nil {
		return err
	}
	defer cp.Close()

	im := transfer.NewImporter(cp, newProgressBus(), transfer.ImportOptions{
		BatchSize: k.BatchSize,
		RetryCap:  k.RetryCap,
		DryRun:    importDryRun,
	})
	if err := im.Import(cmd.Context(), p, importDir); err != nil {
		return err
	}
	if importDryRun {
		debug.PrintNormal("dry run complete; no records written\n")
	} else {
		debug.PrintNormal("import complete\n")
	}
	return nil
}
