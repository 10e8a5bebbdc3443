package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dvtools/dvq/internal/fetchxml"
	"github.com/dvtools/dvq/internal/pool"
	"github.com/dvtools/dvq/internal/scope"
	"github.com/dvtools/dvq/internal/sqlfn"
	"github.com/dvtools/dvq/internal/tds"
	"github.com/dvtools/dvq/internal/telemetry"
	"github.com/dvtools/dvq/internal/types"
)

var (
	queryFile     string
	queryAllPages bool
	queryCount    bool
	queryPage     int
)

var queryCmd = &cobra.Command{
	Use:   "query [statement]",
	Short: "Run FetchXML or read-only SQL against the environment",
	Long: `Executes the given statement. Input starting with '<' is treated as
FetchXML; anything else goes to the SQL endpoint (read-only, GO-separated
batches allowed).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&queryFile, "file", "f", "", "read the statement from a file")
	queryCmd.Flags().BoolVar(&queryAllPages, "all-pages", false, "follow paging cookies until exhausted (FetchXML)")
	queryCmd.Flags().BoolVar(&queryCount, "count", false, "request the total record count (FetchXML)")
	queryCmd.Flags().IntVar(&queryPage, "page", 0, "fetch one specific page (FetchXML)")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	statement, err := queryInput(args)
	if err != nil {
		return err
	}

	k := loadKnobs()
	p, err := newPool(cmd.Context(), k)
	if err != nil {
		return err
	}
	defer p.Close()

	if strings.HasPrefix(strings.TrimSpace(statement), "<") {
		return runFetch(cmd, p, statement, k)
	}
	return runSQL(cmd, p, statement, k)
}

func queryInput(args []string) (string, error) {
	switch {
	case queryFile != "":
		data, err := os.ReadFile(queryFile)
		if err != nil {
			return "", fmt.Errorf("read statement: %w", err)
		}
		return string(data), nil
	case len(args) == 1:
		return args[0], nil
	default:
		return "", fmt.Errorf("pass a statement or --file")
	}
}

func runFetch(cmd *cobra.Command, p *pool.Pool, statement string, k knobs) error {
	x := fetchxml.NewExecutor(p)
	qm := telemetry.NewQueryMetrics()
	ctx, span, start := qm.Start(cmd.Context(), "fetchxml")

	var res *types.QueryResult
	var err error
	if queryAllPages {
		res, err = x.AllPages(ctx, statement, fetchxml.AllPagesOptions{
			MaxRecords:   k.MaxRows,
			IncludeCount: queryCount,
		})
	} else {
		res, err = x.Execute(ctx, statement, fetchxml.Options{
			PageNumber:   queryPage,
			IncludeCount: queryCount,
		})
	}
	qm.Done(ctx, span, start, "fetchxml", err)
	if err != nil {
		return err
	}
	return renderResult(cmd.OutOrStdout(), res)
}

func runSQL(cmd *cobra.Command, p *pool.Pool, statement string, k knobs) error {
	sc := scope.New()
	x := tds.NewExecutor(p, sc, tds.Options{Port: k.TDSPort, MaxRows: k.MaxRows})

	batches := sqlfn.SplitBatches(statement)
	if len(batches) == 0 {
		return fmt.Errorf("statement is empty")
	}
	qm := telemetry.NewQueryMetrics()
	for i, batch := range batches {
		ctx, span, start := qm.Start(cmd.Context(), "tds")
		res, err := x.ExecuteSql(ctx, batch)
		qm.Done(ctx, span, start, "tds", err)
		if err != nil {
			return fmt.Errorf("batch %d: %w", i+1, err)
		}
		if err := renderResult(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	}
	return nil
}
