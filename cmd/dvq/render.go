package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/dvtools/dvq/internal/types"
)

const maxCellWidth = 48

var (
	headerColor = color.New(color.Bold)
	nullColor   = color.New(color.Faint)
	lookupColor = color.New(color.FgCyan)
	countColor  = color.New(color.Faint)
)

// renderResult writes one result set as an aligned table, or JSON with --json.
func renderResult(w io.Writer, res *types.QueryResult) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	cols := res.Columns
	if len(cols) == 0 {
		cols = types.InferColumns(res.Records)
	}

	keys := make([]string, len(cols))
	widths := make([]int, len(cols))
	for i, c := range cols {
		keys[i] = c.QualifiedKey()
		widths[i] = len(keys[i])
	}
	cells := make([][]string, len(res.Records))
	for ri, rec := range res.Records {
		row := make([]string, len(cols))
		for ci, key := range keys {
			text := cellText(rec.Get(key))
			if len(text) > maxCellWidth {
				text = text[:maxCellWidth-1] + "…"
			}
			row[ci] = text
			if len(text) > widths[ci] {
				widths[ci] = len(text)
			}
		}
		cells[ri] = row
	}

	for i, key := range keys {
		if i > 0 {
			fmt.Fprint(w, "  ")
		}
		headerColor.Fprintf(w, "%-*s", widths[i], key)
	}
	fmt.Fprintln(w)

	for ri, row := range cells {
		for ci, text := range row {
			if ci > 0 {
				fmt.Fprint(w, "  ")
			}
			v := res.Records[ri].Get(keys[ci])
			switch {
			case v.IsNull():
				nullColor.Fprintf(w, "%-*s", widths[ci], text)
			case v.Kind() == types.KindLookup:
				lookupColor.Fprintf(w, "%-*s", widths[ci], text)
			default:
				fmt.Fprintf(w, "%-*s", widths[ci], text)
			}
		}
		fmt.Fprintln(w)
	}

	summary := fmt.Sprintf("%d row(s)", res.Count)
	if res.TotalCount != nil {
		summary += fmt.Sprintf(" of %d total", *res.TotalCount)
	}
	if res.MoreRecords {
		summary += ", more available"
	}
	countColor.Fprintln(w, summary)
	return nil
}

func cellText(v types.Value) string {
	if v.IsNull() {
		return "NULL"
	}
	s := v.String()
	return strings.ReplaceAll(s, "\n", " ")
}
