package sqlfn

import (
	"strings"
)

// SplitBatches splits a T-SQL script on top-level GO separators. GO must
// stand alone on its line (optionally with a count, which is ignored) and is
// not recognized inside string literals or comments. Empty batches are
// dropped.
func SplitBatches(script string) []string {
	var batches []string
	var current strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if isGoSeparator(line) {
			if b := strings.TrimSpace(current.String()); b != "" {
				batches = append(batches, b)
			}
			current.Reset()
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
	}
	if b := strings.TrimSpace(current.String()); b != "" {
		batches = append(batches, b)
	}
	return batches
}

func isGoSeparator(line string) bool {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 || !strings.EqualFold(fields[0], "GO") {
		return false
	}
	if len(fields) == 1 {
		return true
	}
	// GO <count> repeats a batch server-side; client-side we accept and
	// ignore the count.
	if len(fields) == 2 {
		for _, c := range fields[1] {
			if c < '0' || c > '9' {
				return false
			}
		}
		return true
	}
	return false
}

// StripLeadingComments removes leading whitespace, line comments, and block
// comments from a statement, exposing its first keyword.
func StripLeadingComments(sql string) string {
	for {
		sql = strings.TrimLeft(sql, " \t\r\n")
		switch {
		case strings.HasPrefix(sql, "--"):
			if i := strings.IndexByte(sql, '\n'); i >= 0 {
				sql = sql[i+1:]
			} else {
				return ""
			}
		case strings.HasPrefix(sql, "/*"):
			end := strings.Index(sql, "*/")
			if end < 0 {
				return ""
			}
			sql = sql[end+2:]
		default:
			return sql
		}
	}
}
