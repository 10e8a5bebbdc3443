package transfer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dvtools/dvq/internal/client"
	"github.com/dvtools/dvq/internal/dverr"
	"github.com/dvtools/dvq/internal/types"
)

const deadLetterDir = "deadletter"

// deadLetterEntry is one diverted record with its failure.
type deadLetterEntry struct {
	At      time.Time  `json:"at"`
	Code    dverr.Code `json:"code"`
	Message string     `json:"message"`
	Row     Row        `json:"row"`
}

// deadLetter appends diverted records to an append-only per-entity file.
// The file is opened lazily so a clean import leaves no dead-letter files.
type deadLetter struct {
	dir    string
	entity string
	f      *os.File
}

func newDeadLetter(dir, entity string) *deadLetter {
	return &deadLetter{dir: dir, entity: entity}
}

func (d *deadLetter) Append(row Row, cause error) error {
	if d.f == nil {
		sub := filepath.Join(d.dir, deadLetterDir)
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return fmt.Errorf("dead letter dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(sub, d.entity+".deadletter.jsonl"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("dead letter file: %w", err)
		}
		d.f = f
	}
	entry := deadLetterEntry{
		At:      time.Now().UTC(),
		Code:    dverr.CodeOf(cause),
		Message: cause.Error(),
		Row:     row,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if _, err := d.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append dead letter: %w", err)
	}
	return nil
}

func (d *deadLetter) Close() {
	if d.f != nil {
		_ = d.f.Close()
		d.f = nil
	}
}

// ReadDeadLetters loads an entity's diverted records, if any.
func ReadDeadLetters(dir, entity string) ([]Row, error) {
	data, err := os.ReadFile(filepath.Join(dir, deadLetterDir, entity+".deadletter.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var rows []Row
	for _, line := range splitLines(data) {
		var e deadLetterEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("dead letter for %s: %w", entity, err)
		}
		rows = append(rows, e.Row)
	}
	return rows, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// wireValue converts a non-lookup cell back to its wire attribute shape.
func wireValue(v types.Value) any {
	switch v.Kind() {
	case types.KindOptionSet:
		opt, _ := v.OptionSet()
		return client.OptionSetValue{Value: opt.Code}
	case types.KindOptionSetSet:
		oss, _ := v.OptionSetSet()
		coll := make(client.OptionSetValueCollection, len(oss.Codes))
		for i, c := range oss.Codes {
			coll[i] = client.OptionSetValue{Value: c}
		}
		return coll
	case types.KindMoney:
		m, _ := v.Money()
		return client.Money{Value: m.Amount}
	default:
		return v.Raw()
	}
}
