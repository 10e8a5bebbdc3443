package transfer

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/dvtools/dvq/internal/types"
)

// Row is one exported record with its source primary id. The id survives the
// transfer so the importer can remap intra-plan lookups.
type Row struct {
	ID     uuid.UUID    `json:"id"`
	Record types.Record `json:"record"`
}

// DataFileName returns the per-entity data file name.
func DataFileName(entity string) string {
	return entity + ".jsonl"
}

// DataFileWriter streams rows for one entity to a temp file, hashing the
// canonical bytes as they pass, and renames into place on Close. Field order
// is deterministic: rows encode as JSON objects with sorted keys.
type DataFileWriter struct {
	entity string
	path   string
	tmp    *os.File
	buf    *bufio.Writer
	hash   hash.Hash
	rows   int
}

func NewDataFileWriter(dir, entity string) (*DataFileWriter, error) {
	path := filepath.Join(dir, DataFileName(entity))
	tmp, err := os.CreateTemp(dir, DataFileName(entity)+".tmp.*")
	if err != nil {
		return nil, fmt.Errorf("create data file: %w", err)
	}
	h := sha256.New()
	return &DataFileWriter{
		entity: entity,
		path:   path,
		tmp:    tmp,
		buf:    bufio.NewWriter(io.MultiWriter(tmp, h)),
		hash:   h,
	}, nil
}

func (w *DataFileWriter) WriteRow(r Row) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	if _, err := w.buf.Write(line); err != nil {
		return err
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return err
	}
	w.rows++
	return nil
}

func (w *DataFileWriter) Rows() int { return w.rows }

// Close flushes, renames the temp file into place, and returns the SHA-256
// of the written bytes.
func (w *DataFileWriter) Close() (checksum string, err error) {
	defer os.Remove(w.tmp.Name()) // no-op after a successful rename

	if err := w.buf.Flush(); err != nil {
		_ = w.tmp.Close()
		return "", err
	}
	if err := w.tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(w.tmp.Name(), w.path); err != nil {
		return "", fmt.Errorf("finalize data file: %w", err)
	}
	return hex.EncodeToString(w.hash.Sum(nil)), nil
}

// Abort discards the temp file without touching the final path.
func (w *DataFileWriter) Abort() {
	_ = w.tmp.Close()
	_ = os.Remove(w.tmp.Name())
}

// ReadDataFile loads every row of an entity's data file.
func ReadDataFile(dir, entity string) ([]Row, error) {
	f, err := os.Open(filepath.Join(dir, DataFileName(entity)))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []Row
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r Row
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("data file %s line %d: %w", entity, len(rows)+1, err)
		}
		rows = append(rows, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

// ChecksumDataFile recomputes the SHA-256 of an entity's data file.
func ChecksumDataFile(dir, entity string) (string, error) {
	f, err := os.Open(filepath.Join(dir, DataFileName(entity)))
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
