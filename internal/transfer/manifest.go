package transfer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dvtools/dvq/internal/dverr"
)

const manifestName = "manifest.json"

// ManifestEntity is one exported entity's bookkeeping.
type ManifestEntity struct {
	Name     string `json:"name"`
	File     string `json:"file"`
	Rows     int    `json:"rows"`
	Checksum string `json:"checksum"` // SHA-256 of the canonical-ordered bytes
}

// Manifest describes one export directory.
type Manifest struct {
	ExportedAt  time.Time        `json:"exportedAt"`
	Environment string           `json:"environment,omitempty"`
	Entities    []ManifestEntity `json:"entities"`
}

// WriteManifest writes dir/manifest.json atomically, entities sorted by name.
func WriteManifest(dir string, m *Manifest) error {
	sort.Slice(m.Entities, func(i, j int) bool { return m.Entities[i].Name < m.Entities[j].Name })

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	path := filepath.Join(dir, manifestName)
	tmp, err := os.CreateTemp(dir, manifestName+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	// Close before rename (required on Windows; double-close in the defer is
	// harmless).
	_ = tmp.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}

// ReadManifest loads dir/manifest.json.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dverr.Newf(dverr.CodeNotFound, "no manifest in %s", dir)
		}
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// VerifyManifest recomputes every entity's checksum and row presence.
// It returns the names of entities whose data files are missing or whose
// checksums diverge; an empty slice means the directory is intact.
func VerifyManifest(dir string) ([]string, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	var bad []string
	for _, e := range m.Entities {
		sum, err := ChecksumDataFile(dir, e.Name)
		if err != nil || sum != e.Checksum {
			bad = append(bad, e.Name)
		}
	}
	return bad, nil
}
