package transfer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/dvtools/dvq/internal/dverr"
)

const (
	checkpointName = "checkpoint.json"
	lockName       = ".dvq.import.lock"
)

// CheckpointEntity is one entity's resume position. RemapIDs carries the id
// mappings established so far, keyed by source id; JSON encoding keeps the
// map sorted and deduplicated.
type CheckpointEntity struct {
	LastBatch int               `json:"lastBatch"`
	Completed bool              `json:"completed"`
	RemapIDs  map[string]string `json:"dedupedRemapIds,omitempty"`
}

// Checkpoint is the persisted resume state of one import run.
type Checkpoint struct {
	Entities map[string]*CheckpointEntity `json:"entities"`
}

func NewCheckpoint() *Checkpoint {
	return &Checkpoint{Entities: make(map[string]*CheckpointEntity)}
}

func (c *Checkpoint) entity(name string) *CheckpointEntity {
	e := c.Entities[name]
	if e == nil {
		e = &CheckpointEntity{LastBatch: -1}
		c.Entities[name] = e
	}
	return e
}

// Record stores a batch completion plus the entity's remap delta.
func (c *Checkpoint) Record(entity string, batch int, delta map[uuid.UUID]uuid.UUID) {
	e := c.entity(entity)
	e.LastBatch = batch
	if len(delta) > 0 {
		if e.RemapIDs == nil {
			e.RemapIDs = make(map[string]string, len(delta))
		}
		for s, t := range delta {
			e.RemapIDs[s.String()] = t.String()
		}
	}
}

// MarkCompleted flags an entity as fully imported.
func (c *Checkpoint) MarkCompleted(entity string) {
	c.entity(entity).Completed = true
}

// IsCompleted reports whether a previous run finished this entity.
func (c *Checkpoint) IsCompleted(entity string) bool {
	e := c.Entities[entity]
	return e != nil && e.Completed
}

// ResumeBatch returns the first batch index still to process.
func (c *Checkpoint) ResumeBatch(entity string) int {
	e := c.Entities[entity]
	if e == nil {
		return 0
	}
	return e.LastBatch + 1
}

// RemapDelta decodes an entity's checkpointed id mappings.
func (c *Checkpoint) RemapDelta(entity string) (map[uuid.UUID]uuid.UUID, error) {
	e := c.Entities[entity]
	if e == nil || len(e.RemapIDs) == 0 {
		return nil, nil
	}
	out := make(map[uuid.UUID]uuid.UUID, len(e.RemapIDs))
	for s, t := range e.RemapIDs {
		sid, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("checkpoint remap key %q: %w", s, err)
		}
		tid, err := uuid.Parse(t)
		if err != nil {
			return nil, fmt.Errorf("checkpoint remap value %q: %w", t, err)
		}
		out[sid] = tid
	}
	return out, nil
}

// LoadCheckpoint reads dir's checkpoint; a missing file yields an empty one.
func LoadCheckpoint(dir string) (*Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(dir, checkpointName))
	if err != nil {
		if os.IsNotExist(err) {
			return NewCheckpoint(), nil
		}
		return nil, err
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	if c.Entities == nil {
		c.Entities = make(map[string]*CheckpointEntity)
	}
	return &c, nil
}

// Save rewrites the checkpoint atomically: write temp, fsync, rename.
func (c *Checkpoint) Save(dir string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tmp, err := os.CreateTemp(dir, checkpointName+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	_ = tmp.Close()
	if err := os.Rename(tmpPath, filepath.Join(dir, checkpointName)); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// DeleteCheckpoint removes the checkpoint after an all-tier success.
func DeleteCheckpoint(dir string) error {
	err := os.Remove(filepath.Join(dir, checkpointName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// acquireImportLock takes the per-directory import lock, guarding against
// two importers sharing one checkpoint.
func acquireImportLock(dir string) (*flock.Flock, error) {
	fl := flock.New(filepath.Join(dir, lockName))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("import lock: %w", err)
	}
	if !locked {
		return nil, dverr.Newf(dverr.CodeNotSupported, "another import holds the lock on %s", dir)
	}
	return fl, nil
}
