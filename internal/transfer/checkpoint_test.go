package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()

	src, tgt := uuid.New(), uuid.New()
	cp := NewCheckpoint()
	cp.Record("account", 2, map[uuid.UUID]uuid.UUID{src: tgt})
	cp.MarkCompleted("team")
	if err := cp.Save(dir); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadCheckpoint(dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ResumeBatch("account") != 3 {
		t.Errorf("resume batch: %d", loaded.ResumeBatch("account"))
	}
	if !loaded.IsCompleted("team") || loaded.IsCompleted("account") {
		t.Error("completion flags lost")
	}
	delta, err := loaded.RemapDelta("account")
	if err != nil {
		t.Fatal(err)
	}
	if delta[src] != tgt {
		t.Errorf("remap delta: %v", delta)
	}
}

func TestCheckpointDefaults(t *testing.T) {
	cp := NewCheckpoint()
	if cp.ResumeBatch("never") != 0 {
		t.Error("unknown entity must resume at 0")
	}
	if cp.IsCompleted("never") {
		t.Error("unknown entity must not be completed")
	}
	if d, err := cp.RemapDelta("never"); err != nil || d != nil {
		t.Errorf("unknown entity delta: %v %v", d, err)
	}
}

func TestLoadCheckpointMissingFile(t *testing.T) {
	cp, err := LoadCheckpoint(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(cp.Entities) != 0 {
		t.Errorf("fresh checkpoint: %v", cp.Entities)
	}
}

func TestCheckpointRemapDeltaRejectsGarbage(t *testing.T) {
	cp := NewCheckpoint()
	cp.Entities["account"] = &CheckpointEntity{RemapIDs: map[string]string{"not-a-uuid": uuid.New().String()}}
	if _, err := cp.RemapDelta("account"); err == nil {
		t.Fatal("garbage remap key must fail")
	}
}

// Save leaves no temp droppings behind.
func TestCheckpointSaveAtomic(t *testing.T) {
	dir := t.TempDir()
	cp := NewCheckpoint()
	cp.Record("account", 0, nil)
	if err := cp.Save(dir); err != nil {
		t.Fatal(err)
	}
	if err := cp.Save(dir); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != checkpointName {
			t.Errorf("leftover file %s", e.Name())
		}
	}
	if _, err := os.Stat(filepath.Join(dir, checkpointName)); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteCheckpointIdempotent(t *testing.T) {
	dir := t.TempDir()
	if err := DeleteCheckpoint(dir); err != nil {
		t.Fatal(err)
	}
	cp := NewCheckpoint()
	if err := cp.Save(dir); err != nil {
		t.Fatal(err)
	}
	if err := DeleteCheckpoint(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, checkpointName)); !os.IsNotExist(err) {
		t.Error("checkpoint still present")
	}
}
