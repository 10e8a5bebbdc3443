package transfer

import (
	"sync"

	"github.com/google/uuid"
)

// Remap tracks source-to-target id mappings populated during an import run.
// Writes are single-writer per entity (one import task per entity); reads
// from dependent entities happen after the writer's tier completed, so the
// lock is contention-free in practice.
type Remap struct {
	mu sync.RWMutex
	m  map[string]map[uuid.UUID]uuid.UUID
}

func NewRemap() *Remap {
	return &Remap{m: make(map[string]map[uuid.UUID]uuid.UUID)}
}

func (r *Remap) Put(entity string, source, target uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID := r.m[entity]
	if byID == nil {
		byID = make(map[uuid.UUID]uuid.UUID)
		r.m[entity] = byID
	}
	byID[source] = target
}

func (r *Remap) Get(entity string, source uuid.UUID) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	target, ok := r.m[entity][source]
	return target, ok
}

// Delta returns a copy of one entity's mappings, for checkpointing.
func (r *Remap) Delta(entity string) map[uuid.UUID]uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uuid.UUID]uuid.UUID, len(r.m[entity]))
	for s, t := range r.m[entity] {
		out[s] = t
	}
	return out
}

// Merge loads previously checkpointed mappings back in.
func (r *Remap) Merge(entity string, delta map[uuid.UUID]uuid.UUID) {
	for s, t := range delta {
		r.Put(entity, s, t)
	}
}
