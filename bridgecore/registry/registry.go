// Package registry provides the concurrent-safe entity registry.
//
// The registry tracks every entity the host creates or modifies during a
// session, ordered by a monotonic activity sequence. Recency is based on
// activity: both recording a new entity and touching an existing one move
// it to the front of "most recent". The registry is the substrate for
// resolving vague references like "the curve you just drew".
//
// All mutations go through the registry's write lock, so persistence sees
// a single writer even though lookups run concurrently.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atelier-systems/modelbridge/bridgecore/observability"
)

// Logger interface for the registry.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// ENTITY
// =============================================================================

// Entity is one host-side object tracked by the registry.
type Entity struct {
	// EntityID is the host's identifier for the object.
	EntityID string `json:"entity_id"`
	// EntityType is the modeling noun, e.g. "curve", "surface", "solid".
	EntityType string `json:"entity_type"`
	// OwningCommand is the id of the command that created the entity.
	OwningCommand string `json:"owning_command_id,omitempty"`
	// CreatedAt is when the entity was first recorded.
	CreatedAt time.Time `json:"created_at"`
	// LastModifiedAt is when the entity was last recorded or touched.
	LastModifiedAt time.Time `json:"last_modified_at"`
	// Seq is the activity sequence. Higher means more recent activity.
	Seq uint64 `json:"seq"`
}

// Clone returns a copy safe to hand outside the registry lock.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}

// =============================================================================
// ERRORS
// =============================================================================

// NotFoundError indicates no entity matched a lookup.
type NotFoundError struct {
	EntityID   string
	EntityType string
}

func (e *NotFoundError) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("entity %q not found", e.EntityID)
	}
	if e.EntityType != "" {
		return fmt.Sprintf("no entity of type %q in registry", e.EntityType)
	}
	return "registry is empty"
}

// NewNotFoundError creates a NotFoundError for an id lookup.
func NewNotFoundError(entityID string) *NotFoundError {
	return &NotFoundError{EntityID: entityID}
}

// InvalidEntityError indicates a Record call with missing fields.
type InvalidEntityError struct {
	Reason string
}

func (e *InvalidEntityError) Error() string {
	return fmt.Sprintf("invalid entity: %s", e.Reason)
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry is the concurrent-safe entity index.
//
// Reads take the read lock and return clones. Mutations take the write
// lock, bump the activity sequence, and append to the journal when
// persistence is enabled.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*Entity
	lastSeq  uint64

	store  *Store // nil means in-memory only
	logger Logger

	recordsTotal uint64
	touchesTotal uint64
}

// NewInMemory creates a registry without persistence.
func NewInMemory(logger Logger) *Registry {
	return &Registry{
		entities: make(map[string]*Entity),
		logger:   logger,
	}
}

// Open creates a registry backed by a journal and snapshot under dataDir.
// Existing state is replayed so entities survive restarts.
func Open(dataDir string, snapshotThreshold int, logger Logger) (*Registry, error) {
	store, err := OpenStore(dataDir, snapshotThreshold, logger)
	if err != nil {
		return nil, err
	}

	entities, lastSeq, err := store.Load()
	if err != nil {
		store.Close()
		return nil, err
	}

	r := &Registry{
		entities: entities,
		lastSeq:  lastSeq,
		store:    store,
		logger:   logger,
	}

	if logger != nil {
		logger.Info("registry_opened",
			"data_dir", dataDir,
			"entities", len(entities),
			"last_seq", lastSeq)
	}
	return r, nil
}

// Record registers a new entity created by a command.
//
// Recording an id that already exists is treated as a modification of the
// existing entity: the activity sequence advances but the original type
// and creation time are preserved, and a warning is logged.
func (r *Registry) Record(entityID string, entityType string, owningCommand string) (*Entity, error) {
	if entityID == "" {
		return nil, &InvalidEntityError{Reason: "entity id is required"}
	}
	if entityType == "" {
		return nil, &InvalidEntityError{Reason: "entity type is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()

	if existing, ok := r.entities[entityID]; ok {
		if r.logger != nil {
			r.logger.Warn("entity_rerecorded",
				"entity_id", entityID,
				"existing_type", existing.EntityType,
				"requested_type", entityType)
		}
		return r.touchLocked(existing, owningCommand, now), nil
	}

	r.lastSeq++
	entity := &Entity{
		EntityID:       entityID,
		EntityType:     entityType,
		OwningCommand:  owningCommand,
		CreatedAt:      now,
		LastModifiedAt: now,
		Seq:            r.lastSeq,
	}
	r.entities[entityID] = entity
	r.recordsTotal++
	observability.RecordRegistryOperation(OpRecord)
	observability.SetRegistryEntities(len(r.entities))

	r.appendLocked(&JournalRecord{
		Op:            OpRecord,
		Seq:           entity.Seq,
		EntityID:      entityID,
		EntityType:    entityType,
		OwningCommand: owningCommand,
		At:            now,
	})

	if r.logger != nil {
		r.logger.Debug("entity_recorded",
			"entity_id", entityID,
			"entity_type", entityType,
			"owning_command_id", owningCommand,
			"seq", entity.Seq)
	}
	return entity.Clone(), nil
}

// Touch marks an existing entity as modified, advancing its activity
// sequence so it becomes the most recent of its type.
func (r *Registry) Touch(entityID string, commandID string) (*Entity, error) {
	if entityID == "" {
		return nil, &InvalidEntityError{Reason: "entity id is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entity, ok := r.entities[entityID]
	if !ok {
		return nil, NewNotFoundError(entityID)
	}
	return r.touchLocked(entity, commandID, time.Now().UTC()), nil
}

// touchLocked advances an entity's activity sequence. Caller holds the write lock.
func (r *Registry) touchLocked(entity *Entity, commandID string, now time.Time) *Entity {
	r.lastSeq++
	entity.Seq = r.lastSeq
	entity.LastModifiedAt = now
	r.touchesTotal++
	observability.RecordRegistryOperation(OpTouch)

	r.appendLocked(&JournalRecord{
		Op:            OpTouch,
		Seq:           entity.Seq,
		EntityID:      entity.EntityID,
		OwningCommand: commandID,
		At:            now,
	})

	if r.logger != nil {
		r.logger.Debug("entity_touched",
			"entity_id", entity.EntityID,
			"command_id", commandID,
			"seq", entity.Seq)
	}
	return entity.Clone()
}

// appendLocked writes a journal record when persistence is enabled.
// Journal failures degrade the registry to in-memory behavior rather
// than failing the mutation.
func (r *Registry) appendLocked(rec *JournalRecord) {
	if r.store == nil {
		return
	}
	if err := r.store.Append(rec); err != nil {
		if r.logger != nil {
			r.logger.Error("journal_append_failed",
				"entity_id", rec.EntityID,
				"op", rec.Op,
				"error", err)
		}
		return
	}
	if r.store.ShouldCompact() {
		if err := r.store.Compact(r.entities, r.lastSeq); err != nil {
			if r.logger != nil {
				r.logger.Error("journal_compaction_failed", "error", err)
			}
			return
		}
		observability.RecordRegistryCompaction()
		if r.logger != nil {
			r.logger.Info("journal_compacted",
				"entities", len(r.entities),
				"last_seq", r.lastSeq)
		}
	}
}

// MostRecent returns the entity with the highest activity sequence.
// A non-empty entityType restricts the search to that type.
func (r *Registry) MostRecent(entityType string) (*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Entity
	for _, e := range r.entities {
		if entityType != "" && e.EntityType != entityType {
			continue
		}
		if best == nil || e.Seq > best.Seq {
			best = e
		}
	}
	if best == nil {
		return nil, &NotFoundError{EntityType: entityType}
	}
	return best.Clone(), nil
}

// Get returns the entity with the given id.
func (r *Registry) Get(entityID string) (*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entity, ok := r.entities[entityID]
	if !ok {
		return nil, NewNotFoundError(entityID)
	}
	return entity.Clone(), nil
}

// List returns all entities ordered by activity sequence, oldest first.
func (r *Registry) List() []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Count returns the number of tracked entities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}

// Clear drops all entities and resets persistence.
// The activity sequence restarts from zero.
func (r *Registry) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := len(r.entities)
	r.entities = make(map[string]*Entity)
	r.lastSeq = 0
	observability.SetRegistryEntities(0)

	if r.store != nil {
		if err := r.store.Reset(); err != nil {
			if r.logger != nil {
				r.logger.Error("registry_reset_failed", "error", err)
			}
			return err
		}
	}

	if r.logger != nil {
		r.logger.Info("registry_cleared", "dropped_entities", dropped)
	}
	return nil
}

// Close flushes and closes the persistence layer.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.store == nil {
		return nil
	}
	err := r.store.Close()
	r.store = nil
	return err
}

// GetStats returns registry statistics.
func (r *Registry) GetStats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byType := make(map[string]int)
	for _, e := range r.entities {
		byType[e.EntityType]++
	}

	stats := map[string]any{
		"entity_count":  len(r.entities),
		"last_seq":      r.lastSeq,
		"records_total": r.recordsTotal,
		"touches_total": r.touchesTotal,
		"by_type":       byType,
		"persistent":    r.store != nil,
	}
	if r.store != nil {
		stats["journal_entries"] = r.store.JournalEntries()
	}
	return stats
}
