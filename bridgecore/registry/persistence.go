package registry

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Journal operations.
const (
	// OpRecord is the journal op for a newly created entity.
	OpRecord = "record"
	// OpTouch is the journal op for a modification of an existing entity.
	OpTouch = "touch"
)

const (
	journalName     = "registry.journal.jsonl"
	snapshotName    = "registry.snapshot.json"
	snapshotVersion = 1
)

// JournalRecord is one line of the append-only journal.
type JournalRecord struct {
	Op            string    `json:"op"`
	Seq           uint64    `json:"seq"`
	EntityID      string    `json:"entity_id"`
	EntityType    string    `json:"entity_type,omitempty"`
	OwningCommand string    `json:"owning_command_id,omitempty"`
	At            time.Time `json:"at"`
}

// Snapshot is the compacted registry state written during compaction.
type Snapshot struct {
	Version  int       `json:"version"`
	LastSeq  uint64    `json:"last_seq"`
	SavedAt  time.Time `json:"saved_at"`
	Entities []*Entity `json:"entities"`
}

// Store persists the registry as an append-only journal plus a compacted
// snapshot. Appends are not fsynced; a crash may lose the final line, and
// Load tolerates a torn trailing record.
//
// Store methods are not safe for concurrent use. The Registry's write
// lock serializes all calls.
type Store struct {
	dir     string
	journal *os.File
	logger  Logger

	entries   int // journal lines, reset on compaction
	threshold int
}

// OpenStore opens (or creates) the persistence directory and journal.
func OpenStore(dir string, threshold int, logger Logger) (*Store, error) {
	cleanDir := filepath.Clean(dir)
	if err := os.MkdirAll(cleanDir, 0750); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}

	journalPath := filepath.Join(cleanDir, journalName)
	journal, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600) // #nosec G304 -- path is cleaned above
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	return &Store{
		dir:       cleanDir,
		journal:   journal,
		logger:    logger,
		threshold: threshold,
	}, nil
}

// JournalPath returns the journal file location.
func (s *Store) JournalPath() string {
	return filepath.Join(s.dir, journalName)
}

// SnapshotPath returns the snapshot file location.
func (s *Store) SnapshotPath() string {
	return filepath.Join(s.dir, snapshotName)
}

// Load rebuilds registry state from the snapshot plus journal replay.
//
// Journal records at or below the snapshot's sequence are skipped, which
// makes replay idempotent when a crash landed between snapshot rename and
// journal truncation. A torn trailing line is skipped with a warning; a
// malformed line anywhere else is corruption and fails the load.
func (s *Store) Load() (map[string]*Entity, uint64, error) {
	entities := make(map[string]*Entity)
	var lastSeq uint64

	snap, err := s.loadSnapshot()
	if err != nil {
		return nil, 0, err
	}
	if snap != nil {
		for _, e := range snap.Entities {
			entities[e.EntityID] = e.Clone()
		}
		lastSeq = snap.LastSeq
	}
	snapSeq := lastSeq

	lines, err := s.readJournalLines()
	if err != nil {
		return nil, 0, err
	}

	for i, line := range lines {
		var rec JournalRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			if i == len(lines)-1 {
				// Torn write from an unclean shutdown. The record was
				// never acknowledged, so dropping it is safe.
				if s.logger != nil {
					s.logger.Warn("journal_torn_line_skipped", "line", i+1)
				}
				break
			}
			return nil, 0, fmt.Errorf("journal corrupt at line %d: %w", i+1, err)
		}
		s.entries++

		if rec.Seq <= snapSeq {
			continue
		}

		switch rec.Op {
		case OpRecord:
			entities[rec.EntityID] = &Entity{
				EntityID:       rec.EntityID,
				EntityType:     rec.EntityType,
				OwningCommand:  rec.OwningCommand,
				CreatedAt:      rec.At,
				LastModifiedAt: rec.At,
				Seq:            rec.Seq,
			}
		case OpTouch:
			entity, ok := entities[rec.EntityID]
			if !ok {
				if s.logger != nil {
					s.logger.Warn("journal_touch_unknown_entity",
						"entity_id", rec.EntityID,
						"line", i+1)
				}
				continue
			}
			// Owning command tracks the creator, so touches leave it alone.
			entity.Seq = rec.Seq
			entity.LastModifiedAt = rec.At
		default:
			return nil, 0, fmt.Errorf("journal corrupt at line %d: unknown op %q", i+1, rec.Op)
		}
		if rec.Seq > lastSeq {
			lastSeq = rec.Seq
		}
	}

	return entities, lastSeq, nil
}

// loadSnapshot reads the snapshot file if one exists.
func (s *Store) loadSnapshot() (*Snapshot, error) {
	data, err := os.ReadFile(s.SnapshotPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	return &snap, nil
}

// readJournalLines returns the raw non-empty journal lines.
func (s *Store) readJournalLines() ([]string, error) {
	f, err := os.Open(s.JournalPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal for replay: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return lines, nil
}

// Append writes one record to the journal.
func (s *Store) Append(rec *JournalRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}
	data = append(data, '\n')

	if _, err := s.journal.Write(data); err != nil {
		return fmt.Errorf("append journal record: %w", err)
	}
	s.entries++
	return nil
}

// ShouldCompact reports whether the journal has grown past the threshold.
func (s *Store) ShouldCompact() bool {
	return s.entries >= s.threshold
}

// JournalEntries returns the number of records currently in the journal.
func (s *Store) JournalEntries() int {
	return s.entries
}

// Compact writes a full snapshot and truncates the journal.
//
// The snapshot lands via write-temp-then-rename, so a crash at any point
// leaves either the old or the new snapshot intact. Truncation happens
// only after the rename; journal records made redundant by the snapshot
// are skipped on replay via the sequence check in Load.
func (s *Store) Compact(entities map[string]*Entity, lastSeq uint64) error {
	snap := &Snapshot{
		Version: snapshotVersion,
		LastSeq: lastSeq,
		SavedAt: time.Now().UTC(),
	}
	snap.Entities = make([]*Entity, 0, len(entities))
	for _, e := range entities {
		snap.Entities = append(snap.Entities, e)
	}
	sort.Slice(snap.Entities, func(i, j int) bool {
		return snap.Entities[i].Seq < snap.Entities[j].Seq
	})

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	temp, err := os.CreateTemp(s.dir, ".registry.snapshot.tmp.*")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("close snapshot temp file: %w", err)
	}
	if err := os.Rename(tempPath, s.SnapshotPath()); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}

	if err := os.Truncate(s.JournalPath(), 0); err != nil {
		return fmt.Errorf("truncate journal: %w", err)
	}
	s.entries = 0
	return nil
}

// Reset drops all persisted state: the journal is truncated and the
// snapshot removed.
func (s *Store) Reset() error {
	if err := os.Truncate(s.JournalPath(), 0); err != nil {
		return fmt.Errorf("truncate journal: %w", err)
	}
	if err := os.Remove(s.SnapshotPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	s.entries = 0
	return nil
}

// ReadJournal returns the decoded journal records, skipping a torn
// trailing line. Used by the bridgejournal inspection tool.
func (s *Store) ReadJournal() ([]JournalRecord, error) {
	lines, err := s.readJournalLines()
	if err != nil {
		return nil, err
	}

	records := make([]JournalRecord, 0, len(lines))
	for i, line := range lines {
		var rec JournalRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			if i == len(lines)-1 {
				break
			}
			return nil, fmt.Errorf("journal corrupt at line %d: %w", i+1, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close closes the journal handle.
func (s *Store) Close() error {
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}
