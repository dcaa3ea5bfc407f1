// Package rating implements the per-node reputation engine: EWMA-based
// completion speed scoring, completion/failure counters, unique-per-task
// likes, and bid-eligibility gating. Grounded on spec.md §4.5 directly
// (the teacher has no reputation concept); the record shape follows
// other_examples' Minotor-Team-minotor reputation definition (a decaying
// score plus a disqualification threshold over an activity history).
package rating

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

const (
	alpha          = 0.2
	targetMs       = 30 * 60 * 1000
	minTasksToRate = 10
	threshold      = 10
)

// Record is a node's reputation state.
type Record struct {
	NodeID    string  `json:"nodeId"`
	EWMA      float64 `json:"ewma"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Likes     int     `json:"likes"`
	hasEWMA   bool
	likedFor  map[string]bool
}

// Score computes the composite score used for disqualification, per
// spec §4.5.
func (r *Record) Score() int {
	v := r.EWMA + 2*float64(r.Completed) + float64(r.Likes) - 10*float64(r.Failed)
	if v < 0 {
		v = 0
	}
	return int(math.Round(v))
}

// Store is the single-writer rating repository.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record
	dataDir string
	log     zerolog.Logger
}

// New opens the rating store rooted at dataDir/ratings.
func New(dataDir string, log zerolog.Logger) (*Store, error) {
	dir := filepath.Join(dataDir, "ratings")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("rating: mkdir: %w", err)
	}
	s := &Store{records: make(map[string]*Record), dataDir: dir, log: log}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

type onDisk struct {
	Records map[string]*Record  `json:"records"`
	Likes   map[string][]string `json:"likes"` // taskId -> [winnerNodeId]
}

func (s *Store) snapshotPath() string { return filepath.Join(s.dataDir, "ratings.json") }

func (s *Store) load() error {
	data, err := os.ReadFile(s.snapshotPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("rating: read: %w", err)
	}
	var d onDisk
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("rating: decode: %w", err)
	}
	for id, rec := range d.Records {
		rec.hasEWMA = rec.Completed > 0 || rec.EWMA != 0
		rec.likedFor = make(map[string]bool)
		s.records[id] = rec
	}
	for taskID, winners := range d.Likes {
		for _, w := range winners {
			if rec, ok := s.records[w]; ok {
				rec.likedFor[taskID] = true
			}
		}
	}
	return nil
}

func (s *Store) persistLocked() error {
	d := onDisk{Records: make(map[string]*Record), Likes: make(map[string][]string)}
	for id, rec := range s.records {
		d.Records[id] = rec
		for taskID := range rec.likedFor {
			d.Likes[taskID] = append(d.Likes[taskID], id)
		}
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("rating: marshal: %w", err)
	}
	tmp := s.snapshotPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("rating: write: %w", err)
	}
	return os.Rename(tmp, s.snapshotPath())
}

func (s *Store) recordFor(nodeID string) *Record {
	rec, ok := s.records[nodeID]
	if !ok {
		rec = &Record{NodeID: nodeID, likedFor: make(map[string]bool)}
		s.records[nodeID] = rec
	}
	return rec
}

// RecordCompletion updates the EWMA speed score and completed counter for
// a task finished in durationMs, per spec §4.5.
func (s *Store) RecordCompletion(nodeID string, durationMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.recordFor(nodeID)

	if durationMs <= 0 {
		durationMs = 1
	}
	speed := math.Round(float64(targetMs) / float64(durationMs) * 10000)
	speed = math.Max(0, math.Min(10000, speed))

	if rec.hasEWMA {
		rec.EWMA = alpha*speed + (1-alpha)*rec.EWMA
	} else {
		rec.EWMA = speed
		rec.hasEWMA = true
	}
	rec.Completed++
	return s.persistLocked()
}

// RecordFailure increments the failure counter, per spec §4.5.
func (s *Store) RecordFailure(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordFor(nodeID).Failed++
	return s.persistLocked()
}

// AddLike registers a like for winnerNodeID on taskID, unique per taskID
// regardless of who casts it. Returns false without effect if a like for
// this task already exists.
func (s *Store) AddLike(taskID, winnerNodeID, likedByNodeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.likedFor[taskID] {
			return false, nil
		}
	}
	rec := s.recordFor(winnerNodeID)
	rec.likedFor[taskID] = true
	rec.Likes++
	return true, s.persistLocked()
}

// IsDisqualified reports whether a node has completed at least minTasks
// tasks and its score has fallen below threshold, per spec §4.5.
func (s *Store) IsDisqualified(nodeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[nodeID]
	if !ok {
		return false
	}
	return rec.Completed >= minTasksToRate && rec.Score() < threshold
}

// Get returns a copy of a node's rating record.
func (s *Store) Get(nodeID string) Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[nodeID]; ok {
		return *rec
	}
	return Record{NodeID: nodeID}
}
