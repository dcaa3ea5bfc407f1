// Package capsule implements the content-addressed capsule store: publish,
// lookup, tag/text query, and the tamper-detection/private-content
// invariants of spec §4.4. Grounded on gocuria/blockchain/store/memory.go's
// single-writer, sync.RWMutex-guarded map, generalized from
// map[PublicKey]*AccountState to map[string]*Record, and on
// original_source/src/store.rs's index_capsule/query_capsules for the
// tag/text inverted index.
package capsule

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Price describes the paid-unlock terms for private content.
type Price struct {
	Amount       uint64  `json:"amount"`
	Token        string  `json:"token"`
	CreatorShare float64 `json:"creatorShare"`
}

// Attribution names the creator of a capsule.
type Attribution struct {
	Creator string `json:"creator"`
}

// Record is a capsule as stored locally. Content is held only by the
// creator or a buyer whose payment has confirmed; the exported Public
// projection omits it entirely.
type Record struct {
	AssetID     string      `json:"assetId"`
	Type        string      `json:"type"`
	Confidence  float64     `json:"confidence"`
	Attribution Attribution `json:"attribution"`
	Tags        []string    `json:"tags"`
	Price       Price       `json:"price"`
	Status      string      `json:"status"`
	Content     string      `json:"content,omitempty"`

	buyers map[string]bool
}

// Public is the peer-facing projection of a capsule: never carries content.
type Public struct {
	AssetID     string      `json:"assetId"`
	Type        string      `json:"type"`
	Confidence  float64     `json:"confidence"`
	Attribution Attribution `json:"attribution"`
	Tags        []string    `json:"tags"`
	Price       Price       `json:"price"`
	Status      string      `json:"status"`
}

func (r *Record) toPublic() Public {
	return Public{
		AssetID:     r.AssetID,
		Type:        r.Type,
		Confidence:  r.Confidence,
		Attribution: r.Attribution,
		Tags:        r.Tags,
		Price:       r.Price,
		Status:      r.Status,
	}
}

// ComputeAssetID derives the content-addressed id of a capsule's content.
func ComputeAssetID(content string) string {
	sum := sha256.Sum256([]byte(content))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Filter narrows Query results.
type Filter struct {
	Type          string
	Creator       string
	Status        string
	Tags          []string
	MinConfidence float64
	Limit         int
}

// Store is the single-writer capsule repository, guarded by one
// sync.RWMutex, the same discipline gocuria/blockchain/store/memory.go
// uses for its chain state.
type Store struct {
	mu       sync.RWMutex
	records  map[string]*Record
	tagIndex map[string]map[string]bool // tag -> set of assetIds
	dataDir  string
	log      zerolog.Logger
}

// New opens the capsule store rooted at dataDir/capsules, loading any
// persisted snapshots.
func New(dataDir string, log zerolog.Logger) (*Store, error) {
	dir := filepath.Join(dataDir, "capsules")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("capsule: mkdir: %w", err)
	}
	s := &Store{
		records:  make(map[string]*Record),
		tagIndex: make(map[string]map[string]bool),
		dataDir:  dir,
		log:      log,
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("capsule: read dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dataDir, e.Name()))
		if err != nil {
			return fmt.Errorf("capsule: read %s: %w", e.Name(), err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("capsule: decode %s: %w", e.Name(), err)
		}
		rec.buyers = make(map[string]bool)
		s.records[rec.AssetID] = &rec
		s.indexTags(&rec)
	}
	return nil
}

func (s *Store) filePathFor(assetID string) string {
	safe := strings.NewReplacer(":", "_", "/", "_").Replace(assetID)
	return filepath.Join(s.dataDir, safe+".json")
}

func (s *Store) persist(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("capsule: marshal: %w", err)
	}
	path := s.filePathFor(rec.AssetID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("capsule: write: %w", err)
	}
	return os.Rename(tmp, path)
}

func (s *Store) indexTags(rec *Record) {
	for _, t := range rec.Tags {
		t = strings.ToLower(t)
		if s.tagIndex[t] == nil {
			s.tagIndex[t] = make(map[string]bool)
		}
		s.tagIndex[t][rec.AssetID] = true
	}
}

// StoreCapsule persists rec, idempotent on AssetID: a second call with the same
// AssetID is a no-op that returns the existing record's public projection.
func (s *Store) StoreCapsule(rec *Record) (Public, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.AssetID]; ok {
		return existing.toPublic(), nil
	}
	if rec.Status == "" {
		rec.Status = "active"
	}
	if rec.Type == "" {
		rec.Type = "unknown"
	}
	rec.buyers = make(map[string]bool)
	if err := s.persist(rec); err != nil {
		return Public{}, err
	}
	s.records[rec.AssetID] = rec
	s.indexTags(rec)
	return rec.toPublic(), nil
}

// Get returns the public projection of a stored capsule.
func (s *Store) Get(assetID string) (Public, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[assetID]
	if !ok {
		return Public{}, false
	}
	return rec.toPublic(), true
}

// VerifyIntegrity recomputes assetId from stored content and reports
// tamper detection per spec §4.4's invariant.
func (s *Store) VerifyIntegrity(assetID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[assetID]
	if !ok {
		return false, fmt.Errorf("capsule: %s not found", assetID)
	}
	if rec.Content == "" {
		return true, nil
	}
	return ComputeAssetID(rec.Content) == rec.AssetID, nil
}

// GrantAccess records that buyerID's payment for assetID has confirmed,
// entitling them to Content locally.
func (s *Store) GrantAccess(assetID, buyerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[assetID]
	if !ok {
		return fmt.Errorf("capsule: %s not found", assetID)
	}
	if rec.buyers == nil {
		rec.buyers = make(map[string]bool)
	}
	rec.buyers[buyerID] = true
	return nil
}

// Content returns the private content of a capsule to the creator or an
// entitled buyer only.
func (s *Store) Content(assetID, requesterID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[assetID]
	if !ok {
		return "", false
	}
	if rec.Attribution.Creator == requesterID || rec.buyers[requesterID] {
		return rec.Content, true
	}
	return "", false
}

// Query filters and sorts capsules by confidence descending, stable
// across calls with identical store contents, per spec §4.4.
func (s *Store) Query(f Filter) []Public {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidateIDs map[string]bool
	if len(f.Tags) > 0 {
		candidateIDs = make(map[string]bool)
		for i, t := range f.Tags {
			ids := s.tagIndex[strings.ToLower(t)]
			if i == 0 {
				for id := range ids {
					candidateIDs[id] = true
				}
				continue
			}
			for id := range candidateIDs {
				if !ids[id] {
					delete(candidateIDs, id)
				}
			}
		}
	}

	var out []Public
	for id, rec := range s.records {
		if candidateIDs != nil && !candidateIDs[id] {
			continue
		}
		if f.Type != "" && rec.Type != f.Type {
			continue
		}
		if f.Creator != "" && rec.Attribution.Creator != f.Creator {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if rec.Confidence < f.MinConfidence {
			continue
		}
		out = append(out, rec.toPublic())
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].AssetID < out[j].AssetID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Search performs a case-insensitive substring match over the serialized
// public record.
func (s *Store) Search(text string) []Public {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToLower(text)
	var out []Public
	for _, rec := range s.records {
		pub := rec.toPublic()
		blob, err := json.Marshal(pub)
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(string(blob)), needle) {
			out = append(out, pub)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}
