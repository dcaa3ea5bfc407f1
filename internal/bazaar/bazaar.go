// Package bazaar implements the task auction state machine: publish,
// escrow-funded promotion, bidding, deterministic winner selection, and
// settlement. Grounded on original_source/src/task_bazaar.rs
// (publish_task/add_bid/determine_winner) translated from an
// Arc<Mutex<Store>>-guarded HashMap<String, Task> to a
// sync.RWMutex-guarded map, the same single-writer discipline
// gocuria/blockchain/store/memory.go uses. The escrow-funded promotion
// scan is wired the way gocuria/blockchain/processing/processor.go
// registers itself as the block-relay target of the P2P server: here the
// bazaar is driven by the ledger's apply path via ScanEscrowFunding rather
// than owning ledger state itself.
package bazaar

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"meshnode/internal/ledger"
)

// Status is the closed set of task lifecycle states, per spec §4.6.
type Status string

const (
	StatusPendingEscrow Status = "pending_escrow"
	StatusOpen          Status = "open"
	StatusVoting        Status = "voting"
	StatusAssigned      Status = "assigned"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

// VotingWindowMs is the deterministic voting window before a winner may be
// computed, per spec §4.6.
const VotingWindowMs = 5000

// ErrTaskNotOpen is returned when a bid arrives after the bid list has
// frozen (assignedTo already set), per Design Notes §9's frozen-bid-list
// redesign item.
var ErrTaskNotOpen = errors.New("bazaar: task not open")

// ErrTaskNotFound is returned for operations on an unknown task id.
var ErrTaskNotFound = errors.New("bazaar: task not found")

// Bounty is the reward offered for completing a task.
type Bounty struct {
	Amount uint64 `json:"amount"`
	Token  string `json:"token"`
}

// Bid is a single node's offer to complete a task.
type Bid struct {
	NodeID    string `json:"nodeId"`
	Amount    uint64 `json:"amount"`
	Timestamp int64  `json:"timestamp"`
}

// Task is a bounty-carrying work item and its full lifecycle state.
type Task struct {
	TaskID          string   `json:"taskId"`
	Description     string   `json:"description"`
	Type            string   `json:"type,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	Bounty          Bounty   `json:"bounty"`
	EscrowAccountID string   `json:"escrowAccountId"`
	Publisher       string   `json:"publisher"`
	Status          Status   `json:"status"`
	Bids            []Bid    `json:"bids"`
	PublishedAt     int64    `json:"publishedAt"`
	VotingStartedAt int64    `json:"votingStartedAt,omitempty"`
	AssignedTo      string   `json:"assignedTo,omitempty"`
	AssignedAt      int64    `json:"assignedAt,omitempty"`
	CompletedBy     string   `json:"completedBy,omitempty"`
	CompletedAt     int64    `json:"completedAt,omitempty"`
	Result          string   `json:"result,omitempty"`
}

// ComputeTaskID derives task_<16 hex> from description||publisher||publishedAt.
func ComputeTaskID(description, publisher string, publishedAt int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s%s%d", description, publisher, publishedAt)))
	return "task_" + hex.EncodeToString(sum[:])[:16]
}

// Bazaar is the single-writer task repository and state machine.
type Bazaar struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	dataDir string
	log     zerolog.Logger
}

// New opens the bazaar rooted at dataDir/tasks, rehydrating any persisted
// tasks as stored. Completed tasks get no separate settled marker on load.
func New(dataDir string, log zerolog.Logger) (*Bazaar, error) {
	dir := filepath.Join(dataDir, "tasks")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("bazaar: mkdir: %w", err)
	}
	b := &Bazaar{tasks: make(map[string]*Task), dataDir: dir, log: log}
	if err := b.loadAll(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bazaar) loadAll() error {
	entries, err := os.ReadDir(b.dataDir)
	if err != nil {
		return fmt.Errorf("bazaar: read dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.dataDir, e.Name()))
		if err != nil {
			return fmt.Errorf("bazaar: read %s: %w", e.Name(), err)
		}
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("bazaar: decode %s: %w", e.Name(), err)
		}
		b.tasks[t.TaskID] = &t
	}
	return nil
}

func (b *Bazaar) persistLocked(t *Task) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("bazaar: marshal: %w", err)
	}
	path := filepath.Join(b.dataDir, t.TaskID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("bazaar: write: %w", err)
	}
	return os.Rename(tmp, path)
}

// Publish registers a new task in pending_escrow, computing its id and
// deterministic escrow account. The caller (Mesh Coordinator) is
// responsible for submitting the funding transfer to EscrowAccountID.
func (b *Bazaar) Publish(description, publisher, taskType string, tags []string, bounty Bounty, publishedAt int64) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := &Task{
		TaskID:      ComputeTaskID(description, publisher, publishedAt),
		Description: description,
		Type:        taskType,
		Tags:        tags,
		Bounty:      bounty,
		Publisher:   publisher,
		Status:      StatusPendingEscrow,
		PublishedAt: publishedAt,
	}
	t.EscrowAccountID = ledger.EscrowAccountID(t.TaskID)

	if _, exists := b.tasks[t.TaskID]; exists {
		return nil, fmt.Errorf("bazaar: task %s already exists", t.TaskID)
	}
	if err := b.persistLocked(t); err != nil {
		return nil, err
	}
	b.tasks[t.TaskID] = t
	cp := *t
	return &cp, nil
}

// HandleRemoteTask registers a task received via gossip, idempotent on
// TaskID.
func (b *Bazaar) HandleRemoteTask(t *Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.tasks[t.TaskID]; exists {
		return nil
	}
	cp := *t
	if err := b.persistLocked(&cp); err != nil {
		return err
	}
	b.tasks[t.TaskID] = &cp
	return nil
}

// ScanEscrowFunding promotes every pending_escrow task whose escrow
// account balance in l now covers its bounty. Called after every ledger
// advance, per spec §4.6.
func (b *Bazaar) ScanEscrowFunding(l *ledger.Ledger) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var promoted []string
	for _, t := range b.tasks {
		if t.Status != StatusPendingEscrow {
			continue
		}
		if l.Balance(t.EscrowAccountID) >= t.Bounty.Amount {
			t.Status = StatusOpen
			if err := b.persistLocked(t); err != nil {
				b.log.Error().Err(err).Str("task", t.TaskID).Msg("failed to persist escrow promotion")
				continue
			}
			promoted = append(promoted, t.TaskID)
		}
	}
	return promoted
}

// AddBid appends a bid to a task, deduplicated by (taskId,nodeId). The
// first bid on an open task transitions it to voting. A bid arriving
// after AssignedTo has been set is rejected with ErrTaskNotOpen, per the
// frozen-bid-list invariant.
func (b *Bazaar) AddBid(taskID string, bid Bid) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.AssignedTo != "" {
		return nil, ErrTaskNotOpen
	}
	for _, existing := range t.Bids {
		if existing.NodeID == bid.NodeID {
			cp := *t
			return &cp, nil
		}
	}
	t.Bids = append(t.Bids, bid)
	if t.Status == StatusOpen {
		t.Status = StatusVoting
		t.VotingStartedAt = bid.Timestamp
	}
	if err := b.persistLocked(t); err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

// DetermineWinner sorts a copy of task's bids by (amount asc, timestamp
// asc) and returns the first, without mutating the task. Deterministic on
// every node so observers agree on the outcome, per spec §4.6.
func DetermineWinner(t *Task) (Bid, bool) {
	if len(t.Bids) == 0 {
		return Bid{}, false
	}
	bids := make([]Bid, len(t.Bids))
	copy(bids, t.Bids)
	sort.SliceStable(bids, func(i, j int) bool {
		if bids[i].Amount != bids[j].Amount {
			return bids[i].Amount < bids[j].Amount
		}
		return bids[i].Timestamp < bids[j].Timestamp
	})
	return bids[0], true
}

// ReadyForAssignment reports whether task's voting window has elapsed.
func (b *Bazaar) ReadyForAssignment(taskID string, nowMs int64) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tasks[taskID]
	if !ok {
		return false, ErrTaskNotFound
	}
	if t.Status != StatusVoting {
		return false, nil
	}
	return nowMs-t.VotingStartedAt >= VotingWindowMs, nil
}

// AssignWinner freezes the bid list, computes the winner, and transitions
// the task to assigned. Must only be called by the task's publisher.
func (b *Bazaar) AssignWinner(taskID string, assignedAt int64) (*Task, Bid, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[taskID]
	if !ok {
		return nil, Bid{}, ErrTaskNotFound
	}
	winner, ok := DetermineWinner(t)
	if !ok {
		return nil, Bid{}, fmt.Errorf("bazaar: no bids for task %s", taskID)
	}
	t.Status = StatusAssigned
	t.AssignedTo = winner.NodeID
	t.AssignedAt = assignedAt
	if err := b.persistLocked(t); err != nil {
		return nil, Bid{}, err
	}
	cp := *t
	return &cp, winner, nil
}

// ApplyAssignment records a task_assigned announcement received from the
// publisher (used by every node that is not the publisher).
func (b *Bazaar) ApplyAssignment(taskID, assignedTo string, assignedAt int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if t.AssignedTo != "" {
		return nil
	}
	t.Status = StatusAssigned
	t.AssignedTo = assignedTo
	t.AssignedAt = assignedAt
	return b.persistLocked(t)
}

// CompleteTask transitions an assigned task to completed and returns the
// elapsed duration in ms (completedAt-assignedAt) for the rating hook.
func (b *Bazaar) CompleteTask(taskID, completedBy, result string, completedAt int64) (*Task, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok {
		return nil, 0, ErrTaskNotFound
	}
	if t.Status != StatusAssigned {
		return nil, 0, ErrTaskNotOpen
	}
	t.Status = StatusCompleted
	t.CompletedBy = completedBy
	t.CompletedAt = completedAt
	t.Result = result
	if err := b.persistLocked(t); err != nil {
		return nil, 0, err
	}
	duration := t.CompletedAt - t.AssignedAt
	cp := *t
	return &cp, duration, nil
}

// FailTask transitions an assigned task to failed.
func (b *Bazaar) FailTask(taskID string) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.Status != StatusAssigned {
		return nil, ErrTaskNotOpen
	}
	t.Status = StatusFailed
	if err := b.persistLocked(t); err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

// Get returns a copy of a task by id.
func (b *Bazaar) Get(taskID string) (*Task, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tasks[taskID]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// WinnerOf returns the node id that completed a task, for the rating
// like hook.
func (b *Bazaar) WinnerOf(taskID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tasks[taskID]
	if !ok || t.CompletedBy == "" {
		return "", false
	}
	return t.CompletedBy, true
}

// List returns a copy of every task, optionally filtered by status.
func (b *Bazaar) List(status Status) []*Task {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Task
	for _, t := range b.tasks {
		if status != "" && t.Status != status {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt > out[j].PublishedAt })
	return out
}
