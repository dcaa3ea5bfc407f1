// Package worker implements the local auto-bidder and executor skeleton
// described in spec §4.8, grounded directly on
// original_source/src/task_worker.rs's check_tasks/process_voting/
// complete_task cadence, translated from the single always-running async
// loop (`sleep(Duration::from_secs(5))`) into two independently-cadenced
// tickers per spec §4.8 and Design Notes §9's named-ticker-workers
// redesign.
package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"meshnode/internal/bazaar"
	"meshnode/internal/rating"
)

const (
	biddingInterval = 10 * time.Second
	votingInterval  = 5 * time.Second
	bidFraction     = 9 // amount = bounty * bidFraction / 10, i.e. floor(0.9*bounty)
)

// Actions is the subset of Mesh Coordinator operations the worker needs.
// Defined here, implemented by internal/coordinator, to avoid an import
// cycle (the coordinator composes the worker).
type Actions interface {
	SubmitBid(taskID string, amount uint64) error
	AssignWinner(taskID string, now int64) (winnerNodeID string, err error)
	CompleteTask(taskID string, now int64, result string, deliverable []byte) error
	FailTask(taskID string, now int64) error
}

// Worker is the ticker-driven bidding/execution loop.
type Worker struct {
	nodeID  string
	bazaar  *bazaar.Bazaar
	ratings *rating.Store
	actions Actions
	log     zerolog.Logger

	mu       sync.Mutex
	bidOnce  map[string]bool
	inflight map[string]bool
}

// New builds a Worker for nodeID.
func New(nodeID string, baz *bazaar.Bazaar, ratings *rating.Store, actions Actions, log zerolog.Logger) *Worker {
	return &Worker{
		nodeID:   nodeID,
		bazaar:   baz,
		ratings:  ratings,
		actions:  actions,
		log:      log,
		bidOnce:  make(map[string]bool),
		inflight: make(map[string]bool),
	}
}

// Run drives the bidding scanner (10s) and voting-result scanner (5s)
// until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	biddingTicker := time.NewTicker(biddingInterval)
	votingTicker := time.NewTicker(votingInterval)
	defer biddingTicker.Stop()
	defer votingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-biddingTicker.C:
			w.scanBidding()
		case <-votingTicker.C:
			w.scanVoting()
		}
	}
}

func (w *Worker) scanBidding() {
	if w.ratings.IsDisqualified(w.nodeID) {
		return
	}
	for _, t := range w.bazaar.List(bazaar.StatusOpen) {
		w.mu.Lock()
		already := w.bidOnce[t.TaskID]
		w.mu.Unlock()
		if already {
			continue
		}
		amount := t.Bounty.Amount * bidFraction / 10
		if err := w.actions.SubmitBid(t.TaskID, amount); err != nil {
			w.log.Debug().Err(err).Str("task", t.TaskID).Msg("bid submission failed")
			continue
		}
		w.mu.Lock()
		w.bidOnce[t.TaskID] = true
		w.mu.Unlock()
	}
}

func (w *Worker) scanVoting() {
	now := time.Now().UnixMilli()
	for _, t := range w.bazaar.List(bazaar.StatusVoting) {
		if t.Publisher != w.nodeID {
			continue
		}
		ready, err := w.bazaar.ReadyForAssignment(t.TaskID, now)
		if err != nil || !ready {
			continue
		}
		winner, err := w.actions.AssignWinner(t.TaskID, now)
		if err != nil {
			w.log.Warn().Err(err).Str("task", t.TaskID).Msg("winner assignment failed")
			continue
		}
		if winner == w.nodeID {
			w.execute(t.TaskID)
		}
	}
}

// NotifyWon is called by the coordinator when a task_assigned announcement
// names this node as the winner but this node is not the task's publisher
// (the publisher already triggers execution inline from scanVoting).
func (w *Worker) NotifyWon(taskID string) {
	go w.execute(taskID)
}

// execute produces a deliverable package for a won task. Content
// generation (the sub-agent that synthesizes real deliverables) is out of
// scope per spec §1; this stands in a placeholder archive, matching the
// spirit of task_worker.rs's "Auto-solved by TaskWorker" stub solution.
func (w *Worker) execute(taskID string) {
	w.mu.Lock()
	if w.inflight[taskID] {
		w.mu.Unlock()
		return
	}
	w.inflight[taskID] = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.inflight, taskID)
		w.mu.Unlock()
	}()

	deliverable := []byte(fmt.Sprintf("auto-solved by %s at %d", w.nodeID, time.Now().UnixMilli()))
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(deliverable)))
	base64.StdEncoding.Encode(encoded, deliverable)

	now := time.Now().UnixMilli()
	if err := w.actions.CompleteTask(taskID, now, "auto-solved", encoded); err != nil {
		w.log.Warn().Err(err).Str("task", taskID).Msg("task completion failed, reporting failure")
		if ferr := w.actions.FailTask(taskID, now); ferr != nil {
			w.log.Error().Err(ferr).Str("task", taskID).Msg("failed to report task failure")
		}
	}
}
