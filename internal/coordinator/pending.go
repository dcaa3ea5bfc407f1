package coordinator

import (
	"context"
	"sync"
	"time"

	"meshnode/internal/gossip"
	"meshnode/internal/ledger"
)

// pendingEntry tracks a follower-submitted transaction awaiting observation
// in the replicated log.
type pendingEntry struct {
	tx       ledger.Transaction
	nextTry  time.Time
	backoff  time.Duration
}

// pendingTxQueue re-broadcasts follower-submitted transactions every 2s
// with exponential backoff up to 15s, per spec §4.7, until the transaction
// is observed in the local replicated log. Grounded on
// gocuria/p2p/reqresp/client.go's pending-request map with
// channel-correlated responses, adapted here from a single-shot
// request/response wait into a periodically-swept retry queue since the
// requirement is a recurring re-send, not one round trip.
type pendingTxQueue struct {
	co *Coordinator

	mu      sync.Mutex
	entries map[string]*pendingEntry
}

func newPendingTxQueue(co *Coordinator) *pendingTxQueue {
	return &pendingTxQueue{co: co, entries: make(map[string]*pendingEntry)}
}

// add enqueues tx for re-broadcast, having already sent the first copy.
func (q *pendingTxQueue) add(tx ledger.Transaction) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[tx.TxID] = &pendingEntry{
		tx:      tx,
		nextTry: time.Now().Add(pendingTxInitial),
		backoff: pendingTxInitial,
	}
}

// observe removes a transaction once its txId has been seen in the
// replicated log (accepted) — the queue makes no distinction for a
// terminal rejection versus never having been submitted locally, since a
// rejection is only known to the leader; a follower that never sees its
// tx appear keeps retrying, since sweep never drops an entry. The caller's
// confirmation timeout in waitForConfirmations does not dequeue it.
func (q *pendingTxQueue) observe(txID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, txID)
}

func (q *pendingTxQueue) run(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			q.sweep(now)
		}
	}
}

func (q *pendingTxQueue) sweep(now time.Time) {
	var due []ledger.Transaction
	q.mu.Lock()
	for txID, e := range q.entries {
		if now.Before(e.nextTry) {
			continue
		}
		due = append(due, e.tx)
		e.backoff *= 2
		if e.backoff > pendingTxMaxBackoff {
			e.backoff = pendingTxMaxBackoff
		}
		e.nextTry = now.Add(e.backoff)
		_ = txID
	}
	q.mu.Unlock()

	for _, tx := range due {
		msg, err := gossip.NewMessage(gossip.MsgTx, txPayload{Transaction: tx})
		if err != nil {
			continue
		}
		if err := q.co.gossip.Broadcast(msg); err != nil {
			q.co.log.Debug().Err(err).Str("txId", tx.TxID).Msg("pending tx re-broadcast had per-peer failures")
		}
	}
}
