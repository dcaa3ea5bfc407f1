package coordinator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"meshnode/internal/bazaar"
	"meshnode/internal/capsule"
	"meshnode/internal/gossip"
	"meshnode/internal/ledger"
)

// TxReceipt reports the outcome of a submitted transaction, per spec §7's
// "callers of the coordinator get a result carrying
// txReceipts[{txId, confirmations, confirmed}]".
type TxReceipt struct {
	TxID          string
	Confirmations uint64
	Confirmed     bool
}

// nonceCursor hands out strictly increasing per-account nonces without
// waiting for each submission to confirm, the way a blockchain client
// tracks its own pending nonce client-side rather than re-querying chain
// state before every send. Each account's counter is seeded lazily from
// the ledger's projected nonce on first use.
type nonceCursor struct {
	mu      sync.Mutex
	current map[string]uint64
}

func (n *nonceCursor) next(l *ledger.Ledger, accountID string) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == nil {
		n.current = make(map[string]uint64)
	}
	if _, seeded := n.current[accountID]; !seeded {
		n.current[accountID] = l.Nonce(accountID)
	}
	n.current[accountID]++
	return n.current[accountID]
}

func (co *Coordinator) buildTransaction(txType ledger.TxType, from, to string, amount uint64) (*ledger.Transaction, error) {
	pubPEM, err := co.wallet.PublicKeyPEM()
	if err != nil {
		return nil, err
	}
	tx := &ledger.Transaction{
		Type:      txType,
		From:      from,
		To:        to,
		Amount:    amount,
		Nonce:     co.nonces.next(co.ledger, from),
		Timestamp: co.nowMs(),
		PubkeyPEM: pubPEM,
	}
	if err := ledger.SignTransaction(co.wallet, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// SubmitTx implements spec §4.7's submitTx: leader appends locally and
// broadcasts tx_log; a follower broadcasts tx and enqueues it for
// re-broadcast-with-backoff until its txId is observed in the log. A
// rejection at the leader is not reported back and does not dequeue it.
func (co *Coordinator) SubmitTx(tx *ledger.Transaction) (TxReceipt, error) {
	if co.cfg.IsLeader {
		seq, txID, reason, err := co.ledger.SubmitLocalAsLeader(tx)
		if err != nil {
			return TxReceipt{}, newActionError(KindStorage, err)
		}
		if reason != ledger.ReasonNone {
			return TxReceipt{}, newActionError(KindValidation, fmt.Errorf("rejected: %s", reason))
		}
		entry, ok := co.entryAt(seq)
		if ok {
			if err := co.broadcast(gossip.MsgTxLog, txLogPayload{Entry: entry}); err != nil {
				co.log.Debug().Err(err).Msg("failed to broadcast leader-accepted tx")
			}
		}
		co.advance()
		return co.waitForConfirmations(txID, co.cfg.ConfirmationTarget, co.cfg.ConfirmationTimeoutMs), nil
	}

	msg, err := gossip.NewMessage(gossip.MsgTx, txPayload{Transaction: *tx})
	if err != nil {
		return TxReceipt{}, newActionError(KindNetwork, err)
	}
	if err := co.gossip.Broadcast(msg); err != nil {
		co.log.Debug().Err(err).Msg("tx broadcast had per-peer failures")
	}
	co.pending.add(*tx)
	return co.waitForConfirmations(tx.TxID, co.cfg.ConfirmationTarget, co.cfg.ConfirmationTimeoutMs), nil
}

// waitForConfirmations polls the local ledger every 200ms up to timeoutMs,
// per spec §5's blocking/suspension-point description. An expiry is a
// non-fatal outcome carrying the last-observed confirmation count.
func (co *Coordinator) waitForConfirmations(txID string, target, timeoutMs int) TxReceipt {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		confirmations, ok := co.ledger.Confirmations(txID)
		if ok && int(confirmations) >= target {
			return TxReceipt{TxID: txID, Confirmations: confirmations, Confirmed: true}
		}
		if time.Now().After(deadline) {
			return TxReceipt{TxID: txID, Confirmations: confirmations, Confirmed: false}
		}
		time.Sleep(confirmPollInterval)
	}
}

// waitForPlatformAccount polls for the leader's public key metadata,
// per spec §5, so a freshly joined follower does not attempt to build
// transactions before it can even locally validate the leader's identity.
func (co *Coordinator) waitForPlatformAccount(timeoutMs int) error {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		if _, ok := co.ledger.LeaderPublicKey(); ok {
			return nil
		}
		if time.Now().After(deadline) {
			return newActionError(KindConfirmationTimeout, fmt.Errorf("leader identity not learned within %dms", timeoutMs))
		}
		time.Sleep(confirmPollInterval)
	}
}

// PublishCapsule implements spec §4.7's publishCapsule.
func (co *Coordinator) PublishCapsule(content string, tags []string, price capsule.Price) (capsule.Public, []TxReceipt, error) {
	if err := co.waitForPlatformAccount(co.cfg.ConfirmationTimeoutMs); err != nil {
		return capsule.Public{}, nil, err
	}

	var receipts []TxReceipt
	if co.cfg.PublishFeeAmount > 0 && co.cfg.PlatformAccountID != "" {
		tx, err := co.buildTransaction(ledger.TxTransfer, co.wallet.AccountID, co.cfg.PlatformAccountID, co.cfg.PublishFeeAmount)
		if err != nil {
			return capsule.Public{}, nil, newActionError(KindValidation, err)
		}
		receipt, err := co.SubmitTx(tx)
		if err != nil {
			return capsule.Public{}, nil, err
		}
		receipts = append(receipts, receipt)
	}

	rec := &capsule.Record{
		AssetID:     capsule.ComputeAssetID(content),
		Attribution: capsule.Attribution{Creator: co.wallet.AccountID},
		Tags:        tags,
		Price:       price,
		Content:     content,
	}
	pub, err := co.capsules.StoreCapsule(rec)
	if err != nil {
		return capsule.Public{}, receipts, newActionError(KindStorage, err)
	}
	if err := co.broadcast(gossip.MsgCapsule, capsulePayload{Record: pub, ContentHash: pub.AssetID}); err != nil {
		co.log.Debug().Err(err).Msg("capsule broadcast had per-peer failures")
	}
	return pub, receipts, nil
}

// PublishTask implements spec §4.7's publishTask.
func (co *Coordinator) PublishTask(description, taskType string, tags []string, bounty bazaar.Bounty) (*bazaar.Task, []TxReceipt, error) {
	if err := co.waitForPlatformAccount(co.cfg.ConfirmationTimeoutMs); err != nil {
		return nil, nil, err
	}

	task, err := co.bazaar.Publish(description, co.cfg.NodeID, taskType, tags, bounty, co.nowMs())
	if err != nil {
		return nil, nil, newActionError(KindValidation, err)
	}

	var receipts []TxReceipt
	if co.cfg.PublishFeeAmount > 0 && co.cfg.PlatformAccountID != "" {
		feeTx, err := co.buildTransaction(ledger.TxTransfer, co.wallet.AccountID, co.cfg.PlatformAccountID, co.cfg.PublishFeeAmount)
		if err != nil {
			return task, nil, newActionError(KindValidation, err)
		}
		receipt, err := co.SubmitTx(feeTx)
		if err != nil {
			return task, receipts, err
		}
		receipts = append(receipts, receipt)
	}

	escrowTx, err := co.buildTransaction(ledger.TxTransfer, co.wallet.AccountID, task.EscrowAccountID, bounty.Amount)
	if err != nil {
		return task, receipts, newActionError(KindValidation, err)
	}
	receipt, err := co.SubmitTx(escrowTx)
	if err != nil {
		return task, receipts, err
	}
	receipts = append(receipts, receipt)

	if err := co.broadcast(gossip.MsgTask, taskPayload{Task: *task}); err != nil {
		co.log.Debug().Err(err).Msg("task broadcast had per-peer failures")
	}
	return task, receipts, nil
}

// PurchaseCapsule implements spec §4.7's purchaseCapsule: splits price into
// creator/platform shares, submits one or two transfers, and returns
// content only once every involved transfer meets the confirmation target
// within the timeout.
func (co *Coordinator) PurchaseCapsule(assetID string) (string, []TxReceipt, error) {
	pub, ok := co.capsules.Get(assetID)
	if !ok {
		return "", nil, newActionError(KindValidation, fmt.Errorf("unknown capsule %s", assetID))
	}
	if err := co.waitForPlatformAccount(co.cfg.ConfirmationTimeoutMs); err != nil {
		return "", nil, err
	}

	creatorAmount := uint64(math.Floor(float64(pub.Price.Amount) * pub.Price.CreatorShare))
	platformAmount := pub.Price.Amount - creatorAmount

	var receipts []TxReceipt
	allConfirmed := true

	if creatorAmount > 0 {
		tx, err := co.buildTransaction(ledger.TxTransfer, co.wallet.AccountID, pub.Attribution.Creator, creatorAmount)
		if err != nil {
			return "", nil, newActionError(KindValidation, err)
		}
		receipt, err := co.SubmitTx(tx)
		if err != nil {
			return "", receipts, err
		}
		receipts = append(receipts, receipt)
		allConfirmed = allConfirmed && receipt.Confirmed
	}
	if platformAmount > 0 && co.cfg.PlatformAccountID != "" {
		tx, err := co.buildTransaction(ledger.TxTransfer, co.wallet.AccountID, co.cfg.PlatformAccountID, platformAmount)
		if err != nil {
			return "", receipts, newActionError(KindValidation, err)
		}
		receipt, err := co.SubmitTx(tx)
		if err != nil {
			return "", receipts, err
		}
		receipts = append(receipts, receipt)
		allConfirmed = allConfirmed && receipt.Confirmed
	}

	if !allConfirmed {
		return "", receipts, newActionError(KindConfirmationTimeout, fmt.Errorf("purchase of %s did not reach confirmation target", assetID))
	}

	if err := co.capsules.GrantAccess(assetID, co.wallet.AccountID); err != nil {
		return "", receipts, newActionError(KindStorage, err)
	}
	content, _ := co.capsules.Content(assetID, co.wallet.AccountID)
	return content, receipts, nil
}

// SubmitBid implements worker.Actions: broadcasts and locally records a bid.
func (co *Coordinator) SubmitBid(taskID string, amount uint64) error {
	bid := bazaar.Bid{NodeID: co.cfg.NodeID, Amount: amount, Timestamp: co.nowMs()}
	if _, err := co.bazaar.AddBid(taskID, bid); err != nil {
		return err
	}
	return co.broadcast(gossip.MsgTaskBid, taskBidPayload{TaskID: taskID, Bid: bid})
}

// AssignWinner implements worker.Actions: called only by a task's
// publisher after the voting window elapses.
func (co *Coordinator) AssignWinner(taskID string, now int64) (string, error) {
	task, winner, err := co.bazaar.AssignWinner(taskID, now)
	if err != nil {
		return "", err
	}
	if err := co.broadcast(gossip.MsgTaskAssigned, taskAssignedPayload{TaskID: taskID, AssignedTo: task.AssignedTo, AssignedAt: task.AssignedAt}); err != nil {
		co.log.Debug().Err(err).Msg("task_assigned broadcast had per-peer failures")
	}
	return winner.NodeID, nil
}

// CompleteTask implements worker.Actions.
func (co *Coordinator) CompleteTask(taskID string, now int64, result string, deliverable []byte) error {
	pkg := deliverablePackage{FileName: taskID + ".bin", Size: len(deliverable), Data: string(deliverable)}
	if err := co.broadcast(gossip.MsgTaskCompleted, taskCompletedPayload{TaskID: taskID, NodeID: co.cfg.NodeID, Result: result, Package: pkg}); err != nil {
		co.log.Debug().Err(err).Msg("task_completed broadcast had per-peer failures")
	}
	co.applyTaskCompletion(taskID, co.cfg.NodeID, result, now)
	return nil
}

// FailTask implements worker.Actions.
func (co *Coordinator) FailTask(taskID string, now int64) error {
	if err := co.broadcast(gossip.MsgTaskFailed, taskFailedPayload{TaskID: taskID, NodeID: co.cfg.NodeID}); err != nil {
		co.log.Debug().Err(err).Msg("task_failed broadcast had per-peer failures")
	}
	co.applyTaskFailure(taskID, co.cfg.NodeID)
	return nil
}

// applyTaskCompletion moves the task to completed, runs the rating hook,
// and — leader only — releases escrow to the winner, per spec §4.6.
func (co *Coordinator) applyTaskCompletion(taskID, completedBy, result string, completedAt int64) {
	task, duration, err := co.bazaar.CompleteTask(taskID, completedBy, result, completedAt)
	if err != nil {
		co.log.Debug().Err(err).Str("task", taskID).Msg("failed to apply task completion")
		return
	}
	if err := co.ratings.RecordCompletion(completedBy, duration); err != nil {
		co.log.Error().Err(err).Str("node", completedBy).Msg("failed to record completion rating")
	}
	if !co.cfg.IsLeader {
		return
	}
	tx, err := co.buildTransaction(ledger.TxEscrowRelease, task.EscrowAccountID, completedBy, task.Bounty.Amount)
	if err != nil {
		co.log.Error().Err(err).Str("task", taskID).Msg("failed to build escrow release")
		return
	}
	if _, err := co.SubmitTx(tx); err != nil {
		co.log.Error().Err(err).Str("task", taskID).Msg("failed to submit escrow release")
	}
}

func (co *Coordinator) applyTaskFailure(taskID, nodeID string) {
	if _, err := co.bazaar.FailTask(taskID); err != nil {
		co.log.Debug().Err(err).Str("task", taskID).Msg("failed to apply task failure")
	}
	if err := co.ratings.RecordFailure(nodeID); err != nil {
		co.log.Error().Err(err).Str("node", nodeID).Msg("failed to record failure rating")
	}
}

// ledgerSyncLoop is the follower periodic ledger-sync worker: every ~60s it
// broadcasts a ledger_head_request, and a peer whose head is ahead is then
// asked for the entries after the local lastSeq; it never re-fetches from
// seq 0. Otherwise it relies on gap requests triggered by out-of-order
// tx_log/tx_log_batch delivery, per spec §5.
func (co *Coordinator) ledgerSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(ledgerSyncInterval)
	defer ticker.Stop()
	lastFullResync := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Sub(lastFullResync) >= fullResyncInterval {
				co.requestLedgerHeads()
				lastFullResync = now
			}
		}
	}
}

func (co *Coordinator) requestLedgerHeads() {
	msg, err := gossip.NewMessage(gossip.MsgLedgerHeadRequest, ledgerHeadRequestPayload{})
	if err != nil {
		return
	}
	if err := co.gossip.Broadcast(msg); err != nil {
		co.log.Debug().Err(err).Msg("ledger_head_request broadcast had per-peer failures")
	}
}
