package coordinator

import (
	"meshnode/internal/bazaar"
	"meshnode/internal/capsule"
	"meshnode/internal/gossip"
	"meshnode/internal/ledger"
)

// Wire payload shapes, per spec §6's message table.

type capsulePayload struct {
	Record      capsule.Public `json:"record"`
	ContentHash string         `json:"contentHash"`
}

type taskPayload struct {
	Task bazaar.Task `json:"task"`
}

type taskBidPayload struct {
	TaskID string     `json:"taskId"`
	Bid    bazaar.Bid `json:"bid"`
}

type taskAssignedPayload struct {
	TaskID     string `json:"taskId"`
	AssignedTo string `json:"assignedTo"`
	AssignedAt int64  `json:"assignedAt"`
}

type deliverablePackage struct {
	FileName string `json:"fileName"`
	Size     int    `json:"size"`
	Data     string `json:"data,omitempty"`
}

type taskCompletedPayload struct {
	TaskID  string             `json:"taskId"`
	NodeID  string             `json:"nodeId"`
	Result  string             `json:"result"`
	Package deliverablePackage `json:"package"`
}

type taskFailedPayload struct {
	TaskID string `json:"taskId"`
	NodeID string `json:"nodeId"`
}

type taskLikePayload struct {
	TaskID       string `json:"taskId"`
	WinnerNodeID string `json:"winnerNodeId"`
	LikedBy      string `json:"likedBy"`
}

type txPayload struct {
	Transaction ledger.Transaction `json:"transaction"`
}

type txLogPayload struct {
	Entry ledger.LogEntry `json:"entry"`
}

type txLogRequestPayload struct {
	SinceSeq uint64 `json:"sinceSeq"`
	Limit    int    `json:"limit,omitempty"`
}

type txLogBatchPayload struct {
	Entries []ledger.LogEntry `json:"entries"`
	LastSeq uint64            `json:"lastSeq"`
	HasMore bool              `json:"hasMore"`
}

type ledgerHeadRequestPayload struct{}

type ledgerHeadResponsePayload struct {
	LastSeq uint64 `json:"lastSeq"`
}

// registerHandlers binds every message kind delivered to the Mesh
// Coordinator (spec §4.3) to the corresponding component operation. This is
// the enumerated dispatch table Design Notes §9 calls for, replacing a
// dynamic event emitter.
func (co *Coordinator) registerHandlers() {
	co.gossip.RegisterHandler(gossip.MsgCapsule, co.handleCapsule)
	co.gossip.RegisterHandler(gossip.MsgTask, co.handleTask)
	co.gossip.RegisterHandler(gossip.MsgTaskBid, co.handleTaskBid)
	co.gossip.RegisterHandler(gossip.MsgTaskAssigned, co.handleTaskAssigned)
	co.gossip.RegisterHandler(gossip.MsgTaskCompleted, co.handleTaskCompleted)
	co.gossip.RegisterHandler(gossip.MsgTaskFailed, co.handleTaskFailed)
	co.gossip.RegisterHandler(gossip.MsgTaskLike, co.handleTaskLike)
	co.gossip.RegisterHandler(gossip.MsgTx, co.handleTx)
	co.gossip.RegisterHandler(gossip.MsgTxLog, co.handleTxLog)
	co.gossip.RegisterHandler(gossip.MsgTxLogRequest, co.handleTxLogRequest)
	co.gossip.RegisterHandler(gossip.MsgTxLogBatch, co.handleTxLogBatch)
	co.gossip.RegisterHandler(gossip.MsgLedgerHeadRequest, co.handleLedgerHeadRequest)
	co.gossip.RegisterHandler(gossip.MsgLedgerHeadResponse, co.handleLedgerHeadResponse)
}

func (co *Coordinator) handleCapsule(msg *gossip.Message, fromPeerID string) {
	var p capsulePayload
	if err := msg.ParsePayload(&p); err != nil {
		co.log.Debug().Err(err).Msg("dropped malformed capsule message")
		return
	}
	rec := &capsule.Record{
		AssetID:     p.Record.AssetID,
		Type:        p.Record.Type,
		Confidence:  p.Record.Confidence,
		Attribution: p.Record.Attribution,
		Tags:        p.Record.Tags,
		Price:       p.Record.Price,
		Status:      p.Record.Status,
	}
	if _, err := co.capsules.StoreCapsule(rec); err != nil {
		co.log.Warn().Err(err).Str("asset", rec.AssetID).Msg("failed to store remote capsule")
	}
}

func (co *Coordinator) handleTask(msg *gossip.Message, fromPeerID string) {
	var p taskPayload
	if err := msg.ParsePayload(&p); err != nil {
		co.log.Debug().Err(err).Msg("dropped malformed task message")
		return
	}
	if err := co.bazaar.HandleRemoteTask(&p.Task); err != nil {
		co.log.Warn().Err(err).Str("task", p.Task.TaskID).Msg("failed to store remote task")
	}
}

func (co *Coordinator) handleTaskBid(msg *gossip.Message, fromPeerID string) {
	var p taskBidPayload
	if err := msg.ParsePayload(&p); err != nil {
		co.log.Debug().Err(err).Msg("dropped malformed task_bid message")
		return
	}
	if _, err := co.bazaar.AddBid(p.TaskID, p.Bid); err != nil {
		co.log.Debug().Err(err).Str("task", p.TaskID).Msg("bid rejected")
	}
}

func (co *Coordinator) handleTaskAssigned(msg *gossip.Message, fromPeerID string) {
	var p taskAssignedPayload
	if err := msg.ParsePayload(&p); err != nil {
		co.log.Debug().Err(err).Msg("dropped malformed task_assigned message")
		return
	}
	if err := co.bazaar.ApplyAssignment(p.TaskID, p.AssignedTo, p.AssignedAt); err != nil {
		co.log.Debug().Err(err).Str("task", p.TaskID).Msg("failed to apply remote assignment")
		return
	}
	if p.AssignedTo == co.cfg.NodeID {
		co.worker.NotifyWon(p.TaskID)
	}
}

func (co *Coordinator) handleTaskCompleted(msg *gossip.Message, fromPeerID string) {
	var p taskCompletedPayload
	if err := msg.ParsePayload(&p); err != nil {
		co.log.Debug().Err(err).Msg("dropped malformed task_completed message")
		return
	}
	co.applyTaskCompletion(p.TaskID, p.NodeID, p.Result, co.nowMs())
}

func (co *Coordinator) handleTaskFailed(msg *gossip.Message, fromPeerID string) {
	var p taskFailedPayload
	if err := msg.ParsePayload(&p); err != nil {
		co.log.Debug().Err(err).Msg("dropped malformed task_failed message")
		return
	}
	co.applyTaskFailure(p.TaskID, p.NodeID)
}

func (co *Coordinator) handleTaskLike(msg *gossip.Message, fromPeerID string) {
	var p taskLikePayload
	if err := msg.ParsePayload(&p); err != nil {
		co.log.Debug().Err(err).Msg("dropped malformed task_like message")
		return
	}
	if _, err := co.ratings.AddLike(p.TaskID, p.WinnerNodeID, p.LikedBy); err != nil {
		co.log.Warn().Err(err).Str("task", p.TaskID).Msg("failed to record like")
	}
}

// handleTx is the leader's inbound follower-submission path: it validates
// and, if accepted, appends locally and broadcasts the resulting tx_log
// entry. Followers register the same handler and do receive other nodes'
// tx messages, but it returns at once for them because they are not leader.
func (co *Coordinator) handleTx(msg *gossip.Message, fromPeerID string) {
	if !co.cfg.IsLeader {
		return
	}
	var p txPayload
	if err := msg.ParsePayload(&p); err != nil {
		co.log.Debug().Err(err).Msg("dropped malformed tx message")
		return
	}
	seq, txID, reason, err := co.ledger.SubmitLocalAsLeader(&p.Transaction)
	if err != nil {
		co.log.Error().Err(err).Msg("storage failure applying submitted tx")
		return
	}
	if reason != ledger.ReasonNone {
		co.log.Debug().Str("reason", string(reason)).Str("txId", p.Transaction.TxID).Msg("rejected submitted tx")
		return
	}
	entry, ok := co.entryAt(seq)
	if !ok {
		return
	}
	if err := co.broadcast(gossip.MsgTxLog, txLogPayload{Entry: entry}); err != nil {
		co.log.Debug().Err(err).Msg("failed to broadcast accepted tx log entry")
	}
	co.advance()
	_ = txID
}

// handleTxLog applies a leader-broadcast entry. An out-of-order entry
// triggers a gap request per spec §5's ordering guarantees rather than
// buffering-then-apply, since this module has no reorder buffer.
func (co *Coordinator) handleTxLog(msg *gossip.Message, fromPeerID string) {
	if co.cfg.IsLeader {
		return
	}
	var p txLogPayload
	if err := msg.ParsePayload(&p); err != nil {
		co.log.Debug().Err(err).Msg("dropped malformed tx_log message")
		return
	}
	reason, err := co.ledger.ApplyRemoteEntry(&p.Entry)
	if err != nil {
		co.log.Error().Err(err).Msg("storage failure applying remote ledger entry")
		return
	}
	if reason == ledger.ReasonOutOfOrder {
		co.requestGap(fromPeerID)
		return
	}
	if reason != ledger.ReasonNone {
		co.log.Debug().Str("reason", string(reason)).Msg("rejected remote ledger entry")
		return
	}
	co.pending.observe(p.Entry.Transaction.TxID)
	co.advance()
}

func (co *Coordinator) requestGap(peerID string) {
	sinceSeq := co.ledger.LastSeq()
	msg, err := gossip.NewMessage(gossip.MsgTxLogRequest, txLogRequestPayload{SinceSeq: sinceSeq})
	if err != nil {
		return
	}
	if err := co.gossip.SendTo(peerID, msg); err != nil {
		co.log.Debug().Err(err).Str("peer", peerID).Msg("gap request send failed")
	}
}

const txLogBatchLimit = 500

func (co *Coordinator) handleTxLogRequest(msg *gossip.Message, fromPeerID string) {
	var p txLogRequestPayload
	if err := msg.ParsePayload(&p); err != nil {
		co.log.Debug().Err(err).Msg("dropped malformed tx_log_request message")
		return
	}
	limit := p.Limit
	if limit <= 0 || limit > txLogBatchLimit {
		limit = txLogBatchLimit
	}
	entries := co.ledger.EntriesSince(p.SinceSeq, limit)
	lastSeq := co.ledger.LastSeq()
	hasMore := len(entries) > 0 && entries[len(entries)-1].Seq < lastSeq
	reply, err := gossip.NewMessage(gossip.MsgTxLogBatch, txLogBatchPayload{Entries: entries, LastSeq: lastSeq, HasMore: hasMore})
	if err != nil {
		return
	}
	if err := co.gossip.SendTo(fromPeerID, reply); err != nil {
		co.log.Debug().Err(err).Str("peer", fromPeerID).Msg("tx_log_batch send failed")
	}
}

func (co *Coordinator) handleTxLogBatch(msg *gossip.Message, fromPeerID string) {
	if co.cfg.IsLeader {
		return
	}
	var p txLogBatchPayload
	if err := msg.ParsePayload(&p); err != nil {
		co.log.Debug().Err(err).Msg("dropped malformed tx_log_batch message")
		return
	}
	for i := range p.Entries {
		reason, err := co.ledger.ApplyRemoteEntry(&p.Entries[i])
		if err != nil {
			co.log.Error().Err(err).Msg("storage failure applying batch entry")
			return
		}
		if reason == ledger.ReasonOutOfOrder {
			return
		}
		if reason != ledger.ReasonNone {
			co.log.Debug().Str("reason", string(reason)).Msg("rejected batch entry")
			return
		}
		co.pending.observe(p.Entries[i].Transaction.TxID)
	}
	co.advance()
	if p.HasMore {
		co.requestGap(fromPeerID)
	}
}

func (co *Coordinator) handleLedgerHeadRequest(msg *gossip.Message, fromPeerID string) {
	reply, err := gossip.NewMessage(gossip.MsgLedgerHeadResponse, ledgerHeadResponsePayload{LastSeq: co.ledger.LastSeq()})
	if err != nil {
		return
	}
	if err := co.gossip.SendTo(fromPeerID, reply); err != nil {
		co.log.Debug().Err(err).Str("peer", fromPeerID).Msg("ledger_head_response send failed")
	}
}

// handleLedgerHeadResponse triggers a gap request whenever the remote head
// exceeds our own, recovering from silent divergence per spec §5's
// force-resync worker.
func (co *Coordinator) handleLedgerHeadResponse(msg *gossip.Message, fromPeerID string) {
	if co.cfg.IsLeader {
		return
	}
	var p ledgerHeadResponsePayload
	if err := msg.ParsePayload(&p); err != nil {
		co.log.Debug().Err(err).Msg("dropped malformed ledger_head_response message")
		return
	}
	if p.LastSeq > co.ledger.LastSeq() {
		co.requestGap(fromPeerID)
	}
}

// entryAt returns the single entry at seq, used right after a local leader
// append to build the broadcast tx_log payload.
func (co *Coordinator) entryAt(seq uint64) (ledger.LogEntry, bool) {
	entries := co.ledger.EntriesSince(seq-1, 1)
	if len(entries) == 0 {
		return ledger.LogEntry{}, false
	}
	return entries[0], true
}

// advance re-scans escrow funding after every ledger advance, per spec
// §4.6, promoting newly funded tasks to open. It does not release escrow;
// the release is submitted from applyTaskCompletion.
func (co *Coordinator) advance() {
	for _, taskID := range co.bazaar.ScanEscrowFunding(co.ledger) {
		co.log.Info().Str("task", taskID).Msg("escrow funded, task open")
	}
}
