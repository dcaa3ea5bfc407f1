package coordinator

import (
	"meshnode/internal/bazaar"
)

// Stats is the read-only node summary backing the external dashboard's
// `stats` call, per spec §6's Operator Surface table.
type Stats struct {
	NodeID      string
	IsLeader    bool
	PeerCount   int
	LastSeq     uint64
	OpenTasks   int
	VotingTasks int
}

// Stats reports a snapshot of this node's overall state.
func (co *Coordinator) Stats() Stats {
	return Stats{
		NodeID:      co.cfg.NodeID,
		IsLeader:    co.cfg.IsLeader,
		PeerCount:   co.gossip.Peers().Count(),
		LastSeq:     co.ledger.LastSeq(),
		OpenTasks:   len(co.bazaar.List(bazaar.StatusOpen)),
		VotingTasks: len(co.bazaar.List(bazaar.StatusVoting)),
	}
}

// AccountInfo is the read-only projection backing the `account` call.
type AccountInfo struct {
	AccountID string
	Balance   uint64
	Nonce     uint64
}

// Account reports the projected balance and nonce of an account, defaulting
// to this node's own wallet account when accountID is empty.
func (co *Coordinator) Account(accountID string) AccountInfo {
	if accountID == "" {
		accountID = co.wallet.AccountID
	}
	return AccountInfo{
		AccountID: accountID,
		Balance:   co.ledger.Balance(accountID),
		Nonce:     co.ledger.Nonce(accountID),
	}
}

// Tasks reports a copy of every task, optionally filtered by status.
func (co *Coordinator) Tasks(status bazaar.Status) []*bazaar.Task {
	return co.bazaar.List(status)
}

// PeerInfo is the read-only projection backing the `peers` call.
type PeerInfo struct {
	NodeID   string
	Address  string
	LastSeen int64
}

// Peers reports every currently connected peer.
func (co *Coordinator) Peers() []PeerInfo {
	var out []PeerInfo
	for _, p := range co.gossip.Peers().All() {
		out = append(out, PeerInfo{NodeID: p.ID, Address: p.Address, LastSeen: p.LastSeen.UnixMilli()})
	}
	return out
}

// TxStatus backs the `tx status` operator call: the confirmation count of a
// previously submitted transaction, by txId.
func (co *Coordinator) TxStatus(txID string) (TxReceipt, bool) {
	confirmations, ok := co.ledger.Confirmations(txID)
	if !ok {
		return TxReceipt{}, false
	}
	return TxReceipt{TxID: txID, Confirmations: confirmations, Confirmed: int(confirmations) >= co.cfg.ConfirmationTarget}, true
}
