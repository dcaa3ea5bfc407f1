package bazaar

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshnode/internal/ledger"
	"meshnode/internal/wallet"
)

func newTestBazaar(t *testing.T) *Bazaar {
	t.Helper()
	b, err := New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return b
}

func newGenesisLedger(t *testing.T) (*ledger.Ledger, *wallet.Wallet) {
	t.Helper()
	w, err := wallet.Generate(zerolog.Nop())
	require.NoError(t, err)
	l, err := ledger.New(t.TempDir(), true, w, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, l.Initialize(500))
	return l, w
}

func fundEscrow(t *testing.T, l *ledger.Ledger, w *wallet.Wallet, escrowAccountID string, amount uint64, nonce uint64) {
	t.Helper()
	pubPEM, err := w.PublicKeyPEM()
	require.NoError(t, err)
	tx := &ledger.Transaction{
		Type: ledger.TxTransfer, From: w.AccountID, To: escrowAccountID,
		Amount: amount, Nonce: nonce, Timestamp: 1000, PubkeyPEM: pubPEM,
	}
	require.NoError(t, ledger.SignTransaction(w, tx))
	_, _, reason, err := l.SubmitLocalAsLeader(tx)
	require.NoError(t, err)
	require.Equal(t, ledger.ReasonNone, reason)
}

func TestPublish_StartsInPendingEscrow(t *testing.T) {
	b := newTestBazaar(t)
	task, err := b.Publish("do a thing", "acct_pub", "compute", []string{"gpu"}, Bounty{Amount: 300, Token: "MESH"}, 1000)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingEscrow, task.Status)
	assert.Equal(t, ledger.EscrowAccountID(task.TaskID), task.EscrowAccountID)
}

func TestScanEscrowFunding_PromotesOnceFunded(t *testing.T) {
	b := newTestBazaar(t)
	l, publisher := newGenesisLedger(t)

	task, err := b.Publish("do a thing", publisher.AccountID, "compute", nil, Bounty{Amount: 300}, 1000)
	require.NoError(t, err)

	promoted := b.ScanEscrowFunding(l)
	assert.Empty(t, promoted, "must not promote before escrow is funded")

	fundEscrow(t, l, publisher, task.EscrowAccountID, 300, 2)

	promoted = b.ScanEscrowFunding(l)
	assert.Equal(t, []string{task.TaskID}, promoted)

	got, ok := b.Get(task.TaskID)
	require.True(t, ok)
	assert.Equal(t, StatusOpen, got.Status)
	assert.Equal(t, uint64(200), l.Balance(publisher.AccountID))
	assert.Equal(t, uint64(300), l.Balance(task.EscrowAccountID))
}

func TestAddBid_DedupesByNodeIDAndTransitionsToVoting(t *testing.T) {
	b := newTestBazaar(t)
	task, err := b.Publish("t", "acct_pub", "", nil, Bounty{Amount: 100}, 1000)
	require.NoError(t, err)

	// fund the escrow so the task is open before the first bid
	l, w := newGenesisLedger(t)
	fundEscrow(t, l, w, task.EscrowAccountID, 100, 2)
	require.Equal(t, []string{task.TaskID}, b.ScanEscrowFunding(l))

	updated, err := b.AddBid(task.TaskID, Bid{NodeID: "node-a", Amount: 10, Timestamp: 2000})
	require.NoError(t, err)
	assert.Len(t, updated.Bids, 1)
	assert.Equal(t, StatusVoting, updated.Status)

	updated, err = b.AddBid(task.TaskID, Bid{NodeID: "node-a", Amount: 5, Timestamp: 2100})
	require.NoError(t, err)
	assert.Len(t, updated.Bids, 1, "a second bid from the same node must not be appended")
}

func TestAddBid_RejectedOnceAssigned(t *testing.T) {
	b := newTestBazaar(t)
	task, err := b.Publish("t", "acct_pub", "", nil, Bounty{Amount: 100}, 1000)
	require.NoError(t, err)
	_, err = b.AddBid(task.TaskID, Bid{NodeID: "node-a", Amount: 10, Timestamp: 2000})
	require.NoError(t, err)
	_, _, err = b.AssignWinner(task.TaskID, 3000)
	require.NoError(t, err)

	_, err = b.AddBid(task.TaskID, Bid{NodeID: "node-b", Amount: 1, Timestamp: 3100})
	assert.ErrorIs(t, err, ErrTaskNotOpen)
}

func TestDetermineWinner_LowestAmountThenEarliestTimestamp(t *testing.T) {
	task := &Task{Bids: []Bid{
		{NodeID: "node-a", Amount: 20, Timestamp: 1000},
		{NodeID: "node-b", Amount: 10, Timestamp: 2000},
		{NodeID: "node-c", Amount: 10, Timestamp: 1500},
	}}
	winner, ok := DetermineWinner(task)
	require.True(t, ok)
	assert.Equal(t, "node-c", winner.NodeID)
}

func TestDetermineWinner_NoBids(t *testing.T) {
	_, ok := DetermineWinner(&Task{})
	assert.False(t, ok)
}

func TestReadyForAssignment_RespectsVotingWindow(t *testing.T) {
	b := newTestBazaar(t)
	task, err := b.Publish("t", "acct_pub", "", nil, Bounty{Amount: 100}, 1000)
	require.NoError(t, err)
	l, w := newGenesisLedger(t)
	fundEscrow(t, l, w, task.EscrowAccountID, 100, 2)
	require.Equal(t, []string{task.TaskID}, b.ScanEscrowFunding(l))
	_, err = b.AddBid(task.TaskID, Bid{NodeID: "node-a", Amount: 10, Timestamp: 5000})
	require.NoError(t, err)

	ready, err := b.ReadyForAssignment(task.TaskID, 5000+VotingWindowMs-1)
	require.NoError(t, err)
	assert.False(t, ready)

	ready, err = b.ReadyForAssignment(task.TaskID, 5000+VotingWindowMs)
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestAssignWinner_FreezesBidsAndSetsAssignedTo(t *testing.T) {
	b := newTestBazaar(t)
	task, err := b.Publish("t", "acct_pub", "", nil, Bounty{Amount: 100}, 1000)
	require.NoError(t, err)
	_, err = b.AddBid(task.TaskID, Bid{NodeID: "node-a", Amount: 10, Timestamp: 2000})
	require.NoError(t, err)

	updated, winner, err := b.AssignWinner(task.TaskID, 3000)
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, updated.Status)
	assert.Equal(t, "node-a", winner.NodeID)
	assert.Equal(t, "node-a", updated.AssignedTo)
}

func TestCompleteTask_ComputesDurationAndRejectsWrongState(t *testing.T) {
	b := newTestBazaar(t)
	task, err := b.Publish("t", "acct_pub", "", nil, Bounty{Amount: 100}, 1000)
	require.NoError(t, err)

	_, _, err = b.CompleteTask(task.TaskID, "node-a", "done", 9000)
	assert.ErrorIs(t, err, ErrTaskNotOpen, "completing before assignment must be rejected")

	_, err = b.AddBid(task.TaskID, Bid{NodeID: "node-a", Amount: 10, Timestamp: 2000})
	require.NoError(t, err)
	_, _, err = b.AssignWinner(task.TaskID, 3000)
	require.NoError(t, err)

	updated, duration, err := b.CompleteTask(task.TaskID, "node-a", "done", 9000)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, updated.Status)
	assert.Equal(t, int64(6000), duration)
}

func TestFailTask_RequiresAssignedState(t *testing.T) {
	b := newTestBazaar(t)
	task, err := b.Publish("t", "acct_pub", "", nil, Bounty{Amount: 100}, 1000)
	require.NoError(t, err)

	_, err = b.FailTask(task.TaskID)
	assert.ErrorIs(t, err, ErrTaskNotOpen)

	_, err = b.AddBid(task.TaskID, Bid{NodeID: "node-a", Amount: 10, Timestamp: 2000})
	require.NoError(t, err)
	_, _, err = b.AssignWinner(task.TaskID, 3000)
	require.NoError(t, err)

	updated, err := b.FailTask(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, updated.Status)
}

func TestList_FiltersByStatusAndOrdersByPublishedAtDescending(t *testing.T) {
	b := newTestBazaar(t)
	_, err := b.Publish("older", "acct_pub", "", nil, Bounty{Amount: 1}, 1000)
	require.NoError(t, err)
	_, err = b.Publish("newer", "acct_pub", "", nil, Bounty{Amount: 1}, 2000)
	require.NoError(t, err)

	all := b.List("")
	require.Len(t, all, 2)
	assert.Equal(t, int64(2000), all[0].PublishedAt)

	pending := b.List(StatusPendingEscrow)
	assert.Len(t, pending, 2)
	assigned := b.List(StatusAssigned)
	assert.Empty(t, assigned)
}

func TestComputeTaskID_DeterministicAndDistinct(t *testing.T) {
	a := ComputeTaskID("desc", "acct_pub", 1000)
	b := ComputeTaskID("desc", "acct_pub", 1000)
	c := ComputeTaskID("desc", "acct_pub", 1001)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
