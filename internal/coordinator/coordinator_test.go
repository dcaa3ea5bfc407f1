package coordinator

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshnode/internal/bazaar"
	"meshnode/internal/capsule"
	"meshnode/internal/gossip"
	"meshnode/internal/ledger"
	"meshnode/internal/rating"
	"meshnode/internal/wallet"
)

const genesisSupply = 1_000_000

// newLeaderCoordinator builds a fully wired, single-node leader
// coordinator with no connected peers. On a leader, SubmitTx applies
// synchronously, so ConfirmationTarget=1 resolves without any real wait.
func newLeaderCoordinator(t *testing.T, cfg Config) (*Coordinator, *wallet.Wallet) {
	t.Helper()
	dir := t.TempDir()
	log := zerolog.Nop()

	w, err := wallet.Generate(log)
	require.NoError(t, err)

	l, err := ledger.New(dir, true, w, log)
	require.NoError(t, err)
	require.NoError(t, l.Initialize(genesisSupply))

	g := gossip.New(gossip.Config{NodeID: "leader", ListenPort: "0"}, log)
	caps, err := capsule.New(dir, log)
	require.NoError(t, err)
	ratings, err := rating.New(dir, log)
	require.NoError(t, err)
	baz, err := bazaar.New(dir, log)
	require.NoError(t, err)

	cfg.NodeID = "leader"
	cfg.IsLeader = true
	if cfg.ConfirmationTarget == 0 {
		cfg.ConfirmationTarget = 1
	}
	if cfg.ConfirmationTimeoutMs == 0 {
		cfg.ConfirmationTimeoutMs = 1000
	}

	co := New(cfg, w, l, g, caps, ratings, baz, log)
	return co, w
}

func TestPublishCapsule_StoresAndReturnsPublicProjection(t *testing.T) {
	co, w := newLeaderCoordinator(t, Config{PlatformAccountID: "acct_platform"})

	pub, receipts, err := co.PublishCapsule("hello world", []string{"gpu"}, capsule.Price{Amount: 100, CreatorShare: 0.8})
	require.NoError(t, err)
	assert.Empty(t, receipts, "no publish fee configured means no transfer receipts")
	assert.Equal(t, capsule.ComputeAssetID("hello world"), pub.AssetID)
	assert.Equal(t, w.AccountID, pub.Attribution.Creator)
}

func TestPublishCapsule_ChargesConfiguredFee(t *testing.T) {
	co, w := newLeaderCoordinator(t, Config{PlatformAccountID: "acct_platform", PublishFeeAmount: 50})

	_, receipts, err := co.PublishCapsule("content", nil, capsule.Price{})
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.True(t, receipts[0].Confirmed)
	assert.Equal(t, uint64(genesisSupply-50), co.ledger.Balance(w.AccountID))
	assert.Equal(t, uint64(50), co.ledger.Balance("acct_platform"))
}

func TestPublishTask_FundsEscrowAndPromotesToOpen(t *testing.T) {
	co, w := newLeaderCoordinator(t, Config{})

	task, receipts, err := co.PublishTask("do work", "compute", nil, bazaar.Bounty{Amount: 300})
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.True(t, receipts[0].Confirmed)

	got, ok := co.bazaar.Get(task.TaskID)
	require.True(t, ok)
	assert.Equal(t, bazaar.StatusOpen, got.Status, "escrow funding must promote the task synchronously on a leader")
	assert.Equal(t, uint64(genesisSupply-300), co.ledger.Balance(w.AccountID))
	assert.Equal(t, uint64(300), co.ledger.Balance(task.EscrowAccountID))
}

func TestPurchaseCapsule_SplitsPaymentAndGrantsAccessOnFullConfirmation(t *testing.T) {
	co, w := newLeaderCoordinator(t, Config{PlatformAccountID: "acct_platform"})

	// Publish as a different creator so the purchase actually moves funds
	// between two distinct accounts.
	creator, err := wallet.Generate(zerolog.Nop())
	require.NoError(t, err)
	assetID := capsule.ComputeAssetID("paid content")
	_, err = co.capsules.StoreCapsule(&capsule.Record{
		AssetID:     assetID,
		Attribution: capsule.Attribution{Creator: creator.AccountID},
		Price:       capsule.Price{Amount: 100, CreatorShare: 0.7},
		Content:     "paid content",
	})
	require.NoError(t, err)

	content, receipts, err := co.PurchaseCapsule(assetID)
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, "paid content", content)
	assert.Equal(t, uint64(70), co.ledger.Balance(creator.AccountID))
	assert.Equal(t, uint64(30), co.ledger.Balance("acct_platform"))
	assert.Equal(t, uint64(genesisSupply-100), co.ledger.Balance(w.AccountID))
}

func TestPurchaseCapsule_UnknownAssetIsValidationError(t *testing.T) {
	co, _ := newLeaderCoordinator(t, Config{})
	_, _, err := co.PurchaseCapsule("sha256:doesnotexist")
	require.Error(t, err)
	var actionErr *ActionError
	require.True(t, errors.As(err, &actionErr))
	assert.Equal(t, KindValidation, actionErr.Kind)
}

func TestSubmitBidAssignWinnerCompleteTask_ReleasesEscrowOnLeader(t *testing.T) {
	co, w := newLeaderCoordinator(t, Config{})
	task, _, err := co.PublishTask("do work", "compute", nil, bazaar.Bounty{Amount: 200})
	require.NoError(t, err)

	require.NoError(t, co.SubmitBid(task.TaskID, 180))
	winnerID, err := co.AssignWinner(task.TaskID, co.nowMs())
	require.NoError(t, err)
	assert.Equal(t, co.cfg.NodeID, winnerID)

	require.NoError(t, co.CompleteTask(task.TaskID, co.nowMs(), "done", []byte("result")))

	got, ok := co.bazaar.Get(task.TaskID)
	require.True(t, ok)
	assert.Equal(t, bazaar.StatusCompleted, got.Status)
	assert.Equal(t, uint64(200), co.ledger.Balance(co.cfg.NodeID), "escrow release must credit the winner the full bounty")
	assert.Equal(t, uint64(0), co.ledger.Balance(task.EscrowAccountID), "escrow account must be drained on release")
	rec := co.ratings.Get(co.cfg.NodeID)
	assert.Equal(t, 1, rec.Completed)
	_ = w
}

func TestFailTask_RecordsFailureRating(t *testing.T) {
	co, _ := newLeaderCoordinator(t, Config{})
	task, _, err := co.PublishTask("do work", "compute", nil, bazaar.Bounty{Amount: 200})
	require.NoError(t, err)
	require.NoError(t, co.SubmitBid(task.TaskID, 180))
	_, err = co.AssignWinner(task.TaskID, co.nowMs())
	require.NoError(t, err)

	require.NoError(t, co.FailTask(task.TaskID, co.nowMs()))

	got, ok := co.bazaar.Get(task.TaskID)
	require.True(t, ok)
	assert.Equal(t, bazaar.StatusFailed, got.Status)
	rec := co.ratings.Get(co.cfg.NodeID)
	assert.Equal(t, 1, rec.Failed)
}

func TestStats_ReflectsBazaarAndLedgerState(t *testing.T) {
	co, _ := newLeaderCoordinator(t, Config{})
	_, _, err := co.PublishTask("do work", "compute", nil, bazaar.Bounty{Amount: 100})
	require.NoError(t, err)

	stats := co.Stats()
	assert.True(t, stats.IsLeader)
	assert.Equal(t, 1, stats.OpenTasks)
	assert.Equal(t, uint64(2), stats.LastSeq) // mint + escrow funding transfer
}

func TestAccount_DefaultsToOwnWalletWhenEmpty(t *testing.T) {
	co, w := newLeaderCoordinator(t, Config{})
	info := co.Account("")
	assert.Equal(t, w.AccountID, info.AccountID)
	assert.Equal(t, uint64(genesisSupply), info.Balance)
}

func TestTxStatus_UnknownTxReturnsFalse(t *testing.T) {
	co, _ := newLeaderCoordinator(t, Config{})
	_, ok := co.TxStatus("nonexistent")
	assert.False(t, ok)
}

func TestActionError_UnwrapsUnderlyingError(t *testing.T) {
	inner := errors.New("boom")
	err := newActionError(KindStorage, inner)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "Storage")
}

func TestPendingTxQueue_SweepReBroadcastsDueEntriesWithBackoff(t *testing.T) {
	co, _ := newLeaderCoordinator(t, Config{})
	tx := ledger.Transaction{TxID: "tx-1"}
	co.pending.add(tx)

	co.pending.mu.Lock()
	entry := co.pending.entries["tx-1"]
	entry.nextTry = time.Now().Add(-time.Millisecond)
	co.pending.mu.Unlock()

	co.pending.sweep(time.Now())

	co.pending.mu.Lock()
	backoff := co.pending.entries["tx-1"].backoff
	co.pending.mu.Unlock()
	assert.Equal(t, pendingTxInitial*2, backoff)

	co.pending.observe("tx-1")
	co.pending.mu.Lock()
	_, stillPresent := co.pending.entries["tx-1"]
	co.pending.mu.Unlock()
	assert.False(t, stillPresent)
}
