package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshnode/internal/wallet"
)

const genesisSupply = 1_000_000

func newTestWallet(t *testing.T) *wallet.Wallet {
	t.Helper()
	w, err := wallet.Generate(zerolog.Nop())
	require.NoError(t, err)
	return w
}

func newGenesisLedger(t *testing.T) (*Ledger, *wallet.Wallet) {
	t.Helper()
	w := newTestWallet(t)
	l, err := New(t.TempDir(), true, w, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, l.Initialize(genesisSupply))
	return l, w
}

func signedTransfer(t *testing.T, w *wallet.Wallet, to string, amount, nonce uint64, ts int64) *Transaction {
	t.Helper()
	pubPEM, err := w.PublicKeyPEM()
	require.NoError(t, err)
	tx := &Transaction{
		Type:      TxTransfer,
		From:      w.AccountID,
		To:        to,
		Amount:    amount,
		Nonce:     nonce,
		Timestamp: ts,
		PubkeyPEM: pubPEM,
	}
	require.NoError(t, SignTransaction(w, tx))
	return tx
}

func TestInitialize_MintsGenesisSupply(t *testing.T) {
	l, w := newGenesisLedger(t)

	assert.Equal(t, uint64(genesisSupply), l.Balance(w.AccountID))
	assert.Equal(t, uint64(1), l.LastSeq())

	confirmations, ok := l.Confirmations(l.entries[0].Transaction.TxID)
	require.True(t, ok)
	assert.Equal(t, uint64(1), confirmations)
}

func TestInitialize_IsIdempotent(t *testing.T) {
	l, w := newGenesisLedger(t)
	require.NoError(t, l.Initialize(genesisSupply))
	assert.Equal(t, uint64(1), l.LastSeq())
	assert.Equal(t, uint64(genesisSupply), l.Balance(w.AccountID))
}

func TestSubmitLocalAsLeader_Transfer(t *testing.T) {
	l, leader := newGenesisLedger(t)

	tx := signedTransfer(t, leader, "acct_bbbbbbbbbbbbbbbb", 100, 2, nowMillis())
	seq, txID, reason, err := l.SubmitLocalAsLeader(tx)
	require.NoError(t, err)
	require.Equal(t, ReasonNone, reason)
	assert.Equal(t, uint64(2), seq)
	assert.NotEmpty(t, txID)

	assert.Equal(t, uint64(genesisSupply-100), l.Balance(leader.AccountID))
	assert.Equal(t, uint64(100), l.Balance("acct_bbbbbbbbbbbbbbbb"))

	confirmations, ok := l.Confirmations(txID)
	require.True(t, ok)
	assert.Equal(t, uint64(1), confirmations)
}

func TestSubmitLocalAsLeader_RejectsNonLeader(t *testing.T) {
	w := newTestWallet(t)
	l, err := New(t.TempDir(), false, w, zerolog.Nop())
	require.NoError(t, err)

	tx := signedTransfer(t, w, "acct_bbbbbbbbbbbbbbbb", 10, 1, nowMillis())
	_, _, reason, err := l.SubmitLocalAsLeader(tx)
	require.NoError(t, err)
	assert.Equal(t, ReasonNotLeader, reason)
}

func TestVerify_RejectsBadNonce(t *testing.T) {
	l, leader := newGenesisLedger(t)
	tx := signedTransfer(t, leader, "acct_bbbbbbbbbbbbbbbb", 10, 5, nowMillis())
	assert.Equal(t, ReasonBadNonce, l.Verify(tx))
}

func TestVerify_RejectsInsufficientBalance(t *testing.T) {
	l, leader := newGenesisLedger(t)
	tx := signedTransfer(t, leader, "acct_bbbbbbbbbbbbbbbb", genesisSupply+1, 2, nowMillis())
	assert.Equal(t, ReasonInsufficientBalance, l.Verify(tx))
}

func TestVerify_RejectsMutatedAmountAfterSigning(t *testing.T) {
	l, leader := newGenesisLedger(t)
	tx := signedTransfer(t, leader, "acct_bbbbbbbbbbbbbbbb", 10, 2, nowMillis())
	tx.Amount = 999
	assert.Equal(t, ReasonBadSignature, l.Verify(tx))
}

func TestVerify_RejectsForgedFrom(t *testing.T) {
	l, leader := newGenesisLedger(t)
	attacker := newTestWallet(t)

	pubPEM, err := attacker.PublicKeyPEM()
	require.NoError(t, err)
	tx := &Transaction{
		Type:      TxTransfer,
		From:      leader.AccountID,
		To:        "acct_bbbbbbbbbbbbbbbb",
		Amount:    10,
		Nonce:     2,
		Timestamp: nowMillis(),
		PubkeyPEM: pubPEM,
	}
	require.NoError(t, SignTransaction(attacker, tx))

	assert.Equal(t, ReasonFromMismatch, l.Verify(tx))
}

func TestApplyRemoteEntry_RejectsOutOfOrder(t *testing.T) {
	w := newTestWallet(t)
	follower, err := New(t.TempDir(), false, w, zerolog.Nop())
	require.NoError(t, err)

	leaderWallet := newTestWallet(t)
	pubPEM, err := leaderWallet.PublicKeyPEM()
	require.NoError(t, err)
	mint := &Transaction{
		Type: TxMint, From: leaderWallet.AccountID, To: leaderWallet.AccountID,
		Amount: genesisSupply, Nonce: 1, Timestamp: nowMillis(), PubkeyPEM: pubPEM,
	}
	require.NoError(t, SignTransaction(leaderWallet, mint))

	skippedEntry := &LogEntry{Seq: 3, Transaction: *mint}
	reason, err := follower.ApplyRemoteEntry(skippedEntry)
	require.NoError(t, err)
	assert.Equal(t, ReasonOutOfOrder, reason)
	assert.Equal(t, uint64(0), follower.LastSeq())
}

func TestApplyRemoteEntry_TrustsFirstMintAsLeader(t *testing.T) {
	w := newTestWallet(t)
	follower, err := New(t.TempDir(), false, w, zerolog.Nop())
	require.NoError(t, err)

	leaderWallet := newTestWallet(t)
	pubPEM, err := leaderWallet.PublicKeyPEM()
	require.NoError(t, err)
	mint := &Transaction{
		Type: TxMint, From: leaderWallet.AccountID, To: leaderWallet.AccountID,
		Amount: genesisSupply, Nonce: 1, Timestamp: nowMillis(), PubkeyPEM: pubPEM,
	}
	require.NoError(t, SignTransaction(leaderWallet, mint))

	reason, err := follower.ApplyRemoteEntry(&LogEntry{Seq: 1, Transaction: *mint})
	require.NoError(t, err)
	require.Equal(t, ReasonNone, reason)

	leaderPub, ok := follower.LeaderPublicKey()
	require.True(t, ok)
	assert.True(t, leaderPub.Equal(leaderWallet.PublicKey))
	assert.Equal(t, uint64(genesisSupply), follower.Balance(leaderWallet.AccountID))
}

func TestEntriesSince_ReturnsInOrderWithLimit(t *testing.T) {
	l, leader := newGenesisLedger(t)
	for i := uint64(2); i <= 5; i++ {
		tx := signedTransfer(t, leader, "acct_bbbbbbbbbbbbbbbb", 1, i, nowMillis())
		_, _, reason, err := l.SubmitLocalAsLeader(tx)
		require.NoError(t, err)
		require.Equal(t, ReasonNone, reason)
	}

	entries := l.EntriesSince(1, 2)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(2), entries[0].Seq)
	assert.Equal(t, uint64(3), entries[1].Seq)
}

func TestRecomputeBalances_MatchesProjection(t *testing.T) {
	l, leader := newGenesisLedger(t)
	tx := signedTransfer(t, leader, "acct_bbbbbbbbbbbbbbbb", 250, 2, nowMillis())
	_, _, reason, err := l.SubmitLocalAsLeader(tx)
	require.NoError(t, err)
	require.Equal(t, ReasonNone, reason)

	recomputed := l.RecomputeBalances()
	assert.Equal(t, l.Balance(leader.AccountID), recomputed[leader.AccountID].Balance)
	assert.Equal(t, l.Balance("acct_bbbbbbbbbbbbbbbb"), recomputed["acct_bbbbbbbbbbbbbbbb"].Balance)
}

func TestReplay_RestoresProjectionFromDisk(t *testing.T) {
	dir := t.TempDir()
	w := newTestWallet(t)

	l, err := New(dir, true, w, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, l.Initialize(genesisSupply))
	tx := signedTransfer(t, w, "acct_bbbbbbbbbbbbbbbb", 42, 2, nowMillis())
	_, _, reason, err := l.SubmitLocalAsLeader(tx)
	require.NoError(t, err)
	require.Equal(t, ReasonNone, reason)
	require.NoError(t, l.Close())

	reopened, err := New(dir, true, w, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), reopened.LastSeq())
	assert.Equal(t, uint64(genesisSupply-42), reopened.Balance(w.AccountID))
	assert.Equal(t, uint64(42), reopened.Balance("acct_bbbbbbbbbbbbbbbb"))
}

func TestEscrowAccountID_DeterministicAndDistinct(t *testing.T) {
	a := EscrowAccountID("task-1")
	b := EscrowAccountID("task-1")
	c := EscrowAccountID("task-2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Regexp(t, `^escrow_[0-9a-f]{24}$`, a)
}

func TestNewLedger_CreatesDataDir(t *testing.T) {
	dir := t.TempDir()
	w := newTestWallet(t)
	_, err := New(dir, false, w, zerolog.Nop())
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "ledger"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
