package ledger

import (
	"bufio"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"meshnode/internal/wallet"
)

// meta is the small durable header alongside the log: the leader's public
// key, learned either by minting locally or by trusting the first mint
// entry replayed from a peer.
type meta struct {
	LeaderPubkeyPEM string `json:"leaderPubkeyPem"`
}

// Ledger holds the append-only transaction log and its incremental
// projection, guarded by a single sync.RWMutex the way
// gocuria/blockchain/store/memory.go guards its Chain.
type Ledger struct {
	mu sync.RWMutex

	isLeader bool
	wallet   *wallet.Wallet
	log      zerolog.Logger

	dataDir  string
	logPath  string
	metaPath string
	logFile  *os.File

	leaderPub ed25519.PublicKey

	entries  []LogEntry
	accounts map[string]*AccountState
	txIndex  map[string]uint64 // txId -> seq
}

// New opens or creates a ledger rooted at dataDir/ledger, replaying any
// existing log into the in-memory projection.
func New(dataDir string, isLeader bool, w *wallet.Wallet, log zerolog.Logger) (*Ledger, error) {
	dir := filepath.Join(dataDir, "ledger")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("ledger: mkdir: %w", err)
	}
	l := &Ledger{
		isLeader: isLeader,
		wallet:   w,
		log:      log,
		dataDir:  dir,
		logPath:  filepath.Join(dir, "log.jsonl"),
		metaPath: filepath.Join(dir, "meta.json"),
		accounts: make(map[string]*AccountState),
		txIndex:  make(map[string]uint64),
	}
	if err := l.loadMeta(); err != nil {
		return nil, err
	}
	if err := l.replay(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(l.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ledger: open log: %w", err)
	}
	l.logFile = f
	return l, nil
}

func (l *Ledger) loadMeta() error {
	data, err := os.ReadFile(l.metaPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger: read meta: %w", err)
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("ledger: decode meta: %w", err)
	}
	if m.LeaderPubkeyPEM != "" {
		_, pub, err := wallet.AccountIDFromPEM(m.LeaderPubkeyPEM)
		if err != nil {
			return fmt.Errorf("ledger: bad leader key in meta: %w", err)
		}
		l.leaderPub = pub
	}
	return nil
}

func (l *Ledger) saveMeta() error {
	m := meta{}
	if l.leaderPub != nil {
		b, err := publicKeyToPEMString(l.leaderPub)
		if err != nil {
			return err
		}
		m.LeaderPubkeyPEM = b
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: marshal meta: %w", err)
	}
	tmp := l.metaPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("ledger: write meta: %w", err)
	}
	return os.Rename(tmp, l.metaPath)
}

func (l *Ledger) replay() error {
	f, err := os.Open(l.logPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger: open log for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return fmt.Errorf("ledger: corrupt log line: %w", err)
		}
		l.applyProjection(&entry)
		l.entries = append(l.entries, entry)
		l.txIndex[entry.Transaction.TxID] = entry.Seq
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ledger: scan log: %w", err)
	}
	return nil
}

// Initialize mints the genesis supply into the leader's own account when
// this is a leader ledger starting from an empty log. Idempotent: a
// non-empty log is left untouched.
func (l *Ledger) Initialize(genesisSupply uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) > 0 {
		return nil
	}
	if !l.isLeader {
		return nil
	}

	pubPEM, err := l.wallet.PublicKeyPEM()
	if err != nil {
		return err
	}
	tx := &Transaction{
		Type:      TxMint,
		From:      l.wallet.AccountID,
		To:        l.wallet.AccountID,
		Amount:    genesisSupply,
		Nonce:     1,
		Timestamp: nowMillis(),
		PubkeyPEM: pubPEM,
	}
	if err := l.signTx(tx); err != nil {
		return err
	}
	l.leaderPub = l.wallet.PublicKey
	if _, _, reason, err := l.appendLocked(tx); err != nil {
		return err
	} else if reason != ReasonNone {
		return fmt.Errorf("ledger: genesis mint rejected: %s", reason)
	}
	return l.saveMeta()
}

func (l *Ledger) signTx(tx *Transaction) error {
	return SignTransaction(l.wallet, tx)
}

// SignTransaction computes tx's signature and txId in place using w's
// private key, per the canonical signing payload in spec §6. Exported so
// the Mesh Coordinator can build escrow_release and transfer transactions
// without reaching into ledger internals.
func SignTransaction(w *wallet.Wallet, tx *Transaction) error {
	payload, err := SigningBytes(tx)
	if err != nil {
		return err
	}
	tx.Signature = hexEncode(w.Sign(payload))
	txID, err := ComputeTxID(tx)
	if err != nil {
		return err
	}
	tx.TxID = txID
	return nil
}

// Verify checks tx against every invariant in spec §3/§4.2 and returns the
// rejection reason, or ReasonNone if tx is acceptable. Verify takes the
// read lock itself, so callers must not already hold the ledger's lock.
func (l *Ledger) Verify(tx *Transaction) Reason {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.verifyLocked(tx)
}

func (l *Ledger) verifyLocked(tx *Transaction) Reason {
	if tx.Type == "" || tx.From == "" || tx.To == "" || tx.PubkeyPEM == "" || tx.Signature == "" || tx.Timestamp == 0 {
		return ReasonMissingField
	}
	if tx.Type != TxTransfer && tx.Type != TxMint && tx.Type != TxEscrowRelease {
		return ReasonMissingField
	}
	if tx.Amount == 0 {
		return ReasonBadAmount
	}

	sigBytes, err := hexDecode(tx.Signature)
	if err != nil {
		return ReasonBadSignature
	}
	payload, err := SigningBytes(tx)
	if err != nil {
		return ReasonBadSignature
	}
	signerID, signerPub, err := wallet.AccountIDFromPEM(tx.PubkeyPEM)
	if err != nil {
		return ReasonBadSignature
	}
	if !wallet.Verify(signerPub, payload, sigBytes) {
		return ReasonBadSignature
	}

	switch tx.Type {
	case TxMint:
		if len(l.entries) != 0 {
			return ReasonFromMismatch
		}
		if tx.From != tx.To || signerID != tx.From {
			return ReasonFromMismatch
		}
	case TxTransfer:
		if signerID != tx.From {
			return ReasonFromMismatch
		}
	case TxEscrowRelease:
		if l.leaderPub == nil || !signerPub.Equal(l.leaderPub) {
			return ReasonNotLeader
		}
		if !strings.HasPrefix(tx.From, "escrow_") {
			return ReasonBadEscrowAccount
		}
	}

	expectedNonce := l.accountNonceLocked(tx.From) + 1
	if tx.Nonce != expectedNonce {
		return ReasonBadNonce
	}

	if tx.Type != TxMint {
		if l.accountBalanceLocked(tx.From) < tx.Amount {
			return ReasonInsufficientBalance
		}
	}

	return ReasonNone
}

// SubmitLocalAsLeader validates tx, assigns the next sequence number,
// appends it, and applies it to the projection. Leader-only.
func (l *Ledger) SubmitLocalAsLeader(tx *Transaction) (seq uint64, txID string, reason Reason, err error) {
	if !l.isLeader {
		return 0, "", ReasonNotLeader, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(tx)
}

func (l *Ledger) appendLocked(tx *Transaction) (uint64, string, Reason, error) {
	if reason := l.verifyLocked(tx); reason != ReasonNone {
		return 0, "", reason, nil
	}
	seq := uint64(len(l.entries)) + 1
	entry := LogEntry{Seq: seq, Transaction: *tx}
	if err := l.persistLocked(&entry); err != nil {
		return 0, "", ReasonNone, err
	}
	l.applyProjection(&entry)
	l.entries = append(l.entries, entry)
	l.txIndex[entry.Transaction.TxID] = seq
	if tx.Type == TxMint && l.leaderPub == nil {
		l.leaderPub = l.wallet.PublicKey
	}
	return seq, tx.TxID, ReasonNone, nil
}

// ApplyRemoteEntry ingests a log entry produced by the leader. The entry's
// seq must be exactly lastSeq+1; otherwise ReasonOutOfOrder is returned and
// nothing is applied. On the very first entry (an empty follower log), a
// mint entry's signer is trusted as the leader.
func (l *Ledger) ApplyRemoteEntry(entry *LogEntry) (Reason, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	expected := uint64(len(l.entries)) + 1
	if entry.Seq != expected {
		return ReasonOutOfOrder, nil
	}

	tx := entry.Transaction
	if len(l.entries) == 0 && tx.Type == TxMint && l.leaderPub == nil {
		_, pub, err := wallet.AccountIDFromPEM(tx.PubkeyPEM)
		if err != nil {
			return ReasonBadSignature, nil
		}
		l.leaderPub = pub
		if err := l.saveMeta(); err != nil {
			return ReasonNone, err
		}
	}

	if reason := l.verifyLocked(&tx); reason != ReasonNone {
		return reason, nil
	}
	if err := l.persistLocked(entry); err != nil {
		return ReasonNone, err
	}
	l.applyProjection(entry)
	l.entries = append(l.entries, *entry)
	l.txIndex[tx.TxID] = entry.Seq
	return ReasonNone, nil
}

func (l *Ledger) persistLocked(entry *LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("ledger: marshal entry: %w", err)
	}
	if _, err := l.logFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("ledger: write entry: %w", err)
	}
	if err := l.logFile.Sync(); err != nil {
		return fmt.Errorf("ledger: fsync: %w", err)
	}
	return nil
}

// applyProjection mutates balances/nonces for a single accepted entry. It
// is applied exactly once, at either mint/append time or replay time,
// never both.
func (l *Ledger) applyProjection(entry *LogEntry) {
	tx := entry.Transaction
	switch tx.Type {
	case TxMint:
		l.credit(tx.To, tx.Amount)
	case TxTransfer, TxEscrowRelease:
		l.debit(tx.From, tx.Amount)
		l.credit(tx.To, tx.Amount)
	}
	l.setNonce(tx.From, tx.Nonce)
}

func (l *Ledger) account(id string) *AccountState {
	a, ok := l.accounts[id]
	if !ok {
		a = &AccountState{}
		l.accounts[id] = a
	}
	return a
}

func (l *Ledger) credit(id string, amount uint64) { l.account(id).Balance += amount }
func (l *Ledger) debit(id string, amount uint64)  { l.account(id).Balance -= amount }
func (l *Ledger) setNonce(id string, nonce uint64) { l.account(id).Nonce = nonce }

func (l *Ledger) accountBalanceLocked(id string) uint64 {
	if a, ok := l.accounts[id]; ok {
		return a.Balance
	}
	return 0
}

func (l *Ledger) accountNonceLocked(id string) uint64 {
	if a, ok := l.accounts[id]; ok {
		return a.Nonce
	}
	return 0
}

// Balance returns the projected balance of an account.
func (l *Ledger) Balance(accountID string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.accountBalanceLocked(accountID)
}

// Nonce returns the projected next-expected nonce minus one (the last used
// nonce) for an account.
func (l *Ledger) Nonce(accountID string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.accountNonceLocked(accountID)
}

// Confirmations returns lastSeq-seq+1 for the entry with the given txId.
func (l *Ledger) Confirmations(txID string) (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seq, ok := l.txIndex[txID]
	if !ok {
		return 0, false
	}
	last := uint64(len(l.entries))
	return last - seq + 1, true
}

// EntriesSince returns up to limit entries with seq > since, in order.
// limit<=0 means unbounded.
func (l *Ledger) EntriesSince(since uint64, limit int) []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []LogEntry
	for _, e := range l.entries {
		if e.Seq <= since {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// LastSeq returns the sequence number of the most recently applied entry.
func (l *Ledger) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.entries))
}

// LeaderPublicKey returns the ledger's stored leader public key, if known.
func (l *Ledger) LeaderPublicKey() (ed25519.PublicKey, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leaderPub, l.leaderPub != nil
}

// Close releases the underlying log file handle.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile == nil {
		return nil
	}
	return l.logFile.Close()
}

// RecomputeBalances performs a full recompute from the persisted log,
// bypassing the incremental projection. Verification only; per Design
// Notes §9 this is never used on the hot path, only in tests.
func (l *Ledger) RecomputeBalances() map[string]AccountState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]AccountState)
	acc := make(map[string]*AccountState)
	get := func(id string) *AccountState {
		a, ok := acc[id]
		if !ok {
			a = &AccountState{}
			acc[id] = a
		}
		return a
	}
	for _, e := range l.entries {
		tx := e.Transaction
		switch tx.Type {
		case TxMint:
			get(tx.To).Balance += tx.Amount
		case TxTransfer, TxEscrowRelease:
			get(tx.From).Balance -= tx.Amount
			get(tx.To).Balance += tx.Amount
		}
		get(tx.From).Nonce = tx.Nonce
	}
	for id, a := range acc {
		out[id] = *a
	}
	return out
}
