// Package ledger implements the leader-ordered, Ed25519-signed transaction
// log and its incremental balance/nonce projection, grounded on
// gocuria/blockchain (types.go, crypto.go, store/memory.go) but replacing
// the teacher's proof-of-work block chain with a single-writer append log
// whose entries are individually signed transactions rather than mined
// blocks.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// TxType enumerates the closed set of transaction kinds.
type TxType string

const (
	TxTransfer      TxType = "transfer"
	TxMint          TxType = "mint"
	TxEscrowRelease TxType = "escrow_release"
)

// Reason is the closed tagged variant of ledger verification failures,
// replacing string-typed errors per the enumerated-taxonomy redesign.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonMissingField        Reason = "MissingField"
	ReasonBadSignature        Reason = "BadSignature"
	ReasonFromMismatch        Reason = "FromMismatch"
	ReasonBadNonce            Reason = "BadNonce"
	ReasonInsufficientBalance Reason = "InsufficientBalance"
	ReasonBadAmount           Reason = "BadAmount"
	ReasonNotLeader           Reason = "NotLeader"
	ReasonBadEscrowAccount    Reason = "BadEscrowAccount"
	ReasonOutOfOrder          Reason = "OutOfOrder"
)

// Transaction is a single signed ledger operation.
type Transaction struct {
	Type      TxType `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    uint64 `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	PubkeyPEM string `json:"pubkeyPem"`
	Signature string `json:"signature"`
	TxID      string `json:"txId"`
}

// canonicalPayload is the exact field set and order signed over, per
// spec §6: JSON.stringify({type,from,to,amount,nonce,timestamp}).
type canonicalPayload struct {
	Type      TxType `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    uint64 `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// txIDPayload appends the signature to the canonical fields, in the order
// the txId hash is computed over.
type txIDPayload struct {
	Type      TxType `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    uint64 `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// SigningBytes returns the canonical serialization a signature is computed
// over. json.Marshal never inserts whitespace between tokens, matching the
// "no additional whitespace" requirement.
func SigningBytes(tx *Transaction) ([]byte, error) {
	p := canonicalPayload{
		Type:      tx.Type,
		From:      tx.From,
		To:        tx.To,
		Amount:    tx.Amount,
		Nonce:     tx.Nonce,
		Timestamp: tx.Timestamp,
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal signing payload: %w", err)
	}
	return b, nil
}

// ComputeTxID hashes the canonical payload plus the signature.
func ComputeTxID(tx *Transaction) (string, error) {
	p := txIDPayload{
		Type:      tx.Type,
		From:      tx.From,
		To:        tx.To,
		Amount:    tx.Amount,
		Nonce:     tx.Nonce,
		Timestamp: tx.Timestamp,
		Signature: tx.Signature,
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("ledger: marshal txId payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// EscrowAccountID derives the deterministic synthetic escrow account id
// for a task: "escrow_" followed by the first 24 hex chars of SHA-256(taskId).
func EscrowAccountID(taskID string) string {
	sum := sha256.Sum256([]byte(taskID))
	return "escrow_" + hex.EncodeToString(sum[:])[:24]
}

// LogEntry is an accepted transaction plus its position in the total order.
type LogEntry struct {
	Seq         uint64         `json:"seq"`
	Transaction Transaction    `json:"transaction"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// AccountState is the projected balance and nonce of an account.
type AccountState struct {
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}
