// Package wallet manages a node's Ed25519 keypair and derives its stable
// account identifier, grounded on the signing/verification discipline in
// gocuria/blockchain/crypto.go, adapted from raw [64]byte signatures to
// PEM-encoded key material and a content-derived account id per spec.
package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// ErrBadKeyMaterial is returned by Import when the supplied key material is
// internally inconsistent or would change a genesis leader's identity.
var ErrBadKeyMaterial = errors.New("wallet: bad key material")

// Wallet holds a node's Ed25519 keypair and its derived account id.
type Wallet struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	AccountID  string

	log zerolog.Logger
}

// KeyFile is the on-disk representation of a wallet, PEM-encoded.
type KeyFile struct {
	PublicKeyPEM  string `json:"publicKeyPem"`
	PrivateKeyPEM string `json:"privateKeyPem"`
}

// AccountIDOf derives the deterministic account id for a public key: the
// literal prefix "acct_" followed by the first 16 hex characters of the
// SHA-256 hash of the key's PEM encoding.
func AccountIDOf(pub ed25519.PublicKey) (string, error) {
	pemBytes, err := publicKeyToPEM(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(pemBytes)
	return "acct_" + hex.EncodeToString(sum[:])[:16], nil
}

// Generate creates a fresh Ed25519 keypair and its derived account id.
func Generate(log zerolog.Logger) (*Wallet, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("wallet: generate key: %w", err)
	}
	accountID, err := AccountIDOf(pub)
	if err != nil {
		return nil, err
	}
	return &Wallet{PublicKey: pub, PrivateKey: priv, AccountID: accountID, log: log}, nil
}

// LoadOrCreate reads a wallet from path, atomically creating one if absent.
func LoadOrCreate(path string, log zerolog.Logger) (*Wallet, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		w, err := Generate(log)
		if err != nil {
			return nil, err
		}
		if err := w.saveAtomic(path); err != nil {
			return nil, err
		}
		log.Info().Str("account", w.AccountID).Str("path", path).Msg("generated new wallet")
		return w, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wallet: read %s: %w", path, err)
	}
	return decodeKeyFile(data, log)
}

// Import loads key material supplied by the caller (e.g. a config migration
// or test fixture), verifying it is internally consistent. If wasLeader is
// true and the derived public key differs from currentLeaderPub, Import
// refuses the change: a genesis leader must never rotate its identity once
// the ledger already carries its public key.
func Import(pubPEM, privPEM string, wasLeader bool, currentLeaderPub ed25519.PublicKey, log zerolog.Logger) (*Wallet, error) {
	pub, err := publicKeyFromPEM(pubPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKeyMaterial, err)
	}
	priv, err := privateKeyFromPEM(privPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKeyMaterial, err)
	}
	if !pub.Equal(priv.Public().(ed25519.PublicKey)) {
		return nil, fmt.Errorf("%w: public key does not match private key", ErrBadKeyMaterial)
	}
	if wasLeader && len(currentLeaderPub) > 0 && !pub.Equal(currentLeaderPub) {
		return nil, fmt.Errorf("%w: genesis leader may not change its public key", ErrBadKeyMaterial)
	}
	accountID, err := AccountIDOf(pub)
	if err != nil {
		return nil, err
	}
	return &Wallet{PublicKey: pub, PrivateKey: priv, AccountID: accountID, log: log}, nil
}

// AccountIDFromPEM parses a PEM-encoded Ed25519 public key and derives its
// account id in one step, used by the ledger to check the signer of a
// transaction against its declared `from`/`to` account.
func AccountIDFromPEM(pemStr string) (string, ed25519.PublicKey, error) {
	pub, err := publicKeyFromPEM(pemStr)
	if err != nil {
		return "", nil, err
	}
	accountID, err := AccountIDOf(pub)
	if err != nil {
		return "", nil, err
	}
	return accountID, pub, nil
}

// Sign returns the Ed25519 signature over payload.
func (w *Wallet) Sign(payload []byte) []byte {
	return ed25519.Sign(w.PrivateKey, payload)
}

// Verify checks an Ed25519 signature over payload under pub.
func Verify(pub ed25519.PublicKey, payload, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, payload, signature)
}

// PublicKeyPEM returns the wallet's public key, PEM-encoded, for embedding
// in signed transactions (spec §3's pubkeyPem field).
func (w *Wallet) PublicKeyPEM() (string, error) {
	b, err := publicKeyToPEM(w.PublicKey)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (w *Wallet) saveAtomic(path string) error {
	pubPEM, err := publicKeyToPEM(w.PublicKey)
	if err != nil {
		return err
	}
	privPEM, err := privateKeyToPEM(w.PrivateKey)
	if err != nil {
		return err
	}
	kf := KeyFile{PublicKeyPEM: string(pubPEM), PrivateKeyPEM: string(privPEM)}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("wallet: marshal key file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("wallet: mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("wallet: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("wallet: rename: %w", err)
	}
	return nil
}

func decodeKeyFile(data []byte, log zerolog.Logger) (*Wallet, error) {
	var kf KeyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("wallet: decode: %w", err)
	}
	pub, err := publicKeyFromPEM(kf.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKeyMaterial, err)
	}
	priv, err := privateKeyFromPEM(kf.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKeyMaterial, err)
	}
	if !pub.Equal(priv.Public().(ed25519.PublicKey)) {
		return nil, fmt.Errorf("%w: public/private key mismatch on disk", ErrBadKeyMaterial)
	}
	accountID, err := AccountIDOf(pub)
	if err != nil {
		return nil, err
	}
	return &Wallet{PublicKey: pub, PrivateKey: priv, AccountID: accountID, log: log}, nil
}

func publicKeyToPEM(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("wallet: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func publicKeyFromPEM(s string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.New("invalid PEM block")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("not an ed25519 public key")
	}
	return pub, nil
}

func privateKeyToPEM(priv ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("wallet: marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func privateKeyFromPEM(s string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.New("invalid PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("not an ed25519 private key")
	}
	return priv, nil
}
