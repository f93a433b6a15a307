// Package signerref provides reference implementations of the xrpl.Signer
// port backed by a key loaded from disk — Ed25519FileSigner here, and
// Secp256k1FileSigner (XRPL's historical default algorithm) alongside it.
// They exist so cmd/nexusd has something concrete to wire against;
// production deployments that need HSM-backed signing implement the same
// port separately.
package signerref

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/nexusctl/core/internal/xrpladdr"
	"github.com/nexusctl/core/pkg/canonical"
	"github.com/nexusctl/core/pkg/xrpl"
)

// Ed25519FileSigner implements xrpl.Signer using an Ed25519 key pair loaded
// from a hex-encoded private key file.
type Ed25519FileSigner struct {
	mu         sync.RWMutex
	keyID      string
	account    string
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

var _ xrpl.Signer = (*Ed25519FileSigner)(nil)

// LoadFromFile reads a hex-encoded Ed25519 private key from path and derives
// the account's classic address from the corresponding public key. keyID
// identifies the key in receipts and logs; it is never the key material
// itself.
func LoadFromFile(path, keyID string) (*Ed25519FileSigner, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signerref: read key file: %w", err)
	}
	keyHex := strings.TrimSpace(string(raw))

	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("signerref: decode key hex: %w", err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signerref: invalid key size: expected %d, got %d", ed25519.PrivateKeySize, len(keyBytes))
	}

	privateKey := ed25519.PrivateKey(keyBytes)
	publicKey := privateKey.Public().(ed25519.PublicKey)

	account, err := xrpladdr.ClassicAddress(publicKey)
	if err != nil {
		return nil, fmt.Errorf("signerref: derive account address: %w", err)
	}

	return &Ed25519FileSigner{
		keyID:      keyID,
		account:    account,
		privateKey: privateKey,
		publicKey:  publicKey,
	}, nil
}

// Account returns the signer's classic XRPL address.
func (s *Ed25519FileSigner) Account() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

// KeyID returns the signer's opaque key identifier.
func (s *Ed25519FileSigner) KeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keyID
}

// Sign canonicalizes the unsigned transaction and produces an Ed25519
// signature over it. The "signed blob" this reference signer emits is a
// hex encoding of signature||canonical-tx-bytes, not real XRPL binary
// serialization — a production signer replaces this with the rippled
// STObject codec and its own signing scheme (secp256k1 or Ed25519 over the
// actual binary transaction form).
func (s *Ed25519FileSigner) Sign(ctx context.Context, unsignedTx map[string]interface{}) (xrpl.SignResult, error) {
	txBytes, err := canonical.Marshal(unsignedTx)
	if err != nil {
		return xrpl.SignResult{}, fmt.Errorf("signerref: canonicalize tx: %w", err)
	}

	s.mu.RLock()
	privateKey := s.privateKey
	keyID := s.keyID
	s.mu.RUnlock()

	signature := ed25519.Sign(privateKey, txBytes)

	blob := append(append([]byte{}, signature...), txBytes...)
	txHash := canonical.SHA256Hex(blob)

	return xrpl.SignResult{
		SignedTxBlobHex: hex.EncodeToString(blob),
		TxHash:          txHash,
		KeyID:           keyID,
	}, nil
}
