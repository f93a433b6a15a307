package signerref

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/nexusctl/core/internal/xrpladdr"
	"github.com/nexusctl/core/pkg/canonical"
	"github.com/nexusctl/core/pkg/xrpl"
)

// Secp256k1FileSigner implements xrpl.Signer using a secp256k1 key pair
// loaded from disk — XRPL's historical default signing algorithm, offered
// here alongside Ed25519FileSigner so both options on the signer port have
// a reference implementation.
type Secp256k1FileSigner struct {
	mu         sync.RWMutex
	keyID      string
	account    string
	privateKey *secp256k1.PrivateKey
	publicKey  *secp256k1.PublicKey
}

var _ xrpl.Signer = (*Secp256k1FileSigner)(nil)

// LoadSecp256k1FromFile reads a hex-encoded secp256k1 private key from path
// and derives the account's classic address from its compressed public key.
func LoadSecp256k1FromFile(path, keyID string) (*Secp256k1FileSigner, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signerref: read key file: %w", err)
	}
	keyHex := strings.TrimSpace(string(raw))

	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("signerref: decode key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("signerref: invalid key size: expected 32, got %d", len(keyBytes))
	}

	privateKey := secp256k1.PrivKeyFromBytes(keyBytes)
	publicKey := privateKey.PubKey()

	account, err := xrpladdr.ClassicAddress(publicKey.SerializeCompressed())
	if err != nil {
		return nil, fmt.Errorf("signerref: derive account address: %w", err)
	}

	return &Secp256k1FileSigner{
		keyID:      keyID,
		account:    account,
		privateKey: privateKey,
		publicKey:  publicKey,
	}, nil
}

// Account returns the signer's classic XRPL address.
func (s *Secp256k1FileSigner) Account() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

// KeyID returns the signer's opaque key identifier.
func (s *Secp256k1FileSigner) KeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keyID
}

// Sign canonicalizes the unsigned transaction and produces a secp256k1 ECDSA
// signature over its SHA-256 digest. As with Ed25519FileSigner, the "signed
// blob" is signature||canonical-tx-bytes, a stand-in for rippled's STObject
// binary serialization and DER signature encoding.
func (s *Secp256k1FileSigner) Sign(ctx context.Context, unsignedTx map[string]interface{}) (xrpl.SignResult, error) {
	txBytes, err := canonical.Marshal(unsignedTx)
	if err != nil {
		return xrpl.SignResult{}, fmt.Errorf("signerref: canonicalize tx: %w", err)
	}
	digest := canonical.SHA256Hex(txBytes)
	digestBytes, err := hex.DecodeString(digest)
	if err != nil {
		return xrpl.SignResult{}, fmt.Errorf("signerref: decode tx digest: %w", err)
	}

	s.mu.RLock()
	privateKey := s.privateKey
	keyID := s.keyID
	s.mu.RUnlock()

	signature := ecdsa.Sign(privateKey, digestBytes)
	sigBytes := signature.Serialize()

	blob := append(append([]byte{}, sigBytes...), txBytes...)
	txHash := canonical.SHA256Hex(blob)

	return xrpl.SignResult{
		SignedTxBlobHex: hex.EncodeToString(blob),
		TxHash:          txHash,
		KeyID:           keyID,
	}, nil
}
