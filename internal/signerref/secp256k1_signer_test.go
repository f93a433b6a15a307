package signerref

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func writeTestSecp256k1Key(t *testing.T) string {
	t.Helper()
	privateKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "secp256k1.key")
	if err := os.WriteFile(path, []byte(hex.EncodeToString(privateKey.Serialize())), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	return path
}

func TestLoadSecp256k1FromFile_DerivesAccountAndKeyID(t *testing.T) {
	path := writeTestSecp256k1Key(t)
	signer, err := LoadSecp256k1FromFile(path, "key-2")
	if err != nil {
		t.Fatalf("LoadSecp256k1FromFile: %v", err)
	}
	if signer.KeyID() != "key-2" {
		t.Fatalf("KeyID = %q, want key-2", signer.KeyID())
	}
	if !strings.HasPrefix(signer.Account(), "r") {
		t.Fatalf("Account = %q, want an r-prefixed classic address", signer.Account())
	}
}

func TestLoadSecp256k1FromFile_RejectsWrongKeySize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.key")
	if err := os.WriteFile(path, []byte(hex.EncodeToString([]byte("too-short"))), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	if _, err := LoadSecp256k1FromFile(path, "key-2"); err == nil {
		t.Fatal("LoadSecp256k1FromFile: want error for an undersized key")
	}
}

func TestSecp256k1Sign_IsDeterministicAndKeyed(t *testing.T) {
	path := writeTestSecp256k1Key(t)
	signer, err := LoadSecp256k1FromFile(path, "key-2")
	if err != nil {
		t.Fatalf("LoadSecp256k1FromFile: %v", err)
	}

	tx := map[string]interface{}{"TransactionType": "Payment", "Account": signer.Account()}

	r1, err := signer.Sign(context.Background(), tx)
	if err != nil {
		t.Fatalf("Sign (1): %v", err)
	}
	r2, err := signer.Sign(context.Background(), tx)
	if err != nil {
		t.Fatalf("Sign (2): %v", err)
	}
	if r1.SignedTxBlobHex != r2.SignedTxBlobHex {
		t.Fatal("signing the same tx twice produced different blobs")
	}
	if r1.TxHash != r2.TxHash {
		t.Fatal("signing the same tx twice produced different tx hashes")
	}
	if r1.KeyID != "key-2" {
		t.Fatalf("KeyID = %q, want key-2", r1.KeyID)
	}
}
