// Package xrpladdr derives an XRPL classic account address from a public
// key, the same RIPEMD-160(SHA-256(pubkey)) plus base58check encoding used
// for Bitcoin-family addresses, but with XRPL's own alphabet and
// account-id version byte.
package xrpladdr

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // XRPL's address format requires ripemd160, not a modern alternative.
)

// accountIDVersion is XRPL's version byte for an AccountID-derived classic
// address (as opposed to a seed or a node public key).
const accountIDVersion = 0x00

// xrplAlphabet is the base58 alphabet XRPL uses in place of Bitcoin's.
const xrplAlphabet = "rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz"

var xrplEncoding = base58.NewAlphabet(xrplAlphabet)

// AccountID computes the 20-byte AccountID for a public key: AccountID =
// RIPEMD160(SHA256(pubkey)).
func AccountID(pubKey []byte) ([]byte, error) {
	if len(pubKey) == 0 {
		return nil, fmt.Errorf("xrpladdr: public key must not be empty")
	}
	sha := sha256.Sum256(pubKey)
	hasher := ripemd160.New()
	if _, err := hasher.Write(sha[:]); err != nil {
		return nil, fmt.Errorf("xrpladdr: ripemd160: %w", err)
	}
	return hasher.Sum(nil), nil
}

// ClassicAddress derives the base58check-encoded classic address (the
// "rXXXX..." form) for a public key.
func ClassicAddress(pubKey []byte) (string, error) {
	accountID, err := AccountID(pubKey)
	if err != nil {
		return "", err
	}

	payload := append([]byte{accountIDVersion}, accountID...)
	checksum := doubleSHA256(payload)[:4]
	full := append(payload, checksum...)

	return base58.EncodeAlphabet(full, xrplEncoding), nil
}

func doubleSHA256(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:]
}
