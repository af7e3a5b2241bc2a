// Package audit implements the tamper-evident, hash-chained decision log.
//
// Every gateway decision is recorded as a Record holding the serialized
// decision snapshot (the payload) and a Proof:
//
//	record_hash = H(payload)
//	chain_hash  = H(previous chain_hash || record_hash)
//
// The first record's chain hash is H(record_hash). Modifying, removing or
// reordering any record changes every chain hash after it, which Verify
// detects. Records are never updated or deleted.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Algorithm names the hash function used for a record's proof.
type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	BLAKE2b256 Algorithm = "blake2b-256"
)

// ParseAlgorithm maps a configuration value to an Algorithm. Empty means
// SHA256.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case "", SHA256:
		return SHA256, nil
	case BLAKE2b256, "blake2b":
		return BLAKE2b256, nil
	default:
		return "", fmt.Errorf("unsupported audit hash algorithm %q (use sha256 or blake2b-256)", s)
	}
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case BLAKE2b256:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("unsupported audit hash algorithm %q", a)
	}
}

func (a Algorithm) sum(parts ...string) (string, error) {
	h, err := a.newHash()
	if err != nil {
		return "", err
	}
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashRecord returns the hex digest of a serialized payload.
func HashRecord(alg Algorithm, payload string) (string, error) {
	return alg.sum(payload)
}

// ChainHash links a record hash to the previous chain hash. An empty
// previous hash marks the first record of the chain.
func ChainHash(alg Algorithm, previous, recordHash string) (string, error) {
	if previous == "" {
		return alg.sum(recordHash)
	}
	return alg.sum(previous, recordHash)
}
