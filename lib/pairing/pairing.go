// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// Package pairing generates and verifies agent bridge credentials.
//
// A credential is a permanent opaque token handed to the agent process
// when its bot is created: "arb_" followed by 48 hex characters (24
// random bytes). The server never stores the token itself — only its
// BLAKE3 digest. Verification hashes the presented token and compares
// digests in constant time, so a database leak does not leak working
// credentials.
package pairing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// tokenPrefix marks Arbor bridge credentials. The prefix makes leaked
// tokens recognizable in logs and secret scanners.
const tokenPrefix = "arb_"

// tokenRandomBytes is the entropy of a credential: 24 bytes = 48 hex
// characters, 52 characters total with the prefix.
const tokenRandomBytes = 24

// NewToken generates a fresh bridge credential.
func NewToken() (string, error) {
	buf := make([]byte, tokenRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("pairing: reading randomness: %w", err)
	}
	return tokenPrefix + hex.EncodeToString(buf), nil
}

// HashToken returns the hex-encoded BLAKE3 digest of a credential,
// the form stored by the server.
func HashToken(token string) string {
	digest := blake3.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}

// Verify reports whether the presented token matches the stored digest.
// Comparison is constant time. Tokens without the arb_ prefix never
// verify, which cheaply rejects obviously malformed input before
// hashing.
func Verify(token, storedDigest string) bool {
	if !strings.HasPrefix(token, tokenPrefix) {
		return false
	}
	computed := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedDigest)) == 1
}
