// Package idgen provides cryptographically random identifiers and codes.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"strings"
)

// Prefixes used across the service.
const (
	PrefixEscrow     = "esc_"
	PrefixWallet     = "wal_"
	PrefixEntry      = "ent_"
	PrefixWithdrawal = "wdr_"
	PrefixEvent      = "evt_"
	PrefixRequest    = "req_"
)

// WithPrefix generates a random ID with a prefix (e.g. "esc_", "wdr_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Code returns a uniformly random numeric code of n digits, leading zeros
// included. Used for delivery confirmation codes handed to the buyer.
func Code(n int) string {
	if n <= 0 {
		n = 6
	}
	var sb strings.Builder
	sb.Grow(n)
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		sb.WriteByte(byte('0' + d.Int64()))
	}
	return sb.String()
}
