// Package pin hashes and compares telephone PINs. Plaintext PINs never leave this
// package in any form other than the one-way digest.
package pin

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Scheme selects how a PIN digest is derived.
type Scheme string

const (
	// SchemeHMAC keys HMAC-SHA256 with the deployment salt.
	SchemeHMAC Scheme = "hmac"
	// SchemeLegacy is sha256(pin + salt), matching rows provisioned by the older tooling.
	SchemeLegacy Scheme = "legacy"
)

// MaxLength bounds accepted PIN input. DTMF collection never produces more.
const MaxLength = 32

var ErrEmptySalt = errors.New("pin: salt is empty")

// Hasher derives deterministic salted digests so users can be looked up by hash.
type Hasher struct {
	scheme Scheme
	salt   []byte
}

// NewHasher validates the scheme and returns a Hasher.
func NewHasher(scheme Scheme, salt string) (*Hasher, error) {
	if salt == "" {
		return nil, ErrEmptySalt
	}
	switch scheme {
	case "":
		scheme = SchemeHMAC
	case SchemeHMAC, SchemeLegacy:
	default:
		return nil, fmt.Errorf("pin: unknown hash scheme %q", scheme)
	}
	return &Hasher{scheme: scheme, salt: []byte(salt)}, nil
}

// Scheme reports the configured scheme.
func (h *Hasher) Scheme() Scheme { return h.scheme }

// Hash returns the hex digest for a PIN.
func (h *Hasher) Hash(pin string) string {
	switch h.scheme {
	case SchemeLegacy:
		sum := sha256.Sum256(append([]byte(pin), h.salt...))
		return hex.EncodeToString(sum[:])
	default:
		mac := hmac.New(sha256.New, h.salt)
		mac.Write([]byte(pin))
		return hex.EncodeToString(mac.Sum(nil))
	}
}

// Verify reports whether pin hashes to stored, in constant time.
func (h *Hasher) Verify(pin, stored string) bool {
	return Equal(h.Hash(pin), stored)
}

// Equal compares two digests without leaking the position of the first mismatch.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(a)), []byte(strings.ToLower(b))) == 1
}

// Valid reports whether s looks like keypad input: non-empty ASCII digits only.
func Valid(s string) bool {
	if s == "" || len(s) > MaxLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
