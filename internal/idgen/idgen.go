// Package idgen generates referral codes backed by nanoid.
package idgen

import (
	"fmt"
	"strings"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// CodePrefix is prepended to every referral code.
const CodePrefix = "WC-"

// CodeAlphabet omits characters that are easy to misread when a code is
// typed by hand (0/O, 1/I/L).
const CodeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// CodeLength is the number of random characters after the prefix.
const CodeLength = 8

// ReferralCode returns a new shareable referral code. Uniqueness is
// enforced by the store; callers retry on collision.
func ReferralCode() (string, error) {
	id, err := nanoid.Generate(CodeAlphabet, CodeLength)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return CodePrefix + id, nil
}

// IsReferralCode reports whether s has the shape of a generated code.
func IsReferralCode(s string) bool {
	if len(s) != len(CodePrefix)+CodeLength || s[:len(CodePrefix)] != CodePrefix {
		return false
	}
	for _, r := range s[len(CodePrefix):] {
		if !strings.ContainsRune(CodeAlphabet, r) {
			return false
		}
	}
	return true
}
