// Package fingerprint derives the stable identity of an observed item.
//
// Two observations that differ only in width variants, letter case,
// punctuation or whitespace produce the same fingerprint, so the same story
// seen twice on one platform collapses to one row.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/platform"
)

const separator = "\x1f"

// Normalize canonicalizes a title: NFKC, case folding, and every run of
// punctuation, symbols, control characters or whitespace collapsed to one
// space, trimmed at both ends.
func Normalize(raw string) string {
	folded := cases.Fold().String(norm.NFKC.String(raw))
	var b strings.Builder
	b.Grow(len(folded))
	pendingSpace := false
	for _, r := range folded {
		if isSeparator(r) {
			pendingSpace = b.Len() > 0
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			pendingSpace = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isSeparator(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsControl(r)
}

// Of returns the fingerprint of rawTitle observed on code.
func Of(code platform.Code, rawTitle string) crawler.Fingerprint {
	return OfNormalized(Normalize(string(code)), Normalize(rawTitle))
}

// OfNormalized hashes already-normalized inputs.
func OfNormalized(normalizedPlatform, normalizedTitle string) crawler.Fingerprint {
	sum := sha256.Sum256([]byte(normalizedPlatform + separator + normalizedTitle))
	return crawler.Fingerprint(hex.EncodeToString(sum[:]))
}

// Valid reports whether fp looks like a fingerprint produced by Of.
func Valid(fp crawler.Fingerprint) bool {
	if len(fp) != sha256.Size*2 {
		return false
	}
	for _, r := range fp {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

// Hasher implements crawler.Hasher using SHA-256 for raw payloads such as
// archived listing snapshots.
type Hasher struct{}

// NewHasher returns a SHA-256 content hasher.
func NewHasher() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
