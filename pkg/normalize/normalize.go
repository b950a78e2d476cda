// Package normalize derives deterministic cache keys from user queries.
// Two queries that differ only in case, punctuation, or whitespace
// normalize to the same canonical form and therefore collide on the
// same key. That collision is the deduplication mechanism.
package normalize

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	// Unicode classes rather than \w, which is ASCII-only in Go and
	// would strip accented letters wholesale.
	nonWord    = regexp.MustCompile(`[^\p{L}\p{N}_\s]`)
	whitespace = regexp.MustCompile(`\s+`)
)

// Normalize lowercases the query, strips punctuation, and collapses
// whitespace runs to single spaces. It is total on any input (including
// the empty string) and idempotent.
func Normalize(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = nonWord.ReplaceAllString(s, "")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Digest returns the MD5 hex digest of a normalized query. MD5 is fine
// here: the digest is a dedup key, not a security boundary.
func Digest(normalized string) string {
	sum := md5.Sum([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Key builds a namespaced cache key for a raw query.
func Key(prefix, query string) string {
	return prefix + Digest(Normalize(query))
}
