package vectorstore

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeForHash lower-cases, strips accents, and collapses punctuation
// and whitespace so that two documents with equivalent text coalesce to
// the same content hash.
func NormalizeForHash(text string) string {
	lower := strings.ToLower(text)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, lower)
	if err != nil {
		stripped = lower
	}
	var sb strings.Builder
	lastWasSpace := false
	for _, r := range stripped {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
			lastWasSpace = false
		default:
			if !lastWasSpace {
				sb.WriteByte(' ')
				lastWasSpace = true
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

// ContentHash returns a deterministic hex digest of the normalized text,
// used as the unique key for both vector_embeddings.content_hash and
// vector_response_cache.query_hash.
func ContentHash(text string) string {
	return contentHashText(text)
}

func contentHashText(text string) string {
	sum := sha256.Sum256([]byte(NormalizeForHash(text)))
	return hex.EncodeToString(sum[:])
}
