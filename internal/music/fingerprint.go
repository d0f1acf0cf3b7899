package music

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Fingerprint derives the deterministic identity hash for a track from
// its case/whitespace-folded title and artist plus duration in whole
// seconds. Two tracks with the same fingerprint are the same logical
// track regardless of which provider produced them.
func Fingerprint(title, artist string, duration time.Duration) string {
	seconds := int(duration.Round(time.Second) / time.Second)
	material := fmt.Sprintf("%s\n%s\n%d", Fold(title), Fold(artist), seconds)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// FingerprintTags is Fingerprint applied to a canonical tag set.
func FingerprintTags(tags Tags) string {
	return Fingerprint(tags.Title, tags.Artist, tags.Duration)
}

// Checksum returns the SHA-256 hex digest of the normalized audio bytes.
// It is stored on the library entry for auditing; it plays no part in
// identity.
func Checksum(blob RawBlob) string {
	sum := sha256.Sum256(blob.Data)
	return hex.EncodeToString(sum[:])
}

// Fold lowercases a string, strips everything but letters and digits,
// and collapses runs of whitespace to a single space. Used for both
// fingerprinting and exact-match comparisons during ranking.
func Fold(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		}
	}
	return b.String()
}
