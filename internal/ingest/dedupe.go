package ingest

import "github.com/GrandMoff100/Songolo/internal/music"

// decision is the dedupe verdict for a normalized track against the
// library index.
type decision int

const (
	// decideNew: the fingerprint is not in the library.
	decideNew decision = iota
	// decideDuplicate: the track is already stored, either with the
	// same audio content or with different content when overwriting
	// was not requested.
	decideDuplicate
	// decideOverwrite: same identity, different audio content, and the
	// caller asked to replace it.
	decideOverwrite
)

// decide compares a normalized track against the existing entry for
// its fingerprint. Identical content is always a duplicate, even when
// overwrite is set: re-committing byte-identical content would produce
// an empty commit, and the stored entry already describes it. Differing
// content only replaces the stored track when overwrite is set.
func decide(existing *music.LibraryEntry, checksum string, overwrite bool) decision {
	if existing == nil {
		return decideNew
	}
	if existing.Checksum == checksum {
		return decideDuplicate
	}
	if overwrite {
		return decideOverwrite
	}
	return decideDuplicate
}
