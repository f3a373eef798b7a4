// Package fingerprint computes the two digests the reconciler compares
// across cycles to decide whether a redeploy is required (spec §3).
//
// A fingerprint is never a commitment to anything outside this process;
// it exists only to answer "did anything I care about change since the
// last cycle". Both kinds are produced by sorting a set of tuples into a
// canonical order, joining them with a stable separator, and hashing the
// result with SHA-256 (via opencontainers/go-digest, which the rest of the
// pack already uses for content-addressed image references).
package fingerprint

import (
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Digest is a fixed-width content digest used purely for equality checks.
type Digest = digest.Digest

// SourceEntry is one (repo, resolved-ref, path, file-content-digest) tuple
// contributing to the source fingerprint. A missing path contributes ContentHash == "0".
type SourceEntry struct {
	RepoID      string
	ResolvedRef string
	Path        string
	ContentHash string // hex sha256, or "0" for a missing file
}

// ImagePair is one (image-reference, resolved-digest) pair contributing to
// the images fingerprint.
type ImagePair struct {
	Ref    string
	Digest string
}

const fieldSep = "\x1f"
const recordSep = "\x1e"

// SourceFingerprint hashes the sorted (repo-id, resolved-ref, path,
// file-content-digest) tuples, plus the matched tag name when tag-sync is
// enabled. Sorting makes the result stable under permutation of the
// configured path selectors (spec §8 property 2).
func SourceFingerprint(entries []SourceEntry, matchedTag string) Digest {
	records := make([]string, 0, len(entries))
	for _, e := range entries {
		records = append(records, strings.Join([]string{e.RepoID, e.ResolvedRef, e.Path, e.ContentHash}, fieldSep))
	}
	sort.Strings(records)
	if matchedTag != "" {
		records = append(records, "tag"+fieldSep+matchedTag)
	}
	return digest.Canonical.FromString(strings.Join(records, recordSep))
}

// ImagesFingerprint hashes the sorted (ref, digest) pairs drawn from the
// most recently rendered stack descriptor.
func ImagesFingerprint(pairs []ImagePair) Digest {
	records := make([]string, 0, len(pairs))
	for _, p := range pairs {
		records = append(records, strings.Join([]string{p.Ref, p.Digest}, fieldSep))
	}
	sort.Strings(records)
	return digest.Canonical.FromString(strings.Join(records, recordSep))
}

// OfBytes hashes an arbitrary byte sequence, used for
// last_deployed_stack_digest over the canonical serialized stack document.
func OfBytes(b []byte) Digest {
	return digest.Canonical.FromBytes(b)
}
