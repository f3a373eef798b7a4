package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSourceFingerprintStableUnderPermutation(t *testing.T) {
	a := []SourceEntry{
		{RepoID: "app", ResolvedRef: "abc", Path: "a.yml", ContentHash: "h1"},
		{RepoID: "app", ResolvedRef: "abc", Path: "b.yml", ContentHash: "h2"},
	}
	b := []SourceEntry{a[1], a[0]}

	assert.Equal(t, SourceFingerprint(a, ""), SourceFingerprint(b, ""))
}

func TestSourceFingerprintChangesWithTag(t *testing.T) {
	entries := []SourceEntry{{RepoID: "app", ResolvedRef: "abc", Path: "a.yml", ContentHash: "h1"}}
	withoutTag := SourceFingerprint(entries, "")
	withTag := SourceFingerprint(entries, "v1.2.3")

	assert.NotEqual(t, withoutTag, withTag)
}

func TestSourceFingerprintMissingFileContributesZero(t *testing.T) {
	entries := []SourceEntry{{RepoID: "app", ResolvedRef: "abc", Path: "missing.yml", ContentHash: "0"}}
	assert.NotPanics(t, func() { SourceFingerprint(entries, "") })
}

func TestImagesFingerprintStableUnderPermutation(t *testing.T) {
	a := []ImagePair{{Ref: "app/web:latest", Digest: "sha256:aaa"}, {Ref: "app/api:latest", Digest: "sha256:bbb"}}
	b := []ImagePair{a[1], a[0]}
	assert.Equal(t, ImagesFingerprint(a), ImagesFingerprint(b))
}

func TestImagesFingerprintChangesOnDigestChange(t *testing.T) {
	before := []ImagePair{{Ref: "app/web:latest", Digest: "sha256:aaa"}}
	after := []ImagePair{{Ref: "app/web:latest", Digest: "sha256:ccc"}}
	assert.NotEqual(t, ImagesFingerprint(before), ImagesFingerprint(after))
}
