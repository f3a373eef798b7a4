// Package registrywatch implements the Registry Watcher (spec §4.2): it
// resolves image references to content digests against private and public
// registries. Resolution goes through google/go-containerregistry rather
// than hand-rolled Docker Distribution HEAD requests, grounded on
// rancher-charts-build-scripts/pkg/registries/remote.go and cosign.go.
package registrywatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1remote "github.com/google/go-containerregistry/pkg/v1/remote"
	"golang.org/x/sync/errgroup"

	"github.com/stackwatch/stackwatch/internal/config"
	"github.com/stackwatch/stackwatch/internal/errs"
	"github.com/stackwatch/stackwatch/internal/fingerprint"
)

// Watcher resolves image references against a set of configured private
// registries, falling back to anonymous access for everything else.
type Watcher struct {
	registries []config.Registry
}

func New(registries []config.Registry) *Watcher {
	return &Watcher{registries: registries}
}

func (w *Watcher) keychain(ref name.Reference) authn.Authenticator {
	reg := ref.Context().RegistryStr()
	for _, r := range w.registries {
		if matchesRegistry(r.URL, reg) {
			return &authn.Basic{Username: r.Username, Password: r.Password}
		}
	}
	return authn.Anonymous
}

func matchesRegistry(configuredURL, host string) bool {
	u := configuredURL
	for _, prefix := range []string{"https://", "http://"} {
		if len(u) > len(prefix) && u[:len(prefix)] == prefix {
			u = u[len(prefix):]
		}
	}
	return u == host
}

// Resolve returns the content digest for an image reference, using
// go-containerregistry's remote.Head with a short retry backoff (three
// steps starting at 200ms, doubling) so a flaky registry doesn't fail the
// cycle outright (spec §4.2).
func (w *Watcher) Resolve(ctx context.Context, imageRef string) (string, error) {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return "", errs.Wrap(errs.TransientIO, "parse image ref %q: %w", imageRef, err)
	}

	desc, err := v1remote.Head(ref,
		v1remote.WithContext(ctx),
		v1remote.WithAuth(w.keychain(ref)),
		v1remote.WithRetryBackoff(v1remote.Backoff{
			Duration: 200 * time.Millisecond,
			Factor:   2.0,
			Jitter:   0.1,
			Steps:    3,
		}),
	)
	if err != nil {
		return "", errs.Wrap(errs.TransientIO, "resolve %q: %w", imageRef, err)
	}
	return desc.Digest.String(), nil
}

// Fingerprint resolves every image reference in refs concurrently and
// returns the sorted (ref, digest) pairs consumed by
// fingerprint.ImagesFingerprint (spec §4.2). A single unresolved reference
// fails the whole fingerprint — the reconciler treats this as a transient
// cycle failure, never a partial images_fingerprint.
func (w *Watcher) Fingerprint(ctx context.Context, refs []string) ([]fingerprint.ImagePair, error) {
	pairs := make([]fingerprint.ImagePair, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			digest, err := w.Resolve(gctx, ref)
			if err != nil {
				return fmt.Errorf("image %q: %w", ref, err)
			}
			pairs[i] = fingerprint.ImagePair{Ref: ref, Digest: digest}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Ref < pairs[j].Ref })
	return pairs, nil
}
