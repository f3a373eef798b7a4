// Package gitwatch implements the Git Watcher (spec §4.1): it keeps a
// local working copy of each configured repository current and summarizes
// what the reconciler cares about. Clone/fetch/tag-listing is done with
// go-git/go-git rather than shelling out to the git binary, grounded on
// rancher-charts-build-scripts/pkg/puller/gitrepository.go and
// pkg/git/gogit.go.
package gitwatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/stackwatch/stackwatch/internal/config"
	"github.com/stackwatch/stackwatch/internal/errs"
	"github.com/stackwatch/stackwatch/internal/fingerprint"
)

// WorkingCopy is the local clone of one watched repository.
type WorkingCopy struct {
	Dir string
}

// Watcher owns one working copy directory per configured repository,
// rooted under BaseDir.
type Watcher struct {
	BaseDir string
}

func New(baseDir string) *Watcher {
	return &Watcher{BaseDir: baseDir}
}

func (w *Watcher) dirFor(repoID string) string {
	return filepath.Join(w.BaseDir, "repos", repoID)
}

// Sync clones the repository on first call, or fetches and fast-forwards
// on subsequent calls. It resolves the commit id of the branch tip, and,
// when tag-sync applies, the highest-sorted matching tag among all of the
// repository's tags; whether that tag is reachable from the tip is not
// checked. No matching tag is reported by leaving matchedTag empty — not
// an error (spec §4.1).
func (w *Watcher) Sync(ctx context.Context, repo config.GitRepository, tagSync bool) (resolvedRef string, matchedTag string, err error) {
	dir := w.dirFor(repo.ID)
	auth := authMethod(repo)

	r, syncErr := w.openOrClone(ctx, dir, repo, auth)
	if syncErr != nil {
		if cleanErr := os.RemoveAll(dir); cleanErr == nil {
			r, syncErr = w.openOrClone(ctx, dir, repo, auth)
		}
		if syncErr != nil {
			return "", "", errs.Wrap(errs.TransientIO, "sync %s: %w", repo.ID, syncErr)
		}
	}

	head, err := r.Head()
	if err != nil {
		return "", "", errs.Wrap(errs.TransientIO, "sync %s: resolve HEAD: %w", repo.ID, err)
	}
	resolvedRef = head.Hash().String()

	if tagSync && repo.Tags != nil {
		tag, err := highestMatchingTag(r, repo.Tags)
		if err != nil {
			return "", "", errs.Wrap(errs.TransientIO, "sync %s: list tags: %w", repo.ID, err)
		}
		if tag != "" {
			matchedTag = tag
			if ref, err := r.Tag(tag); err == nil {
				if obj, err := r.ResolveRevision(plumbing.Revision(ref.Hash().String())); err == nil {
					resolvedRef = obj.String()
				}
			}
		}
	}

	return resolvedRef, matchedTag, nil
}

func (w *Watcher) openOrClone(ctx context.Context, dir string, repo config.GitRepository, auth transport.AuthMethod) (*gogit.Repository, error) {
	if _, err := os.Stat(filepath.Join(dir, ".git")); errors.Is(err, fs.ErrNotExist) {
		r, err := gogit.PlainCloneContext(ctx, dir, false, &gogit.CloneOptions{
			URL:           repo.URL,
			Auth:          auth,
			ReferenceName: plumbing.NewBranchReferenceName(branchOrDefault(repo.Branch)),
			SingleBranch:  true,
			Depth:         1,
			Tags:          gogit.AllTags,
		})
		if err != nil {
			return nil, fmt.Errorf("clone: %w", err)
		}
		return r, nil
	}

	r, err := gogit.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	branch := branchOrDefault(repo.Branch)
	err = r.FetchContext(ctx, &gogit.FetchOptions{
		Auth: auth,
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch)),
		},
		Tags:  gogit.AllTags,
		Force: true,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	wt, err := r.Worktree()
	if err != nil {
		return nil, fmt.Errorf("worktree: %w", err)
	}
	remoteRef := plumbing.NewRemoteReferenceName("origin", branch)
	if ref, err := r.Reference(remoteRef, true); err == nil {
		if err := wt.Checkout(&gogit.CheckoutOptions{Hash: ref.Hash(), Force: true}); err != nil {
			return nil, fmt.Errorf("checkout fast-forward: %w", err)
		}
	}

	return r, nil
}

func branchOrDefault(branch string) string {
	if branch == "" {
		return "main"
	}
	return branch
}

func authMethod(repo config.GitRepository) transport.AuthMethod {
	if repo.Username == "" && repo.Password == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: repo.Username, Password: repo.Password}
}

func highestMatchingTag(r *gogit.Repository, pattern *config.Pattern) (string, error) {
	tagsIter, err := r.Tags()
	if err != nil {
		return "", err
	}
	defer tagsIter.Close()

	var matches []string
	err = tagsIter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		if pattern.Compiled.MatchString(name) {
			matches = append(matches, name)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// Fingerprint globs the working copy for each configured path selector and
// emits a (repo.id, path, sha256|0) triple per matched file (spec §4.1).
// Missing paths contribute a zero hash rather than failing the cycle.
func (w *Watcher) Fingerprint(repo config.GitRepository, resolvedRef string, paths []string) ([]fingerprint.SourceEntry, error) {
	dir := w.dirFor(repo.ID)
	var entries []fingerprint.SourceEntry

	for _, selector := range paths {
		matches, err := filepath.Glob(filepath.Join(dir, selector))
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", selector, err)
		}
		if len(matches) == 0 {
			entries = append(entries, fingerprint.SourceEntry{
				RepoID: repo.ID, ResolvedRef: resolvedRef, Path: selector, ContentHash: "0",
			})
			continue
		}
		for _, m := range matches {
			hash, err := hashFile(m)
			if err != nil {
				return nil, fmt.Errorf("hash %q: %w", m, err)
			}
			rel, err := filepath.Rel(dir, m)
			if err != nil {
				rel = m
			}
			entries = append(entries, fingerprint.SourceEntry{
				RepoID: repo.ID, ResolvedRef: resolvedRef, Path: rel, ContentHash: hash,
			})
		}
	}
	return entries, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "0", nil
		}
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Dir returns the working copy directory for a repo id, used by the
// Recipe Engine's staging step.
func (w *Watcher) Dir(repoID string) string {
	return w.dirFor(repoID)
}
