// Package recipe implements the Recipe Engine (spec §4.3): it turns source
// working copies plus a recipe into a deployable stack descriptor by
// staging files, optionally running a shell command, reading back the
// result, applying structural rewrites, and emitting canonical YAML.
package recipe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"

	"github.com/stackwatch/stackwatch/internal/config"
	"github.com/stackwatch/stackwatch/internal/errs"
	"github.com/stackwatch/stackwatch/internal/stackdoc"
)

// WorkdirProvider resolves a repo id to its working copy directory; the
// Git Watcher implements this in production, tests supply a stub.
type WorkdirProvider interface {
	Dir(repoID string) string
}

// Engine runs the stage/execute/read/rewrite/emit protocol.
type Engine struct {
	Provider WorkdirProvider
	ScratchBase string
	CommandTimeout time.Duration
}

func New(provider WorkdirProvider, scratchBase string) *Engine {
	return &Engine{Provider: provider, ScratchBase: scratchBase, CommandTimeout: 120 * time.Second}
}

// Result is the outcome of one recipe run: the rewritten document and the
// exact serialized bytes whose digest becomes last_deployed_stack_digest
// (spec §3 invariant: "applied to the orchestrator is always the exact
// byte sequence used to compute last_deployed_stack_digest").
type Result struct {
	Document *stackdoc.Document
	Bytes    []byte
}

// Run executes the full protocol and returns the rewritten, canonically
// serialized stack descriptor.
func (e *Engine) Run(ctx context.Context, r config.Recipe) (*Result, error) {
	workdir, cleanup, err := e.resolveWorkdir(r.Workdir)
	if err != nil {
		return nil, errs.Wrap(errs.RecipeFailed, "resolve workdir: %w", err)
	}
	defer cleanup()

	if err := e.stage(workdir, r.Files); err != nil {
		return nil, errs.Wrap(errs.RecipeFailed, "stage: %w", err)
	}

	if r.Command != "" {
		if err := e.execute(ctx, workdir, r.Command); err != nil {
			return nil, errs.Wrap(errs.RecipeFailed, "execute: %w", err)
		}
	}
	// Open question resolution (spec §9): an empty command is not an
	// error — the staged stack_file is read directly.

	doc, err := e.read(workdir, r.StackFile)
	if err != nil {
		return nil, errs.Wrap(errs.RecipeFailed, "read: %w", err)
	}

	if err := rewrite(doc, r); err != nil {
		return nil, errs.Wrap(errs.RecipeFailed, "rewrite: %w", err)
	}

	out, err := doc.Marshal()
	if err != nil {
		return nil, errs.Wrap(errs.RecipeFailed, "emit: %w", err)
	}

	return &Result{Document: doc, Bytes: out}, nil
}

// resolveWorkdir computes the effective working directory (spec §4.3 step
// 1). A temporary workdir is a freshly created, empty scratch directory —
// the invariant "a non-empty working directory used by the Recipe Engine
// is cleaned before reuse" (spec §3) is satisfied by always creating a
// fresh uuid-named directory rather than reusing one.
func (e *Engine) resolveWorkdir(spec config.WorkdirSpec) (dir string, cleanup func(), err error) {
	if spec.Kind == config.WorkdirRepo {
		return e.Provider.Dir(spec.RepoID), func() {}, nil
	}

	dir = filepath.Join(e.ScratchBase, "scratch", uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

// stage copies each (repo-id, relative-paths) selection into workdir,
// preserving relative structure; copies overwrite (spec §4.3 step 1).
func (e *Engine) stage(workdir string, files []config.RecipeFile) error {
	for _, f := range files {
		srcRoot := e.Provider.Dir(f.ID)
		for _, selector := range f.Paths {
			matches, err := filepath.Glob(filepath.Join(srcRoot, selector))
			if err != nil {
				return fmt.Errorf("glob %q for repo %q: %w", selector, f.ID, err)
			}
			if len(matches) == 0 {
				return fmt.Errorf("no files matched %q for repo %q", selector, f.ID)
			}
			for _, src := range matches {
				rel, err := filepath.Rel(srcRoot, src)
				if err != nil {
					rel = filepath.Base(src)
				}
				dst := filepath.Join(workdir, rel)
				if err := copyFile(src, dst); err != nil {
					return fmt.Errorf("copy %q: %w", src, err)
				}
			}
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	// Staging a repo's files into that same repo's working copy copies a
	// file onto itself; opening dst with O_TRUNC would empty it first.
	if dstInfo, err := os.Stat(dst); err == nil {
		if srcInfo, err := os.Stat(src); err == nil && os.SameFile(srcInfo, dstInfo) {
			return nil
		}
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// execute runs the recipe's shell command with /bin/sh -c, inheriting the
// process environment (spec §4.3 step 2). The command is treated as an
// opaque subprocess — its text is never interpolated, only the
// already-rendered string from configuration is passed as a single
// argument (spec §9 "Shell recipe").
func (e *Engine) execute(ctx context.Context, workdir, command string) error {
	timeout := e.CommandTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = workdir
	cmd.Env = os.Environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command %q: %w (stdout=%q stderr=%q)", command, err, stdout.String(), stderr.String())
	}
	return nil
}

// read loads the stack file from the working directory (spec §4.3 step 3).
func (e *Engine) read(workdir, stackFile string) (*stackdoc.Document, error) {
	data, err := os.ReadFile(filepath.Join(workdir, stackFile))
	if err != nil {
		return nil, fmt.Errorf("read stack file %q: %w", stackFile, err)
	}
	return stackdoc.Parse(data)
}

// rewrite applies the four structural rewrite steps in the specified
// order (spec §4.3 step 4), each total over whatever is present.
func rewrite(doc *stackdoc.Document, r config.Recipe) error {
	// original maps each service's current name back to the name it had
	// before prefixing, so excludeServices can match excluded_services
	// against the pre-prefix name regardless of whether prefixing ran
	// (spec §4.3 step 4).
	original := make(map[string]string, len(doc.Services()))
	for name := range doc.Services() {
		original[name] = name
	}
	if r.ServicesPrefix != "" {
		rename := prefixServices(doc, r.ServicesPrefix)
		reprefixed := make(map[string]string, len(rename))
		for oldName, newName := range rename {
			reprefixed[newName] = original[oldName]
		}
		original = reprefixed
	}
	excludeServices(doc, r.ExcludedServices, original)
	excludeVolumes(doc, r.ExcludedVolumes)
	if len(r.AdditionalParams) > 0 {
		if err := mergeAdditionalParams(doc, r.AdditionalParams); err != nil {
			return fmt.Errorf("merge additional parameters: %w", err)
		}
	}
	return nil
}

// prefixServices renames every top-level service S to <prefix>_S and
// rewrites depends_on, links, network_mode: service:S, and extends.service
// cross-references accordingly (spec §4.3 step 4 "Prefix services"). Two
// distinct original names always map to two distinct prefixed names since
// prefixing is a pure string-concat, never a hash (spec §8 property 8).
// It returns the original -> prefixed name mapping it applied.
func prefixServices(doc *stackdoc.Document, prefix string) map[string]string {
	services := doc.Services()
	if services == nil {
		return nil
	}

	rename := make(map[string]string, len(services))
	for name := range services {
		rename[name] = prefix + "_" + name
	}

	prefixed := make(map[string]any, len(services))
	for name, svc := range services {
		m, ok := svc.(map[string]any)
		if !ok {
			prefixed[rename[name]] = svc
			continue
		}
		rewriteCrossReferences(m, rename)
		prefixed[rename[name]] = m
	}
	doc.Root["services"] = prefixed
	return rename
}

func rewriteCrossReferences(svc map[string]any, rename map[string]string) {
	if dep, ok := svc["depends_on"]; ok {
		svc["depends_on"] = renameReferenceValue(dep, rename)
	}
	if links, ok := svc["links"]; ok {
		svc["links"] = renameReferenceValue(links, rename)
	}
	if nm, ok := svc["network_mode"].(string); ok {
		const servicePrefix = "service:"
		if len(nm) > len(servicePrefix) && nm[:len(servicePrefix)] == servicePrefix {
			target := nm[len(servicePrefix):]
			if newName, ok := rename[target]; ok {
				svc["network_mode"] = servicePrefix + newName
			}
		}
	}
	if ext, ok := svc["extends"].(map[string]any); ok {
		if target, ok := ext["service"].(string); ok {
			if newName, ok := rename[target]; ok {
				ext["service"] = newName
			}
		}
	}
}

func renameReferenceValue(v any, rename map[string]string) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			if s, ok := item.(string); ok {
				if newName, ok := rename[s]; ok {
					out[i] = newName
					continue
				}
			}
			out[i] = item
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if newName, ok := rename[k]; ok {
				out[newName] = val
				continue
			}
			out[k] = val
		}
		return out
	default:
		return v
	}
}

// excludeServices drops services whose original (pre-prefix) name appears
// in excluded, and prunes depends_on entries pointing at removed services
// (spec §4.3 step 4 "Exclude services"). original maps each service's
// current (possibly prefixed) name to the name it had before prefixing,
// so a service is matched by its true original name rather than by
// reconstructing it from the prefixed string.
func excludeServices(doc *stackdoc.Document, excluded []string, original map[string]string) {
	if len(excluded) == 0 {
		return
	}
	services := doc.Services()
	if services == nil {
		return
	}
	excludedSet := make(map[string]bool, len(excluded))
	for _, e := range excluded {
		excludedSet[e] = true
	}
	drop := make(map[string]bool, len(excluded))
	for name := range services {
		if excludedSet[original[name]] {
			drop[name] = true
		}
	}
	for name := range drop {
		delete(services, name)
	}
	for _, svc := range services {
		m, ok := svc.(map[string]any)
		if !ok {
			continue
		}
		if dep, ok := m["depends_on"]; ok {
			m["depends_on"] = pruneDropped(dep, drop)
		}
	}
}

func pruneDropped(v any, drop map[string]bool) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && drop[s] {
				continue
			}
			out = append(out, item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if drop[k] {
				continue
			}
			out[k] = val
		}
		return out
	default:
		return v
	}
}

// excludeVolumes drops named top-level volumes appearing in excluded, and
// removes bind-mount entries of each remaining service that reference a
// removed volume (spec §4.3 step 4 "Exclude volumes").
func excludeVolumes(doc *stackdoc.Document, excluded []string) {
	if len(excluded) == 0 {
		return
	}
	excludedSet := make(map[string]bool, len(excluded))
	for _, v := range excluded {
		excludedSet[v] = true
	}

	if volumes := doc.Volumes(); volumes != nil {
		for name := range excludedSet {
			delete(volumes, name)
		}
	}

	services := doc.Services()
	for _, svc := range services {
		m, ok := svc.(map[string]any)
		if !ok {
			continue
		}
		vols, ok := m["volumes"].([]any)
		if !ok {
			continue
		}
		kept := make([]any, 0, len(vols))
		for _, v := range vols {
			if s, ok := v.(string); ok && referencesExcludedVolume(s, excludedSet) {
				continue
			}
			kept = append(kept, v)
		}
		m["volumes"] = kept
	}
}

func referencesExcludedVolume(mount string, excluded map[string]bool) bool {
	for i, c := range mount {
		if c == ':' {
			return excluded[mount[:i]]
		}
	}
	return excluded[mount]
}

// mergeAdditionalParams deep-merges the configured environment,
// extra_hosts, and arbitrary overlay keys into every remaining service
// (spec §4.3 step 4 "Merge additional parameters"). Merge policy: mappings
// merge key-wise with overlay winning, sequences are replaced by the
// overlay unless it is empty, scalars replace. mergo's default merge does
// not replace slices (it appends), so sequence fields are special-cased: a
// non-empty overlay slice is swapped in wholesale before the generic
// mergo.Merge runs over everything else.
func mergeAdditionalParams(doc *stackdoc.Document, overlay map[string]any) error {
	services := doc.Services()
	for _, svc := range services {
		m, ok := svc.(map[string]any)
		if !ok {
			continue
		}
		for k, v := range overlay {
			ov, isSlice := v.([]any)
			if isSlice {
				if len(ov) > 0 {
					m[k] = ov
				}
				continue
			}
			existing, hasExisting := m[k]
			if !hasExisting {
				m[k] = v
				continue
			}
			existingMap, existingIsMap := existing.(map[string]any)
			overlayMap, overlayIsMap := v.(map[string]any)
			if existingIsMap && overlayIsMap {
				if err := mergo.Merge(&existingMap, overlayMap, mergo.WithOverride); err != nil {
					return err
				}
				m[k] = existingMap
				continue
			}
			m[k] = v
		}
	}
	return nil
}

// sortedKeys is a small helper kept for callers that need deterministic
// iteration over a map for diagnostics.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
