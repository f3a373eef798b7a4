// Package reconciler drives the single scheduler loop that sequences the
// Git Watcher, Registry Watcher, Recipe Engine, Orchestrator Client, and
// Notifier (spec §4.6). It owns the only mutable cross-cycle state:
// last_source_fp, last_images_fp, last_deployed_stack_digest, last_ok_at,
// last_error, consecutive_failures (spec §3 "Deployment state").
package reconciler

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stackwatch/stackwatch/internal/config"
	"github.com/stackwatch/stackwatch/internal/errs"
	"github.com/stackwatch/stackwatch/internal/fingerprint"
	"github.com/stackwatch/stackwatch/internal/notify"
	"github.com/stackwatch/stackwatch/internal/orchestrator"
	"github.com/stackwatch/stackwatch/internal/recipe"
)

// Phase names the reconciler's current state (spec §4.6 state table).
type Phase int

const (
	Idle Phase = iota
	Observing
	Evaluating
	Deploying
	Notifying
	Failing
	Stopping
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "Idle"
	case Observing:
		return "Observing"
	case Evaluating:
		return "Evaluating"
	case Deploying:
		return "Deploying"
	case Notifying:
		return "Notifying"
	case Failing:
		return "Failing"
	case Stopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// DeploymentState is the single owned record mutated at the end of each
// cycle (spec §3 "Deployment state"). It is never a package-level
// singleton — the Reconciler holds exactly one instance, injected at
// construction (spec §9 "Global mutable state").
type DeploymentState struct {
	mu sync.RWMutex

	LastSourceFP            fingerprint.Digest
	LastImagesFP            fingerprint.Digest
	LastDeployedStackDigest string
	LastOKAt                time.Time
	LastError               string
	ConsecutiveFailures     int
}

// Snapshot returns a copy safe to read concurrently, used by the health
// surface extension (spec §9 "last_error field observable via the health
// endpoint").
func (s *DeploymentState) Snapshot() DeploymentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return DeploymentState{
		LastSourceFP:            s.LastSourceFP,
		LastImagesFP:            s.LastImagesFP,
		LastDeployedStackDigest: s.LastDeployedStackDigest,
		LastOKAt:                s.LastOKAt,
		LastError:               s.LastError,
		ConsecutiveFailures:     s.ConsecutiveFailures,
	}
}

func (s *DeploymentState) recordSuccess(sourceFP, imagesFP fingerprint.Digest, stackDigest string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastSourceFP = sourceFP
	s.LastImagesFP = imagesFP
	if stackDigest != "" {
		s.LastDeployedStackDigest = stackDigest
	}
	s.LastOKAt = now
	s.LastError = ""
	s.ConsecutiveFailures = 0
}

func (s *DeploymentState) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastError = err.Error()
	s.ConsecutiveFailures++
}

// GitWatcher is the subset of internal/gitwatch.Watcher the reconciler
// depends on, injected so tests can substitute a stub (spec §9 "Inject the
// record, the clock, the HTTP clients, and the subprocess runner so they
// are substitutable in tests").
type GitWatcher interface {
	Sync(ctx context.Context, repo config.GitRepository, tagSync bool) (resolvedRef, matchedTag string, err error)
	Fingerprint(repo config.GitRepository, resolvedRef string, paths []string) ([]fingerprint.SourceEntry, error)
}

// RegistryWatcher is the subset of internal/registrywatch.Watcher the
// reconciler depends on.
type RegistryWatcher interface {
	Fingerprint(ctx context.Context, refs []string) ([]fingerprint.ImagePair, error)
}

// RecipeEngine is the subset of internal/recipe.Engine the reconciler
// depends on.
type RecipeEngine interface {
	Run(ctx context.Context, r config.Recipe) (*recipe.Result, error)
}

// OrchestratorClient is the subset of internal/orchestrator.Client the
// reconciler depends on.
type OrchestratorClient interface {
	Deploy(ctx context.Context, stackContent []byte, lastDeployedDigest, currentDigest string) (*orchestrator.DeployOutcome, error)
	Verify(ctx context.Context, stackID int, deadline time.Duration) error
}

// Reconciler sequences one reconciliation cycle end to end.
type Reconciler struct {
	cfg           *config.Config
	git           GitWatcher
	registries    RegistryWatcher
	recipe        RecipeEngine
	orchestrators []OrchestratorClient
	notifier      *notify.Dispatcher
	state         *DeploymentState
	logger        *slog.Logger

	Now func() time.Time

	running sync.Mutex
	// lastImageRefs is the image reference list from the most recently
	// produced stack descriptor (spec §4.2 "the most recent stack
	// descriptor"); it lets Evaluating recompute the images fingerprint
	// without re-running the Recipe Engine every cycle. Accessed only
	// from within the single-flight cycle, so it needs no lock of its own.
	lastImageRefs []string
}

type Options struct {
	Config        *config.Config
	Git           GitWatcher
	Registries    RegistryWatcher
	Recipe        RecipeEngine
	Orchestrators []OrchestratorClient
	Notifier      *notify.Dispatcher
	State         *DeploymentState
	Logger        *slog.Logger
}

func New(opts Options) *Reconciler {
	now := time.Now
	return &Reconciler{
		cfg:           opts.Config,
		git:           opts.Git,
		registries:    opts.Registries,
		recipe:        opts.Recipe,
		orchestrators: opts.Orchestrators,
		notifier:      opts.Notifier,
		state:         opts.State,
		logger:        opts.Logger.With("component", "reconciler"),
		Now:           now,
	}
}

// State exposes the deployment state for the health surface.
func (r *Reconciler) State() *DeploymentState { return r.state }

const maxBackoffMultiplier = 16
const maxBackoffDuration = 15 * time.Minute

// Run owns the scheduler: one cycle every polling_interval seconds,
// counted from the end of the previous cycle, with ±10% jitter (spec
// §4.6 "Scheduling"). It returns when ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		cycleErr := r.runCycle(ctx)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := r.nextInterval(cycleErr)
		r.logger.Info("cycle finished", "next_in", wait, "error", cycleErr)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// nextInterval applies the backoff policy: on failure the interval is
// multiplied by min(2^consecutive_failures, 16) and clamped at 15 minutes;
// success resets to the base interval (spec §4.6 "Backoff"). Jitter of
// ±10% is applied to every wakeup, success or failure, to avoid lockstep.
func (r *Reconciler) nextInterval(cycleErr error) time.Duration {
	base := r.cfg.PollingInterval()
	snapshot := r.state.Snapshot()

	interval := base
	if cycleErr != nil {
		multiplier := math.Min(math.Pow(2, float64(snapshot.ConsecutiveFailures)), maxBackoffMultiplier)
		interval = time.Duration(float64(base) * multiplier)
		if interval > maxBackoffDuration {
			interval = maxBackoffDuration
		}
	}

	jitter := 1 + (rand.Float64()*0.2 - 0.1)
	return time.Duration(float64(interval) * jitter)
}

// runCycle enforces single-flight: TryLock means a slow cycle is never
// overlapped by the next wakeup (spec §3 invariant, §4.6 "Single-flight";
// §8 property 5).
func (r *Reconciler) runCycle(ctx context.Context) error {
	if !r.running.TryLock() {
		r.logger.Warn("skipping cycle: previous cycle still running")
		return nil
	}
	defer r.running.Unlock()

	err := r.cycle(ctx)
	if err != nil {
		if ctx.Err() != nil && errs.KindOf(err) != errs.Cancelled {
			err = errs.Wrap(errs.Cancelled, "cycle cancelled: %w", err)
		}
		if errs.KindOf(err) == errs.Cancelled {
			return err
		}
		r.state.recordFailure(err)
		r.logger.Error("cycle failed", "kind", errs.KindOf(err), "error", err)
		return err
	}
	return nil
}

// cycle runs Observing -> Evaluating -> (Deploying -> Notifying | Idle).
// A cycle either completes fully and updates last_* atomically, or aborts
// without mutating state (spec §3 invariant) — recordSuccess /
// recordFailure are the only mutation points, both called exactly once,
// at the very end.
func (r *Reconciler) cycle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.Cancelled, "cycle cancelled before observing: %w", err)
	}

	sourceEntries, matchedTag, err := r.observeSources(ctx)
	if err != nil {
		return err
	}

	sourceFP := fingerprint.SourceFingerprint(sourceEntries, r.tagForFingerprint(matchedTag))

	// Registry resolution reads against the most recently produced stack
	// descriptor's image list (spec §4.2), not a freshly regenerated one —
	// the Recipe Engine itself only runs once a change is confirmed (spec
	// §2 data flow: "Reconciler → (if changed) Recipe Engine").
	imagePairs, err := r.registries.Fingerprint(ctx, r.lastImageRefs)
	if err != nil {
		return err
	}
	imagesFP := fingerprint.ImagesFingerprint(imagePairs)

	snapshot := r.state.Snapshot()
	changed := sourceFP != snapshot.LastSourceFP || imagesFP != snapshot.LastImagesFP
	firstCycle := snapshot.LastOKAt.IsZero()

	if !changed && !firstCycle {
		r.state.recordSuccess(sourceFP, imagesFP, snapshot.LastDeployedStackDigest, r.Now())
		return nil
	}

	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.Cancelled, "cycle cancelled before deploy: %w", err)
	}

	stagedResult, err := r.recipe.Run(ctx, r.cfg.Main.DockerStackRecipe)
	if err != nil {
		return err
	}
	stackDigest := string(fingerprint.OfBytes(stagedResult.Bytes))

	// The images fingerprint just compared may be stale relative to this
	// fresh descriptor (a source change can add/remove image references).
	// Re-resolve against the descriptor actually being deployed so
	// last_images_fp reflects what was sent, then cache its ref list for
	// the next cycle's Evaluating phase.
	freshImageRefs := stagedResult.Document.ImageRefs()
	imagePairs, err = r.registries.Fingerprint(ctx, freshImageRefs)
	if err != nil {
		return err
	}
	imagesFP = fingerprint.ImagesFingerprint(imagePairs)

	var lastDeployOutcome *orchestrator.DeployOutcome
	for _, client := range r.orchestrators {
		outcome, err := client.Deploy(ctx, stagedResult.Bytes, snapshot.LastDeployedStackDigest, stackDigest)
		if err != nil {
			return err
		}
		if outcome.StackID != 0 {
			if err := client.Verify(ctx, outcome.StackID, 0); err != nil {
				return err
			}
		}
		lastDeployOutcome = outcome
	}

	r.lastImageRefs = freshImageRefs
	r.state.recordSuccess(sourceFP, imagesFP, stackDigest, r.Now())

	if lastDeployOutcome != nil && !lastDeployOutcome.NoOp && r.notifier != nil {
		r.notifier.Send(ctx, notify.Alert{
			StackName: r.stackName(),
			OldDigest: snapshot.LastDeployedStackDigest,
			NewDigest: stackDigest,
			Message:   "deployed",
		})
	}

	return nil
}

// stackName is used only to label outgoing notifications; when multiple
// orchestrator instances are configured with different names the first
// configured one is used as a representative label.
func (r *Reconciler) stackName() string {
	if len(r.cfg.Main.Portainer) == 0 {
		return ""
	}
	return r.cfg.Main.Portainer[0].StackName
}

// tagForFingerprint returns matchedTag only when tag-sync is enabled, so
// an untagged commit never contributes a tag to the source fingerprint.
// The tag is one input next to the resolved refs and file hashes: a new
// untagged commit that changes a tracked file still changes the source
// fingerprint and triggers a deploy, and a cycle in which no tag matched
// proceeds like any other cycle.
func (r *Reconciler) tagForFingerprint(matchedTag string) string {
	if !r.cfg.Main.SyncedViaTags {
		return ""
	}
	return matchedTag
}

// observeSources fans out Git Watcher syncs across all watched
// repositories concurrently (spec §5 "Multiple watchers within a cycle
// may fan out concurrently for independent repositories... results are
// joined before evaluation").
func (r *Reconciler) observeSources(ctx context.Context) ([]fingerprint.SourceEntry, string, error) {
	repos := r.cfg.Main.WatchedGitRepositories
	allEntries := make([][]fingerprint.SourceEntry, len(repos))
	matchedTags := make([]string, len(repos))

	g, gctx := errgroup.WithContext(ctx)
	for i, repo := range repos {
		i, repo := i, repo
		g.Go(func() error {
			resolvedRef, matchedTag, err := r.git.Sync(gctx, repo, r.cfg.Main.SyncedViaTags)
			if err != nil {
				return err
			}
			entries, err := r.git.Fingerprint(repo, resolvedRef, repo.Paths)
			if err != nil {
				return err
			}
			allEntries[i] = entries
			matchedTags[i] = matchedTag
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, "", err
	}

	var entries []fingerprint.SourceEntry
	var combinedTag string
	for i := range repos {
		entries = append(entries, allEntries[i]...)
		if matchedTags[i] != "" {
			combinedTag = matchedTags[i]
		}
	}
	return entries, combinedTag, nil
}
