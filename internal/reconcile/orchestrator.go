package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Options configures an Orchestrator.
type Options struct {
	// Concurrency caps how many resources are reconciled at once (default 1).
	Concurrency int

	// RateLimitRPS bounds admin calls per second across all resources (default 10).
	RateLimitRPS float64

	// MaxAttempts bounds restarts of one resource after transient failures (default 3).
	MaxAttempts int

	// CheckMode computes diffs without applying them.
	CheckMode bool
}

// Orchestrator coordinates reconciliation across all resource kinds.
// It's backend-agnostic - all kind-specific logic lives in backends.
type Orchestrator struct {
	backends map[Kind]ConfigBackend
	limiter  *rate.Limiter

	concurrency int
	maxAttempts int
	checkMode   bool
}

// NewOrchestrator creates a new reconciliation orchestrator.
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.RateLimitRPS == 0 {
		opts.RateLimitRPS = 10.0
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}

	burst := int(opts.RateLimitRPS)
	if burst < 1 {
		burst = 1
	}

	return &Orchestrator{
		backends:    make(map[Kind]ConfigBackend),
		limiter:     rate.NewLimiter(rate.Limit(opts.RateLimitRPS), burst),
		concurrency: opts.Concurrency,
		maxAttempts: opts.MaxAttempts,
		checkMode:   opts.CheckMode,
	}
}

// Register adds a config backend.
func (o *Orchestrator) Register(backend ConfigBackend) {
	o.backends[backend.Kind()] = backend
}

// Reconcile converges every desired resource and returns one outcome per
// input, in input order. A resource failure never stops the others; only a
// ConnectionError aborts the run, in which case resources not yet processed
// are reported as failed and the error is returned.
func (o *Orchestrator) Reconcile(ctx context.Context, desired []DesiredConfig) ([]Outcome, error) {
	outcomes := make([]Outcome, len(desired))
	processed := make([]bool, len(desired))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

	for i, d := range desired {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			out, err := o.reconcileOne(gctx, d)
			outcomes[i] = out
			processed[i] = true
			if IsConnectionError(err) {
				return err
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	for i := range outcomes {
		if !processed[i] {
			outcomes[i] = aborted(desired[i].Ref, err)
		}
	}

	return outcomes, err
}

// Aborted reports every desired resource as failed because the run could
// not proceed, for example when the cluster is unreachable at startup.
func Aborted(desired []DesiredConfig, err error) []Outcome {
	outcomes := make([]Outcome, len(desired))
	for i, d := range desired {
		outcomes[i] = aborted(d.Ref, err)
	}
	return outcomes
}

func aborted(ref ResourceRef, err error) Outcome {
	reason := "run aborted"
	if err != nil {
		reason = fmt.Sprintf("run aborted: %v", err)
	}
	return Outcome{Ref: ref, Status: StatusFailed, Reason: reason, Err: err}
}

// DesiredSource supplies the desired configs for periodic runs.
type DesiredSource interface {
	Desired() []DesiredConfig

	// Changed fires when a new set is available. A nil channel never fires.
	Changed() <-chan struct{}
}

// StaticSource is a DesiredSource that never changes.
type StaticSource []DesiredConfig

// Desired implements DesiredSource.
func (s StaticSource) Desired() []DesiredConfig { return s }

// Changed implements DesiredSource.
func (s StaticSource) Changed() <-chan struct{} { return nil }

// Run reconciles on every tick, and right away when the source changes,
// until ctx is cancelled. Each result is passed to report.
func (o *Orchestrator) Run(ctx context.Context, source DesiredSource, interval time.Duration, report func(Result)) error {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	log.Info().Dur("periodic_interval", interval).Int("resources", len(source.Desired())).Msg("Orchestrator started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		outcomes, err := o.Reconcile(ctx, source.Desired())
		if ctx.Err() != nil {
			log.Info().Msg("Orchestrator stopping")
			return nil
		}
		report(Summarize(outcomes))
		if IsConnectionError(err) {
			return err
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Orchestrator stopping")
			return nil
		case <-ticker.C:
		case <-source.Changed():
			log.Info().Int("resources", len(source.Desired())).Msg("Desired configs changed, reconciling now")
		}
	}
}

func (o *Orchestrator) reconcileOne(ctx context.Context, desired DesiredConfig) (Outcome, error) {
	ref := desired.Ref
	out := Outcome{Ref: ref}

	backend, ok := o.backends[ref.Kind]
	if !ok {
		return failed(out, fmt.Errorf("no backend registered for %s resources", ref.Kind)), nil
	}

	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		log.Debug().Str("resource", ref.String()).Int("attempt", attempt).Msg("Reconciling resource")

		err := o.attempt(ctx, backend, desired, &out)
		if err == nil {
			return out, nil
		}
		if IsConnectionError(err) {
			return failed(out, err), err
		}
		if errors.Is(err, ErrUnavailable) && attempt < o.maxAttempts && ctx.Err() == nil {
			log.Warn().Err(err).
				Str("resource", ref.String()).
				Int("attempt", attempt).
				Int("max_attempts", o.maxAttempts).
				Msg("Transient failure, restarting from a fresh read")
			continue
		}

		log.Error().Err(err).Str("resource", ref.String()).Msg("Reconcile failed")
		return failed(out, err), nil
	}
}

// attempt runs read -> diff -> apply -> await once. out carries the applied
// (or possibly applied) diff across attempts so a retry that finds the
// resource converged still reports the change.
func (o *Orchestrator) attempt(ctx context.Context, backend ConfigBackend, desired DesiredConfig, out *Outcome) error {
	ref := desired.Ref

	if err := o.limiter.Wait(ctx); err != nil {
		return err
	}
	current, err := backend.Read(ctx, ref)
	if err != nil {
		return err
	}

	diff := ComputeDiff(desired, current)
	if diff.Empty() {
		if out.inDoubt && !out.Applied {
			log.Info().Str("resource", ref.String()).Msg("Unacknowledged change is visible, counting it as applied")
			out.Applied = true
		}
		if out.Applied {
			out.Status = StatusChanged
		} else {
			out.Status = StatusUnchanged
			log.Debug().Str("resource", ref.String()).Msg("Already converged")
		}
		return nil
	}

	if o.checkMode {
		log.Info().Str("resource", ref.String()).Stringer("diff", diffStringer(diff)).Msg("Would change config (check mode)")
		out.Status = StatusChanged
		out.Diff = diff
		out.DryRun = true
		return nil
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return err
	}
	log.Info().Str("resource", ref.String()).Stringer("diff", diffStringer(diff)).Msg("Applying config change")
	if err := backend.Apply(ctx, ref, diff); err != nil {
		if errors.Is(err, ErrUnavailable) {
			out.Diff = diff
			out.inDoubt = true
		}
		return err
	}
	out.Diff = diff
	out.Applied = true

	if err := awaitConvergence(ctx, backend, desired, backend.RetryPolicy(), o.limiter); err != nil {
		return err
	}

	log.Info().Str("resource", ref.String()).Msg("Config converged")
	out.Status = StatusChanged
	return nil
}

func failed(out Outcome, err error) Outcome {
	out.Status = StatusFailed
	out.Reason = err.Error()
	out.Err = err
	return out
}

type diffStringer ConfigDiff

func (d diffStringer) String() string {
	return fmt.Sprint([]Op(d))
}
