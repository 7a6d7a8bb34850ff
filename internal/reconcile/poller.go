package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qmuntal/stateless"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Poll states
const (
	pollChecking  = "checking"
	pollConverged = "converged"
	pollTimedOut  = "timed_out"
)

// Poll triggers
const (
	trMatched   = "matched"
	trDiverged  = "diverged"
	trExhausted = "exhausted"
)

func newPollMachine(ref ResourceRef) *stateless.StateMachine {
	sm := stateless.NewStateMachine(pollChecking)

	sm.Configure(pollChecking).
		PermitReentry(trDiverged).
		Permit(trMatched, pollConverged).
		Permit(trExhausted, pollTimedOut)

	sm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		log.Debug().
			Str("resource", ref.String()).
			Str("from", fmt.Sprint(t.Source)).
			Str("trigger", fmt.Sprint(t.Trigger)).
			Str("to", fmt.Sprint(t.Destination)).
			Msg("Poll transition")
	})

	return sm
}

// AwaitConvergence re-reads the resource until it matches desired or the
// policy's check budget runs out. Each check is a fresh read; between checks
// it waits policy.Sleep (a Waiter backend may return earlier).
//
// Transient read failures count as failed checks. Any other read error is
// returned as is.
func AwaitConvergence(ctx context.Context, backend ConfigBackend, desired DesiredConfig, policy RetryPolicy) error {
	return awaitConvergence(ctx, backend, desired, policy, nil)
}

// awaitConvergence takes a limiter token before every check when limiter is
// not nil.
func awaitConvergence(ctx context.Context, backend ConfigBackend, desired DesiredConfig, policy RetryPolicy, limiter *rate.Limiter) error {
	ref := desired.Ref
	sm := newPollMachine(ref)
	budget := policy.attempts()

	var remaining ConfigDiff
	for attempt := 1; ; attempt++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		current, err := backend.Read(ctx, ref)
		switch {
		case err == nil:
			remaining = ComputeDiff(desired, current)
			if remaining.Empty() {
				log.Debug().Str("resource", ref.String()).Int("attempt", attempt).Msg("Converged")
				return sm.FireCtx(ctx, trMatched)
			}
		case errors.Is(err, ErrUnavailable):
			log.Warn().Err(err).Str("resource", ref.String()).Int("attempt", attempt).Msg("Convergence check failed")
		default:
			return err
		}

		if attempt >= budget {
			if err := sm.FireCtx(ctx, trExhausted); err != nil {
				return err
			}
			return &ConvergenceTimeoutError{Ref: ref, Attempts: attempt, Remaining: remaining}
		}

		if err := sm.FireCtx(ctx, trDiverged); err != nil {
			return err
		}

		log.Debug().
			Str("resource", ref.String()).
			Int("attempt", attempt).
			Int("max_retries", budget).
			Strs("pending", remaining.Keys()).
			Dur("sleep", policy.Sleep).
			Msg("Waiting for brokers to apply change")

		if err := wait(ctx, backend, ref, policy.Sleep); err != nil {
			return err
		}
	}
}

func wait(ctx context.Context, backend ConfigBackend, ref ResourceRef, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if w, ok := backend.(Waiter); ok {
		return w.Wait(ctx, ref, d)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
