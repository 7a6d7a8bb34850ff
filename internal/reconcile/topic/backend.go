package topic

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/kafkaconf/internal/reconcile"
)

// Backend reads topic overrides from ZooKeeper and alters them through the
// brokers. Convergence is observed on the ZooKeeper config node.
type Backend struct {
	reader *Reader
	coord  Coordinator
	admin  Admin
	policy reconcile.RetryPolicy
}

// NewBackend creates a topic backend.
func NewBackend(coord Coordinator, admin Admin, policy reconcile.RetryPolicy) *Backend {
	return &Backend{
		reader: NewReader(coord),
		coord:  coord,
		admin:  admin,
		policy: policy,
	}
}

// Kind implements reconcile.ConfigBackend.
func (b *Backend) Kind() reconcile.Kind {
	return reconcile.KindTopic
}

// Read implements reconcile.ConfigBackend.
func (b *Backend) Read(ctx context.Context, ref reconcile.ResourceRef) (reconcile.CurrentConfig, error) {
	if err := ctx.Err(); err != nil {
		return reconcile.CurrentConfig{}, err
	}
	return b.reader.Get(ref)
}

// Apply implements reconcile.ConfigBackend.
func (b *Backend) Apply(ctx context.Context, ref reconcile.ResourceRef, diff reconcile.ConfigDiff) error {
	log.Info().
		Str("topic", ref.Name).
		Strs("keys", diff.Keys()).
		Msg("Altering topic config")

	return b.admin.ApplyDiff(ctx, ref, nil, diff, func(ctx context.Context) (map[string]string, error) {
		cur, err := b.Read(ctx, ref)
		return cur.Entries, err
	})
}

// RetryPolicy implements reconcile.ConfigBackend.
func (b *Backend) RetryPolicy() reconcile.RetryPolicy {
	return b.policy
}

// Wait implements reconcile.Waiter. It returns after d, or earlier when the
// topic's config node changes.
func (b *Backend) Wait(ctx context.Context, ref reconcile.ResourceRef, d time.Duration) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fired, err := b.coord.WatchNode(wctx, configPath(ref.Name))
	if err != nil {
		log.Debug().Err(err).Str("topic", ref.Name).Msg("Cannot watch config node, sleeping instead")
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-fired:
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
