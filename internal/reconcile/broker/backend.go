package broker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/kafkaconf/internal/reconcile"
)

// Backend reads and alters broker overrides through the Kafka admin API.
type Backend struct {
	reader *Reader
	admin  Admin
	policy reconcile.RetryPolicy
}

// NewBackend creates a broker backend.
func NewBackend(admin Admin, policy reconcile.RetryPolicy) *Backend {
	return &Backend{
		reader: NewReader(admin),
		admin:  admin,
		policy: policy,
	}
}

// Kind implements reconcile.ConfigBackend.
func (b *Backend) Kind() reconcile.Kind {
	return reconcile.KindBroker
}

// Read implements reconcile.ConfigBackend.
func (b *Backend) Read(ctx context.Context, ref reconcile.ResourceRef) (reconcile.CurrentConfig, error) {
	cur, _, err := b.reader.Get(ctx, ref)
	return cur, err
}

// Apply implements reconcile.ConfigBackend. The request goes to the broker
// being configured.
func (b *Backend) Apply(ctx context.Context, ref reconcile.ResourceRef, diff reconcile.ConfigDiff) error {
	addr, err := b.reader.resolve(ctx, ref)
	if err != nil {
		return err
	}

	log.Info().
		Str("broker", ref.Name).
		Stringer("addr", addr).
		Strs("keys", diff.Keys()).
		Msg("Altering broker config")

	return b.admin.ApplyDiff(ctx, ref, addr, diff, func(ctx context.Context) (map[string]string, error) {
		cur, _, err := b.reader.Get(ctx, ref)
		if err != nil {
			return nil, err
		}
		if lost := unpreserved(cur, diff); len(lost) > 0 {
			return nil, reconcile.Rejected(ref, fmt.Errorf("full-replace alter would drop sensitive overrides %v", lost))
		}
		return cur.Entries, nil
	})
}

// RetryPolicy implements reconcile.ConfigBackend.
func (b *Backend) RetryPolicy() reconcile.RetryPolicy {
	return b.policy
}

// unpreserved lists sensitive overrides the diff does not rewrite. Their
// values are hidden, so a full replace cannot carry them over.
func unpreserved(cur reconcile.CurrentConfig, diff reconcile.ConfigDiff) []string {
	touched := make(map[string]bool, len(diff))
	for _, op := range diff {
		touched[op.Key] = true
	}

	var lost []string
	for k := range cur.Sensitive {
		if !touched[k] {
			lost = append(lost, k)
		}
	}
	return lost
}
