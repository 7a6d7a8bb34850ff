package broker

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/kafkaconf/internal/reconcile"
)

// Reader fetches a broker's dynamic overrides with DescribeConfigs sent to
// that broker.
type Reader struct {
	admin Admin
}

// NewReader creates a new broker config reader.
func NewReader(admin Admin) *Reader {
	return &Reader{admin: admin}
}

// Get returns the broker's current overrides along with its address.
func (r *Reader) Get(ctx context.Context, ref reconcile.ResourceRef) (reconcile.CurrentConfig, net.Addr, error) {
	addr, err := r.resolve(ctx, ref)
	if err != nil {
		return reconcile.CurrentConfig{}, nil, err
	}

	entries, err := r.admin.DescribeConfigs(ctx, ref, addr)
	if err != nil {
		return reconcile.CurrentConfig{}, nil, err
	}

	cur := reconcile.CurrentConfig{
		Ref:       ref,
		Entries:   make(map[string]string),
		Sensitive: make(map[string]bool),
	}
	for _, e := range entries {
		if !isOverride(e) {
			continue
		}
		if e.Sensitive {
			cur.Sensitive[e.Name] = true
			continue
		}
		cur.Entries[e.Name] = e.Value
	}

	log.Debug().
		Str("broker", ref.Name).
		Int("overrides", len(cur.Entries)).
		Int("sensitive", len(cur.Sensitive)).
		Msg("Read broker config")
	return cur, addr, nil
}

func (r *Reader) resolve(ctx context.Context, ref reconcile.ResourceRef) (net.Addr, error) {
	id, err := strconv.Atoi(ref.Name)
	if err != nil {
		return nil, fmt.Errorf("broker name %q is not a numeric broker id: %w", ref.Name, reconcile.ErrResourceNotFound)
	}
	return r.admin.BrokerAddr(ctx, id)
}
