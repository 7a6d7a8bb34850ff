// Package broker reconciles per-broker dynamic config overrides.
package broker

import (
	"context"
	"net"

	"github.com/dokzlo13/kafkaconf/internal/kafka"
	"github.com/dokzlo13/kafkaconf/internal/reconcile"
)

// Admin is the part of the Kafka admin client brokers need.
type Admin interface {
	BrokerAddr(ctx context.Context, id int) (net.Addr, error)
	DescribeConfigs(ctx context.Context, ref reconcile.ResourceRef, addr net.Addr) ([]kafka.ConfigEntry, error)
	ApplyDiff(ctx context.Context, ref reconcile.ResourceRef, addr net.Addr, diff reconcile.ConfigDiff, overrides func(context.Context) (map[string]string, error)) error
}

// isOverride reports whether an entry was set dynamically for this broker.
// Pre-v1 responses carry no source, so anything non-default and writable counts.
func isOverride(e kafka.ConfigEntry) bool {
	switch e.Source {
	case kafka.SourceDynamicBroker:
		return true
	case kafka.SourceUnknown:
		return !e.IsDefault && !e.ReadOnly
	default:
		return false
	}
}
