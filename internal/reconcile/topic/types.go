// Package topic reconciles per-topic config overrides stored in ZooKeeper.
package topic

import (
	"context"
	"net"

	"github.com/dokzlo13/kafkaconf/internal/reconcile"
)

// Coordinator is the part of the ZooKeeper session topics need.
type Coordinator interface {
	ReadNode(path string) ([]byte, error)
	NodeExists(path string) (bool, error)
	WatchNode(ctx context.Context, path string) (<-chan struct{}, error)
}

// Admin alters topic configs through the brokers.
type Admin interface {
	ApplyDiff(ctx context.Context, ref reconcile.ResourceRef, addr net.Addr, diff reconcile.ConfigDiff, overrides func(context.Context) (map[string]string, error)) error
}

// configNode is the JSON document Kafka keeps under /config/topics/<name>.
type configNode struct {
	Version int               `json:"version"`
	Config  map[string]string `json:"config"`
}

func registrationPath(name string) string {
	return "/brokers/topics/" + name
}

func configPath(name string) string {
	return "/config/topics/" + name
}
