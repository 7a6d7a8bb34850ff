package topic

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/kafkaconf/internal/reconcile"
	"github.com/dokzlo13/kafkaconf/internal/zookeeper"
)

// Reader fetches topic overrides from ZooKeeper.
// Always reads the node - ZooKeeper is the source of truth for topic configs.
type Reader struct {
	coord Coordinator
}

// NewReader creates a new topic config reader.
func NewReader(coord Coordinator) *Reader {
	return &Reader{coord: coord}
}

// Get returns the overrides currently stored for a topic.
// A registered topic without a config node has no overrides.
func (r *Reader) Get(ref reconcile.ResourceRef) (reconcile.CurrentConfig, error) {
	ok, err := r.coord.NodeExists(registrationPath(ref.Name))
	if err != nil {
		return reconcile.CurrentConfig{}, err
	}
	if !ok {
		return reconcile.CurrentConfig{}, fmt.Errorf("topic %q: %w", ref.Name, reconcile.ErrResourceNotFound)
	}

	cur := reconcile.CurrentConfig{Ref: ref, Entries: map[string]string{}}

	data, err := r.coord.ReadNode(configPath(ref.Name))
	if errors.Is(err, zookeeper.ErrNodeNotFound) {
		return cur, nil
	}
	if err != nil {
		return reconcile.CurrentConfig{}, err
	}

	entries, err := parseConfigNode(data)
	if err != nil {
		return reconcile.CurrentConfig{}, fmt.Errorf("topic %q: %w", ref.Name, err)
	}
	cur.Entries = entries

	log.Debug().
		Str("topic", ref.Name).
		Int("overrides", len(entries)).
		Msg("Read topic config")
	return cur, nil
}

func parseConfigNode(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return map[string]string{}, nil
	}

	var node configNode
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("invalid config node: %w", err)
	}
	if node.Config == nil {
		node.Config = map[string]string{}
	}
	return node.Config, nil
}
