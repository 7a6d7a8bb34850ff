package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/kafkaconf/internal/config"
	"github.com/dokzlo13/kafkaconf/internal/kafka"
	"github.com/dokzlo13/kafkaconf/internal/reconcile"
	"github.com/dokzlo13/kafkaconf/internal/reconcile/broker"
	"github.com/dokzlo13/kafkaconf/internal/reconcile/topic"
	"github.com/dokzlo13/kafkaconf/internal/tlsconf"
	"github.com/dokzlo13/kafkaconf/internal/zookeeper"
)

// ClusterService owns the cluster connections and the orchestrator that uses them.
type ClusterService struct {
	cfg *config.Config

	ZooKeeper    *zookeeper.Session // nil when zookeeper.connect is empty
	Kafka        *kafka.Admin
	Orchestrator *reconcile.Orchestrator
}

// NewClusterService creates a ClusterService. Nothing is connected until Start.
func NewClusterService(cfg *config.Config) *ClusterService {
	orchestrator := reconcile.NewOrchestrator(reconcile.Options{
		Concurrency:  cfg.Reconciler.Concurrency,
		RateLimitRPS: cfg.Reconciler.RateLimitRPS,
		MaxAttempts:  cfg.Reconciler.MaxAttempts,
		CheckMode:    cfg.Reconciler.CheckMode,
	})

	return &ClusterService{
		cfg:          cfg,
		Orchestrator: orchestrator,
	}
}

// Start opens the ZooKeeper session and the admin client, then registers
// a backend per resource kind.
func (s *ClusterService) Start(ctx context.Context) error {
	kafkaCfg, err := s.kafkaConfig()
	if err != nil {
		return err
	}

	if s.cfg.ZooKeeper.Connect != "" {
		zkCfg, err := s.zooKeeperConfig()
		if err != nil {
			return err
		}
		s.ZooKeeper, err = zookeeper.Connect(ctx, zkCfg)
		if err != nil {
			return err
		}
	}

	s.Kafka, err = kafka.NewAdmin(ctx, kafkaCfg)
	if err != nil {
		return err
	}

	s.Orchestrator.Register(broker.NewBackend(s.Kafka, reconcile.RetryPolicy{
		Sleep:      s.cfg.Kafka.SleepTime.Duration(),
		MaxRetries: s.cfg.Kafka.MaxRetries,
	}))
	if s.ZooKeeper != nil {
		s.Orchestrator.Register(topic.NewBackend(s.ZooKeeper, s.Kafka, reconcile.RetryPolicy{
			Sleep:      s.cfg.ZooKeeper.SleepTime.Duration(),
			MaxRetries: s.cfg.ZooKeeper.MaxRetries,
		}))
	}

	return nil
}

func (s *ClusterService) zooKeeperConfig() (zookeeper.Config, error) {
	zc := s.cfg.ZooKeeper

	tlsCfg, err := tlsconf.Build(zc.SSL.Options())
	if err != nil {
		return zookeeper.Config{}, fmt.Errorf("zookeeper.ssl: %w", err)
	}

	return zookeeper.Config{
		Connect:        zc.Connect,
		SessionTimeout: zc.SessionTimeout.Duration(),
		AuthScheme:     zc.AuthScheme,
		AuthValue:      zc.AuthValue,
		TLS:            tlsCfg,
	}, nil
}

func (s *ClusterService) kafkaConfig() (kafka.Config, error) {
	kc := s.cfg.Kafka

	if err := kafka.ValidateProtocol(kc.SecurityProtocol); err != nil {
		return kafka.Config{}, fmt.Errorf("kafka.security_protocol: %w", err)
	}

	cfg := kafka.Config{
		BootstrapServers:   kc.BootstrapServers,
		ClientID:           kc.ClientID,
		RequestTimeout:     kc.RequestTimeout.Duration(),
		LegacyAlterConfigs: kc.LegacyAlterConfigs,
	}

	if kafka.UsesTLS(kc.SecurityProtocol) {
		opts := kc.SSL.Options()
		opts.Enabled = true
		tlsCfg, err := tlsconf.Build(opts)
		if err != nil {
			return kafka.Config{}, fmt.Errorf("kafka.ssl: %w", err)
		}
		cfg.TLS = tlsCfg
	} else if kc.SSL.Enabled {
		log.Warn().Str("security_protocol", kc.SecurityProtocol).Msg("kafka.ssl is ignored for a non-SSL security protocol")
	}

	if kafka.UsesSASL(kc.SecurityProtocol) {
		mechanism, err := kafka.NewSASLMechanism(kc.SASL.Mechanism, kc.SASL.Username, kc.SASL.Password)
		if err != nil {
			return kafka.Config{}, fmt.Errorf("kafka.sasl: %w", err)
		}
		cfg.SASL = mechanism
	}

	return cfg, nil
}

// Close releases the cluster connections.
func (s *ClusterService) Close() {
	if s.Kafka != nil {
		s.Kafka.Close()
	}
	if s.ZooKeeper != nil {
		s.ZooKeeper.Close()
	}
}
