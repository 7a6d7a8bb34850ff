package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/kafkaconf/internal/config"
	"github.com/dokzlo13/kafkaconf/internal/db"
	"github.com/dokzlo13/kafkaconf/internal/ledger"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Run history, nil when history.path is empty
	DB     *db.DB
	Ledger *ledger.Ledger

	Cluster *ClusterService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	if cfg.History.Path != "" {
		database, err := db.Open(cfg.History.Path)
		if err != nil {
			return nil, err
		}
		s.DB = database
		s.Ledger = ledger.New(database.DB)
	}

	s.Cluster = NewClusterService(cfg)

	return s, nil
}

// Start connects to the cluster and applies the history retention policy.
func (s *Services) Start(ctx context.Context) error {
	if s.Ledger != nil {
		retention := time.Duration(s.cfg.History.RetentionDays) * 24 * time.Hour
		n, err := s.Ledger.DeleteOlderThan(retention)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to clean up run history")
		} else if n > 0 {
			log.Debug().Int64("deleted", n).Msg("Cleaned up run history")
		}
	}

	return s.Cluster.Start(ctx)
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Cluster != nil {
		s.Cluster.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
