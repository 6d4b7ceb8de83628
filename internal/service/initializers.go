// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quill-cli/internal/config"
	"github.com/xkilldash9x/quill-cli/internal/observability"
	"github.com/xkilldash9x/quill-cli/internal/store"
)

// InitializeStore opens the SQLite store, or returns nil when it is disabled.
// Commands that only need history (accounts) call this without a browser.
func InitializeStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*store.Store, func(), error) {
	if !cfg.Enabled {
		logger.Debug("Store disabled; accounts and history will not be recorded.")
		return nil, func() {}, nil
	}
	s, err := store.Open(ctx, cfg.Path, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	logger.Debug("Store initialized.", zap.String("path", cfg.Path))
	cleanup := func() {
		if err := s.Close(); err != nil {
			logger.Warn("Error closing store.", zap.Error(err))
		}
	}
	return s, cleanup, nil
}

// InitializeMetrics returns a fresh Metrics, or nil when metrics are disabled.
// A nil *Metrics is safe to call.
func InitializeMetrics(cfg config.MetricsConfig, logger *zap.Logger) *observability.Metrics {
	if !cfg.Enabled {
		return nil
	}
	logger.Debug("Metrics enabled.", zap.String("textfile", cfg.Textfile))
	return observability.NewMetrics()
}
