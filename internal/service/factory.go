// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quill-cli/internal/browser/session"
	"github.com/xkilldash9x/quill-cli/internal/clock"
	"github.com/xkilldash9x/quill-cli/internal/config"
	"github.com/xkilldash9x/quill-cli/internal/staging"
)

// ComponentFactory creates the components needed for a publish run.
// The abstraction keeps the publish command testable without a browser.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create wires the stager, store, metrics and browser manager.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{MetricsTextfile: cfg.Metrics().Textfile}

	// Clean up whatever was created if a later step fails.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Image staging
	stager, err := staging.New(cfg.Staging(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize image staging: %w", err)
		return nil, initializationErr
	}
	components.Stager = stager
	logger.Debug("Image staging initialized.", zap.String("dir", stager.Dir()))

	// 2. Store
	st, _, err := InitializeStore(ctx, cfg.Store(), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Store = st

	// 3. Metrics
	components.Metrics = InitializeMetrics(cfg.Metrics(), logger)

	// 4. Browser manager. The allocator starts lazily on the first session.
	components.Browser = session.NewManager(cfg, clock.New(), logger)
	logger.Debug("Browser manager initialized.")

	logger.Info("All components initialized successfully.")
	return components, nil
}
