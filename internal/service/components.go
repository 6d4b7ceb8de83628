// File: internal/service/components.go
package service

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/quill-cli/internal/browser/session"
	"github.com/xkilldash9x/quill-cli/internal/observability"
	"github.com/xkilldash9x/quill-cli/internal/staging"
	"github.com/xkilldash9x/quill-cli/internal/store"
)

// Components holds the process-wide collaborators a Publisher is built from.
type Components struct {
	Browser *session.Manager
	Stager  *staging.Service
	// Store is nil when the store is disabled.
	Store *store.Store
	// Metrics is nil when metrics are disabled.
	Metrics         *observability.Metrics
	MetricsTextfile string
}

// Shutdown releases every component in reverse order of creation.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	// 1. Browser first so no tab outlives the process.
	if c.Browser != nil {
		c.Browser.Close()
		logger.Debug("Browser manager shut down.")
	}

	// 2. Staged image files.
	if c.Stager != nil {
		c.Stager.Cleanup()
		logger.Debug("Staging directory cleaned.")
	}

	// 3. Metrics textfile, written once at exit.
	if c.Metrics != nil {
		if err := c.Metrics.WriteTextfile(c.MetricsTextfile); err != nil {
			logger.Warn("Error writing metrics textfile.", zap.Error(err))
		} else {
			logger.Debug("Metrics textfile written.", zap.String("path", c.MetricsTextfile))
		}
	}

	// 4. Store.
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			logger.Warn("Error closing store.", zap.Error(err))
		} else {
			logger.Debug("Store closed.")
		}
	}

	logger.Debug("All components shut down.")
}
