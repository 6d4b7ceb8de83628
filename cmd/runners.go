// File: cmd/runners.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quill-cli/api/schemas"
	"github.com/xkilldash9x/quill-cli/internal/auth"
	"github.com/xkilldash9x/quill-cli/internal/config"
	"github.com/xkilldash9x/quill-cli/internal/service"
)

// publisher is the part of service.Publisher the commands drive.
type publisher interface {
	Login(ctx context.Context, creds schemas.Credentials) (schemas.LoginResult, error)
	Run(ctx context.Context, job service.Job) (service.JobReport, error)
}

// historyStore is the read side of the account store.
type historyStore interface {
	ListAccounts(ctx context.Context) ([]schemas.Account, error)
	ListHistory(ctx context.Context, username string, limit int) ([]schemas.PublishRecord, error)
}

type openOptions struct {
	AwaitChallenge bool
}

// openFunc starts a browser session and returns a publisher over it together
// with a cleanup that releases everything it created.
type openFunc func(ctx context.Context, cfg *config.Config, opts openOptions, logger *zap.Logger) (publisher, func(), error)

// storeFunc opens the account store without a browser.
type storeFunc func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (historyStore, func(), error)

// runners lets tests replace the browser and store with fakes.
type runners struct {
	open  openFunc
	store storeFunc
}

func defaultRunners() runners {
	return runners{open: openPublisher(service.NewComponentFactory()), store: openStore}
}

// closeTimeout bounds the teardown after a command finishes or is interrupted.
const closeTimeout = 10 * time.Second

func openPublisher(factory service.ComponentFactory) openFunc {
	return func(ctx context.Context, cfg *config.Config, opts openOptions, logger *zap.Logger) (publisher, func(), error) {
		components, err := factory.Create(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}

		sess, err := components.Browser.NewSession(ctx)
		if err != nil {
			components.Shutdown()
			return nil, nil, fmt.Errorf("failed to open browser session: %w", err)
		}

		deps := service.Deps{
			Stager:      components.Stager,
			Metrics:     components.Metrics,
			Logger:      logger,
			AuthOptions: []auth.Option{auth.WithAwaitChallenge(opts.AwaitChallenge)},
		}
		if components.Store != nil {
			deps.Store = components.Store
		}
		p, err := service.New(sess, cfg, deps)
		if err != nil {
			_ = sess.Close(context.Background())
			components.Shutdown()
			return nil, nil, err
		}

		cleanup := func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			if err := p.Close(closeCtx); err != nil {
				logger.Warn("Error closing browser session.", zap.Error(err))
			}
			components.Shutdown()
		}
		return p, cleanup, nil
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (historyStore, func(), error) {
	st, cleanup, err := service.InitializeStore(ctx, cfg.Store(), logger)
	if err != nil {
		return nil, nil, err
	}
	if st == nil {
		return nil, nil, fmt.Errorf("the store is disabled (store.enabled=false)")
	}
	return st, cleanup, nil
}
