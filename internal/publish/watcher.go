package publish

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quill-cli/api/schemas"
	"github.com/xkilldash9x/quill-cli/internal/browser/session"
	"github.com/xkilldash9x/quill-cli/internal/clock"
	"github.com/xkilldash9x/quill-cli/internal/config"
)

// Completion is the verified or assumed end of a publish.
type Completion struct {
	Status   schemas.PublishStatus
	URL      string
	Verified bool
}

// Watcher waits for the page URL to reach a completion pattern. It checks
// the URL right away, on every navigation event and on a backup poll, and
// gives up optimistically after the timeout.
type Watcher struct {
	driver  session.Driver
	clock   clock.Clock
	logger  *zap.Logger
	pattern *regexp.Regexp
	// foreign is the other mode's completion pattern. Reaching it is logged
	// but never completes the wait.
	foreign *regexp.Regexp
	status  schemas.PublishStatus
	timeout time.Duration
	poll    time.Duration
}

// CompilePattern substitutes the quoted user into a URL pattern.
func CompilePattern(pattern, user string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(strings.ReplaceAll(pattern, "{user}", regexp.QuoteMeta(user)))
	if err != nil {
		return nil, fmt.Errorf("completion pattern: %w", err)
	}
	return re, nil
}

// NewWatcher builds a Watcher reporting status once pattern matches.
func NewWatcher(d session.Driver, clk clock.Clock, logger *zap.Logger, timing config.TimingConfig, pattern, user string, status schemas.PublishStatus) (*Watcher, error) {
	re, err := CompilePattern(pattern, user)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		driver:  d,
		clock:   clk,
		logger:  logger.Named("watcher"),
		pattern: re,
		status:  status,
		timeout: timing.VerifyTimeout,
		poll:    timing.VerifyPollInterval,
	}, nil
}

// NoteForeign makes the watcher log when the URL reaches pattern, the
// completion URL of the other publish mode.
func (w *Watcher) NoteForeign(pattern, user string) error {
	re, err := CompilePattern(pattern, user)
	if err != nil {
		return err
	}
	w.foreign = re
	return nil
}

// Await subscribes to navigation, runs trigger and waits for completion.
// Subscribing first means a redirect fired by trigger is never missed.
func (w *Watcher) Await(ctx context.Context, trigger func(context.Context) error) (Completion, error) {
	events, stop, err := w.driver.WatchNavigation(ctx)
	if err != nil {
		return Completion{}, err
	}
	defer stop()

	if trigger != nil {
		if err := trigger(ctx); err != nil {
			return Completion{}, err
		}
	}
	deadline := w.clock.After(w.timeout)

	last, err := w.driver.URL(ctx)
	if err != nil {
		return Completion{}, err
	}
	if c, ok := w.check(last, "initial"); ok {
		return c, nil
	}

	poll := w.clock.After(w.poll)
	for {
		select {
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return Completion{}, fmt.Errorf("%w: navigation events stopped", schemas.ErrSessionClosed)
			}
			last = ev.URL
			if c, ok := w.check(ev.URL, "navigation"); ok {
				return c, nil
			}
		case <-poll:
			u, err := w.driver.URL(ctx)
			if err != nil {
				return Completion{}, err
			}
			last = u
			if c, ok := w.check(u, "poll"); ok {
				return c, nil
			}
			poll = w.clock.After(w.poll)
		case <-deadline:
			w.logger.Warn("No completion URL observed; assuming success.",
				zap.Duration("timeout", w.timeout), zap.String("last_url", last))
			return Completion{Status: schemas.StatusTimedOutAssumedSuccess, URL: last}, nil
		}
	}
}

func (w *Watcher) check(u, via string) (Completion, bool) {
	if w.pattern.MatchString(u) {
		w.logger.Debug("Completion URL matched.", zap.String("url", u), zap.String("via", via))
		return Completion{Status: w.status, URL: u, Verified: true}, true
	}
	if w.foreign != nil && w.foreign.MatchString(u) {
		w.logger.Warn("URL matches the other publish mode's completion pattern.",
			zap.String("url", u), zap.String("via", via), zap.String("expected", string(w.status)))
		w.foreign = nil
	}
	return Completion{}, false
}
