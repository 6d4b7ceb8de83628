// internal/browser/session/session.go
// This file implements Session, the chromedp-backed Driver. A Session owns a
// single browser tab. Every primitive derives an operational context with its
// own timeout, combines it with the tab context so CDP values are preserved,
// and then classifies whatever went wrong into an Outcome (expected miss) or an
// error (transport fault).
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quill-cli/api/schemas"
	"github.com/xkilldash9x/quill-cli/internal/clock"
)

// Options tune a Session.
type Options struct {
	ActionTimeout     time.Duration
	NavigationTimeout time.Duration
	// PrimaryModifier is what ModPrimary resolves to.
	PrimaryModifier Modifier
	Clock           clock.Clock
}

func (o Options) withDefaults() Options {
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 10 * time.Second
	}
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = 30 * time.Second
	}
	if o.PrimaryModifier == 0 {
		o.PrimaryModifier = ModCtrl
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Session is a Driver over one chromedp tab.
type Session struct {
	id     string
	ctx    context.Context // tab context carrying the CDP target
	cancel context.CancelFunc
	opts   Options
	logger *zap.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	onClose   func()

	nav *navHub
}

var _ Driver = (*Session)(nil)

// NewSession wraps an existing chromedp tab context. cancel tears the tab
// down and is invoked by Close.
func NewSession(tabCtx context.Context, cancel context.CancelFunc, opts Options, logger *zap.Logger) *Session {
	id := uuid.New().String()
	s := &Session{
		id:     id,
		ctx:    tabCtx,
		cancel: cancel,
		opts:   opts.withDefaults(),
		logger: logger.Named("session").With(zap.String("session_id", id)),
	}
	s.nav = newNavHub(s.logger)
	s.nav.listen(tabCtx)
	return s
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// RunActions executes chromedp actions within the operational context ctx
// combined with the tab context.
func (s *Session) RunActions(ctx context.Context, actions ...chromedp.Action) error {
	if s.closed.Load() {
		return schemas.ErrSessionClosed
	}
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	err := chromedp.Run(runCtx, actions...)
	if err != nil {
		// Prioritize the reason the combined context ended.
		if s.ctx.Err() != nil {
			return s.ctx.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

// do runs actions under a timeout and classifies the result.
func (s *Session) do(ctx context.Context, op string, timeout time.Duration, actions ...chromedp.Action) (Outcome, error) {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := s.RunActions(opCtx, actions...)
	if err == nil {
		return Outcome{OK: true}, nil
	}
	return s.classify(ctx, opCtx, op, timeout, err)
}

// classify separates transport faults from expected failures.
func (s *Session) classify(ctx, opCtx context.Context, op string, timeout time.Duration, err error) (Outcome, error) {
	switch {
	case s.closed.Load() || errors.Is(err, schemas.ErrSessionClosed):
		return Outcome{}, schemas.ErrSessionClosed
	case s.ctx.Err() != nil:
		return Outcome{}, fmt.Errorf("%w: %s: %v", schemas.ErrSessionLost, op, s.ctx.Err())
	case ctx.Err() != nil:
		return Outcome{}, ctx.Err()
	case opCtx.Err() == context.DeadlineExceeded:
		s.logger.Debug("Primitive timed out.", zap.String("op", op), zap.Duration("timeout", timeout))
		return Failed("%s timed out after %v", op, timeout), nil
	case isTransportError(err):
		return Outcome{}, fmt.Errorf("%w: %s: %v", schemas.ErrSessionLost, op, err)
	}

	var exc *runtime.ExceptionDetails
	if errors.As(err, &exc) {
		return Failed("%s: script exception: %s", op, exc.Error()), nil
	}
	return Failed("%s: %v", op, err), nil
}

func isTransportError(err error) bool {
	switch {
	case errors.Is(err, chromedp.ErrChannelClosed),
		errors.Is(err, chromedp.ErrInvalidContext),
		errors.Is(err, chromedp.ErrInvalidTarget),
		errors.Is(err, chromedp.ErrInvalidWebsocketMessage):
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "websocket") || strings.Contains(msg, "use of closed network connection")
}

// evalResult mirrors the envelope produced by frameWrapper. Value is decoded
// generically and re-encoded so the envelope does not depend on how chromedp
// unmarshals raw JSON.
type evalResult struct {
	OK     bool        `json:"ok"`
	Value  interface{} `json:"value"`
	Reason string      `json:"reason"`
}

func (s *Session) eval(ctx context.Context, op string, t Target, body string, opts ...chromedp.EvaluateOption) (Outcome, error) {
	var res evalResult
	evalOpts := append([]chromedp.EvaluateOption{func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
	}}, opts...)

	out, err := s.do(ctx, op, s.opts.ActionTimeout, chromedp.Evaluate(wrap(t, body), &res, evalOpts...))
	if err != nil || !out.OK {
		return out, err
	}
	if !res.OK {
		return Outcome{OK: false, Reason: fmt.Sprintf("%s on %s: %s", op, t, res.Reason)}, nil
	}
	if res.Value == nil {
		return Outcome{OK: true}, nil
	}
	raw, err := json.Marshal(res.Value)
	if err != nil {
		return Failed("%s: unencodable result: %v", op, err), nil
	}
	return Outcome{OK: true, Value: raw}, nil
}

// -- Navigation and Evaluation --

func (s *Session) Navigate(ctx context.Context, url string) (Outcome, error) {
	s.logger.Debug("Navigating.", zap.String("url", url))
	out, err := s.do(ctx, "navigate", s.opts.NavigationTimeout, chromedp.Navigate(url))
	if err == nil && !out.OK {
		s.logger.Warn("Navigation did not complete.", zap.String("url", url), zap.String("reason", out.Reason))
	}
	return out, err
}

func (s *Session) URL(ctx context.Context) (string, error) {
	var u string
	out, err := s.do(ctx, "location", s.opts.ActionTimeout, chromedp.Location(&u))
	if err != nil {
		return "", err
	}
	if !out.OK {
		// The tab is alive but mid-navigation; an empty URL matches nothing.
		return "", nil
	}
	return u, nil
}

func (s *Session) Evaluate(ctx context.Context, t Target, body string) (Outcome, error) {
	return s.eval(ctx, "evaluate", t, body)
}

func (s *Session) Query(ctx context.Context, t Target, selector string) (Outcome, error) {
	out, err := s.eval(ctx, "query", t, queryBody(selector))
	if err != nil || !out.OK {
		return out, err
	}
	var els []Element
	if derr := out.Decode(&els); derr != nil || len(els) == 0 {
		return Failed("query on %s: no element matches %q", t, selector), nil
	}
	return out, nil
}

func (s *Session) FindText(ctx context.Context, t Target, q TextQuery) (Outcome, error) {
	return s.eval(ctx, "find-text", t, findTextBody(q))
}

func (s *Session) Snapshot(ctx context.Context, t Target, probes []string) (Outcome, error) {
	return s.eval(ctx, "snapshot", t, snapshotBody(probes))
}

func (s *Session) Select(ctx context.Context, t Target, selector, value string) (Outcome, error) {
	return s.eval(ctx, "select", t, selectBody(selector, value))
}

// WaitForSelector polls until a visible element matches (or, with Hidden,
// until none does).
func (s *Session) WaitForSelector(ctx context.Context, t Target, selector string, opts WaitOptions) (Outcome, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.opts.ActionTimeout
	}
	deadline := s.opts.Clock.Now().Add(timeout)
	for {
		out, err := s.eval(ctx, "wait-for-selector", t, visibleBody(selector))
		if err != nil {
			return out, err
		}
		var present bool
		if out.OK {
			_ = out.Decode(&present)
			if present != opts.Hidden {
				return Outcome{OK: true}, nil
			}
		}
		if !s.opts.Clock.Now().Before(deadline) {
			state := "visible"
			if opts.Hidden {
				state = "hidden"
			}
			return Failed("%q on %s not %s after %v", selector, t, state, timeout), nil
		}
		if err := s.Wait(ctx, 100*time.Millisecond); err != nil {
			return Outcome{}, err
		}
	}
}

// Wait is the wait-for-timeout primitive.
func (s *Session) Wait(ctx context.Context, d time.Duration) error {
	if s.closed.Load() {
		return schemas.ErrSessionClosed
	}
	waitCtx, cancel := CombineContext(ctx, s.ctx)
	defer cancel()
	if err := s.opts.Clock.Sleep(waitCtx, d); err != nil {
		if s.closed.Load() {
			return schemas.ErrSessionClosed
		}
		if s.ctx.Err() != nil {
			return fmt.Errorf("%w: wait: %v", schemas.ErrSessionLost, s.ctx.Err())
		}
		return err
	}
	return nil
}

func (s *Session) WatchNavigation(ctx context.Context) (<-chan NavEvent, func(), error) {
	if s.closed.Load() {
		return nil, nil, schemas.ErrSessionClosed
	}
	ch, stop := s.nav.subscribe()
	return ch, stop, nil
}

// OnClose registers a hook run once when the session closes.
func (s *Session) OnClose(fn func()) { s.onClose = fn }

// Close tears down the tab. It is the only supported abort path: every
// primitive called afterwards returns schemas.ErrSessionClosed.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.logger.Info("Closing session.")
		s.closed.Store(true)
		s.nav.closeAll()
		if s.cancel != nil {
			s.cancel()
		}
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}
