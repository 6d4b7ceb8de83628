// File: internal/service/publisher.go
package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quill-cli/api/schemas"
	"github.com/xkilldash9x/quill-cli/internal/auth"
	"github.com/xkilldash9x/quill-cli/internal/browser/locate"
	"github.com/xkilldash9x/quill-cli/internal/browser/session"
	"github.com/xkilldash9x/quill-cli/internal/clock"
	"github.com/xkilldash9x/quill-cli/internal/config"
	"github.com/xkilldash9x/quill-cli/internal/humanoid"
	"github.com/xkilldash9x/quill-cli/internal/inject"
	"github.com/xkilldash9x/quill-cli/internal/observability"
	"github.com/xkilldash9x/quill-cli/internal/publish"
)

// AccountStore persists remembered accounts and publish history.
type AccountStore interface {
	SaveAccount(ctx context.Context, acct schemas.Account) error
	RecordPublish(ctx context.Context, rec schemas.PublishRecord) error
}

// batchStager is implemented by stagers that can fetch every image up front.
type batchStager interface {
	StageAll(ctx context.Context, markers []schemas.ImageMarker) ([]schemas.ImageMarker, map[int]error)
}

// Session is the per-browser-session state. It is reset by Logout and its
// LastSelectedBoard is reset at the start of every publish attempt.
type Session struct {
	LoggedIn          bool
	Username          string
	EditorReady       bool
	LastSelectedBoard string
}

// Deps are the optional collaborators of a Publisher.
type Deps struct {
	Stager      inject.Stager
	Store       AccountStore
	Metrics     *observability.Metrics
	Clock       clock.Clock
	Logger      *zap.Logger
	AuthOptions []auth.Option
}

// Publisher exposes the publish operations over one browser session. Every
// operation holds the session for its whole duration, so a concurrent call
// waits. Close does not wait: it tears the session down, which makes the
// operation in flight fail with ErrSessionClosed.
type Publisher struct {
	op sync.Mutex

	driver   session.Driver
	platform config.PlatformConfig
	sels     config.SelectorsConfig
	timing   config.TimingConfig
	frame    session.Target
	popups   []locate.Chain

	stager  inject.Stager
	store   AccountStore
	metrics *observability.Metrics
	clock   clock.Clock
	logger  *zap.Logger

	auth     *auth.Authenticator
	pipeline *inject.Pipeline
	orch     *publish.Orchestrator

	mu         sync.Mutex
	sess       Session
	lastTitle  string
	lastReport schemas.InjectionReport
}

// New builds a Publisher over d.
func New(d session.Driver, cfg config.Interface, deps Deps) (*Publisher, error) {
	if deps.Stager == nil {
		return nil, fmt.Errorf("an image stager is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = observability.GetLogger()
	}
	logger := deps.Logger.Named("publisher")

	authn, err := auth.New(d, cfg, deps.Clock, logger, deps.AuthOptions...)
	if err != nil {
		return nil, err
	}
	typist := humanoid.NewTypist(cfg.Browser().Humanoid, deps.Clock, time.Now().UnixNano())
	pipeline, err := inject.New(d, deps.Stager, typist, cfg, deps.Clock, logger)
	if err != nil {
		return nil, err
	}
	orch, err := publish.New(d, cfg, deps.Clock, logger)
	if err != nil {
		return nil, err
	}

	timing := cfg.Timing()
	frame := session.Frame(cfg.Platform().EditorFrame)
	var popups []locate.Chain
	for _, p := range []struct {
		name  string
		specs []string
	}{
		{"resume draft dialog", cfg.Selectors().ResumeCancel},
		{"help panel", cfg.Selectors().HelpClose},
	} {
		if len(p.specs) == 0 {
			continue
		}
		c, err := locate.NewChain(p.name, frame, p.specs, 1, 0)
		if err != nil {
			return nil, err
		}
		popups = append(popups, c)
	}

	return &Publisher{
		driver:   d,
		platform: cfg.Platform(),
		sels:     cfg.Selectors(),
		timing:   timing,
		frame:    frame,
		popups:   popups,
		stager:   deps.Stager,
		store:    deps.Store,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		logger:   logger,
		auth:     authn,
		pipeline: pipeline,
		orch:     orch,
	}, nil
}

// State returns a copy of the session state.
func (p *Publisher) State() Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess
}

// LastSelectedBoard returns the category in effect after the last
// SelectBoard or Publish call of this session.
func (p *Publisher) LastSelectedBoard() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess.LastSelectedBoard
}

// Login signs in. Challenge outcomes are returned as statuses with a nil
// error; a failed login returns ErrAuthFailure alongside the result.
func (p *Publisher) Login(ctx context.Context, creds schemas.Credentials) (schemas.LoginResult, error) {
	p.op.Lock()
	defer p.op.Unlock()

	start := p.clock.Now()
	res, err := p.auth.Login(ctx, creds)
	p.metrics.ObserveStage("login", p.clock.Now().Sub(start))
	if res.Status != "" {
		p.metrics.ObserveLogin(string(res.Status))
	}
	if err != nil || res.Status != schemas.LoginSuccess {
		return res, err
	}

	p.mu.Lock()
	p.sess = Session{LoggedIn: true, Username: creds.Username}
	p.mu.Unlock()

	if p.store != nil {
		acct := schemas.Account{Username: creds.Username, Platform: p.platform.Name, LastLoginAt: p.clock.Now()}
		if err := p.store.SaveAccount(ctx, acct); err != nil {
			p.logger.Warn("Failed to remember account.", zap.Error(err))
		}
	}
	return res, nil
}

// NavigateToEditor opens the editor for the logged-in user and dismisses the
// resume-draft and help popups when they appear.
func (p *Publisher) NavigateToEditor(ctx context.Context) error {
	p.op.Lock()
	defer p.op.Unlock()

	st := p.State()
	if !st.LoggedIn {
		return schemas.ErrNotLoggedIn
	}
	target := strings.ReplaceAll(p.platform.EditorURL, "{user}", url.PathEscape(st.Username))
	out, err := p.driver.Navigate(ctx, target)
	if err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("%w: %s", schemas.ErrNavigation, out.Reason)
	}
	if p.sels.EditorReady != "" {
		out, err = p.driver.WaitForSelector(ctx, p.frame, p.sels.EditorReady, session.WaitOptions{Timeout: p.timing.NavigationTimeout})
		if err != nil {
			return err
		}
		if !out.OK {
			p.metrics.ObserveLocatorMiss("editor")
			return fmt.Errorf("%w: editor did not load: %s", schemas.ErrNavigation, out.Reason)
		}
	}
	if err := p.driver.Wait(ctx, p.timing.EditorSettle); err != nil {
		return err
	}
	for _, c := range p.popups {
		if _, err := locate.Click(ctx, p.driver, c); err != nil {
			if !locate.IsMiss(err) {
				return err
			}
			continue
		}
		p.logger.Debug("Popup dismissed.", zap.String("popup", c.Name))
		if err := p.driver.Wait(ctx, p.timing.ClickSettle); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.sess.EditorReady = true
	p.mu.Unlock()
	p.logger.Info("Editor ready.", zap.String("url", target))
	return nil
}

// FillContent enters the payload. Images are fetched up front; ones that
// cannot be fetched are reported as skipped and their markers stay in the
// body. The error is nil unless the title or body could not be entered or the
// session failed.
func (p *Publisher) FillContent(ctx context.Context, payload schemas.ContentPayload) (schemas.InjectionReport, error) {
	p.op.Lock()
	defer p.op.Unlock()

	st := p.State()
	if !st.LoggedIn {
		return schemas.InjectionReport{}, schemas.ErrNotLoggedIn
	}
	if !st.EditorReady {
		return schemas.InjectionReport{}, fmt.Errorf("%w: editor is not open", schemas.ErrNavigation)
	}
	if err := payload.Validate(); err != nil {
		return schemas.InjectionReport{}, err
	}

	var unstaged []int
	if pre, ok := p.stager.(batchStager); ok && len(payload.Markers) > 0 {
		staged, failed := pre.StageAll(ctx, payload.Markers)
		if err := ctx.Err(); err != nil {
			return schemas.InjectionReport{}, err
		}
		for idx, err := range failed {
			p.logger.Warn("Image could not be fetched, leaving its marker.", zap.Int("index", idx), zap.Error(err))
			unstaged = append(unstaged, idx)
		}
		payload.Markers = staged
	}

	start := p.clock.Now()
	report, err := p.pipeline.Run(ctx, payload)
	p.metrics.ObserveStage("inject", p.clock.Now().Sub(start))
	if len(unstaged) > 0 {
		report.ImagesSkipped = append(report.ImagesSkipped, unstaged...)
		sort.Ints(report.ImagesSkipped)
	}
	p.metrics.ObserveInjection(len(report.ImagesPlaced), len(report.ImagesSkipped), len(report.LinksCarded), len(report.LinksSkipped))
	if errors.Is(err, schemas.ErrContentInjection) {
		p.metrics.ObserveLocatorMiss("content")
	}

	p.mu.Lock()
	p.lastTitle, p.lastReport = payload.Title, report
	p.mu.Unlock()
	return report, err
}

// SelectBoard applies a category without publishing.
func (p *Publisher) SelectBoard(ctx context.Context, name string) (schemas.BoardSelection, error) {
	p.op.Lock()
	defer p.op.Unlock()

	if !p.State().LoggedIn {
		return schemas.BoardSelection{}, schemas.ErrNotLoggedIn
	}
	sel, err := p.orch.SelectBoard(ctx, name)
	if err != nil {
		return sel, err
	}
	p.mu.Lock()
	p.sess.LastSelectedBoard = sel.SelectedBoard
	p.mu.Unlock()
	return sel, nil
}

// Publish runs one publish attempt and records it in the history.
func (p *Publisher) Publish(ctx context.Context, opts schemas.PublishOptions) (schemas.PublishResult, error) {
	p.op.Lock()
	defer p.op.Unlock()

	p.mu.Lock()
	p.sess.LastSelectedBoard = ""
	st, title, report := p.sess, p.lastTitle, p.lastReport
	p.mu.Unlock()
	if !st.LoggedIn {
		return schemas.PublishResult{Status: schemas.StatusFailed, Reason: schemas.ErrNotLoggedIn.Error()}, schemas.ErrNotLoggedIn
	}

	start := p.clock.Now()
	res, err := p.orch.Publish(ctx, st.Username, opts)
	p.metrics.ObserveStage("publish", p.clock.Now().Sub(start))
	p.metrics.ObservePublish(string(opts.Mode), string(res.Status))
	switch {
	case errors.Is(err, schemas.ErrPublish):
		p.metrics.ObserveLocatorMiss("publish")
	case errors.Is(err, schemas.ErrScheduling):
		p.metrics.ObserveLocatorMiss("schedule")
	}

	p.mu.Lock()
	p.sess.LastSelectedBoard = res.SelectedBoard
	p.mu.Unlock()

	if p.store != nil {
		rec := schemas.PublishRecord{
			Username:      st.Username,
			Platform:      p.platform.Name,
			Title:         title,
			Mode:          opts.Mode,
			Status:        res.Status,
			Board:         res.SelectedBoard,
			URL:           res.PublishedURL,
			Verified:      res.Verified,
			ImagesPlaced:  len(report.ImagesPlaced),
			ImagesSkipped: len(report.ImagesSkipped),
			Reason:        res.Reason,
			CreatedAt:     p.clock.Now(),
		}
		// The attempt already happened; history is best effort.
		if recErr := p.store.RecordPublish(context.WithoutCancel(ctx), rec); recErr != nil {
			p.logger.Warn("Failed to record publish history.", zap.Error(recErr))
		}
	}
	return res, err
}

// Logout signs out and clears the session state.
func (p *Publisher) Logout(ctx context.Context) error {
	p.op.Lock()
	defer p.op.Unlock()

	if !p.State().LoggedIn {
		return nil
	}
	if p.platform.LogoutURL != "" {
		out, err := p.driver.Navigate(ctx, p.platform.LogoutURL)
		if err != nil {
			return err
		}
		if !out.OK {
			p.logger.Warn("Logout page did not load.", zap.String("reason", out.Reason))
		}
	}
	p.mu.Lock()
	p.sess = Session{}
	p.lastTitle, p.lastReport = "", schemas.InjectionReport{}
	p.mu.Unlock()
	p.logger.Info("Logged out.")
	return nil
}

// Close tears the browser session down. It is safe to call concurrently with
// any operation and more than once.
func (p *Publisher) Close(ctx context.Context) error {
	err := p.driver.Close(ctx)
	p.mu.Lock()
	p.sess = Session{}
	p.mu.Unlock()
	return err
}

// -- End to end --

// Job is one complete publish run.
type Job struct {
	Credentials schemas.Credentials
	Payload     schemas.ContentPayload
	Options     schemas.PublishOptions
}

// JobReport collects the result of every step that ran.
type JobReport struct {
	Login     schemas.LoginResult     `json:"login"`
	Injection schemas.InjectionReport `json:"injection"`
	Publish   schemas.PublishResult   `json:"publish"`
}

// Run logs in, opens the editor, enters the content and publishes. It stops
// at the first step that does not succeed; the report holds every step that
// ran.
func (p *Publisher) Run(ctx context.Context, job Job) (JobReport, error) {
	var rep JobReport
	if err := job.Options.Validate(p.clock.Now()); err != nil {
		return rep, err
	}
	if err := job.Payload.Validate(); err != nil {
		return rep, err
	}

	login, err := p.Login(ctx, job.Credentials)
	rep.Login = login
	if err != nil {
		return rep, err
	}
	if login.Status != schemas.LoginSuccess {
		return rep, fmt.Errorf("%w: login ended with status %s", schemas.ErrNotLoggedIn, login.Status)
	}

	if err := p.NavigateToEditor(ctx); err != nil {
		return rep, err
	}

	report, err := p.FillContent(ctx, job.Payload)
	rep.Injection = report
	if err != nil {
		return rep, err
	}

	res, err := p.Publish(ctx, job.Options)
	rep.Publish = res
	return rep, err
}
