// internal/publish/orchestrator.go
// Package publish drives the editor's publish panel: category, optional
// schedule, confirmation and completion verification.
package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quill-cli/api/schemas"
	"github.com/xkilldash9x/quill-cli/internal/browser/locate"
	"github.com/xkilldash9x/quill-cli/internal/browser/session"
	"github.com/xkilldash9x/quill-cli/internal/clock"
	"github.com/xkilldash9x/quill-cli/internal/config"
)

// State is a publish attempt state.
type State int

const (
	StateIdle State = iota
	StateCategorySelected
	StateScheduleConfigured
	StatePublishTriggered
	StateConfirmed
	StateTimedOutAssumedSuccess
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCategorySelected:
		return "categorySelected"
	case StateScheduleConfigured:
		return "scheduleConfigured"
	case StatePublishTriggered:
		return "publishTriggered"
	case StateConfirmed:
		return "confirmed"
	case StateTimedOutAssumedSuccess:
		return "timedOutAssumedSuccess"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Orchestrator runs publish attempts against one editor session.
type Orchestrator struct {
	driver session.Driver
	clock  clock.Clock
	logger *zap.Logger

	timing   config.TimingConfig
	platform config.PlatformConfig
	phrases  []string
	frame    session.Target

	panel     locate.Chain
	category  locate.Chain
	label     locate.Chain
	toggle    locate.Chain
	dateOpen  locate.Chain
	nextMonth locate.Chain
	confirm   locate.Chain
	draft     locate.Chain

	items, monthLabel, days, hour, minute, toast string

	mu    sync.Mutex
	state State
}

// New builds an Orchestrator from the configured editor controls.
func New(d session.Driver, cfg config.Interface, clk clock.Clock, logger *zap.Logger) (*Orchestrator, error) {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timing := cfg.Timing()
	sels := cfg.Selectors()
	frame := session.Frame(cfg.Platform().EditorFrame)

	o := &Orchestrator{
		driver:     d,
		clock:      clk,
		logger:     logger.Named("publish"),
		timing:     timing,
		platform:   cfg.Platform(),
		phrases:    cfg.Auth().DraftSavedPhrases,
		frame:      frame,
		items:      sels.CategoryItems,
		monthLabel: sels.MonthLabel,
		days:       sels.DayButtons,
		hour:       sels.HourSelect,
		minute:     sels.MinuteSelect,
		toast:      sels.Toast,
	}
	chains := []struct {
		dst   *locate.Chain
		name  string
		specs []string
	}{
		{&o.panel, "publish", sels.PublishOpen},
		{&o.category, "category menu", sels.CategoryOpen},
		{&o.label, "category label", sels.CategoryLabel},
		{&o.toggle, "schedule toggle", sels.ScheduleToggle},
		{&o.dateOpen, "date picker", sels.DateOpen},
		{&o.nextMonth, "next month", sels.NextMonth},
		{&o.confirm, "publish confirm", sels.PublishConfirm},
		{&o.draft, "draft save", sels.DraftSave},
	}
	for _, c := range chains {
		chain, err := locate.NewChain(c.name, frame, c.specs, timing.LocatorRounds, timing.ClickSettle)
		if err != nil {
			return nil, err
		}
		*c.dst = chain
	}
	return o, nil
}

// State returns the state of the current or last attempt.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = s
}

// Publish runs one attempt for user. Drafts are saved from the editor
// toolbar; immediate and scheduled posts go through the publish panel and are
// verified by watching the page URL. The result is never retried.
func (o *Orchestrator) Publish(ctx context.Context, user string, opts schemas.PublishOptions) (schemas.PublishResult, error) {
	o.setState(StateIdle)
	var res schemas.PublishResult
	if err := opts.Validate(o.clock.Now()); err != nil {
		return o.fail(res, err)
	}
	if opts.Mode == schemas.ModeDraft {
		if opts.Board != "" {
			o.logger.Info("Drafts keep the editor's category; board ignored.", zap.String("board", opts.Board))
		}
		return o.SaveDraft(ctx)
	}

	sel, err := o.SelectBoard(ctx, opts.Board)
	res.SelectedBoard, res.BoardApplied = sel.SelectedBoard, sel.Applied
	if err != nil {
		return o.fail(res, err)
	}

	pattern, foreign, status := o.platform.PublishedPattern, o.platform.ScheduledPattern, schemas.StatusSuccess
	if opts.Mode == schemas.ModeScheduled {
		if err := o.ConfigureSchedule(ctx, *opts.ScheduledAt); err != nil {
			return o.fail(res, err)
		}
		pattern, foreign, status = o.platform.ScheduledPattern, o.platform.PublishedPattern, schemas.StatusScheduled
	}

	w, err := NewWatcher(o.driver, o.clock, o.logger, o.timing, pattern, user, status)
	if err != nil {
		return o.fail(res, err)
	}
	if err := w.NoteForeign(foreign, user); err != nil {
		return o.fail(res, err)
	}
	done, err := w.Await(ctx, o.trigger)
	if err != nil {
		return o.fail(res, err)
	}

	res.Status, res.Verified = done.Status, done.Verified
	if done.Verified {
		res.PublishedURL = done.URL
		o.setState(StateConfirmed)
	} else {
		o.setState(StateTimedOutAssumedSuccess)
		res.Reason = fmt.Sprintf("no completion signal within %v", o.timing.VerifyTimeout)
	}
	o.logger.Info("Publish finished.",
		zap.String("status", string(res.Status)), zap.String("url", res.PublishedURL), zap.Bool("verified", res.Verified))
	return res, nil
}

// trigger confirms the publish dialog.
func (o *Orchestrator) trigger(ctx context.Context) error {
	if _, err := locate.Click(ctx, o.driver, o.confirm); err != nil {
		return o.wrap(schemas.ErrPublish, "confirm", err)
	}
	o.setState(StatePublishTriggered)
	return nil
}

func (o *Orchestrator) fail(res schemas.PublishResult, err error) (schemas.PublishResult, error) {
	res.Status = schemas.StatusFailed
	res.Verified = false
	res.Reason = err.Error()
	o.setState(StateFailed)
	o.logger.Warn("Publish failed.", zap.Error(err))
	return res, err
}

// -- Category --

// SelectBoard applies the named category. With no name it reports the
// category currently shown. A name that matches no entry closes the menu and
// reports the unchanged category with Applied false; calling it again has no
// further effect.
func (o *Orchestrator) SelectBoard(ctx context.Context, name string) (schemas.BoardSelection, error) {
	if err := o.ensurePanel(ctx); err != nil {
		return schemas.BoardSelection{}, err
	}
	current, err := o.readLabel(ctx)
	if err != nil {
		return schemas.BoardSelection{}, err
	}
	if strings.TrimSpace(name) == "" {
		o.setState(StateCategorySelected)
		return schemas.BoardSelection{Success: current != "", SelectedBoard: current}, nil
	}

	if _, err := locate.Click(ctx, o.driver, o.category); err != nil {
		if !locate.IsMiss(err) {
			return schemas.BoardSelection{}, err
		}
		o.logger.Warn("Category menu not found.", zap.Error(err))
		return schemas.BoardSelection{Success: current != "", SelectedBoard: current}, nil
	}
	if err := o.driver.Wait(ctx, o.timing.MenuSettle); err != nil {
		return schemas.BoardSelection{}, err
	}
	if _, err := o.driver.WaitForSelector(ctx, o.frame, o.items, session.WaitOptions{Timeout: o.timing.ActionTimeout}); err != nil {
		return schemas.BoardSelection{}, err
	}

	out, err := o.driver.Query(ctx, o.frame, o.items)
	if err != nil {
		return schemas.BoardSelection{}, err
	}
	var entries []session.Element
	if out.OK {
		_ = out.Decode(&entries)
	}
	want := squash(name)
	for _, e := range entries {
		if !e.Visible || squash(e.Text) != want {
			continue
		}
		click, err := o.driver.ClickAt(ctx, e.Center, 1)
		if err != nil {
			return schemas.BoardSelection{}, err
		}
		if !click.OK {
			break
		}
		if err := o.driver.Wait(ctx, o.timing.MenuSettle); err != nil {
			return schemas.BoardSelection{}, err
		}
		selected, err := o.readLabel(ctx)
		if err != nil {
			return schemas.BoardSelection{}, err
		}
		if selected == "" {
			selected = strings.TrimSpace(e.Text)
		}
		o.setState(StateCategorySelected)
		o.logger.Info("Category selected.", zap.String("board", selected))
		return schemas.BoardSelection{Success: true, SelectedBoard: selected, Applied: true}, nil
	}

	o.logger.Warn("Requested category not found, keeping the current one.",
		zap.String("requested", name), zap.String("current", current), zap.Int("entries", len(entries)))
	if _, err := o.driver.Press(ctx, session.KeyEscape); err != nil {
		return schemas.BoardSelection{}, err
	}
	if err := o.driver.Wait(ctx, o.timing.MenuSettle); err != nil {
		return schemas.BoardSelection{}, err
	}
	o.setState(StateCategorySelected)
	return schemas.BoardSelection{Success: true, SelectedBoard: current}, nil
}

// ensurePanel opens the publish panel unless the category label already shows.
func (o *Orchestrator) ensurePanel(ctx context.Context) error {
	probe := o.label
	probe.Rounds = 1
	if _, err := probe.Locate(ctx, o.driver); err == nil {
		return nil
	} else if !locate.IsMiss(err) {
		return err
	}
	if _, err := locate.Click(ctx, o.driver, o.panel); err != nil {
		return o.wrap(schemas.ErrPublish, "open publish panel", err)
	}
	return o.driver.Wait(ctx, o.timing.MenuSettle)
}

func (o *Orchestrator) readLabel(ctx context.Context) (string, error) {
	m, err := o.label.Locate(ctx, o.driver)
	if err != nil {
		if locate.IsMiss(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(m.Text), nil
}

// squash drops all whitespace so labels compare regardless of spacing.
func squash(s string) string {
	return strings.Join(strings.Fields(s), "")
}

// -- Draft --

// SaveDraft clicks save and watches for the saved toast. The result is
// draftSaved either way; Verified reports whether the toast was seen.
func (o *Orchestrator) SaveDraft(ctx context.Context) (schemas.PublishResult, error) {
	var res schemas.PublishResult
	if _, err := locate.Click(ctx, o.driver, o.draft); err != nil {
		return o.fail(res, o.wrap(schemas.ErrPublish, "save draft", err))
	}
	o.setState(StatePublishTriggered)

	seen, err := o.awaitToast(ctx)
	if err != nil {
		return o.fail(res, err)
	}
	res.Status, res.Verified = schemas.StatusDraftSaved, seen
	if seen {
		o.setState(StateConfirmed)
	} else {
		o.setState(StateTimedOutAssumedSuccess)
		res.Reason = fmt.Sprintf("no draft-saved toast within %v", o.timing.ToastTimeout)
		o.logger.Warn("Draft toast not seen; assuming the draft was saved.")
	}
	return res, nil
}

func (o *Orchestrator) awaitToast(ctx context.Context) (bool, error) {
	deadline := o.clock.Now().Add(o.timing.ToastTimeout)
	for {
		out, err := o.driver.Query(ctx, o.frame, o.toast)
		if err != nil {
			return false, err
		}
		if out.OK {
			var els []session.Element
			if err := out.Decode(&els); err == nil && o.toastSaved(els) {
				return true, nil
			}
		}
		if !o.clock.Now().Before(deadline) {
			return false, nil
		}
		if err := o.clock.Sleep(ctx, o.timing.ToastPollInterval); err != nil {
			return false, err
		}
	}
}

func (o *Orchestrator) toastSaved(els []session.Element) bool {
	for _, el := range els {
		if !el.Visible {
			continue
		}
		text := strings.ToLower(el.Text)
		for _, p := range o.phrases {
			if p != "" && strings.Contains(text, strings.ToLower(p)) {
				return true
			}
		}
	}
	return false
}

// wrap tags a locator miss with kind. Transport faults and cancellation are
// returned unchanged.
func (o *Orchestrator) wrap(kind error, step string, err error) error {
	if errors.Is(err, schemas.ErrSessionLost) || errors.Is(err, schemas.ErrSessionClosed) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", kind, step, err)
}
