// internal/auth/auth.go
// Package auth drives the platform login form and classifies the outcome.
// The login page offers no structured result, so the outcome is inferred by
// polling the URL and page content until a terminal state is reached.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quill-cli/api/schemas"
	"github.com/xkilldash9x/quill-cli/internal/browser/locate"
	"github.com/xkilldash9x/quill-cli/internal/browser/session"
	"github.com/xkilldash9x/quill-cli/internal/clock"
	"github.com/xkilldash9x/quill-cli/internal/config"
)

// State is a login state machine state.
type State int

const (
	StateIdle State = iota
	StateCredentialsSubmitted
	StateSuccess
	StateFailed
	StateTwoFactorPending
	StateDeviceRegistrationPending
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCredentialsSubmitted:
		return "credentialsSubmitted"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	case StateTwoFactorPending:
		return "twoFactorPending"
	case StateDeviceRegistrationPending:
		return "deviceRegistrationPending"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithAwaitChallenge controls what happens when a second-factor challenge is
// detected. When true (the default) polling continues quietly until the user
// approves the sign-in elsewhere or the login times out. When false Login
// returns LoginTwoFactorRequired straight away.
func WithAwaitChallenge(wait bool) Option {
	return func(a *Authenticator) { a.awaitChallenge = wait }
}

// WithDetectors replaces the second-factor detectors.
func WithDetectors(d AnyOf) Option {
	return func(a *Authenticator) { a.cls.detectors = d }
}

// Authenticator runs the login flow against one session. The device-skip
// attempt is remembered for the lifetime of the Authenticator, so create one
// per session.
type Authenticator struct {
	driver session.Driver
	clock  clock.Clock
	logger *zap.Logger

	platform config.PlatformConfig
	timing   config.TimingConfig
	auth     config.AuthConfig
	sels     config.SelectorsConfig

	cls            classifier
	submit         locate.Chain
	deviceSkip     locate.Chain
	awaitChallenge bool

	mu              sync.Mutex
	state           State
	deviceAttempted bool
}

// New creates an Authenticator for d.
func New(d session.Driver, cfg config.Interface, clk clock.Clock, logger *zap.Logger, opts ...Option) (*Authenticator, error) {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timing := cfg.Timing()
	sels := cfg.Selectors()

	submit, err := locate.NewChain("login-submit", session.Document, sels.LoginSubmit, timing.LocatorRounds, timing.ClickSettle)
	if err != nil {
		return nil, err
	}
	skip, err := locate.NewChain("device-skip", session.Document, sels.DeviceSkip, 1, 0)
	if err != nil {
		return nil, err
	}

	a := &Authenticator{
		driver:   d,
		clock:    clk,
		logger:   logger.Named("auth"),
		platform: cfg.Platform(),
		timing:   timing,
		auth:     cfg.Auth(),
		sels:     sels,
		cls: classifier{
			platform:  cfg.Platform(),
			detectors: ChallengeDetectors(cfg.Auth()),
			errors:    cfg.Auth().ErrorPhrases,
			stall:     timing.LoginStallTimeout,
		},
		submit:         submit,
		deviceSkip:     skip,
		awaitChallenge: true,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// State returns the current state.
func (a *Authenticator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Authenticator) setState(s State) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	a.mu.Unlock()
	if prev != s {
		a.logger.Debug("Login state changed.", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// Login submits creds and classifies the result. A failed login is returned
// both as a LoginFailed result and as an error wrapping ErrAuthFailure.
// Challenge outcomes are statuses, not errors. Transport faults are returned
// as-is together with a failed result.
func (a *Authenticator) Login(ctx context.Context, creds schemas.Credentials) (schemas.LoginResult, error) {
	a.setState(StateIdle)
	res := schemas.LoginResult{Username: creds.Username}
	if creds.Username == "" || creds.Password == "" {
		return a.fail(res, "username and password are required")
	}

	out, err := a.driver.Navigate(ctx, a.platform.LoginURL)
	if err != nil {
		return a.abort(res, err)
	}
	if !out.OK {
		return a.fail(res, "login page unreachable: "+out.Reason)
	}

	if err := a.fill(ctx, a.sels.LoginUsername, creds.Username); err != nil {
		return a.failOrAbort(res, "username", err)
	}
	if err := a.fill(ctx, a.sels.LoginPassword, creds.Password); err != nil {
		return a.failOrAbort(res, "password", err)
	}
	if _, err := locate.Click(ctx, a.driver, a.submit); err != nil {
		return a.failOrAbort(res, "submit", err)
	}
	a.setState(StateCredentialsSubmitted)
	a.logger.Info("Credentials submitted, waiting for the login outcome.", zap.String("username", creds.Username))

	return a.poll(ctx, res)
}

func (a *Authenticator) poll(ctx context.Context, res schemas.LoginResult) (schemas.LoginResult, error) {
	start := a.clock.Now()
	deadline := start.Add(a.timing.LoginTimeout)
	a.mu.Lock()
	st := pollState{deviceAttempted: a.deviceAttempted}
	a.mu.Unlock()

	for {
		snap, err := a.snapshot(ctx)
		if err != nil {
			return a.abort(res, err)
		}
		res.FinalURL = snap.URL

		d := a.cls.classify(snap, a.clock.Now().Sub(start), st)
		a.setState(d.state)

		switch d.action {
		case actSucceed:
			res.Status = schemas.LoginSuccess
			a.logger.Info("Login succeeded.", zap.String("url", snap.URL))
			return res, nil

		case actFail:
			return a.fail(res, d.reason)

		case actSkipDevice:
			st.deviceAttempted = true
			a.mu.Lock()
			a.deviceAttempted = true
			a.mu.Unlock()
			if _, err := locate.Click(ctx, a.driver, a.deviceSkip); err != nil {
				if !locate.IsMiss(err) {
					return a.abort(res, err)
				}
				res.Status = schemas.LoginDeviceRegistrationRequired
				res.Reason = "device registration prompt has no skip control"
				a.logger.Warn("Device registration required.", zap.String("url", snap.URL))
				return res, nil
			}
			a.logger.Info("Skipped device registration prompt.")

		case actChallenge:
			if !a.awaitChallenge {
				res.Status = schemas.LoginTwoFactorRequired
				res.Reason = d.reason
				return res, nil
			}
			if !st.quiet {
				a.logger.Info("Second-factor challenge detected, waiting for approval.", zap.String("detector", d.reason))
			}
			st.quiet = true
		}

		if !a.clock.Now().Before(deadline) {
			reason := "login timed out after " + a.timing.LoginTimeout.String()
			if st.quiet {
				reason = "second-factor challenge not completed within " + a.timing.LoginTimeout.String()
			}
			return a.fail(res, reason)
		}
		if err := a.clock.Sleep(ctx, a.timing.LoginPollInterval); err != nil {
			return a.abort(res, err)
		}
	}
}

// snapshot captures URL, text and detector presence. A page in the middle of
// navigating yields an empty snapshot carrying only the URL.
func (a *Authenticator) snapshot(ctx context.Context) (PageSnapshot, error) {
	probes := append(append([]string{}, a.auth.TwoFactorFields...), a.auth.TwoFactorStatusText...)
	out, err := a.driver.Snapshot(ctx, session.Document, probes)
	if err != nil {
		return PageSnapshot{}, err
	}
	var snap session.Snapshot
	if out.OK {
		if err := out.Decode(&snap); err == nil {
			return PageSnapshot{URL: snap.URL, Text: snap.Text, Present: snap.Present}, nil
		}
	}
	u, err := a.driver.URL(ctx)
	if err != nil {
		return PageSnapshot{}, err
	}
	a.logger.Debug("Snapshot unavailable, using URL only.", zap.String("reason", out.Reason))
	return PageSnapshot{URL: u}, nil
}

// fill tries each selector in turn.
func (a *Authenticator) fill(ctx context.Context, selectors []string, value string) error {
	var reason string
	for _, sel := range selectors {
		out, err := a.driver.Fill(ctx, session.Document, sel, value)
		if err != nil {
			return err
		}
		if out.OK {
			return nil
		}
		reason = out.Reason
	}
	return fmt.Errorf("%w: no field accepted input (last: %s)", schemas.ErrLocatorMiss, reason)
}

func (a *Authenticator) failOrAbort(res schemas.LoginResult, step string, err error) (schemas.LoginResult, error) {
	if errors.Is(err, schemas.ErrLocatorMiss) {
		return a.fail(res, step+": "+err.Error())
	}
	return a.abort(res, err)
}

func (a *Authenticator) fail(res schemas.LoginResult, reason string) (schemas.LoginResult, error) {
	a.setState(StateFailed)
	res.Status = schemas.LoginFailed
	res.Reason = reason
	a.logger.Warn("Login failed.", zap.String("reason", reason))
	return res, fmt.Errorf("%w: %s", schemas.ErrAuthFailure, reason)
}

func (a *Authenticator) abort(res schemas.LoginResult, err error) (schemas.LoginResult, error) {
	a.setState(StateFailed)
	res.Status = schemas.LoginFailed
	res.Reason = err.Error()
	return res, err
}
