package auth_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/quill-cli/api/schemas"
	"github.com/xkilldash9x/quill-cli/internal/auth"
	"github.com/xkilldash9x/quill-cli/internal/browser/session"
	"github.com/xkilldash9x/quill-cli/internal/clock"
	"github.com/xkilldash9x/quill-cli/internal/config"
	"github.com/xkilldash9x/quill-cli/internal/mocks"
)

const (
	loginURL  = "https://nid.naver.com/nidlogin.login"
	homeURL   = "https://www.naver.com/"
	deviceURL = "https://nid.naver.com/login/ext/deviceConfirm?url=https://www.naver.com"
)

var creds = schemas.Credentials{Username: "writer", Password: "s3cret"}

type fixture struct {
	cfg    *config.Config
	clk    *clock.Fake
	driver *mocks.FakeDriver
	ctx    context.Context
	start  time.Time
}

// newFixture builds a login page whose submit button navigates to afterSubmit.
func newFixture(t *testing.T, afterSubmit string) *fixture {
	t.Helper()
	cfg := config.NewDefaultConfig()
	start := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go clk.Auto(ctx, 500*time.Millisecond)

	d := mocks.NewFakeDriver(clk)
	d.AddElement("", cfg.SelectorsCfg.LoginUsername[0], mocks.FakeElement{Center: session.Point{X: 100, Y: 100}})
	d.AddElement("", cfg.SelectorsCfg.LoginPassword[0], mocks.FakeElement{Center: session.Point{X: 100, Y: 140}})
	d.AddElement("", cfg.SelectorsCfg.LoginSubmit[0], mocks.FakeElement{
		Center:  session.Point{X: 100, Y: 200},
		OnClick: func() { d.SetURL(afterSubmit) },
	})
	return &fixture{cfg: cfg, clk: clk, driver: d, ctx: ctx, start: start}
}

func (f *fixture) authenticator(t *testing.T, opts ...auth.Option) *auth.Authenticator {
	t.Helper()
	a, err := auth.New(f.driver, f.cfg, f.clk, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return a
}

func (f *fixture) elapsed() time.Duration { return f.clk.Now().Sub(f.start) }

func TestLogin_Success(t *testing.T) {
	f := newFixture(t, homeURL)
	a := f.authenticator(t)

	res, err := a.Login(f.ctx, creds)
	require.NoError(t, err)
	assert.Equal(t, schemas.LoginSuccess, res.Status)
	assert.Equal(t, homeURL, res.FinalURL)
	assert.Equal(t, "writer", res.Username)
	assert.Equal(t, auth.StateSuccess, a.State())
	assert.Less(t, f.elapsed(), 90*time.Second)
	assert.Equal(t, "Navigate("+loginURL+")", f.driver.Calls()[0])
}

func TestLogin_EmptyCredentials(t *testing.T) {
	f := newFixture(t, homeURL)
	res, err := f.authenticator(t).Login(f.ctx, schemas.Credentials{Username: "writer"})
	assert.ErrorIs(t, err, schemas.ErrAuthFailure)
	assert.Equal(t, schemas.LoginFailed, res.Status)
	assert.Empty(t, f.driver.Calls())
}

func TestLogin_MissingFieldIsTerminal(t *testing.T) {
	f := newFixture(t, homeURL)
	f.driver.SetElements("", f.cfg.SelectorsCfg.LoginPassword[0])

	res, err := f.authenticator(t).Login(f.ctx, creds)
	assert.ErrorIs(t, err, schemas.ErrAuthFailure)
	assert.Equal(t, schemas.LoginFailed, res.Status)
	assert.Contains(t, res.Reason, "password")
	assert.Zero(t, f.driver.CountCalls("Snapshot("), "no polling after a failed fill")
}

func TestLogin_StallOnLoginPage(t *testing.T) {
	f := newFixture(t, loginURL)
	a := f.authenticator(t)

	res, err := a.Login(f.ctx, creds)
	assert.ErrorIs(t, err, schemas.ErrAuthFailure)
	assert.Equal(t, schemas.LoginFailed, res.Status)
	assert.Contains(t, res.Reason, "still on the login page")
	assert.GreaterOrEqual(t, f.elapsed(), 10*time.Second)
	assert.Less(t, f.elapsed(), 20*time.Second)
	assert.Equal(t, auth.StateFailed, a.State())
}

func TestLogin_ErrorPhraseFailsFast(t *testing.T) {
	f := newFixture(t, loginURL)
	f.driver.PageText = "Incorrect password. Please try again."

	res, err := f.authenticator(t).Login(f.ctx, creds)
	assert.ErrorIs(t, err, schemas.ErrAuthFailure)
	assert.Equal(t, "login rejected by the platform", res.Reason)
	assert.Less(t, f.elapsed(), 2*time.Second)
}

func TestLogin_TwoFactorApprovedOutOfBand(t *testing.T) {
	f := newFixture(t, loginURL)
	f.driver.PageText = "2단계 인증 알림을 보냈습니다"

	var polls atomic.Int32
	f.driver.MockSnapshot = func(ctx context.Context, t session.Target, probes []string) (session.Outcome, error) {
		if polls.Add(1) == 12 {
			f.driver.PageText = ""
			f.driver.SetURL(homeURL)
		}
		return f.driver.DefaultSnapshot(ctx, t, probes)
	}

	res, err := f.authenticator(t).Login(f.ctx, creds)
	require.NoError(t, err)
	assert.Equal(t, schemas.LoginSuccess, res.Status)
	assert.Greater(t, f.elapsed(), 10*time.Second, "the stall check is suppressed while challenged")
}

func TestLogin_TwoFactorNeverCompleted(t *testing.T) {
	f := newFixture(t, loginURL)
	f.driver.AddElement("", "#otp", mocks.FakeElement{})

	res, err := f.authenticator(t).Login(f.ctx, creds)
	assert.ErrorIs(t, err, schemas.ErrAuthFailure)
	assert.Equal(t, schemas.LoginFailed, res.Status)
	assert.Contains(t, res.Reason, "second-factor")
	assert.GreaterOrEqual(t, f.elapsed(), 90*time.Second)
}

func TestLogin_TwoFactorWithoutWaiting(t *testing.T) {
	f := newFixture(t, loginURL)
	f.driver.AddElement("", "#otp", mocks.FakeElement{})

	a := f.authenticator(t, auth.WithAwaitChallenge(false))
	res, err := a.Login(f.ctx, creds)
	require.NoError(t, err, "a challenge is an outcome, not an error")
	assert.Equal(t, schemas.LoginTwoFactorRequired, res.Status)
	assert.True(t, res.Status.IsChallenge())
	assert.Equal(t, auth.StateTwoFactorPending, a.State())
}

func TestLogin_DeviceSkipped(t *testing.T) {
	f := newFixture(t, deviceURL)
	f.driver.AddElement("", f.cfg.SelectorsCfg.DeviceSkip[0], mocks.FakeElement{
		Center:  session.Point{X: 300, Y: 300},
		OnClick: func() { f.driver.SetURL(homeURL) },
	})

	res, err := f.authenticator(t).Login(f.ctx, creds)
	require.NoError(t, err)
	assert.Equal(t, schemas.LoginSuccess, res.Status)
	assert.Equal(t, 1, f.driver.CountCalls("ClickAt(300,300"))
}

func TestLogin_DeviceRegistrationRequired(t *testing.T) {
	f := newFixture(t, deviceURL)
	a := f.authenticator(t)

	res, err := a.Login(f.ctx, creds)
	require.NoError(t, err)
	assert.Equal(t, schemas.LoginDeviceRegistrationRequired, res.Status)
	assert.Equal(t, auth.StateDeviceRegistrationPending, a.State())
}

func TestLogin_DeviceSkipAttemptedOncePerSession(t *testing.T) {
	f := newFixture(t, deviceURL)
	f.driver.AddElement("", f.cfg.SelectorsCfg.DeviceSkip[0], mocks.FakeElement{Center: session.Point{X: 300, Y: 300}})
	a := f.authenticator(t)

	// The skip control does nothing, so the prompt stays until timeout.
	res, err := a.Login(f.ctx, creds)
	assert.ErrorIs(t, err, schemas.ErrAuthFailure)
	assert.Equal(t, schemas.LoginFailed, res.Status)
	assert.Equal(t, 1, f.driver.CountCalls("ClickAt(300,300"))

	// A second login on the same session does not try the skip again.
	res, err = a.Login(f.ctx, creds)
	assert.ErrorIs(t, err, schemas.ErrAuthFailure)
	assert.Equal(t, 1, f.driver.CountCalls("ClickAt(300,300"))
}

func TestLogin_SessionClosed(t *testing.T) {
	f := newFixture(t, homeURL)
	require.NoError(t, f.driver.Close(f.ctx))

	res, err := f.authenticator(t).Login(f.ctx, creds)
	assert.ErrorIs(t, err, schemas.ErrSessionClosed)
	assert.NotErrorIs(t, err, schemas.ErrAuthFailure)
	assert.Equal(t, schemas.LoginFailed, res.Status)
}

func TestLogin_ContextCancelledWhilePolling(t *testing.T) {
	f := newFixture(t, loginURL)
	f.driver.AddElement("", "#otp", mocks.FakeElement{})
	ctx, cancel := context.WithCancel(f.ctx)

	f.driver.MockSnapshot = func(c context.Context, t session.Target, probes []string) (session.Outcome, error) {
		cancel()
		return f.driver.DefaultSnapshot(c, t, probes)
	}
	_, err := f.authenticator(t).Login(ctx, creds)
	assert.ErrorIs(t, err, context.Canceled)
}
