package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/quill-cli/api/schemas"
	"github.com/xkilldash9x/quill-cli/internal/auth"
	"github.com/xkilldash9x/quill-cli/internal/browser/session"
	"github.com/xkilldash9x/quill-cli/internal/clock"
	"github.com/xkilldash9x/quill-cli/internal/config"
	"github.com/xkilldash9x/quill-cli/internal/content"
	"github.com/xkilldash9x/quill-cli/internal/mocks"
	"github.com/xkilldash9x/quill-cli/internal/observability"
	"github.com/xkilldash9x/quill-cli/internal/staging"
)

const (
	frame     = "mainFrame"
	homeURL   = "https://www.naver.com/"
	editorURL = "https://blog.naver.com/writer/postwrite"
)

var creds = schemas.Credentials{Username: "writer", Password: "s3cret"}

// site scripts the login page and the editor of one blog account.
type site struct {
	cfg     *config.Config
	clk     *clock.Fake
	driver  *mocks.FakeDriver
	ctx     context.Context
	metrics *observability.Metrics
	images  string

	toast   *mocks.FakeElement
	resumed int
}

func newSite(t *testing.T) *site {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.BrowserCfg.Humanoid.Enabled = false
	cfg.StagingCfg.Dir = t.TempDir()

	clk := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go clk.Auto(ctx, 100*time.Millisecond)

	d := mocks.NewFakeDriver(clk)
	s := &site{cfg: cfg, clk: clk, driver: d, ctx: ctx, metrics: observability.NewMetrics()}
	sels := cfg.SelectorsCfg

	// Login page.
	d.AddElement("", sels.LoginUsername[0], mocks.FakeElement{Center: session.Point{X: 100, Y: 100}})
	d.AddElement("", sels.LoginPassword[0], mocks.FakeElement{Center: session.Point{X: 100, Y: 140}})
	d.AddElement("", sels.LoginSubmit[0], mocks.FakeElement{
		Center:  session.Point{X: 100, Y: 200},
		OnClick: func() { d.SetURL(homeURL) },
	})

	// Editor.
	d.AddElement(frame, sels.EditorReady, mocks.FakeElement{Center: session.Point{X: 400, Y: 500}})
	d.AddElement(frame, sels.ResumeCancel[0], mocks.FakeElement{
		Center:  session.Point{X: 600, Y: 400},
		OnClick: func() { s.resumed++ },
	})
	d.AddElement(frame, sels.Title[1], mocks.FakeElement{Focus: "title", Center: session.Point{X: 400, Y: 120}})
	d.AddElement(frame, sels.Body[0], mocks.FakeElement{Focus: "body", Center: session.Point{X: 400, Y: 300}})
	s.toast = d.AddElement(frame, sels.Toast, mocks.FakeElement{Text: "임시 저장되었습니다", Hidden: true, Center: session.Point{X: 500, Y: 800}})
	d.AddElement(frame, sels.DraftSave[0], mocks.FakeElement{
		Center:  session.Point{X: 850, Y: 40},
		OnClick: func() { s.toast.Hidden = false },
	})

	s.images = t.TempDir()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	require.NoError(t, os.WriteFile(filepath.Join(s.images, "1.png"), buf.Bytes(), 0o600))
	return s
}

func (s *site) publisher(t *testing.T, accounts AccountStore, opts ...auth.Option) *Publisher {
	t.Helper()
	logger := zaptest.NewLogger(t)
	stager, err := staging.New(s.cfg.StagingCfg, logger)
	require.NoError(t, err)
	t.Cleanup(stager.Cleanup)

	p, err := New(s.driver, mocks.NewMockConfigFrom(s.cfg), Deps{
		Stager:      stager,
		Store:       accounts,
		Metrics:     s.metrics,
		Clock:       s.clk,
		Logger:      logger,
		AuthOptions: opts,
	})
	require.NoError(t, err)
	return p
}

func (s *site) payload(t *testing.T) schemas.ContentPayload {
	t.Helper()
	doc, err := content.Build("Weekend in Busan", "Arrived (image 1)\n\nThen (image 2)", content.FormatMarkdown, map[int]string{
		1: filepath.Join(s.images, "1.png"),
		2: filepath.Join(s.images, "missing.png"),
	})
	require.NoError(t, err)
	return doc.Payload
}

func loggedIn(t *testing.T, s *site, p *Publisher) {
	t.Helper()
	res, err := p.Login(s.ctx, creds)
	require.NoError(t, err)
	require.Equal(t, schemas.LoginSuccess, res.Status)
}

func TestLogin_RemembersAccount(t *testing.T) {
	s := newSite(t)
	accounts := new(mocks.MockAccountStore)
	accounts.On("SaveAccount", mock.Anything, mock.MatchedBy(func(a schemas.Account) bool {
		return a.Username == "writer" && a.Platform == "naver-blog" && !a.LastLoginAt.IsZero()
	})).Return(nil).Once()

	p := s.publisher(t, accounts)
	loggedIn(t, s, p)

	assert.Equal(t, Session{LoggedIn: true, Username: "writer"}, p.State())
	accounts.AssertExpectations(t)

	n, err := testutil.GatherAndCount(s.metrics.Registry(), "quill_login_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLogin_StoreFailureIsNotFatal(t *testing.T) {
	s := newSite(t)
	accounts := new(mocks.MockAccountStore)
	accounts.On("SaveAccount", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	p := s.publisher(t, accounts)
	loggedIn(t, s, p)
	assert.True(t, p.State().LoggedIn)
}

func TestLogin_FailureLeavesSessionLoggedOut(t *testing.T) {
	s := newSite(t)
	p := s.publisher(t, nil)

	res, err := p.Login(s.ctx, schemas.Credentials{Username: "writer"})
	assert.ErrorIs(t, err, schemas.ErrAuthFailure)
	assert.Equal(t, schemas.LoginFailed, res.Status)
	assert.False(t, p.State().LoggedIn)
}

func TestOperations_RequireLogin(t *testing.T) {
	s := newSite(t)
	p := s.publisher(t, nil)

	assert.ErrorIs(t, p.NavigateToEditor(s.ctx), schemas.ErrNotLoggedIn)

	_, err := p.FillContent(s.ctx, s.payload(t))
	assert.ErrorIs(t, err, schemas.ErrNotLoggedIn)

	_, err = p.SelectBoard(s.ctx, "Daily")
	assert.ErrorIs(t, err, schemas.ErrNotLoggedIn)

	res, err := p.Publish(s.ctx, schemas.PublishOptions{Mode: schemas.ModeDraft})
	assert.ErrorIs(t, err, schemas.ErrNotLoggedIn)
	assert.Equal(t, schemas.StatusFailed, res.Status)

	assert.Empty(t, s.driver.Calls(), "nothing touches the browser")
}

func TestNavigateToEditor_DismissesPopups(t *testing.T) {
	s := newSite(t)
	p := s.publisher(t, nil)
	loggedIn(t, s, p)

	require.NoError(t, p.NavigateToEditor(s.ctx))
	assert.True(t, p.State().EditorReady)
	assert.Equal(t, 1, s.resumed)
	assert.Contains(t, s.driver.Calls(), "Navigate("+editorURL+")")
}

func TestNavigateToEditor_EditorNeverLoads(t *testing.T) {
	s := newSite(t)
	s.driver.SetElements(frame, s.cfg.SelectorsCfg.EditorReady)
	p := s.publisher(t, nil)
	loggedIn(t, s, p)

	err := p.NavigateToEditor(s.ctx)
	assert.ErrorIs(t, err, schemas.ErrNavigation)
	assert.False(t, p.State().EditorReady)

	_, err = p.FillContent(s.ctx, s.payload(t))
	assert.ErrorIs(t, err, schemas.ErrNavigation, "content needs an open editor")
}

func TestRun_DraftEndToEnd(t *testing.T) {
	s := newSite(t)
	accounts := new(mocks.MockAccountStore)
	accounts.On("SaveAccount", mock.Anything, mock.Anything).Return(nil)
	accounts.On("RecordPublish", mock.Anything, mock.MatchedBy(func(r schemas.PublishRecord) bool {
		return r.Username == "writer" &&
			r.Title == "Weekend in Busan" &&
			r.Mode == schemas.ModeDraft &&
			r.Status == schemas.StatusDraftSaved &&
			r.Verified &&
			r.ImagesPlaced == 1 &&
			r.ImagesSkipped == 1
	})).Return(nil).Once()

	p := s.publisher(t, accounts)
	rep, err := p.Run(s.ctx, Job{
		Credentials: creds,
		Payload:     s.payload(t),
		Options:     schemas.PublishOptions{Mode: schemas.ModeDraft, Board: "ignored"},
	})
	require.NoError(t, err)

	assert.Equal(t, schemas.LoginSuccess, rep.Login.Status)
	assert.True(t, rep.Injection.TitleEntered)
	assert.True(t, rep.Injection.BodyPasted)
	assert.Equal(t, []int{1}, rep.Injection.ImagesPlaced)
	assert.Equal(t, []int{2}, rep.Injection.ImagesSkipped)
	assert.Equal(t, schemas.StatusDraftSaved, rep.Publish.Status)
	assert.True(t, rep.Publish.Verified)

	state := s.driver.EditorState()
	assert.Equal(t, "Weekend in Busan", state.Title)
	assert.Contains(t, state.Body, "(image 2)")
	accounts.AssertExpectations(t)

	n, err := testutil.GatherAndCount(s.metrics.Registry(), "quill_publish_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRun_StopsWhenLoginNeedsChallenge(t *testing.T) {
	s := newSite(t)
	s.driver.PageText = "Enter the verification code sent to your phone"
	s.driver.SetElements("", s.cfg.SelectorsCfg.LoginSubmit[0], mocks.FakeElement{
		Center:  session.Point{X: 100, Y: 200},
		OnClick: func() { s.driver.SetURL("https://nid.naver.com/login/ext/otp") },
	})
	p := s.publisher(t, nil, auth.WithAwaitChallenge(false))

	rep, err := p.Run(s.ctx, Job{Credentials: creds, Payload: s.payload(t), Options: schemas.PublishOptions{Mode: schemas.ModeDraft}})
	assert.ErrorIs(t, err, schemas.ErrNotLoggedIn)
	assert.Equal(t, schemas.LoginTwoFactorRequired, rep.Login.Status)
	assert.NotContains(t, s.driver.Calls(), "Navigate("+editorURL+")")
}

func TestRun_RejectsBadOptionsBeforeLogin(t *testing.T) {
	s := newSite(t)
	p := s.publisher(t, nil)
	past := s.clk.Now().Add(-time.Hour)

	_, err := p.Run(s.ctx, Job{Credentials: creds, Payload: s.payload(t), Options: schemas.PublishOptions{Mode: schemas.ModeScheduled, ScheduledAt: &past}})
	assert.ErrorIs(t, err, schemas.ErrInvalidOptions)
	assert.Empty(t, s.driver.Calls())
}

func TestPublish_ResetsLastSelectedBoard(t *testing.T) {
	s := newSite(t)
	p := s.publisher(t, nil)
	p.sess = Session{LoggedIn: true, Username: "writer", EditorReady: true, LastSelectedBoard: "Travel Notes"}

	past := s.clk.Now().Add(-time.Minute)
	res, err := p.Publish(s.ctx, schemas.PublishOptions{Mode: schemas.ModeScheduled, ScheduledAt: &past})
	assert.ErrorIs(t, err, schemas.ErrInvalidOptions)
	assert.Equal(t, schemas.StatusFailed, res.Status)
	assert.Empty(t, p.LastSelectedBoard(), "a failed attempt does not report the previous board")
}

func TestClose_AbortsInFlightLogin(t *testing.T) {
	s := newSite(t)
	started, release := make(chan struct{}), make(chan struct{})
	first := true
	s.driver.MockSnapshot = func(ctx context.Context, tg session.Target, probes []string) (session.Outcome, error) {
		if first {
			first = false
			close(started)
			<-release
		}
		return s.driver.DefaultSnapshot(ctx, tg, probes)
	}
	p := s.publisher(t, nil)

	type result struct {
		res schemas.LoginResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := p.Login(s.ctx, creds)
		done <- result{res, err}
	}()

	<-started
	require.NoError(t, p.Close(s.ctx), "close does not wait for the running login")
	close(release)

	r := <-done
	assert.ErrorIs(t, r.err, schemas.ErrSessionClosed)
	assert.Equal(t, schemas.LoginFailed, r.res.Status)
	assert.False(t, p.State().LoggedIn)
	assert.True(t, s.driver.Closed())
}

func TestLogout_ClearsSession(t *testing.T) {
	s := newSite(t)
	p := s.publisher(t, nil)
	require.NoError(t, p.Logout(s.ctx), "logging out while logged out is a no-op")
	assert.Empty(t, s.driver.Calls())

	loggedIn(t, s, p)
	require.NoError(t, p.NavigateToEditor(s.ctx))
	require.NoError(t, p.Logout(s.ctx))

	assert.Equal(t, Session{}, p.State())
	assert.Contains(t, s.driver.Calls(), "Navigate("+s.cfg.PlatformCfg.LogoutURL+")")
	assert.ErrorIs(t, p.NavigateToEditor(s.ctx), schemas.ErrNotLoggedIn)
}
