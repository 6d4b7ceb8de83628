package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quill-cli/api/schemas"
	"github.com/xkilldash9x/quill-cli/internal/config"
	"github.com/xkilldash9x/quill-cli/internal/service"
	"github.com/xkilldash9x/quill-cli/internal/store"
)

// fakePublisher records what the commands ask of it.
type fakePublisher struct {
	login    schemas.LoginResult
	loginErr error
	report   service.JobReport
	runErr   error

	creds schemas.Credentials
	job   service.Job
}

func (f *fakePublisher) Login(_ context.Context, creds schemas.Credentials) (schemas.LoginResult, error) {
	f.creds = creds
	return f.login, f.loginErr
}

func (f *fakePublisher) Run(_ context.Context, job service.Job) (service.JobReport, error) {
	f.job = job
	return f.report, f.runErr
}

type harness struct {
	pub      *fakePublisher
	opened   int
	cleaned  int
	lastOpts openOptions
	lastCfg  *config.Config
	stderr   bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	// Keep a developer's ~/.quill out of the tests.
	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.DisableCache = true
	t.Setenv("QUILL_STORE_PATH", filepath.Join(home, "quill.db"))
	t.Setenv("QUILL_STAGING_DIR", filepath.Join(home, "staging"))
	t.Setenv(passwordEnv, "s3cret")
	cfgFile = ""
	return &harness{pub: &fakePublisher{}}
}

func (h *harness) runners() runners {
	return runners{
		open: func(_ context.Context, cfg *config.Config, opts openOptions, _ *zap.Logger) (publisher, func(), error) {
			h.opened++
			h.lastOpts, h.lastCfg = opts, cfg
			return h.pub, func() { h.cleaned++ }, nil
		},
		store: openStore,
	}
}

func (h *harness) execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(h.runners())
	var out bytes.Buffer
	h.stderr.Reset()
	root.SetOut(&out)
	root.SetErr(&h.stderr)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	h := newHarness(t)

	out, err := h.execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "quill version "+Version+"\n", out)

	out, err = h.execute(t, "", "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "quill version "+Version)
}

func TestLogin_PrintsResult(t *testing.T) {
	h := newHarness(t)
	h.pub.login = schemas.LoginResult{Status: schemas.LoginSuccess, Username: "writer", FinalURL: "https://www.naver.com/"}

	out, err := h.execute(t, "", "login", "-u", "writer")
	require.NoError(t, err)

	var res schemas.LoginResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, schemas.LoginSuccess, res.Status)
	assert.Equal(t, schemas.Credentials{Username: "writer", Password: "s3cret"}, h.pub.creds)
	assert.True(t, h.lastOpts.AwaitChallenge)
	assert.Equal(t, 1, h.cleaned)
}

func TestLogin_PasswordFromStdin(t *testing.T) {
	h := newHarness(t)
	h.pub.login = schemas.LoginResult{Status: schemas.LoginSuccess}

	_, err := h.execute(t, "from-stdin\nignored\n", "login", "-u", "writer", "--password-stdin")
	require.NoError(t, err)
	assert.Equal(t, "from-stdin", h.pub.creds.Password)
}

func TestLogin_ChallengeIsAnError(t *testing.T) {
	h := newHarness(t)
	h.pub.login = schemas.LoginResult{Status: schemas.LoginTwoFactorRequired, Reason: "second-factor challenge (phrase)"}

	out, err := h.execute(t, "", "login", "-u", "writer", "--wait-challenge=false")
	assert.ErrorIs(t, err, schemas.ErrNotLoggedIn)
	assert.Contains(t, out, string(schemas.LoginTwoFactorRequired))
	assert.False(t, h.lastOpts.AwaitChallenge)
}

func TestLogin_MissingPassword(t *testing.T) {
	h := newHarness(t)
	t.Setenv(passwordEnv, "")

	_, err := h.execute(t, "", "login", "-u", "writer")
	assert.ErrorContains(t, err, passwordEnv)
	assert.Zero(t, h.opened, "no browser without credentials")
}

func TestGlobalFlagsOverrideConfig(t *testing.T) {
	h := newHarness(t)
	h.pub.login = schemas.LoginResult{Status: schemas.LoginSuccess}
	path := filepath.Join(t.TempDir(), "quill.yaml")
	require.NoError(t, os.WriteFile(path, []byte("platform:\n  name: test-blog\nbrowser:\n  headless: true\n"), 0o600))

	_, err := h.execute(t, "", "login", "-u", "writer", "--config", path, "--headless=false", "--cdp-url", "ws://127.0.0.1:9222")
	require.NoError(t, err)
	require.NotNil(t, h.lastCfg)
	assert.Equal(t, "test-blog", h.lastCfg.Platform().Name)
	assert.False(t, h.lastCfg.Browser().Headless)
	assert.Equal(t, "ws://127.0.0.1:9222", h.lastCfg.Browser().RemoteURL)
}

func TestConfigFileMissing(t *testing.T) {
	h := newHarness(t)
	_, err := h.execute(t, "", "login", "-u", "writer", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "failed to initialize configuration")
	assert.Zero(t, h.opened)
}

func TestPublish_BuildsJob(t *testing.T) {
	h := newHarness(t)
	h.pub.report = service.JobReport{
		Login:   schemas.LoginResult{Status: schemas.LoginSuccess},
		Publish: schemas.PublishResult{Status: schemas.StatusScheduled, SelectedBoard: "Travel", BoardApplied: true, Verified: true},
	}
	body := filepath.Join(t.TempDir(), "post.md")
	require.NoError(t, os.WriteFile(body, []byte("Hello (image 1)\n\nSee https://example.com/guide"), 0o600))

	out, err := h.execute(t, "", "publish", "-u", "writer", "-t", " Weekend ", "-b", body,
		"-i", "1=https://cdn.example.com/a.jpg", "--mode", "scheduled", "--at", "2026-07-01 09:30", "--board", "Travel")
	require.NoError(t, err)

	job := h.pub.job
	assert.Equal(t, "Weekend", job.Payload.Title)
	assert.Contains(t, job.Payload.Body, "<p>Hello (image 1)</p>")
	assert.Equal(t, []schemas.ImageMarker{{Index: 1, Source: "https://cdn.example.com/a.jpg"}}, job.Payload.Markers)
	assert.Equal(t, []string{"https://example.com/guide"}, job.Payload.Links)
	assert.Equal(t, schemas.ModeScheduled, job.Options.Mode)
	assert.Equal(t, "Travel", job.Options.Board)
	require.NotNil(t, job.Options.ScheduledAt)
	assert.True(t, job.Options.ScheduledAt.Equal(time.Date(2026, 7, 1, 9, 30, 0, 0, time.Local)))

	var rep service.JobReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, schemas.StatusScheduled, rep.Publish.Status)
	assert.Equal(t, `0 of 1 images placed, 0 of 1 links carded, board "Travel" applied, status scheduled`+"\n", h.stderr.String())
}

func TestSummarize(t *testing.T) {
	job := service.Job{
		Payload: schemas.ContentPayload{
			Markers: []schemas.ImageMarker{{Index: 1}, {Index: 2}, {Index: 3}},
			Links:   []string{"https://a.example", "https://b.example"},
		},
		Options: schemas.PublishOptions{Mode: schemas.ModeImmediate, Board: "Travel"},
	}
	report := service.JobReport{
		Injection: schemas.InjectionReport{ImagesPlaced: []int{1, 3}, ImagesSkipped: []int{2}, LinksCarded: []string{"https://a.example"}},
		Publish:   schemas.PublishResult{Status: schemas.StatusSuccess, SelectedBoard: "Daily", PublishedURL: "https://blog.naver.com/writer/1"},
	}
	assert.Equal(t,
		`2 of 3 images placed, 1 of 2 links carded, board "Travel" not found (kept "Daily"), status success at https://blog.naver.com/writer/1`,
		summarize(job, report))

	job.Options = schemas.PublishOptions{Mode: schemas.ModeDraft, Board: "Travel"}
	job.Payload.Links = nil
	report.Publish = schemas.PublishResult{Status: schemas.StatusDraftSaved}
	assert.Equal(t, "2 of 3 images placed, status draftSaved", summarize(job, report))
}

func TestPublish_BodyFromStdin(t *testing.T) {
	h := newHarness(t)
	h.pub.report = service.JobReport{Publish: schemas.PublishResult{Status: schemas.StatusDraftSaved}}

	_, err := h.execute(t, "<p>Plain <b>html</b></p>", "publish", "-u", "writer", "-t", "T", "-b", "-", "--format", "html", "--mode", "draft")
	require.NoError(t, err)
	assert.Equal(t, schemas.ModeDraft, h.pub.job.Options.Mode)
	assert.Contains(t, h.pub.job.Payload.Body, "<b>html</b>")
}

func TestPublish_RunFailureStillPrintsReport(t *testing.T) {
	h := newHarness(t)
	h.pub.report = service.JobReport{
		Login:     schemas.LoginResult{Status: schemas.LoginSuccess},
		Injection: schemas.InjectionReport{TitleEntered: true},
	}
	h.pub.runErr = schemas.ErrContentInjection
	body := filepath.Join(t.TempDir(), "post.txt")
	require.NoError(t, os.WriteFile(body, []byte("text"), 0o600))

	out, err := h.execute(t, "", "publish", "-u", "writer", "-t", "T", "-b", body)
	assert.ErrorIs(t, err, schemas.ErrContentInjection)
	assert.Contains(t, out, `"titleEntered": true`)
	assert.Equal(t, 1, h.cleaned)
}

func TestBuildJob_Rejects(t *testing.T) {
	read := func(string) ([]byte, error) { return []byte("Body (image 1)"), nil }
	base := publishFlags{
		creds:    credentialFlags{username: "writer"},
		title:    "T",
		bodyFile: "post.md",
		format:   "auto",
		mode:     "immediate",
	}
	t.Setenv(passwordEnv, "pw")

	tests := []struct {
		name   string
		modify func(*publishFlags)
		want   error
	}{
		{"malformed image binding", func(f *publishFlags) { f.images = []string{"1:a.png"} }, schemas.ErrInvalidContent},
		{"non-positive index", func(f *publishFlags) { f.images = []string{"0=a.png"} }, schemas.ErrInvalidContent},
		{"duplicate index", func(f *publishFlags) { f.images = []string{"1=a.png", "1=b.png"} }, schemas.ErrInvalidContent},
		{"image without marker", func(f *publishFlags) { f.images = []string{"2=a.png"} }, schemas.ErrInvalidContent},
		{"unknown format", func(f *publishFlags) { f.format = "rtf" }, schemas.ErrInvalidContent},
		{"empty title", func(f *publishFlags) { f.title = "  " }, schemas.ErrInvalidContent},
		{"unknown mode", func(f *publishFlags) { f.mode = "later" }, schemas.ErrInvalidOptions},
		{"at without scheduled mode", func(f *publishFlags) { f.at = "2026-07-01 09:30" }, schemas.ErrInvalidOptions},
		{"unparseable at", func(f *publishFlags) { f.mode, f.at = "scheduled", "next tuesday" }, schemas.ErrInvalidOptions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := base
			tt.modify(&f)
			_, _, err := buildJob(f, read, strings.NewReader(""), time.UTC)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("unbound markers are reported", func(t *testing.T) {
		_, doc, err := buildJob(base, read, strings.NewReader(""), time.UTC)
		require.NoError(t, err)
		assert.Equal(t, []int{1}, doc.Unbound)
	})

	t.Run("both password and body on stdin", func(t *testing.T) {
		f := base
		f.creds.passwordStdin, f.bodyFile = true, "-"
		_, _, err := buildJob(f, read, strings.NewReader("pw\nbody"), time.UTC)
		assert.ErrorContains(t, err, "cannot both read stdin")
	})
}

func TestParseSchedule(t *testing.T) {
	seoul := time.FixedZone("KST", 9*60*60)
	for in, want := range map[string]time.Time{
		"2026-07-01T09:30:00+09:00": time.Date(2026, 7, 1, 9, 30, 0, 0, seoul),
		"2026-07-01T09:30":          time.Date(2026, 7, 1, 9, 30, 0, 0, seoul),
		"2026-07-01 09:30":          time.Date(2026, 7, 1, 9, 30, 0, 0, seoul),
	} {
		got, err := parseSchedule(in, seoul)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), "%s: got %v", in, got)
	}
}

func TestAccounts_ListsStoreContents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	st, err := store.Open(ctx, os.Getenv("QUILL_STORE_PATH"), nil)
	require.NoError(t, err)
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.SaveAccount(ctx, schemas.Account{Username: "writer", Platform: "naver-blog", LastLoginAt: at}))
	require.NoError(t, st.RecordPublish(ctx, schemas.PublishRecord{
		Username: "writer", Platform: "naver-blog", Title: "Weekend", Mode: schemas.ModeImmediate,
		Status: schemas.StatusSuccess, URL: "https://blog.naver.com/writer/1", Verified: true, CreatedAt: at,
	}))
	require.NoError(t, st.Close())

	out, err := h.execute(t, "", "accounts")
	require.NoError(t, err)
	assert.Contains(t, out, "USERNAME")
	assert.Contains(t, out, "writer")

	out, err = h.execute(t, "", "accounts", "--history", "--json", "-u", "writer")
	require.NoError(t, err)
	var recs []schemas.PublishRecord
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "https://blog.naver.com/writer/1", recs[0].URL)
}

func TestAccounts_StoreDisabled(t *testing.T) {
	h := newHarness(t)
	_, err := h.execute(t, "", "accounts", "--no-store")
	assert.ErrorContains(t, err, "store is disabled")
}
