package publish_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/quill-cli/api/schemas"
	"github.com/xkilldash9x/quill-cli/internal/browser/session"
	"github.com/xkilldash9x/quill-cli/internal/clock"
	"github.com/xkilldash9x/quill-cli/internal/config"
	"github.com/xkilldash9x/quill-cli/internal/mocks"
	"github.com/xkilldash9x/quill-cli/internal/publish"
)

func TestCompilePattern_QuotesUser(t *testing.T) {
	cfg := config.NewDefaultConfig()
	re, err := publish.CompilePattern(cfg.PlatformCfg.PublishedPattern, "a.b")
	require.NoError(t, err)

	assert.True(t, re.MatchString("https://blog.naver.com/a.b/12345"))
	assert.True(t, re.MatchString("https://m.blog.naver.com/a.b/12345?from=editor"))
	assert.False(t, re.MatchString("https://blog.naver.com/axb/12345"))
	assert.False(t, re.MatchString("https://blog.naver.com/a.b/postwrite"))

	_, err = publish.CompilePattern("(", "a")
	assert.Error(t, err)
}

func TestParseMonthLabel(t *testing.T) {
	tests := []struct {
		in    string
		year  int
		month time.Month
		ok    bool
	}{
		{"2026.07", 2026, time.July, true},
		{"2026년 7월", 2026, time.July, true},
		{"2027-12", 2027, time.December, true},
		{"July 2026", 2026, time.July, true},
		{"Sep. 2026", 2026, time.September, true},
		{"2026.13", 0, 0, false},
		{"calendar", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			y, m, ok := publish.ParseMonthLabel(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.year, y)
			assert.Equal(t, tt.month, m)
		})
	}
}

func TestRoundMinute(t *testing.T) {
	assert.Equal(t, 30, publish.RoundMinute(37, 10))
	assert.Equal(t, 0, publish.RoundMinute(9, 10))
	assert.Equal(t, 45, publish.RoundMinute(59, 15))
	assert.Equal(t, 7, publish.RoundMinute(7, 1))
}

func newWatcher(t *testing.T, d *mocks.FakeDriver, clk clock.Clock, status schemas.PublishStatus, pattern string) *publish.Watcher {
	t.Helper()
	w, err := publish.NewWatcher(d, clk, zaptest.NewLogger(t), config.NewDefaultConfig().TimingCfg, pattern, user, status)
	require.NoError(t, err)
	return w
}

func TestWatcher_SameDocumentNavigation(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := mocks.NewFakeDriver(clk)
	d.SetURL("https://blog.naver.com/writer/postwrite")
	w := newWatcher(t, d, clk, schemas.StatusSuccess, config.NewDefaultConfig().PlatformCfg.PublishedPattern)

	type result struct {
		c   publish.Completion
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := w.Await(ctx, nil)
		done <- result{c, err}
	}()

	// Wait for the deadline and poll timers to be armed before navigating.
	require.NoError(t, clk.BlockUntil(ctx, 2))
	d.EmitNavigation(postURL, true)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, publish.Completion{Status: schemas.StatusSuccess, URL: postURL, Verified: true}, r.c)
}

func TestWatcher_Cancelled(t *testing.T) {
	clk := clock.NewFake(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	d := mocks.NewFakeDriver(clk)
	w := newWatcher(t, d, clk, schemas.StatusScheduled, config.NewDefaultConfig().PlatformCfg.ScheduledPattern)

	done := make(chan error, 1)
	go func() {
		_, err := w.Await(ctx, nil)
		done <- err
	}()
	require.NoError(t, clk.BlockUntil(context.Background(), 2))
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Zero(t, d.Subscribers())
}

func TestWatcher_TriggerErrorStops(t *testing.T) {
	clk := clock.NewFake(time.Now())
	d := mocks.NewFakeDriver(clk)
	w := newWatcher(t, d, clk, schemas.StatusSuccess, config.NewDefaultConfig().PlatformCfg.PublishedPattern)

	_, err := w.Await(context.Background(), func(context.Context) error { return schemas.ErrPublish })
	assert.ErrorIs(t, err, schemas.ErrPublish)
	assert.Zero(t, d.Subscribers())
	assert.Zero(t, clk.Waiters())
}

// Tearing the session down closes the navigation channel; the wait must end
// with ErrSessionClosed instead of spinning until the deadline.
func TestWatcher_SessionClosedEndsWait(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	d := mocks.NewFakeDriver(clk)
	d.SetURL("https://blog.naver.com/writer/postwrite")
	w := newWatcher(t, d, clk, schemas.StatusSuccess, config.NewDefaultConfig().PlatformCfg.PublishedPattern)

	done := make(chan error, 1)
	go func() {
		_, err := w.Await(context.Background(), nil)
		done <- err
	}()
	require.NoError(t, clk.BlockUntil(context.Background(), 2))
	require.NoError(t, d.Close(context.Background()))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, schemas.ErrSessionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop after the session closed")
	}
}

func TestWatcher_ClosedEventsChannel(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	d := mocks.NewFakeDriver(clk)
	d.SetURL("https://blog.naver.com/writer/postwrite")
	d.MockWatchNavigation = func(context.Context) (<-chan session.NavEvent, func(), error) {
		ch := make(chan session.NavEvent)
		close(ch)
		return ch, func() {}, nil
	}
	w := newWatcher(t, d, clk, schemas.StatusSuccess, config.NewDefaultConfig().PlatformCfg.PublishedPattern)

	_, err := w.Await(context.Background(), nil)
	assert.ErrorIs(t, err, schemas.ErrSessionClosed)
}

// A scheduled post that lands on a post URL does not complete the wait, but
// the mismatch is logged.
func TestWatcher_ForeignPatternLogged(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	d := mocks.NewFakeDriver(clk)
	d.SetURL("https://blog.naver.com/writer/postwrite")
	cfg := config.NewDefaultConfig()

	core, logs := observer.New(zapcore.WarnLevel)
	w, err := publish.NewWatcher(d, clk, zap.New(core), cfg.TimingCfg, cfg.PlatformCfg.ScheduledPattern, user, schemas.StatusScheduled)
	require.NoError(t, err)
	require.NoError(t, w.NoteForeign(cfg.PlatformCfg.PublishedPattern, user))

	done := make(chan publish.Completion, 1)
	go func() {
		c, err := w.Await(context.Background(), nil)
		assert.NoError(t, err)
		done <- c
	}()
	require.NoError(t, clk.BlockUntil(context.Background(), 2))
	d.EmitNavigation(postURL, false)
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("URL matches the other publish mode's completion pattern.").Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	clk.Advance(cfg.TimingCfg.VerifyTimeout)
	c := <-done
	assert.Equal(t, schemas.StatusTimedOutAssumedSuccess, c.Status)
	assert.False(t, c.Verified)
	assert.Equal(t, postURL, c.URL)
}
