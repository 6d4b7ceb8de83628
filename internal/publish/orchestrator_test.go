package publish_test

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/quill-cli/api/schemas"
	"github.com/xkilldash9x/quill-cli/internal/browser/session"
	"github.com/xkilldash9x/quill-cli/internal/clock"
	"github.com/xkilldash9x/quill-cli/internal/config"
	"github.com/xkilldash9x/quill-cli/internal/mocks"
	"github.com/xkilldash9x/quill-cli/internal/publish"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	frame   = "mainFrame"
	user    = "writer"
	postURL = "https://blog.naver.com/writer/223456789012"
	blogURL = "https://blog.naver.com/writer"
)

// editorPanel scripts the publish panel of the editor.
type editorPanel struct {
	cfg    *config.Config
	clk    *clock.Fake
	driver *mocks.FakeDriver
	ctx    context.Context
	start  time.Time

	label      *mocks.FakeElement
	items      []*mocks.FakeElement
	month      *mocks.FakeElement
	shownYear  int
	shownMonth time.Month

	menuOpens  int
	nextClicks int
	dayClicked string
	onConfirm  func()
}

func newPanel(t *testing.T) *editorPanel {
	t.Helper()
	cfg := config.NewDefaultConfig()
	start := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go clk.Auto(ctx, 100*time.Millisecond)

	d := mocks.NewFakeDriver(clk)
	d.SetURL("https://blog.naver.com/writer/postwrite")
	p := &editorPanel{cfg: cfg, clk: clk, driver: d, ctx: ctx, start: start, shownYear: 2026, shownMonth: time.June}
	sels := cfg.SelectorsCfg

	p.label = d.AddElement(frame, sels.CategoryLabel[0], mocks.FakeElement{Text: "Daily", Hidden: true, Center: session.Point{X: 700, Y: 200}})
	d.AddElement(frame, sels.PublishOpen[0], mocks.FakeElement{
		Text: "Publish", Center: session.Point{X: 900, Y: 40},
		OnClick: func() { p.label.Hidden = false },
	})
	d.AddElement(frame, sels.CategoryOpen[0], mocks.FakeElement{
		Center: session.Point{X: 720, Y: 200},
		OnClick: func() {
			p.menuOpens++
			for _, it := range p.items {
				it.Hidden = false
			}
		},
	})
	for i, name := range []string{"Daily", "Travel Notes", "Recipes"} {
		it := d.AddElement(frame, sels.CategoryItems, mocks.FakeElement{Text: name, Hidden: true, Center: session.Point{X: 700, Y: float64(240 + 30*i)}})
		name := name
		it.OnClick = func() {
			p.label.Text = name
			p.closeMenu()
		}
		p.items = append(p.items, it)
	}
	d.MockPress = func(ctx context.Context, k session.Key) (session.Outcome, error) {
		if k.Key == session.KeyEscape.Key {
			p.closeMenu()
		}
		return d.DefaultPress(ctx, k)
	}

	d.AddElement(frame, sels.ScheduleToggle[0], mocks.FakeElement{Center: session.Point{X: 600, Y: 300}})
	d.AddElement(frame, sels.DateOpen[0], mocks.FakeElement{Center: session.Point{X: 600, Y: 340}})
	p.month = d.AddElement(frame, sels.MonthLabel, mocks.FakeElement{Text: "2026.06", Center: session.Point{X: 700, Y: 360}})
	d.AddElement(frame, sels.NextMonth[0], mocks.FakeElement{
		Center: session.Point{X: 800, Y: 360},
		OnClick: func() {
			p.nextClicks++
			next := time.Date(p.shownYear, p.shownMonth+1, 1, 0, 0, 0, 0, time.UTC)
			p.shownYear, p.shownMonth = next.Year(), next.Month()
			p.month.Text = fmt.Sprintf("%d.%02d", p.shownYear, int(p.shownMonth))
		},
	})
	for day := 1; day <= 28; day++ {
		label := strconv.Itoa(day)
		d.AddElement(frame, sels.DayButtons, mocks.FakeElement{
			Text: label, Center: session.Point{X: float64(100 + day), Y: 400},
			OnClick: func() { p.dayClicked = label },
		})
	}
	var hours, minutes []string
	for h := 0; h < 24; h++ {
		hours = append(hours, fmt.Sprintf("%02d", h))
	}
	for m := 0; m < 60; m += 10 {
		minutes = append(minutes, fmt.Sprintf("%02d", m))
	}
	d.AddElement(frame, sels.HourSelect, mocks.FakeElement{Options: hours})
	d.AddElement(frame, sels.MinuteSelect, mocks.FakeElement{Options: minutes})

	d.AddElement(frame, sels.PublishConfirm[0], mocks.FakeElement{
		Center: session.Point{X: 900, Y: 500},
		OnClick: func() {
			if p.onConfirm != nil {
				p.onConfirm()
			}
		},
	})
	d.AddElement(frame, sels.DraftSave[0], mocks.FakeElement{Center: session.Point{X: 950, Y: 40}})
	return p
}

func (p *editorPanel) closeMenu() {
	for _, it := range p.items {
		it.Hidden = true
	}
}

func (p *editorPanel) orchestrator(t *testing.T) *publish.Orchestrator {
	t.Helper()
	o, err := publish.New(p.driver, p.cfg, p.clk, zaptest.NewLogger(t))
	require.NoError(t, err)
	return o
}

func (p *editorPanel) elapsed() time.Duration { return p.clk.Now().Sub(p.start) }

func at(t time.Time) *time.Time { return &t }

func TestPublish_ImmediateConfirmedByNavigation(t *testing.T) {
	p := newPanel(t)
	p.onConfirm = func() { p.driver.EmitNavigation(postURL, false) }
	o := p.orchestrator(t)

	res, err := o.Publish(p.ctx, user, schemas.PublishOptions{Mode: schemas.ModeImmediate, Board: "TravelNotes"})
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusSuccess, res.Status)
	assert.True(t, res.Verified)
	assert.Equal(t, postURL, res.PublishedURL)
	assert.Equal(t, "Travel Notes", res.SelectedBoard)
	assert.True(t, res.BoardApplied)
	assert.Equal(t, publish.StateConfirmed, o.State())
	assert.Less(t, p.elapsed(), 8*time.Second)
	assert.Zero(t, p.driver.Subscribers(), "navigation subscription released")
}

func TestPublish_ImmediateConfirmedByPoll(t *testing.T) {
	p := newPanel(t)
	confirmedAt := p.start.Add(2 * time.Second)
	p.driver.MockURL = func(context.Context) (string, error) {
		if p.clk.Now().Before(confirmedAt) {
			return "https://blog.naver.com/writer/postwrite", nil
		}
		return postURL, nil
	}

	res, err := p.orchestrator(t).Publish(p.ctx, user, schemas.PublishOptions{Mode: schemas.ModeImmediate})
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusSuccess, res.Status)
	assert.True(t, res.Verified)
	assert.Equal(t, "Daily", res.SelectedBoard)
	assert.False(t, res.BoardApplied)
}

func TestPublish_ImmediateNeedsPostID(t *testing.T) {
	for name, landing := range map[string]string{
		"blog root":    blogURL,
		"another user": "https://blog.naver.com/writer2/223456789012",
	} {
		t.Run(name, func(t *testing.T) {
			p := newPanel(t)
			p.onConfirm = func() { p.driver.EmitNavigation(landing, false) }
			o := p.orchestrator(t)

			res, err := o.Publish(p.ctx, user, schemas.PublishOptions{Mode: schemas.ModeImmediate})
			require.NoError(t, err)
			assert.Equal(t, schemas.StatusTimedOutAssumedSuccess, res.Status)
			assert.False(t, res.Verified)
			assert.Empty(t, res.PublishedURL)
			assert.GreaterOrEqual(t, p.elapsed(), 8*time.Second)
			assert.Equal(t, publish.StateTimedOutAssumedSuccess, o.State())
		})
	}
}

func TestPublish_ScheduledThreeMonthsAhead(t *testing.T) {
	p := newPanel(t)
	p.onConfirm = func() { p.driver.EmitNavigation(blogURL, false) }
	when := time.Date(2026, 9, 15, 14, 37, 0, 0, time.UTC)

	res, err := p.orchestrator(t).Publish(p.ctx, user, schemas.PublishOptions{Mode: schemas.ModeScheduled, ScheduledAt: at(when)})
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusScheduled, res.Status)
	assert.True(t, res.Verified)
	assert.Equal(t, 3, p.nextClicks)
	assert.Equal(t, "15", p.dayClicked)
	assert.Equal(t, "14", p.driver.Selected(p.cfg.SelectorsCfg.HourSelect))
	assert.Equal(t, "30", p.driver.Selected(p.cfg.SelectorsCfg.MinuteSelect))
}

func TestPublish_ScheduledIgnoresPostURL(t *testing.T) {
	p := newPanel(t)
	p.onConfirm = func() { p.driver.EmitNavigation(postURL, false) }

	res, err := p.orchestrator(t).Publish(p.ctx, user, schemas.PublishOptions{
		Mode: schemas.ModeScheduled, ScheduledAt: at(p.start.Add(3 * time.Hour)),
	})
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusTimedOutAssumedSuccess, res.Status)
	assert.False(t, res.Verified)
}

func TestPublish_RejectsPastSchedule(t *testing.T) {
	p := newPanel(t)
	o := p.orchestrator(t)

	res, err := o.Publish(p.ctx, user, schemas.PublishOptions{Mode: schemas.ModeScheduled, ScheduledAt: at(p.start.Add(-time.Minute))})
	assert.ErrorIs(t, err, schemas.ErrInvalidOptions)
	assert.Equal(t, schemas.StatusFailed, res.Status)
	assert.Equal(t, publish.StateFailed, o.State())
	assert.Empty(t, p.driver.Calls())
}

func TestPublish_ConfirmMissing(t *testing.T) {
	p := newPanel(t)
	for _, sel := range p.cfg.SelectorsCfg.PublishConfirm {
		p.driver.SetElements(frame, sel)
	}

	res, err := p.orchestrator(t).Publish(p.ctx, user, schemas.PublishOptions{Mode: schemas.ModeImmediate})
	assert.ErrorIs(t, err, schemas.ErrPublish)
	assert.Equal(t, schemas.StatusFailed, res.Status)
	assert.Equal(t, "Daily", res.SelectedBoard)
	assert.Zero(t, p.driver.Subscribers())
}

func TestPublish_SessionClosed(t *testing.T) {
	p := newPanel(t)
	require.NoError(t, p.driver.Close(p.ctx))

	res, err := p.orchestrator(t).Publish(p.ctx, user, schemas.PublishOptions{Mode: schemas.ModeImmediate})
	assert.ErrorIs(t, err, schemas.ErrSessionClosed)
	assert.NotErrorIs(t, err, schemas.ErrPublish)
	assert.Equal(t, schemas.StatusFailed, res.Status)
}

func TestConfigureSchedule_SameDaySkipsCalendar(t *testing.T) {
	p := newPanel(t)
	o := p.orchestrator(t)

	require.NoError(t, o.ConfigureSchedule(p.ctx, p.start.Add(6*time.Hour+5*time.Minute)))
	assert.Zero(t, p.driver.CountCalls("Query(mainFrame,"+p.cfg.SelectorsCfg.MonthLabel+")"))
	assert.Empty(t, p.dayClicked)
	assert.Equal(t, "18", p.driver.Selected(p.cfg.SelectorsCfg.HourSelect))
	assert.Equal(t, "00", p.driver.Selected(p.cfg.SelectorsCfg.MinuteSelect))
	assert.Equal(t, publish.StateScheduleConfigured, o.State())
}

func TestConfigureSchedule_RoundedIntoPast(t *testing.T) {
	p := newPanel(t)

	err := p.orchestrator(t).ConfigureSchedule(p.ctx, p.start.Add(7*time.Minute))
	assert.ErrorIs(t, err, schemas.ErrScheduling)
	assert.ErrorContains(t, err, "rounds to 12:00")
	assert.Empty(t, p.driver.Selected(p.cfg.SelectorsCfg.HourSelect), "nothing is touched")
}

func TestConfigureSchedule_BoundedPaging(t *testing.T) {
	p := newPanel(t)
	err := p.orchestrator(t).ConfigureSchedule(p.ctx, time.Date(2029, 1, 10, 9, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, schemas.ErrScheduling)
	assert.Equal(t, 24, p.nextClicks)
}

func TestConfigureSchedule_MissingOption(t *testing.T) {
	p := newPanel(t)
	p.driver.SetElements(frame, p.cfg.SelectorsCfg.MinuteSelect, mocks.FakeElement{Options: []string{"00", "30"}})

	err := p.orchestrator(t).ConfigureSchedule(p.ctx, p.start.Add(2*time.Hour+47*time.Minute))
	assert.ErrorIs(t, err, schemas.ErrScheduling)
	assert.ErrorContains(t, err, "minute 40")
}

func TestSelectBoard_NoMatchKeepsCurrent(t *testing.T) {
	p := newPanel(t)
	o := p.orchestrator(t)

	for i := 0; i < 2; i++ {
		sel, err := o.SelectBoard(p.ctx, "Travel")
		require.NoError(t, err)
		assert.Equal(t, schemas.BoardSelection{Success: true, SelectedBoard: "Daily"}, sel)
		assert.Equal(t, "Daily", p.label.Text)
		for _, it := range p.items {
			assert.True(t, it.Hidden, "menu closed again")
		}
	}
}

func TestSelectBoard_NoNameReadsLabel(t *testing.T) {
	p := newPanel(t)
	sel, err := p.orchestrator(t).SelectBoard(p.ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "Daily", sel.SelectedBoard)
	assert.True(t, sel.Success)
	assert.False(t, sel.Applied)
	assert.Zero(t, p.menuOpens)
}

func TestSaveDraft_ToastSeen(t *testing.T) {
	p := newPanel(t)
	toastAt := p.start.Add(700 * time.Millisecond)
	p.driver.MockQuery = func(ctx context.Context, tg session.Target, sel string) (session.Outcome, error) {
		if sel == p.cfg.SelectorsCfg.Toast {
			if p.clk.Now().Before(toastAt) {
				return session.Failed("no toast"), nil
			}
			return session.Succeeded([]session.Element{{Text: "임시 저장되었습니다", Visible: true}}), nil
		}
		return p.driver.DefaultQuery(ctx, tg, sel)
	}
	o := p.orchestrator(t)

	res, err := o.Publish(p.ctx, user, schemas.PublishOptions{Mode: schemas.ModeDraft})
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusDraftSaved, res.Status)
	assert.True(t, res.Verified)
	assert.Less(t, p.elapsed(), 3*time.Second)
	assert.Equal(t, publish.StateConfirmed, o.State())
}

func TestSaveDraft_NoToastStillSaved(t *testing.T) {
	p := newPanel(t)
	res, err := p.orchestrator(t).Publish(p.ctx, user, schemas.PublishOptions{Mode: schemas.ModeDraft, Board: "Recipes"})
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusDraftSaved, res.Status)
	assert.False(t, res.Verified)
	assert.NotEmpty(t, res.Reason)
	assert.GreaterOrEqual(t, p.elapsed(), 3*time.Second)
	assert.Equal(t, "Daily", p.label.Text, "drafts leave the category alone")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "timedOutAssumedSuccess", publish.StateTimedOutAssumedSuccess.String())
	assert.Equal(t, "state(42)", publish.State(42).String())
}
