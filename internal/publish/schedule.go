package publish

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quill-cli/api/schemas"
	"github.com/xkilldash9x/quill-cli/internal/browser/locate"
	"github.com/xkilldash9x/quill-cli/internal/browser/session"
)

// maxMonthAdvances bounds calendar paging.
const maxMonthAdvances = 24

// ConfigureSchedule switches the panel to scheduled publishing and sets the
// date and time. The calendar is paged forward one month at a time; the
// minute is rounded down to the control's step, and the rounded time must
// still be in the future.
func (o *Orchestrator) ConfigureSchedule(ctx context.Context, at time.Time) error {
	minute := RoundMinute(at.Minute(), o.timing.MinuteStep)
	rounded := time.Date(at.Year(), at.Month(), at.Day(), at.Hour(), minute, 0, 0, at.Location())
	if !rounded.After(o.clock.Now()) {
		return fmt.Errorf("%w: %s rounds to %s, which is not in the future",
			schemas.ErrScheduling, at.Format("2006-01-02 15:04"), rounded.Format("15:04"))
	}

	if _, err := locate.Click(ctx, o.driver, o.toggle); err != nil {
		return o.wrap(schemas.ErrScheduling, "schedule toggle", err)
	}
	if err := o.driver.Wait(ctx, o.timing.ClickSettle); err != nil {
		return err
	}

	now := o.clock.Now().In(at.Location())
	if !sameDay(now, at) {
		if err := o.pickDate(ctx, at); err != nil {
			return err
		}
	}

	for _, s := range []struct{ sel, value, what string }{
		{o.hour, fmt.Sprintf("%02d", at.Hour()), "hour"},
		{o.minute, fmt.Sprintf("%02d", minute), "minute"},
	} {
		out, err := o.driver.Select(ctx, o.frame, s.sel, s.value)
		if err != nil {
			return err
		}
		if !out.OK {
			return fmt.Errorf("%w: %s %s: %s", schemas.ErrScheduling, s.what, s.value, out.Reason)
		}
	}

	o.setState(StateScheduleConfigured)
	o.logger.Info("Schedule configured.",
		zap.String("date", at.Format("2006-01-02")), zap.Int("hour", at.Hour()), zap.Int("minute", minute))
	return nil
}

func (o *Orchestrator) pickDate(ctx context.Context, at time.Time) error {
	if _, err := locate.Click(ctx, o.driver, o.dateOpen); err != nil {
		return o.wrap(schemas.ErrScheduling, "date picker", err)
	}
	if err := o.driver.Wait(ctx, o.timing.MenuSettle); err != nil {
		return err
	}

	target := at.Year()*12 + int(at.Month())
	for advances := 0; ; advances++ {
		year, month, err := o.shownMonth(ctx)
		if err != nil {
			return err
		}
		shown := year*12 + int(month)
		if shown == target {
			break
		}
		if shown > target {
			return fmt.Errorf("%w: calendar shows %d-%02d, past %s", schemas.ErrScheduling, year, month, at.Format("2006-01"))
		}
		if advances == maxMonthAdvances {
			return fmt.Errorf("%w: %s is more than %d months ahead", schemas.ErrScheduling, at.Format("2006-01"), maxMonthAdvances)
		}
		if _, err := locate.Click(ctx, o.driver, o.nextMonth); err != nil {
			return o.wrap(schemas.ErrScheduling, "next month", err)
		}
		if err := o.driver.Wait(ctx, o.timing.MenuSettle); err != nil {
			return err
		}
	}

	out, err := o.driver.Query(ctx, o.frame, o.days)
	if err != nil {
		return err
	}
	var days []session.Element
	if out.OK {
		_ = out.Decode(&days)
	}
	want := strconv.Itoa(at.Day())
	for _, d := range days {
		if !d.Visible || strings.TrimSpace(d.Text) != want {
			continue
		}
		click, err := o.driver.ClickAt(ctx, d.Center, 1)
		if err != nil {
			return err
		}
		if !click.OK {
			return fmt.Errorf("%w: day %s: %s", schemas.ErrScheduling, want, click.Reason)
		}
		return o.driver.Wait(ctx, o.timing.ClickSettle)
	}
	return fmt.Errorf("%w: no selectable day %s", schemas.ErrScheduling, want)
}

func (o *Orchestrator) shownMonth(ctx context.Context) (int, time.Month, error) {
	out, err := o.driver.Query(ctx, o.frame, o.monthLabel)
	if err != nil {
		return 0, 0, err
	}
	var els []session.Element
	if !out.OK || out.Decode(&els) != nil || len(els) == 0 {
		return 0, 0, fmt.Errorf("%w: month label not found", schemas.ErrScheduling)
	}
	year, month, ok := ParseMonthLabel(els[0].Text)
	if !ok {
		return 0, 0, fmt.Errorf("%w: unreadable month label %q", schemas.ErrScheduling, els[0].Text)
	}
	return year, month, nil
}

var (
	numericMonth = regexp.MustCompile(`(\d{4})\s*(?:[./-]|년)\s*(\d{1,2})`)
	namedMonth   = regexp.MustCompile(`(?i)([a-z]{3,9})\.?\s+(\d{4})`)
)

// ParseMonthLabel reads a calendar header such as "2026.07", "2026년 7월" or
// "July 2026".
func ParseMonthLabel(s string) (int, time.Month, bool) {
	if m := numericMonth.FindStringSubmatch(s); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		if month >= 1 && month <= 12 {
			return year, time.Month(month), true
		}
	}
	if m := namedMonth.FindStringSubmatch(s); m != nil {
		name := strings.ToLower(m[1])
		year, _ := strconv.Atoi(m[2])
		for mo := time.January; mo <= time.December; mo++ {
			full := strings.ToLower(mo.String())
			if name == full || name == full[:3] {
				return year, mo, true
			}
		}
	}
	return 0, 0, false
}

// RoundMinute rounds minute down to a multiple of step.
func RoundMinute(minute, step int) int {
	if step <= 1 {
		return minute
	}
	return minute / step * step
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
