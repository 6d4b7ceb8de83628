// internal/browser/locate/locate.go
// Package locate resolves on-screen positions for editor controls. The target
// UI changes without notice, so each control is described by several
// strategies (CSS selector, DOM text search, fixed coordinate) that a Chain
// tries in order.
package locate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xkilldash9x/quill-cli/api/schemas"
	"github.com/xkilldash9x/quill-cli/internal/browser/session"
)

// Match is a located element.
type Match struct {
	Point    session.Point
	Text     string
	Strategy string
}

// Locator resolves one element. A miss is reported as an error wrapping
// schemas.ErrLocatorMiss; transport faults are returned unchanged.
type Locator interface {
	Locate(ctx context.Context, d session.Driver) (Match, error)
	String() string
}

func miss(l Locator, reason string) error {
	return fmt.Errorf("%w: %s: %s", schemas.ErrLocatorMiss, l, reason)
}

// -- Selector Strategy --

// BySelector matches the first visible element for a CSS selector.
type BySelector struct {
	Target   session.Target
	Selector string
}

func (l BySelector) String() string { return fmt.Sprintf("css(%s)@%s", l.Selector, l.Target) }

func (l BySelector) Locate(ctx context.Context, d session.Driver) (Match, error) {
	out, err := d.Query(ctx, l.Target, l.Selector)
	if err != nil {
		return Match{}, err
	}
	if !out.OK {
		return Match{}, miss(l, out.Reason)
	}
	var els []session.Element
	if err := out.Decode(&els); err != nil {
		return Match{}, miss(l, err.Error())
	}
	for _, el := range els {
		if el.Visible {
			return Match{Point: el.Center, Text: el.Text, Strategy: l.String()}, nil
		}
	}
	return Match{}, miss(l, "no visible element")
}

// -- Text Strategy --

// ByText finds a literal text in the target document's text nodes.
type ByText struct {
	Target session.Target
	Text   string
	// Select leaves the document selection over the match.
	Select bool
	// WholeURL skips matches that are a prefix of a longer URL.
	WholeURL bool
}

func (l ByText) String() string { return fmt.Sprintf("text(%q)@%s", l.Text, l.Target) }

func (l ByText) Locate(ctx context.Context, d session.Driver) (Match, error) {
	out, err := d.FindText(ctx, l.Target, session.TextQuery{Needle: l.Text, Select: l.Select, WholeURL: l.WholeURL})
	if err != nil {
		return Match{}, err
	}
	if !out.OK {
		return Match{}, miss(l, out.Reason)
	}
	var m session.TextMatch
	if err := out.Decode(&m); err != nil {
		return Match{}, miss(l, err.Error())
	}
	return Match{Point: m.Center, Text: l.Text, Strategy: l.String()}, nil
}

// -- Coordinate Strategy --

// AtPoint always resolves to a fixed page coordinate. It is the last resort
// for controls with no stable selector or label.
type AtPoint struct {
	Point session.Point
}

func (l AtPoint) String() string { return fmt.Sprintf("xy(%g,%g)", l.Point.X, l.Point.Y) }

func (l AtPoint) Locate(context.Context, session.Driver) (Match, error) {
	return Match{Point: l.Point, Strategy: l.String()}, nil
}

// Parse turns a configured locator spec into a Locator. Accepted forms are a
// bare CSS selector, "css:<selector>", "text:<literal>" and "xy:<x>,<y>".
func Parse(t session.Target, spec string) (Locator, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case spec == "":
		return nil, fmt.Errorf("empty locator spec")
	case strings.HasPrefix(spec, "text:"):
		text := strings.TrimSpace(strings.TrimPrefix(spec, "text:"))
		if text == "" {
			return nil, fmt.Errorf("locator %q has no text", spec)
		}
		return ByText{Target: t, Text: text}, nil
	case strings.HasPrefix(spec, "xy:"):
		xs, ys, ok := strings.Cut(strings.TrimPrefix(spec, "xy:"), ",")
		if !ok {
			return nil, fmt.Errorf("locator %q must be xy:<x>,<y>", spec)
		}
		x, errX := strconv.ParseFloat(strings.TrimSpace(xs), 64)
		y, errY := strconv.ParseFloat(strings.TrimSpace(ys), 64)
		if errX != nil || errY != nil {
			return nil, fmt.Errorf("locator %q has non-numeric coordinates", spec)
		}
		return AtPoint{Point: session.Point{X: x, Y: y}}, nil
	case strings.HasPrefix(spec, "css:"):
		return BySelector{Target: t, Selector: strings.TrimSpace(strings.TrimPrefix(spec, "css:"))}, nil
	}
	return BySelector{Target: t, Selector: spec}, nil
}

// -- Chain --

// Chain tries each locator in order and repeats the whole list up to Rounds
// times, waiting Gap between rounds. It is a bounded retry against stale
// selectors, not a backoff.
type Chain struct {
	Name     string
	Locators []Locator
	Rounds   int
	Gap      time.Duration
}

// NewChain parses specs into a Chain. Invalid specs are an error since they
// come from configuration.
func NewChain(name string, t session.Target, specs []string, rounds int, gap time.Duration) (Chain, error) {
	c := Chain{Name: name, Rounds: rounds, Gap: gap}
	for _, spec := range specs {
		l, err := Parse(t, spec)
		if err != nil {
			return Chain{}, fmt.Errorf("%s: %w", name, err)
		}
		c.Locators = append(c.Locators, l)
	}
	return c, nil
}

func (c Chain) String() string {
	parts := make([]string, len(c.Locators))
	for i, l := range c.Locators {
		parts[i] = l.String()
	}
	return c.Name + "[" + strings.Join(parts, " | ") + "]"
}

func (c Chain) Locate(ctx context.Context, d session.Driver) (Match, error) {
	rounds := c.Rounds
	if rounds <= 0 {
		rounds = 1
	}
	var last error
	for round := 0; round < rounds; round++ {
		if round > 0 && c.Gap > 0 {
			if err := d.Wait(ctx, c.Gap); err != nil {
				return Match{}, err
			}
		}
		for _, l := range c.Locators {
			m, err := l.Locate(ctx, d)
			if err == nil {
				return m, nil
			}
			if !IsMiss(err) {
				return Match{}, err
			}
			last = err
		}
	}
	if last == nil {
		return Match{}, miss(c, "no strategies configured")
	}
	return Match{}, fmt.Errorf("%w: %s exhausted after %d rounds (last: %v)", schemas.ErrLocatorMiss, c.Name, rounds, last)
}

// IsMiss reports whether err is an expected locator miss.
func IsMiss(err error) bool {
	return err != nil && errors.Is(err, schemas.ErrLocatorMiss)
}

// Click locates l and clicks the match once.
func Click(ctx context.Context, d session.Driver, l Locator) (Match, error) {
	m, err := l.Locate(ctx, d)
	if err != nil {
		return Match{}, err
	}
	out, err := d.ClickAt(ctx, m.Point, 1)
	if err != nil {
		return Match{}, err
	}
	if !out.OK {
		return Match{}, miss(l, out.Reason)
	}
	return m, nil
}

// DoubleClick locates l and issues two closely timed clicks so the second
// carries a click count of two.
func DoubleClick(ctx context.Context, d session.Driver, l Locator, gap time.Duration) (Match, error) {
	m, err := l.Locate(ctx, d)
	if err != nil {
		return Match{}, err
	}
	if err := DoubleClickAt(ctx, d, m.Point, gap); err != nil {
		if IsMiss(err) {
			return Match{}, miss(l, err.Error())
		}
		return Match{}, err
	}
	return m, nil
}

// DoubleClickAt clicks p twice with gap in between.
func DoubleClickAt(ctx context.Context, d session.Driver, p session.Point, gap time.Duration) error {
	for clicks := 1; clicks <= 2; clicks++ {
		if clicks == 2 && gap > 0 {
			if err := d.Wait(ctx, gap); err != nil {
				return err
			}
		}
		out, err := d.ClickAt(ctx, p, clicks)
		if err != nil {
			return err
		}
		if !out.OK {
			return fmt.Errorf("%w: click %d at (%g,%g): %s", schemas.ErrLocatorMiss, clicks, p.X, p.Y, out.Reason)
		}
	}
	return nil
}
