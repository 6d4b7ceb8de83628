// internal/inject/pipeline.go
// Package inject enters a document into the platform's rich-text editor. The
// editor ignores programmatic value changes, so every stage works through
// simulated clicks, keystrokes and clipboard pastes.
package inject

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quill-cli/api/schemas"
	"github.com/xkilldash9x/quill-cli/internal/browser/locate"
	"github.com/xkilldash9x/quill-cli/internal/browser/session"
	"github.com/xkilldash9x/quill-cli/internal/clock"
	"github.com/xkilldash9x/quill-cli/internal/config"
	"github.com/xkilldash9x/quill-cli/internal/content"
	"github.com/xkilldash9x/quill-cli/internal/humanoid"
	"github.com/xkilldash9x/quill-cli/internal/staging"
)

// Stager stages image files and moves them onto the page clipboard.
type Stager interface {
	Stage(ctx context.Context, source string) (string, error)
	CopyToClipboard(ctx context.Context, path string, w staging.ClipboardWriter) error
	Release(path string) error
}

// Pipeline runs the injection stages against one editor session.
type Pipeline struct {
	driver session.Driver
	stager Stager
	typist *humanoid.Typist
	clock  clock.Clock
	logger *zap.Logger
	timing config.TimingConfig

	frame  session.Target
	title  locate.Chain
	body   locate.Chain
	loader string
}

// New builds a Pipeline for the configured editor.
func New(d session.Driver, stager Stager, typist *humanoid.Typist, cfg config.Interface, clk clock.Clock, logger *zap.Logger) (*Pipeline, error) {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if typist == nil {
		typist = humanoid.NewTypist(cfg.Browser().Humanoid, clk, 0)
	}
	timing := cfg.Timing()
	frame := session.Frame(cfg.Platform().EditorFrame)

	title, err := locate.NewChain("title", frame, cfg.Selectors().Title, timing.LocatorRounds, timing.ClickSettle)
	if err != nil {
		return nil, err
	}
	body, err := locate.NewChain("body", frame, cfg.Selectors().Body, timing.LocatorRounds, timing.ClickSettle)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		driver: d,
		stager: stager,
		typist: typist,
		clock:  clk,
		logger: logger.Named("inject"),
		timing: timing,
		frame:  frame,
		title:  title,
		body:   body,
		loader: cfg.Selectors().LinkLoader,
	}, nil
}

// Run enters the whole payload. Title and body failures abort with an error
// wrapping ErrContentInjection; images and links are best effort and their
// misses are only recorded in the report.
func (p *Pipeline) Run(ctx context.Context, payload schemas.ContentPayload) (schemas.InjectionReport, error) {
	var report schemas.InjectionReport
	if err := payload.Validate(); err != nil {
		return report, err
	}

	if err := p.EnterTitle(ctx, payload.Title); err != nil {
		return report, err
	}
	report.TitleEntered = true

	if err := p.StageBody(ctx, payload.Body); err != nil {
		return report, err
	}
	if err := p.EnterBody(ctx); err != nil {
		return report, err
	}
	report.BodyPasted = true

	placed, skipped, err := p.PlaceImages(ctx, payload.Markers)
	report.ImagesPlaced, report.ImagesSkipped = placed, skipped
	if err != nil {
		return report, err
	}

	carded, linkSkipped, err := p.ConvertLinks(ctx, payload.Links)
	report.LinksCarded, report.LinksSkipped = carded, linkSkipped
	if err != nil {
		return report, err
	}

	p.logger.Info("Content injected.",
		zap.Int("images_placed", len(placed)), zap.Int("images_skipped", len(skipped)),
		zap.Int("links_carded", len(carded)), zap.Int("links_skipped", len(linkSkipped)))
	return report, nil
}

// -- Title --

// EnterTitle focuses the title field, clears it and types title.
func (p *Pipeline) EnterTitle(ctx context.Context, title string) error {
	if _, err := locate.Click(ctx, p.driver, p.title); err != nil {
		return essential("title", err)
	}
	if err := p.driver.Wait(ctx, p.timing.ClickSettle); err != nil {
		return err
	}
	for _, k := range []session.Key{session.KeySelectAll, session.KeyDelete} {
		if err := p.press(ctx, k); err != nil {
			return essential("title", err)
		}
	}
	if err := p.typist.Type(ctx, p.driver, title); err != nil {
		return essential("title", err)
	}
	p.logger.Debug("Title entered.", zap.Int("runes", len([]rune(title))))
	return nil
}

// -- Body --

// StageBody puts the rendered body on the clipboard as HTML with a plain
// text alternative.
func (p *Pipeline) StageBody(ctx context.Context, html string) error {
	text, err := content.ExtractText(html)
	if err != nil {
		return essential("body", err)
	}
	out, err := p.driver.SetClipboard(ctx, session.ClipboardData{HTML: html, Text: text})
	if err != nil {
		return err
	}
	if !out.OK {
		return essential("body", fmt.Errorf("clipboard: %s", out.Reason))
	}
	return nil
}

// EnterBody clicks into the body and pastes the clipboard.
func (p *Pipeline) EnterBody(ctx context.Context) error {
	if _, err := locate.Click(ctx, p.driver, p.body); err != nil {
		return essential("body", err)
	}
	if err := p.driver.Wait(ctx, p.timing.ClickSettle); err != nil {
		return err
	}
	if err := p.press(ctx, session.KeyPaste); err != nil {
		return essential("body", err)
	}
	return p.driver.Wait(ctx, p.timing.PasteSettle)
}

// -- Images --

// PlaceImages replaces each marker with its image, in ascending index order.
// A marker that cannot be located or an image that cannot be staged is
// skipped. Only transport faults and cancellation end the loop early.
func (p *Pipeline) PlaceImages(ctx context.Context, markers []schemas.ImageMarker) (placed, skipped []int, err error) {
	ordered := append([]schemas.ImageMarker(nil), markers...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	for _, m := range ordered {
		ok, err := p.placeImage(ctx, m)
		if err != nil {
			return placed, skipped, err
		}
		if ok {
			placed = append(placed, m.Index)
		} else {
			skipped = append(skipped, m.Index)
		}
	}
	return placed, skipped, nil
}

func (p *Pipeline) placeImage(ctx context.Context, m schemas.ImageMarker) (bool, error) {
	marker := schemas.MarkerText(m.Index)
	log := p.logger.With(zap.Int("index", m.Index))

	if err := p.selectText(ctx, marker, false); err != nil {
		if !locate.IsMiss(err) {
			return false, err
		}
		log.Warn("Image marker not found, skipping.", zap.Error(err))
		return false, nil
	}

	path, err := p.stager.Stage(ctx, m.Source)
	if err != nil {
		if fatal(ctx, err) {
			return false, err
		}
		log.Warn("Image could not be staged, skipping.", zap.String("source", m.Source), zap.Error(err))
		return false, nil
	}
	defer func() {
		if err := p.stager.Release(path); err != nil {
			log.Warn("Failed to release staged image.", zap.Error(err))
		}
	}()

	if err := p.stager.CopyToClipboard(ctx, path, p.driver); err != nil {
		if fatal(ctx, err) {
			return false, err
		}
		log.Warn("Image could not be put on the clipboard, skipping.", zap.Error(err))
		return false, nil
	}
	if err := p.press(ctx, session.KeyPaste); err != nil {
		if !locate.IsMiss(err) {
			return false, err
		}
		log.Warn("Image paste rejected, skipping.", zap.Error(err))
		return false, nil
	}
	if err := p.driver.Wait(ctx, p.timing.ImageSettle); err != nil {
		return false, err
	}
	log.Info("Image placed.")
	return true, nil
}

// -- Links --

// ConvertLinks pastes each URL over its own text so the editor builds a
// preview card, then removes the literal URL that remains next to the card.
func (p *Pipeline) ConvertLinks(ctx context.Context, links []string) (carded, skipped []string, err error) {
	for _, u := range links {
		ok, err := p.convertLink(ctx, u)
		if err != nil {
			return carded, skipped, err
		}
		if ok {
			carded = append(carded, u)
		} else {
			skipped = append(skipped, u)
		}
	}
	return carded, skipped, nil
}

func (p *Pipeline) convertLink(ctx context.Context, u string) (bool, error) {
	log := p.logger.With(zap.String("url", u))

	if err := p.selectText(ctx, u, true); err != nil {
		if !locate.IsMiss(err) {
			return false, err
		}
		log.Warn("Link text not found, skipping.", zap.Error(err))
		return false, nil
	}
	out, err := p.driver.SetClipboard(ctx, session.ClipboardData{Text: u})
	if err != nil {
		return false, err
	}
	if !out.OK {
		log.Warn("Link could not be put on the clipboard, skipping.", zap.String("reason", out.Reason))
		return false, nil
	}
	if err := p.press(ctx, session.KeyPaste); err != nil {
		if !locate.IsMiss(err) {
			return false, err
		}
		log.Warn("Link paste rejected, skipping.", zap.Error(err))
		return false, nil
	}

	loaded, err := p.waitForCard(ctx)
	if err != nil {
		return false, err
	}
	if !loaded {
		log.Warn("No link card was generated, leaving the URL as text.")
		return false, nil
	}

	// The card is inserted alongside the pasted text; drop the text.
	if err := p.selectText(ctx, u, true); err != nil {
		if !locate.IsMiss(err) {
			return false, err
		}
		log.Debug("Literal URL already gone after card generation.")
		return true, nil
	}
	if err := p.press(ctx, session.KeyDelete); err != nil {
		if !locate.IsMiss(err) {
			return false, err
		}
		log.Warn("Literal URL could not be deleted.", zap.Error(err))
	}
	log.Info("Link converted to a card.")
	return true, nil
}

// waitForCard waits for the editor's link loader to appear and then go away,
// bounded by the link card timeout overall. The loader must show up within
// the first half of the window for the card to count as generated.
func (p *Pipeline) waitForCard(ctx context.Context) (bool, error) {
	if p.loader == "" {
		return true, p.driver.Wait(ctx, p.timing.PasteSettle)
	}
	deadline := p.clock.Now().Add(p.timing.LinkCardTimeout)

	out, err := p.driver.WaitForSelector(ctx, p.frame, p.loader, session.WaitOptions{Timeout: p.timing.LinkCardTimeout / 2})
	if err != nil {
		return false, err
	}
	if !out.OK {
		return false, nil
	}
	remaining := deadline.Sub(p.clock.Now())
	if remaining < p.timing.ToastPollInterval {
		remaining = p.timing.ToastPollInterval
	}
	out, err = p.driver.WaitForSelector(ctx, p.frame, p.loader, session.WaitOptions{Timeout: remaining, Hidden: true})
	if err != nil {
		return false, err
	}
	if !out.OK {
		p.logger.Debug("Link loader still visible at the deadline.", zap.Duration("timeout", p.timing.LinkCardTimeout))
	}
	return true, nil
}

// -- Helpers --

// selectText double-clicks the text so the editor moves its caret there, then
// pins the document selection to exactly the needle. A bare double-click
// would select only the word under the pointer. URLs are matched whole so a
// shorter link never selects the head of a longer one.
func (p *Pipeline) selectText(ctx context.Context, needle string, wholeURL bool) error {
	chain := locate.Chain{
		Name:     fmt.Sprintf("text %q", needle),
		Locators: []locate.Locator{locate.ByText{Target: p.frame, Text: needle, WholeURL: wholeURL}},
		Rounds:   p.timing.LocatorRounds,
		Gap:      p.timing.ClickSettle,
	}
	if _, err := locate.DoubleClick(ctx, p.driver, chain, p.timing.DoubleClickGap); err != nil {
		return err
	}
	out, err := p.driver.FindText(ctx, p.frame, session.TextQuery{Needle: needle, Select: true, WholeURL: wholeURL})
	if err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("%w: select %q: %s", schemas.ErrLocatorMiss, needle, out.Reason)
	}
	return nil
}

func (p *Pipeline) press(ctx context.Context, k session.Key) error {
	out, err := p.driver.Press(ctx, k)
	if err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("%w: key %s: %s", schemas.ErrLocatorMiss, k.Key, out.Reason)
	}
	return nil
}

// essential wraps a failure of a stage the publish cannot proceed without.
// Transport faults and cancellation pass through unchanged.
func essential(stage string, err error) error {
	if errors.Is(err, schemas.ErrSessionLost) || errors.Is(err, schemas.ErrSessionClosed) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", schemas.ErrContentInjection, stage, err)
}

// fatal reports whether a collaborator error must end the pipeline rather
// than skip a step.
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, schemas.ErrSessionLost) ||
		errors.Is(err, schemas.ErrSessionClosed)
}
