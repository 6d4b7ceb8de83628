// internal/browser/session/input.go
// Input primitives. Clicks are dispatched as CDP mouse events at element
// centres rather than through element.click(), and text arrives as key events,
// because the editor ignores programmatic value changes.
package session

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Click scrolls the first element matching selector into view and clicks its centre.
func (s *Session) Click(ctx context.Context, t Target, selector string) (Outcome, error) {
	out, err := s.eval(ctx, "click", t, clickTargetBody(selector))
	if err != nil || !out.OK {
		return out, err
	}
	var p Point
	if err := out.Decode(&p); err != nil {
		return Failed("click: bad geometry for %q: %v", selector, err), nil
	}
	return s.ClickAt(ctx, p, 1)
}

// ClickAt dispatches a press/release pair at p. clicks is the CDP click count,
// so a second call with clicks=2 completes a double-click.
func (s *Session) ClickAt(ctx context.Context, p Point, clicks int) (Outcome, error) {
	if clicks < 1 {
		clicks = 1
	}
	out, err := s.do(ctx, "click-at", s.opts.ActionTimeout,
		chromedp.MouseClickXY(p.X, p.Y, chromedp.ButtonLeft, chromedp.ClickCount(clicks)))
	if err != nil || !out.OK {
		return out, err
	}
	return Succeeded(p), nil
}

// Fill focuses the element, selects its current value and replaces it through
// an insertText event.
func (s *Session) Fill(ctx context.Context, t Target, selector, value string) (Outcome, error) {
	out, err := s.eval(ctx, "fill", t, focusBody(selector))
	if err != nil || !out.OK {
		return out, err
	}
	return s.do(ctx, "fill", s.opts.ActionTimeout, input.InsertText(value))
}

// TypeText sends text to the focused element as key events.
func (s *Session) TypeText(ctx context.Context, text string) (Outcome, error) {
	return s.do(ctx, "type", s.opts.ActionTimeout, chromedp.KeyEvent(text))
}

func (s *Session) modifiers(m Modifier) input.Modifier {
	if m&ModPrimary != 0 {
		m = (m &^ ModPrimary) | s.opts.PrimaryModifier
	}
	var out input.Modifier
	if m&ModAlt != 0 {
		out |= input.ModifierAlt
	}
	if m&ModCtrl != 0 {
		out |= input.ModifierCtrl
	}
	if m&ModMeta != 0 {
		out |= input.ModifierMeta
	}
	if m&ModShift != 0 {
		out |= input.ModifierShift
	}
	return out
}

// Press dispatches a key down/up pair, including editing commands.
func (s *Session) Press(ctx context.Context, key Key) (Outcome, error) {
	mods := s.modifiers(key.Modifiers)
	downType := input.KeyRawDown
	if key.Text != "" && mods == 0 {
		downType = input.KeyDown
	}

	down := input.DispatchKeyEvent(downType).
		WithKey(key.Key).
		WithCode(key.Code).
		WithWindowsVirtualKeyCode(key.KeyCode).
		WithNativeVirtualKeyCode(key.KeyCode).
		WithModifiers(mods)
	if key.Text != "" && mods == 0 {
		down = down.WithText(key.Text).WithUnmodifiedText(key.Text)
	}
	if len(key.Commands) > 0 {
		down = down.WithCommands(key.Commands)
	}
	up := input.DispatchKeyEvent(input.KeyUp).
		WithKey(key.Key).
		WithCode(key.Code).
		WithWindowsVirtualKeyCode(key.KeyCode).
		WithNativeVirtualKeyCode(key.KeyCode).
		WithModifiers(mods)

	return s.do(ctx, fmt.Sprintf("press %s", key.Key), s.opts.ActionTimeout, down, up)
}

// SetClipboard writes data to the system clipboard through the async
// Clipboard API. Permissions are granted on the browser context first and the
// page is brought to front since the API requires a focused document.
func (s *Session) SetClipboard(ctx context.Context, data ClipboardData) (Outcome, error) {
	if data.Empty() {
		return Failed("set-clipboard: nothing to write"), nil
	}
	grant := browser.GrantPermissions([]browser.PermissionType{
		browser.PermissionTypeClipboardReadWrite,
		browser.PermissionTypeClipboardSanitizedWrite,
	})
	out, err := s.do(ctx, "grant-clipboard", s.opts.ActionTimeout, grant, page.BringToFront())
	if err != nil {
		return out, err
	}
	if !out.OK {
		// Remote browsers may refuse the grant; the write below reports the real outcome.
		s.logger.Debug("Clipboard permission grant failed.", zap.String("reason", out.Reason))
	}
	return s.eval(ctx, "set-clipboard", Document, clipboardBody(data),
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams { return p.WithUserGesture(true) })
}
