// File: internal/mocks/fake_driver.go
package mocks

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/xkilldash9x/quill-cli/api/schemas"
	"github.com/xkilldash9x/quill-cli/internal/browser/session"
	"github.com/xkilldash9x/quill-cli/internal/clock"
)

// FakeElement is one element of the simulated page.
type FakeElement struct {
	Text    string
	Value   string
	Center  session.Point
	Hidden  bool
	// Focus names the editor region a click focuses: "title" or "body".
	Focus   string
	Options []string
	OnClick func()
}

type registered struct {
	frame    string
	selector string
	el       *FakeElement
}

// FakeEditor models the rich-text editor: a title, a flat body text, and the
// images and link cards inserted by paste. Images replace the selected text
// with an object replacement character.
type FakeEditor struct {
	Title  string
	Body   string
	Images [][]byte
	Cards  []string
	// LinkCards makes a pasted URL produce a preview card.
	LinkCards bool
	// CardFor, when set, limits cards to the URLs it accepts.
	CardFor func(url string) bool
	// LoaderChecks is how many visibility checks the link loader stays up for
	// after a card is requested.
	LoaderChecks int

	focus    string
	selStart int
	selEnd   int
	loader   int
}

// ImageGlyph stands in for a pasted image in FakeEditor.Body.
const ImageGlyph = "￼"

// textPointY marks coordinates handed out by FindText so clicks can be mapped
// back onto body text offsets.
const textPointY = 20000

// FakeDriver is an in-memory session.Driver over a scripted page. Every
// primitive can be overridden through the matching Mock* field; overrides may
// call the Default* method to keep the standard behavior.
type FakeDriver struct {
	mu        sync.Mutex
	clock     clock.Clock
	url       string
	PageText  string
	elements  []*registered
	presence  map[string]func() bool
	Editor    *FakeEditor
	clipboard session.ClipboardData
	selected  map[string]string
	textHits  map[int]int
	navSubs   []chan session.NavEvent
	calls     []string
	closed    bool

	// LoaderSelector is reported present while the editor's link loader runs.
	LoaderSelector string
	OnNavigate     func(url string)

	MockNavigate     func(ctx context.Context, url string) (session.Outcome, error)
	MockURL          func(ctx context.Context) (string, error)
	MockEvaluate     func(ctx context.Context, t session.Target, body string) (session.Outcome, error)
	MockQuery        func(ctx context.Context, t session.Target, selector string) (session.Outcome, error)
	MockFindText     func(ctx context.Context, t session.Target, q session.TextQuery) (session.Outcome, error)
	MockSnapshot     func(ctx context.Context, t session.Target, probes []string) (session.Outcome, error)
	MockClickAt      func(ctx context.Context, p session.Point, clicks int) (session.Outcome, error)
	MockPress        func(ctx context.Context, key session.Key) (session.Outcome, error)
	MockSetClipboard func(ctx context.Context, data session.ClipboardData) (session.Outcome, error)
	MockFill         func(ctx context.Context, t session.Target, selector, value string) (session.Outcome, error)

	MockWatchNavigation func(ctx context.Context) (<-chan session.NavEvent, func(), error)
}

var _ session.Driver = (*FakeDriver)(nil)

// NewFakeDriver creates an empty page driven by clk.
func NewFakeDriver(clk clock.Clock) *FakeDriver {
	if clk == nil {
		clk = clock.New()
	}
	return &FakeDriver{
		clock:    clk,
		presence: make(map[string]func() bool),
		selected: make(map[string]string),
		textHits: make(map[int]int),
		Editor:   &FakeEditor{selStart: -1, selEnd: -1},
	}
}

func key(frame, selector string) string { return frame + "\x00" + selector }

func (f *FakeDriver) record(format string, args ...interface{}) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// -- Page Scripting --

// AddElement registers an element under selector in the given frame ("" for
// the document) and returns it for later mutation.
func (f *FakeDriver) AddElement(frame, selector string, el FakeElement) *FakeElement {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := el
	f.elements = append(f.elements, &registered{frame: frame, selector: selector, el: &e})
	return &e
}

// SetElements replaces every element registered under selector.
func (f *FakeDriver) SetElements(frame, selector string, els ...FakeElement) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.elements[:0]
	for _, r := range f.elements {
		if r.frame != frame || r.selector != selector {
			kept = append(kept, r)
		}
	}
	f.elements = kept
	for i := range els {
		e := els[i]
		f.elements = append(f.elements, &registered{frame: frame, selector: selector, el: &e})
	}
}

// SetPresence installs a dynamic visibility predicate for selector.
func (f *FakeDriver) SetPresence(frame, selector string, fn func() bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence[key(frame, selector)] = fn
}

// SetURL changes the current URL without emitting an event.
func (f *FakeDriver) SetURL(u string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.url = u
}

// EmitNavigation changes the URL and notifies WatchNavigation subscribers.
func (f *FakeDriver) EmitNavigation(u string, sameDocument bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.url = u
	for _, ch := range f.navSubs {
		select {
		case ch <- session.NavEvent{URL: u, SameDocument: sameDocument}:
		default:
		}
	}
}

// Clipboard returns the last clipboard write.
func (f *FakeDriver) Clipboard() session.ClipboardData {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clipboard
}

// Selected returns the value chosen for a <select>.
func (f *FakeDriver) Selected(selector string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selected[selector]
}

// Calls returns a copy of the recorded primitive calls.
func (f *FakeDriver) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CountCalls counts recorded calls starting with prefix.
func (f *FakeDriver) CountCalls(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// EditorState returns a copy of the editor model.
func (f *FakeDriver) EditorState() FakeEditor {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := *f.Editor
	e.Images = append([][]byte(nil), f.Editor.Images...)
	e.Cards = append([]string(nil), f.Editor.Cards...)
	return e
}

// SetBody resets the editor body text.
func (f *FakeDriver) SetBody(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Editor.Body = body
}

func (f *FakeDriver) present(frame, selector string) bool {
	if fn, ok := f.presence[key(frame, selector)]; ok {
		return fn()
	}
	if f.LoaderSelector != "" && selector == f.LoaderSelector {
		if f.Editor.loader > 0 {
			f.Editor.loader--
			return true
		}
		return false
	}
	for _, r := range f.elements {
		if r.frame == frame && r.selector == selector && !r.el.Hidden {
			return true
		}
	}
	return false
}

func (f *FakeDriver) checkOpen() error {
	if f.closed {
		return schemas.ErrSessionClosed
	}
	return nil
}

// -- session.Driver --

func (f *FakeDriver) Navigate(ctx context.Context, url string) (session.Outcome, error) {
	if f.MockNavigate != nil {
		return f.MockNavigate(ctx, url)
	}
	return f.DefaultNavigate(ctx, url)
}

func (f *FakeDriver) DefaultNavigate(ctx context.Context, url string) (session.Outcome, error) {
	f.mu.Lock()
	if err := f.checkOpen(); err != nil {
		f.mu.Unlock()
		return session.Outcome{}, err
	}
	f.record("Navigate(%s)", url)
	f.url = url
	hook := f.OnNavigate
	f.mu.Unlock()
	if hook != nil {
		hook(url)
	}
	return session.Outcome{OK: true}, nil
}

func (f *FakeDriver) URL(ctx context.Context) (string, error) {
	if f.MockURL != nil {
		return f.MockURL(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return "", err
	}
	return f.url, nil
}

func (f *FakeDriver) Evaluate(ctx context.Context, t session.Target, body string) (session.Outcome, error) {
	f.mu.Lock()
	if err := f.checkOpen(); err != nil {
		f.mu.Unlock()
		return session.Outcome{}, err
	}
	f.record("Evaluate(%s)", t.Frame)
	f.mu.Unlock()
	if f.MockEvaluate != nil {
		return f.MockEvaluate(ctx, t, body)
	}
	return session.Outcome{OK: true}, nil
}

func (f *FakeDriver) Query(ctx context.Context, t session.Target, selector string) (session.Outcome, error) {
	if f.MockQuery != nil {
		return f.MockQuery(ctx, t, selector)
	}
	return f.DefaultQuery(ctx, t, selector)
}

func (f *FakeDriver) DefaultQuery(_ context.Context, t session.Target, selector string) (session.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return session.Outcome{}, err
	}
	f.record("Query(%s,%s)", t.Frame, selector)
	var els []session.Element
	for _, r := range f.elements {
		if r.frame == t.Frame && r.selector == selector {
			els = append(els, session.Element{Text: r.el.Text, Value: r.el.Value, Visible: !r.el.Hidden, Center: r.el.Center})
		}
	}
	if len(els) == 0 {
		return session.Failed("query on %s: no element matches %q", t, selector), nil
	}
	return session.Succeeded(els), nil
}

// findNeedle mirrors the in-page search: literal match not followed by a
// digit, and in wholeURL mode not followed by more URL text.
func findNeedle(text, needle string, wholeURL bool) (first, count int) {
	first = -1
	from := 0
	for {
		idx := strings.Index(text[from:], needle)
		if idx < 0 {
			return first, count
		}
		idx += from
		from = idx + len(needle)
		if from < len(text) && text[from] >= '0' && text[from] <= '9' {
			continue
		}
		if wholeURL && urlTail(text[from:]) != "" {
			continue
		}
		count++
		if first < 0 {
			first = idx
		}
	}
}

// urlTail returns the URL text at the start of rest, minus trailing
// sentence punctuation.
func urlTail(rest string) string {
	end := strings.IndexFunc(rest, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(`<>"'()[]{}`, r)
	})
	if end < 0 {
		end = len(rest)
	}
	return strings.TrimRight(rest[:end], ".,;:!?")
}

func (f *FakeDriver) FindText(ctx context.Context, t session.Target, q session.TextQuery) (session.Outcome, error) {
	if f.MockFindText != nil {
		return f.MockFindText(ctx, t, q)
	}
	return f.DefaultFindText(ctx, t, q)
}

// DefaultFindText searches the editor body, then static element texts.
func (f *FakeDriver) DefaultFindText(_ context.Context, t session.Target, q session.TextQuery) (session.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return session.Outcome{}, err
	}
	f.record("FindText(%s,%q,%t)", t.Frame, q.Needle, q.Select)

	if idx, count := findNeedle(f.Editor.Body, q.Needle, q.WholeURL); idx >= 0 {
		f.textHits[idx] = len(q.Needle)
		p := session.Point{X: float64(idx), Y: textPointY}
		if q.Select {
			f.Editor.focus = "body"
			f.Editor.selStart, f.Editor.selEnd = idx, idx+len(q.Needle)
		}
		return session.Succeeded(session.TextMatch{Center: p, FrameCenter: p, Count: count}), nil
	}
	for _, r := range f.elements {
		if r.frame == t.Frame && !r.el.Hidden && strings.Contains(r.el.Text, q.Needle) {
			return session.Succeeded(session.TextMatch{Center: r.el.Center, FrameCenter: r.el.Center, Count: 1}), nil
		}
	}
	return session.Failed("find-text on %s: text not found", t), nil
}

func (f *FakeDriver) Snapshot(ctx context.Context, t session.Target, probes []string) (session.Outcome, error) {
	if f.MockSnapshot != nil {
		return f.MockSnapshot(ctx, t, probes)
	}
	return f.DefaultSnapshot(ctx, t, probes)
}

func (f *FakeDriver) DefaultSnapshot(_ context.Context, t session.Target, probes []string) (session.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return session.Outcome{}, err
	}
	f.record("Snapshot(%s)", t.Frame)
	snap := session.Snapshot{URL: f.url, Text: f.PageText, Present: make(map[string]bool, len(probes))}
	for _, p := range probes {
		snap.Present[p] = f.present(t.Frame, p)
	}
	return session.Succeeded(snap), nil
}

func (f *FakeDriver) Click(ctx context.Context, t session.Target, selector string) (session.Outcome, error) {
	f.mu.Lock()
	if err := f.checkOpen(); err != nil {
		f.mu.Unlock()
		return session.Outcome{}, err
	}
	var target *FakeElement
	for _, r := range f.elements {
		if r.frame == t.Frame && r.selector == selector && !r.el.Hidden {
			target = r.el
			break
		}
	}
	f.mu.Unlock()
	if target == nil {
		f.mu.Lock()
		f.record("Click(%s,%s)", t.Frame, selector)
		f.mu.Unlock()
		return session.Failed("click on %s: no element matches %q", t, selector), nil
	}
	return f.ClickAt(ctx, target.Center, 1)
}

func (f *FakeDriver) ClickAt(ctx context.Context, p session.Point, clicks int) (session.Outcome, error) {
	if f.MockClickAt != nil {
		return f.MockClickAt(ctx, p, clicks)
	}
	return f.DefaultClickAt(ctx, p, clicks)
}

// DefaultClickAt focuses editor regions, runs element click hooks, and maps a
// double-click on located body text onto a selection of that text.
func (f *FakeDriver) DefaultClickAt(_ context.Context, p session.Point, clicks int) (session.Outcome, error) {
	f.mu.Lock()
	if err := f.checkOpen(); err != nil {
		f.mu.Unlock()
		return session.Outcome{}, err
	}
	f.record("ClickAt(%g,%g,%d)", p.X, p.Y, clicks)

	if p.Y == textPointY {
		idx := int(p.X)
		f.Editor.focus = "body"
		if n, ok := f.textHits[idx]; ok && clicks >= 2 {
			f.Editor.selStart, f.Editor.selEnd = idx, idx+n
		} else {
			f.Editor.selStart, f.Editor.selEnd = -1, -1
		}
		f.mu.Unlock()
		return session.Succeeded(p), nil
	}

	var hook func()
	for _, r := range f.elements {
		if !r.el.Hidden && r.el.Center == p {
			if r.el.Focus != "" {
				f.Editor.focus = r.el.Focus
				f.Editor.selStart, f.Editor.selEnd = -1, -1
			}
			hook = r.el.OnClick
			break
		}
	}
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return session.Succeeded(p), nil
}

func (f *FakeDriver) Fill(ctx context.Context, t session.Target, selector, value string) (session.Outcome, error) {
	if f.MockFill != nil {
		return f.MockFill(ctx, t, selector, value)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return session.Outcome{}, err
	}
	f.record("Fill(%s,%s)", t.Frame, selector)
	for _, r := range f.elements {
		if r.frame == t.Frame && r.selector == selector && !r.el.Hidden {
			r.el.Value = value
			return session.Outcome{OK: true}, nil
		}
	}
	return session.Failed("fill on %s: no element matches %q", t, selector), nil
}

func (f *FakeDriver) TypeText(_ context.Context, text string) (session.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return session.Outcome{}, err
	}
	f.record("TypeText(%s)", text)
	f.insert(text)
	return session.Outcome{OK: true}, nil
}

// insert replaces the selection of the focused region with s.
func (f *FakeDriver) insert(s string) {
	e := f.Editor
	switch e.focus {
	case "title":
		if e.selStart >= 0 {
			e.Title = ""
			e.selStart, e.selEnd = -1, -1
		}
		e.Title += s
	case "body":
		if e.selStart >= 0 && e.selEnd <= len(e.Body) {
			e.Body = e.Body[:e.selStart] + s + e.Body[e.selEnd:]
			e.selStart, e.selEnd = -1, -1
			return
		}
		e.Body += s
	}
}

func (f *FakeDriver) Press(ctx context.Context, k session.Key) (session.Outcome, error) {
	if f.MockPress != nil {
		return f.MockPress(ctx, k)
	}
	return f.DefaultPress(ctx, k)
}

var (
	tagBreak = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li)>|<br\s*/?>`)
	anyTag   = regexp.MustCompile(`<[^>]+>`)
	urlLike  = regexp.MustCompile(`^https?://\S+$`)
)

func (f *FakeDriver) DefaultPress(_ context.Context, k session.Key) (session.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return session.Outcome{}, err
	}
	f.record("Press(%s)", k.Key)
	e := f.Editor

	switch {
	case k.Key == session.KeyPaste.Key && k.Modifiers&session.ModPrimary != 0:
		f.paste()
	case k.Key == session.KeySelectAll.Key && k.Modifiers&session.ModPrimary != 0:
		switch e.focus {
		case "title":
			e.selStart, e.selEnd = 0, len(e.Title)
		case "body":
			e.selStart, e.selEnd = 0, len(e.Body)
		}
	case k.Key == session.KeyDelete.Key || k.Key == session.KeyBackspace.Key:
		if e.selStart >= 0 {
			f.insert("")
			return session.Outcome{OK: true}, nil
		}
		if k.Key == session.KeyBackspace.Key && e.focus == "title" && len(e.Title) > 0 {
			r := []rune(e.Title)
			e.Title = string(r[:len(r)-1])
		}
	}
	return session.Outcome{OK: true}, nil
}

func (f *FakeDriver) paste() {
	e := f.Editor
	c := f.clipboard
	switch {
	case e.focus == "":
		return
	case len(c.PNG) > 0:
		if e.focus != "body" {
			return
		}
		e.Images = append(e.Images, c.PNG)
		f.insert(ImageGlyph)
	case c.HTML != "":
		text := tagBreak.ReplaceAllString(c.HTML, "\n")
		text = html.UnescapeString(anyTag.ReplaceAllString(text, ""))
		f.insert(strings.TrimRight(text, "\n"))
	case c.Text != "":
		f.insert(c.Text)
		if e.focus == "body" && e.LinkCards && urlLike.MatchString(c.Text) && (e.CardFor == nil || e.CardFor(c.Text)) {
			e.Cards = append(e.Cards, c.Text)
			e.loader = e.LoaderChecks
		}
	}
}

func (f *FakeDriver) Select(_ context.Context, t session.Target, selector, value string) (session.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return session.Outcome{}, err
	}
	f.record("Select(%s,%s,%s)", t.Frame, selector, value)
	for _, r := range f.elements {
		if r.frame != t.Frame || r.selector != selector {
			continue
		}
		if len(r.el.Options) > 0 {
			found := false
			for _, o := range r.el.Options {
				if o == value {
					found = true
					break
				}
			}
			if !found {
				return session.Failed("select on %s: no option %s", t, value), nil
			}
		}
		r.el.Value = value
		f.selected[selector] = value
		return session.Succeeded(value), nil
	}
	return session.Failed("select on %s: no element matches %q", t, selector), nil
}

func (f *FakeDriver) SetClipboard(ctx context.Context, data session.ClipboardData) (session.Outcome, error) {
	if f.MockSetClipboard != nil {
		return f.MockSetClipboard(ctx, data)
	}
	return f.DefaultSetClipboard(ctx, data)
}

func (f *FakeDriver) DefaultSetClipboard(_ context.Context, data session.ClipboardData) (session.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return session.Outcome{}, err
	}
	kind := "text"
	switch {
	case len(data.PNG) > 0:
		kind = "png"
	case data.HTML != "":
		kind = "html"
	}
	f.record("SetClipboard(%s)", kind)
	if data.Empty() {
		return session.Failed("set-clipboard: nothing to write"), nil
	}
	f.clipboard = data
	return session.Outcome{OK: true}, nil
}

func (f *FakeDriver) WaitForSelector(ctx context.Context, t session.Target, selector string, opts session.WaitOptions) (session.Outcome, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := f.clock.Now().Add(timeout)
	for {
		f.mu.Lock()
		if err := f.checkOpen(); err != nil {
			f.mu.Unlock()
			return session.Outcome{}, err
		}
		f.record("WaitForSelector(%s,%s,%t)", t.Frame, selector, opts.Hidden)
		ok := f.present(t.Frame, selector) != opts.Hidden
		f.mu.Unlock()
		if ok {
			return session.Outcome{OK: true}, nil
		}
		if !f.clock.Now().Before(deadline) {
			return session.Failed("%q on %s: wait timed out after %v", selector, t, timeout), nil
		}
		if err := f.clock.Sleep(ctx, 100*time.Millisecond); err != nil {
			return session.Outcome{}, err
		}
	}
}

func (f *FakeDriver) Wait(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	if err := f.checkOpen(); err != nil {
		f.mu.Unlock()
		return err
	}
	f.record("Wait(%v)", d)
	f.mu.Unlock()
	return f.clock.Sleep(ctx, d)
}

func (f *FakeDriver) WatchNavigation(ctx context.Context) (<-chan session.NavEvent, func(), error) {
	if f.MockWatchNavigation != nil {
		return f.MockWatchNavigation(ctx)
	}
	return f.DefaultWatchNavigation(ctx)
}

func (f *FakeDriver) DefaultWatchNavigation(context.Context) (<-chan session.NavEvent, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return nil, nil, err
	}
	ch := make(chan session.NavEvent, 16)
	f.navSubs = append(f.navSubs, ch)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			for i, c := range f.navSubs {
				if c == ch {
					f.navSubs = append(f.navSubs[:i], f.navSubs[i+1:]...)
					break
				}
			}
		})
	}, nil
}

// Subscribers reports the number of live navigation subscriptions.
func (f *FakeDriver) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.navSubs)
}

func (f *FakeDriver) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.record("Close")
	}
	f.closed = true
	for _, ch := range f.navSubs {
		close(ch)
	}
	f.navSubs = nil
	return nil
}

// Closed reports whether Close was called.
func (f *FakeDriver) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
