// internal/browser/session/driver.go
// This file defines the Driver contract that every automation stage is built
// on. A Driver exposes small, independently retryable primitives against one
// exclusive browser tab. Expected failures (a selector that matches nothing, a
// frame that has not loaded yet) are reported through Outcome; the error return
// is reserved for transport faults, which wrap schemas.ErrSessionLost, or for
// use after Close, which returns schemas.ErrSessionClosed.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Target selects the document a primitive runs in: the top-level document or
// an embedded frame whose id, name or src contains Frame.
type Target struct {
	Frame string
}

// Document targets the top-level document.
var Document = Target{}

// Frame targets the first iframe matching pattern.
func Frame(pattern string) Target { return Target{Frame: pattern} }

func (t Target) String() string {
	if t.Frame == "" {
		return "document"
	}
	return "frame(" + t.Frame + ")"
}

// Outcome is the result of one primitive.
type Outcome struct {
	OK     bool            `json:"ok"`
	Value  json.RawMessage `json:"value,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// Succeeded builds a successful Outcome carrying v encoded as JSON.
func Succeeded(v interface{}) Outcome {
	if v == nil {
		return Outcome{OK: true}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Outcome{OK: false, Reason: fmt.Sprintf("unencodable result: %v", err)}
	}
	return Outcome{OK: true, Value: raw}
}

// Failed builds an unsuccessful Outcome.
func Failed(format string, args ...interface{}) Outcome {
	return Outcome{OK: false, Reason: fmt.Sprintf(format, args...)}
}

// Decode unmarshals the carried value into v.
func (o Outcome) Decode(v interface{}) error {
	if len(o.Value) == 0 {
		return fmt.Errorf("outcome carries no value")
	}
	return json.Unmarshal(o.Value, v)
}

// Point is a position in top-level viewport coordinates, the space CDP mouse
// events are dispatched in.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Element describes one element matched by Query.
type Element struct {
	Text    string `json:"text"`
	Value   string `json:"value,omitempty"`
	Visible bool   `json:"visible"`
	Center  Point  `json:"center"`
}

// TextMatch is the result of FindText. Center is in page coordinates and
// FrameCenter relative to the frame's own viewport.
type TextMatch struct {
	Center      Point `json:"center"`
	FrameCenter Point `json:"frameCenter"`
	Count       int   `json:"count"`
}

// TextQuery describes a literal text search over the text nodes of a document.
type TextQuery struct {
	Needle string
	// Select places the document selection over the first match.
	Select bool
	// WholeURL accepts a match only when no further URL text follows it,
	// ignoring trailing sentence punctuation. It keeps "https://a.com" from
	// matching inside "https://a.com/guide".
	WholeURL bool
}

// Snapshot is a single consistent read of the page used by classifiers.
type Snapshot struct {
	URL     string          `json:"url"`
	Title   string          `json:"title"`
	Text    string          `json:"text"`
	Present map[string]bool `json:"present"`
}

// WaitOptions tune WaitForSelector. With Hidden set the wait succeeds once no
// visible element matches.
type WaitOptions struct {
	Timeout time.Duration
	Hidden  bool
}

// Modifier is a bitmask of keyboard modifiers.
type Modifier int

const (
	ModAlt Modifier = 1 << iota
	ModCtrl
	ModMeta
	ModShift
	// ModPrimary resolves to Ctrl or Meta depending on the session's
	// configured paste modifier.
	ModPrimary
)

// Key is a single key press, optionally carrying editor commands. Chrome
// ignores bare clipboard chords from synthetic events, so chords such as paste
// carry the matching editing command.
type Key struct {
	Key       string
	Code      string
	KeyCode   int64
	Text      string
	Modifiers Modifier
	Commands  []string
}

var (
	KeyPaste     = Key{Key: "v", Code: "KeyV", KeyCode: 86, Modifiers: ModPrimary, Commands: []string{"paste"}}
	KeySelectAll = Key{Key: "a", Code: "KeyA", KeyCode: 65, Modifiers: ModPrimary, Commands: []string{"selectAll"}}
	KeyDelete    = Key{Key: "Delete", Code: "Delete", KeyCode: 46, Commands: []string{"deleteForward"}}
	KeyBackspace = Key{Key: "Backspace", Code: "Backspace", KeyCode: 8, Commands: []string{"deleteBackward"}}
	KeyEnter     = Key{Key: "Enter", Code: "Enter", KeyCode: 13, Text: "\r"}
	KeyEscape    = Key{Key: "Escape", Code: "Escape", KeyCode: 27}
)

// ClipboardData is written to the system clipboard as a single item.
type ClipboardData struct {
	Text string
	HTML string
	PNG  []byte
}

// Empty reports whether no representation is set.
func (c ClipboardData) Empty() bool {
	return c.Text == "" && c.HTML == "" && len(c.PNG) == 0
}

// NavEvent is emitted for top-level navigations and same-document history
// changes.
type NavEvent struct {
	URL          string
	SameDocument bool
}

// Driver is the contract consumed by every automation stage.
type Driver interface {
	Navigate(ctx context.Context, url string) (Outcome, error)
	URL(ctx context.Context) (string, error)
	// Evaluate runs body as the body of a function with doc (the target
	// document) and fail(reason) in scope. Returning fail(...) yields a failed
	// Outcome; any other return value is carried in Outcome.Value.
	Evaluate(ctx context.Context, t Target, body string) (Outcome, error)
	// Query reports every element matching selector as []Element.
	Query(ctx context.Context, t Target, selector string) (Outcome, error)
	// FindText walks text nodes for a literal match and reports a TextMatch.
	FindText(ctx context.Context, t Target, q TextQuery) (Outcome, error)
	Snapshot(ctx context.Context, t Target, probes []string) (Outcome, error)

	Click(ctx context.Context, t Target, selector string) (Outcome, error)
	ClickAt(ctx context.Context, p Point, clicks int) (Outcome, error)
	Fill(ctx context.Context, t Target, selector, value string) (Outcome, error)
	TypeText(ctx context.Context, text string) (Outcome, error)
	Press(ctx context.Context, key Key) (Outcome, error)
	Select(ctx context.Context, t Target, selector, value string) (Outcome, error)
	SetClipboard(ctx context.Context, data ClipboardData) (Outcome, error)

	WaitForSelector(ctx context.Context, t Target, selector string, opts WaitOptions) (Outcome, error)
	Wait(ctx context.Context, d time.Duration) error
	// WatchNavigation subscribes to navigation events until stop is called.
	WatchNavigation(ctx context.Context) (events <-chan NavEvent, stop func(), err error)

	Close(ctx context.Context) error
}
