// internal/content/content.go
// Package content turns a source document into the payload the injection
// pipeline pastes: rendered HTML for the clipboard, the plain text the editor
// will show, the image markers it contains and the literal links to card.
package content

import (
	"bytes"
	"fmt"
	"html"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/xkilldash9x/quill-cli/api/schemas"
)

// Format is the markup of a source body.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatText     Format = "text"
)

// DetectFormat guesses the format from a file name.
func DetectFormat(name string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".html", ".htm":
		return FormatHTML
	case ".txt":
		return FormatText
	}
	return FormatMarkdown
}

var md = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
)

// Render converts source into HTML.
func Render(source string, format Format) (string, error) {
	switch format {
	case FormatHTML:
		return source, nil
	case FormatText:
		var b strings.Builder
		for _, para := range strings.Split(strings.ReplaceAll(source, "\r\n", "\n"), "\n\n") {
			if para = strings.TrimSpace(para); para != "" {
				b.WriteString("<p>")
				b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
				b.WriteString("</p>\n")
			}
		}
		return b.String(), nil
	case FormatMarkdown, "":
		var buf bytes.Buffer
		if err := md.Convert([]byte(source), &buf); err != nil {
			return "", fmt.Errorf("render markdown: %w", err)
		}
		return buf.String(), nil
	}
	return "", fmt.Errorf("unknown content format %q", format)
}

// ExtractText returns the text the editor shows for an HTML body, one line
// per block element.
func ExtractText(body string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse body: %w", err)
	}
	doc.Find("script, style, head").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, h1, h2, h3, h4, h5, h6, blockquote, pre, tr").AppendHtml("\n")

	var lines []string
	for _, line := range strings.Split(doc.Text(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}

var (
	markerPattern = regexp.MustCompile(`\(image (\d+)\)`)
	linkPattern   = regexp.MustCompile(`https?://[^\s<>"'()\[\]{}]+`)
)

// FindMarkers returns the distinct image indices referenced in text, ascending.
func FindMarkers(text string) []int {
	seen := make(map[int]bool)
	var out []int
	for _, m := range markerPattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// FindLinks returns the literal URLs in text in order of first appearance.
// Trailing sentence punctuation is not part of a link.
func FindLinks(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, raw := range linkPattern.FindAllString(text, -1) {
		u := strings.TrimRight(raw, ".,;:!?")
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// Document is a prepared body.
type Document struct {
	Payload schemas.ContentPayload
	// Text is what the editor shows after the HTML is pasted.
	Text string
	// Unbound lists marker indices in the body that no image was supplied for.
	Unbound []int
}

// Build renders body and binds images to the markers it contains. Images
// keyed by an index with no marker in the body are rejected.
func Build(title, body string, format Format, images map[int]string) (Document, error) {
	rendered, err := Render(body, format)
	if err != nil {
		return Document{}, err
	}
	text, err := ExtractText(rendered)
	if err != nil {
		return Document{}, err
	}

	doc := Document{
		Payload: schemas.ContentPayload{Title: strings.TrimSpace(title), Body: rendered, Links: FindLinks(text)},
		Text:    text,
	}
	present := make(map[int]bool)
	for _, idx := range FindMarkers(text) {
		present[idx] = true
		if src, ok := images[idx]; ok {
			doc.Payload.Markers = append(doc.Payload.Markers, schemas.ImageMarker{Index: idx, Source: src})
		} else {
			doc.Unbound = append(doc.Unbound, idx)
		}
	}
	for idx := range images {
		if !present[idx] {
			return Document{}, fmt.Errorf("%w: image %d has no %q marker in the body", schemas.ErrInvalidContent, idx, schemas.MarkerText(idx))
		}
	}
	if err := doc.Payload.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}
