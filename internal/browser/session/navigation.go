// internal/browser/session/navigation.go
package session

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// navHub fans CDP navigation events out to subscribers. chromedp listeners
// cannot be removed, so one listener is installed per tab and subscriptions
// are managed here.
type navHub struct {
	mu     sync.Mutex
	subs   map[int]chan NavEvent
	next   int
	closed bool
	logger *zap.Logger
}

func newNavHub(logger *zap.Logger) *navHub {
	return &navHub{subs: make(map[int]chan NavEvent), logger: logger}
}

func (h *navHub) listen(tabCtx context.Context) {
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventNavigatedWithinDocument:
			// pushState, replaceState and fragment changes.
			h.publish(NavEvent{URL: e.URL, SameDocument: true})
		case *page.EventFrameNavigated:
			if e.Frame != nil && e.Frame.ParentID == "" {
				h.publish(NavEvent{URL: e.Frame.URL})
			}
		}
	})
}

// publish never blocks the CDP event loop; a slow subscriber misses events and
// relies on its own polling.
func (h *navHub) publish(ev NavEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("Dropping navigation event for slow subscriber.", zap.String("url", ev.URL))
		}
	}
}

func (h *navHub) subscribe() (<-chan NavEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan NavEvent, 16)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *navHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
