// internal/browser/session/context_utils.go
package session

import "context"

// CombineContext returns a context derived from primary (inheriting its values,
// deadline and cancellation) that is additionally canceled when secondary is.
// For chromedp the primary context is the tab context, which carries the CDP
// target, and the secondary one carries the operational deadline.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	stop := context.AfterFunc(secondary, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}
