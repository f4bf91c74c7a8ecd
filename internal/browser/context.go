// internal/browser/context.go
package browser

import "context"

// CombineContext returns a context that carries the values of primary (the
// chromedp target) and is canceled when either primary or secondary is done.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}
