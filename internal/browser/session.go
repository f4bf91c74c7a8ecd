// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/infant/internal/computer"
	"github.com/xkilldash9x/infant/internal/config"
)

const (
	defaultNavigationTimeout = 60 * time.Second
	defaultOpenTimeout       = 30 * time.Second
	defaultSettle            = 500 * time.Millisecond
)

// ErrNotOpen is returned by page operations before Open succeeds.
var ErrNotOpen = errors.New("browser is not open; call open_browser() first")

// ScreenshotSink stores a PNG and returns the screenshot marker line for it.
type ScreenshotSink func(png []byte) (string, error)

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	// root tabs own the browser connection; closing one only closes the page.
	root bool
}

// Session drives a Chrome instance over the DevTools protocol. It tracks the
// tabs it opened and which one is active.
type Session struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
	sink   ScreenshotSink

	settle      time.Duration
	openTimeout time.Duration

	mu          sync.Mutex
	allocCancel context.CancelFunc
	root        *tab
	tabs        []*tab
	active      int
}

var _ computer.Browser = (*Session)(nil)

// New returns a closed session. sink may be nil, in which case page actions
// report no screenshot.
func New(cfg config.BrowserConfig, sink ScreenshotSink, logger *zap.Logger) *Session {
	return &Session{
		cfg:         cfg,
		logger:      logger.Named("browser"),
		sink:        sink,
		settle:      defaultSettle,
		openTimeout: defaultOpenTimeout,
	}
}

// Active reports whether the session holds a live browser connection.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root != nil && s.root.ctx.Err() == nil
}

// Open connects to the DevTools endpoint, retrying while the browser starts.
func (s *Session) Open(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.root != nil && s.root.ctx.Err() == nil {
		return "The browser is already open.", nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = s.openTimeout

	attempt := 0
	operation := func() error {
		attempt++
		allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), s.cfg.CDPURL)
		tabCtx, tabCancel := chromedp.NewContext(allocCtx)
		if err := runFirst(ctx, tabCtx, tabCancel); err != nil {
			tabCancel()
			allocCancel()
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			s.logger.Debug("Browser not reachable yet.", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		s.allocCancel = allocCancel
		s.root = &tab{ctx: tabCtx, cancel: tabCancel, root: true}
		s.tabs = []*tab{s.root}
		s.active = 0
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return "", fmt.Errorf("failed to connect to browser at %s: %w", s.cfg.CDPURL, err)
	}
	s.logger.Info("Browser connected.", zap.String("cdp_url", s.cfg.CDPURL), zap.Int("attempts", attempt))
	return "Browser opened.", nil
}

// runFirst performs the first Run on a fresh chromedp context. It must run on
// tabCtx itself because chromedp ties the target's lifetime to that call, so
// ctx is honored by canceling the tab instead.
func runFirst(ctx, tabCtx context.Context, tabCancel context.CancelFunc) error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(tabCtx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		tabCancel()
		<-done
		return ctx.Err()
	}
}

// current returns the active tab.
func (s *Session) current() (*tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.root == nil || s.root.ctx.Err() != nil || len(s.tabs) == 0 {
		return nil, ErrNotOpen
	}
	return s.tabs[s.active], nil
}

// run executes actions on t bounded by ctx.
func (s *Session) run(ctx context.Context, t *tab, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(t.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// observe lets the page settle, captures the viewport and appends the
// screenshot marker to msg.
func (s *Session) observe(ctx context.Context, t *tab, msg string) (string, error) {
	if s.sink == nil {
		return msg, nil
	}
	var png []byte
	err := s.run(ctx, t, chromedp.Sleep(s.settle), chromedp.CaptureScreenshot(&png))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		s.logger.Warn("Could not capture page screenshot.", zap.Error(err))
		return msg, nil
	}
	line, err := s.sink(png)
	if err != nil {
		return "", err
	}
	return msg + "\n" + line, nil
}

func (s *Session) navigationTimeout() time.Duration {
	if s.cfg.NavigationTimeout > 0 {
		return s.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

// navigate loads url in t and waits for the body to be ready.
func (s *Session) navigate(ctx context.Context, t *tab, url string) error {
	timeout := s.navigationTimeout()
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.run(navCtx, t, chromedp.Navigate(url)); err != nil {
		if errors.Is(navCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("navigation to %s timed out after %s: %w", url, timeout, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	if err := s.run(navCtx, t, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("Page body not ready after navigation.", zap.String("url", url), zap.Error(err))
	}
	return nil
}

// Navigate loads url in the active tab.
func (s *Session) Navigate(ctx context.Context, url string) (string, error) {
	t, err := s.current()
	if err != nil {
		return "", err
	}
	s.logger.Debug("Navigating.", zap.String("url", url))
	if err := s.navigate(ctx, t, url); err != nil {
		return "", err
	}
	return s.observe(ctx, t, "Navigated to "+url)
}

// NewTab opens url in a new tab and makes it active.
func (s *Session) NewTab(ctx context.Context, url string) (string, error) {
	s.mu.Lock()
	root := s.root
	s.mu.Unlock()
	if root == nil || root.ctx.Err() != nil {
		return "", ErrNotOpen
	}

	tabCtx, tabCancel := chromedp.NewContext(root.ctx)
	if err := runFirst(ctx, tabCtx, tabCancel); err != nil {
		tabCancel()
		return "", fmt.Errorf("failed to open a new tab: %w", err)
	}
	t := &tab{ctx: tabCtx, cancel: tabCancel}

	s.mu.Lock()
	s.tabs = append(s.tabs, t)
	s.active = len(s.tabs) - 1
	index := s.active
	s.mu.Unlock()

	if url != "" && url != "about:blank" {
		if err := s.navigate(ctx, t, url); err != nil {
			return "", err
		}
	}
	return s.observe(ctx, t, fmt.Sprintf("Opened new tab %d with %s", index, url))
}

// SwitchTab activates the tab at index.
func (s *Session) SwitchTab(ctx context.Context, index int) (string, error) {
	s.mu.Lock()
	if s.root == nil {
		s.mu.Unlock()
		return "", ErrNotOpen
	}
	if index < 0 || index >= len(s.tabs) {
		n := len(s.tabs)
		s.mu.Unlock()
		return "", fmt.Errorf("tab index %d is out of range; %d tabs are open", index, n)
	}
	s.active = index
	t := s.tabs[index]
	s.mu.Unlock()

	if err := s.run(ctx, t, page.BringToFront()); err != nil {
		return "", fmt.Errorf("failed to switch to tab %d: %w", index, err)
	}
	return s.observe(ctx, t, fmt.Sprintf("Switched to tab %d", index))
}

// CloseTab closes the active tab and activates the previous one.
func (s *Session) CloseTab(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.root == nil {
		s.mu.Unlock()
		return "", ErrNotOpen
	}
	if len(s.tabs) == 1 {
		s.mu.Unlock()
		return "Cannot close the only open tab.", nil
	}
	closing := s.tabs[s.active]
	s.tabs = append(s.tabs[:s.active], s.tabs[s.active+1:]...)
	if s.active > 0 {
		s.active--
	}
	next := s.tabs[s.active]
	index := s.active
	s.mu.Unlock()

	if closing.root {
		if err := s.run(ctx, closing, page.Close()); err != nil {
			s.logger.Warn("Failed to close root tab page.", zap.Error(err))
		}
	} else {
		closing.cancel()
	}
	if err := s.run(ctx, next, page.BringToFront()); err != nil {
		return "", fmt.Errorf("failed to activate tab %d: %w", index, err)
	}
	return s.observe(ctx, next, fmt.Sprintf("Closed tab; now on tab %d", index))
}

// Back goes back in the active tab's history.
func (s *Session) Back(ctx context.Context) (string, error) {
	return s.history(ctx, "Navigated back", chromedp.NavigateBack())
}

// Forward goes forward in the active tab's history.
func (s *Session) Forward(ctx context.Context) (string, error) {
	return s.history(ctx, "Navigated forward", chromedp.NavigateForward())
}

// Refresh reloads the active tab.
func (s *Session) Refresh(ctx context.Context) (string, error) {
	return s.history(ctx, "Page refreshed", chromedp.Reload())
}

func (s *Session) history(ctx context.Context, msg string, action chromedp.Action) (string, error) {
	t, err := s.current()
	if err != nil {
		return "", err
	}
	navCtx, cancel := context.WithTimeout(ctx, s.navigationTimeout())
	defer cancel()
	if err := s.run(navCtx, t, action); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%s failed: %w", strings.ToLower(msg), err)
	}
	return s.observe(ctx, t, msg)
}

// tabInfo lists every tab with its title and URL.
func (s *Session) tabInfo(ctx context.Context) string {
	s.mu.Lock()
	tabs := append([]*tab(nil), s.tabs...)
	s.mu.Unlock()

	var b strings.Builder
	b.WriteString("[")
	for i, t := range tabs {
		var url, title string
		if err := s.run(ctx, t, chromedp.Location(&url), chromedp.Title(&title)); err != nil {
			s.logger.Debug("Could not read tab info.", zap.Int("tab", i), zap.Error(err))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "TabInfo(page_id=%d, url=%q, title=%q)", i, url, title)
	}
	b.WriteString("]")
	return b.String()
}

// Close disconnects from the browser. The session can be opened again.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.root == nil {
		return nil
	}
	for _, t := range s.tabs {
		if !t.root {
			t.cancel()
		}
	}
	s.root.cancel()
	if s.allocCancel != nil {
		s.allocCancel()
	}
	s.root, s.tabs, s.allocCancel, s.active = nil, nil, nil, 0
	s.logger.Debug("Browser session closed.")
	return nil
}
