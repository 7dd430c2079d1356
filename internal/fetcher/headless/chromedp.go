// Package headless renders pages in a Chrome session that keeps its profile
// (cookies, logins) across fetches.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/quotafill-crawler/internal/fetcher"
)

const (
	defaultNavTimeout = 45 * time.Second
	defaultSettle     = 500 * time.Millisecond
)

// Config controls the browser session.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// Settle is how long to wait after the body is ready before reading the DOM.
	Settle time.Duration
	// UserDataDir points Chrome at an existing profile so authenticated
	// sessions survive restarts. Empty means a throwaway profile.
	UserDataDir string
	ProfileDir  string
	// Headful shows the browser window, useful for logging in once by hand.
	Headful     bool
	MaxParallel int
}

// Session implements fetcher.PageSource on a long-lived browser. Each fetch
// runs in its own tab of the same browser so every tab shares the profile.
type Session struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc

	mu            sync.Mutex
	browser       context.Context
	browserCancel context.CancelFunc
}

// NewSession prepares a browser allocator. Chrome itself starts on first use.
func NewSession(cfg Config) (*Session, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.Settle < 0 {
		return nil, fmt.Errorf("settle must be >= 0")
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	return &Session{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.Headful {
		opts = append(opts, chromedp.Flag("headless", false))
	} else {
		opts = append(opts, chromedp.Flag("headless", "new"))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.ProfileDir != "" {
		opts = append(opts, chromedp.Flag("profile-directory", cfg.ProfileDir))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

// Close shuts the browser down.
func (s *Session) Close() {
	s.mu.Lock()
	if s.browserCancel != nil {
		s.browserCancel()
		s.browser, s.browserCancel = nil, nil
	}
	s.mu.Unlock()
	s.allocCancel()
}

// Fetch navigates to the URL in a fresh tab and returns the rendered DOM.
func (s *Session) Fetch(ctx context.Context, request fetcher.Request) (fetcher.Page, error) {
	if err := s.acquire(ctx); err != nil {
		return fetcher.Page{}, err
	}
	defer s.release()

	browser, err := s.browserContext()
	if err != nil {
		return fetcher.Page{}, err
	}
	tabCtx, tabCancel := chromedp.NewContext(browser)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, s.navTimeout())
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := s.render(tabCtx, request)
	if err != nil {
		if ctx.Err() != nil {
			return fetcher.Page{}, fmt.Errorf("headless fetch canceled: %w", ctx.Err())
		}
		return fetcher.Page{}, err
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(request.URL, finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	return fetcher.Page{
		URL:        responseURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Duration:   time.Since(start),
		Rendered:   true,
	}, nil
}

func (s *Session) browserContext() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser != nil {
		return s.browser, nil
	}
	browser, cancel := chromedp.NewContext(s.allocator)
	// Run with no actions starts the browser process.
	if err := chromedp.Run(browser); err != nil {
		cancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	s.browser, s.browserCancel = browser, cancel
	return browser, nil
}

func (s *Session) render(ctx context.Context, request fetcher.Request) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		s.networkSetupAction(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if settle := s.settle(); settle > 0 {
		actions = append(actions, chromedp.Sleep(settle))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (s *Session) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (s *Session) acquire(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	select {
	case s.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (s *Session) release() {
	if s.limiter == nil {
		return
	}
	select {
	case <-s.limiter:
	default:
	}
}

func (s *Session) navTimeout() time.Duration {
	if s.cfg.NavigationTimeout > 0 {
		return s.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

func (s *Session) settle() time.Duration {
	if s.cfg.Settle > 0 {
		return s.cfg.Settle
	}
	return defaultSettle
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// capture keeps the first document response; later ones belong to frames.
func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()

	switch {
	case finalURL != "":
		url = finalURL
	case url == "":
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
