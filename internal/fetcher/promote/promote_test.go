package promote

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/quotafill-crawler/internal/fetcher"
)

type stubSource struct {
	mu    sync.Mutex
	page  fetcher.Page
	err   error
	calls []string
}

func (s *stubSource) Fetch(_ context.Context, req fetcher.Request) (fetcher.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req.URL)
	return s.page, s.err
}

func ok(body string) fetcher.Page {
	return fetcher.Page{StatusCode: http.StatusOK, Body: []byte(body)}
}

func TestNeedsBrowser(t *testing.T) {
	t.Parallel()
	article := "<html><body><article>" + strings.Repeat("<p>Rates rose again.</p>", 200) + "</article></body></html>"

	cases := []struct {
		name string
		page fetcher.Page
		want bool
	}{
		{"empty body", ok("  "), true},
		{"next.js shell", ok(`<div id="__next"></div>`), true},
		{"script heavy", ok(`<html><script>var a=1;</script><p>t</p></html>`), true},
		{"unterminated script", ok(`<p>x</p><script>load(`), true},
		{"static article", ok(article), false},
		{"not found", fetcher.Page{StatusCode: http.StatusNotFound}, false},
		{"already rendered", fetcher.Page{StatusCode: http.StatusOK, Rendered: true}, false},
	}
	d := NewDetector(1000)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, d.NeedsBrowser(tc.page))
		})
	}
}

func TestSourcePromotesShells(t *testing.T) {
	t.Parallel()
	plain := &stubSource{page: ok(`<div id="root"></div>`)}
	browser := &stubSource{page: fetcher.Page{StatusCode: http.StatusOK, Body: []byte("<p>rendered</p>"), Rendered: true}}
	var promoted []string
	src, err := New(plain, func() (fetcher.PageSource, error) { return browser, nil }, nil,
		WithObserver(func(u string) { promoted = append(promoted, u) }))
	require.NoError(t, err)

	page, err := src.Fetch(context.Background(), fetcher.Request{URL: "https://example.com/a"})
	require.NoError(t, err)
	require.True(t, page.Rendered)
	require.Equal(t, []string{"https://example.com/a"}, browser.calls)
	require.Equal(t, []string{"https://example.com/a"}, promoted)
}

func TestSourceKeepsStaticPages(t *testing.T) {
	t.Parallel()
	plain := &stubSource{page: ok("<html><body>" + strings.Repeat("<p>text</p>", 400) + "</body></html>")}
	opened := false
	src, err := New(plain, func() (fetcher.PageSource, error) {
		opened = true
		return nil, errors.New("no browser")
	}, nil)
	require.NoError(t, err)

	page, err := src.Fetch(context.Background(), fetcher.Request{URL: "https://example.com/b"})
	require.NoError(t, err)
	require.False(t, page.Rendered)
	require.False(t, opened)
}

func TestSourceErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("connection reset")
	plain := &stubSource{err: boom}
	src, err := New(plain, func() (fetcher.PageSource, error) { return &stubSource{}, nil }, nil)
	require.NoError(t, err)
	_, err = src.Fetch(context.Background(), fetcher.Request{URL: "https://example.com/c"})
	require.ErrorIs(t, err, boom)

	shell := &stubSource{page: ok("")}
	src, err = New(shell, func() (fetcher.PageSource, error) { return nil, errors.New("chrome missing") }, nil)
	require.NoError(t, err)
	_, err = src.Fetch(context.Background(), fetcher.Request{URL: "https://example.com/d"})
	require.ErrorContains(t, err, "open browser")

	_, err = New(nil, nil, nil)
	require.Error(t, err)
}
