package scheduler

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

var errUnsupportedScheme = errors.New("unsupported url scheme")

// Gate classifies listing candidates for one source. It performs no I/O.
type Gate struct {
	base           *url.URL
	include        []string
	exclude        []string
	contentExclude []string
	minHeadline    int
}

// NewGate compiles the section rules of a source.
func NewGate(cfg SourceConfig) (*Gate, error) {
	g := &Gate{
		include:        normalizeRules(cfg.Include),
		exclude:        normalizeRules(cfg.Exclude),
		contentExclude: normalizeRules(cfg.ContentExclude),
		minHeadline:    cfg.MinHeadlineLength,
	}
	if cfg.BaseURL != "" {
		base, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base url %q: %w", cfg.BaseURL, err)
		}
		g.base = base
	}
	return g, nil
}

func normalizeRules(rules []string) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Canonicalize resolves raw against the base URL and normalizes it: lowercase
// scheme and host, no default port, no fragment, sorted query.
func (g *Gate) Canonicalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if g.base != nil {
		u = g.base.ResolveReference(u)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: %q", errUnsupportedScheme, raw)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Host == "" {
		return "", fmt.Errorf("missing host: %q", raw)
	}
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	return u.String(), nil
}

// Classify returns the canonical URL and the verdict for a listing item.
// Section and headline rules are checked before the duplicate lookup.
func (g *Gate) Classify(item RawItem, known map[string]struct{}) (string, Verdict) {
	canonical, err := g.Canonicalize(item.URL)
	if err != nil {
		return "", RejectSection
	}
	if !g.sectionAllowed(pathOf(canonical)) {
		return canonical, RejectSection
	}
	if headlineLength(item.Headline) < g.minHeadline {
		return canonical, RejectSection
	}
	if _, dup := known[canonical]; dup {
		return canonical, RejectDuplicate
	}
	return canonical, Accept
}

func (g *Gate) sectionAllowed(path string) bool {
	for _, rule := range g.exclude {
		if ruleMatches(path, rule) {
			return false
		}
	}
	if len(g.include) == 0 {
		return true
	}
	for _, rule := range g.include {
		if ruleMatches(path, rule) {
			return true
		}
	}
	return false
}

// ruleMatches applies one section rule to a lowercase URL path. A rule with a
// slash ("/science/medicine/") matches as a substring of the path; a bare
// keyword ("sports") must equal a whole path segment, so it never matches
// inside a slug such as "/tech/videogame-maker".
func ruleMatches(path, rule string) bool {
	if strings.Contains(rule, "/") {
		return strings.Contains(path, rule)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == rule {
			return true
		}
	}
	return false
}

// ExcludeContent reports whether a link must be excluded at content time,
// either by its URL path or by the section the article page declares.
func (g *Gate) ExcludeContent(rawURL, section string) bool {
	if len(g.contentExclude) == 0 {
		return false
	}
	path := pathOf(rawURL)
	label := sectionLabel(section)
	for _, rule := range g.contentExclude {
		if path != "" && ruleMatches(path, rule) {
			return true
		}
		if label != "" && label == strings.Trim(rule, "/") {
			return true
		}
	}
	return false
}

func pathOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Path)
}

// sectionLabel turns "Real Estate" into "real-estate".
func sectionLabel(section string) string {
	return strings.ToLower(strings.Join(strings.Fields(section), "-"))
}

func headlineLength(headline string) int {
	return utf8.RuneCountInString(collapseSpace(headline))
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
