// Package promote upgrades plain HTTP fetches to a browser render when the
// returned page looks like a client-side application shell.
package promote

import (
	"bytes"
	"strings"

	"github.com/JakeFAU/quotafill-crawler/internal/fetcher"
)

const defaultMinBody = 2048

var shellMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("__NUXT__"),
}

// Detector decides whether a page needs JavaScript to show its content.
type Detector struct {
	// MinBody is the size under which a script-heavy page counts as a shell.
	MinBody int
	// Markers are byte patterns that flag a page regardless of size.
	Markers [][]byte
}

// NewDetector returns a detector with the default markers.
func NewDetector(minBody int) *Detector {
	if minBody <= 0 {
		minBody = defaultMinBody
	}
	return &Detector{MinBody: minBody, Markers: shellMarkers}
}

// NeedsBrowser reports whether a successful page should be re-rendered.
// Error statuses are never promoted.
func (d *Detector) NeedsBrowser(page fetcher.Page) bool {
	if !page.OK() || page.Rendered {
		return false
	}
	if len(bytes.TrimSpace(page.Body)) == 0 {
		return true
	}
	if len(page.Body) < d.MinBody && scriptShare(page.Body) >= 25 {
		return true
	}
	for _, m := range d.Markers {
		if bytes.Contains(page.Body, m) {
			return true
		}
	}
	return false
}

// scriptShare returns the percentage of the document inside <script> tags.
// An unterminated tag runs to the end of the document.
func scriptShare(body []byte) int {
	doc := strings.ToLower(string(body))
	if doc == "" {
		return 0
	}
	covered := 0
	for pos := 0; pos < len(doc); {
		i := strings.Index(doc[pos:], "<script")
		if i < 0 {
			break
		}
		start := pos + i
		end := len(doc)
		if gt := strings.IndexByte(doc[start:], '>'); gt >= 0 {
			if j := strings.Index(doc[start+gt+1:], "</script>"); j >= 0 {
				end = start + gt + 1 + j + len("</script>")
			}
		}
		covered += end - start
		pos = end
	}
	return covered * 100 / len(doc)
}
