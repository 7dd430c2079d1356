package listing

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/quotafill-crawler/internal/scheduler"
)

// Expand fills a listing URL template for a partition and page number.
//
//	{year}=2023 {month}=3 {mm}=03 {day}=5 {dd}=05 {monthname}=march {page}=2
func Expand(template string, key scheduler.PartitionKey, page int) string {
	r := strings.NewReplacer(
		"{source}", key.Source,
		"{year}", strconv.Itoa(key.Year),
		"{month}", strconv.Itoa(key.Month),
		"{mm}", fmt.Sprintf("%02d", key.Month),
		"{day}", strconv.Itoa(key.Day),
		"{dd}", fmt.Sprintf("%02d", key.Day),
		"{monthname}", strings.ToLower(time.Month(key.Month).String()),
		"{page}", strconv.Itoa(page),
	)
	return r.Replace(template)
}

// ValidateTemplate checks that a template expands to something containing a
// date. Templates without {page} describe single-page listings.
func ValidateTemplate(template string) error {
	if strings.TrimSpace(template) == "" {
		return fmt.Errorf("url template is required")
	}
	probe := scheduler.PartitionKey{Source: "x", Year: 2001, Month: 2, Day: 3}
	if Expand(template, probe, 1) == template {
		return fmt.Errorf("url template %q has no placeholders", template)
	}
	for _, p := range []string{"{", "}"} {
		if strings.Contains(Expand(template, probe, 1), p) {
			return fmt.Errorf("url template %q has an unknown placeholder", template)
		}
	}
	return nil
}

// Paged reports whether a template varies with the page number.
func Paged(template string) bool {
	return strings.Contains(template, "{page}")
}
