package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// StopRule selects when a listing walk stops advancing.
type StopRule string

// Supported listing stop rules.
const (
	// StopOnEmptyPage advances until a page yields zero items.
	StopOnEmptyPage StopRule = "empty_page"
	// StopOnShortPage additionally stops after a page with fewer than FullPageSize items.
	StopOnShortPage StopRule = "short_page"
)

const (
	defaultQuota        = 30
	defaultFullPageSize = 50
)

// SourceConfig is the engine-level description of one source.
type SourceConfig struct {
	Name              string
	BaseURL           string
	Quota             int
	StartDate         time.Time
	EndDate           time.Time
	Dates             []time.Time
	StopRule          StopRule
	FullPageSize      int
	MaxPages          int
	Include           []string
	Exclude           []string
	ContentExclude    []string
	MinHeadlineLength int
}

// Validate checks the source for internal consistency and fills defaults.
func (c *SourceConfig) Validate() error {
	if c.Name == "" {
		return errors.New("source name is required")
	}
	if c.Quota <= 0 {
		c.Quota = defaultQuota
	}
	if c.StartDate.IsZero() || c.EndDate.IsZero() {
		if len(c.Dates) == 0 {
			return fmt.Errorf("source %s: start and end dates are required", c.Name)
		}
	}
	if !c.StartDate.IsZero() && !c.EndDate.IsZero() && c.EndDate.Before(c.StartDate) {
		return fmt.Errorf("source %s: end date %s before start date %s",
			c.Name, c.EndDate.Format(time.DateOnly), c.StartDate.Format(time.DateOnly))
	}
	switch c.StopRule {
	case "":
		c.StopRule = StopOnEmptyPage
	case StopOnEmptyPage, StopOnShortPage:
	default:
		return fmt.Errorf("source %s: unknown stop rule %q", c.Name, c.StopRule)
	}
	if c.FullPageSize <= 0 {
		c.FullPageSize = defaultFullPageSize
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("source %s: max pages must be >= 0", c.Name)
	}
	if c.MinHeadlineLength < 0 {
		return fmt.Errorf("source %s: min headline length must be >= 0", c.Name)
	}
	return nil
}

// Partitions lists every partition the source covers in ascending order. An
// explicit date subset takes precedence over the configured range.
func (c SourceConfig) Partitions() []PartitionKey {
	if len(c.Dates) > 0 {
		seen := make(map[PartitionKey]struct{}, len(c.Dates))
		keys := make([]PartitionKey, 0, len(c.Dates))
		for _, d := range c.Dates {
			key := KeyFor(c.Name, d)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
		sortKeys(keys)
		return keys
	}
	start := dayOf(c.StartDate)
	end := dayOf(c.EndDate)
	var keys []PartitionKey
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		keys = append(keys, KeyFor(c.Name, d))
	}
	return keys
}

func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
