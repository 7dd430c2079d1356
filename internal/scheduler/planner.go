package scheduler

import (
	"context"
	"fmt"
	"sort"
)

// Planner derives the partitions that are still below quota. It holds no
// state of its own, so every call reflects the store as it is now.
type Planner struct {
	sources map[string]SourceConfig
	store   Store
}

// NewPlanner indexes the configured sources by name.
func NewPlanner(store Store, sources ...SourceConfig) *Planner {
	idx := make(map[string]SourceConfig, len(sources))
	for _, s := range sources {
		idx[s.Name] = s
	}
	return &Planner{sources: idx, store: store}
}

// OpenPartitions returns every partition of source with usable < quota,
// ascending by date. Partitions with no links at all are included.
func (p *Planner) OpenPartitions(ctx context.Context, source string) ([]PartitionStatus, error) {
	statuses, err := p.Statuses(ctx, source)
	if err != nil {
		return nil, err
	}
	open := statuses[:0]
	for _, st := range statuses {
		if st.Remaining > 0 {
			open = append(open, st)
		}
	}
	return open, nil
}

// Statuses returns the status of every partition of source, open or not.
func (p *Planner) Statuses(ctx context.Context, source string) ([]PartitionStatus, error) {
	cfg, ok := p.sources[source]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", source, ErrUnknownSource)
	}
	usable, err := p.store.UsableCounts(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("load usable counts: %w", err)
	}
	pending, err := p.store.PendingCounts(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("load pending counts: %w", err)
	}
	keys := cfg.Partitions()
	out := make([]PartitionStatus, 0, len(keys))
	for _, key := range keys {
		u := usable[key]
		out = append(out, PartitionStatus{
			Key:       key,
			Usable:    u,
			Pending:   pending[key],
			Remaining: max(cfg.Quota-u, 0),
		})
	}
	return out, nil
}

// Status returns the status of a single partition.
func (p *Planner) Status(ctx context.Context, key PartitionKey) (PartitionStatus, error) {
	cfg, ok := p.sources[key.Source]
	if !ok {
		return PartitionStatus{}, fmt.Errorf("status %s: %w", key, ErrUnknownSource)
	}
	usable, err := p.store.UsableCount(ctx, key)
	if err != nil {
		return PartitionStatus{}, fmt.Errorf("load usable count: %w", err)
	}
	pending, err := p.store.PendingCounts(ctx, key.Source)
	if err != nil {
		return PartitionStatus{}, fmt.Errorf("load pending counts: %w", err)
	}
	return PartitionStatus{
		Key:       key,
		Usable:    usable,
		Pending:   pending[key],
		Remaining: max(cfg.Quota-usable, 0),
	}, nil
}

// Quota returns the configured quota of source.
func (p *Planner) Quota(source string) (int, bool) {
	cfg, ok := p.sources[source]
	return cfg.Quota, ok
}

// Sources lists the configured source names in lexical order.
func (p *Planner) Sources() []string {
	names := make([]string, 0, len(p.sources))
	for name := range p.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortKeys(keys []PartitionKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
}
