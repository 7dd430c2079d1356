package scheduler_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/quotafill-crawler/internal/scheduler"
	"github.com/JakeFAU/quotafill-crawler/internal/storage/memory"
)

func threeDaySource() scheduler.SourceConfig {
	cfg := scheduler.SourceConfig{
		Name:      "usatoday",
		Quota:     2,
		StartDate: time.Date(2024, time.February, 28, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func TestOpenPartitionsCoversRangeIncludingEmptyDays(t *testing.T) {
	t.Parallel()
	cfg := threeDaySource()
	store := memory.NewPartitionStore()
	planner := scheduler.NewPlanner(store, cfg)

	open, err := planner.OpenPartitions(context.Background(), cfg.Name)
	require.NoError(t, err)
	require.Len(t, open, 3)
	require.Equal(t, "usatoday/2024-02-28", open[0].Key.String())
	require.Equal(t, "usatoday/2024-02-29", open[1].Key.String())
	require.Equal(t, "usatoday/2024-03-01", open[2].Key.String())
	for _, st := range open {
		require.Equal(t, 0, st.Usable)
		require.Equal(t, 2, st.Remaining)
	}
}

func TestOpenPartitionsDropsFilledDays(t *testing.T) {
	t.Parallel()
	cfg := threeDaySource()
	store := memory.NewPartitionStore()
	ctx := context.Background()
	day := cfg.Partitions()[1]

	for i := range 3 {
		rec, _, err := store.InsertLinkIfAbsent(ctx, scheduler.NewLink{Key: day, URL: fmt.Sprintf("https://www.usatoday.com/story/news/%d", i)})
		require.NoError(t, err)
		if i < 2 {
			require.NoError(t, store.MarkScanned(ctx, rec.ID, scheduler.ArticleContent{Body: "text"}))
		}
	}
	first := cfg.Partitions()[0]
	rec, _, err := store.InsertLinkIfAbsent(ctx, scheduler.NewLink{Key: first, URL: "https://www.usatoday.com/story/news/x"})
	require.NoError(t, err)
	require.NoError(t, store.MarkScanned(ctx, rec.ID, scheduler.ArticleContent{Body: "text"}))

	planner := scheduler.NewPlanner(store, cfg)
	open, err := planner.OpenPartitions(ctx, cfg.Name)
	require.NoError(t, err)
	require.Len(t, open, 2)
	require.Equal(t, first, open[0].Key)
	require.Equal(t, 1, open[0].Usable)
	require.Equal(t, 1, open[0].Remaining)
	require.Equal(t, cfg.Partitions()[2], open[1].Key)

	status, err := planner.Status(ctx, day)
	require.NoError(t, err)
	require.Equal(t, scheduler.PartitionStatus{Key: day, Usable: 2, Pending: 1, Remaining: 0}, status)
}

func TestPlannerUnknownSource(t *testing.T) {
	t.Parallel()
	planner := scheduler.NewPlanner(memory.NewPartitionStore(), threeDaySource())
	_, err := planner.OpenPartitions(context.Background(), "nyt")
	require.ErrorIs(t, err, scheduler.ErrUnknownSource)
}

func TestPartitionsDateSubset(t *testing.T) {
	t.Parallel()
	cfg := threeDaySource()
	cfg.Dates = []time.Time{
		time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.February, 28, 15, 0, 0, 0, time.UTC),
		time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
	}
	keys := cfg.Partitions()
	require.Len(t, keys, 2)
	require.Equal(t, "2024-02-28", keys[0].DateString())
	require.Equal(t, "2024-03-01", keys[1].DateString())
}

func TestSourceConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := scheduler.SourceConfig{Name: "wsj", StartDate: march15, EndDate: march15}
	require.NoError(t, cfg.Validate())
	require.Equal(t, 30, cfg.Quota)
	require.Equal(t, 50, cfg.FullPageSize)
	require.Equal(t, scheduler.StopOnEmptyPage, cfg.StopRule)

	bad := scheduler.SourceConfig{Name: "wsj", StartDate: march15, EndDate: march15.AddDate(0, 0, -1)}
	require.Error(t, bad.Validate())

	bad = scheduler.SourceConfig{Name: "wsj", StartDate: march15, EndDate: march15, StopRule: "forever"}
	require.Error(t, bad.Validate())

	bad = scheduler.SourceConfig{Name: "wsj"}
	require.Error(t, bad.Validate())
}

func TestPartitionKeyOrdering(t *testing.T) {
	t.Parallel()
	a := scheduler.PartitionKey{Source: "wsj", Year: 2023, Month: 3, Day: 15}
	b := scheduler.PartitionKey{Source: "wsj", Year: 2023, Month: 3, Day: 16}
	c := scheduler.PartitionKey{Source: "nyt", Year: 2023, Month: 3, Day: 16}
	require.True(t, a.Before(b))
	require.False(t, b.Before(a))
	require.True(t, c.Before(b))
	require.Equal(t, march15, a.Date())
}
