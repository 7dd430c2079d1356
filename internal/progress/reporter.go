package progress

import (
	"time"

	"github.com/JakeFAU/quotafill-crawler/internal/scheduler"
)

// QuotaFunc returns the quota configured for a source.
type QuotaFunc func(source string) int

// Reporter adapts scheduler notifications into events. It implements
// scheduler.Reporter and never blocks when backed by a Hub.
type Reporter struct {
	emitter Emitter
	quota   QuotaFunc
	now     func() time.Time
}

// NewReporter builds a Reporter. quota may be nil, in which case partition
// completion events are not produced.
func NewReporter(emitter Emitter, quota QuotaFunc) *Reporter {
	return &Reporter{
		emitter: emitter,
		quota:   quota,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Walked implements scheduler.Reporter.
func (r *Reporter) Walked(key scheduler.PartitionKey, res scheduler.WalkResult) {
	r.emit(Event{
		Stage:      StageWalked,
		Source:     key.Source,
		Partition:  key.DateString(),
		Pages:      res.Pages,
		Accepted:   res.Accepted,
		Duplicates: res.Duplicates,
		Rejected:   res.Rejected,
	})
}

// Filled implements scheduler.Reporter. A fill that lifts the partition to
// its quota additionally produces a completion event.
func (r *Reporter) Filled(key scheduler.PartitionKey, res scheduler.FillResult, usable int) {
	quota := 0
	if r.quota != nil {
		quota = r.quota(key.Source)
	}
	evt := Event{
		Stage:     StageFilled,
		Source:    key.Source,
		Partition: key.DateString(),
		Attempted: res.Attempted,
		Stored:    res.Stored,
		Empty:     res.Empty,
		Failed:    res.Failed,
		Excluded:  res.Excluded,
		Usable:    usable,
		Quota:     quota,
	}
	r.emit(evt)
	if quota > 0 && res.Stored > 0 && usable >= quota && usable-res.Stored < quota {
		evt.Stage = StagePartitionComplete
		r.emit(evt)
	}
}

// RoundFinished implements scheduler.Reporter.
func (r *Reporter) RoundFinished(source string, s scheduler.RoundSummary) {
	r.emit(Event{
		Stage:      StageRoundDone,
		Source:     source,
		Round:      s.Round,
		Open:       s.Open,
		Pages:      s.Walk.Pages,
		Accepted:   s.Walk.Accepted,
		Duplicates: s.Walk.Duplicates,
		Rejected:   s.Walk.Rejected,
		Attempted:  s.Fill.Attempted,
		Stored:     s.Fill.Stored,
		Empty:      s.Fill.Empty,
		Failed:     s.Fill.Failed,
		Excluded:   s.Fill.Excluded,
		Dur:        max(s.Duration, 0),
	})
}

// Stopped implements scheduler.Reporter.
func (r *Reporter) Stopped(res scheduler.RunResult) {
	var dur time.Duration
	if n := len(res.Rounds); n > 0 {
		dur = max(res.Rounds[n-1].FinishedAt.Sub(res.Rounds[0].StartedAt), 0)
	}
	r.emit(Event{
		Stage:  StageRunDone,
		Source: res.Source,
		RunID:  res.RunID,
		Round:  len(res.Rounds),
		Stored: res.Stored(),
		Open:   len(res.Open),
		Reason: string(res.Reason),
		Dur:    dur,
	})
}

func (r *Reporter) emit(evt Event) {
	if r == nil || r.emitter == nil {
		return
	}
	evt.TS = r.now()
	r.emitter.Emit(evt)
}
