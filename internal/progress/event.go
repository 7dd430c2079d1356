package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageWalked            Stage = "WALKED"
	StageFilled            Stage = "FILLED"
	StagePartitionComplete Stage = "PARTITION_COMPLETE"
	StageRoundDone         Stage = "ROUND_DONE"
	StageRunDone           Stage = "RUN_DONE"
)

// Event captures one piece of scheduler progress. Partition-scoped stages
// carry the partition date; round and run stages carry aggregates.
type Event struct {
	TS        time.Time `json:"ts"`
	Stage     Stage     `json:"stage"`
	Source    string    `json:"source"`
	Partition string    `json:"partition,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Round     int       `json:"round,omitempty"`

	Pages      int `json:"pages,omitempty"`
	Accepted   int `json:"accepted,omitempty"`
	Duplicates int `json:"duplicates,omitempty"`
	Rejected   int `json:"rejected,omitempty"`

	Attempted int `json:"attempted,omitempty"`
	Stored    int `json:"stored,omitempty"`
	Empty     int `json:"empty,omitempty"`
	Failed    int `json:"failed,omitempty"`
	Excluded  int `json:"excluded,omitempty"`

	Usable int `json:"usable,omitempty"`
	Quota  int `json:"quota,omitempty"`
	Open   int `json:"open,omitempty"`

	Reason string        `json:"reason,omitempty"`
	Dur    time.Duration `json:"dur_ns,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Source == "" {
		return errors.New("source is required")
	}
	switch e.Stage {
	case StageWalked, StageFilled, StagePartitionComplete:
		if e.Partition == "" {
			return fmt.Errorf("%s requires partition", e.Stage)
		}
	case StageRoundDone:
		if e.Round <= 0 {
			return errors.New("round done requires round number")
		}
	case StageRunDone:
		if e.Reason == "" {
			return errors.New("run done requires reason")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
