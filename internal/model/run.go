package model

import "time"

// RunMode selects between incremental and full-reload persistence.
type RunMode string

const (
	RunModeIncremental RunMode = "incremental"
	RunModeFull        RunMode = "full"
)

// RunStatus is the terminal state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusOK      RunStatus = "complete"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
)

// PartitionFailure describes one country partition whose load transaction
// aborted. The rest of the run is unaffected.
type PartitionFailure struct {
	CountryCode string    `json:"country_code"`
	FromDate    time.Time `json:"from_date"`
	ToDate      time.Time `json:"to_date"`
	Rows        int       `json:"rows"`
	Error       string    `json:"error"`
}

// LoadReport is the outcome of the incremental load stage. Unchanged rows
// never reach the loader; the run summary counts them separately.
type LoadReport struct {
	Inserted int                `json:"inserted"`
	Updated  int                `json:"updated"`
	Failures []PartitionFailure `json:"failures,omitempty"`
}

// Failed returns the number of rows belonging to failed partitions.
func (r LoadReport) Failed() int {
	var n int
	for _, f := range r.Failures {
		n += f.Rows
	}
	return n
}

// FlaggedFact is a summary line for one validated-but-suspect fact, surfaced
// in the run summary so flagged data is never silently discarded.
type FlaggedFact struct {
	CountryCode string        `json:"country_code"`
	Date        time.Time     `json:"date"`
	Flags       []QualityFlag `json:"flags"`
}

// RunSummary enumerates what a pipeline run did. Every record is accounted
// for as inserted, updated, unchanged, rejected, or failed.
type RunSummary struct {
	RunID       string             `json:"run_id"`
	Mode        RunMode            `json:"mode"`
	Status      RunStatus          `json:"status"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at"`
	RawRecords  int                `json:"raw_records"`
	Dropped     int                `json:"dropped"` // schema/unknown-country drops, logged individually
	Inserted    int                `json:"inserted"`
	Updated     int                `json:"updated"`
	Unchanged   int                `json:"unchanged"`
	Rejected    int                `json:"rejected"`
	Failed      int                `json:"failed"`
	Flagged     []FlaggedFact      `json:"flagged,omitempty"`
	Failures    []PartitionFailure `json:"failures,omitempty"`
}
