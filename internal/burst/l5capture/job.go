package l5capture

import (
	"time"

	"github.com/google/uuid"

	"github.com/aperture-data/burst.watch/internal/burst/l4trigger"
)

// JobState is the capture job lifecycle: pending -> writing -> done|failed.
type JobState string

const (
	JobPending JobState = "pending"
	JobWriting JobState = "writing"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// Job is the unit of work that turns a trigger into an archived snapshot.
// The manager owns the job from creation to terminal state; every
// transition is recorded through the Recorder.
type Job struct {
	ID      string                 `json:"id"`
	Trigger l4trigger.TriggerEvent `json:"trigger"`
	// Lo and Hi are the implicated ring sequence range, inclusive:
	// trigger frame minus the pre margin through plus the post margin.
	Lo uint64 `json:"lo"`
	Hi uint64 `json:"hi"`
	// Suffix is an operator-supplied filename fragment on manual dumps.
	Suffix string `json:"suffix,omitempty"`

	State    JobState  `json:"state"`
	Reason   string    `json:"reason,omitempty"`
	Attempts int       `json:"attempts"`
	Sink     string    `json:"sink,omitempty"`
	Location string    `json:"location,omitempty"`
	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`
}

// newJob creates a pending job for the given trigger and implicated range.
func newJob(ev l4trigger.TriggerEvent, lo, hi uint64, now time.Time) *Job {
	return &Job{
		ID:      uuid.NewString(),
		Trigger: ev,
		Lo:      lo,
		Hi:      hi,
		State:   JobPending,
		Created: now,
		Updated: now,
	}
}

// Terminal reports whether the job has reached done or failed.
func (j *Job) Terminal() bool { return j.State == JobDone || j.State == JobFailed }
