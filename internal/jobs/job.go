package jobs

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// State is the lifecycle position of a compression job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// ErrorKind classifies why an encode failed.
type ErrorKind string

const (
	KindInputUnreadable     ErrorKind = "input_unreadable"
	KindExternalToolFailure ErrorKind = "external_tool_failure"
	KindTimeout             ErrorKind = "timeout"
	KindOutputInvalid       ErrorKind = "output_invalid"
)

// Result holds the output reference and compression statistics of a
// succeeded job.
type Result struct {
	OutputPath string        `json:"output_path"`
	OrigBytes  int64         `json:"orig_bytes"`
	OutBytes   int64         `json:"out_bytes"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Reduction returns the size reduction as a percentage of the original.
func (r *Result) Reduction() float64 {
	if r.OrigBytes <= 0 {
		return 0
	}
	return float64(r.OrigBytes-r.OutBytes) / float64(r.OrigBytes) * 100
}

// Failure holds the error classification of a failed job. The raw tool
// diagnostic goes to logs only, Message stays short.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Job is one user's compression request. The queue manager owns all
// mutation; callers only ever see snapshot copies.
type Job struct {
	ID        string `json:"id"`
	Owner     int64  `json:"owner"`
	InputPath string `json:"input_path"`
	InputName string `json:"input_name"` // original file name, for captions

	State   State    `json:"state"`
	Result  *Result  `json:"result,omitempty"`
	Failure *Failure `json:"failure,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// New creates a queued job with a fresh ULID.
func New(owner int64, inputPath, inputName string) *Job {
	return &Job{
		ID:          NewID(),
		Owner:       owner,
		InputPath:   inputPath,
		InputName:   inputName,
		State:       StateQueued,
		SubmittedAt: time.Now(),
	}
}

// NewID returns a monotonic ULID string.
func NewID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Active reports whether the job still occupies its owner's slot.
func (j *Job) Active() bool {
	return j.State == StateQueued || j.State == StateRunning
}

var transitions = map[State][]State{
	StateQueued:  {StateRunning, StateCancelled},
	StateRunning: {StateSucceeded, StateFailed, StateCancelled},
}

// CanTransition reports whether moving from the current state to `to`
// follows a legal edge.
func (j *Job) CanTransition(to State) bool {
	for _, s := range transitions[j.State] {
		if s == to {
			return true
		}
	}
	return false
}

// Advance moves the job to `to`, stamping started/finished times. It is the
// single mutation point for state, so terminal states can never be left.
func (j *Job) Advance(to State) error {
	if !j.CanTransition(to) {
		return fmt.Errorf("illegal transition %s -> %s", j.State, to)
	}
	now := time.Now()
	switch to {
	case StateRunning:
		j.StartedAt = &now
	case StateSucceeded, StateFailed, StateCancelled:
		j.FinishedAt = &now
	}
	j.State = to
	return nil
}

// Clone returns a snapshot copy safe to hand outside the manager's lock.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Result != nil {
		r := *j.Result
		cp.Result = &r
	}
	if j.Failure != nil {
		f := *j.Failure
		cp.Failure = &f
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}
