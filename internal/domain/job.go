package domain

import (
	"errors"
	"time"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobTerminal     = errors.New("job is already in a terminal state")
	ErrJobNotRetriable = errors.New("only failed or cancelled jobs can be retried")
	ErrSameGoodBad     = errors.New("good and bad name the same commit")
	ErrInvalidStatus   = errors.New("invalid status value")
	ErrInvalidCursor   = errors.New("invalid pagination cursor")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus converts external input into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	switch st {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled:
		return st, nil
	}
	return "", ErrInvalidStatus
}

type Job struct {
	ID              int64
	InstallationRef int64
	RepoOwner       string
	RepoName        string
	GoodSHA         string
	BadSHA          string
	TestCommand     string
	RunnerImageTag  *string // advisory; the local runner ignores it
	RequestedBy     *string
	NotifyEmail     *string

	Status       Status
	WorkerID     *string
	HeartbeatAt  *time.Time
	AttemptCount int

	CulpritSHA     *string
	CulpritMessage *string
	ErrorMessage   *string
	OutputLog      *string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// OwnedBy reports whether subject may operate on the job. Jobs without a
// recorded requester are open to any authenticated subject.
func (j *Job) OwnedBy(subject string) bool {
	return j.RequestedBy == nil || *j.RequestedBy == subject
}

// Outcome is the terminal result a worker persists for a job it ran.
type Outcome struct {
	Status         Status
	CulpritSHA     *string
	CulpritMessage *string
	ErrorMessage   *string
	OutputLog      string
}
