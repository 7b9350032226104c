// Package model defines the core domain types shared across all aicoder packages.
// It has zero dependencies on other aicoder packages.
package model

import "time"

// JobID is the opaque identifier the backend issues when a job is submitted.
type JobID string

// Status represents the client-side lifecycle state of the active job.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	// StatusStopped means the user asked the job to stop. Terminal until the
	// next submission.
	StatusStopped Status = "stopped"
	// StatusDisconnected means the stream closed without a preceding stop.
	// Terminal until the next submission.
	StatusDisconnected Status = "disconnected"
)

// Terminal reports whether no further events may be reduced in this status.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusDisconnected
}

// CanTransition reports whether the controller may move from s to next.
// Reset to idle is always allowed.
func (s Status) CanTransition(next Status) bool {
	if next == StatusIdle {
		return true
	}
	switch s {
	case StatusIdle, StatusStopped, StatusDisconnected:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusStopped || next == StatusDisconnected || next == StatusRunning
	}
	return false
}

// JobRequest is what the user submits to start a job.
type JobRequest struct {
	RepoPath    string `json:"repo_path"`
	Instruction string `json:"instruction"`
	MaxIters    int    `json:"max_iters"`
	UseTeacher  bool   `json:"use_teacher"`
}

// Cost holds the cumulative counters reported by the backend.
type Cost struct {
	Calls  int64 `json:"calls"`
	Tokens int64 `json:"tokens"`
}

// JobState is the folded client-side projection of every event seen so far
// for the active job. It is the renderer's only input.
type JobState struct {
	JobID       JobID         `json:"job_id,omitempty"`
	Status      Status        `json:"status"`
	Timeline    []Note        `json:"timeline"`
	Console     []string      `json:"console"`
	PendingDiff *DiffProposal `json:"pending_diff,omitempty"`
	Cost        Cost          `json:"cost"`
	// Applied counts the events reduced into this state.
	Applied int `json:"applied"`
}

// NewJobState returns an empty state for a freshly submitted job.
func NewJobState(id JobID) JobState {
	return JobState{JobID: id, Status: StatusRunning}
}

// Clone returns a deep copy so callers can read it without holding locks.
func (s JobState) Clone() JobState {
	out := s
	if s.Timeline != nil {
		out.Timeline = append([]Note(nil), s.Timeline...)
	}
	if s.Console != nil {
		out.Console = append([]string(nil), s.Console...)
	}
	if s.PendingDiff != nil {
		d := *s.PendingDiff
		out.PendingDiff = &d
	}
	return out
}

// Job is a journal entry for a submitted job.
type Job struct {
	ID          JobID     `json:"id"`
	RepoPath    string    `json:"repo_path"`
	Instruction string    `json:"instruction"`
	MaxIters    int       `json:"max_iters"`
	UseTeacher  bool      `json:"use_teacher"`
	Status      Status    `json:"status"`
	Calls       int64     `json:"calls"`
	Tokens      int64     `json:"tokens"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Frame is one raw stream frame recorded in the journal.
type Frame struct {
	ID        int64     `json:"id"`
	JobID     JobID     `json:"job_id"`
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// Truncate shortens a string to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 3 {
		r := []rune(s)
		if len(r) <= maxLen {
			return s
		}
		return string(r[:maxLen])
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
