package model

import (
	"errors"
	"fmt"
)

var (
	// ErrSubmission indicates the backend could not create the job.
	ErrSubmission = errors.New("job submission failed")
	// ErrNoJobID indicates the backend accepted the request but returned no id.
	ErrNoJobID = errors.New("backend returned no job id")
	// ErrTransportLoss indicates the stream closed while the job was running.
	ErrTransportLoss = errors.New("job stream disconnected")
	// ErrStopNotification indicates the best-effort backend stop call failed.
	ErrStopNotification = errors.New("stop notification failed")
	// ErrNoActiveJob indicates an operation needed a job but none is active.
	ErrNoActiveJob = errors.New("no active job")
	// ErrInvalidRequest indicates a malformed job request.
	ErrInvalidRequest = errors.New("invalid job request")
)

// SubmissionError reports that a job could not be created. It matches
// ErrSubmission with errors.Is and unwraps to the underlying cause.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	if e.Err == nil {
		return ErrSubmission.Error()
	}
	return fmt.Sprintf("%s: %v", ErrSubmission, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrSubmission) match any SubmissionError.
func (e *SubmissionError) Is(target error) bool { return target == ErrSubmission }
