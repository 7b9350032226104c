// Package backend is the HTTP client for the remote execution service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pkt.systems/pslog"

	"github.com/jxucoder/aicoder/model"
)

// Snapshot is the backend's view of a job. Logs holds every event the job
// emitted so far, in order, as raw JSON objects.
type Snapshot struct {
	ID     model.JobID       `json:"id"`
	Status string            `json:"status"`
	Result json.RawMessage   `json:"result,omitempty"`
	Logs   []json.RawMessage `json:"logs"`
}

// Frames returns the logs as raw frames for codec.Decode.
func (s *Snapshot) Frames() []string {
	out := make([]string, 0, len(s.Logs))
	for _, l := range s.Logs {
		out = append(out, string(l))
	}
	return out
}

// Client talks to the execution service.
type Client struct {
	baseURL string
	http    *http.Client
	log     pslog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithLogger sets the client logger.
func WithLogger(l pslog.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

// New creates a Client for baseURL (e.g. http://localhost:8000).
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     pslog.Ctx(context.Background()),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the server URL the client was created with.
func (c *Client) BaseURL() string { return c.baseURL }

// Submit creates a job. Any failure, including a 2xx reply without an id,
// is returned as *model.SubmissionError.
func (c *Client) Submit(ctx context.Context, req model.JobRequest) (model.JobID, error) {
	if strings.TrimSpace(req.Instruction) == "" {
		return "", &model.SubmissionError{Err: fmt.Errorf("%w: instruction is required", model.ErrInvalidRequest)}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", &model.SubmissionError{Err: fmt.Errorf("encoding request: %w", err)}
	}

	status, data, err := c.do(ctx, http.MethodPost, "/tasks/run", body)
	if err != nil {
		return "", &model.SubmissionError{Err: err}
	}
	var result struct {
		JobID string `json:"job_id"`
		Error string `json:"error"`
	}
	perr := json.Unmarshal(data, &result)
	switch {
	case result.Error != "":
		return "", &model.SubmissionError{Err: fmt.Errorf("server error (%d): %s", status, result.Error)}
	case !success(status):
		return "", &model.SubmissionError{Err: statusError(status, data)}
	case perr != nil:
		return "", &model.SubmissionError{Err: fmt.Errorf("parsing response: %w", perr)}
	case result.JobID == "":
		return "", &model.SubmissionError{Err: model.ErrNoJobID}
	}
	c.log.Debug("job submitted", "job", result.JobID, "repo", req.RepoPath)
	return model.JobID(result.JobID), nil
}

// Stop asks the backend to cancel a job. The reply body is ignored.
func (c *Client) Stop(ctx context.Context, id model.JobID) error {
	if id == "" {
		return fmt.Errorf("%w: empty job id", model.ErrStopNotification)
	}
	status, data, err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(string(id))+"/stop", nil)
	if err == nil && !success(status) {
		err = statusError(status, data)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrStopNotification, err)
	}
	return nil
}

// Job fetches the backend snapshot of a job.
func (c *Client) Job(ctx context.Context, id model.JobID) (*Snapshot, error) {
	status, data, err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(string(id)), nil)
	if err == nil && !success(status) {
		err = statusError(status, data)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching job %s: %w", id, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing job %s: %w", id, err)
	}
	return &snap, nil
}

// do performs a request and returns the status and body. Only transport
// failures are errors; callers judge the status.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func success(status int) bool { return status >= 200 && status < 300 }

func statusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &StatusError{Code: status, Body: model.Truncate(msg, 300)}
}

// StatusError is returned for non-2xx replies.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.Code, e.Body)
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}
