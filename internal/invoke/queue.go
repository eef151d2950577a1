package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/triage-ai/toolmesh/internal/registry"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = 3 * time.Second
	defaultMaxWait      = 300 * time.Second
	maxPollErrors       = 3
)

// JobState is the lifecycle state of a queued job.
type JobState string

const (
	JobSubmitted JobState = "submitted"
	JobPolling   JobState = "polling"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobTimedOut  JobState = "timed_out"
)

// Job is the handle of a queued provider job.
type Job struct {
	ID          string    `json:"jobId"`
	ToolID      string    `json:"toolId"`
	State       JobState  `json:"state"`
	LastStatus  string    `json:"lastStatus,omitempty"`
	StatusURL   string    `json:"statusUrl"`
	ResponseURL string    `json:"responseUrl"`
	SubmittedAt time.Time `json:"submittedAt"`
	Polls       int       `json:"polls"`
}

// JobFailedError is returned when the provider reports a terminal failure.
// It is never retried.
type JobFailedError struct {
	Job    Job
	Detail string
}

func (e *JobFailedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("job %s failed with status %s: %s", e.Job.ID, e.Job.LastStatus, e.Detail)
	}
	return fmt.Sprintf("job %s failed with status %s", e.Job.ID, e.Job.LastStatus)
}

// PendingJobError is returned when a job is still running after the wait
// budget. The job handle lets the caller check on it later.
type PendingJobError struct {
	Job    Job
	Waited time.Duration
}

func (e *PendingJobError) Error() string {
	return fmt.Sprintf("job %s still %s after %s", e.Job.ID, strings.ToLower(e.Job.LastStatus), e.Waited)
}

type statusClass int

const (
	statusInProgress statusClass = iota
	statusCompleted
	statusFailed
)

var (
	completedStatuses = toSet("COMPLETED", "COMPLETE", "SUCCEEDED", "SUCCESS", "OK", "DONE", "FINISHED")
	failedStatuses    = toSet("FAILED", "FAILURE", "ERROR", "ERRORED", "CANCELLED", "CANCELED", "TIMEOUT", "REJECTED")
	inProgressStatuses = toSet("IN_QUEUE", "QUEUED", "PENDING", "IN_PROGRESS", "RUNNING", "PROCESSING", "STARTING", "SUBMITTED")
)

func toSet(vals ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		m[v] = struct{}{}
	}
	return m
}

// classifyStatus maps a provider status string to a class. Unrecognised
// statuses are treated as in progress and reported as unknown.
func classifyStatus(s string) (statusClass, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if _, ok := completedStatuses[s]; ok {
		return statusCompleted, true
	}
	if _, ok := failedStatuses[s]; ok {
		return statusFailed, true
	}
	_, known := inProgressStatuses[s]
	return statusInProgress, known
}

// queueRunner submits a job and polls it to completion.
type queueRunner struct {
	http         HTTPExecutor
	creds        credentials
	clock        Clock
	pollInterval time.Duration
	maxWait      time.Duration
	logger       *zap.Logger
}

type submitResponse struct {
	RequestID   string `json:"request_id"`
	RequestID2  string `json:"requestId"`
	JobID       string `json:"job_id"`
	ID          string `json:"id"`
	Status      string `json:"status"`
	StatusURL   string `json:"status_url"`
	ResponseURL string `json:"response_url"`
}

func (s *submitResponse) jobID() string {
	for _, id := range []string{s.RequestID, s.RequestID2, s.JobID, s.ID} {
		if id != "" {
			return id
		}
	}
	return ""
}

type statusResponse struct {
	Status string `json:"status"`
	Error  any    `json:"error"`
}

func (r *queueRunner) run(ctx context.Context, def *registry.ToolDefinition, input map[string]any) (any, error) {
	job, err := r.submit(ctx, def, input)
	if err != nil {
		return nil, fmt.Errorf("queue %s: submit: %w", def.ID, err)
	}
	r.logger.Debug("job submitted", zap.String("tool_id", def.ID), zap.String("job_id", job.ID))

	job.State = JobPolling
	pollErrors := 0
	for {
		st, err := r.status(ctx, def, job)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			pollErrors++
			r.logger.Warn("job status poll failed",
				zap.String("tool_id", def.ID),
				zap.String("job_id", job.ID),
				zap.Int("consecutive_errors", pollErrors),
				zap.Error(err),
			)
			if pollErrors >= maxPollErrors {
				return nil, fmt.Errorf("queue %s: status: %w", def.ID, err)
			}
		} else {
			pollErrors = 0
			job.Polls++
			job.LastStatus = strings.ToUpper(st.Status)

			class, known := classifyStatus(st.Status)
			if !known {
				r.logger.Debug("unrecognised job status, continuing to poll",
					zap.String("tool_id", def.ID),
					zap.String("status", st.Status),
				)
			}
			switch class {
			case statusCompleted:
				job.State = JobCompleted
				return r.result(ctx, def, job)
			case statusFailed:
				job.State = JobFailed
				return nil, &JobFailedError{Job: *job, Detail: errorDetail(st.Error)}
			}
		}

		waited := r.clock.Now().Sub(job.SubmittedAt)
		if waited+r.pollInterval > r.maxWait {
			job.State = JobTimedOut
			return nil, &PendingJobError{Job: *job, Waited: waited}
		}
		if err := r.clock.Sleep(ctx, r.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (r *queueRunner) submit(ctx context.Context, def *registry.ToolDefinition, input map[string]any) (*Job, error) {
	resp, err := r.http.Do(ctx, HTTPRequest{
		Method:  "POST",
		URL:     def.Endpoint,
		Body:    input,
		Headers: r.creds.headers(def.Provider),
	})
	if err != nil {
		return nil, err
	}

	var sr submitResponse
	if err := json.Unmarshal(resp.Body, &sr); err != nil {
		return nil, fmt.Errorf("unmarshal submit response: %w", err)
	}
	id := sr.jobID()
	if id == "" {
		return nil, ErrNoJobID
	}

	base := strings.TrimRight(def.Endpoint, "/") + "/requests/" + id
	job := &Job{
		ID:          id,
		ToolID:      def.ID,
		State:       JobSubmitted,
		LastStatus:  strings.ToUpper(sr.Status),
		StatusURL:   sr.StatusURL,
		ResponseURL: sr.ResponseURL,
		SubmittedAt: r.clock.Now(),
	}
	if job.StatusURL == "" {
		job.StatusURL = base + "/status"
	}
	if job.ResponseURL == "" {
		job.ResponseURL = base
	}
	return job, nil
}

func (r *queueRunner) status(ctx context.Context, def *registry.ToolDefinition, job *Job) (*statusResponse, error) {
	resp, err := r.http.Do(ctx, HTTPRequest{
		Method:  "GET",
		URL:     job.StatusURL,
		Headers: r.creds.headers(def.Provider),
	})
	if err != nil {
		return nil, err
	}
	var st statusResponse
	if err := json.Unmarshal(resp.Body, &st); err != nil {
		return nil, fmt.Errorf("unmarshal status response: %w", err)
	}
	return &st, nil
}

func (r *queueRunner) result(ctx context.Context, def *registry.ToolDefinition, job *Job) (any, error) {
	resp, err := r.http.Do(ctx, HTTPRequest{
		Method:  "GET",
		URL:     job.ResponseURL,
		Headers: r.creds.headers(def.Provider),
	})
	if err != nil {
		return nil, fmt.Errorf("queue %s: result: %w", def.ID, err)
	}
	out, err := decodeBody(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("queue %s: result: %w", def.ID, err)
	}
	return out, nil
}

func errorDetail(v any) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return e
	default:
		b, _ := json.Marshal(e)
		return string(b)
	}
}
