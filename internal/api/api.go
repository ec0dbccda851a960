// Package api implements the HTTP handlers of the gateway.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/gaspardpetit/kiegate/core/logx"
	"github.com/gaspardpetit/kiegate/internal/kie"
	"github.com/gaspardpetit/kiegate/internal/metrics"
	"github.com/gaspardpetit/kiegate/internal/serverstate"
)

// DefaultPrompt is sent upstream when the caller provides none.
const DefaultPrompt = "nano banana"

// maxBody bounds the request bodies read by the handlers.
const maxBody = 1 << 20

// Upstream operation names used in logs and metrics.
const (
	OpGenerate   = "generate"
	OpCreateTask = "create_task"
	OpRecordInfo = "record_info"
	OpWaitTask   = "wait_task"
)

// Upstream is the kie.ai API as seen by the handlers.
type Upstream interface {
	Generate(ctx context.Context, prompt string) (*kie.Response, error)
	CreateTask(ctx context.Context, req kie.TaskRequest) (*kie.Response, error)
	RecordInfo(ctx context.Context, taskID string) (*kie.Response, error)
	WaitForTask(ctx context.Context, taskID string, interval time.Duration, maxAttempts int) (*kie.TaskResult, error)
}

// API implements ServerInterface on top of an Upstream.
type API struct {
	Upstream      Upstream
	DefaultPrompt string
	PollInterval  time.Duration
	PollAttempts  int
	// Draining reports whether the server is shutting down. Defaults to
	// serverstate.IsDraining.
	Draining func() bool
}

var _ ServerInterface = (*API)(nil)

// PostGenerate forwards a prompt to the upstream generate endpoint.
func (a *API) PostGenerate(w http.ResponseWriter, r *http.Request, params PostGenerateParams) {
	prompt := a.prompt(r, params.Prompt)
	start := time.Now()
	res, err := a.Upstream.Generate(r.Context(), prompt)
	a.observe(r, OpGenerate, start, res, err)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err)
		return
	}
	writeUpstream(w, res)
}

// PostTasks forwards a task request to the upstream createTask endpoint.
func (a *API) PostTasks(w http.ResponseWriter, r *http.Request) {
	var req kie.TaskRequest
	if r.Body != nil {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			logx.Log.Debug().Err(err).Str("request_id", chiMiddleware.GetReqID(r.Context())).Msg("ignoring unreadable task request")
			req = kie.TaskRequest{}
		}
	}
	start := time.Now()
	res, err := a.Upstream.CreateTask(r.Context(), req)
	a.observe(r, OpCreateTask, start, res, err)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err)
		return
	}
	writeUpstream(w, res)
}

// GetTasksTaskId returns the upstream record of a task.
func (a *API) GetTasksTaskId(w http.ResponseWriter, r *http.Request, taskId string) {
	start := time.Now()
	res, err := a.Upstream.RecordInfo(r.Context(), taskId)
	a.observe(r, OpRecordInfo, start, res, err)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err)
		return
	}
	writeUpstream(w, res)
}

// GetTasksTaskIdResult waits for a task to finish and returns its result URLs.
func (a *API) GetTasksTaskIdResult(w http.ResponseWriter, r *http.Request, taskId string) {
	interval, attempts := a.PollInterval, a.PollAttempts
	if interval <= 0 {
		interval = 2500 * time.Millisecond
	}
	if attempts <= 0 {
		attempts = 40
	}
	start := time.Now()
	result, err := a.Upstream.WaitForTask(r.Context(), taskId, interval, attempts)
	a.observe(r, OpWaitTask, start, nil, err)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetHealthz reports 200 while serving and 503 once draining has begun.
func (a *API) GetHealthz(w http.ResponseWriter, r *http.Request) {
	draining := serverstate.IsDraining
	if a.Draining != nil {
		draining = a.Draining
	}
	if draining() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// prompt picks the query parameter when present, then the prompt of an
// application/json body, then the default.
func (a *API) prompt(r *http.Request, query *string) string {
	if query != nil {
		return *query
	}
	if r.Body != nil && isJSON(r) {
		var body kie.GenerateRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&body); err == nil && body.Prompt != "" {
			return body.Prompt
		}
	}
	if a.DefaultPrompt != "" {
		return a.DefaultPrompt
	}
	return DefaultPrompt
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

func (a *API) observe(r *http.Request, op string, start time.Time, res *kie.Response, err error) {
	d := time.Since(start)
	outcome := classify(err)
	code := 0
	if res != nil {
		code = res.StatusCode
	}
	var se *kie.StatusError
	if errors.As(err, &se) {
		code = se.StatusCode
	}
	metrics.RecordUpstream(op, outcome, code, d)

	reqID := chiMiddleware.GetReqID(r.Context())
	if err != nil {
		logx.Log.Warn().Err(err).Str("request_id", reqID).Str("op", op).Str("outcome", outcome).Dur("duration", d).Msg("upstream call failed")
		return
	}
	logx.Log.Debug().Str("request_id", reqID).Str("op", op).Int("status", code).Dur("duration", d).Msg("upstream call")
}

// classify maps an upstream error to its metrics outcome label.
func classify(err error) string {
	var se *kie.StatusError
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.As(err, &se):
		return metrics.OutcomeStatusError
	case errors.Is(err, kie.ErrInvalidJSON):
		return metrics.OutcomeInvalidJSON
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCanceled
	case errors.Is(err, kie.ErrTaskTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, kie.ErrTaskFailed):
		return metrics.OutcomeTaskFailed
	default:
		return metrics.OutcomeTransport
	}
}
