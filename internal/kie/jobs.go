package kie

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Task states reported by recordInfo.
const (
	StateWaiting = "waiting"
	StateSuccess = "success"
	StateFail    = "fail"
)

var (
	// ErrTaskTimeout is returned when a task is still pending after the last poll.
	ErrTaskTimeout = errors.New("generation timed out")
	// ErrTaskFailed is returned when the task ends in the fail state or the
	// record query is rejected.
	ErrTaskFailed = errors.New("failed")
)

// TaskInput carries the generation parameters of a task.
type TaskInput struct {
	Prompt       string   `json:"prompt"`
	ImageInput   []string `json:"image_input"`
	AspectRatio  string   `json:"aspect_ratio,omitempty"`
	Resolution   string   `json:"resolution,omitempty"`
	OutputFormat string   `json:"output_format,omitempty"`
}

// TaskRequest is the createTask body.
type TaskRequest struct {
	Model       string    `json:"model"`
	Input       TaskInput `json:"input"`
	CallBackURL string    `json:"callBackUrl,omitempty"`
}

// TaskRecord is the data part of a recordInfo reply.
type TaskRecord struct {
	TaskID       string  `json:"taskId"`
	Model        string  `json:"model"`
	State        string  `json:"state"`
	Param        string  `json:"param"`
	ResultJSON   *string `json:"resultJson"`
	FailCode     *string `json:"failCode"`
	FailMsg      *string `json:"failMsg"`
	CostTime     *int64  `json:"costTime"`
	CompleteTime *int64  `json:"completeTime"`
	CreateTime   int64   `json:"createTime"`
}

type recordEnvelope struct {
	Code int        `json:"code"`
	Msg  string     `json:"msg"`
	Data TaskRecord `json:"data"`
}

// TaskResult is the outcome of a finished task.
type TaskResult struct {
	TaskID     string   `json:"taskId"`
	State      string   `json:"state"`
	ResultURLs []string `json:"resultUrls"`
}

// CreateTask submits an asynchronous generation task.
func (c *Client) CreateTask(ctx context.Context, req TaskRequest) (*Response, error) {
	if req.Model == "" {
		req.Model = DefaultModel
	}
	if req.Input.ImageInput == nil {
		req.Input.ImageInput = []string{}
	}
	return c.postJSON(ctx, c.JobsBaseURL+"/createTask", req)
}

// RecordInfo fetches the current record of a task.
func (c *Client) RecordInfo(ctx context.Context, taskID string) (*Response, error) {
	return c.get(ctx, c.JobsBaseURL+"/recordInfo", url.Values{"taskId": {taskID}})
}

// WaitForTask polls recordInfo until the task succeeds or fails. It sleeps
// interval before every check and gives up after maxAttempts checks. Any
// failed check ends the wait: unlike the kie.ai web client, which keeps
// polling through 5xx responses and network errors, transient failures are
// not retried and are returned to the caller.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration, maxAttempts int) (*TaskResult, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		resp, err := c.RecordInfo(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("check task %s: %w", taskID, err)
		}
		var rec recordEnvelope
		if err := json.Unmarshal(resp.Body, &rec); err != nil {
			return nil, fmt.Errorf("decode task record: %w", err)
		}
		if rec.Code != 200 {
			msg := rec.Msg
			if msg == "" {
				msg = "error querying task status"
			}
			return nil, fmt.Errorf("task %s %w: %s (code %d)", taskID, ErrTaskFailed, msg, rec.Code)
		}

		switch rec.Data.State {
		case StateSuccess:
			return parseResult(taskID, rec.Data)
		case StateFail:
			msg := "generation task failed on server"
			if rec.Data.FailMsg != nil && *rec.Data.FailMsg != "" {
				msg = *rec.Data.FailMsg
			}
			return nil, fmt.Errorf("task %s %w: %s", taskID, ErrTaskFailed, msg)
		}
	}
	return nil, fmt.Errorf("task %s: %w after %d attempts", taskID, ErrTaskTimeout, maxAttempts)
}

func parseResult(taskID string, rec TaskRecord) (*TaskResult, error) {
	if rec.ResultJSON == nil || *rec.ResultJSON == "" {
		return nil, fmt.Errorf("task %s succeeded but result data is empty", taskID)
	}
	var content struct {
		ResultURLs []string `json:"resultUrls"`
	}
	if err := json.Unmarshal([]byte(*rec.ResultJSON), &content); err != nil {
		return nil, fmt.Errorf("parse task result: %w", err)
	}
	if len(content.ResultURLs) == 0 {
		return nil, fmt.Errorf("task %s: no image URL found in result", taskID)
	}
	return &TaskResult{TaskID: taskID, State: rec.State, ResultURLs: content.ResultURLs}, nil
}
