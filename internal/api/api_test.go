package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/kiegate/internal/kie"
)

// fakeUpstream records the last request and returns canned results.
type fakeUpstream struct {
	mu       sync.Mutex
	prompts  []string
	task     kie.TaskRequest
	taskID   string
	res      *kie.Response
	result   *kie.TaskResult
	err      error
	interval time.Duration
	attempts int
}

func (f *fakeUpstream) Generate(ctx context.Context, prompt string) (*kie.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	return f.res, f.err
}

func (f *fakeUpstream) CreateTask(ctx context.Context, req kie.TaskRequest) (*kie.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.task = req
	return f.res, f.err
}

func (f *fakeUpstream) RecordInfo(ctx context.Context, taskID string) (*kie.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskID = taskID
	return f.res, f.err
}

func (f *fakeUpstream) WaitForTask(ctx context.Context, taskID string, interval time.Duration, maxAttempts int) (*kie.TaskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskID = taskID
	f.interval = interval
	f.attempts = maxAttempts
	return f.result, f.err
}

func (f *fakeUpstream) lastPrompt(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) != 1 {
		t.Fatalf("upstream called %d times; want 1", len(f.prompts))
	}
	return f.prompts[0]
}

func newRouter(a *API) http.Handler {
	r := chi.NewRouter()
	for _, m := range MiddlewareChain() {
		r.Use(m)
	}
	w := ServerInterfaceWrapper{Handler: a}
	r.Post("/generate", w.PostGenerate)
	r.Post("/tasks", w.PostTasks)
	r.Get("/tasks/{taskId}", w.GetTasksTaskId)
	r.Get("/tasks/{taskId}/result", w.GetTasksTaskIdResult)
	r.Get("/healthz", w.GetHealthz)
	return r
}

func okResponse(body string) *kie.Response {
	return &kie.Response{StatusCode: http.StatusOK, Body: json.RawMessage(body)}
}

func decodeDetail(t *testing.T, body io.Reader) string {
	t.Helper()
	var eb ErrorBody
	if err := json.NewDecoder(body).Decode(&eb); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return eb.Detail
}

func TestGenerateDefaultPrompt(t *testing.T) {
	up := &fakeUpstream{res: okResponse(`{"url":"x"}`)}
	rec := httptest.NewRecorder()
	newRouter(&API{Upstream: up}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
	if got := up.lastPrompt(t); got != "nano banana" {
		t.Fatalf("prompt = %q; want nano banana", got)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"url":"x"}` {
		t.Fatalf("body = %s", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
}

func TestGenerateConfiguredDefaultPrompt(t *testing.T) {
	up := &fakeUpstream{res: okResponse(`{}`)}
	rec := httptest.NewRecorder()
	newRouter(&API{Upstream: up, DefaultPrompt: "a cat"}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate", nil))
	if got := up.lastPrompt(t); got != "a cat" {
		t.Fatalf("prompt = %q; want a cat", got)
	}
}

func TestGeneratePromptSources(t *testing.T) {
	tests := []struct {
		name   string
		target string
		ctype  string
		body   string
		want   string
	}{
		{"query", "/generate?prompt=a+red+fox", "", "", "a red fox"},
		{"body", "/generate", "application/json", `{"prompt":"from body"}`, "from body"},
		{"body with charset", "/generate", "application/json; charset=utf-8", `{"prompt":"from body"}`, "from body"},
		{"query beats body", "/generate?prompt=from+query", "application/json", `{"prompt":"from body"}`, "from query"},
		{"empty body prompt", "/generate", "application/json", `{"prompt":""}`, "nano banana"},
		{"non json body", "/generate", "application/json", `prompt=hello`, "nano banana"},
		{"json without content type", "/generate", "", `{"prompt":"from body"}`, "nano banana"},
		{"json as text", "/generate", "text/plain", `{"prompt":"from body"}`, "nano banana"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{res: okResponse(`{}`)}
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			req := httptest.NewRequest(http.MethodPost, tt.target, body)
			if tt.ctype != "" {
				req.Header.Set("Content-Type", tt.ctype)
			}
			rec := httptest.NewRecorder()
			newRouter(&API{Upstream: up}).ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d; want 200", rec.Code)
			}
			if got := up.lastPrompt(t); got != tt.want {
				t.Fatalf("prompt = %q; want %q", got, tt.want)
			}
		})
	}
}

func TestGenerateRepeatedPromptUsesLast(t *testing.T) {
	up := &fakeUpstream{res: okResponse(`{}`)}
	rec := httptest.NewRecorder()
	newRouter(&API{Upstream: up}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate?prompt=a&prompt=b", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
	if got := up.lastPrompt(t); got != "b" {
		t.Fatalf("prompt = %q; want b", got)
	}
}

func TestGenerateRelaysStatus(t *testing.T) {
	up := &fakeUpstream{res: &kie.Response{StatusCode: http.StatusCreated, Body: json.RawMessage(`{"id":1}`)}}
	rec := httptest.NewRecorder()
	newRouter(&API{Upstream: up}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate", nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d; want 201", rec.Code)
	}
}

func TestGenerateErrorDetail(t *testing.T) {
	up := &fakeUpstream{err: errors.New("boom")}
	rec := httptest.NewRecorder()
	newRouter(&API{Upstream: up}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d; want 500", rec.Code)
	}
	if detail := decodeDetail(t, rec.Body); detail != "boom" {
		t.Fatalf("detail = %q; want boom", detail)
	}
}

// The handler and the real client together against a fake kie.ai.
func TestGenerateEndToEnd(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantBody   string
		wantDetail string
	}{
		{"ok", http.StatusOK, `{"url":"x"}`, http.StatusOK, `{"url":"x"}`, ""},
		{"unauthorized", http.StatusUnauthorized, `{"error":"bad key"}`, http.StatusInternalServerError, "", "401"},
		{"server error", http.StatusBadGateway, `oops`, http.StatusInternalServerError, "", "502"},
		{"malformed json", http.StatusOK, `not json`, http.StatusInternalServerError, "", "invalid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var auth string
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				auth = r.Header.Get("Authorization")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer upstream.Close()

			client := kie.New("secret", kie.WithGenerateURL(upstream.URL))
			rec := httptest.NewRecorder()
			newRouter(&API{Upstream: client}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate", nil))

			if auth != "Bearer secret" {
				t.Fatalf("authorization = %q", auth)
			}
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d; want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantDetail != "" {
				if detail := decodeDetail(t, rec.Body); !strings.Contains(detail, tt.wantDetail) {
					t.Fatalf("detail = %q; want it to contain %q", detail, tt.wantDetail)
				}
				return
			}
			if got := rec.Body.String(); got != tt.wantBody {
				t.Fatalf("body = %s; want %s", got, tt.wantBody)
			}
		})
	}
}

func TestGenerateConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	client := kie.New("secret", kie.WithGenerateURL(fmt.Sprintf("http://%s/api/generate", addr)))
	rec := httptest.NewRecorder()
	newRouter(&API{Upstream: client}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d; want 500", rec.Code)
	}
	if detail := decodeDetail(t, rec.Body); !strings.Contains(detail, "send request") {
		t.Fatalf("detail = %q", detail)
	}
}

func TestPostTasks(t *testing.T) {
	up := &fakeUpstream{res: okResponse(`{"code":200,"data":{"taskId":"t1"}}`)}
	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"input":{"prompt":"a boat","aspect_ratio":"16:9"}}`)
	newRouter(&API{Upstream: up}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tasks", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
	if up.task.Input.Prompt != "a boat" || up.task.Input.AspectRatio != "16:9" {
		t.Fatalf("task = %#v", up.task)
	}
	if !strings.Contains(rec.Body.String(), `"taskId":"t1"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestPostTasksUnreadableBody(t *testing.T) {
	up := &fakeUpstream{res: okResponse(`{"code":422}`)}
	rec := httptest.NewRecorder()
	newRouter(&API{Upstream: up}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader("{")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
	if up.task.Input.Prompt != "" {
		t.Fatalf("task = %#v; want empty", up.task)
	}
}

func TestGetTask(t *testing.T) {
	up := &fakeUpstream{res: okResponse(`{"code":200,"data":{"state":"waiting"}}`)}
	rec := httptest.NewRecorder()
	newRouter(&API{Upstream: up}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/abc123", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
	if up.taskID != "abc123" {
		t.Fatalf("task id = %q", up.taskID)
	}
}

func TestGetTaskResult(t *testing.T) {
	up := &fakeUpstream{result: &kie.TaskResult{TaskID: "t1", State: kie.StateSuccess, ResultURLs: []string{"https://img/1.png"}}}
	rec := httptest.NewRecorder()
	newRouter(&API{Upstream: up, PollInterval: time.Second, PollAttempts: 3}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/t1/result", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
	if up.interval != time.Second || up.attempts != 3 {
		t.Fatalf("poll = %v x %d", up.interval, up.attempts)
	}
	var res kie.TaskResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.ResultURLs) != 1 || res.ResultURLs[0] != "https://img/1.png" {
		t.Fatalf("result = %#v", res)
	}
}

func TestGetTaskResultDefaultsAndError(t *testing.T) {
	up := &fakeUpstream{err: fmt.Errorf("task t1 %w: content policy", kie.ErrTaskFailed)}
	rec := httptest.NewRecorder()
	newRouter(&API{Upstream: up}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/t1/result", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d; want 500", rec.Code)
	}
	if up.interval != 2500*time.Millisecond || up.attempts != 40 {
		t.Fatalf("poll = %v x %d", up.interval, up.attempts)
	}
	if detail := decodeDetail(t, rec.Body); !strings.Contains(detail, "content policy") {
		t.Fatalf("detail = %q", detail)
	}
}

func TestHealthz(t *testing.T) {
	draining := false
	h := newRouter(&API{Draining: func() bool { return draining }})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("healthz = %d %s", rec.Code, rec.Body.String())
	}

	draining = true
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), `"draining"`) {
		t.Fatalf("healthz = %d %s", rec.Code, rec.Body.String())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{fmt.Errorf("wrap: %w", &kie.StatusError{StatusCode: 500}), "status_error"},
		{fmt.Errorf("%w (status 200, 3 bytes)", kie.ErrInvalidJSON), "invalid_json"},
		{fmt.Errorf("send request: %w", context.Canceled), "canceled"},
		{fmt.Errorf("task x: %w", kie.ErrTaskTimeout), "timeout"},
		{fmt.Errorf("task x %w: no", kie.ErrTaskFailed), "task_failed"},
		{errors.New("dial tcp: refused"), "transport_error"},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Fatalf("classify(%v) = %q; want %q", tt.err, got, tt.want)
		}
	}
}
