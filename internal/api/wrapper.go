package api

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
)

// PostGenerateParams defines parameters for PostGenerate.
type PostGenerateParams struct {
	// Prompt is nil when the query parameter is absent.
	Prompt *string `form:"prompt,omitempty" json:"prompt,omitempty"`
}

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// (POST /generate)
	PostGenerate(w http.ResponseWriter, r *http.Request, params PostGenerateParams)
	// (POST /tasks)
	PostTasks(w http.ResponseWriter, r *http.Request)
	// (GET /tasks/{taskId})
	GetTasksTaskId(w http.ResponseWriter, r *http.Request, taskId string)
	// (GET /tasks/{taskId}/result)
	GetTasksTaskIdResult(w http.ResponseWriter, r *http.Request, taskId string)
	// (GET /healthz)
	GetHealthz(w http.ResponseWriter, r *http.Request)
}

// InvalidParamFormatError reports a parameter that could not be bound.
type InvalidParamFormatError struct {
	ParamName string
	Err       error
}

func (e *InvalidParamFormatError) Error() string {
	return fmt.Sprintf("Invalid format for parameter %s: %s", e.ParamName, e.Err.Error())
}

func (e *InvalidParamFormatError) Unwrap() error { return e.Err }

// ServerInterfaceWrapper binds request parameters before calling the handler.
type ServerInterfaceWrapper struct {
	Handler          ServerInterface
	ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)
}

func (siw *ServerInterfaceWrapper) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if siw.ErrorHandlerFunc != nil {
		siw.ErrorHandlerFunc(w, r, err)
		return
	}
	writeDetail(w, http.StatusBadRequest, err)
}

// PostGenerate operation middleware
func (siw *ServerInterfaceWrapper) PostGenerate(w http.ResponseWriter, r *http.Request) {
	var params PostGenerateParams
	query := r.URL.Query()
	// a repeated prompt resolves to its last value
	if vals := query["prompt"]; len(vals) > 1 {
		query = url.Values{"prompt": {vals[len(vals)-1]}}
	}
	if err := runtime.BindQueryParameter("form", true, false, "prompt", query, &params.Prompt); err != nil {
		siw.handleError(w, r, &InvalidParamFormatError{ParamName: "prompt", Err: err})
		return
	}
	siw.Handler.PostGenerate(w, r, params)
}

// PostTasks operation middleware
func (siw *ServerInterfaceWrapper) PostTasks(w http.ResponseWriter, r *http.Request) {
	siw.Handler.PostTasks(w, r)
}

// GetTasksTaskId operation middleware
func (siw *ServerInterfaceWrapper) GetTasksTaskId(w http.ResponseWriter, r *http.Request) {
	taskId, ok := siw.bindTaskID(w, r)
	if !ok {
		return
	}
	siw.Handler.GetTasksTaskId(w, r, taskId)
}

// GetTasksTaskIdResult operation middleware
func (siw *ServerInterfaceWrapper) GetTasksTaskIdResult(w http.ResponseWriter, r *http.Request) {
	taskId, ok := siw.bindTaskID(w, r)
	if !ok {
		return
	}
	siw.Handler.GetTasksTaskIdResult(w, r, taskId)
}

// GetHealthz operation middleware
func (siw *ServerInterfaceWrapper) GetHealthz(w http.ResponseWriter, r *http.Request) {
	siw.Handler.GetHealthz(w, r)
}

func (siw *ServerInterfaceWrapper) bindTaskID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var taskId string
	err := runtime.BindStyledParameterWithOptions("simple", "taskId", chi.URLParam(r, "taskId"), &taskId, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		siw.handleError(w, r, &InvalidParamFormatError{ParamName: "taskId", Err: err})
		return "", false
	}
	return taskId, true
}
