package api

import (
	"encoding/json"
	"net/http"

	"github.com/gaspardpetit/kiegate/core/logx"
	"github.com/gaspardpetit/kiegate/internal/kie"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Detail string `json:"detail"`
}

func writeDetail(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorBody{Detail: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Error().Err(err).Msg("encode response")
	}
}

// writeUpstream relays an upstream response with its status and body unchanged.
func writeUpstream(w http.ResponseWriter, res *kie.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.StatusCode)
	if _, err := w.Write(res.Body); err != nil {
		logx.Log.Error().Err(err).Msg("write upstream response")
	}
}
