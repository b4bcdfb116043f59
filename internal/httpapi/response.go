// Package httpapi is the thin operational HTTP surface cmd/orchestrator
// exposes over the transaction manager: Begin, UpdateStatus, Get, List
// and a provider webhook, on a stdlib ServeMux with Go 1.22 method+path
// patterns. It exists only so the core has a runnable front door; any
// richer wire-level surface belongs to a separate transport layer.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/crowka/paycomponent-module-sub000/internal/errs"
)

// APIResponse is the envelope every endpoint responds with.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

// APIError is the wire form of a rejected request.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondWithJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := APIResponse{Success: status >= 200 && status < 300}
	if resp.Success {
		resp.Data = data
	} else if apiErr, ok := data.(*APIError); ok {
		resp.Error = apiErr
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// respondWithError maps a core error to its wire code and HTTP status via
// errs.Error.HTTPStatus, falling back to 500 for anything that isn't one
// of ours.
func respondWithError(w http.ResponseWriter, err error) {
	var ce *errs.Error
	status := http.StatusInternalServerError
	code := string(errs.KindInternal)
	message := err.Error()

	if errors.As(err, &ce) {
		status = ce.HTTPStatus()
		code = string(ce.Kind)
		message = ce.Message
	}

	respondWithJSON(w, status, &APIError{Code: code, Message: message})
}

func respondBadRequest(w http.ResponseWriter, code, message string) {
	respondWithJSON(w, http.StatusBadRequest, &APIError{Code: code, Message: message})
}
