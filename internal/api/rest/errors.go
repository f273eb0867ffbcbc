package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/kubilitics/kubilitics-graph/internal/api/middleware"
	"github.com/kubilitics/kubilitics-graph/internal/iql"
	"github.com/kubilitics/kubilitics-graph/internal/pkg/apperr"
)

// APIError is the JSON body of every error response.
type APIError struct {
	Error     string            `json:"error"`
	Code      string            `json:"code,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeSyntax         = "SYNTAX_ERROR"
	ErrCodeTooLarge       = "REQUEST_TOO_LARGE"
	ErrCodeUnavailable    = "UNAVAILABLE"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondErrorWithCode(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]string) {
	respondJSON(w, status, APIError{
		Error:     message,
		Code:      code,
		RequestID: middleware.RequestIDFromContext(r.Context()),
		Details:   details,
	})
}

// respondError maps err onto a status: syntax and validation errors are 400,
// missing records 404, unavailable backends 503, everything else 500.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	var syn *iql.SyntaxError
	if errors.As(err, &syn) {
		respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeSyntax, syn.Message, map[string]string{
			"offset":  strconv.Itoa(syn.Offset),
			"context": syn.Context,
		})
		return
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondErrorWithCode(w, r, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, err.Error(), nil)
		return
	}
	var ae *apperr.AppError
	if errors.As(err, &ae) {
		respondErrorWithCode(w, r, ae.StatusCode(), ae.Code, ae.Error(), nil)
		return
	}
	respondErrorWithCode(w, r, http.StatusInternalServerError, ErrCodeInternal, err.Error(), nil)
}
