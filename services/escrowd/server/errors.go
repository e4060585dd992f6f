package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Astralabs2050/render-backend-sub001/native/escrow"
)

const (
	codeUnauthorized        = "unauthorized"
	codeForbidden           = "forbidden"
	codeRateLimited         = "rate_limited"
	codeIdempotencyMismatch = "idempotency_mismatch"
	codeBadSignature        = "invalid_signature"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// statusFor maps the escrow error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrInvalidState), errors.Is(err, escrow.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrExternalDependency):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	code := escrow.Code(err)
	if code == escrow.CodeUnknown {
		message = "internal error"
	}
	retryable := escrow.Retryable(err)
	if marker, ok := w.(retryMarker); ok && retryable {
		marker.markRetryable()
	}
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:      code,
		Message:   message,
		Retryable: retryable,
	}})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
