package httpserver

import (
	"encoding/json"
	"net/http"
)

// errorEnvelope is the uniform shape of every non-2xx JSON response.
type errorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// Closed set of error codes, mapped to HTTP statuses by httpError.
const (
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeNotFound         = "NOT_FOUND"
	CodeValidationError  = "VALIDATION_ERROR"
	CodeConflict         = "CONFLICT"
	CodeQuotaExceeded    = "QUOTA_EXCEEDED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeProviderError    = "PROVIDER_ERROR"
	CodeInternalError    = "INTERNAL_ERROR"
)

var codeStatus = map[string]int{
	CodeUnauthorized:    http.StatusUnauthorized,
	CodeForbidden:       http.StatusForbidden,
	CodeNotFound:        http.StatusNotFound,
	CodeValidationError: http.StatusBadRequest,
	CodeConflict:        http.StatusConflict,
	CodeQuotaExceeded:   http.StatusTooManyRequests,
	CodeRateLimited:     http.StatusTooManyRequests,
	CodeProviderError:   http.StatusBadGateway,
	CodeInternalError:   http.StatusInternalServerError,
}

// httpError writes the uniform error envelope for the given taxonomy code.
func httpError(w http.ResponseWriter, code string, message string) {
	status, ok := codeStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}

	httpResponseJSONByte(w, mustMarshal(errorEnvelope{
		Success: false,
		Error:   message,
		Code:    code,
	}), status)
}

func httpResponseJSON(w http.ResponseWriter, msg any, code int) {
	httpResponseJSONByte(w, mustMarshal(msg), code)
}

func httpResponseJSONByte(w http.ResponseWriter, msg []byte, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(msg)
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"success":false,"error":"failed to encode response","code":"INTERNAL_ERROR"}`)
	}
	return b
}
