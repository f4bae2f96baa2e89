package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/adred-codev/seckill/internal/types"
)

// envelope is the uniform JSON response body. UI clients discriminate
// on error_code, never on the message text.
type envelope struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Data      any       `json:"data,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

// statusFor maps an outcome code to an HTTP status.
func statusFor(code types.Code) int {
	switch code {
	case types.CodeOK:
		return http.StatusOK
	case types.CodeInvalidParameter:
		return http.StatusBadRequest
	case types.CodeUnauthorised:
		return http.StatusUnauthorized
	case types.CodeNotFound:
		return http.StatusNotFound
	case types.CodeNotActive, types.CodeNotStarted, types.CodeEnded,
		types.CodeOutOfStock, types.CodeUserLimitExceeded:
		return http.StatusConflict
	case types.CodeRateLimited:
		return http.StatusTooManyRequests
	case types.CodeSaturated, types.CodeBrokerUnavailable,
		types.CodeStoreUnavailable, types.CodeDeadlineExceeded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeSuccess(w http.ResponseWriter, r *http.Request, message string, data any) {
	writeJSON(w, http.StatusOK, envelope{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
		RequestID: requestIDFrom(r.Context()),
	})
}

func writeCode(w http.ResponseWriter, r *http.Request, code types.Code, message string, data any) {
	writeJSON(w, statusFor(code), envelope{
		Success:   code == types.CodeOK,
		Message:   message,
		Data:      data,
		ErrorCode: codeField(code),
		Timestamp: time.Now().UTC(),
		RequestID: requestIDFrom(r.Context()),
	})
}

func codeField(code types.Code) string {
	if code == types.CodeOK {
		return ""
	}
	return string(code)
}

func writeError(w http.ResponseWriter, r *http.Request, err error, message string) {
	writeCode(w, r, types.CodeOf(err), message, nil)
}
