package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/felixgeelhaar/murmur/internal/store"
)

// Error codes returned in the error_code field.
const (
	CodeSessionExpired = "SESSION_EXPIRED"
	CodeMissingToken   = "MISSING_TOKEN"
	CodeRoomLimit      = "CHAT_LIMIT_EXCEEDED"
	CodeMemoryLimit    = "MEMORY_LIMIT_EXCEEDED"
	CodeMessageLimit   = "MESSAGE_LIMIT_EXCEEDED"
	CodeNotFound       = "CHAT_NOT_FOUND"
	CodeEventExists    = "EVENT_EXISTS"
	CodeBadRequest     = "BAD_REQUEST"
	CodeInternal       = "INTERNAL_ERROR"
)

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type errorBody struct {
	Success   bool   `json:"success"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// apiError is a client mistake detected by a handler.
type apiError struct {
	status int
	code   string
	msg    string
}

func (e *apiError) Error() string { return e.msg }

func badRequest(msg string) error {
	return &apiError{status: http.StatusBadRequest, code: CodeBadRequest, msg: msg}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

func writeOK(w http.ResponseWriter, status int, msg string, data any) {
	writeJSON(w, status, envelope{Success: true, Message: msg, Data: data})
}

// classify maps an error onto an HTTP status and error code.
func classify(err error) (int, string, string) {
	var api *apiError
	switch {
	case errors.As(err, &api):
		return api.status, api.code, api.msg
	case errors.Is(err, store.ErrSessionExpired):
		return http.StatusUnauthorized, CodeSessionExpired, "Session expired or not found. Create a new session."
	case errors.Is(err, store.ErrRoomLimitExceeded):
		return http.StatusTooManyRequests, CodeRoomLimit, "Room limit reached for this session."
	case errors.Is(err, store.ErrMemoryLimitExceeded):
		return http.StatusTooManyRequests, CodeMemoryLimit, "Memory limit reached for this session."
	case errors.Is(err, store.ErrMessageLimitExceeded):
		return http.StatusTooManyRequests, CodeMessageLimit, "Message limit reached for this room."
	case errors.Is(err, store.ErrEventExists):
		return http.StatusConflict, CodeEventExists, "Event already exists."
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, CodeNotFound, "Not found."
	}
	return http.StatusInternalServerError, CodeInternal, "Internal server error."
}

func writeError(w http.ResponseWriter, err error) {
	status, code, msg := classify(err)
	writeJSON(w, status, errorBody{Success: false, ErrorCode: code, Message: msg})
}
