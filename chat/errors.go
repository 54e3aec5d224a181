package chat

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrNotConnected = errors.New("Not connected.")
var ErrRequestTimeout = errors.New("Request timeout.")
var ErrSuperseded = errors.New("Superseded by a later operation.")
var ErrClosed = errors.New("Closed.")
var ErrLeaseHeld = errors.New("Lease held by another owner.")
var ErrSessionExpired = errors.New("Session expired.")
var ErrDependencyFailed = errors.New("Dependency failed.")

// error ids sent by the server
const (
	ServerErrorIdNotFound = "not_found"
	ServerErrorIdConflict = "conflict"
	ServerErrorIdIdInUse  = "id_in_use"
)

// an error payload from the server, either an http error body or the `data` of a failed socket response
type ServerError struct {
	Id         string         `json:"id"`
	Code       int            `json:"code,omitempty"`
	Message    string         `json:"message,omitempty"`
	Url        string         `json:"url,omitempty"`
	HttpStatus int            `json:"http_status,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

func ServerErrorFromMap(m map[string]any, httpStatus int) *ServerError {
	serverError := &ServerError{
		HttpStatus: httpStatus,
	}
	if m == nil {
		return serverError
	}
	if id, ok := m["id"].(string); ok {
		serverError.Id = id
	}
	if code, ok := m["code"].(float64); ok {
		serverError.Code = int(code)
	}
	if message, ok := m["message"].(string); ok {
		serverError.Message = message
	}
	if url, ok := m["url"].(string); ok {
		serverError.Url = url
	}
	if status, ok := m["http_status"].(float64); ok && httpStatus == 0 {
		serverError.HttpStatus = int(status)
	}
	if data, ok := m["data"].(map[string]any); ok {
		serverError.Data = data
	}
	return serverError
}

func (self *ServerError) Error() string {
	if self.Message != "" {
		return fmt.Sprintf("%s (%d): %s", self.Id, self.HttpStatus, self.Message)
	}
	return fmt.Sprintf("%s (%d)", self.Id, self.HttpStatus)
}

func (self *ServerError) IsNotFound() bool {
	return self.Id == ServerErrorIdNotFound || self.HttpStatus == http.StatusNotFound
}

func (self *ServerError) IsConflict() bool {
	switch self.Id {
	case ServerErrorIdConflict, ServerErrorIdIdInUse:
		return true
	}
	return self.HttpStatus == http.StatusConflict
}

// 5xx, and socket errors with neither a status nor an error id
func (self *ServerError) IsRetryable() bool {
	if self.HttpStatus == 0 {
		return self.Id == ""
	}
	return http.StatusInternalServerError <= self.HttpStatus
}

// errors where the operation never reached a server decision
// these are retried by the sync manager with backoff
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrRequestTimeout),
		errors.Is(err, ErrSessionExpired):
		// resumes with a new connection or session
		return true
	case errors.Is(err, ErrSuperseded), errors.Is(err, ErrDependencyFailed):
		return false
	}
	var serverError *ServerError
	if errors.As(err, &serverError) {
		return serverError.IsRetryable()
	}
	// network errors
	return true
}
