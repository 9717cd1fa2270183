package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/qsched/qsched/internal/errors"
)

var validate = validator.New()

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// decodeJSON decodes a request body into v and validates it. An empty body
// is accepted when allowEmpty is set and leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF && allowEmpty {
			return nil
		}
		return errors.NewValidationError("invalid request body").WithCause(err)
	}
	if err := validate.Struct(v); err != nil {
		return errors.NewValidationError("invalid request body").WithCause(err)
	}
	return nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{
		Error:     message,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// respondErr maps err onto a status code. Messages of server errors are
// only shown when they are marked user facing. Client errors below warning
// severity, such as lookups of missing tasks, are logged at debug.
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"request_id", middleware.GetReqID(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		if !errors.IsUserFacing(err) {
			message = http.StatusText(status)
		}
	} else if errors.GetSeverity(err) >= errors.SeverityWarning {
		s.logger.Warn("request rejected", "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	s.respondError(w, r, status, message)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrTaskExists), errors.Is(err, errors.ErrInvalidTransition):
		return http.StatusConflict
	case errors.IsGraphError(err), errors.Is(err, errors.ErrInvalidState):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errors.ErrInvalidInput), errors.Is(err, errors.ErrInvalidPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func notFound(id string) error {
	return errors.NewNotFoundError("task", id)
}

func conflict(id, action string, status fmt.Stringer) error {
	return fmt.Errorf("%w: cannot %s task %q in status %s", errors.ErrInvalidTransition, action, id, status)
}
