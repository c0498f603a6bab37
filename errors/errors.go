package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ulyssepence/rtt/log"
)

type APIError struct {
	Msg    string `json:"message"`
	Status int    `json:"status"`
	Err    error  `json:"-"`
}

func writeHttpError(w http.ResponseWriter, msg string, status int, err error) APIError {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	var errorDetail string
	if err != nil {
		errorDetail = err.Error()
	}

	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg, "error_detail": errorDetail}); err != nil {
		log.LogNoVideoID("error writing HTTP error", "http_error_msg", msg, "error", err)
	}
	return APIError{msg, status, err}
}

// HTTP Errors
func WriteHTTPBadRequest(w http.ResponseWriter, msg string, err error) APIError {
	return writeHttpError(w, msg, http.StatusBadRequest, err)
}

func WriteHTTPNotFound(w http.ResponseWriter, msg string, err error) APIError {
	return writeHttpError(w, msg, http.StatusNotFound, err)
}

func WriteHTTPInternalServerError(w http.ResponseWriter, msg string, err error) APIError {
	return writeHttpError(w, msg, http.StatusInternalServerError, err)
}

// PrerequisiteError reports a missing external prerequisite (binary on PATH,
// reachable service, API key) found by the readiness gate.
type PrerequisiteError struct {
	Msg string
}

func (e PrerequisiteError) Error() string { return e.Msg }

func NewPrerequisiteError(format string, args ...interface{}) error {
	return PrerequisiteError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidInputError reports malformed caller input: an unparseable jobs file,
// a bad query parameter, an empty query.
type InvalidInputError struct {
	Msg   string
	cause error
}

func (e InvalidInputError) Error() string { return e.Msg }
func (e InvalidInputError) Unwrap() error { return e.cause }

func NewInvalidInputError(msg string, cause error) error {
	return InvalidInputError{Msg: msg, cause: cause}
}

func IsInvalidInput(err error) bool {
	return errors.As(err, &InvalidInputError{})
}

// ServiceError is the uniform failure raised by external-service adapters.
// Code is a short machine-readable tag ("asr_error", "embed_error", ...).
type ServiceError struct {
	Code  string
	Msg   string
	cause error
}

func (e ServiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e ServiceError) Unwrap() error { return e.cause }

func NewServiceError(code, msg string, cause error) error {
	return ServiceError{Code: code, Msg: msg, cause: cause}
}

func IsServiceError(err error) bool {
	return errors.As(err, &ServiceError{})
}

// DataShapeError reports data of the wrong shape, e.g. an embedding whose
// dimensionality differs from the index width.
type DataShapeError struct {
	Msg string
}

func (e DataShapeError) Error() string { return e.Msg }

func NewDataShapeError(format string, args ...interface{}) error {
	return DataShapeError{Msg: fmt.Sprintf(format, args...)}
}

func IsDataShape(err error) bool {
	return errors.As(err, &DataShapeError{})
}

// NotFoundError reports a missing entity (segment, video, frame).
type NotFoundError struct {
	Msg string
}

func (e NotFoundError) Error() string { return e.Msg }

func NewNotFoundError(format string, args ...interface{}) error {
	return NotFoundError{Msg: fmt.Sprintf(format, args...)}
}

func IsNotFound(err error) bool {
	return errors.As(err, &NotFoundError{})
}
