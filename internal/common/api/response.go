package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// Response is the standard API response envelope. The downstream booking,
// payment and wallet services speak the same envelope, so the service
// clients decode their errors through it as well.
type Response[T any] struct {
	Data  T      `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Error represents an API error
type Error struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const (
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeInternalError = "INTERNAL_ERROR"

	// Payment flow conflicts; the browser keys its messaging off these.
	ErrCodeNotReady       = "NOT_READY"
	ErrCodeInFlight       = "SUBMIT_IN_FLIGHT"
	ErrCodeReconciliation = "RECONCILIATION_PENDING"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteData wraps data in the envelope.
func WriteData[T any](w http.ResponseWriter, status int, data T) {
	writeJSON(w, status, Response[T]{Data: data})
}

func WriteError(w http.ResponseWriter, status int, code, message string) {
	writeError(w, status, &Error{Code: code, Message: message})
}

func writeError(w http.ResponseWriter, status int, e *Error) {
	writeJSON(w, status, Response[any]{Error: e})
}

func BadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func Conflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, ErrCodeConflict, message)
}

func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// ValidationError writes a 422, with per-field details when err came from
// the validator.
func ValidationError(w http.ResponseWriter, err error) {
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		WriteError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
		return
	}
	details := make(map[string]string, len(fields))
	for _, f := range fields {
		details[f.Field()] = fieldMessage(f)
	}
	writeError(w, http.StatusUnprocessableEntity, &Error{Code: ErrCodeValidation, Message: "Validation failed", Details: details})
}

func fieldMessage(f validator.FieldError) string {
	switch f.Tag() {
	case "required":
		return "This field is required"
	case "max":
		return "Must be at most " + f.Param() + " characters"
	case "len":
		return "Must be exactly " + f.Param() + " characters"
	case "numeric":
		return "Must be a decimal number"
	default:
		return "Invalid value"
	}
}

// Validate is a shared validator instance
var Validate = validator.New()

// DecodeAndValidate decodes a JSON body into v and validates it.
func DecodeAndValidate(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return err
	}
	return Validate.Struct(v)
}
