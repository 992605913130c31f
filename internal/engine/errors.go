package engine

import (
	"errors"
	"fmt"

	"github.com/cnos-dev/ultimate-crud/internal/metadata"
	"github.com/cnos-dev/ultimate-crud/internal/store"
)

// AppError is the uniform error envelope. Code is a stable string for
// programmatic matching; Details, when set, becomes the response "details"
// object, otherwise Message is used. Err is the wrapped cause, logged
// server-side and never sent to clients outside dev mode.
type AppError struct {
	Code    string
	Status  int
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// Body renders the response body. Raw detail of unclassified errors is
// suppressed unless dev mode is on.
func (e *AppError) Body(dev bool) map[string]any {
	body := map[string]any{"error": e.Code}
	if e.Details != nil {
		body["details"] = e.Details
		return body
	}
	msg := e.Message
	if e.Status >= 500 {
		if dev && e.Err != nil {
			msg = e.Err.Error()
		} else if !dev {
			msg = "Internal server error"
		}
	}
	body["message"] = msg
	return body
}

// SafeMessage renders the error as a single client-safe string, with the same
// detail suppression as Body. Surfaces that cannot send a structured body
// (GraphQL errors arrays) go through here.
func (e *AppError) SafeMessage(dev bool) string {
	if e.Status >= 500 {
		if dev && e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		return "Internal server error"
	}
	if e.Message != "" {
		return e.Message
	}
	if m, ok := e.Details["message"].(string); ok {
		return m
	}
	return e.Code
}

// FieldViolation is one failed business-rule or structural check.
type FieldViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func ValidationFailed(violations []FieldViolation) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  400,
		Message: "Validation failed",
		Details: map[string]any{"validation_errors": violations},
	}
}

func Conflict(status int, fields []string) *AppError {
	if status == 0 {
		status = 409
	}
	if fields == nil {
		fields = []string{}
	}
	return &AppError{
		Code:   "CONFLICT",
		Status: status,
		Details: map[string]any{
			"fields":  fields,
			"message": "A record with the same unique value already exists",
		},
	}
}

func NotFound(entity string, key []any) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("%s with key %v not found", entity, key),
	}
}

func Unsupported(message string) *AppError {
	return &AppError{Code: "UNSUPPORTED_OPERATION", Status: 405, Message: message}
}

func MissingProcedure(entity string) *AppError {
	return &AppError{
		Code:    "MISSING_PROCEDURE_NAME",
		Status:  500,
		Message: fmt.Sprintf("entity %s has no procedure name configured", entity),
	}
}

func BadRequest(message string) *AppError {
	return &AppError{Code: "INVALID_REQUEST", Status: 400, Message: message}
}

func InvalidPayload() *AppError {
	return &AppError{Code: "INVALID_PAYLOAD", Status: 400, Message: "Invalid JSON body"}
}

func Internal(err error) *AppError {
	return &AppError{
		Code:    "INTERNAL_ERROR",
		Status:  500,
		Message: "Internal server error",
		Err:     err,
	}
}

// classify translates executor/store failures into AppErrors. Driver
// unique-constraint codes become conflicts even when no uniqueFields was
// declared; the database is the final authority.
func classify(entity *metadata.Entity, err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	var uv *store.UniqueViolationError
	if errors.As(err, &uv) {
		return Conflict(entity.ConflictStatus(), uv.Fields)
	}
	if errors.Is(err, store.ErrNotFound) {
		return NotFound(entity.Name, nil)
	}
	return Internal(err)
}
