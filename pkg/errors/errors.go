package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Sentinel values shared across the coaching pipeline.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrInternalError = errors.New("internal error")
	ErrTimeout       = errors.New("operation timed out")
	ErrUnavailable   = errors.New("service unavailable")
	ErrRateLimited   = errors.New("rate limit exceeded")

	ErrSessionNotFound     = errors.New("call session not found")
	ErrSessionEnded        = errors.New("call session already ended")
	ErrInvalidAudio        = errors.New("invalid audio payload")
	ErrInvalidMetadata     = errors.New("invalid call metadata")
	ErrTranscriptionFailed = errors.New("transcription failed")
	ErrExtractionFailed    = errors.New("ammo extraction failed")
	ErrStorageFailure      = errors.New("storage operation failed")
)

// Error is a structured error carrying context fields, an optional code and
// the location where it was created.
type Error struct {
	original error
	message  string
	fields   map[string]interface{}
	file     string
	line     int

	// Code is an optional machine readable category.
	Code string
}

func newAt(skip int, original error, message string, fields []map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(skip + 1)

	fieldMap := make(map[string]interface{})
	if len(fields) > 0 && fields[0] != nil {
		for k, v := range fields[0] {
			fieldMap[k] = v
		}
	}

	return &Error{
		original: original,
		message:  message,
		fields:   fieldMap,
		file:     file,
		line:     line,
	}
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	return newAt(1, errors.New(message), message, fields)
}

// Wrap wraps an existing error with additional context. Wrapping nil returns nil.
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	return newAt(1, err, message, fields)
}

func (e *Error) clone(extra int) *Error {
	result := &Error{
		original: e.original,
		message:  e.message,
		fields:   make(map[string]interface{}, len(e.fields)+extra),
		file:     e.file,
		line:     e.line,
		Code:     e.Code,
	}
	for k, v := range e.fields {
		result.fields[k] = v
	}
	return result
}

// WithField returns a copy of the error with key set to value.
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(1)
	result.fields[key] = value
	return result
}

// WithFields returns a copy of the error with all fields merged in.
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(len(fields))
	for k, v := range fields {
		result.fields[k] = v
	}
	return result
}

// WithCode returns a copy of the error tagged with code.
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(0)
	result.Code = code
	return result
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}
	if e.message == "" || e.message == e.original.Error() {
		return e.original.Error()
	}
	return fmt.Sprintf("%s: %v", e.message, e.original)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Location returns the file:line where the error was created
func (e *Error) Location() string {
	if e == nil {
		return ""
	}
	parts := strings.Split(e.file, "/")
	return fmt.Sprintf("%s:%d", parts[len(parts)-1], e.line)
}

// GetFields returns the error's context fields
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// AsJSON returns the error in a JSON friendly form.
func (e *Error) AsJSON() map[string]interface{} {
	if e == nil {
		return nil
	}

	result := map[string]interface{}{
		"error":    e.Error(),
		"location": e.Location(),
	}
	if e.Code != "" {
		result["code"] = e.Code
	}
	if len(e.fields) > 0 {
		result["context"] = e.fields
	}
	return result
}

// NewSessionNotFound reports an unknown call id.
func NewSessionNotFound(callID string) *Error {
	err := newAt(1, ErrSessionNotFound, fmt.Sprintf("call session not found: %s", callID), nil)
	err.fields["call_id"] = callID
	err.Code = "SESSION_NOT_FOUND"
	return err
}

// NewSessionEnded reports audio or control sent after a call ended.
func NewSessionEnded(callID string) *Error {
	err := newAt(1, ErrSessionEnded, fmt.Sprintf("call session already ended: %s", callID), nil)
	err.fields["call_id"] = callID
	err.Code = "SESSION_ENDED"
	return err
}

// NewInvalidMetadata reports a malformed session start message.
func NewInvalidMetadata(details string, fields ...map[string]interface{}) *Error {
	err := newAt(1, ErrInvalidMetadata, fmt.Sprintf("invalid call metadata: %s", details), fields)
	err.Code = "INVALID_METADATA"
	return err
}

// NewInvalidInput reports a caller error.
func NewInvalidInput(message string, fields ...map[string]interface{}) *Error {
	err := newAt(1, ErrInvalidInput, message, fields)
	err.Code = "INVALID_INPUT"
	return err
}

// GetErrorCode extracts the code from a structured error
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Code
	}
	return ""
}

// GetErrorFields extracts fields from a structured error
func GetErrorFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}

// Is is errors.Is, re-exported so callers need a single errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is errors.As, re-exported so callers need a single errors import.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
