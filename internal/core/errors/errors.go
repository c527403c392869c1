package errors

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeValidationError  ErrorCode = "VALIDATION_ERROR"
	CodeConflict         ErrorCode = "CONFLICT"
	CodeInternal         ErrorCode = "INTERNAL_ERROR"
	CodeNotSupported     ErrorCode = "NOT_SUPPORTED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// Specifier resolution.
	CodeUnmappedBareSpecifier ErrorCode = "UNMAPPED_BARE_SPECIFIER"
	CodeBlockedByNullEntry    ErrorCode = "BLOCKED_BY_NULL_ENTRY"
	CodeBacktrackBlocked      ErrorCode = "BACKTRACK_BLOCKED"

	// Fetching a single module.
	CodeFetchFailed           ErrorCode = "FETCH_FAILED"
	CodeDisallowedModuleType  ErrorCode = "DISALLOWED_MODULE_TYPE"
	CodeUnsupportedModuleType ErrorCode = "UNSUPPORTED_MODULE_TYPE"

	CodeGraphFailed ErrorCode = "GRAPH_FAILED"

	// Linking.
	CodeLinkFailed     ErrorCode = "LINK_FAILED"
	CodeAlreadyLinking ErrorCode = "ALREADY_LINKING"
	CodeNotLoaded      ErrorCode = "NOT_LOADED"
	CodeNotLinked      ErrorCode = "NOT_LINKED"

	CodeEvaluationFailed ErrorCode = "EVALUATION_FAILED"
	CodeAborted          ErrorCode = "ABORTED"
)

type DomainError struct {
	Code    ErrorCode
	Message string
	Err     error
	Context map[string]interface{}
}

const (
	CtxURL        = "url"
	CtxSpecifier  = "specifier"
	CtxModuleType = "module_type"
	CtxOperation  = "operation"
	CtxStatus     = "status"
)

func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func (e *DomainError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if len(e.Context) > 0 {
		msg += fmt.Sprintf(" %v", e.Context)
	}
	return msg
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func New(code ErrorCode, msg string) error {
	return &DomainError{Code: code, Message: msg}
}

func Newf(code ErrorCode, format string, args ...interface{}) error {
	return &DomainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, code ErrorCode, msg string) error {
	return &DomainError{Code: code, Message: msg, Err: err}
}

// AddContext attaches a key/value pair to the outermost DomainError in err's
// chain, wrapping err as an internal error when it carries none.
func AddContext(err error, key string, value interface{}) error {
	var de *DomainError
	if errors.As(err, &de) {
		de.WithContext(key, value)
		return err
	}
	return &DomainError{
		Code:    CodeInternal,
		Message: "wrapped error",
		Err:     err,
		Context: map[string]interface{}{key: value},
	}
}

// IsCode checks if an error has a specific error code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		var de *DomainError
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// CodeOf returns the code of the outermost DomainError, or "" when there is none.
func CodeOf(err error) ErrorCode {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

func IsSpecifierError(err error) bool {
	return IsCode(err, CodeUnmappedBareSpecifier) ||
		IsCode(err, CodeBlockedByNullEntry) ||
		IsCode(err, CodeBacktrackBlocked)
}

func IsFetchError(err error) bool {
	return IsCode(err, CodeFetchFailed) ||
		IsCode(err, CodeDisallowedModuleType) ||
		IsCode(err, CodeUnsupportedModuleType)
}

func IsLinkError(err error) bool {
	return IsCode(err, CodeLinkFailed) ||
		IsCode(err, CodeAlreadyLinking) ||
		IsCode(err, CodeNotLoaded)
}

// Is and As forward to the standard library so callers need only this package.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }
