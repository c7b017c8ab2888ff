package accesskit

import (
	"errors"
	"fmt"
)

// Kind classifies access errors so the transport edge can map them to a
// status code without inspecting message text.
type Kind int

const (
	KindUnknown Kind = iota
	KindConflict
	KindBadRequest
	KindNotFound
	KindAuthFailure
	KindForbidden
	KindInternal
	KindStorage
)

// Error is a kind-tagged error carrying a stable machine-readable code and a
// human message. Internal causes are wrapped but never serialized to callers.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func (accessErr *Error) Error() string {
	if accessErr.cause != nil {
		return fmt.Sprintf("%s: %s: %v", accessErr.Code, accessErr.Message, accessErr.cause)
	}
	return fmt.Sprintf("%s: %s", accessErr.Code, accessErr.Message)
}

func (accessErr *Error) Unwrap() error {
	return accessErr.cause
}

// KindOf extracts the Kind from any error in the chain, KindUnknown otherwise.
func KindOf(err error) Kind {
	var accessErr *Error
	if errors.As(err, &accessErr) {
		return accessErr.Kind
	}
	return KindUnknown
}

// CodeOf extracts the stable code from any error in the chain.
func CodeOf(err error) string {
	var accessErr *Error
	if errors.As(err, &accessErr) {
		return accessErr.Code
	}
	return ""
}

func conflictError(code string, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

func badRequestError(code string, message string) *Error {
	return &Error{Kind: KindBadRequest, Code: code, Message: message}
}

func notFoundError(code string, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

func authFailureError(code string, message string) *Error {
	return &Error{Kind: KindAuthFailure, Code: code, Message: message}
}

func forbiddenError(code string, message string) *Error {
	return &Error{Kind: KindForbidden, Code: code, Message: message}
}

func internalError(code string, message string, cause error) *Error {
	return &Error{Kind: KindInternal, Code: code, Message: message, cause: cause}
}

func storageError(code string, cause error) *Error {
	return &Error{Kind: KindStorage, Code: code, Message: "storage operation failed", cause: cause}
}
