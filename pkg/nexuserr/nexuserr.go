// Package nexuserr provides the structured, stable-code error type shared by
// every component of the control plane. Validation failures are
// returned through this type instead of being signaled by panics or untyped
// errors, so callers can branch on Code without string-matching a message.
package nexuserr

import (
	"errors"
	"fmt"
)

// Code is one of the stable, public error codes below. New codes may be
// added but existing ones are never renamed or repurposed.
type Code string

// Bundle / import error codes.
const (
	CodeDecisionNotFound      Code = "DECISION_NOT_FOUND"
	CodeBundleInvalidSchema   Code = "BUNDLE_INVALID_SCHEMA"
	CodeIntegrityMismatch     Code = "INTEGRITY_MISMATCH"
	CodeDecisionExists        Code = "DECISION_EXISTS"
	CodeConflictModeInvalid   Code = "CONFLICT_MODE_INVALID"
	CodeReplayInvalid         Code = "REPLAY_INVALID"
	CodeImportAtomicityFailed Code = "IMPORT_ATOMICITY_FAILED"
)

// Audit error codes.
const (
	CodeNoRouterLink         Code = "NO_ROUTER_LINK"
	CodeRouterDigestMismatch Code = "ROUTER_DIGEST_MISMATCH"
	CodeLinkDigestMismatch   Code = "LINK_DIGEST_MISMATCH"
)

// Receipt / XRPL error codes.
const (
	CodeBackendUnavailable Code = "BACKEND_UNAVAILABLE"
	CodeTimeout            Code = "TIMEOUT"
	CodeRejected           Code = "REJECTED"
	CodePolicyBlocked      Code = "POLICY_BLOCKED"
	CodeUnknown            Code = "UNKNOWN"
)

// Blocking-reason codes.
const (
	CodeNoPolicy         Code = "NO_POLICY"
	CodeAlreadyExecuted  Code = "ALREADY_EXECUTED"
	CodeExecutionFailed  Code = "EXECUTION_FAILED"
	CodeApprovalExpired  Code = "APPROVAL_EXPIRED"
	CodeMissingApprovals Code = "MISSING_APPROVALS"
)

// Command-layer validation codes needed by bundle import and the attestation
// queue beyond the core decision error codes above.
const (
	CodeValidationFailed  Code = "VALIDATION_FAILED"
	CodeAggregateExists   Code = "AGGREGATE_EXISTS"
	CodeAggregateNotFound Code = "AGGREGATE_NOT_FOUND"
	CodeDuplicateApproval Code = "DUPLICATE_APPROVAL"
	CodeApprovalNotFound  Code = "APPROVAL_NOT_FOUND"
	CodeSeqGap            Code = "SEQ_GAP"
	CodeLabelInvalid      Code = "LABEL_INVALID"
	CodeMemoTooLarge      Code = "MEMO_TOO_LARGE"
)

// Template error codes.
const (
	CodeTemplateExists   Code = "TEMPLATE_ALREADY_EXISTS"
	CodeTemplateNotFound Code = "TEMPLATE_NOT_FOUND"
	CodeModeNotAllowed   Code = "MODE_NOT_ALLOWED"
)

// Error is a structured error carrying a stable Code plus free-form context
// for logs and API responses. It never carries secrets.
type Error struct {
	Code    Code
	Message string
	Details string
	Context map[string]interface{}
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a structured error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a structured error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a structured error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithDetails returns a copy of e with Details set.
func (e *Error) WithDetails(details string) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// WithContext returns a copy of e with a context key/value attached.
func (e *Error) WithContext(key string, value interface{}) *Error {
	cp := *e
	ctx := make(map[string]interface{}, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	ctx[key] = value
	cp.Context = ctx
	return &cp
}

// Is reports whether err is a *Error with the given code, unwrapping as needed.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the Code carried by err, or "" if err is not a *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
