package update

import "fmt"

// Code classifies update pipeline failures. Callers branch on codes with
// errors.Is against the exported sentinels rather than string matching.
type Code string

const (
	CodeMalformedInput        Code = "malformed_input"
	CodeFetchFailed           Code = "fetch_failed"
	CodeCorruptArchive        Code = "corrupt_archive"
	CodeMissingIdentifier     Code = "missing_identifier"
	CodeUnauthorized          Code = "unauthorized"
	CodeUnknownContentID      Code = "unknown_content_id"
	CodeNoChange              Code = "no_change"
	CodeMissingExtension      Code = "missing_extension"
	CodeExtensionChanged      Code = "extension_changed"
	CodeSelfApprovalForbidden Code = "self_approval_forbidden"
	CodeNotFound              Code = "not_found"
	CodeRecordVanished        Code = "record_vanished"
	CodePushFailed            Code = "push_failed"
	CodeCredentialMissing     Code = "credential_missing"
)

// Error is a coded pipeline error. Two Errors match under errors.Is when
// their codes are equal, so sentinels below work as comparison targets.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Errf builds a coded error with a formatted message.
func Errf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a coded error around a cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Sentinels for errors.Is comparisons.
var (
	ErrMalformedInput        = &Error{Code: CodeMalformedInput}
	ErrFetchFailed           = &Error{Code: CodeFetchFailed}
	ErrCorruptArchive        = &Error{Code: CodeCorruptArchive}
	ErrMissingIdentifier     = &Error{Code: CodeMissingIdentifier}
	ErrUnauthorized          = &Error{Code: CodeUnauthorized}
	ErrUnknownContentID      = &Error{Code: CodeUnknownContentID}
	ErrNoChange              = &Error{Code: CodeNoChange}
	ErrMissingExtension      = &Error{Code: CodeMissingExtension}
	ErrExtensionChanged      = &Error{Code: CodeExtensionChanged}
	ErrSelfApprovalForbidden = &Error{Code: CodeSelfApprovalForbidden}
	ErrNotFound              = &Error{Code: CodeNotFound}
	ErrRecordVanished        = &Error{Code: CodeRecordVanished}
	ErrPushFailed            = &Error{Code: CodePushFailed}
	ErrCredentialMissing     = &Error{Code: CodeCredentialMissing}
)
