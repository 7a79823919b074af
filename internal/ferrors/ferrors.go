// Package ferrors defines the failure taxonomy for feed runs and the central
// classifier applied at orchestrator finalize.
package ferrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind decides the queue policy for a failed run.
type Kind string

const (
	// KindTransient errors are retried per the queue's attempt policy.
	KindTransient Kind = "TRANSIENT"
	// KindPermanent errors discard the job and mark the run FAILED.
	KindPermanent Kind = "PERMANENT"
	// KindConfig errors discard the job and surface to the operator.
	KindConfig Kind = "CONFIG"
)

// Well-known failure codes carried on FeedRun records.
const (
	CodeFetchFailed       = "FETCH_FAILED"
	CodeParseFailed       = "PARSE_FAILED"
	CodeTooManyRows       = "TOO_MANY_ROWS"
	CodeFileTooLarge      = "FILE_TOO_LARGE"
	CodeValidationFailure = "VALIDATION_FAILURE"
	CodeUpsertFailure     = "UPSERT_FAILURE"
	CodeDatabaseError     = "DATABASE_ERROR"
	CodeAuthFailed        = "AUTH_FAILED"
	CodeBadConfig         = "BAD_CONFIG"
	CodeUnknown           = "UNKNOWN"
)

// Error is a classified feed error. Internal helpers may return plain errors;
// classification is applied once at the worker boundary.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the queue should retry the job.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// New builds a classified error with an explicit kind and code.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches a kind and code to an underlying error.
func Wrap(kind Kind, code string, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Code: code, Message: msg, cause: cause}
}

// Permanent is shorthand for a non-retryable error.
func Permanent(code, message string) *Error { return New(KindPermanent, code, message) }

// Config is shorthand for an operator-facing configuration error.
func Config(code, message string) *Error { return New(KindConfig, code, message) }

// transientNetCodes are OS-level network error strings that mean "try again".
var transientNetCodes = []string{
	"ECONNRESET", "ETIMEDOUT", "EPIPE", "ECONNREFUSED", "EAI_AGAIN", "ENOTFOUND",
	"connection reset", "broken pipe", "connection refused", "i/o timeout",
	"no route to host",
}

// Classify maps an arbitrary error onto the taxonomy. Already-classified
// errors pass through unchanged. Unknown errors default to TRANSIENT: retrying
// a genuinely broken feed is cheaper than dropping a recoverable one.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	msg := strings.ToLower(err.Error())

	for _, code := range transientNetCodes {
		if strings.Contains(msg, strings.ToLower(code)) {
			return Wrap(KindTransient, CodeFetchFailed, err)
		}
	}

	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "authentication") || strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "login incorrect"):
		return Wrap(KindConfig, CodeAuthFailed, err)
	case strings.Contains(msg, "404") || strings.Contains(msg, "no such file") ||
		strings.Contains(msg, "not found") || strings.Contains(msg, "file does not exist"):
		return Wrap(KindPermanent, CodeFetchFailed, err)
	case strings.Contains(msg, "408") || strings.Contains(msg, "429") || strings.Contains(msg, "timeout"):
		return Wrap(KindTransient, CodeFetchFailed, err)
	case strings.Contains(msg, "parse") || strings.Contains(msg, "invalid") || strings.Contains(msg, "format"):
		return Wrap(KindPermanent, CodeParseFailed, err)
	}

	return Wrap(KindTransient, CodeUnknown, err)
}
