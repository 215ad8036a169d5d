// Package toolerrors provides structured error classification for codebase tools.
package toolerrors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Kind categorizes a tool failure. Only KindTransient is retried.
type Kind int8

const (
	// KindPathViolation means a path resolved outside the project root.
	KindPathViolation Kind = iota
	KindNotFound
	KindNotADirectory
	KindIsADirectory
	KindPermissionDenied
	// KindInvalidPattern covers bad regular expressions and bad globs.
	KindInvalidPattern
	KindInvalidArgument
	KindUnsupportedFileType
	// KindSyntaxError means a source file could not be parsed. Line and Column are 1-based.
	KindSyntaxError
	// KindInvalidToolCall means the model's arguments did not match the tool schema.
	KindInvalidToolCall
	// KindTransient covers timeouts and filesystem contention.
	KindTransient
	KindInternal
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindPathViolation:
		return "path_violation"
	case KindNotFound:
		return "not_found"
	case KindNotADirectory:
		return "not_a_directory"
	case KindIsADirectory:
		return "is_a_directory"
	case KindPermissionDenied:
		return "permission_denied"
	case KindInvalidPattern:
		return "invalid_pattern"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindUnsupportedFileType:
		return "unsupported_file_type"
	case KindSyntaxError:
		return "syntax_error"
	case KindInvalidToolCall:
		return "invalid_tool_call"
	case KindTransient:
		return "transient"
	case KindInternal:
		return "internal"
	default:
		return "invalid"
	}
}

// Error is a classified tool failure.
type Error struct {
	Err       error  // Underlying cause, if any
	Op        string // Operation, e.g. "read_file"
	Path      string // Sandbox-relative path when known
	Message   string
	Line      int // 1-based, syntax errors only
	Column    int // 1-based, syntax errors only
	Kind      Kind
	Exhausted bool // Retries were exhausted on a transient failure
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	prefix := e.Kind.String()
	if e.Op != "" {
		prefix = e.Op + ": " + prefix
	}
	if e.Path != "" {
		return fmt.Sprintf("%s (%s): %s", prefix, e.Path, msg)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, op, path, message string) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind.
func Wrap(kind Kind, op, path string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: cause}
}

// WithOp returns err with its Op set when it is a classified error without one.
func WithOp(err error, op string) error {
	var te *Error
	if errors.As(err, &te) && te.Op == "" {
		clone := *te
		clone.Op = op
		return &clone
	}
	return err
}

// KindOf returns the kind of err, or KindInternal if it is not classified.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// Is reports whether err is a classified error of the given kind.
func Is(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == KindTransient && !te.Exhausted
	}
	return false
}

// FromOS classifies an error returned by the os or io/fs packages. Already
// classified errors are returned unchanged.
func FromOS(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}

	kind := KindInternal
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = KindNotFound
	case errors.Is(err, fs.ErrPermission):
		kind = KindPermissionDenied
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.EAGAIN),
		errors.Is(err, syscall.EBUSY),
		errors.Is(err, syscall.EINTR),
		errors.Is(err, syscall.ETIMEDOUT):
		kind = KindTransient
	case errors.Is(err, syscall.ENOTDIR):
		kind = KindNotADirectory
	case errors.Is(err, syscall.EISDIR):
		kind = KindIsADirectory
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Payload is the JSON shape returned to the model for a failed tool call.
type Payload struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Path      string `json:"path,omitempty"`
	Line      int    `json:"line,omitempty"`
	Column    int    `json:"column,omitempty"`
	Exhausted bool   `json:"retries_exhausted,omitempty"`
}

// ToPayload converts err into its model-facing form.
func ToPayload(err error) Payload {
	var te *Error
	if !errors.As(err, &te) {
		return Payload{Kind: KindInternal.String(), Message: err.Error()}
	}
	msg := te.Message
	if msg == "" && te.Err != nil {
		msg = te.Err.Error()
	}
	return Payload{
		Kind:      te.Kind.String(),
		Message:   msg,
		Path:      te.Path,
		Line:      te.Line,
		Column:    te.Column,
		Exhausted: te.Exhausted,
	}
}
