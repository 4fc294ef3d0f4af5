// Package vmerr defines the failure taxonomy shared by isolates, transfers
// and references.
//
// Every error returned across a package boundary is either one of the
// sentinel values below or one of the typed errors, so callers can branch
// with errors.Is and errors.As without parsing messages.
package vmerr

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/dop251/goja"
)

var (
	// ErrReferenceInvalid is returned when an isolate, or a handle into it,
	// is used after the isolate was disposed.
	ErrReferenceInvalid = errors.New("isolate is disposed or disposing")

	// ErrMemoryLimitExceeded is returned when an isolate breached its heap
	// ceiling and was terminated.
	ErrMemoryLimitExceeded = errors.New("isolate was disposed during execution due to memory limit")

	// ErrEngineFatal marks an isolate lost to an unrecoverable engine failure.
	ErrEngineFatal = errors.New("isolate was lost to a fatal engine error")

	// ErrTransfer is the root of every TransferError.
	ErrTransfer = errors.New("value could not be transferred")

	// ErrTimeout is returned when a run deadline fired.
	ErrTimeout = errors.New("Script execution timed out.")

	// ErrInterrupted is returned by a script preempted by an urgent interrupt.
	ErrInterrupted = errors.New("script execution was interrupted")

	// ErrRootIsolate is returned when an operation is not allowed on the root.
	ErrRootIsolate = errors.New("operation is not permitted on the root isolate")
)

// CompileError reports malformed source.
type CompileError struct {
	File    string
	Line    int
	Column  int
	Message string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("SyntaxError: %s [%s:%d:%d]", e.Message, fileName(e.File), e.Line, e.Column)
}

// RuntimeError is an uncaught exception raised by script code.
type RuntimeError struct {
	Name    string
	Message string
	Stack   string
	File    string
	Line    int
	Column  int
}

func (e *RuntimeError) Error() string {
	msg := e.Message
	if e.Name != "" {
		msg = e.Name + ": " + msg
	}
	if e.Line > 0 {
		msg = fmt.Sprintf("%s [%s:%d:%d]", msg, fileName(e.File), e.Line, e.Column)
	}
	return msg
}

// TransferError reports a value that could not cross an isolate boundary.
// Kind names the offending value, for example "function" or "symbol".
type TransferError struct {
	Kind   string
	Reason string
	cause  error
}

// NewTransferError creates a TransferError, optionally wrapping a cause.
func NewTransferError(kind, reason string, cause error) *TransferError {
	return &TransferError{Kind: kind, Reason: reason, cause: cause}
}

func (e *TransferError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s could not be cloned", e.Kind)
	}
	return fmt.Sprintf("%s could not be cloned: %s", e.Kind, e.Reason)
}

// Is reports ErrTransfer as a match for every TransferError.
func (e *TransferError) Is(target error) bool {
	return target == ErrTransfer
}

func (e *TransferError) Unwrap() error {
	return e.cause
}

var (
	parserPosition = regexp.MustCompile(`^(.*): Line (\d+):(\d+) (.*)$`)
	framePosition  = regexp.MustCompile(`at (?:[^()]* \()?([^():]*):(\d+):(\d+)\(\d+\)`)
)

// FromEngine converts an error produced by goja into the taxonomy. Errors that
// already belong to it pass through unchanged.
func FromEngine(err error) error {
	if err == nil {
		return nil
	}

	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return compileError(syntax)
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return cause
		}
		return fmt.Errorf("%w: %v", ErrInterrupted, interrupted.Value())
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return runtimeError(exception)
	}

	return err
}

func compileError(syntax *goja.CompilerSyntaxError) *CompileError {
	out := &CompileError{Message: syntax.Message}
	if syntax.File != nil {
		pos := syntax.File.Position(syntax.Offset)
		out.File, out.Line, out.Column = pos.Filename, pos.Line, pos.Column
	}
	if m := parserPosition.FindStringSubmatch(syntax.Message); m != nil {
		out.File = m[1]
		out.Line, _ = strconv.Atoi(m[2])
		out.Column, _ = strconv.Atoi(m[3])
		out.Message = m[4]
	}
	return out
}

func runtimeError(ex *goja.Exception) *RuntimeError {
	out := FromValue(ex.Value())
	if ex.Value() == nil {
		out.Message = ex.Error()
	}
	if m := framePosition.FindStringSubmatch(ex.Error()); m != nil {
		out.File = m[1]
		out.Line, _ = strconv.Atoi(m[2])
		out.Column, _ = strconv.Atoi(m[3])
	}
	return out
}

// FromValue builds a RuntimeError from a thrown or rejected script value.
func FromValue(v goja.Value) *RuntimeError {
	out := &RuntimeError{}
	switch val := v.(type) {
	case *goja.Object:
		if val.ClassName() == "Error" {
			out.Name = stringOf(val.Get("name"))
			out.Message = stringOf(val.Get("message"))
			out.Stack = stringOf(val.Get("stack"))
		} else {
			out.Message = val.String()
		}
	case nil:
	default:
		out.Message = val.String()
	}
	return out
}

func stringOf(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func fileName(name string) string {
	if name == "" {
		return "<isolated-vm>"
	}
	return name
}

// Kind classifies an error for metrics labels and log fields.
func Kind(err error) string {
	var (
		compile  *CompileError
		runtime  *RuntimeError
		transfer *TransferError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMemoryLimitExceeded):
		return "memory_limit"
	case errors.As(err, &transfer):
		return "transfer"
	case errors.Is(err, ErrReferenceInvalid):
		return "reference_invalid"
	case errors.Is(err, ErrEngineFatal):
		return "fatal"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrInterrupted):
		return "interrupted"
	case errors.As(err, &compile):
		return "compile"
	case errors.As(err, &runtime):
		return "runtime"
	default:
		return "other"
	}
}
