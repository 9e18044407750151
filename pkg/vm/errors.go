package vm

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code identifies one VM signal. The first ten values match the result codes
// embedders of the C engine already know.
type Code int

const (
	CodeMethodNotFound   Code = -1
	CodeOutOfMemory      Code = -2
	CodeUnknownOpcode    Code = -3
	CodeClassNotFound    Code = -4
	CodeArrayOutOfBounds Code = -5
	CodeNotObjRef        Code = -6
	CodeSuperMissing     Code = -7
	CodeNullObjRef       Code = -8
	CodeNoCode           Code = -9
	CodeException        Code = -10
	CodeStackOverflow    Code = -11
	CodeTimeout          Code = -12
	CodeFrame            Code = -13
	CodeTypeMismatch     Code = -14
	CodeArithmetic       Code = -15
	CodeClassCast        Code = -16
	CodeBadConstant      Code = -17
	CodeFieldNotFound    Code = -18
)

var codeNames = map[Code]string{
	CodeMethodNotFound:   "method not found",
	CodeOutOfMemory:      "out of memory",
	CodeUnknownOpcode:    "unknown opcode",
	CodeClassNotFound:    "class not found",
	CodeArrayOutOfBounds: "array out of bounds",
	CodeNotObjRef:        "not an object reference",
	CodeSuperMissing:     "super class missing",
	CodeNullObjRef:       "null object reference",
	CodeNoCode:           "no code",
	CodeException:        "unhandled exception",
	CodeStackOverflow:    "stack overflow",
	CodeTimeout:          "timeout",
	CodeFrame:            "frame violation",
	CodeTypeMismatch:     "type mismatch",
	CodeArithmetic:       "arithmetic error",
	CodeClassCast:        "class cast",
	CodeBadConstant:      "bad constant",
	CodeFieldNotFound:    "field not found",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is a VM signal. Exception is set only for CodeException and names the
// thrown object.
type Error struct {
	Code      Code
	Detail    string
	Exception Handle
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Detail
}

// Is matches any *Error with the same code, so the sentinels below work with
// errors.Is regardless of detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrMethodNotFound   = &Error{Code: CodeMethodNotFound}
	ErrOutOfMemory      = &Error{Code: CodeOutOfMemory}
	ErrUnknownOpcode    = &Error{Code: CodeUnknownOpcode}
	ErrClassNotFound    = &Error{Code: CodeClassNotFound}
	ErrArrayOutOfBounds = &Error{Code: CodeArrayOutOfBounds}
	ErrNotObjRef        = &Error{Code: CodeNotObjRef}
	ErrSuperMissing     = &Error{Code: CodeSuperMissing}
	ErrNullObjRef       = &Error{Code: CodeNullObjRef}
	ErrNoCode           = &Error{Code: CodeNoCode}
	ErrException        = &Error{Code: CodeException}
	ErrStackOverflow    = &Error{Code: CodeStackOverflow}
	ErrTimeout          = &Error{Code: CodeTimeout}
	ErrFrame            = &Error{Code: CodeFrame}
	ErrTypeMismatch     = &Error{Code: CodeTypeMismatch}
	ErrArithmetic       = &Error{Code: CodeArithmetic}
	ErrClassCast        = &Error{Code: CodeClassCast}
	ErrBadConstant      = &Error{Code: CodeBadConstant}
	ErrFieldNotFound    = &Error{Code: CodeFieldNotFound}
)

func newError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// throw raises a signal inside the dispatch loop. It is recovered at the
// instruction boundary by step.
func throw(code Code, format string, args ...interface{}) {
	panic(newError(code, format, args...))
}

// CodeOf returns the signal carried by err, or 0 if err is not a VM signal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// ExceptionOf returns the thrown object carried by err, or 0.
func ExceptionOf(err error) Handle {
	var e *Error
	if errors.As(err, &e) && e.Code == CodeException {
		return e.Exception
	}
	return 0
}
