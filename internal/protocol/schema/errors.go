package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrNotCompiled is returned by any codec operation made before the
	// schema was compiled.
	ErrNotCompiled = errors.New("schema: codec not compiled")
	ErrUnknownKind = errors.New("schema: unknown message kind")
)

// SchemaError reports a programming error: a message that violates the schema
// on encode, or a schema that does not compile.
type SchemaError struct {
	Kind   Kind
	Field  string
	Reason string
	Err    error
}

func (e *SchemaError) Error() string {
	msg := "schema"
	if e.Kind != "" {
		msg += ": kind=" + string(e.Kind)
	}
	if e.Field != "" {
		msg += " field=" + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

// DecodeError reports bytes that could not be parsed as the expected kind.
type DecodeError struct {
	Kind Kind
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("schema: decode kind=%s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsSchemaError reports whether err is, or wraps, a SchemaError or ErrNotCompiled.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se) || errors.Is(err, ErrNotCompiled)
}

// IsDecodeError reports whether err is, or wraps, a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
