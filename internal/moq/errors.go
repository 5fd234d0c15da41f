package moq

import (
	"errors"
	"fmt"
)

// Sentinel errors for MoQ object stream parsing. These enable callers to
// programmatically distinguish failure modes using errors.Is.
var (
	ErrUnknownStreamType = errors.New("moq: unknown data stream type")
	ErrInvalidConfig     = errors.New("moq: invalid decoder configuration record")
	ErrInvalidNALULength = errors.New("moq: NALU length exceeds payload")
	ErrObjectTooLarge    = errors.New("moq: object field exceeds size limit")
)

// ParseError indicates a failure to parse a MoQ data stream field.
// It wraps the underlying I/O or format error and records which field
// was being parsed when the error occurred.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("moq: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
