// Package stage tags pipeline errors with the stage that produced them so an
// operator can tell a device problem from a sink problem at a glance.
package stage

import (
	"errors"
	"fmt"
)

// Stage names a step of the capture pipeline.
type Stage string

const (
	DeviceAcquisition Stage = "device_acquisition"
	FormatNegotiation Stage = "format_negotiation"
	BufferRetrieval   Stage = "buffer_retrieval"
	SinkWrite         Stage = "sink_write"
	Finalization      Stage = "finalization"
)

// Error wraps an underlying error with the stage it occurred in.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap returns err tagged with s. A nil err stays nil, and an error that
// already carries a stage keeps its original one.
func Wrap(s Stage, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Stage: s, Err: err}
}

// Of reports the stage carried by err, if any.
func Of(err error) (Stage, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
