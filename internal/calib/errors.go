package calib

import (
	"errors"
	"fmt"
)

var (
	ErrCalibrationRun = errors.New("calib: calibration run failed")
	ErrNotFinalized   = errors.New("calib: statistics not finalized")
	ErrEmptyCorpus    = errors.New("calib: corpus produced no batches")
	ErrInvalidState   = errors.New("calib: invalid state")
	ErrNoObservations = errors.New("calib: layer observed no activations")
	ErrSnapshot       = errors.New("calib: incompatible snapshot")
)

// CalibrationRunError is a fatal failure while driving the model. Batch is
// the zero-based index of the batch that was being processed.
type CalibrationRunError struct {
	Batch int
	Err   error
}

func (e *CalibrationRunError) Error() string {
	return fmt.Sprintf("calib: batch %d: %v", e.Batch, e.Err)
}

func (e *CalibrationRunError) Unwrap() []error {
	return []error{ErrCalibrationRun, e.Err}
}

type NotFinalizedError struct {
	State State
}

func (e *NotFinalizedError) Error() string {
	return fmt.Sprintf("calib: statistics not finalized (state %s)", e.State)
}

func (e *NotFinalizedError) Unwrap() error {
	return ErrNotFinalized
}

type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("calib: %s not allowed in state %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}
