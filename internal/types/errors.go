package types

import (
	"errors"
	"fmt"
)

var (
	ErrDecode            = errors.New("image decode failed")
	ErrDatasetAlignment  = errors.New("sample pools are not aligned")
	ErrNonFiniteLoss     = errors.New("non-finite loss")
	ErrInvalidGallery    = errors.New("invalid gallery")
	ErrModelLoad         = errors.New("model load failed")
	ErrInvalidThreshold  = errors.New("threshold must be in (0,1)")
	ErrCheckpointMissing = errors.New("no checkpoint found")
)

// DecodeError reports an unreadable or malformed image.
type DecodeError struct {
	Ref string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Ref, e.Err)
}

func (e *DecodeError) Unwrap() []error { return []error{ErrDecode, e.Err} }

// DatasetAlignmentError reports pools that cannot be zipped by position.
type DatasetAlignmentError struct {
	Index  int // -1 when the problem is not tied to a position
	Reason string
}

func (e *DatasetAlignmentError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%v: %s", ErrDatasetAlignment, e.Reason)
	}
	return fmt.Sprintf("%v at index %d: %s", ErrDatasetAlignment, e.Index, e.Reason)
}

func (e *DatasetAlignmentError) Unwrap() error { return ErrDatasetAlignment }

// NonFiniteLossError aborts a training run. Batch is the zero-based index of
// the offending batch within the epoch.
type NonFiniteLossError struct {
	Epoch int
	Batch int
	Loss  float64
}

func (e *NonFiniteLossError) Error() string {
	return fmt.Sprintf("%v (%v) at epoch %d batch %d", ErrNonFiniteLoss, e.Loss, e.Epoch, e.Batch)
}

func (e *NonFiniteLossError) Unwrap() error { return ErrNonFiniteLoss }

// InvalidGalleryError is returned when a verification gallery cannot be used.
type InvalidGalleryError struct {
	Reason string
}

func (e *InvalidGalleryError) Error() string {
	return fmt.Sprintf("%v: %s", ErrInvalidGallery, e.Reason)
}

func (e *InvalidGalleryError) Unwrap() error { return ErrInvalidGallery }

// ModelLoadError is returned when a persisted bundle cannot be reconstructed.
type ModelLoadError struct {
	Reason string
	Err    error
}

func (e *ModelLoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", ErrModelLoad, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v: %s", ErrModelLoad, e.Reason)
}

func (e *ModelLoadError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrModelLoad, e.Err}
	}
	return []error{ErrModelLoad}
}
