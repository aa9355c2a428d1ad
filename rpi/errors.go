package rpi

import (
	"errors"
	"fmt"
)

var (
	ErrMap              = errors.New("couldn't map register window")
	ErrInvalidPin       = errors.New("invalid GPIO pin")
	ErrUnknownPin       = errors.New("pin is not available as a clock source")
	ErrReservedPin      = errors.New("clock source is reserved by the system")
	ErrInvalidParameter = errors.New("invalid clock parameter")
	ErrAlreadyRunning   = errors.New("clock already running")
	ErrStuckClock       = errors.New("clock didn't stop")
	ErrClosed           = errors.New("register window closed")
)

// MapError is returned when a physical range can't be mapped into our address space.
type MapError struct {
	Phys uintptr
	Size int
	Err  error
}

func (e *MapError) Error() string {
	return fmt.Sprintf("couldn't map %d bytes at %08X: %v", e.Size, e.Phys, e.Err)
}

func (e *MapError) Unwrap() error {
	return e.Err
}

func (e *MapError) Is(target error) bool {
	return target == ErrMap
}

// PinError ties one of the pin sentinels to the pin that caused it.
type PinError struct {
	Pin int
	Err error
}

func (e *PinError) Error() string {
	return fmt.Sprintf("GPIO %d: %v", e.Pin, e.Err)
}

func (e *PinError) Unwrap() error {
	return e.Err
}

// ParamError reports the first out-of-range clock parameter.
type ParamError struct {
	Param string
	Value int
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("%v: %s value (%d) incorrect", ErrInvalidParameter, e.Param, e.Value)
}

func (e *ParamError) Is(target error) bool {
	return target == ErrInvalidParameter
}
