package programmer

import (
	"errors"
	"fmt"
)

// Error kinds. Backend errors match one of these with errors.Is where
// applicable.
var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrVersionUnsupported = errors.New("unsupported bootloader version")
	ErrTransport          = errors.New("transport error")
	ErrShortRead          = errors.New("short read")
	ErrInvalidResetVector = errors.New("reset vector does not contain a branch instruction")
	ErrSizeExceeded       = errors.New("size exceeded")
	ErrUnsupported        = errors.New("operation not supported")
	ErrConfigInvalid      = errors.New("invalid configuration")

	// ErrExit asks the caller to stop without reporting a failure, e.g.
	// after printing extended parameter help.
	ErrExit = errors.New("exit requested")
)

// OpError records the phase of a backend operation that failed.
type OpError struct {
	Backend string
	Op      string
	Err     error
}

func (e *OpError) Error() string {
	return e.Backend + ": " + e.Op + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// DeviceNotFoundError indicates that no matching device was found.
type DeviceNotFoundError struct {
	VendorID  uint16
	ProductID uint16
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("cannot find device (%04X:%04X)", e.VendorID, e.ProductID)
}

func (e *DeviceNotFoundError) Is(target error) bool {
	return target == ErrDeviceNotFound
}

// VersionError indicates a bootloader newer than the backend understands.
type VersionError struct {
	Major, Minor uint8
	MaxMajor     uint8
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("unsupported bootloader version V%d.%d (max V%d)", e.Major, e.Minor, e.MaxMajor)
}

func (e *VersionError) Is(target error) bool {
	return target == ErrVersionUnsupported
}

// TransportError wraps a failure reported by the USB transport.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// ShortReadError indicates a response shorter than the protocol requires.
type ShortReadError struct {
	Got  int
	Want int
}

func (e *ShortReadError) Error() string {
	return fmt.Sprintf("received invalid block size: %d, want %d", e.Got, e.Want)
}

func (e *ShortReadError) Is(target error) bool {
	return target == ErrShortRead
}

// ResetVectorError indicates that the first program word is not a branch.
type ResetVectorError struct {
	Word uint16
}

func (e *ResetVectorError) Error() string {
	return fmt.Sprintf("reset vector of the user program does not contain a branch instruction (0x%04X)", e.Word)
}

func (e *ResetVectorError) Is(target error) bool {
	return target == ErrInvalidResetVector
}

// SizeError indicates a request outside the page or flash bounds.
type SizeError struct {
	What  string
	Size  uint64
	Limit uint64
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("%s %d exceeds %d", e.What, e.Size, e.Limit)
}

func (e *SizeError) Is(target error) bool {
	return target == ErrSizeExceeded
}

// ConfigError indicates an invalid port or extended parameter.
type ConfigError struct {
	Param  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Param, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfigInvalid
}
