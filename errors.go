package admem

import (
	"errors"
	"fmt"

	"github.com/hupe1980/admem/catalog"
	"github.com/hupe1980/admem/internal/arena"
	"github.com/hupe1980/admem/internal/format"
)

var (
	// ErrAlreadyExists is returned by PrepareCreate for a name that is taken.
	ErrAlreadyExists = errors.New("blob already exists")
	// ErrNotFound is returned for a pending name or a store holding no blob.
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidSize is returned when a blob size cannot hold the layout.
	ErrInvalidSize = errors.New("invalid blob size")
	// ErrCorruptHeader is returned when persisted metadata fails validation.
	ErrCorruptHeader = errors.New("corrupt header")
	// ErrSizeMismatch is returned when the store or catalog disagree with the header size.
	ErrSizeMismatch = errors.New("size mismatch")
	// ErrUnknownAddress is returned by Free for an address that is not allocated.
	ErrUnknownAddress = errors.New("unknown address")
	// ErrStore wraps every failure reported by the store.
	ErrStore = errors.New("store error")
	// ErrProtocolMisuse is returned when a caller violates the handle, action, or
	// transaction protocol.
	ErrProtocolMisuse = errors.New("protocol misuse")
)

// CorruptHeaderError describes which persisted structure failed validation.
//
// The original underlying error can be accessed via errors.Unwrap.
type CorruptHeaderError struct {
	Arena uint32 // 0 for the blob header
	cause error
}

func (e *CorruptHeaderError) Error() string {
	if e.Arena == 0 {
		return fmt.Sprintf("corrupt blob header: %v", e.cause)
	}
	return fmt.Sprintf("corrupt header of arena %d: %v", e.Arena, e.cause)
}

func (e *CorruptHeaderError) Unwrap() error { return e.cause }

// Is reports ErrCorruptHeader as a match.
func (e *CorruptHeaderError) Is(target error) bool { return target == ErrCorruptHeader }

// SizeMismatchError reports the size recorded in the header and the size
// reported by the store or catalog.
type SizeMismatchError struct {
	Source   string
	Expected uint64
	Actual   uint64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch: header says %d bytes, %s reports %d", e.Expected, e.Source, e.Actual)
}

// Is reports ErrSizeMismatch as a match.
func (e *SizeMismatchError) Is(target error) bool { return target == ErrSizeMismatch }

func misuse(msg string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolMisuse, fmt.Sprintf(msg, args...))
}

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, catalog.ErrExists) {
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	}
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, format.ErrInvalidSize) || errors.Is(err, format.ErrInvalidClasses) {
		return fmt.Errorf("%w: %w", ErrInvalidSize, err)
	}
	if errors.Is(err, arena.ErrUnknownAddress) {
		return fmt.Errorf("%w: %w", ErrUnknownAddress, err)
	}
	if errors.Is(err, arena.ErrAlreadyFreeing) || errors.Is(err, arena.ErrNotReserved) {
		return fmt.Errorf("%w: %w", ErrProtocolMisuse, err)
	}

	return err
}
