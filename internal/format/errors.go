package format

import "errors"

var (
	// ErrBadMagic is returned when a header does not start with the expected magic.
	ErrBadMagic = errors.New("format: bad magic")
	// ErrBadVersion is returned for an unsupported layout version.
	ErrBadVersion = errors.New("format: unsupported layout version")
	// ErrChecksum is returned when a header checksum does not match.
	ErrChecksum = errors.New("format: checksum mismatch")
	// ErrLayout is returned when header fields are inconsistent with each other.
	ErrLayout = errors.New("format: inconsistent layout")
	// ErrShortBuffer is returned when a buffer is too small to hold a header.
	ErrShortBuffer = errors.New("format: short buffer")
	// ErrInvalidSize is returned when a blob or arena size cannot be laid out.
	ErrInvalidSize = errors.New("format: invalid size")
	// ErrInvalidClasses is returned for an unusable size-class table.
	ErrInvalidClasses = errors.New("format: invalid size-class table")
)
