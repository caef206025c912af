package format

import (
	"fmt"
	"math/bits"
)

const (
	// HeaderSize is the size of the blob header region at address 0.
	HeaderSize = 32 << 10
	// ArenaHeaderSize is the size of the header at the start of every arena.
	ArenaHeaderSize = 32 << 10
	// DefaultArenaSize is the arena size used when none is configured.
	DefaultArenaSize = 16 << 20
	// MinArenaSize is the smallest supported arena size.
	MinArenaSize = 128 << 10
	// MaxClasses is the capacity of the size-class table in the blob header.
	MaxClasses = 32

	headerFixed = 192
	arenaFixed  = 64

	// MaxArenas is the largest directory that fits in the blob header.
	MaxArenas = HeaderSize - headerFixed
	// MaxUnits is the largest unit count an arena bitmap can track.
	MaxUnits = (ArenaHeaderSize - arenaFixed) * 8
)

// DefaultClasses is the default size-class table in bytes.
var DefaultClasses = []uint32{
	64, 96, 128, 192, 256, 384, 512, 768,
	1 << 10, 3 << 9, 2 << 10, 3 << 10, 4 << 10,
	8 << 10, 16 << 10, 32 << 10, 64 << 10,
	128 << 10, 256 << 10, 512 << 10, 1 << 20,
}

// ValidateArenaSize reports whether size can be used as an arena size.
func ValidateArenaSize(size uint64) error {
	if size < MinArenaSize || bits.OnesCount64(size) != 1 {
		return fmt.Errorf("%w: arena size %d must be a power of two >= %d", ErrInvalidSize, size, MinArenaSize)
	}
	return nil
}

// FitClasses returns the prefix of classes whose units fit an arena of
// arenaSize. classes must be ascending.
func FitClasses(classes []uint32, arenaSize uint64) []uint32 {
	n := 0
	for n < len(classes) && UnitsFor(classes[n], arenaSize) > 0 {
		n++
	}
	return append([]uint32(nil), classes[:n]...)
}

// ValidateClasses checks that classes is a usable table for arenas of arenaSize.
func ValidateClasses(classes []uint32, arenaSize uint64) error {
	if len(classes) == 0 || len(classes) > MaxClasses {
		return fmt.Errorf("%w: %d classes (want 1..%d)", ErrInvalidClasses, len(classes), MaxClasses)
	}
	for i, c := range classes {
		if c == 0 || c%8 != 0 {
			return fmt.Errorf("%w: class %d is not a multiple of 8", ErrInvalidClasses, c)
		}
		if i > 0 && c <= classes[i-1] {
			return fmt.Errorf("%w: classes must be strictly ascending", ErrInvalidClasses)
		}
		if UnitsFor(c, arenaSize) == 0 {
			return fmt.Errorf("%w: class %d does not fit an arena of %d bytes", ErrInvalidClasses, c, arenaSize)
		}
	}
	return nil
}

// ClassFor returns the index of the smallest class that fits size.
func ClassFor(classes []uint32, size uint64) (int, bool) {
	lo, hi := 0, len(classes)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if uint64(classes[mid]) < size {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == len(classes) {
		return 0, false
	}
	return lo, true
}

// UnitsFor returns how many units of the given size an arena holds.
func UnitsFor(unit uint32, arenaSize uint64) uint32 {
	if unit == 0 || arenaSize <= ArenaHeaderSize {
		return 0
	}
	n := (arenaSize - ArenaHeaderSize) / uint64(unit)
	if n > MaxUnits {
		n = MaxUnits
	}
	return uint32(n)
}
