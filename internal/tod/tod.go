// Package tod reads the big-endian integers and mainframe TOD clock
// values found in trace records.
//
// A TOD (STCK) value counts 2^-12 microseconds in its low bits, so
// dividing by 4,096,000 yields milliseconds.  Clock zero is taken as
// 1900-01-01 00:00:00 UTC.
package tod

import (
	"encoding/binary"
	"fmt"
	"time"
)

// TicksPerMilli is the number of clock units in one millisecond.
const TicksPerMilli = 4096000

var (
	// Epoch is the calendar time of clock value zero.
	Epoch = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)

	unixEpoch = time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)
)

// ShortBufferError reports a read past the end of a buffer.
type ShortBufferError struct {
	Offset int
	Width  int
	Len    int
}

func (e *ShortBufferError) Error() string {
	return fmt.Sprintf("read of %d bytes at offset %d exceeds buffer of %d", e.Width, e.Offset, e.Len)
}

func check(b []byte, off, width int) error {
	if off < 0 || off+width > len(b) {
		return &ShortBufferError{Offset: off, Width: width, Len: len(b)}
	}
	return nil
}

// Uint16 returns the big-endian uint16 at off.
func Uint16(b []byte, off int) (uint16, error) {
	if err := check(b, off, 2); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[off:]), nil
}

// Uint32 returns the big-endian uint32 at off.
func Uint32(b []byte, off int) (uint32, error) {
	if err := check(b, off, 4); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[off:]), nil
}

// Uint64 returns the big-endian uint64 at off.
func Uint64(b []byte, off int) (uint64, error) {
	if err := check(b, off, 8); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[off:]), nil
}

// Time converts a raw clock value to UTC, truncated to whole
// milliseconds.
func Time(clock uint64) time.Time {
	ms := clock / TicksPerMilli
	return Epoch.Add(time.Duration(ms) * time.Millisecond)
}

// TimeAt reads the 8-byte clock at off and converts it with [Time].
func TimeAt(b []byte, off int) (time.Time, uint64, error) {
	clock, err := Uint64(b, off)
	if err != nil {
		return time.Time{}, 0, err
	}
	return Time(clock), clock, nil
}

// UnixStamp splits t into whole seconds and a microsecond remainder
// relative to the Unix epoch.  The microsecond part only carries
// millisecond precision.  Times at or before the epoch yield zeros.
func UnixStamp(t time.Time) (sec, usec uint32) {
	span := t.Sub(unixEpoch)
	if span <= 0 {
		return 0, 0
	}
	sec = uint32(span / time.Second)
	usec = uint32((span%time.Second)/time.Millisecond) * 1000
	return sec, usec
}
