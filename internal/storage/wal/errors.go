package wal

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedWAL indicates a record that cannot be parsed.
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch indicates a record whose checksum does not match.
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrEmptyWAL is returned by GetLastEvent for an empty journal.
	ErrEmptyWAL = errors.New("wal: file is empty")

	// ErrWALClosed is returned by operations on a closed journal.
	ErrWALClosed = errors.New("wal: already closed")
)

// ChecksumError carries the failing record's details.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

// Is lets errors.Is(err, ErrChecksumMismatch) match.
func (e *ChecksumError) Is(target error) bool { return target == ErrChecksumMismatch }

// CorruptionError describes an unparsable record.
type CorruptionError struct {
	Seq    uint64 // last good sequence number
	Offset int64  // byte offset of the bad record
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record after seq=%d at offset %d: %v", e.Seq, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ErrCorruptedWAL) match.
func (e *CorruptionError) Is(target error) bool { return target == ErrCorruptedWAL }
