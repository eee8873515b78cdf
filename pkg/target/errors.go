package target

import (
	"errors"
	"fmt"
)

var (
	// ErrProcessNotFound is returned when no live process matches the
	// requested pid or name predicate.
	ErrProcessNotFound = errors.New("no matching process found")

	// ErrPermissionDenied is returned when the operating system refuses
	// to let us trace the target.
	ErrPermissionDenied = errors.New("tracing permission denied")

	// ErrProtocol is returned when the attach/stop handshake with the
	// operating system does not complete as expected.
	ErrProtocol = errors.New("trace handshake did not complete")

	// ErrRegionNotFound is returned by Base when no memory mapping of the
	// target satisfies the base address policy.
	ErrRegionNotFound = errors.New("no suitable memory region found")

	// ErrInvalidData is returned when an OS metadata source (/proc files
	// and the like) cannot be parsed.
	ErrInvalidData = errors.New("malformed process metadata")

	// ErrProcessDetached is returned by operations on a Process that has
	// already been detached.
	ErrProcessDetached = errors.New("process has been detached")

	// ErrStreamActive is returned when an operation would create a second
	// access path to the target's memory while a Reader or Writer is open.
	ErrStreamActive = errors.New("a memory stream is already active on this process")
)

// MemoryError is returned when a read or write of target memory fails,
// e.g. because the address is not mapped.
type MemoryError struct {
	Op   string
	Addr uint64
	Err  error
}

func (e *MemoryError) Error() string {
	return fmt.Sprintf("could not %s word at %#x: %v", e.Op, e.Addr, e.Err)
}

func (e *MemoryError) Unwrap() error { return e.Err }

// AddressUnderflowError is returned when applying a negative offset whose
// magnitude exceeds the address it is applied to. Offsets never wrap.
type AddressUnderflowError struct {
	Addr   uint64
	Offset int64
}

func (e *AddressUnderflowError) Error() string {
	return fmt.Sprintf("offset %d underflows address %#x", e.Offset, e.Addr)
}

// BufferTooSmallError is returned by Reader.Read when the caller supplies
// less space than the reader's fixed window requires.
type BufferTooSmallError struct {
	Need int
	Have int
}

func (e *BufferTooSmallError) Error() string {
	return fmt.Sprintf("expected at least %d bytes of space, found %d", e.Need, e.Have)
}
