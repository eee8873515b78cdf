// Package target implements the core of memtap: a controller for a single
// attached process exposing word-granular memory access, offset-relative
// addressing against a cached base address, pointer chain resolution and
// byte-granular stream readers/writers built on top of the word primitives.
//
// The package never touches platform primitives directly; it drives a
// Backend, of which exactly one implementation is selected at build time
// (see pkg/target/native).
package target

import (
	"runtime"

	"github.com/memtap/memtap/pkg/logflags"
)

// Backend is the capability set a platform must provide to control one
// attached process. All methods block until the underlying OS call
// completes; no timeouts are modeled.
type Backend interface {
	// Pid returns the OS identifier of the attached process.
	Pid() int
	// Name returns the display name of the attached process.
	Name() (string, error)
	// FirstWritableRegion returns the start address of the first
	// read-write memory mapping of the target whose backing name matches
	// nameHint.
	FirstWritableRegion(nameHint string) (uint64, error)
	// Stop sends a pause signal to the target and waits for the target to
	// acknowledge the pause.
	Stop() error
	// Resume lets a paused target run again.
	Resume() error
	// Detach releases the OS-level attachment. If resume is set the
	// target is resumed first.
	Detach(resume bool) error
	// ReadWord reads the native word at an absolute address.
	ReadWord(addr uint64) (uint64, error)
	// WriteWord writes a native word at an absolute address. The target
	// must already be paused.
	WriteWord(addr uint64, word uint64) error
}

// Process is an attached target process.
//
// A Process is created by the platform package (native.Attach, native.Find)
// and released by Detach. A Process that goes out of scope without Detach is
// released automatically with the same resume-then-release sequence; if that
// automatic release fails the program aborts, since a stopped, untracked
// target would otherwise be leaked.
//
// Writing memory pauses the target and never resumes it automatically; use
// Continue or Detach. Reading does not pause the target, so reads of a
// running target may race with the target's own writes.
type Process struct {
	backend Backend
	name    string

	// stopped is true iff a pause signal was sent without a matching
	// resume. It is the sole source of truth for whether release must
	// resume the target.
	stopped bool

	base       uint64
	hasBase    bool
	streamOpen bool
	released   bool
}

// New wraps a backend into a Process, capturing the target's display name.
// The name is read exactly once; it is used for reporting and as the hint
// for the base address search.
func New(backend Backend) (*Process, error) {
	name, err := backend.Name()
	if err != nil {
		return nil, err
	}
	p := &Process{backend: backend, name: name}
	runtime.SetFinalizer(p, finalizeProcess)
	return p, nil
}

func finalizeProcess(p *Process) {
	if p.released {
		return
	}
	if err := p.release(); err != nil {
		logflags.TargetLogger().Errorf("automatic release of process %d failed: %v", p.backend.Pid(), err)
		panic("memtap: failed to detach from abandoned process " + p.name)
	}
}

// Pid returns the pid of the attached process.
func (p *Process) Pid() int { return p.backend.Pid() }

// Name returns the display name of the attached process, captured at attach
// time.
func (p *Process) Name() string { return p.name }

// Stopped reports whether the target is currently paused by this Process.
func (p *Process) Stopped() bool { return p.stopped }

// Stop pauses the target and blocks until the pause is acknowledged.
// It is idempotent: a second Stop without an intervening Continue sends no
// signal.
func (p *Process) Stop() error {
	if p.released {
		return ErrProcessDetached
	}
	if p.stopped {
		return nil
	}
	if err := p.backend.Stop(); err != nil {
		return err
	}
	p.stopped = true
	return nil
}

// Continue resumes the target. Calling Continue on a target that is not
// stopped is a no-op; no signal is sent. Continue is never called
// automatically except during release.
func (p *Process) Continue() error {
	if p.released {
		return ErrProcessDetached
	}
	if !p.stopped {
		return nil
	}
	if err := p.backend.Resume(); err != nil {
		return err
	}
	p.stopped = false
	return nil
}

// Detach resumes the target if it is stopped, then releases the OS-level
// attachment. This consumes the Process: every later operation returns
// ErrProcessDetached. Detach is the only sanctioned way to cleanly release
// a Process.
func (p *Process) Detach() error {
	if p.released {
		return ErrProcessDetached
	}
	if p.streamOpen {
		return ErrStreamActive
	}
	runtime.SetFinalizer(p, nil)
	return p.release()
}

func (p *Process) release() error {
	p.released = true
	return p.backend.Detach(p.stopped)
}

// Base returns the base address of the target.
//
// The address is resolved once and cached for the lifetime of the Process,
// even if the target's memory map changes afterwards; re-attach to get a
// fresh mapping. The policy is fixed: the first read-write mapping whose
// backing name matches the process's own name.
func (p *Process) Base() (uint64, error) {
	if p.released {
		return 0, ErrProcessDetached
	}
	if p.hasBase {
		return p.base, nil
	}
	base, err := p.backend.FirstWritableRegion(p.name)
	if err != nil {
		return 0, err
	}
	logflags.TargetLogger().Debugf("resolved base address of %s (pid %d) to %#x", p.name, p.Pid(), base)
	p.base = base
	p.hasBase = true
	return base, nil
}

// ReadWord reads the native word at an absolute address. The target is not
// paused; pause it yourself if you need a consistent view.
func (p *Process) ReadWord(addr uint64) (uint64, error) {
	if err := p.memOK(); err != nil {
		return 0, err
	}
	return p.readWord(addr)
}

// WriteWord writes a native word at an absolute address. The target is
// paused first and left paused.
func (p *Process) WriteWord(addr uint64, word uint64) error {
	if err := p.memOK(); err != nil {
		return err
	}
	return p.writeWord(addr, word)
}

// ReadWordOffset is ReadWord at base + offset, resolving the base address
// on first use.
func (p *Process) ReadWordOffset(offset int64) (uint64, error) {
	if err := p.memOK(); err != nil {
		return 0, err
	}
	addr, err := p.offsetAddr(offset)
	if err != nil {
		return 0, err
	}
	return p.readWord(addr)
}

// WriteWordOffset is WriteWord at base + offset, resolving the base address
// on first use.
func (p *Process) WriteWordOffset(offset int64, word uint64) error {
	if err := p.memOK(); err != nil {
		return err
	}
	addr, err := p.offsetAddr(offset)
	if err != nil {
		return err
	}
	return p.writeWord(addr, word)
}

// PointerChain resolves a chain of pointer offsets: starting at addr, each
// step reads the word at the current address, reinterprets it as an address
// and adds the next signed offset. The final address (not its contents) is
// returned. An empty chain returns addr unchanged. Offsets never wrap: a
// negative offset larger in magnitude than the current address fails with
// AddressUnderflowError.
func (p *Process) PointerChain(addr uint64, offsets []int64) (uint64, error) {
	if err := p.memOK(); err != nil {
		return 0, err
	}
	for _, offset := range offsets {
		word, err := p.readWord(addr)
		if err != nil {
			return 0, err
		}
		addr, err = applyOffset(word, offset)
		if err != nil {
			return 0, err
		}
	}
	return addr, nil
}

// memOK guards the memory access paths: the Process must still be attached
// and must not have an open stream.
func (p *Process) memOK() error {
	if p.released {
		return ErrProcessDetached
	}
	if p.streamOpen {
		return ErrStreamActive
	}
	return nil
}

func (p *Process) offsetAddr(offset int64) (uint64, error) {
	base, err := p.Base()
	if err != nil {
		return 0, err
	}
	return applyOffset(base, offset)
}

// readWord and writeWord are the unguarded primitives shared with the
// streams, which hold the exclusive borrow themselves.

func (p *Process) readWord(addr uint64) (uint64, error) {
	return p.backend.ReadWord(addr)
}

func (p *Process) writeWord(addr uint64, word uint64) error {
	if err := p.stopForWrite(); err != nil {
		return err
	}
	return p.backend.WriteWord(addr, word)
}

func (p *Process) stopForWrite() error {
	if p.stopped {
		return nil
	}
	if err := p.backend.Stop(); err != nil {
		return err
	}
	p.stopped = true
	return nil
}
