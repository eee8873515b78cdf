// Package native provides the platform backends for pkg/target: a
// ptrace-based implementation on Linux and a handle-based implementation on
// Windows. Exactly one of them is compiled into a given build; the core
// only ever sees the target.Backend interface.
package native

import (
	"runtime"

	"github.com/memtap/memtap/pkg/target"
)

// nativeBackend holds what both platform implementations share: the pid and
// the channel pair used to serialize every trace call onto a single locked
// OS thread.
type nativeBackend struct {
	pid int

	os *osBackendDetails

	ptraceChan     chan func()
	ptraceDoneChan chan struct{}

	detached bool
}

// newBackend returns an initialized backend for pid. Before returning, it
// also launches a goroutine in order to handle ptrace(2) functions. For
// more information, see the documentation on `handlePtraceFuncs`.
func newBackend(pid int) *nativeBackend {
	b := &nativeBackend{
		pid:            pid,
		os:             new(osBackendDetails),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan struct{}),
	}
	go b.handlePtraceFuncs()
	return b
}

func (b *nativeBackend) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// the invocation of the ptrace(2) syscall. This is due to the fact
	// that ptrace(2) expects all commands after PTRACE_ATTACH to come
	// from the same thread.
	runtime.LockOSThread()

	for fn := range b.ptraceChan {
		fn()
		b.ptraceDoneChan <- struct{}{}
	}
}

func (b *nativeBackend) execPtraceFunc(fn func()) {
	b.ptraceChan <- fn
	<-b.ptraceDoneChan
}

func (b *nativeBackend) postDetach() {
	b.detached = true
	close(b.ptraceChan)
	close(b.ptraceDoneChan)
}

// Pid returns the process ID of the target.
func (b *nativeBackend) Pid() int {
	return b.pid
}

// Attach attaches to the process with the given pid and wraps it in a
// process controller. On success the target is left running; reads do not
// pause it, writes do.
func Attach(pid int) (*target.Process, error) {
	b := newBackend(pid)
	if err := b.attach(); err != nil {
		b.postDetach()
		return nil, err
	}
	p, err := target.New(b)
	if err != nil {
		_ = b.Detach(false)
		return nil, err
	}
	return p, nil
}
