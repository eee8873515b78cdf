package native

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/memtap/memtap/pkg/logflags"
	"github.com/memtap/memtap/pkg/target"
)

type osBackendDetails struct {
	hProcess windows.Handle
	name     string
}

// attach opens a process handle with the rights the backend needs: memory
// read/write, suspend/resume and name queries. Unlike the Linux side there
// is no debugger relationship; the handle is the attachment.
func (b *nativeBackend) attach() error {
	const access = windows.PROCESS_VM_READ |
		windows.PROCESS_VM_WRITE |
		windows.PROCESS_VM_OPERATION |
		windows.PROCESS_SUSPEND_RESUME |
		windows.PROCESS_QUERY_LIMITED_INFORMATION

	h, err := windows.OpenProcess(access, false, uint32(b.pid))
	if err != nil {
		switch err {
		case windows.ERROR_ACCESS_DENIED:
			return fmt.Errorf("open process %d: %w", b.pid, target.ErrPermissionDenied)
		case windows.ERROR_INVALID_PARAMETER:
			// OpenProcess reports a nonexistent pid as an invalid argument.
			return fmt.Errorf("open process %d: %w", b.pid, target.ErrProcessNotFound)
		}
		return fmt.Errorf("open process %d: %v: %w", b.pid, err, target.ErrProtocol)
	}
	b.os.hProcess = h
	name, err := b.Name()
	if err != nil {
		windows.CloseHandle(h)
		return err
	}
	logflags.BackendLogger().Debugf("attached to %s (pid %d)", name, b.pid)
	return nil
}

// Name returns the base name of the target's executable image.
func (b *nativeBackend) Name() (string, error) {
	if b.os.name != "" {
		return b.os.name, nil
	}
	var buf [windows.MAX_PATH + 1]uint16
	n := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(b.os.hProcess, 0, &buf[0], &n); err != nil {
		return "", fmt.Errorf("query image name of pid %d: %v: %w", b.pid, err, target.ErrProtocol)
	}
	b.os.name = filepath.Base(windows.UTF16ToString(buf[:n]))
	return b.os.name, nil
}

// Stop suspends every thread of the target and returns once the kernel has
// done so; NtSuspendProcess is synchronous.
func (b *nativeBackend) Stop() error {
	var err error
	b.execPtraceFunc(func() { err = _NtSuspendProcess(b.os.hProcess) })
	if err != nil {
		return fmt.Errorf("suspending pid %d: %v: %w", b.pid, err, target.ErrProtocol)
	}
	return nil
}

// Resume undoes one Stop.
func (b *nativeBackend) Resume() error {
	var err error
	b.execPtraceFunc(func() { err = _NtResumeProcess(b.os.hProcess) })
	if err != nil {
		return fmt.Errorf("resuming pid %d: %v: %w", b.pid, err, target.ErrProtocol)
	}
	return nil
}

// Detach resumes the target if the controller had suspended it and closes
// the process handle.
func (b *nativeBackend) Detach(resume bool) error {
	if resume {
		if err := b.Resume(); err != nil {
			return err
		}
	}
	if err := windows.CloseHandle(b.os.hProcess); err != nil {
		return fmt.Errorf("closing handle of pid %d: %v: %w", b.pid, err, target.ErrProtocol)
	}
	logflags.BackendLogger().Debugf("detached from pid %d", b.pid)
	b.postDetach()
	return nil
}

// ReadWord reads one native word. ReadProcessMemory works on a running
// process, so the target is never paused for reads.
func (b *nativeBackend) ReadWord(addr uint64) (uint64, error) {
	var (
		buf  [8]byte
		done uintptr
		err  error
	)
	b.execPtraceFunc(func() {
		err = windows.ReadProcessMemory(b.os.hProcess, uintptr(addr), &buf[0], uintptr(target.WordSize), &done)
	})
	if err != nil {
		return 0, &target.MemoryError{Op: "read", Addr: addr, Err: err}
	}
	if done != uintptr(target.WordSize) {
		return 0, &target.MemoryError{Op: "read", Addr: addr, Err: fmt.Errorf("short read: %d of %d bytes", done, target.WordSize)}
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteWord writes one native word. The caller has already suspended the
// target.
func (b *nativeBackend) WriteWord(addr uint64, word uint64) error {
	var (
		buf  [8]byte
		done uintptr
		err  error
	)
	binary.LittleEndian.PutUint64(buf[:], word)
	b.execPtraceFunc(func() {
		err = windows.WriteProcessMemory(b.os.hProcess, uintptr(addr), &buf[0], uintptr(target.WordSize), &done)
	})
	if err != nil {
		return &target.MemoryError{Op: "write", Addr: addr, Err: err}
	}
	if done != uintptr(target.WordSize) {
		return &target.MemoryError{Op: "write", Addr: addr, Err: fmt.Errorf("short write: %d of %d bytes", done, target.WordSize)}
	}
	return nil
}

// FirstWritableRegion walks the target's module list and returns the load
// address of the first module whose name contains nameHint. Module images
// always start with a writable header region, so the module base is the
// natural anchor for offset-relative access.
func (b *nativeBackend) FirstWritableRegion(nameHint string) (uint64, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, uint32(b.pid))
	if err != nil {
		return 0, fmt.Errorf("module snapshot of pid %d: %v: %w", b.pid, err, target.ErrProtocol)
	}
	defer windows.CloseHandle(snap)

	var entry windows.ModuleEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	for err = windows.Module32First(snap, &entry); err == nil; err = windows.Module32Next(snap, &entry) {
		mod := windows.UTF16ToString(entry.Module[:])
		if strings.Contains(mod, nameHint) {
			return uint64(entry.ModBaseAddr), nil
		}
	}
	return 0, fmt.Errorf("no module matching %q in pid %d: %w", nameHint, b.pid, target.ErrRegionNotFound)
}
