package native

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/memtap/memtap/pkg/logflags"
	"github.com/memtap/memtap/pkg/target"
)

// Process statuses
const (
	statusSleeping  = 'S'
	statusRunning   = 'R'
	statusTraceStop = 't'
	statusZombie    = 'Z'

	// 'T' is trace-stop on 2.6 kernels and job-control stop on 3.x+.
	statusStopped = 'T'
)

type osBackendDetails struct {
	comm string
}

// attach performs PTRACE_ATTACH, waits for the attach stop and lets the
// target run again. From here on the controller tracks the stop state
// itself; a freshly attached target is running.
func (b *nativeBackend) attach() error {
	var err error
	b.execPtraceFunc(func() { err = ptraceAttach(b.pid) })
	if err != nil {
		return attachErr(b.pid, err)
	}
	_, status, err := b.wait(0)
	if err != nil {
		return fmt.Errorf("waiting for attach stop of pid %d: %v: %w", b.pid, err, target.ErrProtocol)
	}
	if !status.Stopped() {
		return fmt.Errorf("pid %d did not enter attach stop: %w", b.pid, target.ErrProtocol)
	}
	comm, err := processComm(b.pid)
	if err != nil {
		return err
	}
	b.os.comm = comm
	b.execPtraceFunc(func() { err = ptraceCont(b.pid, 0) })
	if err != nil {
		return fmt.Errorf("resuming pid %d after attach: %v: %w", b.pid, err, target.ErrProtocol)
	}
	logflags.BackendLogger().Debugf("attached to %s (pid %d)", comm, b.pid)
	return nil
}

func attachErr(pid int, err error) error {
	switch err {
	case sys.ESRCH:
		return fmt.Errorf("attach to pid %d: %w", pid, target.ErrProcessNotFound)
	case sys.EPERM, sys.EACCES:
		return fmt.Errorf("attach to pid %d (check ptrace_scope): %w", pid, target.ErrPermissionDenied)
	}
	return fmt.Errorf("attach to pid %d: %v: %w", pid, err, target.ErrProtocol)
}

// Name returns the command name of the target as reported by the kernel.
func (b *nativeBackend) Name() (string, error) {
	if b.os.comm != "" {
		return b.os.comm, nil
	}
	comm, err := processComm(b.pid)
	if err != nil {
		return "", err
	}
	b.os.comm = comm
	return comm, nil
}

// processComm reads /proc/pid/comm, falling back to the second field of
// /proc/pid/stat on kernels too old to have comm.
func processComm(pid int) (string, error) {
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err == nil {
		return strings.TrimSpace(string(comm)), nil
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("pid %d: %w", pid, target.ErrProcessNotFound)
		}
		return "", fmt.Errorf("could not read proc stat: %v", err)
	}
	expr := fmt.Sprintf("%d\\s*\\((.*)\\)", pid)
	rexp, err := regexp.Compile(expr)
	if err != nil {
		return "", fmt.Errorf("regexp compile error: %v", err)
	}
	match := rexp.FindSubmatch(stat)
	if match == nil {
		return "", fmt.Errorf("no match found using regexp '%s' in /proc/%d/stat", expr, pid)
	}
	return string(match[1]), nil
}

// Stop delivers SIGSTOP and waits until the target enters the corresponding
// group-stop. Other signals that stop the target first are re-injected and
// the wait continues.
func (b *nativeBackend) Stop() error {
	if err := sys.Kill(b.pid, sys.SIGSTOP); err != nil {
		return fmt.Errorf("could not deliver stop signal to pid %d: %v: %w", b.pid, err, target.ErrProtocol)
	}
	for {
		_, status, err := b.wait(0)
		if err != nil {
			return fmt.Errorf("waiting for stop of pid %d: %v: %w", b.pid, err, target.ErrProtocol)
		}
		if status.Exited() || status.Signaled() {
			return fmt.Errorf("pid %d exited while stopping: %w", b.pid, target.ErrProtocol)
		}
		if status.Stopped() && status.StopSignal() == sys.SIGSTOP {
			return nil
		}
		// Signal-delivery-stop for some other signal; hand the signal to
		// the target and keep waiting for ours.
		sig := status.StopSignal()
		b.execPtraceFunc(func() { err = ptraceCont(b.pid, int(sig)) })
		if err != nil {
			return fmt.Errorf("re-injecting signal %d into pid %d: %v: %w", sig, b.pid, err, target.ErrProtocol)
		}
	}
}

// Resume lets a stopped target run again.
func (b *nativeBackend) Resume() error {
	var err error
	b.execPtraceFunc(func() { err = ptraceCont(b.pid, 0) })
	if err != nil {
		return fmt.Errorf("resuming pid %d: %v: %w", b.pid, err, target.ErrProtocol)
	}
	return nil
}

// Detach releases the ptrace attachment and leaves the target running.
// PTRACE_DETACH requires the tracee to be in a ptrace-stop, so a running
// target is stopped first. The group-stop can survive the detach, so a
// target still lingering in stopped state shortly afterwards is kicked
// with SIGCONT.
func (b *nativeBackend) Detach(resume bool) error {
	if !resume {
		// The controller did not stop the target itself, so it is still
		// running and not in any ptrace-stop.
		if err := b.Stop(); err != nil {
			return err
		}
	}
	var err error
	b.execPtraceFunc(func() { err = ptraceDetach(b.pid, 0) })
	if err != nil {
		return fmt.Errorf("detaching from pid %d: %v: %w", b.pid, err, target.ErrProtocol)
	}
	time.Sleep(50 * time.Millisecond)
	if s := status(b.pid, b.os.comm); s == statusStopped {
		_ = sys.Kill(b.pid, sys.SIGCONT)
	}
	logflags.BackendLogger().Debugf("detached from pid %d", b.pid)
	b.postDetach()
	return nil
}

// ReadWord reads one native word via process_vm_readv, which works on a
// running tracee and so never pauses the target.
func (b *nativeBackend) ReadWord(addr uint64) (uint64, error) {
	var buf [8]byte
	local := []sys.Iovec{{Base: &buf[0]}}
	local[0].SetLen(target.WordSize)
	remote := []sys.RemoteIovec{{Base: uintptr(addr), Len: target.WordSize}}
	var (
		n   int
		err error
	)
	b.execPtraceFunc(func() { n, err = sys.ProcessVMReadv(b.pid, local, remote, 0) })
	if err != nil {
		return 0, &target.MemoryError{Op: "read", Addr: addr, Err: err}
	}
	if n != target.WordSize {
		return 0, &target.MemoryError{Op: "read", Addr: addr, Err: fmt.Errorf("short read: %d of %d bytes", n, target.WordSize)}
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteWord pokes one native word. The caller must have stopped the target;
// PTRACE_POKEDATA fails with ESRCH on a running tracee.
func (b *nativeBackend) WriteWord(addr uint64, word uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], word)
	var err error
	b.execPtraceFunc(func() { _, err = sys.PtracePokeData(b.pid, uintptr(addr), buf[:target.WordSize]) })
	if err != nil {
		return &target.MemoryError{Op: "write", Addr: addr, Err: err}
	}
	return nil
}

// FirstWritableRegion scans /proc/pid/maps for the first read-write mapping
// whose backing file's base name contains nameHint and returns its start
// address.
func (b *nativeBackend) FirstWritableRegion(nameHint string) (uint64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", b.pid))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("pid %d: %w", b.pid, target.ErrProcessNotFound)
		}
		return 0, fmt.Errorf("could not read memory map of pid %d: %v", b.pid, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// address           perms offset  dev   inode   pathname
		// 00400000-00452000 r-xp 00000000 08:02 173521  /usr/bin/dbus-daemon
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 {
			continue
		}
		perms := fields[1]
		if !strings.HasPrefix(perms, "rw") {
			continue
		}
		if !strings.Contains(filepath.Base(fields[5]), nameHint) {
			continue
		}
		addr, err := strconv.ParseUint(strings.SplitN(fields[0], "-", 2)[0], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed maps entry %q: %v: %w", fields[0], err, target.ErrInvalidData)
		}
		return addr, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("could not read memory map of pid %d: %v", b.pid, err)
	}
	return 0, fmt.Errorf("no writable mapping matching %q in pid %d: %w", nameHint, b.pid, target.ErrRegionNotFound)
}

func (b *nativeBackend) wait(options int) (int, *sys.WaitStatus, error) {
	var s sys.WaitStatus
	wpid, err := sys.Wait4(b.pid, &s, sys.WALL|options, nil)
	return wpid, &s, err
}

func status(pid int, comm string) rune {
	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return '\000'
	}
	defer f.Close()

	// The second field of /proc/pid/stat is the name of the task in
	// parenthesis. The name of the task is the base name of the executable
	// for this process limited to TASK_COMM_LEN characters.
	// Since both parenthesis and spaces can appear inside the name of the
	// task and no escaping happens we need to read the name of the
	// executable first.
	// See: include/linux/sched.c:315 and include/linux/sched.c:1510
	var (
		p     int
		state rune
	)
	comm = strings.ReplaceAll(comm, "%", "%%")
	fmt.Fscanf(f, "%d ("+comm+")  %c", &p, &state)
	return state
}
