package native

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/memtap/memtap/pkg/target"
)

// buildTestTarget copies the sleep binary to a unique name so discovery
// tests cannot latch onto an unrelated process.
func buildTestTarget(t *testing.T) (string, string) {
	t.Helper()
	sleepBin, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("no sleep binary available")
	}
	name := "memtap-sleep-test"
	dst := filepath.Join(t.TempDir(), name)
	data, err := os.ReadFile(sleepBin)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, data, 0o755); err != nil {
		t.Fatal(err)
	}
	return dst, name
}

// startTestTarget launches a throwaway sleep process under the unique name.
func startTestTarget(t *testing.T) (int, string) {
	t.Helper()
	dst, name := buildTestTarget(t)
	cmd := exec.Command(dst, "60")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	return cmd.Process.Pid, name
}

// attachTestTarget skips the test when the kernel's ptrace_scope forbids
// tracing, which is the default on some distributions and most CI runners.
func attachTestTarget(t *testing.T, pid int) *target.Process {
	t.Helper()
	p, err := Attach(pid)
	if errors.Is(err, target.ErrPermissionDenied) {
		t.Skip("ptrace not permitted; check /proc/sys/kernel/yama/ptrace_scope")
	}
	if err != nil {
		t.Fatalf("Attach(%d): %v", pid, err)
	}
	return p
}

func TestAttachStopContinueDetach(t *testing.T) {
	pid, name := startTestTarget(t)
	p := attachTestTarget(t, pid)

	if p.Pid() != pid {
		t.Errorf("Pid = %d, want %d", p.Pid(), pid)
	}
	// comm is truncated to TASK_COMM_LEN-1 (15) characters.
	if want := name[:15]; p.Name() != want {
		t.Errorf("Name = %q, want %q", p.Name(), want)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if err := p.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
}

func TestReadBaseOfLiveTarget(t *testing.T) {
	pid, _ := startTestTarget(t)
	p := attachTestTarget(t, pid)
	defer p.Detach()

	base, err := p.Base()
	if err != nil {
		t.Fatalf("Base: %v", err)
	}
	if base == 0 {
		t.Fatal("base address is zero")
	}
	if _, err := p.ReadWord(base); err != nil {
		t.Errorf("ReadWord(%#x): %v", base, err)
	}
	// An empty chain is the identity.
	if got, err := p.PointerChain(base, nil); err != nil || got != base {
		t.Errorf("PointerChain(%#x, nil) = %#x, %v", base, got, err)
	}
}

func TestAttachNonexistentPid(t *testing.T) {
	// Pid 1 is init and pids above PID_MAX_LIMIT cannot exist.
	_, err := Attach(1 << 23)
	if !errors.Is(err, target.ErrProcessNotFound) && !errors.Is(err, target.ErrPermissionDenied) && !errors.Is(err, target.ErrProtocol) {
		t.Errorf("Attach to impossible pid: %v", err)
	}
	if err == nil {
		t.Error("Attach to impossible pid succeeded")
	}
}

func TestListProcessesFindsTarget(t *testing.T) {
	pid, name := startTestTarget(t)
	procs, err := ListProcesses()
	if err != nil {
		t.Fatalf("ListProcesses: %v", err)
	}
	lastPid := -1
	found := false
	for _, pi := range procs {
		if pi.Pid <= lastPid {
			t.Fatalf("process list not sorted: %d after %d", pi.Pid, lastPid)
		}
		lastPid = pi.Pid
		if pi.Pid == pid {
			found = true
			if want := name[:15]; pi.Name != want {
				t.Errorf("process %d listed as %q, want %q", pid, pi.Name, want)
			}
		}
	}
	if !found {
		t.Errorf("pid %d missing from process list", pid)
	}
}

func TestFindStrict(t *testing.T) {
	pid, name := startTestTarget(t)

	if _, err := FindStrict("no-such-process-name"); !errors.Is(err, target.ErrProcessNotFound) {
		t.Errorf("FindStrict(bogus) = %v, want ErrProcessNotFound", err)
	}

	p, err := FindStrict(name[:15])
	if errors.Is(err, target.ErrPermissionDenied) {
		t.Skip("ptrace not permitted")
	}
	if err != nil {
		t.Fatalf("FindStrict: %v", err)
	}
	defer p.Detach()
	if p.Pid() != pid {
		t.Errorf("FindStrict attached to pid %d, want %d", p.Pid(), pid)
	}
}

func TestWaitFor(t *testing.T) {
	if _, err := WaitFor("no-such-process-name", MatchExact, 10*time.Millisecond, 50*time.Millisecond); !errors.Is(err, target.ErrProcessNotFound) {
		t.Errorf("WaitFor(bogus) = %v, want ErrProcessNotFound after timeout", err)
	}

	dst, _ := buildTestTarget(t)
	cmd := exec.Command(dst, "60")
	started := make(chan error, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		started <- cmd.Start()
	}()
	t.Cleanup(func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
			cmd.Wait()
		}
	})

	// The target does not exist yet when the wait begins; comm truncation
	// makes MatchContains on the prefix the reliable predicate.
	p, err := WaitFor("memtap-sleep", MatchContains, 10*time.Millisecond, 5*time.Second)
	if serr := <-started; serr != nil {
		t.Fatalf("starting target: %v", serr)
	}
	if errors.Is(err, target.ErrPermissionDenied) {
		t.Skip("ptrace not permitted")
	}
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	defer p.Detach()
	if p.Pid() != cmd.Process.Pid {
		t.Errorf("WaitFor attached to pid %d (%s), want %d", p.Pid(), p.Name(), cmd.Process.Pid)
	}
}
