package terminal

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/memtap/memtap/pkg/config"
	"github.com/memtap/memtap/pkg/target"
)

type testBackend struct {
	mem      []byte
	memStart uint64
	stopped  bool
}

func (b *testBackend) Pid() int                                   { return 111 }
func (b *testBackend) Name() (string, error)                      { return "victim", nil }
func (b *testBackend) FirstWritableRegion(string) (uint64, error) { return b.memStart, nil }
func (b *testBackend) Stop() error                                { b.stopped = true; return nil }
func (b *testBackend) Resume() error                              { b.stopped = false; return nil }
func (b *testBackend) Detach(bool) error                          { return nil }

func (b *testBackend) ReadWord(addr uint64) (uint64, error) {
	i := int(addr - b.memStart)
	var buf [8]byte
	copy(buf[:], b.mem[i:i+target.WordSize])
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (b *testBackend) WriteWord(addr uint64, word uint64) error {
	i := int(addr - b.memStart)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], word)
	copy(b.mem[i:i+target.WordSize], buf[:target.WordSize])
	return nil
}

func testTerm(t *testing.T) (*Term, *testBackend, *bytes.Buffer) {
	t.Helper()
	b := &testBackend{mem: make([]byte, 256), memStart: 0x1000}
	p, err := target.New(b)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	return &Term{
		proc:   p,
		conf:   &config.Config{},
		cmds:   MemoryCommands(),
		stdout: &out,
	}, b, &out
}

func call(t *testing.T, term *Term, cmd string) string {
	t.Helper()
	buf := term.stdout.(*bytes.Buffer)
	buf.Reset()
	if err := term.cmds.Call(cmd, term); err != nil {
		t.Fatalf("%q: %v", cmd, err)
	}
	return buf.String()
}

func TestStatusAndStopCommands(t *testing.T) {
	term, b, _ := testTerm(t)
	if out := call(t, term, "status"); !strings.Contains(out, "victim (pid 111) - running") {
		t.Errorf("status = %q", out)
	}
	call(t, term, "stop")
	if !b.stopped {
		t.Error("stop command did not pause the backend")
	}
	if out := call(t, term, "status"); !strings.Contains(out, "stopped") {
		t.Errorf("status after stop = %q", out)
	}
	call(t, term, "continue")
	if b.stopped {
		t.Error("continue command did not resume the backend")
	}
}

func TestWordCommands(t *testing.T) {
	term, b, _ := testTerm(t)

	call(t, term, "setword 0x1008 0xdead")
	if got, _ := b.ReadWord(0x1008); got != 0xdead {
		t.Fatalf("memory word = %#x, want 0xdead", got)
	}
	if out := call(t, term, "word 0x1008"); !strings.Contains(out, "dead") {
		t.Errorf("word = %q", out)
	}

	// Offset-relative forms resolve against the base, which the fake pins
	// at the start of memory.
	call(t, term, "setword +0x10 77")
	if out := call(t, term, "word +0x10"); !strings.Contains(out, "4d") {
		t.Errorf("word at offset = %q, want 77 (0x4d)", out)
	}
}

func TestReadCommandHexDump(t *testing.T) {
	term, b, _ := testTerm(t)
	copy(b.mem, []byte("Hello, memory!"))

	out := call(t, term, "read 0x1000 14")
	if !strings.Contains(out, "48 65 6c 6c 6f") {
		t.Errorf("hex dump missing bytes: %q", out)
	}
	if !strings.Contains(out, "Hello, memory!") {
		t.Errorf("hex dump missing ascii column: %q", out)
	}
	if !strings.Contains(out, "0x0000000000001000") {
		t.Errorf("hex dump missing address column: %q", out)
	}
}

func TestWriteCommand(t *testing.T) {
	term, b, _ := testTerm(t)
	for i := range b.mem {
		b.mem[i] = 0xEE
	}

	out := call(t, term, `write 0x1000 0xAA 0xBB 0xCC`)
	if !strings.Contains(out, "wrote 3 bytes") {
		t.Errorf("write output = %q", out)
	}
	if b.mem[0] != 0xAA || b.mem[1] != 0xBB || b.mem[2] != 0xCC {
		t.Errorf("memory = % x, want aa bb cc", b.mem[:3])
	}
	// The tail of the word must survive a partial write.
	if b.mem[3] != 0xEE {
		t.Errorf("partial write clobbered tail byte: %#x", b.mem[3])
	}

	call(t, term, `write 0x1010 "hi"`)
	if string(b.mem[0x10:0x12]) != "hi" {
		t.Errorf("string write produced % x", b.mem[0x10:0x12])
	}
}

func TestChainCommand(t *testing.T) {
	term, b, _ := testTerm(t)
	// [0x1000] = 0x1020, [0x1028] = 0x1040
	binary.LittleEndian.PutUint64(b.mem[0:], 0x1020)
	binary.LittleEndian.PutUint64(b.mem[0x28:], 0x1040)

	if out := call(t, term, "chain 0x1000"); strings.TrimSpace(out) != "0x1000" {
		t.Errorf("empty chain = %q, want 0x1000", out)
	}
	if out := call(t, term, "chain 0x1000 8 0x10"); strings.TrimSpace(out) != "0x1050" {
		t.Errorf("chain = %q, want 0x1050", out)
	}
	if err := term.cmds.Call("chain 0x1000 -0x9999", term); err == nil {
		t.Error("underflowing chain succeeded")
	}
}

func TestHelpListsEveryCommand(t *testing.T) {
	term, _, _ := testTerm(t)
	out := call(t, term, "help")
	for _, name := range []string{"help", "status", "stop", "continue", "base", "word", "setword", "read", "write", "chain", "exit"} {
		if !strings.Contains(out, name) {
			t.Errorf("help output missing %q", name)
		}
	}
	if out := call(t, term, "help chain"); !strings.Contains(out, "pointer offsets") {
		t.Errorf("help chain = %q", out)
	}
}

func TestUnknownCommand(t *testing.T) {
	term, _, _ := testTerm(t)
	if err := term.cmds.Call("frobnicate", term); err != noCmdError {
		t.Errorf("unknown command error = %v, want %v", err, noCmdError)
	}
}

func TestExitCommand(t *testing.T) {
	term, _, _ := testTerm(t)
	err := term.cmds.Call("exit", term)
	if _, ok := err.(ExitRequestError); !ok {
		t.Errorf("exit returned %v, want ExitRequestError", err)
	}
}

func TestAliasMerge(t *testing.T) {
	cmds := MemoryCommands()
	cmds.Merge(map[string][]string{"read": {"x"}})
	found := false
	for _, cmd := range cmds.cmds {
		if cmd.match("x") && cmd.aliases[0] == "read" {
			found = true
		}
	}
	if !found {
		t.Error("merged alias x not attached to read")
	}
	// Merging again must not duplicate the alias.
	cmds.Merge(map[string][]string{"read": {"y"}})
	for _, cmd := range cmds.cmds {
		if cmd.aliases[0] != "read" {
			continue
		}
		count := 0
		for _, a := range cmd.aliases {
			if a == "x" {
				count++
			}
		}
		if count != 0 {
			t.Errorf("stale alias x survived re-merge: %v", cmd.aliases)
		}
	}
}

func TestParseOffset(t *testing.T) {
	for _, tc := range []struct {
		in   string
		off  int64
		ok   bool
		fail bool
	}{
		{"0x1000", 0, false, false},
		{"+0x10", 0x10, true, false},
		{"-32", -32, true, false},
		{"+zzz", 0, false, true},
	} {
		off, ok, err := parseOffset(tc.in)
		if tc.fail {
			if err == nil {
				t.Errorf("parseOffset(%q) succeeded", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseOffset(%q): %v", tc.in, err)
			continue
		}
		if ok != tc.ok || off != tc.off {
			t.Errorf("parseOffset(%q) = %d, %v; want %d, %v", tc.in, off, ok, tc.off, tc.ok)
		}
	}
}
