// Package terminal implements functions for responding to user
// input and dispatching to the appropriate memory commands.
package terminal

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"

	"github.com/memtap/memtap/pkg/target"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for the memtap terminal process.
type Commands struct {
	cmds []command
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// MemoryCommands returns a Commands struct with default commands defined.
func MemoryCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"status"}, cmdFn: statusCmd, helpMsg: "Prints the pid, name and run state of the target."},
		{aliases: []string{"stop"}, cmdFn: stopCmd, helpMsg: `Pauses the target.

Stopping twice in a row sends a single pause signal; the target stays paused
until continue or exit.`},
		{aliases: []string{"continue", "c"}, cmdFn: continueCmd, helpMsg: "Resumes a paused target. Does nothing if the target is running."},
		{aliases: []string{"base"}, cmdFn: baseCmd, helpMsg: `Prints the base address of the target.

The base is resolved on first use and cached for the rest of the session.`},
		{aliases: []string{"word", "peek"}, cmdFn: wordCmd, helpMsg: `Reads one native word.

	word <addr>

<addr> is an absolute address (hex or decimal), or an offset from the base
address when prefixed with + or -. Reading does not pause the target.`},
		{aliases: []string{"setword", "poke"}, cmdFn: setWordCmd, helpMsg: `Writes one native word.

	setword <addr> <value>

The target is paused before the write and stays paused; use continue to
resume it.`},
		{aliases: []string{"read", "rd"}, cmdFn: readCmd, helpMsg: `Reads a range of memory and prints it as a hex dump.

	read <addr> <length>`},
		{aliases: []string{"write", "wr"}, cmdFn: writeCmd, helpMsg: `Writes a sequence of bytes.

	write <addr> <byte|string>...

Arguments after the address are byte values (hex or decimal); a quoted
argument writes its raw bytes. A trailing partial word is merged with the
existing memory contents, never zero-padded. The target is paused before the
write and stays paused.`},
		{aliases: []string{"chain"}, cmdFn: chainCmd, helpMsg: `Resolves a chain of pointer offsets.

	chain <addr> <offset>...

Starting at <addr>, each step reads the word at the current address, treats
it as an address and adds the next signed offset. Prints the final address.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCmd, helpMsg: "Exit the session, resuming and detaching from the target."},
	}

	sort.Sort(byFirstAlias(c.cmds))
	return c
}

// Find looks up a command by name or alias. An unknown name resolves to a
// command that reports its own absence.
func (c *Commands) Find(cmdstr string) cmdfunc {
	// If <enter> use last command, if there was one.
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

var noCmdError = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return noCmdError
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return noCmdError
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 0, '-', 0)
	for _, cmd := range c.cmds {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// ExitRequestError is returned when the user
// exits the session.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCmd(t *Term, args string) error {
	return ExitRequestError{}
}

func statusCmd(t *Term, args string) error {
	state := "running"
	if t.proc.Stopped() {
		state = "stopped"
	}
	fmt.Fprintf(t.stdout, "%s (pid %d) - %s\n", t.proc.Name(), t.proc.Pid(), state)
	return nil
}

func stopCmd(t *Term, args string) error {
	if err := t.proc.Stop(); err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, "target stopped")
	return nil
}

func continueCmd(t *Term, args string) error {
	if err := t.proc.Continue(); err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, "target running")
	return nil
}

func baseCmd(t *Term, args string) error {
	base, err := t.proc.Base()
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%#x\n", base)
	return nil
}

func wordCmd(t *Term, args string) error {
	fields := strings.Fields(args)
	if len(fields) != 1 {
		return errors.New("wrong number of arguments, expected: word <addr>")
	}
	word, err := readWordAt(t, fields[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%#0*x\n", 2*target.WordSize+2, word)
	return nil
}

func readWordAt(t *Term, expr string) (uint64, error) {
	if off, ok, err := parseOffset(expr); err != nil {
		return 0, err
	} else if ok {
		return t.proc.ReadWordOffset(off)
	}
	addr, err := parseAddr(expr)
	if err != nil {
		return 0, err
	}
	return t.proc.ReadWord(addr)
}

func setWordCmd(t *Term, args string) error {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return errors.New("wrong number of arguments, expected: setword <addr> <value>")
	}
	word, err := strconv.ParseUint(fields[1], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid word value %q: %v", fields[1], err)
	}
	if off, ok, err := parseOffset(fields[0]); err != nil {
		return err
	} else if ok {
		return t.proc.WriteWordOffset(off, word)
	}
	addr, err := parseAddr(fields[0])
	if err != nil {
		return err
	}
	return t.proc.WriteWord(addr, word)
}

func readCmd(t *Term, args string) error {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return errors.New("wrong number of arguments, expected: read <addr> <length>")
	}
	length, err := strconv.Atoi(fields[1])
	if err != nil || length <= 0 {
		return fmt.Errorf("invalid length %q", fields[1])
	}

	var r *target.Reader
	if off, ok, err := parseOffset(fields[0]); err != nil {
		return err
	} else if ok {
		r, err = t.proc.ReaderOffset(off, length)
		if err != nil {
			return err
		}
	} else {
		addr, err := parseAddr(fields[0])
		if err != nil {
			return err
		}
		r, err = t.proc.Reader(addr, length)
		if err != nil {
			return err
		}
	}
	defer r.Close()

	start := r.Addr()
	buf := make([]byte, length)
	if _, err := r.Read(buf); err != nil {
		return err
	}
	if pw, ok := t.stdout.(*pagingWriter); ok {
		pw.PageMaybe(nil)
	}
	hexDump(t, start, buf)
	return nil
}

func hexDump(t *Term, addr uint64, data []byte) {
	perLine := 16
	if t.conf.DumpBytesPerLine != nil && *t.conf.DumpBytesPerLine > 0 {
		perLine = *t.conf.DumpBytesPerLine
	}
	for i := 0; i < len(data); i += perLine {
		end := i + perLine
		if end > len(data) {
			end = len(data)
		}
		line := data[i:end]

		var hexed strings.Builder
		var ascii strings.Builder
		for j, b := range line {
			if j > 0 {
				hexed.WriteByte(' ')
			}
			fmt.Fprintf(&hexed, "%02x", b)
			if b >= 0x20 && b < 0x7f {
				ascii.WriteByte(b)
			} else {
				ascii.WriteByte('.')
			}
		}
		fmt.Fprintf(t.stdout, "%#0*x:   %-*s   %s\n", 2*target.WordSize+2, addr+uint64(i), 3*perLine-1, hexed.String(), ascii.String())
	}
}

func writeCmd(t *Term, args string) error {
	v, err := argv.Argv(args, func(s string) (string, error) {
		return "", fmt.Errorf("Backtick not supported in '%s'", s)
	}, nil)
	if err != nil {
		return err
	}
	if len(v) != 1 || len(v[0]) < 2 {
		return errors.New("wrong number of arguments, expected: write <addr> <byte|string>...")
	}
	fields := v[0]

	payload := make([]byte, 0, len(fields)-1)
	for _, tok := range fields[1:] {
		if b, err := strconv.ParseUint(tok, 0, 8); err == nil {
			payload = append(payload, byte(b))
			continue
		}
		payload = append(payload, []byte(tok)...)
	}

	var w *target.Writer
	if off, ok, err := parseOffset(fields[0]); err != nil {
		return err
	} else if ok {
		w, err = t.proc.WriterOffset(off)
		if err != nil {
			return err
		}
	} else {
		addr, err := parseAddr(fields[0])
		if err != nil {
			return err
		}
		w, err = t.proc.Writer(addr)
		if err != nil {
			return err
		}
	}

	if _, err := w.Write(payload); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "wrote %d bytes\n", len(payload))
	return nil
}

func chainCmd(t *Term, args string) error {
	fields := strings.Fields(args)
	if len(fields) < 1 {
		return errors.New("wrong number of arguments, expected: chain <addr> <offset>...")
	}
	addr, err := parseAddr(fields[0])
	if err != nil {
		return err
	}
	offsets := make([]int64, 0, len(fields)-1)
	for _, f := range fields[1:] {
		off, err := strconv.ParseInt(f, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid offset %q: %v", f, err)
		}
		offsets = append(offsets, off)
	}
	final, err := t.proc.PointerChain(addr, offsets)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%#x\n", final)
	return nil
}

// parseOffset recognizes base-relative address expressions, which carry an
// explicit + or - sign.
func parseOffset(expr string) (int64, bool, error) {
	if !strings.HasPrefix(expr, "+") && !strings.HasPrefix(expr, "-") {
		return 0, false, nil
	}
	off, err := strconv.ParseInt(expr, 0, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid offset %q: %v", expr, err)
	}
	return off, true, nil
}

func parseAddr(expr string) (uint64, error) {
	addr, err := strconv.ParseUint(expr, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %v", expr, err)
	}
	return addr, nil
}
