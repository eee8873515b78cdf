// Package cmds implements the command line interface of memtap.
package cmds

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/memtap/memtap/pkg/config"
	"github.com/memtap/memtap/pkg/logflags"
	"github.com/memtap/memtap/pkg/target"
	"github.com/memtap/memtap/pkg/target/native"
	"github.com/memtap/memtap/pkg/terminal"
	"github.com/memtap/memtap/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string

	// strict makes find match the whole process name instead of any substring.
	strict bool
	// wait makes find poll the process table until the target appears.
	wait bool
	// waitInterval is the polling interval, in milliseconds, used with wait.
	waitInterval int

	// attachPid and attachName select the target of the one-shot commands.
	attachPid  int
	attachName string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const memtapCommandLongDesc = `Memtap attaches to a live process and gives you word and byte level access
to its memory: read it while the target runs, pause the target to write it,
and resolve chains of pointer offsets the way cheat tables and debuggers do.

Reads never pause the target. Writes pause it and leave it paused; the
session resumes it on continue or exit. Detaching always leaves the target
running.`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main memtap root command.
	rootCommand = &cobra.Command{
		Use:   "memtap",
		Short: "memtap is a memory viewer and editor for live processes.",
		Long:  memtapCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (target, backend, terminal).")

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to a running process by pid and begin an interactive session.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		Run: attachCmd,
	}
	rootCommand.AddCommand(attachCommand)

	// 'find' subcommand.
	findCommand := &cobra.Command{
		Use:   "find name",
		Short: "Attach to a running process by name and begin an interactive session.",
		Long: `Attach to a running process by name and begin an interactive session.

The process table is scanned in ascending pid order and the first process
whose name contains the argument is attached. With --strict the whole name
must match. With --wait the scan is repeated until such a process appears.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a process name")
			}
			return nil
		},
		Run: findCmd,
	}
	findCommand.Flags().BoolVar(&strict, "strict", false, "Match the whole process name instead of any substring.")
	findCommand.Flags().BoolVar(&wait, "wait", false, "Poll the process table until the target appears.")
	findCommand.Flags().IntVar(&waitInterval, "wait-interval", 0, "Polling interval in milliseconds used with --wait.")
	rootCommand.AddCommand(findCommand)

	// One-shot commands share the target selection flags.
	for _, sub := range []*cobra.Command{
		{
			Use:   "read <addr> <length>",
			Short: "Read a range of the target's memory and print it as a hex dump.",
			Args:  cobra.ExactArgs(2),
			Run:   readCmd,
		},
		{
			Use:   "write <addr> <byte|string>...",
			Short: "Write a sequence of bytes into the target's memory.",
			Long: `Write a sequence of bytes into the target's memory.

Arguments after the address are byte values (hex or decimal); anything that
does not parse as a byte is written as its raw bytes. A trailing partial
word is merged with the existing memory contents, never zero-padded.`,
			Args: cobra.MinimumNArgs(2),
			Run:  writeCmd,
		},
		{
			Use:   "chain <addr> <offset>...",
			Short: "Resolve a chain of pointer offsets and print the final address.",
			Args:  cobra.MinimumNArgs(1),
			Run:   chainCmd,
		},
	} {
		sub.Flags().IntVarP(&attachPid, "pid", "p", 0, "Pid of the target process.")
		sub.Flags().StringVarP(&attachName, "name", "n", "", "Name of the target process.")
		rootCommand.AddCommand(sub)
	}

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("memtap %s\n%s\n", version.MemtapVersion, version.BuildInfo())
		},
	}
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

func attachCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		pid, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
			return 1
		}
		p, err := native.Attach(pid)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		return session(p)
	}()
	os.Exit(status)
}

func findCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		p, err := findTarget(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		return session(p)
	}()
	os.Exit(status)
}

func findTarget(name string) (*target.Process, error) {
	match := native.MatchContains
	if strict || conf.StrictFind {
		match = native.MatchExact
	}
	if !wait {
		return native.FindFunc(name, match)
	}
	interval := 500 * time.Millisecond
	if waitInterval > 0 {
		interval = time.Duration(waitInterval) * time.Millisecond
	} else if conf.WaitInterval != nil && *conf.WaitInterval > 0 {
		interval = time.Duration(*conf.WaitInterval) * time.Millisecond
	}
	return native.WaitFor(name, match, interval, 0)
}

// session hands the attached process to the interactive terminal.
func session(p *target.Process) int {
	term := terminal.New(p, conf)
	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}

// oneShotTarget attaches for the duration of a single command, selected by
// the --pid or --name flag.
func oneShotTarget() (*target.Process, error) {
	switch {
	case attachPid > 0 && attachName != "":
		return nil, errors.New("only one of --pid and --name may be given")
	case attachPid > 0:
		return native.Attach(attachPid)
	case attachName != "":
		if conf.StrictFind {
			return native.FindStrict(attachName)
		}
		return native.Find(attachName)
	}
	return nil, errors.New("one of --pid and --name is required")
}

func readCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		addr, err := strconv.ParseUint(args[0], 0, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid address: %s\n", args[0])
			return 1
		}
		length, err := strconv.Atoi(args[1])
		if err != nil || length <= 0 {
			fmt.Fprintf(os.Stderr, "Invalid length: %s\n", args[1])
			return 1
		}
		p, err := oneShotTarget()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer p.Detach()

		r, err := p.Reader(addr, length)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		buf := make([]byte, length)
		if _, err := r.Read(buf); err != nil {
			r.Close()
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		r.Close()

		for i := 0; i < len(buf); i += 16 {
			end := i + 16
			if end > len(buf) {
				end = len(buf)
			}
			fmt.Printf("%#x: % x\n", addr+uint64(i), buf[i:end])
		}
		return 0
	}()
	os.Exit(status)
}

func writeCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		addr, err := strconv.ParseUint(args[0], 0, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid address: %s\n", args[0])
			return 1
		}
		payload := make([]byte, 0, len(args)-1)
		for _, tok := range args[1:] {
			if b, err := strconv.ParseUint(tok, 0, 8); err == nil {
				payload = append(payload, byte(b))
				continue
			}
			payload = append(payload, []byte(tok)...)
		}
		p, err := oneShotTarget()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer p.Detach()

		w, err := p.Writer(addr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		if _, err := w.Write(payload); err != nil {
			w.Close()
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		if err := w.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		fmt.Printf("wrote %d bytes at %#x\n", len(payload), addr)
		return 0
	}()
	os.Exit(status)
}

func chainCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		addr, err := strconv.ParseUint(args[0], 0, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid address: %s\n", args[0])
			return 1
		}
		offsets := make([]int64, 0, len(args)-1)
		for _, tok := range args[1:] {
			off, err := strconv.ParseInt(tok, 0, 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Invalid offset: %s\n", tok)
				return 1
			}
			offsets = append(offsets, off)
		}
		p, err := oneShotTarget()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer p.Detach()

		final, err := p.PointerChain(addr, offsets)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		fmt.Printf("%#x\n", final)
		return 0
	}()
	os.Exit(status)
}
