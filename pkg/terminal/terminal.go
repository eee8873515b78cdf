package terminal

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"

	"github.com/memtap/memtap/pkg/config"
	"github.com/memtap/memtap/pkg/logflags"
	"github.com/memtap/memtap/pkg/target"
)

const historyFile string = ".memtap_history"

// Term represents the interactive terminal attached to one target process.
type Term struct {
	proc   *target.Process
	conf   *config.Config
	prompt string
	line   *liner.State
	cmds   *Commands
	dumb   bool
	stdout io.Writer

	quittingMutex sync.Mutex
	quitting      bool
}

// New returns a new Term controlling proc.
func New(proc *target.Process, conf *config.Config) *Term {
	cmds := MemoryCommands()
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}
	if conf == nil {
		conf = &config.Config{}
	}

	var w io.Writer

	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb"
	if dumb {
		w = os.Stdout
	} else {
		w = &pagingWriter{w: getColorableWriter()}
	}

	return &Term{
		proc:   proc,
		conf:   conf,
		prompt: "(memtap) ",
		line:   liner.NewLiner(),
		cmds:   cmds,
		dumb:   dumb,
		stdout: w,
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.line.Close()
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		t.quittingMutex.Lock()
		quitting := t.quitting
		t.quittingMutex.Unlock()
		if quitting {
			return
		}
		fmt.Fprintf(t.stdout, "received SIGINT, pausing target (will not forward signal)\n")
		if err := t.proc.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
	}
}

// Run begins the read/eval loop in the terminal.
func (t *Term) Run() (int, error) {
	defer t.Close()

	// Pause the target on SIGINT instead of dying with it attached.
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	go t.sigintGuard(ch)

	aliases := trie.New()
	for _, cmd := range t.cmds.cmds {
		for _, alias := range cmd.aliases {
			aliases.Add(alias, nil)
		}
	}
	t.line.SetCompleter(func(line string) (c []string) {
		if strings.Contains(line, " ") {
			return nil
		}
		return aliases.PrefixSearch(strings.ToLower(line))
	})

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}
	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("Attached to %s (pid %d). Type 'help' for list of commands.\n", t.proc.Name(), t.proc.Pid())

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("Prompt for input failed.\n")
		}

		if strings.TrimSpace(cmdstr) == "" {
			continue
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}

		if pw, ok := t.stdout.(*pagingWriter); ok {
			pw.Reset()
		}
	}
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
	} else {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR|os.O_CREATE, 0600); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Println("readline history error:", err)
			}
			f.Close()
		}
	}

	t.quittingMutex.Lock()
	t.quitting = true
	t.quittingMutex.Unlock()

	if err := t.proc.Detach(); err != nil && err != target.ErrProcessDetached {
		return 1, err
	}
	logflags.TerminalLogger().Debugf("session ended, target resumed")
	return 0, nil
}
