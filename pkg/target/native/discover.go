package native

import (
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/memtap/memtap/pkg/logflags"
	"github.com/memtap/memtap/pkg/target"
)

// ProcessInfo identifies one live entry of the OS process table.
type ProcessInfo struct {
	Pid  int
	Name string
}

// MatchFunc decides whether a process display name matches a query.
type MatchFunc func(name, query string) bool

// MatchContains matches when the display name contains the query.
func MatchContains(name, query string) bool {
	return strings.Contains(name, query)
}

// MatchExact matches only display names identical to the query.
func MatchExact(name, query string) bool {
	return name == query
}

// Find attaches to the live process with the lowest pid whose name contains
// name.
func Find(name string) (*target.Process, error) {
	return FindFunc(name, MatchContains)
}

// FindStrict attaches to the live process with the lowest pid whose name is
// exactly name.
func FindStrict(name string) (*target.Process, error) {
	return FindFunc(name, MatchExact)
}

// FindFunc scans the process table in ascending pid order and attaches to
// the first process match accepts. If the attach to that process fails the
// error is returned as-is; no further candidates are tried.
func FindFunc(name string, match MatchFunc) (*target.Process, error) {
	procs, err := ListProcesses()
	if err != nil {
		return nil, err
	}
	pi, ok := firstMatch(procs, name, match)
	if !ok {
		return nil, fmt.Errorf("no process matching %q: %w", name, target.ErrProcessNotFound)
	}
	return Attach(pi.Pid)
}

// firstMatch returns the first entry match accepts. The process table is
// sorted by ascending pid, so this selects the lowest matching pid.
func firstMatch(procs []ProcessInfo, name string, match MatchFunc) (ProcessInfo, bool) {
	for _, pi := range procs {
		if match(pi.Name, name) {
			return pi, true
		}
	}
	return ProcessInfo{}, false
}

// waitForSeenCacheSize bounds the pid cache used by WaitFor. Pids are
// recycled by the kernel, so an unbounded set would both leak and go stale.
const waitForSeenCacheSize = 2048

// WaitFor polls the process table every interval until a process match
// accepts shows up, then attaches to it. Processes already rejected are
// remembered and not re-examined. A duration of zero or less waits forever.
func WaitFor(name string, match MatchFunc, interval, duration time.Duration) (*target.Process, error) {
	log := logflags.BackendLogger()
	log.Debugf("waiting for process %q to appear", name)

	seen, err := lru.New(waitForSeenCacheSize)
	if err != nil {
		return nil, err
	}
	deadline := time.Time{}
	if duration > 0 {
		deadline = time.Now().Add(duration)
	}
	for {
		procs, err := ListProcesses()
		if err != nil {
			return nil, err
		}
		for _, pi := range procs {
			if seen.Contains(pi.Pid) {
				continue
			}
			seen.Add(pi.Pid, struct{}{})
			if match(pi.Name, name) {
				log.Debugf("process %q appeared with pid %d", pi.Name, pi.Pid)
				return Attach(pi.Pid)
			}
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, fmt.Errorf("waited %s for a process matching %q: %w", duration, name, target.ErrProcessNotFound)
		}
		time.Sleep(interval)
	}
}
