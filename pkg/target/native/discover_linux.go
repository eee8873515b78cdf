package native

import (
	"fmt"
	"os"
	"sort"
	"strconv"
)

// ListProcesses enumerates /proc, returning pid and command name for every
// process the caller is allowed to inspect, sorted by ascending pid.
// Entries that vanish mid-scan are skipped.
func ListProcesses() ([]ProcessInfo, error) {
	des, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("could not read /proc: %v", err)
	}
	procs := make([]ProcessInfo, 0, len(des))
	for _, de := range des {
		if !de.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(de.Name())
		if err != nil {
			continue
		}
		comm, err := processComm(pid)
		if err != nil {
			continue
		}
		procs = append(procs, ProcessInfo{Pid: pid, Name: comm})
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].Pid < procs[j].Pid })
	return procs, nil
}
