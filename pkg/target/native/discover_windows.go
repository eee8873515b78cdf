package native

import (
	"fmt"
	"sort"
	"unsafe"

	"golang.org/x/sys/windows"
)

// ListProcesses takes a toolhelp snapshot of the process table and returns
// pid and executable name for every entry, sorted by ascending pid.
func ListProcesses() ([]ProcessInfo, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, fmt.Errorf("process snapshot: %v", err)
	}
	defer windows.CloseHandle(snap)

	var procs []ProcessInfo
	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	for err = windows.Process32First(snap, &entry); err == nil; err = windows.Process32Next(snap, &entry) {
		procs = append(procs, ProcessInfo{
			Pid:  int(entry.ProcessID),
			Name: windows.UTF16ToString(entry.ExeFile[:]),
		})
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].Pid < procs[j].Pid })
	return procs, nil
}
