package native

import (
	"fmt"

	"golang.org/x/sys/windows"
)

var (
	modntdll = windows.NewLazySystemDLL("ntdll.dll")

	procNtSuspendProcess = modntdll.NewProc("NtSuspendProcess")
	procNtResumeProcess  = modntdll.NewProc("NtResumeProcess")
)

// _NtSuspendProcess suspends every thread of the process behind handle.
// It is undocumented but stable since NT 3.x and is what kernel32's
// DebugActiveProcess builds on.
func _NtSuspendProcess(handle windows.Handle) error {
	status, _, _ := procNtSuspendProcess.Call(uintptr(handle))
	if status != 0 {
		return fmt.Errorf("NtSuspendProcess failed: NTSTATUS %#x", status)
	}
	return nil
}

// _NtResumeProcess resumes every thread of the process behind handle.
func _NtResumeProcess(handle windows.Handle) error {
	status, _, _ := procNtResumeProcess.Call(uintptr(handle))
	if status != 0 {
		return fmt.Errorf("NtResumeProcess failed: NTSTATUS %#x", status)
	}
	return nil
}
