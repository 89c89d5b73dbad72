//go:build windows

package datapath

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// EnterCompartment scopes the calling goroutine's OS thread to the given
// network compartment for the duration of a datapath.Create call (spec.md
// §9 "the binding may be created within a network compartment; the core
// scopes socket creation to it and restores the previous compartment
// afterward"), via the same GetCurrentThreadCompartmentId /
// SetCurrentThreadCompartmentId pair the original uses. A zero id is the
// default compartment and is treated as a no-op.
func EnterCompartment(id int) (restore func(), err error) {
	if id == 0 {
		return func() {}, nil
	}

	modiphlpapi := windows.NewLazySystemDLL("iphlpapi.dll")
	procGet := modiphlpapi.NewProc("GetCurrentThreadCompartmentId")
	procSet := modiphlpapi.NewProc("SetCurrentThreadCompartmentId")

	prev, _, _ := procGet.Call()

	r1, _, callErr := procSet.Call(uintptr(id))
	if r1 != 0 {
		return nil, fmt.Errorf("datapath: SetCurrentThreadCompartmentId(%d): %w", id, callErr)
	}

	return func() {
		procSet.Call(prev)
	}, nil
}
