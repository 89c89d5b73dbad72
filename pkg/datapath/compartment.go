//go:build !windows

package datapath

// EnterCompartment is a no-op on non-Windows platforms: network
// compartments (spec.md §9 "scoped acquisition") are a Windows-only
// concept. The returned restore function is always a no-op, matching how
// cmd/atlas/main.go's portable main.go leaves Windows-only behavior
// entirely to main_windows.go.
func EnterCompartment(id int) (restore func(), err error) {
	return func() {}, nil
}
