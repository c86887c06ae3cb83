//go:build !cgo

package objfile

// resolveHostSymbol has no answer without cgo: the no-link writer's
// build-time address baking only ever runs on a cgo-enabled host.
func resolveHostSymbol(name string) (uintptr, bool) { return 0, false }
