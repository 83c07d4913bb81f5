// Package invariant checks programming invariants that must never fail
// in a correct build of the engine. Unlike the error taxonomy in
// tux3err, a failed invariant is not a recoverable condition: it means
// a buffer's state and list membership disagree, a refcount went
// negative, or a foreign-delta buffer was mutated without forking. Tests
// exercise these paths explicitly (see spec.md §7, §8).
package invariant

import "fmt"

// Check panics with msg and the given key/value pairs if cond is false.
func Check(cond bool, msg string, kv ...any) {
	if cond {
		return
	}
	panic(fmt.Sprintf("tux3fs: invariant violated: %s %v", msg, kv))
}
