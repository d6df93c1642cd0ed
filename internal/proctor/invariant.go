package proctor

import "fmt"

// invariant panics when a serialization guarantee has been broken. These are
// programming errors, never participant-facing refusals.
func invariant(ok bool, format string, args ...any) {
	if !ok {
		panic(fmt.Sprintf("proctor invariant violated: "+format, args...))
	}
}
