package assert

import "fmt"

// Assert panics when cond does not hold. It guards invariants whose
// violation is a programmer error, never an I/O condition.
func Assert(cond bool, args ...any) {
	if cond {
		return
	}

	if len(args) == 0 {
		panic("assertion failed")
	}

	format, ok := args[0].(string)
	if !ok {
		panic(fmt.Sprint(append([]any{"assertion failed: "}, args...)...))
	}
	panic("assertion failed: " + fmt.Sprintf(format, args[1:]...))
}
