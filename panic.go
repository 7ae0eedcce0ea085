package conduit

import (
	"errors"
	"fmt"
	"runtime"
)

// PanicError wraps a recovered panic value together with the goroutine
// stack trace captured at the point of the panic.
//
// A [Scope] created with [WithPanicAsError] returns panics of its tasks as
// *PanicError. [FlatMap] always does: a panicking transform fails the
// output like any other transform error.
type PanicError struct {
	// Value is the original value passed to panic().
	Value any

	// Stack is the goroutine stack trace at the point of panic.
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", e.Value, e.Stack)
}

// Unwrap returns the panic value if it was an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// AsPanic extracts the first [*PanicError] from err's chain.
func AsPanic(err error) (*PanicError, bool) {
	var pe *PanicError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// stackBufSize bounds the captured trace; runtime.Stack truncates.
const stackBufSize = 8 << 10

func newPanicError(v any) *PanicError {
	buf := make([]byte, stackBufSize)
	n := runtime.Stack(buf, false)
	return &PanicError{
		Value: v,
		Stack: string(buf[:n]),
	}
}
