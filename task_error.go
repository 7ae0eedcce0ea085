package conduit

import (
	"errors"
	"fmt"
)

// TaskError attributes a failure to the [Scope] task that produced it.
type TaskError struct {
	Task TaskInfo
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %q failed: %v", e.Task.Name, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// TaskOf extracts the [TaskInfo] from the first [*TaskError] in err's chain.
func TaskOf(err error) (TaskInfo, bool) {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Task, true
	}
	return TaskInfo{}, false
}

// CauseOf returns the error wrapped by the first [*TaskError] in err's
// chain, or err itself when there is none.
func CauseOf(err error) error {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Err
	}
	return err
}

// AllTaskErrors collects every [*TaskError] in err's tree, including errors
// joined with [errors.Join] by a [CollectAll] scope.
func AllTaskErrors(err error) []*TaskError {
	var out []*TaskError
	var walk func(error)
	walk = func(err error) {
		switch e := err.(type) {
		case nil:
		case *TaskError:
			out = append(out, e)
		case interface{ Unwrap() []error }:
			for _, sub := range e.Unwrap() {
				walk(sub)
			}
		case interface{ Unwrap() error }:
			walk(e.Unwrap())
		}
	}
	walk(err)
	return out
}
