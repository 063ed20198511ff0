package workflow

import "fmt"

// Fault is a workflow-level failure: the run cannot continue, the task
// goes to FAILED, and an error event is published. It is distinguished
// from transport or client errors so the pipeline can pick the error
// event wording.
type Fault struct {
	Op  string
	Err error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("workflow fault: %s", f.Op)
	}
	return fmt.Sprintf("workflow fault: %s: %v", f.Op, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Faultf wraps err as a Fault for the named operation.
func Faultf(op string, err error) *Fault {
	return &Fault{Op: op, Err: err}
}
