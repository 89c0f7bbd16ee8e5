package solver

import (
	"fmt"
	"time"
)

// WorkflowTimeoutError is returned by CompleteWorkflow when the job did not resolve in time.
// The job stays processing and the background poll loop may still finish it.
type WorkflowTimeoutError struct {
	JobID  string
	Waited time.Duration
	Err    error
}

func (e *WorkflowTimeoutError) Error() string {
	msg := fmt.Sprintf("job %s not resolved after %s", e.JobID, e.Waited)
	if e.Err != nil {
		msg += ": last error: " + e.Err.Error()
	}
	return msg
}

func (e *WorkflowTimeoutError) Unwrap() error { return e.Err }
