package replstream

import "errors"

// ErrStopReplication is the sentinel the Consumer returns to signal normal
// batch termination: the target batch size was reached, the requested
// upto-LSN was reached, or a schema change could not be reconciled. It is
// never used to unwind an actual error condition across goroutines or via
// panic/recover -- it is a plain returned error, checked with errors.Is.
var ErrStopReplication = errors.New("replstream: stop replication")

// ErrUnsupportedOperation is returned for a RowMessage with Op == OpUnknown.
var ErrUnsupportedOperation = errors.New("replstream: unsupported operation")
