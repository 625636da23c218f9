package supervisor

import "errors"

// ErrControllerStopped is returned by Use and Stop once the
// controller's Run loop has exited (process shutdown in progress or
// complete). Callers should treat it the same as a canceled context.
var ErrControllerStopped = errors.New("supervisor: controller stopped")
