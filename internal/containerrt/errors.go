package containerrt

import "fmt"

// RuntimeError wraps a failure to invoke the container runtime binary
// itself, as distinct from a failure reported by the invoked container.
type RuntimeError struct {
	Op      string
	Message string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("container runtime %s: %s", e.Op, e.Message)
}
