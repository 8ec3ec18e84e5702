package imageinspect

import "fmt"

// ErrorKind distinguishes the five failure modes named in spec.md §4.A,
// each with a single-sentence user message.
type ErrorKind int

const (
	ErrImageNotFound ErrorKind = iota
	ErrNotBootc
	ErrKernelNotFound
	ErrInitramfsNotFound
	ErrArchUnsupported
)

// Error is the typed error surfaced by Inspect.
type Error struct {
	Kind      ErrorKind
	Reference string
	Detail    string
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrImageNotFound:
		return fmt.Sprintf("image %q not found", e.Reference)
	case ErrNotBootc:
		return fmt.Sprintf("image %q is not marked as bootc-compatible", e.Reference)
	case ErrKernelNotFound:
		return fmt.Sprintf("image %q has no kernel under /usr/lib/modules", e.Reference)
	case ErrInitramfsNotFound:
		return fmt.Sprintf("image %q's kernel has no matching initramfs", e.Reference)
	case ErrArchUnsupported:
		return fmt.Sprintf("image %q targets an architecture unsupported by this host: %s", e.Reference, e.Detail)
	default:
		return fmt.Sprintf("image %q: inspection failed: %s", e.Reference, e.Detail)
	}
}
