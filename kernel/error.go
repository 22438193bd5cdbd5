package kernel

// Kind classifies a kernel Error as either a recoverable resource condition
// or an unclassified/programmer error. Allocators return KindOutOfMemory
// so callers can distinguish exhaustion from a misuse of the contract
// (KindInvalidArgument), without resorting to string comparison.
type Kind uint8

const (
	// KindUnspecified is the zero value; used for errors that predate the
	// Kind field and for programmer errors that always panic rather than
	// propagate.
	KindUnspecified Kind = iota

	// KindInvalidArgument marks a violated call contract: an alignment
	// greater than one page, a deallocate of memory never allocated, etc.
	KindInvalidArgument

	// KindOutOfMemory marks recoverable resource exhaustion.
	KindOutOfMemory
)

// Error describes a kernel kerror. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the Go allocator is not available to us so we cannot use
// errors.New.
type Error struct {
	// The module where the error occurred.
	Module string

	// Kind classifies the error for callers that branch on it.
	Kind Kind

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is reports whether this error has the given kind. It exists so call sites
// can write `err.Is(kernel.KindOutOfMemory)` instead of comparing Kind
// fields directly.
func (e *Error) Is(kind Kind) bool {
	return e != nil && e.Kind == kind
}
