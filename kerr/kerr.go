// Package kerr defines the small, closed error taxonomy shared by every
// core component. Errors here carry neither message nor backtrace by
// design — the caller logs whatever context it has via klog.
package kerr

// CoreError is one of the seven taxonomy members from spec.md §7.
type CoreError struct {
	kind string
}

func (e *CoreError) Error() string { return e.kind }

var (
	// AllocationFailed: frame allocator or kernel heap exhausted.
	AllocationFailed = &CoreError{"allocation failed"}
	// InvalidArgument: null pointer, zero length, malformed descriptor.
	InvalidArgument = &CoreError{"invalid argument"}
	// NotFound: no such task / surface / token / buffer / path.
	NotFound = &CoreError{"not found"}
	// PermissionDenied: caller does not own the resource or lacks the flag.
	PermissionDenied = &CoreError{"permission denied"}
	// Busy: double-free, RoleAlreadySet, BufferLimitReached, MappingLimitReached, QueueFull.
	Busy = &CoreError{"busy"}
	// Fault: a user-pointer check failed.
	Fault = &CoreError{"fault"}
	// Fatal: exception on a kernel-mode frame, corrupted invariant, guard-page hit.
	Fatal = &CoreError{"fatal"}
)

// Is supports errors.Is against the package-level sentinels above.
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	return ok && t == e
}
