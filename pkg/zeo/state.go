package zeo

// ReadOnlyMode is the client-wide write preference (spec.md §3). A
// Protocol's resolved value is always boolean after registration;
// Fallback only has meaning before registration completes.
type ReadOnlyMode uint8

const (
	ReadWrite ReadOnlyMode = iota
	ReadOnly
	Fallback // prefer writable; accept read-only if the server refuses writes now
)

// Readiness is the tri-valued per-Client connection state (spec.md §3).
type Readiness uint8

const (
	Never Readiness = iota
	NotReady
	Ready
)

func (r Readiness) String() string {
	switch r {
	case Ready:
		return "ready"
	case NotReady:
		return "not-ready"
	default:
		return "never"
	}
}
