// Package session implements sync and transfer sessions: the persisted
// session records, the staged state machine a transfer moves through, and the
// built-in operations that drive each stage against the local database.
package session

// Stage is one phase of a transfer session. Stages are totally ordered; a
// transfer only ever moves forward.
type Stage string

const (
	StageInitializing  Stage = "initializing"
	StageSerializing   Stage = "serializing"
	StageQueuing       Stage = "queuing"
	StageTransferring  Stage = "transferring"
	StageDequeuing     Stage = "dequeuing"
	StageDeserializing Stage = "deserializing"
	StageCleanup       Stage = "cleanup"
)

var stageOrder = map[Stage]int{
	StageInitializing:  1,
	StageSerializing:   2,
	StageQueuing:       3,
	StageTransferring:  4,
	StageDequeuing:     5,
	StageDeserializing: 6,
	StageCleanup:       7,
}

// allStages in order.
var allStages = []Stage{
	StageInitializing, StageSerializing, StageQueuing, StageTransferring,
	StageDequeuing, StageDeserializing, StageCleanup,
}

// Ordinal returns the stage's position in the pipeline, or 0 when unknown.
func (s Stage) Ordinal() int {
	return stageOrder[s]
}

// Valid reports whether s names a known stage.
func (s Stage) Valid() bool {
	return stageOrder[s] != 0
}

// Before reports whether s strictly precedes other.
func (s Stage) Before(other Stage) bool {
	return s.Ordinal() < other.Ordinal()
}

// Next returns the stage after s, or s itself at the end of the pipeline.
func (s Stage) Next() Stage {
	ord := s.Ordinal()
	if ord == 0 || ord >= len(allStages) {
		return s
	}
	return allStages[ord]
}

// Status is the progress of a transfer session within its current stage.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
)

// InProgress reports whether the stage still needs to be driven forward.
func (s Status) InProgress() bool {
	return s == StatusPending || s == StatusStarted
}

// Capability strings negotiated between peers. A capability is in effect only
// when both sides advertise it.
const (
	CapabilityCertificatePushing = "allow_certificate_pushing"
	CapabilityGzipBufferPost     = "gzip_buffer_post"
	CapabilityAsyncOperations    = "async_operations"
	CapabilityFSICv2             = "fsic_v2_format"
)

// LocalCapabilities returns everything this build supports.
func LocalCapabilities() []string {
	return []string{
		CapabilityCertificatePushing,
		CapabilityGzipBufferPost,
		CapabilityAsyncOperations,
		CapabilityFSICv2,
	}
}

// IntersectCapabilities returns the capabilities present in both sets,
// preserving the order of a.
func IntersectCapabilities(a, b []string) []string {
	have := make(map[string]bool, len(b))
	for _, c := range b {
		have[c] = true
	}
	var out []string
	for _, c := range a {
		if have[c] {
			out = append(out, c)
		}
	}
	return out
}

// HasCapability reports whether c is in the negotiated set.
func HasCapability(capabilities []string, c string) bool {
	for _, x := range capabilities {
		if x == c {
			return true
		}
	}
	return false
}
