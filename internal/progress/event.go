// Package progress defines the event stream emitted by the pipeline phases.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Phase names the pipeline phase an event belongs to.
type Phase string

// Supported phases. PhaseRun scopes run-level lifecycle events.
const (
	PhaseRun     Phase = "run"
	PhaseExtract Phase = "extract"
	PhaseResolve Phase = "resolve"
	PhaseEnrich  Phase = "enrich"
	PhaseFetch   Phase = "fetch"
)

// Outcome classifies what an event reports.
type Outcome string

// Supported outcomes.
const (
	OutcomeStarted   Outcome = "started"
	OutcomeOK        Outcome = "ok"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
)

// Event captures a single pipeline milestone. Index is the skeleton index for
// item-scoped events and -1 for phase- or run-scoped ones.
type Event struct {
	// RunID uniquely identifies a pipeline run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Phase denotes which pipeline phase the event belongs to.
	Phase Phase
	// Index is the skeleton index, or -1 when the event is not item-scoped.
	Index int
	// Outcome classifies the milestone.
	Outcome Outcome
	// Message carries low-volume context, usually error text.
	Message string
	// Dur captures execution latency where the emitter measured one.
	Dur time.Duration
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Phase {
	case PhaseRun, PhaseExtract, PhaseResolve, PhaseEnrich, PhaseFetch:
	default:
		return fmt.Errorf("unknown phase %q", e.Phase)
	}
	switch e.Outcome {
	case OutcomeStarted, OutcomeOK, OutcomeFailed, OutcomeSkipped, OutcomeCompleted, OutcomeCancelled:
	default:
		return fmt.Errorf("unknown outcome %q", e.Outcome)
	}
	if e.Index < -1 {
		return errors.New("index must be >= -1")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
