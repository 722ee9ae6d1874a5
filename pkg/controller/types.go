package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/powercycled/powercycled/pkg/observability"
)

// State is the lifecycle position of a run.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
	StateCancelled State = "cancelled"
)

// LogEvent is a timestamped, leveled message emitted while a run progresses.
// Name is a stable machine-readable key; Message is the operator-facing text.
type LogEvent struct {
	RunID     string
	Timestamp time.Time
	Level     observability.Level
	Name      string
	Message   string
}

// ProgressEvent reports the counters after a loop completed all its steps.
type ProgressEvent struct {
	RunID        string
	LoopIndex    int
	SuccessCount int
}

// RunState is the mutable bookkeeping of one run. It is owned by the worker
// goroutine and only ever leaves it by value.
type RunState struct {
	LoopIndex    int
	SuccessCount int
}

// Summary describes a finished run.
type Summary struct {
	RunID        string
	Host         string
	State        State
	Loops        int
	LoopIndex    int
	SuccessCount int
	Err          error
	StartedAt    time.Time
	FinishedAt   time.Time
}

// ErrRunActive is returned when a run is started while another is still active.
var ErrRunActive = errors.New("controller: a run is already active")

// UnreachableError reports that the host did not answer within the probe budget.
type UnreachableError struct {
	Host     string
	Phase    string
	Attempts int
	// LogClean is set when the serial log was checked and showed no fault.
	LogClean bool
}

func (e *UnreachableError) Error() string {
	msg := fmt.Sprintf("host %s unreachable %s after %d attempts", e.Host, e.Phase, e.Attempts)
	if e.LogClean {
		msg += " (no fault keyword in log)"
	}
	return msg
}

// FaultConfirmedError reports a fault keyword found in the serial log.
type FaultConfirmedError struct {
	Phase      string
	Keyword    string
	Line       string
	LineNumber int
}

func (e *FaultConfirmedError) Error() string {
	return fmt.Sprintf("fault keyword %q found %s at line %d: %s", e.Keyword, e.Phase, e.LineNumber, e.Line)
}

const (
	phaseAfterPowerOn = "after power on"
	phaseAfterIO      = "after io"
)
