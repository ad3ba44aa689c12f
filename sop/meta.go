package sop

import "github.com/pkg/errors"

var (
	// ErrDefinition: the SOP definition is missing or malformed.
	// At creation time no instance record is written; at start time the
	// already-created instance is marked failed.
	ErrDefinition = errors.New("sop definition error")
	// ErrNoActor: an automated or decision step is assigned to a role with
	// no registered actor. Fails the owning instance.
	ErrNoActor = errors.New("no actor registered for role")
	// ErrStepExecution: a role actor's handler returned an error or
	// panicked. Fails the owning instance unless the step declares a
	// matching failure condition.
	ErrStepExecution = errors.New("step execution failed")
	// ErrTimedOut: the step exceeded its deadline. Routed through the
	// failure branch when one is declared, never treated as success.
	ErrTimedOut = errors.New("step timed out")
	// ErrPersistence: a durable-store write failed. Step-result writes are
	// logged and do not halt in-memory progression; instance-status writes
	// propagate.
	ErrPersistence = errors.New("persistence write failed")

	ErrInstanceNotFound = errors.New("workflow instance not found")
	ErrStepNotFound     = errors.New("workflow step not found")
	// ErrAlreadyStarted: Start was called on an instance that is already
	// in progress. The repeat call is rejected, never re-executed.
	ErrAlreadyStarted = errors.New("workflow instance already started")
	// ErrInstanceFinished: the instance reached a terminal status and can
	// no longer be started, signaled or cancelled.
	ErrInstanceFinished = errors.New("workflow instance already finished")
	// ErrAlreadySignaled: a human-action step received a second completion
	// signal before consuming the first.
	ErrAlreadySignaled = errors.New("step already signaled")
	ErrParamInvalid    = errors.New("param invalid")
)

// InstanceStatus transitions are monotonic:
// pending -> in_progress -> completed|failed|cancelled. No regression.
type InstanceStatus = string

const (
	InstanceStatusPending    InstanceStatus = "pending"
	InstanceStatusInProgress InstanceStatus = "in_progress"
	InstanceStatusCompleted  InstanceStatus = "completed"
	InstanceStatusFailed     InstanceStatus = "failed"
	InstanceStatusCancelled  InstanceStatus = "cancelled"
)

func IsTerminalInstanceStatus(status InstanceStatus) bool {
	return status == InstanceStatusCompleted || status == InstanceStatusFailed || status == InstanceStatusCancelled
}

// instanceStatusRank orders statuses for the monotonic-transition guard.
func instanceStatusRank(status InstanceStatus) int {
	switch status {
	case InstanceStatusPending:
		return 0
	case InstanceStatusInProgress:
		return 1
	case InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusCancelled:
		return 2
	}
	return -1
}

func GetInstanceStatusText(status InstanceStatus) string {
	switch status {
	case InstanceStatusPending:
		return "Pending"
	case InstanceStatusInProgress:
		return "In progress"
	case InstanceStatusCompleted:
		return "Completed"
	case InstanceStatusFailed:
		return "Failed"
	case InstanceStatusCancelled:
		return "Cancelled"
	}
	return "Unknown"
}

type StepStatus = string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	// StepStatusSkipped marks records of parallel branches that never ran
	// because a sibling branch failed the group.
	StepStatusSkipped  StepStatus = "skipped"
	StepStatusTimedOut StepStatus = "timed_out"
)

func IsTerminalStepStatus(status StepStatus) bool {
	return status == StepStatusCompleted || status == StepStatusFailed ||
		status == StepStatusSkipped || status == StepStatusTimedOut
}

func GetStepStatusText(status StepStatus) string {
	switch status {
	case StepStatusPending:
		return "Pending"
	case StepStatusInProgress:
		return "In progress"
	case StepStatusCompleted:
		return "Completed"
	case StepStatusFailed:
		return "Failed"
	case StepStatusSkipped:
		return "Skipped"
	case StepStatusTimedOut:
		return "Timed out"
	}
	return "Unknown"
}

// Event names observable through Service.RegisterEventHandler.
type EventName = string

const (
	EventHumanActionRequired EventName = "human_action_required"
	EventWorkflowCompleted   EventName = "workflow_completed"
	EventWorkflowFailed      EventName = "workflow_failed"
)

// EngineRole is the from-role used on messages the engine itself sends,
// e.g. human-action notifications.
const EngineRole = "engine"

// IsSeriousError reports whether an error needs human attention rather
// than a routine retry: broken definitions, missing actors, failed
// instances. Used to pick the log level in the manager.
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	causeErr := errors.Cause(err)
	if errors.Is(causeErr, ErrDefinition) ||
		errors.Is(causeErr, ErrNoActor) ||
		errors.Is(causeErr, ErrStepExecution) ||
		errors.Is(causeErr, ErrInstanceNotFound) ||
		errors.Is(causeErr, ErrStepNotFound) {
		return true
	}
	return false
}
