package sop

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ActionResult is the structured outcome one role actor returns for one
// action of an automated step. Nothing else crosses the actor boundary:
// actors fail by returning an error, not by smuggling stack traces into
// the output.
type ActionResult struct {
	Action    string `json:"action"`
	Completed bool   `json:"completed"`
	Output    any    `json:"output,omitempty"`
}

// DecisionResult carries the opaque decision value a decision step
// emits plus the actor's reasoning. The engine only ever compares the
// value against CondDecisionEquals conditions.
type DecisionResult struct {
	Decision  string `json:"decision"`
	Reasoning string `json:"reasoning,omitempty"`
}

// StepResult is the tagged record of one executed step. Exactly one of
// the terminal step statuses is set; Actions is populated for automated
// steps, Decision for decision steps, Output for human and parallel
// steps.
type StepResult struct {
	StepID   string          `json:"step_id"`
	Status   StepStatus      `json:"status"`
	Actions  []ActionResult  `json:"actions,omitempty"`
	Decision *DecisionResult `json:"decision,omitempty"`
	Output   map[string]any  `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Completed reports whether the step finished successfully. Failed,
// timed-out and skipped results all answer false.
func (r *StepResult) Completed() bool {
	return r != nil && r.Status == StepStatusCompleted
}

func completedResult(stepID string) *StepResult {
	return &StepResult{StepID: stepID, Status: StepStatusCompleted}
}

func failedResult(stepID string, err error) *StepResult {
	r := &StepResult{StepID: stepID, Status: StepStatusFailed}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func timedOutResult(stepID string) *StepResult {
	return &StepResult{StepID: stepID, Status: StepStatusTimedOut, Error: ErrTimedOut.Error()}
}

func encodeStepResult(r *StepResult) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeStepResult reads a step record's result payload back into its
// typed form.
func DecodeStepResult(b []byte) (*StepResult, error) {
	if len(b) == 0 {
		return nil, errors.New("empty step result payload")
	}
	r := &StepResult{}
	if err := json.Unmarshal(b, r); err != nil {
		return nil, errors.WithMessage(err, "decode step result failed")
	}
	return r, nil
}
