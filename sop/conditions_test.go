package sop

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextStepIDs(t *testing.T) {
	completed := &StepResult{StepID: "s", Status: StepStatusCompleted}
	failed := &StepResult{StepID: "s", Status: StepStatusFailed, Error: "boom"}
	approved := &StepResult{
		StepID:   "s",
		Status:   StepStatusCompleted,
		Decision: &DecisionResult{Decision: "approve"},
	}

	t.Run("first matching condition wins", func(t *testing.T) {
		step := &WorkflowStep{
			ID: "s",
			Conditions: []Condition{
				{Kind: CondDecisionEquals, Decision: "approve", Next: "granted"},
				{Kind: CondSuccess, Next: "generic"},
			},
			NextSteps: []string{"fallback"},
		}
		assert.Equal(t, []string{"granted"}, NextStepIDs(step, approved))
		// A plain completion skips the decision condition.
		assert.Equal(t, []string{"generic"}, NextStepIDs(step, completed))
	})

	t.Run("static successors when nothing matches", func(t *testing.T) {
		step := &WorkflowStep{
			ID:         "s",
			Conditions: []Condition{{Kind: CondDecisionEquals, Decision: "reject", Next: "denied"}},
			NextSteps:  []string{"a", "b"},
		}
		assert.Equal(t, []string{"a", "b"}, NextStepIDs(step, completed))
	})

	t.Run("failure condition routes a failed result", func(t *testing.T) {
		step := &WorkflowStep{
			ID: "s",
			Conditions: []Condition{
				{Kind: CondSuccess, Next: "done"},
				{Kind: CondFailure, Next: "recover"},
			},
		}
		assert.Equal(t, []string{"recover"}, NextStepIDs(step, failed))
		assert.Equal(t, []string{"done"}, NextStepIDs(step, completed))
	})

	t.Run("no conditions, no next steps", func(t *testing.T) {
		step := &WorkflowStep{ID: "s"}
		assert.Empty(t, NextStepIDs(step, completed))
	})

	t.Run("evaluation does not mutate its inputs", func(t *testing.T) {
		step := &WorkflowStep{
			ID:         "s",
			Conditions: []Condition{{Kind: CondSuccess, Next: "next"}},
			NextSteps:  []string{"fallback"},
		}
		before := *completed
		NextStepIDs(step, completed)
		NextStepIDs(step, completed)
		assert.Equal(t, before, *completed)
		assert.Equal(t, []string{"fallback"}, step.NextSteps)
	})
}

func TestMatchedFailureBranch(t *testing.T) {
	failed := &StepResult{StepID: "s", Status: StepStatusFailed}
	timedOut := &StepResult{StepID: "s", Status: StepStatusTimedOut}
	completed := &StepResult{StepID: "s", Status: StepStatusCompleted}

	withFailure := &WorkflowStep{
		ID:         "s",
		Conditions: []Condition{{Kind: CondFailure, Next: "recover"}},
		NextSteps:  []string{"fallback"},
	}
	withoutFailure := &WorkflowStep{
		ID:        "s",
		NextSteps: []string{"fallback"},
	}

	assert.True(t, matchedFailureBranch(withFailure, failed))
	assert.True(t, matchedFailureBranch(withFailure, timedOut))
	// The static fallback is reserved for completed results.
	assert.False(t, matchedFailureBranch(withoutFailure, failed))
	assert.False(t, matchedFailureBranch(withFailure, completed))
}

func TestEvaluateCriteria(t *testing.T) {
	allDone := []ActionResult{
		{Action: "a", Completed: true},
		{Action: "b", Completed: true},
	}
	oneDone := []ActionResult{
		{Action: "a", Completed: true},
		{Action: "b", Completed: false},
	}
	noneDone := []ActionResult{
		{Action: "a", Completed: false},
	}

	cases := []struct {
		name     string
		criteria CompletionCriteria
		results  []ActionResult
		want     bool
	}{
		{"all satisfied", CompletionCriteria{CriterionAllActionsCompleted: true}, allDone, true},
		{"all with one missing", CompletionCriteria{CriterionAllActionsCompleted: true}, oneDone, false},
		{"all with empty results", CompletionCriteria{CriterionAllActionsCompleted: true}, nil, false},
		{"any with one done", CompletionCriteria{CriterionAnyActionCompleted: true}, oneDone, true},
		{"any with none done", CompletionCriteria{CriterionAnyActionCompleted: true}, noneDone, false},
		{"empty criteria vacuously true", CompletionCriteria{}, noneDone, true},
		{"nil criteria vacuously true", nil, nil, true},
		{"false-valued criterion ignored", CompletionCriteria{CriterionAllActionsCompleted: false}, oneDone, true},
		{"unknown criterion ignored", CompletionCriteria{"approved_by_lead": true}, noneDone, true},
		{
			"all declared criteria must hold",
			CompletionCriteria{CriterionAllActionsCompleted: true, CriterionAnyActionCompleted: true},
			oneDone,
			false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EvaluateCriteria(tc.criteria, tc.results))
		})
	}
}

func TestParseCondition(t *testing.T) {
	cond, err := ParseCondition("success", "n")
	assert.NoError(t, err)
	assert.Equal(t, Condition{Kind: CondSuccess, Next: "n"}, cond)

	cond, err = ParseCondition("failure", "n")
	assert.NoError(t, err)
	assert.Equal(t, Condition{Kind: CondFailure, Next: "n"}, cond)

	cond, err = ParseCondition("decision:approve", "n")
	assert.NoError(t, err)
	assert.Equal(t, Condition{Kind: CondDecisionEquals, Decision: "approve", Next: "n"}, cond)

	_, err = ParseCondition("decision:", "n")
	assert.ErrorIs(t, err, ErrDefinition)

	_, err = ParseCondition("whenever", "n")
	assert.ErrorIs(t, err, ErrDefinition)
}
