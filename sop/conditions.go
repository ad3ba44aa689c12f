package sop

// NextStepIDs is the condition evaluator: a pure function from a step
// and its recorded result to the successor step ids.
//
// Declared conditions are evaluated in declaration order and the first
// match determines the sole successor; they are mutually exclusive
// short-circuits, not filters. When no condition is declared, or none
// matches, the static NextSteps list is returned verbatim. That list
// may hold several ids, an implicit fan-out the caller walks
// sequentially unless the step is parallel.
func NextStepIDs(step *WorkflowStep, result *StepResult) []string {
	if step == nil {
		return nil
	}
	for _, cond := range step.Conditions {
		if conditionMatches(cond, result) {
			return []string{cond.Next}
		}
	}
	return step.NextSteps
}

func conditionMatches(cond Condition, result *StepResult) bool {
	switch cond.Kind {
	case CondSuccess:
		return result.Completed()
	case CondFailure:
		return !result.Completed()
	case CondDecisionEquals:
		return result != nil && result.Decision != nil && result.Decision.Decision == cond.Decision
	}
	return false
}

// matchedFailureBranch reports whether a non-completed result was
// explicitly routed by a declared condition. Only then may a failed or
// timed-out step continue the traversal; the static fallback is
// reserved for completed results.
func matchedFailureBranch(step *WorkflowStep, result *StepResult) bool {
	if result.Completed() {
		return false
	}
	for _, cond := range step.Conditions {
		if conditionMatches(cond, result) {
			return true
		}
	}
	return false
}

// EvaluateCriteria is the completion-criteria checker: a pure predicate
// over a step's action results.
//
// Recognized criteria: all_actions_completed (AND over every result's
// completed flag) and any_action_completed (OR). Absent or empty
// criteria are vacuously satisfied. Unrecognized names are ignored so
// older engines tolerate newer definitions. When several recognized
// criteria are declared, all of them must hold.
func EvaluateCriteria(criteria CompletionCriteria, results []ActionResult) bool {
	for name, wanted := range criteria {
		if !wanted {
			continue
		}
		switch name {
		case CriterionAllActionsCompleted:
			if !allActionsCompleted(results) {
				return false
			}
		case CriterionAnyActionCompleted:
			if !anyActionCompleted(results) {
				return false
			}
		}
	}
	return true
}

func allActionsCompleted(results []ActionResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if !r.Completed {
			return false
		}
	}
	return true
}

func anyActionCompleted(results []ActionResult) bool {
	for _, r := range results {
		if r.Completed {
			return true
		}
	}
	return false
}
