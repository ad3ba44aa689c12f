package sop

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// engine owns the step-graph traversal for one service. It is stateless
// across instances; all per-instance state lives in the WorkflowContext
// and the durable records.
type engine struct {
	repo     Repo
	registry *ActorRegistry
	bus      *MessageBus
	events   *eventEmitter
	signals  *signalRegistry
}

func newEngine(repo Repo, registry *ActorRegistry, bus *MessageBus, events *eventEmitter, signals *signalRegistry) *engine {
	return &engine{repo: repo, registry: registry, bus: bus, events: events, signals: signals}
}

// stepError ties a traversal failure to the step it happened on, so the
// manager can record the failing step id on the instance.
type stepError struct {
	stepID string
	err    error
}

func (e *stepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.stepID, e.err)
}

func (e *stepError) Unwrap() error {
	return e.err
}

func failingStepID(err error) string {
	var se *stepError
	if errors.As(err, &se) {
		return se.stepID
	}
	return ""
}

// run traverses from the definition's entry step to a terminal outcome.
// A nil return means every reachable step completed; any error aborts
// the whole instance.
func (e *engine) run(ctx context.Context, wctx *WorkflowContext) error {
	entry := wctx.Definition.EntryStep()
	if entry == nil {
		return errors.Wrapf(ErrDefinition, "definition %s has no entry step", wctx.Definition.Name)
	}
	return e.runQueue(ctx, wctx, []string{entry.ID})
}

// runQueue is the traversal loop: an explicit work stack instead of
// per-step recursion, so deep graphs cannot grow the call stack and
// cancellation has one natural check point. Successors are prepended,
// which keeps the visit order of the old recursive scheme.
func (e *engine) runQueue(ctx context.Context, wctx *WorkflowContext, frontier []string) error {
	queue := make([]string, len(frontier))
	copy(queue, frontier)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		stepID := queue[0]
		queue = queue[1:]

		step, ok := wctx.Definition.StepByID(stepID)
		if !ok {
			return &stepError{stepID: stepID, err: errors.Wrapf(ErrDefinition, "unknown step id: %s", stepID)}
		}
		// A step already claimed by another path (diamond joins) is not
		// run twice; the claiming path carries the continuation.
		if !wctx.claim(stepID) {
			continue
		}

		next, err := e.executeStep(ctx, wctx, step)
		if err != nil {
			return &stepError{stepID: stepID, err: err}
		}
		queue = append(next, queue...)
	}
	return nil
}

// executeStep runs one step through its record lifecycle and returns
// the successor ids. Failed and timed-out results continue only when
// the step declares a matching failure condition; otherwise they abort
// the instance.
func (e *engine) executeStep(ctx context.Context, wctx *WorkflowContext, step *WorkflowStep) ([]string, error) {
	recordID := e.openStepRecord(ctx, wctx, step)

	result, err := e.dispatch(ctx, wctx, step, recordID)
	if err != nil {
		e.closeStepRecord(ctx, recordID, failedResult(step.ID, err))
		return nil, err
	}

	e.closeStepRecord(ctx, recordID, result)
	wctx.recordResult(result)

	switch {
	case result.Completed():
		return e.successors(step, result), nil
	case matchedFailureBranch(step, result):
		// Handled failure: the definition routed it explicitly.
		return e.successors(step, result), nil
	case result.Status == StepStatusTimedOut:
		return nil, errors.Wrapf(ErrTimedOut, "step: %s, role: %s", step.ID, step.AssignedRole)
	default:
		return nil, errors.Wrapf(ErrStepExecution, "step: %s, err: %s", step.ID, result.Error)
	}
}

// successors consults the condition evaluator. Parallel steps already
// consumed their static next-steps as the fan-out set, so only a
// matched condition can name a join successor for them.
func (e *engine) successors(step *WorkflowStep, result *StepResult) []string {
	if step.Type == StepTypeParallel {
		for _, cond := range step.Conditions {
			if conditionMatches(cond, result) {
				return []string{cond.Next}
			}
		}
		return nil
	}
	return NextStepIDs(step, result)
}

func (e *engine) dispatch(ctx context.Context, wctx *WorkflowContext, step *WorkflowStep, recordID int64) (*StepResult, error) {
	switch step.Type {
	case StepTypeAutomated:
		return e.runAutomated(ctx, wctx, step)
	case StepTypeHumanAction:
		return e.waitForHuman(ctx, wctx, step, false)
	case StepTypeDecision:
		return e.runDecision(ctx, wctx, step)
	case StepTypeParallel:
		return e.runParallel(ctx, wctx, step)
	}
	return nil, errors.Wrapf(ErrDefinition, "unknown step type: %s", step.Type)
}

// runAutomated invokes the role actor once per configured action and
// judges the collected results against the step's completion criteria.
// The step's timeout bounds the whole action list; expiry yields a
// timed-out result, never a silent success.
func (e *engine) runAutomated(ctx context.Context, wctx *WorkflowContext, step *WorkflowStep) (*StepResult, error) {
	actor, ok := e.registry.Lookup(step.AssignedRole)
	if !ok {
		return nil, errors.Wrapf(ErrNoActor, "role: %s, step: %s", step.AssignedRole, step.ID)
	}

	actionCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		actionCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	input := &ActionInput{
		InstanceID:   wctx.InstanceID,
		Context:      wctx.Input,
		PriorResults: wctx.PriorResults(),
		Step:         step,
	}
	results := make([]ActionResult, 0, len(step.Actions))
	for _, action := range step.Actions {
		out, err := e.safeExecuteAction(actionCtx, actor, action, input)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(actionCtx.Err(), context.DeadlineExceeded) {
				return timedOutResult(step.ID), nil
			}
			return failedResult(step.ID, errors.WithMessagef(err, "action: %s", action)), nil
		}
		if out == nil {
			out = &ActionResult{}
		}
		out.Action = action
		results = append(results, *out)
	}

	result := &StepResult{StepID: step.ID, Actions: results}
	if EvaluateCriteria(step.CompletionCriteria, results) {
		result.Status = StepStatusCompleted
	} else {
		result.Status = StepStatusFailed
		result.Error = "completion criteria not satisfied"
	}
	return result, nil
}

// safeExecuteAction keeps actor panics inside the actor boundary: the
// engine sees an error, never a stack unwind.
func (e *engine) safeExecuteAction(ctx context.Context, actor RoleActor, action string, input *ActionInput) (result *ActionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			slog.ErrorContext(ctx, fmt.Sprintf("ExecuteAction panic: %v, action: %s, stack: %s", r, action, string(stack)))
			err = errors.Errorf("ExecuteAction panic: %v, action: %s", r, action)
		}
	}()
	return actor.ExecuteAction(ctx, action, input)
}

// runDecision asks the role's decision capability when one is
// registered, otherwise falls back to the human-action wait so an
// operator can supply the decision value.
func (e *engine) runDecision(ctx context.Context, wctx *WorkflowContext, step *WorkflowStep) (*StepResult, error) {
	dm, ok := e.registry.decisionMaker(step.AssignedRole)
	if !ok {
		return e.waitForHuman(ctx, wctx, step, true)
	}

	decisionCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		decisionCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}
	decision, err := e.safeMakeDecision(decisionCtx, dm, &DecisionInput{
		InstanceID:   wctx.InstanceID,
		Context:      wctx.Input,
		PriorResults: wctx.PriorResults(),
		Criteria:     step.CompletionCriteria,
		Step:         step,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(decisionCtx.Err(), context.DeadlineExceeded) {
			return timedOutResult(step.ID), nil
		}
		return failedResult(step.ID, err), nil
	}
	if decision == nil || decision.Decision == "" {
		return failedResult(step.ID, errors.Errorf("decision maker returned no decision, role: %s", step.AssignedRole)), nil
	}
	return &StepResult{StepID: step.ID, Status: StepStatusCompleted, Decision: decision}, nil
}

func (e *engine) safeMakeDecision(ctx context.Context, dm DecisionMaker, input *DecisionInput) (result *DecisionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			slog.ErrorContext(ctx, fmt.Sprintf("MakeDecision panic: %v, stack: %s", r, string(stack)))
			err = errors.Errorf("MakeDecision panic: %v", r)
		}
	}()
	return dm.MakeDecision(ctx, input)
}

// waitForHuman notifies the assigned role and suspends this traversal
// path until an external completion signal arrives. This is the
// engine's one intentional blocking point. Deadline expiry is a
// timed-out failure; the step is never synthesized as completed.
func (e *engine) waitForHuman(ctx context.Context, wctx *WorkflowContext, step *WorkflowStep, wantDecision bool) (*StepResult, error) {
	data := map[string]any{"step_id": step.ID}
	if step.Timeout > 0 {
		data["deadline_at"] = time.Now().Add(step.Timeout).Unix()
	}
	_, err := e.bus.Send(ctx, &SendMessageReq{
		FromRole:   EngineRole,
		ToRole:     step.AssignedRole,
		Type:       EventHumanActionRequired,
		Subject:    step.Name,
		Body:       step.Description,
		Data:       data,
		InstanceID: wctx.InstanceID,
	})
	if err != nil {
		// The notification record matters less than the suspension
		// contract; keep waiting even if the write failed.
		slog.WarnContext(ctx, fmt.Sprintf("human notification failed, instanceID: %d, step: %s, err: %v", wctx.InstanceID, step.ID, err))
	}
	e.events.emit(ctx, &Event{
		Name:       EventHumanActionRequired,
		InstanceID: wctx.InstanceID,
		StepID:     step.ID,
		Role:       step.AssignedRole,
		At:         time.Now(),
	})

	var timeout <-chan time.Time
	if step.Timeout > 0 {
		timer := time.NewTimer(step.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case sig := <-e.signals.channel(wctx.InstanceID, step.ID):
		return e.resultFromSignal(step, sig, wantDecision), nil
	case <-timeout:
		return timedOutResult(step.ID), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *engine) resultFromSignal(step *WorkflowStep, sig *StepSignal, wantDecision bool) *StepResult {
	if !sig.Completed {
		result := failedResult(step.ID, errors.Errorf("rejected by role: %s", step.AssignedRole))
		result.Output = sig.Output
		return result
	}
	result := &StepResult{StepID: step.ID, Status: StepStatusCompleted, Output: sig.Output}
	if wantDecision {
		if sig.Decision == "" {
			return failedResult(step.ID, errors.Errorf("completion signal carried no decision, step: %s", step.ID))
		}
		result.Decision = &DecisionResult{Decision: sig.Decision, Reasoning: sig.Reasoning}
	}
	return result
}

// runParallel fans the step's configured next-step ids out as
// concurrent sub-traversals and joins them all-or-nothing: one failed
// branch fails the whole group. Step records of the other branches stay
// on the durable log for diagnosis.
func (e *engine) runParallel(ctx context.Context, wctx *WorkflowContext, step *WorkflowStep) (*StepResult, error) {
	branches := step.NextSteps
	if len(branches) == 0 {
		return completedResult(step.ID), nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, branchID := range branches {
		branchID := branchID
		g.Go(func() error {
			return e.runQueue(gctx, wctx, []string{branchID})
		})
	}
	if err := g.Wait(); err != nil {
		return failedResult(step.ID, err), nil
	}

	// One aggregate entry per configured branch.
	output := make(map[string]any, len(branches))
	for _, branchID := range branches {
		if r, ok := wctx.Result(branchID); ok {
			output[branchID] = map[string]any{"status": r.Status}
		}
	}
	return &StepResult{StepID: step.ID, Status: StepStatusCompleted, Output: output}, nil
}

// openStepRecord persists the in-progress record and moves the
// instance's current-step pointer. Both writes are advisory beside the
// in-memory traversal: a failure is logged, not fatal.
func (e *engine) openStepRecord(ctx context.Context, wctx *WorkflowContext, step *WorkflowStep) int64 {
	now := time.Now().Unix()
	record := &StepRecordPo{
		InstanceID:   wctx.InstanceID,
		StepID:       step.ID,
		StepName:     step.Name,
		AssignedRole: step.AssignedRole,
		Status:       StepStatusInProgress,
		StartedAt:    now,
	}
	if step.Timeout > 0 {
		record.DeadlineAt = now + int64(step.Timeout/time.Second)
	}
	stored, err := e.repo.CreateStepRecord(ctx, record)
	if err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("CreateStepRecord failed, instanceID: %d, step: %s, err: %v", wctx.InstanceID, step.ID, err))
		return 0
	}

	err = e.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
		Where: &UpdateWorkflowInstanceWhere{IDIn: []int64{wctx.InstanceID}},
		Fields: &UpdateWorkflowInstanceField{
			CurrentStepID: &step.ID,
			CurrentRole:   &step.AssignedRole,
		},
		LimitMax: 1,
	})
	if err != nil {
		slog.WarnContext(ctx, fmt.Sprintf("update current step failed, instanceID: %d, step: %s, err: %v", wctx.InstanceID, step.ID, err))
	}
	return stored.ID
}

// closeStepRecord writes the terminal status and result payload. A
// failed write is a PersistenceError by policy: logged, and in-memory
// progression continues.
func (e *engine) closeStepRecord(ctx context.Context, recordID int64, result *StepResult) {
	if recordID == 0 {
		return
	}
	payload, err := encodeStepResult(result)
	if err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("encode step result failed, recordID: %d, err: %v", recordID, err))
	}
	now := time.Now().Unix()
	err = e.repo.UpdateStepRecord(ctx, &UpdateStepRecordParams{
		Where: &UpdateStepRecordWhere{IDIn: []int64{recordID}},
		Fields: &UpdateStepRecordField{
			Status:      &result.Status,
			Result:      payload,
			CompletedAt: &now,
		},
		LimitMax: 1,
	})
	if err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("UpdateStepRecord failed, recordID: %d, err: %v", recordID, errors.WithMessage(ErrPersistence, err.Error())))
	}
}
