package sop

import (
	"fmt"
	"strings"
	"sync"
)

// WorkflowContext is the in-memory state of one running instance. It is
// created at instance creation, mutated only through the methods below
// while the engine traverses the graph, and dropped from the active
// table once the instance reaches a terminal status.
//
// Parallel branches share the context, so every mutation and snapshot
// goes through the mutex.
type WorkflowContext struct {
	InstanceID  int64
	Definition  *SOPDefinition
	TriggerType string
	TriggerID   string
	Input       *JSONContext

	mu             sync.Mutex
	stepResults    map[string]*StepResult
	completedSteps []string
	claimed        map[string]struct{}
}

func newWorkflowContext(instanceID int64, def *SOPDefinition, triggerType, triggerID string, input *JSONContext) *WorkflowContext {
	if input == nil {
		input = NewJSONContextFromMap(nil)
	}
	return &WorkflowContext{
		InstanceID:  instanceID,
		Definition:  def,
		TriggerType: triggerType,
		TriggerID:   triggerID,
		Input:       input,
		stepResults: make(map[string]*StepResult),
		claimed:     make(map[string]struct{}),
	}
}

// claim marks a step as taken by one traversal path and reports whether
// this caller was first. Converging paths (diamond joins, parallel
// branches reaching the same successor) execute a step exactly once.
func (c *WorkflowContext) claim(stepID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.claimed[stepID]; ok {
		return false
	}
	c.claimed[stepID] = struct{}{}
	return true
}

// recordResult stores a step's result; successful steps are appended to
// the completed order.
func (c *WorkflowContext) recordResult(result *StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepResults[result.StepID] = result
	if result.Status == StepStatusCompleted {
		c.completedSteps = append(c.completedSteps, result.StepID)
	}
}

// Result returns the recorded result for a step id.
func (c *WorkflowContext) Result(stepID string) (*StepResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.stepResults[stepID]
	return r, ok
}

// PriorResults snapshots the recorded results for actor input.
func (c *WorkflowContext) PriorResults() map[string]*StepResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(map[string]*StepResult, len(c.stepResults))
	for k, v := range c.stepResults {
		snapshot[k] = v
	}
	return snapshot
}

// CompletedSteps returns the append-only completion order.
func (c *WorkflowContext) CompletedSteps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.completedSteps))
	copy(out, c.completedSteps)
	return out
}

// StepSignal is the external completion event a suspended human-action
// (or fallback decision) step resumes on.
type StepSignal struct {
	Completed bool
	Output    map[string]any
	// Decision and Reasoning feed decision steps running in the
	// human fallback path.
	Decision  string
	Reasoning string
}

// signalRegistry hands each suspended step a buffered channel so a
// signal sent before the step reaches its wait is not lost.
type signalRegistry struct {
	mu    sync.Mutex
	chans map[string]chan *StepSignal
}

func newSignalRegistry() *signalRegistry {
	return &signalRegistry{chans: make(map[string]chan *StepSignal)}
}

func signalKey(instanceID int64, stepID string) string {
	return fmt.Sprintf("%d/%s", instanceID, stepID)
}

func (s *signalRegistry) channel(instanceID int64, stepID string) chan *StepSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := signalKey(instanceID, stepID)
	ch, ok := s.chans[key]
	if !ok {
		ch = make(chan *StepSignal, 1)
		s.chans[key] = ch
	}
	return ch
}

func (s *signalRegistry) signal(instanceID int64, stepID string, sig *StepSignal) error {
	ch := s.channel(instanceID, stepID)
	select {
	case ch <- sig:
		return nil
	default:
		return ErrAlreadySignaled
	}
}

// drop discards all channels of a finished instance.
func (s *signalRegistry) drop(instanceID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := fmt.Sprintf("%d/", instanceID)
	for key := range s.chans {
		if strings.HasPrefix(key, prefix) {
			delete(s.chans, key)
		}
	}
}
