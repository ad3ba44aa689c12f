package sop

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type StepType = string

const (
	StepTypeAutomated   StepType = "automated"
	StepTypeHumanAction StepType = "human_action"
	StepTypeDecision    StepType = "decision"
	StepTypeParallel    StepType = "parallel"
)

func isKnownStepType(t StepType) bool {
	switch t {
	case StepTypeAutomated, StepTypeHumanAction, StepTypeDecision, StepTypeParallel:
		return true
	}
	return false
}

// ConditionKind is the closed set of branch predicates a step may
// declare. Conditions are parsed once at definition load time; the
// evaluator only ever switches on the kind.
type ConditionKind int

const (
	// CondSuccess matches a completed result.
	CondSuccess ConditionKind = iota
	// CondFailure matches a failed or timed-out result.
	CondFailure
	// CondDecisionEquals matches the decision value emitted by a
	// decision step.
	CondDecisionEquals
)

type Condition struct {
	Kind     ConditionKind
	Decision string // set for CondDecisionEquals
	Next     string // successor step id when the condition matches
}

const decisionConditionPrefix = "decision:"

// ParseCondition turns a configured condition expression into its typed
// form. Recognized expressions: "success", "failure",
// "decision:<value>".
func ParseCondition(expr string, next string) (Condition, error) {
	switch {
	case expr == "success":
		return Condition{Kind: CondSuccess, Next: next}, nil
	case expr == "failure":
		return Condition{Kind: CondFailure, Next: next}, nil
	case strings.HasPrefix(expr, decisionConditionPrefix):
		value := strings.TrimPrefix(expr, decisionConditionPrefix)
		if value == "" {
			return Condition{}, errors.Wrapf(ErrDefinition, "decision condition has empty value, expr: %s", expr)
		}
		return Condition{Kind: CondDecisionEquals, Decision: value, Next: next}, nil
	}
	return Condition{}, errors.Wrapf(ErrDefinition, "unrecognized condition expression: %s", expr)
}

func (c Condition) String() string {
	switch c.Kind {
	case CondSuccess:
		return "success"
	case CondFailure:
		return "failure"
	case CondDecisionEquals:
		return decisionConditionPrefix + c.Decision
	}
	return "unknown"
}

// CompletionCriteria is a named predicate set over an automated step's
// action results. Unrecognized names are ignored so definitions can
// carry criteria a newer engine understands.
type CompletionCriteria map[string]bool

const (
	CriterionAllActionsCompleted = "all_actions_completed"
	CriterionAnyActionCompleted  = "any_action_completed"
)

// WorkflowStep is one node of an SOP graph. Immutable once loaded.
type WorkflowStep struct {
	ID                 string
	Name               string
	Description        string
	Type               StepType
	AssignedRole       string
	Actions            []string
	CompletionCriteria CompletionCriteria
	Timeout            time.Duration
	// NextSteps are the static successors, used when no condition
	// matches. For parallel steps they are the fan-out set.
	NextSteps  []string
	Conditions []Condition
}

// SOPDefinition is the immutable description of one standard operating
// procedure. Step ids are unique within a definition; Load enforces it.
type SOPDefinition struct {
	Name           string
	Steps          []*WorkflowStep
	RequiredRoles  []string
	EscalationPath []string
	TimeLimit      time.Duration

	stepsByID map[string]*WorkflowStep
	entryID   string
}

// StepByID returns the step with the given id.
func (d *SOPDefinition) StepByID(id string) (*WorkflowStep, bool) {
	step, ok := d.stepsByID[id]
	return step, ok
}

// EntryStep is the step referenced by no other step's successors
// (static or conditional). When zero or several steps qualify, the
// first declared step is chosen so the selection stays deterministic.
func (d *SOPDefinition) EntryStep() *WorkflowStep {
	return d.stepsByID[d.entryID]
}

func resolveEntryStepID(steps []*WorkflowStep) string {
	if len(steps) == 0 {
		return ""
	}
	referenced := make(map[string]struct{})
	for _, step := range steps {
		for _, next := range step.NextSteps {
			referenced[next] = struct{}{}
		}
		for _, cond := range step.Conditions {
			referenced[cond.Next] = struct{}{}
		}
	}
	var entry string
	count := 0
	for _, step := range steps {
		if _, ok := referenced[step.ID]; !ok {
			if count == 0 {
				entry = step.ID
			}
			count++
		}
	}
	if count != 1 {
		// Ambiguous graph: every step is referenced, or several are not.
		return steps[0].ID
	}
	return entry
}

// Configuration form of a definition, decodable from YAML or JSON.
// Conditions are an ordered list, not a map, so declaration order
// survives decoding and first-match evaluation stays well defined.

type DefinitionConfig struct {
	Name           string        `json:"name" yaml:"name" validate:"required"`
	Steps          []*StepConfig `json:"steps" yaml:"steps" validate:"required,min=1,dive,required"`
	RequiredRoles  []string      `json:"required_roles" yaml:"required_roles"`
	EscalationPath []string      `json:"escalation_path" yaml:"escalation_path"`
	// TimeLimitSeconds bounds the whole instance; the due time is
	// computed from it at creation.
	TimeLimitSeconds int64 `json:"time_limit_seconds" yaml:"time_limit_seconds"`
}

type StepConfig struct {
	StepID             string            `json:"step_id" yaml:"step_id" validate:"required"`
	Name               string            `json:"name" yaml:"name"`
	Description        string            `json:"description" yaml:"description"`
	Type               StepType          `json:"type" yaml:"type" validate:"required"`
	AssignedRole       string            `json:"assigned_role" yaml:"assigned_role"`
	Actions            []string          `json:"actions" yaml:"actions"`
	CompletionCriteria map[string]bool   `json:"completion_criteria" yaml:"completion_criteria"`
	TimeoutSeconds     int64             `json:"timeout_seconds" yaml:"timeout_seconds"`
	NextSteps          []string          `json:"next_steps" yaml:"next_steps"`
	Conditions         []ConditionConfig `json:"conditions" yaml:"conditions"`
}

type ConditionConfig struct {
	When string `json:"when" yaml:"when" validate:"required"`
	Next string `json:"next" yaml:"next" validate:"required"`
}

// LoadDefinition validates a configuration and builds the immutable
// definition: unique step ids, known step types, resolvable successor
// and condition targets, parsed condition expressions. Every violation
// wraps ErrDefinition.
func LoadDefinition(config *DefinitionConfig) (*SOPDefinition, error) {
	if config == nil {
		return nil, errors.Wrap(ErrDefinition, "config is nil")
	}
	if err := validatorUtil.Struct(config); err != nil {
		return nil, errors.Wrapf(ErrDefinition, "definition config invalid, name: %s, err: %v", config.Name, err)
	}

	def := &SOPDefinition{
		Name:           config.Name,
		RequiredRoles:  config.RequiredRoles,
		EscalationPath: config.EscalationPath,
		TimeLimit:      time.Duration(config.TimeLimitSeconds) * time.Second,
		stepsByID:      make(map[string]*WorkflowStep),
	}
	for _, sc := range config.Steps {
		if !isKnownStepType(sc.Type) {
			return nil, errors.Wrapf(ErrDefinition, "unknown step type, step: %s, type: %s", sc.StepID, sc.Type)
		}
		if _, ok := def.stepsByID[sc.StepID]; ok {
			return nil, errors.Wrapf(ErrDefinition, "duplicate step id: %s", sc.StepID)
		}
		step := &WorkflowStep{
			ID:                 sc.StepID,
			Name:               sc.Name,
			Description:        sc.Description,
			Type:               sc.Type,
			AssignedRole:       sc.AssignedRole,
			Actions:            sc.Actions,
			CompletionCriteria: sc.CompletionCriteria,
			Timeout:            time.Duration(sc.TimeoutSeconds) * time.Second,
			NextSteps:          sc.NextSteps,
		}
		for _, cc := range sc.Conditions {
			cond, err := ParseCondition(cc.When, cc.Next)
			if err != nil {
				return nil, errors.WithMessagef(err, "step: %s", sc.StepID)
			}
			step.Conditions = append(step.Conditions, cond)
		}
		def.Steps = append(def.Steps, step)
		def.stepsByID[step.ID] = step
	}

	// Successor targets must exist; a dangling id would only surface
	// mid-traversal otherwise.
	for _, step := range def.Steps {
		for _, next := range step.NextSteps {
			if _, ok := def.stepsByID[next]; !ok {
				return nil, errors.Wrapf(ErrDefinition, "step %s references unknown next step: %s", step.ID, next)
			}
		}
		for _, cond := range step.Conditions {
			if _, ok := def.stepsByID[cond.Next]; !ok {
				return nil, errors.Wrapf(ErrDefinition, "step %s condition %s references unknown step: %s", step.ID, cond, cond.Next)
			}
		}
	}

	def.entryID = resolveEntryStepID(def.Steps)
	if err := checkAcyclic(def); err != nil {
		return nil, err
	}
	return def, nil
}

// checkAcyclic rejects definitions whose successor graph contains a
// cycle; a cycle would either starve the traversal or loop it.
func checkAcyclic(def *SOPDefinition) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(def.Steps))
	var visit func(step *WorkflowStep) error
	visit = func(step *WorkflowStep) error {
		switch state[step.ID] {
		case visiting:
			return errors.Wrapf(ErrDefinition, "cycle detected at step: %s", step.ID)
		case done:
			return nil
		}
		state[step.ID] = visiting
		targets := make([]string, 0, len(step.NextSteps)+len(step.Conditions))
		targets = append(targets, step.NextSteps...)
		for _, cond := range step.Conditions {
			targets = append(targets, cond.Next)
		}
		for _, next := range targets {
			if err := visit(def.stepsByID[next]); err != nil {
				return err
			}
		}
		state[step.ID] = done
		return nil
	}
	for _, step := range def.Steps {
		if err := visit(step); err != nil {
			return err
		}
	}
	return nil
}

// LoadDefinitionFromYAML decodes and loads a YAML definition source.
func LoadDefinitionFromYAML(b []byte) (*SOPDefinition, error) {
	config := &DefinitionConfig{}
	if err := yaml.Unmarshal(b, config); err != nil {
		return nil, errors.Wrapf(ErrDefinition, "yaml decode failed, err: %v", err)
	}
	return LoadDefinition(config)
}

// LoadDefinitionFromJSON decodes and loads a JSON definition source.
func LoadDefinitionFromJSON(b []byte) (*SOPDefinition, error) {
	config := &DefinitionConfig{}
	if err := json.Unmarshal(b, config); err != nil {
		return nil, errors.Wrapf(ErrDefinition, "json decode failed, err: %v", err)
	}
	return LoadDefinition(config)
}
