package sop

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ActionInput is what an automated step hands a role actor per action:
// the instance context, the results of previously completed steps and
// the step's own configuration. Actors must treat all of it as
// read-only.
type ActionInput struct {
	InstanceID   int64
	Context      *JSONContext
	PriorResults map[string]*StepResult
	Step         *WorkflowStep
}

// DecisionInput mirrors ActionInput for decision steps, adding the
// step's completion criteria so a decision maker can reason about them.
type DecisionInput struct {
	InstanceID   int64
	Context      *JSONContext
	PriorResults map[string]*StepResult
	Criteria     CompletionCriteria
	Step         *WorkflowStep
}

// RoleActor is the pluggable handler implementing the business logic of
// one named role. It is a capability set, not a class hierarchy: a role
// that can also decide additionally implements DecisionMaker.
//
// Escalation is an actor concern, not an engine primitive: an actor
// escalates by sending a message to a higher role on the bus and
// returning a not-completed action result; the engine records that as
// an ordinary automated outcome.
type RoleActor interface {
	ExecuteAction(ctx context.Context, action string, input *ActionInput) (*ActionResult, error)
	ReceiveMessage(ctx context.Context, message *Message) error
}

// DecisionMaker is the optional decision capability. Decision steps
// assigned to a role whose actor lacks it fall back to the
// human-action wait.
type DecisionMaker interface {
	MakeDecision(ctx context.Context, input *DecisionInput) (*DecisionResult, error)
}

// ActorRegistry maps role names to their registered actors. It is an
// explicit value owned by the service, never a process-wide table, so
// independent engines and tests register roles without touching each
// other.
type ActorRegistry struct {
	mu     sync.RWMutex
	actors map[string]RoleActor
}

func NewActorRegistry() *ActorRegistry {
	return &ActorRegistry{actors: make(map[string]RoleActor)}
}

// Register binds an actor to a role name. Registration happens before a
// workflow starts; re-registering a role is rejected.
func (r *ActorRegistry) Register(role string, actor RoleActor) error {
	if role == "" {
		return errors.New("role is empty")
	}
	if actor == nil {
		return errors.New("actor is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actors[role]; ok {
		return errors.Errorf("actor already registered, role: %s", role)
	}
	r.actors[role] = actor
	return nil
}

func (r *ActorRegistry) Lookup(role string) (RoleActor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	actor, ok := r.actors[role]
	return actor, ok
}

// decisionMaker resolves the decision capability for a role, if any.
func (r *ActorRegistry) decisionMaker(role string) (DecisionMaker, bool) {
	actor, ok := r.Lookup(role)
	if !ok {
		return nil, false
	}
	dm, ok := actor.(DecisionMaker)
	return dm, ok
}

type ExecuteActionFunc func(ctx context.Context, action string, input *ActionInput) (*ActionResult, error)
type MakeDecisionFunc func(ctx context.Context, input *DecisionInput) (*DecisionResult, error)
type ReceiveMessageFunc func(ctx context.Context, message *Message) error

// FuncActor adapts plain functions into a RoleActor without the
// decision capability. A nil execute handler rejects every action; a
// nil receive handler drops messages silently.
type FuncActor struct {
	executeHandler ExecuteActionFunc
	receiveHandler ReceiveMessageFunc
}

func NewFuncActor(execute ExecuteActionFunc, receive ReceiveMessageFunc) *FuncActor {
	return &FuncActor{executeHandler: execute, receiveHandler: receive}
}

func (a *FuncActor) ExecuteAction(ctx context.Context, action string, input *ActionInput) (*ActionResult, error) {
	if a.executeHandler == nil {
		return nil, errors.Errorf("actor has no action handler, action: %s", action)
	}
	return a.executeHandler(ctx, action, input)
}

func (a *FuncActor) ReceiveMessage(ctx context.Context, message *Message) error {
	if a.receiveHandler == nil {
		return nil
	}
	return a.receiveHandler(ctx, message)
}

// DecisionActor is a FuncActor that also decides.
type DecisionActor struct {
	FuncActor
	decideHandler MakeDecisionFunc
}

func NewDecisionActor(execute ExecuteActionFunc, decide MakeDecisionFunc, receive ReceiveMessageFunc) *DecisionActor {
	return &DecisionActor{
		FuncActor:     FuncActor{executeHandler: execute, receiveHandler: receive},
		decideHandler: decide,
	}
}

func (a *DecisionActor) MakeDecision(ctx context.Context, input *DecisionInput) (*DecisionResult, error) {
	if a.decideHandler == nil {
		return nil, errors.New("actor has no decision handler")
	}
	return a.decideHandler(ctx, input)
}
