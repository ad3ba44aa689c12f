package sop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Service is the workflow instance manager: definitions in, instances
// out. One service owns its actor registry, event handlers and active
// instance table; several services can coexist in a process without
// sharing anything.
type Service interface {
	// LoadDefinition validates and registers an SOP definition under its
	// name. Loading a second definition with the same name is rejected.
	LoadDefinition(config *DefinitionConfig) (*SOPDefinition, error)

	// CreateInstance persists a pending instance for a trigger and sets
	// up its in-memory context. The due time comes from the definition's
	// time limit. An unresolvable definition is ErrDefinition and no
	// record is written.
	CreateInstance(ctx context.Context, req *CreateInstanceReq) (*WorkflowInstance, error)

	// Start moves a pending instance to in-progress and drives the
	// engine from the entry step to a terminal status. It blocks while
	// human-action steps await their signals. A repeat call on an
	// in-progress instance is rejected with ErrAlreadyStarted; on a
	// finished one with ErrInstanceFinished.
	Start(ctx context.Context, instanceID int64) error

	// SignalHumanStep delivers the external completion event a suspended
	// human-action or fallback-decision step is waiting on. Safe to call
	// from any goroutine; it does not take the instance execution lock.
	SignalHumanStep(ctx context.Context, req *SignalStepReq) error

	// CancelInstance marks a non-terminal instance cancelled and closes
	// its in-memory context. Cancelling a finished instance is a no-op.
	CancelInstance(ctx context.Context, instanceID int64) error

	GetInstance(ctx context.Context, instanceID int64) (*WorkflowInstance, error)
	StepRecords(ctx context.Context, instanceID int64) ([]*StepRecordPo, error)
	Messages(ctx context.Context, instanceID int64) ([]*Message, error)

	// RegisterEventHandler subscribes to human_action_required,
	// workflow_completed or workflow_failed. Handler panics are logged,
	// never propagated into the engine.
	RegisterEventHandler(name EventName, handler EventHandler)

	// Actors exposes the registry for role registration before Start.
	Actors() *ActorRegistry
	// Bus exposes the message bus so actors can message other roles
	// (escalation is an actor concern, not an engine primitive).
	Bus() *MessageBus
}

// WorkflowInstance is the caller-facing view of one instance.
type WorkflowInstance struct {
	ID             int64
	DefinitionName string
	TriggerType    string
	TriggerID      string
	Status         InstanceStatus
	CurrentStepID  string
	CurrentRole    string
	Input          *JSONContext
	LastError      string
	CompletedSteps []string
	CreatedAt      int64
	StartedAt      int64
	CompletedAt    int64
	DueAt          int64
}

type CreateInstanceReq struct {
	DefinitionName string `json:"definition_name" validate:"required"`
	TriggerType    string `json:"trigger_type" validate:"required"`
	// TriggerID identifies what fired the trigger. Opaque to the engine.
	TriggerID   string         `json:"trigger_id"`
	InitialData map[string]any `json:"initial_data"`
}

type SignalStepReq struct {
	InstanceID int64       `json:"instance_id" validate:"gt=0"`
	StepID     string      `json:"step_id" validate:"required"`
	Signal     *StepSignal `json:"signal" validate:"required"`
}

// ServiceImpl wires the engine to its collaborators. The repo and lock
// come from the caller; everything else is owned here.
type ServiceImpl struct {
	repo     Repo
	lock     ExecutionLock
	registry *ActorRegistry
	bus      *MessageBus
	events   *eventEmitter
	signals  *signalRegistry
	engine   *engine

	defMu       sync.RWMutex
	definitions map[string]*SOPDefinition

	activeMu sync.Mutex
	active   map[int64]*WorkflowContext
}

func NewService(repo Repo, lock ExecutionLock) Service {
	registry := NewActorRegistry()
	bus := NewMessageBus(repo, registry)
	events := newEventEmitter()
	signals := newSignalRegistry()
	return &ServiceImpl{
		repo:        repo,
		lock:        lock,
		registry:    registry,
		bus:         bus,
		events:      events,
		signals:     signals,
		engine:      newEngine(repo, registry, bus, events, signals),
		definitions: make(map[string]*SOPDefinition),
		active:      make(map[int64]*WorkflowContext),
	}
}

func (s *ServiceImpl) Actors() *ActorRegistry {
	return s.registry
}

func (s *ServiceImpl) Bus() *MessageBus {
	return s.bus
}

func (s *ServiceImpl) RegisterEventHandler(name EventName, handler EventHandler) {
	s.events.register(name, handler)
}

func (s *ServiceImpl) LoadDefinition(config *DefinitionConfig) (*SOPDefinition, error) {
	def, err := LoadDefinition(config)
	if err != nil {
		return nil, err
	}
	s.defMu.Lock()
	defer s.defMu.Unlock()
	if _, ok := s.definitions[def.Name]; ok {
		return nil, errors.Wrapf(ErrDefinition, "definition already loaded, name: %s", def.Name)
	}
	s.definitions[def.Name] = def
	return def, nil
}

func (s *ServiceImpl) definition(name string) (*SOPDefinition, bool) {
	s.defMu.RLock()
	defer s.defMu.RUnlock()
	def, ok := s.definitions[name]
	return def, ok
}

func (s *ServiceImpl) CreateInstance(ctx context.Context, req *CreateInstanceReq) (*WorkflowInstance, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrParamInvalid, "CreateInstance failed, req: %v, err: %v", req, err)
	}
	def, ok := s.definition(req.DefinitionName)
	if !ok {
		// No record is written for an unresolvable definition.
		return nil, errors.Wrapf(ErrDefinition, "definition not loaded, name: %s", req.DefinitionName)
	}

	input := NewJSONContextFromMap(req.InitialData).Clone()
	now := time.Now()
	po := &WorkflowInstancePo{
		DefinitionName: def.Name,
		TriggerType:    req.TriggerType,
		TriggerID:      req.TriggerID,
		Status:         InstanceStatusPending,
		InputContext:   input.ToBytesWithoutError(),
		CreatedAt:      now.Unix(),
	}
	if def.TimeLimit > 0 {
		po.DueAt = now.Add(def.TimeLimit).Unix()
	}
	stored, err := s.repo.CreateWorkflowInstance(ctx, po)
	if err != nil {
		return nil, errors.WithMessagef(ErrPersistence, "CreateWorkflowInstance failed, definition: %s, err: %v", def.Name, err)
	}

	wctx := newWorkflowContext(stored.ID, def, req.TriggerType, req.TriggerID, input)
	s.activeMu.Lock()
	s.active[stored.ID] = wctx
	s.activeMu.Unlock()

	return s.instanceEntity(stored, wctx), nil
}

func (s *ServiceImpl) Start(ctx context.Context, instanceID int64) error {
	if instanceID <= 0 {
		return errors.Wrapf(ErrParamInvalid, "Start failed, instanceID: %d", instanceID)
	}
	return s.lock.NonBlockingSynchronized(ctx,
		instanceLockKey(instanceID),
		10*time.Minute,
		func(ctx context.Context) error {
			return s.startLocked(ctx, instanceID)
		})
}

func (s *ServiceImpl) startLocked(ctx context.Context, instanceID int64) error {
	po, err := s.repo.GetWorkflowInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	switch {
	case po.Status == InstanceStatusInProgress:
		// The idempotence guard: re-starting never duplicates steps.
		return errors.Wrapf(ErrAlreadyStarted, "instanceID: %d", instanceID)
	case IsTerminalInstanceStatus(po.Status):
		return errors.Wrapf(ErrInstanceFinished, "instanceID: %d, status: %s", instanceID, po.Status)
	}

	def, ok := s.definition(po.DefinitionName)
	if !ok {
		// The instance exists but its definition cannot be resolved at
		// start time: the instance itself fails.
		startErr := errors.Wrapf(ErrDefinition, "definition not loaded, name: %s", po.DefinitionName)
		s.finalizeFailed(ctx, instanceID, startErr)
		return startErr
	}
	wctx := s.contextFor(po, def)

	// The durable transition happens before the in-memory one is
	// considered committed: a crash after this write leaves a
	// restartable in-progress row, never a phantom run.
	inProgress := InstanceStatusInProgress
	startedAt := time.Now().Unix()
	err = s.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
		Where: &UpdateWorkflowInstanceWhere{
			IDIn:     []int64{instanceID},
			StatusIn: []string{InstanceStatusPending},
		},
		Fields: &UpdateWorkflowInstanceField{
			Status:    &inProgress,
			StartedAt: &startedAt,
		},
		LimitMax: 1,
	})
	if err != nil {
		return errors.WithMessagef(ErrPersistence, "start transition failed, instanceID: %d, err: %v", instanceID, err)
	}

	if runErr := s.engine.run(ctx, wctx); runErr != nil {
		s.finalizeFailed(ctx, instanceID, runErr)
		return errors.WithMessagef(runErr, "workflow failed, instanceID: %d", instanceID)
	}
	return s.finalizeCompleted(ctx, instanceID)
}

// contextFor reuses the live context from the active table or rebuilds
// one from the persisted record (the process may not be the one that
// created the instance).
func (s *ServiceImpl) contextFor(po *WorkflowInstancePo, def *SOPDefinition) *WorkflowContext {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	if wctx, ok := s.active[po.ID]; ok {
		return wctx
	}
	wctx := newWorkflowContext(po.ID, def, po.TriggerType, po.TriggerID, NewJSONContext(po.InputContext))
	s.active[po.ID] = wctx
	return wctx
}

func (s *ServiceImpl) finalizeCompleted(ctx context.Context, instanceID int64) error {
	completed := InstanceStatusCompleted
	completedAt := time.Now().Unix()
	err := s.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
		Where: &UpdateWorkflowInstanceWhere{
			IDIn:     []int64{instanceID},
			StatusIn: []string{InstanceStatusInProgress},
		},
		Fields: &UpdateWorkflowInstanceField{
			Status:      &completed,
			CompletedAt: &completedAt,
		},
		LimitMax: 1,
	})
	if err != nil {
		return errors.WithMessagef(ErrPersistence, "completion transition failed, instanceID: %d, err: %v", instanceID, err)
	}
	s.dropContext(instanceID)
	s.events.emit(ctx, &Event{
		Name:       EventWorkflowCompleted,
		InstanceID: instanceID,
		At:         time.Now(),
	})
	return nil
}

func (s *ServiceImpl) finalizeFailed(ctx context.Context, instanceID int64, runErr error) {
	if IsSeriousError(runErr) {
		slog.ErrorContext(ctx, fmt.Sprintf("workflow failed, instanceID: %d, err: %v", instanceID, runErr))
	} else {
		slog.WarnContext(ctx, fmt.Sprintf("workflow failed, instanceID: %d, err: %v", instanceID, runErr))
	}

	failed := InstanceStatusFailed
	completedAt := time.Now().Unix()
	lastError := runErr.Error()
	stepID := failingStepID(runErr)
	fields := &UpdateWorkflowInstanceField{
		Status:      &failed,
		LastError:   &lastError,
		CompletedAt: &completedAt,
	}
	if stepID != "" {
		fields.CurrentStepID = &stepID
	}
	err := s.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
		Where: &UpdateWorkflowInstanceWhere{
			IDIn:     []int64{instanceID},
			StatusIn: []string{InstanceStatusPending, InstanceStatusInProgress},
		},
		Fields:   fields,
		LimitMax: 1,
	})
	if err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("failure transition failed, instanceID: %d, err: %v", instanceID, err))
	}
	s.skipLiveStepRecords(ctx, instanceID)
	s.dropContext(instanceID)
	s.events.emit(ctx, &Event{
		Name:       EventWorkflowFailed,
		InstanceID: instanceID,
		StepID:     stepID,
		Error:      lastError,
		At:         time.Now(),
	})
}

// skipLiveStepRecords marks records that never reached a terminal
// status as skipped, typically parallel branches cancelled by a
// sibling branch's failure.
func (s *ServiceImpl) skipLiveStepRecords(ctx context.Context, instanceID int64) {
	records, err := s.repo.QueryStepRecords(ctx, instanceID)
	if err != nil {
		slog.WarnContext(ctx, fmt.Sprintf("QueryStepRecords failed, instanceID: %d, err: %v", instanceID, err))
		return
	}
	liveIDs := make([]int64, 0)
	for _, record := range records {
		if !IsTerminalStepStatus(record.Status) {
			liveIDs = append(liveIDs, record.ID)
		}
	}
	if len(liveIDs) == 0 {
		return
	}
	skipped := StepStatusSkipped
	err = s.repo.UpdateStepRecord(ctx, &UpdateStepRecordParams{
		Where:    &UpdateStepRecordWhere{IDIn: liveIDs},
		Fields:   &UpdateStepRecordField{Status: &skipped},
		LimitMax: len(liveIDs),
	})
	if err != nil {
		slog.WarnContext(ctx, fmt.Sprintf("skip step records failed, instanceID: %d, err: %v", instanceID, err))
	}
}

func (s *ServiceImpl) dropContext(instanceID int64) {
	s.activeMu.Lock()
	delete(s.active, instanceID)
	s.activeMu.Unlock()
	s.signals.drop(instanceID)
}

func (s *ServiceImpl) SignalHumanStep(ctx context.Context, req *SignalStepReq) error {
	if err := validatorUtil.Struct(req); err != nil {
		return errors.Wrapf(ErrParamInvalid, "SignalHumanStep failed, req: %v, err: %v", req, err)
	}
	po, err := s.repo.GetWorkflowInstance(ctx, req.InstanceID)
	if err != nil {
		return err
	}
	if IsTerminalInstanceStatus(po.Status) {
		return errors.Wrapf(ErrInstanceFinished, "instanceID: %d, status: %s", req.InstanceID, po.Status)
	}
	return s.signals.signal(req.InstanceID, req.StepID, req.Signal)
}

func (s *ServiceImpl) CancelInstance(ctx context.Context, instanceID int64) error {
	if instanceID <= 0 {
		return errors.Wrapf(ErrParamInvalid, "CancelInstance failed, instanceID: %d", instanceID)
	}
	return s.lock.NonBlockingSynchronized(ctx,
		instanceLockKey(instanceID),
		10*time.Minute,
		func(ctx context.Context) error {
			po, err := s.repo.GetWorkflowInstance(ctx, instanceID)
			if err != nil {
				return err
			}
			if IsTerminalInstanceStatus(po.Status) {
				return nil
			}
			cancelled := InstanceStatusCancelled
			completedAt := time.Now().Unix()
			err = s.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
				Where: &UpdateWorkflowInstanceWhere{
					IDIn:     []int64{instanceID},
					StatusIn: []string{po.Status},
				},
				Fields: &UpdateWorkflowInstanceField{
					Status:      &cancelled,
					CompletedAt: &completedAt,
				},
				LimitMax: 1,
			})
			if err != nil {
				return errors.WithMessagef(ErrPersistence, "cancel transition failed, instanceID: %d, err: %v", instanceID, err)
			}
			s.skipLiveStepRecords(ctx, instanceID)
			s.dropContext(instanceID)
			return nil
		})
}

func (s *ServiceImpl) GetInstance(ctx context.Context, instanceID int64) (*WorkflowInstance, error) {
	po, err := s.repo.GetWorkflowInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	s.activeMu.Lock()
	wctx := s.active[instanceID]
	s.activeMu.Unlock()

	entity := s.instanceEntity(po, wctx)
	if wctx == nil {
		// The context is gone after a terminal status; the durable step
		// records carry the completion order.
		records, err := s.repo.QueryStepRecords(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			if record.Status == StepStatusCompleted {
				entity.CompletedSteps = append(entity.CompletedSteps, record.StepID)
			}
		}
	}
	return entity, nil
}

func (s *ServiceImpl) instanceEntity(po *WorkflowInstancePo, wctx *WorkflowContext) *WorkflowInstance {
	entity := &WorkflowInstance{
		ID:             po.ID,
		DefinitionName: po.DefinitionName,
		TriggerType:    po.TriggerType,
		TriggerID:      po.TriggerID,
		Status:         po.Status,
		CurrentStepID:  po.CurrentStepID,
		CurrentRole:    po.CurrentRole,
		Input:          NewJSONContext(po.InputContext),
		LastError:      po.LastError,
		CreatedAt:      po.CreatedAt,
		StartedAt:      po.StartedAt,
		CompletedAt:    po.CompletedAt,
		DueAt:          po.DueAt,
	}
	if wctx != nil {
		entity.CompletedSteps = wctx.CompletedSteps()
	}
	return entity
}

func (s *ServiceImpl) StepRecords(ctx context.Context, instanceID int64) ([]*StepRecordPo, error) {
	return s.repo.QueryStepRecords(ctx, instanceID)
}

func (s *ServiceImpl) Messages(ctx context.Context, instanceID int64) ([]*Message, error) {
	pos, err := s.repo.QueryMessages(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	messages := make([]*Message, 0, len(pos))
	for _, po := range pos {
		messages = append(messages, messageFromPo(po))
	}
	return messages, nil
}

func instanceLockKey(instanceID int64) string {
	return fmt.Sprintf("sop_instance_execute_%d", instanceID)
}
