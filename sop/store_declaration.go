package sop

import (
	"context"
)

// Repo is the persistence adapter: point create/update/get operations
// for the three record kinds the engine writes, plus the per-instance
// listings the inspection surface reads. Listing and filtering beyond
// that is a collaborator concern, not the engine's.
type Repo interface {
	CreateWorkflowInstance(ctx context.Context, instance *WorkflowInstancePo) (*WorkflowInstancePo, error)
	GetWorkflowInstance(ctx context.Context, id int64) (*WorkflowInstancePo, error)
	UpdateWorkflowInstance(ctx context.Context, param *UpdateWorkflowInstanceParams) error

	CreateStepRecord(ctx context.Context, record *StepRecordPo) (*StepRecordPo, error)
	GetStepRecord(ctx context.Context, id int64) (*StepRecordPo, error)
	UpdateStepRecord(ctx context.Context, param *UpdateStepRecordParams) error
	QueryStepRecords(ctx context.Context, instanceID int64) ([]*StepRecordPo, error)

	CreateMessage(ctx context.Context, message *MessagePo) (*MessagePo, error)
	QueryMessages(ctx context.Context, instanceID int64) ([]*MessagePo, error)

	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
