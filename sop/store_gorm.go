package sop

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// WorkflowInstancePo is the persisted instance record. It outlives the
// in-memory context and is what callers query for status and the last
// recorded error.
type WorkflowInstancePo struct {
	ID             int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	DefinitionName string         `gorm:"column:definition_name" json:"definition_name"`
	TriggerType    string         `gorm:"column:trigger_type" json:"trigger_type"`
	TriggerID      string         `gorm:"column:trigger_id" json:"trigger_id"`
	Status         InstanceStatus `gorm:"column:status" json:"status"`
	CurrentStepID  string         `gorm:"column:current_step_id" json:"current_step_id"`
	CurrentRole    string         `gorm:"column:current_role" json:"current_role"`
	InputContext   []byte         `gorm:"column:input_context" json:"input_context"`
	LastError      string         `gorm:"column:last_error" json:"last_error"`
	CreatedAt      int64          `gorm:"column:created_at" json:"created_at"`
	StartedAt      int64          `gorm:"column:started_at" json:"started_at"`
	CompletedAt    int64          `gorm:"column:completed_at" json:"completed_at"`
	DueAt          int64          `gorm:"column:due_at" json:"due_at"`
	UpdatedAt      int64          `gorm:"column:updated_at" json:"updated_at"`
}

func (WorkflowInstancePo) TableName() string {
	return "workflow_instance"
}

// StepRecordPo is one row per executed step: created at step start,
// updated at step completion. Rows survive instance failure so a
// partially failed parallel group stays diagnosable.
type StepRecordPo struct {
	ID           int64      `gorm:"column:id;primaryKey;autoIncrement"`
	InstanceID   int64      `gorm:"column:instance_id;index"`
	StepID       string     `gorm:"column:step_id"`
	StepName     string     `gorm:"column:step_name"`
	AssignedRole string     `gorm:"column:assigned_role"`
	Status       StepStatus `gorm:"column:status"`
	Result       []byte     `gorm:"column:result"`
	StartedAt    int64      `gorm:"column:started_at"`
	CompletedAt  int64      `gorm:"column:completed_at"`
	DeadlineAt   int64      `gorm:"column:deadline_at"`
	CreatedAt    int64      `gorm:"column:created_at"`
	UpdatedAt    int64      `gorm:"column:updated_at"`
}

func (StepRecordPo) TableName() string {
	return "step_record"
}

type MessagePo struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement"`
	CorrelationID string `gorm:"column:correlation_id"`
	InstanceID    int64  `gorm:"column:instance_id;index"`
	FromRole      string `gorm:"column:from_role"`
	ToRole        string `gorm:"column:to_role"`
	Type          string `gorm:"column:type"`
	Subject       string `gorm:"column:subject"`
	Body          string `gorm:"column:body"`
	Data          []byte `gorm:"column:data"`
	CreatedAt     int64  `gorm:"column:created_at"`
}

func (MessagePo) TableName() string {
	return "workflow_message"
}

type UpdateWorkflowInstanceParams struct {
	Where    *UpdateWorkflowInstanceWhere `json:"where" validate:"required"`
	Fields   *UpdateWorkflowInstanceField `json:"fields" validate:"required"`
	LimitMax int                          `json:"limit_max" validate:"required"`
}

type UpdateWorkflowInstanceWhere struct {
	IDIn     []int64  `json:"id_in"`
	StatusIn []string `json:"status_in"`
}

type UpdateWorkflowInstanceField struct {
	Status        *InstanceStatus `json:"status"`
	CurrentStepID *string         `json:"current_step_id"`
	CurrentRole   *string         `json:"current_role"`
	LastError     *string         `json:"last_error"`
	StartedAt     *int64          `json:"started_at"`
	CompletedAt   *int64          `json:"completed_at"`
}

type UpdateStepRecordParams struct {
	Where    *UpdateStepRecordWhere `json:"where" validate:"required"`
	Fields   *UpdateStepRecordField `json:"fields" validate:"required"`
	LimitMax int                    `json:"limit_max" validate:"required"`
}

type UpdateStepRecordWhere struct {
	IDIn     []int64  `json:"id_in"`
	StatusIn []string `json:"status_in"`
}

type UpdateStepRecordField struct {
	Status      *StepStatus `json:"status"`
	Result      []byte      `json:"result"`
	CompletedAt *int64      `json:"completed_at"`
}

type workflowRepo struct {
	db *gorm.DB
}

func NewWorkflowRepo(db *gorm.DB) Repo {
	return &workflowRepo{db: db}
}

func (r *workflowRepo) CreateWorkflowInstance(ctx context.Context, instance *WorkflowInstancePo) (*WorkflowInstancePo, error) {
	if instance == nil {
		return nil, errors.New("nil WorkflowInstancePo")
	}
	now := time.Now().Unix()
	if instance.CreatedAt == 0 {
		instance.CreatedAt = now
	}
	instance.UpdatedAt = now
	if err := r.dbWithContext(ctx).Create(instance).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateWorkflowInstance failed")
	}
	return instance, nil
}

func (r *workflowRepo) GetWorkflowInstance(ctx context.Context, id int64) (*WorkflowInstancePo, error) {
	po := &WorkflowInstancePo{}
	err := r.dbWithContext(ctx).Where("id = ?", id).First(po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.WithMessagef(ErrInstanceNotFound, "instanceID: %d", id)
	}
	if err != nil {
		return nil, errors.WithMessage(err, "GetWorkflowInstance failed")
	}
	return po, nil
}

func buildUpdateWorkflowInstanceWhere(db *gorm.DB, where *UpdateWorkflowInstanceWhere) (*gorm.DB, error) {
	if where == nil {
		return nil, errors.New("where is nil")
	}
	hasWhere := false
	if len(where.IDIn) > 0 {
		hasWhere = true
		db = db.Where("id IN ?", where.IDIn)
	}
	if len(where.StatusIn) > 0 {
		hasWhere = true
		db = db.Where("status IN ?", where.StatusIn)
	}
	if !hasWhere {
		return nil, errors.New("update workflow instance needs a where condition")
	}
	return db, nil
}

func buildUpdateWorkflowInstanceFields(fields *UpdateWorkflowInstanceField) (map[string]any, error) {
	if fields == nil {
		return nil, errors.New("fields is nil")
	}
	updateFields := make(map[string]any)
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.CurrentStepID != nil {
		updateFields["current_step_id"] = *fields.CurrentStepID
	}
	if fields.CurrentRole != nil {
		updateFields["current_role"] = *fields.CurrentRole
	}
	if fields.LastError != nil {
		updateFields["last_error"] = *fields.LastError
	}
	if fields.StartedAt != nil {
		updateFields["started_at"] = *fields.StartedAt
	}
	if fields.CompletedAt != nil {
		updateFields["completed_at"] = *fields.CompletedAt
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	return updateFields, nil
}

func (r *workflowRepo) UpdateWorkflowInstance(ctx context.Context, param *UpdateWorkflowInstanceParams) error {
	if param == nil {
		return errors.New("nil UpdateWorkflowInstanceParams")
	}
	db := r.dbWithContext(ctx).Model(&WorkflowInstancePo{})
	db, err := buildUpdateWorkflowInstanceWhere(db, param.Where)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateWorkflowInstanceWhere failed")
	}
	updateFields, err := buildUpdateWorkflowInstanceFields(param.Fields)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateWorkflowInstanceFields failed")
	}
	if err := db.Updates(updateFields).Limit(param.LimitMax).Error; err != nil {
		return errors.WithMessage(err, "UpdateWorkflowInstance failed")
	}
	return nil
}

func (r *workflowRepo) CreateStepRecord(ctx context.Context, record *StepRecordPo) (*StepRecordPo, error) {
	if record == nil {
		return nil, errors.New("nil StepRecordPo")
	}
	now := time.Now().Unix()
	record.CreatedAt = now
	record.UpdatedAt = now
	if err := r.dbWithContext(ctx).Create(record).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateStepRecord failed")
	}
	return record, nil
}

func (r *workflowRepo) GetStepRecord(ctx context.Context, id int64) (*StepRecordPo, error) {
	po := &StepRecordPo{}
	err := r.dbWithContext(ctx).Where("id = ?", id).First(po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.WithMessagef(ErrStepNotFound, "stepRecordID: %d", id)
	}
	if err != nil {
		return nil, errors.WithMessage(err, "GetStepRecord failed")
	}
	return po, nil
}

func (r *workflowRepo) UpdateStepRecord(ctx context.Context, param *UpdateStepRecordParams) error {
	if param == nil {
		return errors.New("nil UpdateStepRecordParams")
	}
	if param.Where == nil || len(param.Where.IDIn) == 0 {
		return errors.New("update step record needs a where condition")
	}
	if param.Fields == nil {
		return errors.New("fields is nil")
	}
	updateFields := make(map[string]any)
	if param.Fields.Status != nil {
		updateFields["status"] = *param.Fields.Status
	}
	if param.Fields.Result != nil {
		updateFields["result"] = param.Fields.Result
	}
	if param.Fields.CompletedAt != nil {
		updateFields["completed_at"] = *param.Fields.CompletedAt
	}
	if len(updateFields) == 0 {
		return errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()

	db := r.dbWithContext(ctx).Model(&StepRecordPo{}).Where("id IN ?", param.Where.IDIn)
	if len(param.Where.StatusIn) > 0 {
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	if err := db.Updates(updateFields).Limit(param.LimitMax).Error; err != nil {
		return errors.WithMessage(err, "UpdateStepRecord failed")
	}
	return nil
}

func (r *workflowRepo) QueryStepRecords(ctx context.Context, instanceID int64) ([]*StepRecordPo, error) {
	pos := make([]*StepRecordPo, 0)
	err := r.dbWithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("id asc").
		Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessage(err, "QueryStepRecords failed")
	}
	return pos, nil
}

func (r *workflowRepo) CreateMessage(ctx context.Context, message *MessagePo) (*MessagePo, error) {
	if message == nil {
		return nil, errors.New("nil MessagePo")
	}
	if message.CreatedAt == 0 {
		message.CreatedAt = time.Now().Unix()
	}
	if err := r.dbWithContext(ctx).Create(message).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateMessage failed")
	}
	return message, nil
}

func (r *workflowRepo) QueryMessages(ctx context.Context, instanceID int64) ([]*MessagePo, error) {
	pos := make([]*MessagePo, 0)
	err := r.dbWithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("id asc").
		Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessage(err, "QueryMessages failed")
	}
	return pos, nil
}

type contextKey string

const transactionContextKey contextKey = "transaction"

func (r *workflowRepo) dbWithContext(ctx context.Context) *gorm.DB {
	tx := ctx.Value(transactionContextKey)
	if tx == nil {
		return r.db.WithContext(ctx)
	}
	return tx.(*gorm.DB)
}

func (r *workflowRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(transactionContextKey) != nil {
		// Already inside a transaction, reuse it.
		return fn(ctx)
	}
	tx := r.db.Begin()
	var err error
	defer func() {
		if err != nil {
			tx.Rollback()
		} else {
			tx.Commit()
		}
	}()
	err = fn(context.WithValue(ctx, transactionContextKey, tx))
	return err
}
