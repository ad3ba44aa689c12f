package main

// CSV files as the durable store behind the SOP engine: a small
// Repo implementation showing that the persistence adapter is just an
// interface, no database required.

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/blingmoon/sop-engine/internal/commonregister"
	"github.com/blingmoon/sop-engine/sop"
)

var _ sop.Repo = (*CsvRepo)(nil)

type CsvRepo struct {
	instanceFile string
	stepFile     string
	messageFile  string
	mu           sync.RWMutex
}

func NewCsvRepo(instanceFile, stepFile, messageFile string) *CsvRepo {
	repo := &CsvRepo{
		instanceFile: instanceFile,
		stepFile:     stepFile,
		messageFile:  messageFile,
	}
	repo.initCSVFiles()
	return repo
}

var (
	instanceHeader = []string{"id", "definition_name", "trigger_type", "trigger_id", "status", "current_step_id", "current_role", "input_context", "last_error", "created_at", "started_at", "completed_at", "due_at", "updated_at"}
	stepHeader     = []string{"id", "instance_id", "step_id", "step_name", "assigned_role", "status", "result", "started_at", "completed_at", "deadline_at", "created_at", "updated_at"}
	messageHeader  = []string{"id", "correlation_id", "instance_id", "from_role", "to_role", "type", "subject", "body", "data", "created_at"}
)

func (c *CsvRepo) initCSVFiles() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for file, header := range map[string][]string{
		c.instanceFile: instanceHeader,
		c.stepFile:     stepHeader,
		c.messageFile:  messageHeader,
	} {
		if _, err := os.Stat(file); os.IsNotExist(err) {
			writeCSV(file, header, nil)
		}
	}
}

func writeCSV(path string, header []string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.WithMessagef(err, "create %s failed", path)
	}
	defer file.Close()
	writer := csv.NewWriter(file)
	defer writer.Flush()
	if err := writer.Write(header); err != nil {
		return errors.WithMessagef(err, "write header to %s failed", path)
	}
	for _, row := range rows {
		if err := writer.Write(row); err != nil {
			return errors.WithMessagef(err, "write row to %s failed", path)
		}
	}
	return nil
}

func readCSV(path string, minFields int) ([][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "open %s failed", path)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, errors.WithMessagef(err, "read %s failed", path)
	}
	rows := make([][]string, 0)
	for i := 1; i < len(records); i++ {
		if len(records[i]) >= minFields {
			rows = append(rows, records[i])
		}
	}
	return rows, nil
}

func (c *CsvRepo) readInstances() ([]*sop.WorkflowInstancePo, error) {
	rows, err := readCSV(c.instanceFile, len(instanceHeader))
	if err != nil {
		return nil, err
	}
	instances := make([]*sop.WorkflowInstancePo, 0, len(rows))
	for _, row := range rows {
		id, _ := strconv.ParseInt(row[0], 10, 64)
		createdAt, _ := strconv.ParseInt(row[9], 10, 64)
		startedAt, _ := strconv.ParseInt(row[10], 10, 64)
		completedAt, _ := strconv.ParseInt(row[11], 10, 64)
		dueAt, _ := strconv.ParseInt(row[12], 10, 64)
		updatedAt, _ := strconv.ParseInt(row[13], 10, 64)
		instances = append(instances, &sop.WorkflowInstancePo{
			ID:             id,
			DefinitionName: row[1],
			TriggerType:    row[2],
			TriggerID:      row[3],
			Status:         row[4],
			CurrentStepID:  row[5],
			CurrentRole:    row[6],
			InputContext:   []byte(row[7]),
			LastError:      row[8],
			CreatedAt:      createdAt,
			StartedAt:      startedAt,
			CompletedAt:    completedAt,
			DueAt:          dueAt,
			UpdatedAt:      updatedAt,
		})
	}
	return instances, nil
}

func (c *CsvRepo) writeInstances(instances []*sop.WorkflowInstancePo) error {
	rows := make([][]string, 0, len(instances))
	for _, po := range instances {
		rows = append(rows, []string{
			strconv.FormatInt(po.ID, 10),
			po.DefinitionName,
			po.TriggerType,
			po.TriggerID,
			po.Status,
			po.CurrentStepID,
			po.CurrentRole,
			string(po.InputContext),
			po.LastError,
			strconv.FormatInt(po.CreatedAt, 10),
			strconv.FormatInt(po.StartedAt, 10),
			strconv.FormatInt(po.CompletedAt, 10),
			strconv.FormatInt(po.DueAt, 10),
			strconv.FormatInt(po.UpdatedAt, 10),
		})
	}
	return writeCSV(c.instanceFile, instanceHeader, rows)
}

func (c *CsvRepo) readStepRecords() ([]*sop.StepRecordPo, error) {
	rows, err := readCSV(c.stepFile, len(stepHeader))
	if err != nil {
		return nil, err
	}
	records := make([]*sop.StepRecordPo, 0, len(rows))
	for _, row := range rows {
		id, _ := strconv.ParseInt(row[0], 10, 64)
		instanceID, _ := strconv.ParseInt(row[1], 10, 64)
		startedAt, _ := strconv.ParseInt(row[7], 10, 64)
		completedAt, _ := strconv.ParseInt(row[8], 10, 64)
		deadlineAt, _ := strconv.ParseInt(row[9], 10, 64)
		createdAt, _ := strconv.ParseInt(row[10], 10, 64)
		updatedAt, _ := strconv.ParseInt(row[11], 10, 64)
		records = append(records, &sop.StepRecordPo{
			ID:           id,
			InstanceID:   instanceID,
			StepID:       row[2],
			StepName:     row[3],
			AssignedRole: row[4],
			Status:       row[5],
			Result:       []byte(row[6]),
			StartedAt:    startedAt,
			CompletedAt:  completedAt,
			DeadlineAt:   deadlineAt,
			CreatedAt:    createdAt,
			UpdatedAt:    updatedAt,
		})
	}
	return records, nil
}

func (c *CsvRepo) writeStepRecords(records []*sop.StepRecordPo) error {
	rows := make([][]string, 0, len(records))
	for _, po := range records {
		rows = append(rows, []string{
			strconv.FormatInt(po.ID, 10),
			strconv.FormatInt(po.InstanceID, 10),
			po.StepID,
			po.StepName,
			po.AssignedRole,
			po.Status,
			string(po.Result),
			strconv.FormatInt(po.StartedAt, 10),
			strconv.FormatInt(po.CompletedAt, 10),
			strconv.FormatInt(po.DeadlineAt, 10),
			strconv.FormatInt(po.CreatedAt, 10),
			strconv.FormatInt(po.UpdatedAt, 10),
		})
	}
	return writeCSV(c.stepFile, stepHeader, rows)
}

func (c *CsvRepo) readMessages() ([]*sop.MessagePo, error) {
	rows, err := readCSV(c.messageFile, len(messageHeader))
	if err != nil {
		return nil, err
	}
	messages := make([]*sop.MessagePo, 0, len(rows))
	for _, row := range rows {
		id, _ := strconv.ParseInt(row[0], 10, 64)
		instanceID, _ := strconv.ParseInt(row[2], 10, 64)
		createdAt, _ := strconv.ParseInt(row[9], 10, 64)
		messages = append(messages, &sop.MessagePo{
			ID:            id,
			CorrelationID: row[1],
			InstanceID:    instanceID,
			FromRole:      row[3],
			ToRole:        row[4],
			Type:          row[5],
			Subject:       row[6],
			Body:          row[7],
			Data:          []byte(row[8]),
			CreatedAt:     createdAt,
		})
	}
	return messages, nil
}

func (c *CsvRepo) writeMessages(messages []*sop.MessagePo) error {
	rows := make([][]string, 0, len(messages))
	for _, po := range messages {
		rows = append(rows, []string{
			strconv.FormatInt(po.ID, 10),
			po.CorrelationID,
			strconv.FormatInt(po.InstanceID, 10),
			po.FromRole,
			po.ToRole,
			po.Type,
			po.Subject,
			po.Body,
			string(po.Data),
			strconv.FormatInt(po.CreatedAt, 10),
		})
	}
	return writeCSV(c.messageFile, messageHeader, rows)
}

func nextID[T any](items []T, id func(T) int64) int64 {
	maxID := int64(0)
	for _, item := range items {
		if id(item) > maxID {
			maxID = id(item)
		}
	}
	return maxID + 1
}

func (c *CsvRepo) CreateWorkflowInstance(ctx context.Context, instance *sop.WorkflowInstancePo) (*sop.WorkflowInstancePo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	instances, err := c.readInstances()
	if err != nil {
		return nil, err
	}
	stored := *instance
	stored.ID = nextID(instances, func(po *sop.WorkflowInstancePo) int64 { return po.ID })
	stored.UpdatedAt = time.Now().Unix()
	instances = append(instances, &stored)
	if err := c.writeInstances(instances); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (c *CsvRepo) GetWorkflowInstance(ctx context.Context, id int64) (*sop.WorkflowInstancePo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	instances, err := c.readInstances()
	if err != nil {
		return nil, err
	}
	for _, po := range instances {
		if po.ID == id {
			return po, nil
		}
	}
	return nil, errors.Wrapf(sop.ErrInstanceNotFound, "id: %d", id)
}

func (c *CsvRepo) UpdateWorkflowInstance(ctx context.Context, param *sop.UpdateWorkflowInstanceParams) error {
	if param == nil || param.Where == nil || param.Fields == nil {
		return errors.New("invalid update params")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	instances, err := c.readInstances()
	if err != nil {
		return err
	}
	updated := 0
	for _, po := range instances {
		if updated >= param.LimitMax {
			break
		}
		if !matchInt64(po.ID, param.Where.IDIn) || !matchString(po.Status, param.Where.StatusIn) {
			continue
		}
		fields := param.Fields
		if fields.Status != nil {
			po.Status = *fields.Status
		}
		if fields.CurrentStepID != nil {
			po.CurrentStepID = *fields.CurrentStepID
		}
		if fields.CurrentRole != nil {
			po.CurrentRole = *fields.CurrentRole
		}
		if fields.LastError != nil {
			po.LastError = *fields.LastError
		}
		if fields.StartedAt != nil {
			po.StartedAt = *fields.StartedAt
		}
		if fields.CompletedAt != nil {
			po.CompletedAt = *fields.CompletedAt
		}
		po.UpdatedAt = time.Now().Unix()
		updated++
	}
	return c.writeInstances(instances)
}

func (c *CsvRepo) CreateStepRecord(ctx context.Context, record *sop.StepRecordPo) (*sop.StepRecordPo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	records, err := c.readStepRecords()
	if err != nil {
		return nil, err
	}
	stored := *record
	stored.ID = nextID(records, func(po *sop.StepRecordPo) int64 { return po.ID })
	stored.UpdatedAt = time.Now().Unix()
	records = append(records, &stored)
	if err := c.writeStepRecords(records); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (c *CsvRepo) GetStepRecord(ctx context.Context, id int64) (*sop.StepRecordPo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	records, err := c.readStepRecords()
	if err != nil {
		return nil, err
	}
	for _, po := range records {
		if po.ID == id {
			return po, nil
		}
	}
	return nil, errors.Wrapf(sop.ErrStepNotFound, "id: %d", id)
}

func (c *CsvRepo) UpdateStepRecord(ctx context.Context, param *sop.UpdateStepRecordParams) error {
	if param == nil || param.Where == nil || param.Fields == nil {
		return errors.New("invalid update params")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	records, err := c.readStepRecords()
	if err != nil {
		return err
	}
	updated := 0
	for _, po := range records {
		if updated >= param.LimitMax {
			break
		}
		if !matchInt64(po.ID, param.Where.IDIn) || !matchString(po.Status, param.Where.StatusIn) {
			continue
		}
		fields := param.Fields
		if fields.Status != nil {
			po.Status = *fields.Status
		}
		if fields.Result != nil {
			po.Result = fields.Result
		}
		if fields.CompletedAt != nil {
			po.CompletedAt = *fields.CompletedAt
		}
		po.UpdatedAt = time.Now().Unix()
		updated++
	}
	return c.writeStepRecords(records)
}

func (c *CsvRepo) QueryStepRecords(ctx context.Context, instanceID int64) ([]*sop.StepRecordPo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	records, err := c.readStepRecords()
	if err != nil {
		return nil, err
	}
	result := make([]*sop.StepRecordPo, 0)
	for _, po := range records {
		if po.InstanceID == instanceID {
			result = append(result, po)
		}
	}
	return result, nil
}

func (c *CsvRepo) CreateMessage(ctx context.Context, message *sop.MessagePo) (*sop.MessagePo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	messages, err := c.readMessages()
	if err != nil {
		return nil, err
	}
	stored := *message
	stored.ID = nextID(messages, func(po *sop.MessagePo) int64 { return po.ID })
	messages = append(messages, &stored)
	if err := c.writeMessages(messages); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (c *CsvRepo) QueryMessages(ctx context.Context, instanceID int64) ([]*sop.MessagePo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	messages, err := c.readMessages()
	if err != nil {
		return nil, err
	}
	result := make([]*sop.MessagePo, 0)
	for _, po := range messages {
		if po.InstanceID == instanceID {
			result = append(result, po)
		}
	}
	return result, nil
}

// Transaction is a plain passthrough: the per-method mutex already
// serializes every write to the files.
func (c *CsvRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func matchInt64(v int64, in []int64) bool {
	if len(in) == 0 {
		return true
	}
	for _, candidate := range in {
		if v == candidate {
			return true
		}
	}
	return false
}

func matchString(v string, in []string) bool {
	if len(in) == 0 {
		return true
	}
	for _, candidate := range in {
		if v == candidate {
			return true
		}
	}
	return false
}

func main() {
	fmt.Println("=== SOP engine + CSV store example ===")
	fmt.Println()

	repo := NewCsvRepo("workflow_instance.csv", "step_record.csv", "workflow_message.csv")
	service := sop.NewService(repo, sop.NewLocalExecutionLock())

	if err := commonregister.RegisterIncidentResponseSOP(service); err != nil {
		panic(err)
	}

	ctx := context.Background()
	instance, err := service.CreateInstance(ctx, &sop.CreateInstanceReq{
		DefinitionName: "incident_response",
		TriggerType:    "alert",
		TriggerID:      "INC-2001",
		InitialData:    map[string]any{"severity": "high"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created instance %d\n", instance.ID)

	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = service.SignalHumanStep(ctx, &sop.SignalStepReq{
			InstanceID: instance.ID,
			StepID:     "report",
			Signal:     &sop.StepSignal{Completed: true},
		})
	}()

	if err := service.Start(ctx, instance.ID); err != nil {
		fmt.Printf("instance failed: %v\n", err)
		return
	}

	final, err := service.GetInstance(ctx, instance.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("status: %s, completed steps: %v\n",
		sop.GetInstanceStatusText(final.Status), final.CompletedSteps)
	fmt.Println("records written to workflow_instance.csv / step_record.csv / workflow_message.csv")
}
