package tests

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/blingmoon/sop-engine/sop"
)

func setupTestService(t *testing.T) sop.Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(&sop.WorkflowInstancePo{}, &sop.StepRecordPo{}, &sop.MessagePo{})
	require.NoError(t, err)

	repo := sop.NewWorkflowRepo(db)
	return sop.NewService(repo, sop.NewLocalExecutionLock())
}

func completingActor(executed *[]string) *sop.FuncActor {
	return sop.NewFuncActor(
		func(ctx context.Context, action string, input *sop.ActionInput) (*sop.ActionResult, error) {
			if executed != nil {
				*executed = append(*executed, action)
			}
			return &sop.ActionResult{Action: action, Completed: true}, nil
		},
		nil,
	)
}

func sequentialDefinition(name string) *sop.DefinitionConfig {
	return &sop.DefinitionConfig{
		Name: name,
		Steps: []*sop.StepConfig{
			{
				StepID:       "step_a",
				Name:         "Step A",
				Type:         sop.StepTypeAutomated,
				AssignedRole: "ops",
				Actions:      []string{"act_a"},
				CompletionCriteria: map[string]bool{
					sop.CriterionAllActionsCompleted: true,
				},
				NextSteps: []string{"step_b"},
			},
			{
				StepID:       "step_b",
				Name:         "Step B",
				Type:         sop.StepTypeAutomated,
				AssignedRole: "ops",
				Actions:      []string{"act_b"},
				CompletionCriteria: map[string]bool{
					sop.CriterionAllActionsCompleted: true,
				},
			},
		},
	}
}

func TestInstanceCreation(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	_, err := service.LoadDefinition(sequentialDefinition("seq"))
	require.NoError(t, err)

	t.Run("round-trips trigger fields and initial context", func(t *testing.T) {
		instance, err := service.CreateInstance(ctx, &sop.CreateInstanceReq{
			DefinitionName: "seq",
			TriggerType:    "alert",
			TriggerID:      "ALERT-42",
			InitialData:    map[string]any{"severity": "high"},
		})
		require.NoError(t, err)
		require.Greater(t, instance.ID, int64(0))
		assert.Equal(t, sop.InstanceStatusPending, instance.Status)

		got, err := service.GetInstance(ctx, instance.ID)
		require.NoError(t, err)
		assert.Equal(t, "alert", got.TriggerType)
		assert.Equal(t, "ALERT-42", got.TriggerID)
		severity, ok := got.Input.GetString("severity")
		require.True(t, ok)
		assert.Equal(t, "high", severity)
	})

	t.Run("rejects unknown definition without writing a record", func(t *testing.T) {
		_, err := service.CreateInstance(ctx, &sop.CreateInstanceReq{
			DefinitionName: "no_such",
			TriggerType:    "alert",
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, sop.ErrDefinition)
	})

	t.Run("rejects duplicate definition name", func(t *testing.T) {
		_, err := service.LoadDefinition(sequentialDefinition("seq"))
		require.Error(t, err)
		assert.ErrorIs(t, err, sop.ErrDefinition)
	})
}

func TestSequentialExecution(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	_, err := service.LoadDefinition(sequentialDefinition("seq"))
	require.NoError(t, err)

	executed := make([]string, 0)
	require.NoError(t, service.Actors().Register("ops", completingActor(&executed)))

	instance, err := service.CreateInstance(ctx, &sop.CreateInstanceReq{
		DefinitionName: "seq",
		TriggerType:    "manual",
		TriggerID:      "RUN-1",
	})
	require.NoError(t, err)

	require.NoError(t, service.Start(ctx, instance.ID))
	assert.Equal(t, []string{"act_a", "act_b"}, executed)

	got, err := service.GetInstance(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, sop.InstanceStatusCompleted, got.Status)
	assert.Equal(t, []string{"step_a", "step_b"}, got.CompletedSteps)
	assert.Greater(t, got.StartedAt, int64(0))
	assert.Greater(t, got.CompletedAt, int64(0))

	records, err := service.StepRecords(ctx, instance.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, record := range records {
		assert.Equal(t, sop.StepStatusCompleted, record.Status)
		result, decodeErr := sop.DecodeStepResult(record.Result)
		require.NoError(t, decodeErr)
		assert.True(t, result.Completed())
	}
}

func TestRepeatStartRejected(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	_, err := service.LoadDefinition(sequentialDefinition("seq"))
	require.NoError(t, err)
	require.NoError(t, service.Actors().Register("ops", completingActor(nil)))

	instance, err := service.CreateInstance(ctx, &sop.CreateInstanceReq{
		DefinitionName: "seq",
		TriggerType:    "manual",
	})
	require.NoError(t, err)

	require.NoError(t, service.Start(ctx, instance.ID))

	// A finished instance never restarts and never re-runs steps.
	err = service.Start(ctx, instance.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, sop.ErrInstanceFinished)

	records, err := service.StepRecords(ctx, instance.ID)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestMissingActorFailsInstance(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	_, err := service.LoadDefinition(sequentialDefinition("seq"))
	require.NoError(t, err)
	// No actor registered for "ops".

	instance, err := service.CreateInstance(ctx, &sop.CreateInstanceReq{
		DefinitionName: "seq",
		TriggerType:    "manual",
	})
	require.NoError(t, err)

	err = service.Start(ctx, instance.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, sop.ErrNoActor)
	assert.Contains(t, err.Error(), "ops")

	got, err := service.GetInstance(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, sop.InstanceStatusFailed, got.Status)
	assert.Equal(t, "step_a", got.CurrentStepID)
	assert.Contains(t, got.LastError, "ops")
}

func TestCancelInstance(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	_, err := service.LoadDefinition(sequentialDefinition("seq"))
	require.NoError(t, err)
	require.NoError(t, service.Actors().Register("ops", completingActor(nil)))

	instance, err := service.CreateInstance(ctx, &sop.CreateInstanceReq{
		DefinitionName: "seq",
		TriggerType:    "manual",
	})
	require.NoError(t, err)

	require.NoError(t, service.CancelInstance(ctx, instance.ID))

	got, err := service.GetInstance(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, sop.InstanceStatusCancelled, got.Status)

	// Cancelled is terminal: starting and re-cancelling both short out.
	err = service.Start(ctx, instance.ID)
	assert.ErrorIs(t, err, sop.ErrInstanceFinished)
	assert.NoError(t, service.CancelInstance(ctx, instance.ID))
}

func TestDefinitionValidation(t *testing.T) {
	service := setupTestService(t)

	t.Run("rejects duplicate step ids", func(t *testing.T) {
		_, err := service.LoadDefinition(&sop.DefinitionConfig{
			Name: "dupes",
			Steps: []*sop.StepConfig{
				{StepID: "a", Type: sop.StepTypeAutomated, AssignedRole: "ops"},
				{StepID: "a", Type: sop.StepTypeAutomated, AssignedRole: "ops"},
			},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, sop.ErrDefinition)
	})

	t.Run("rejects dangling successor", func(t *testing.T) {
		_, err := service.LoadDefinition(&sop.DefinitionConfig{
			Name: "dangling",
			Steps: []*sop.StepConfig{
				{StepID: "a", Type: sop.StepTypeAutomated, AssignedRole: "ops", NextSteps: []string{"ghost"}},
			},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, sop.ErrDefinition)
	})

	t.Run("rejects cyclic graph", func(t *testing.T) {
		_, err := service.LoadDefinition(&sop.DefinitionConfig{
			Name: "cycle",
			Steps: []*sop.StepConfig{
				{StepID: "a", Type: sop.StepTypeAutomated, AssignedRole: "ops", NextSteps: []string{"b"}},
				{StepID: "b", Type: sop.StepTypeAutomated, AssignedRole: "ops", NextSteps: []string{"a"}},
			},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, sop.ErrDefinition)
	})

	t.Run("rejects unknown condition expression", func(t *testing.T) {
		_, err := service.LoadDefinition(&sop.DefinitionConfig{
			Name: "badcond",
			Steps: []*sop.StepConfig{
				{
					StepID: "a", Type: sop.StepTypeAutomated, AssignedRole: "ops",
					Conditions: []sop.ConditionConfig{{When: "sometimes", Next: "a"}},
				},
			},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, sop.ErrDefinition)
	})
}
