package sop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefinition(t *testing.T) {
	config := &DefinitionConfig{
		Name:             "incident",
		RequiredRoles:    []string{"responder", "lead"},
		EscalationPath:   []string{"lead", "director"},
		TimeLimitSeconds: 3600,
		Steps: []*StepConfig{
			{
				StepID:         "triage",
				Name:           "Triage",
				Type:           StepTypeAutomated,
				AssignedRole:   "responder",
				Actions:        []string{"classify"},
				TimeoutSeconds: 30,
				NextSteps:      []string{"decide"},
			},
			{
				StepID:       "decide",
				Type:         StepTypeDecision,
				AssignedRole: "lead",
				Conditions: []ConditionConfig{
					{When: "decision:go", Next: "act"},
					{When: "decision:stop", Next: "close"},
				},
			},
			{StepID: "act", Type: StepTypeAutomated, AssignedRole: "responder"},
			{StepID: "close", Type: StepTypeHumanAction, AssignedRole: "lead"},
		},
	}

	def, err := LoadDefinition(config)
	require.NoError(t, err)
	assert.Equal(t, "incident", def.Name)
	assert.Equal(t, time.Hour, def.TimeLimit)
	assert.Equal(t, []string{"lead", "director"}, def.EscalationPath)

	triage, ok := def.StepByID("triage")
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, triage.Timeout)

	decide, ok := def.StepByID("decide")
	require.True(t, ok)
	require.Len(t, decide.Conditions, 2)
	assert.Equal(t, CondDecisionEquals, decide.Conditions[0].Kind)
	assert.Equal(t, "go", decide.Conditions[0].Decision)
	assert.Equal(t, "act", decide.Conditions[0].Next)
}

func TestLoadDefinitionRejections(t *testing.T) {
	cases := []struct {
		name   string
		config *DefinitionConfig
	}{
		{"nil config", nil},
		{"missing name", &DefinitionConfig{
			Steps: []*StepConfig{{StepID: "a", Type: StepTypeAutomated}},
		}},
		{"no steps", &DefinitionConfig{Name: "x"}},
		{"unknown step type", &DefinitionConfig{
			Name:  "x",
			Steps: []*StepConfig{{StepID: "a", Type: "magical"}},
		}},
		{"duplicate step id", &DefinitionConfig{
			Name: "x",
			Steps: []*StepConfig{
				{StepID: "a", Type: StepTypeAutomated},
				{StepID: "a", Type: StepTypeAutomated},
			},
		}},
		{"dangling next step", &DefinitionConfig{
			Name:  "x",
			Steps: []*StepConfig{{StepID: "a", Type: StepTypeAutomated, NextSteps: []string{"ghost"}}},
		}},
		{"dangling condition target", &DefinitionConfig{
			Name: "x",
			Steps: []*StepConfig{
				{StepID: "a", Type: StepTypeAutomated, Conditions: []ConditionConfig{{When: "success", Next: "ghost"}}},
			},
		}},
		{"bad condition expression", &DefinitionConfig{
			Name: "x",
			Steps: []*StepConfig{
				{StepID: "a", Type: StepTypeAutomated, NextSteps: []string{"b"}},
				{StepID: "b", Type: StepTypeAutomated, Conditions: []ConditionConfig{{When: "maybe", Next: "a"}}},
			},
		}},
		{"cycle", &DefinitionConfig{
			Name: "x",
			Steps: []*StepConfig{
				{StepID: "a", Type: StepTypeAutomated, NextSteps: []string{"b"}},
				{StepID: "b", Type: StepTypeAutomated, NextSteps: []string{"c"}},
				{StepID: "c", Type: StepTypeAutomated, NextSteps: []string{"a"}},
			},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadDefinition(tc.config)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDefinition)
		})
	}
}

func TestEntryStepSelection(t *testing.T) {
	t.Run("the unreferenced step is the entry", func(t *testing.T) {
		def, err := LoadDefinition(&DefinitionConfig{
			Name: "x",
			Steps: []*StepConfig{
				{StepID: "b", Type: StepTypeAutomated},
				{StepID: "a", Type: StepTypeAutomated, NextSteps: []string{"b"}},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "a", def.EntryStep().ID)
	})

	t.Run("condition targets count as references", func(t *testing.T) {
		def, err := LoadDefinition(&DefinitionConfig{
			Name: "x",
			Steps: []*StepConfig{
				{StepID: "end", Type: StepTypeAutomated},
				{
					StepID: "start", Type: StepTypeAutomated,
					Conditions: []ConditionConfig{{When: "success", Next: "end"}},
				},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "start", def.EntryStep().ID)
	})

	t.Run("ambiguity falls back to the first declared step", func(t *testing.T) {
		def, err := LoadDefinition(&DefinitionConfig{
			Name: "x",
			Steps: []*StepConfig{
				{StepID: "one", Type: StepTypeAutomated},
				{StepID: "two", Type: StepTypeAutomated},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "one", def.EntryStep().ID)
	})
}

func TestLoadDefinitionFromYAML(t *testing.T) {
	source := []byte(`
name: patch_rollout
time_limit_seconds: 600
steps:
  - step_id: stage
    type: automated
    assigned_role: ops
    actions: [push_to_staging]
    completion_criteria:
      all_actions_completed: true
    next_steps: [verify]
  - step_id: verify
    type: human_action
    assigned_role: qa
    timeout_seconds: 300
`)
	def, err := LoadDefinitionFromYAML(source)
	require.NoError(t, err)
	assert.Equal(t, "patch_rollout", def.Name)
	assert.Equal(t, "stage", def.EntryStep().ID)

	verify, ok := def.StepByID("verify")
	require.True(t, ok)
	assert.Equal(t, StepTypeHumanAction, verify.Type)
	assert.Equal(t, 5*time.Minute, verify.Timeout)

	_, err = LoadDefinitionFromYAML([]byte("steps: ["))
	assert.ErrorIs(t, err, ErrDefinition)
}

func TestLoadDefinitionFromJSON(t *testing.T) {
	source := []byte(`{
		"name": "restart_service",
		"steps": [
			{
				"step_id": "drain",
				"type": "automated",
				"assigned_role": "ops",
				"actions": ["drain_traffic"],
				"completion_criteria": {"all_actions_completed": true},
				"next_steps": ["restart"]
			},
			{
				"step_id": "restart",
				"type": "automated",
				"assigned_role": "ops",
				"actions": ["restart_process"]
			}
		]
	}`)
	def, err := LoadDefinitionFromJSON(source)
	require.NoError(t, err)
	assert.Equal(t, "restart_service", def.Name)

	drain, ok := def.StepByID("drain")
	require.True(t, ok)
	assert.True(t, drain.CompletionCriteria[CriterionAllActionsCompleted])

	_, err = LoadDefinitionFromJSON([]byte("not json"))
	assert.ErrorIs(t, err, ErrDefinition)
}
