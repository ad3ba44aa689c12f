package commonregister

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/blingmoon/sop-engine/sop"
)

// incidentResponseYAML is a complete incident-response SOP exercising
// every step type: an automated triage, a decision branch, a parallel
// containment fan-out and a human-signed report.
const incidentResponseYAML = `
name: incident_response
required_roles: [responder, comms, lead]
escalation_path: [lead, director]
time_limit_seconds: 86400
steps:
  - step_id: triage
    name: Triage the incident
    type: automated
    assigned_role: responder
    actions: [classify, acknowledge]
    completion_criteria:
      all_actions_completed: true
    next_steps: [assess]
  - step_id: assess
    name: Assess severity
    type: decision
    assigned_role: lead
    conditions:
      - when: "decision:contain"
        next: contain
      - when: "decision:monitor"
        next: monitor
  - step_id: contain
    name: Contain the incident
    type: parallel
    next_steps: [isolate, notify]
    conditions:
      - when: success
        next: report
  - step_id: isolate
    name: Isolate affected systems
    type: automated
    assigned_role: responder
    actions: [isolate_hosts]
    completion_criteria:
      all_actions_completed: true
  - step_id: notify
    name: Notify stakeholders
    type: automated
    assigned_role: comms
    actions: [send_notice]
    completion_criteria:
      any_action_completed: true
  - step_id: monitor
    name: Monitor and close out
    type: automated
    assigned_role: responder
    actions: [watch_metrics]
    completion_criteria:
      all_actions_completed: true
  - step_id: report
    name: Sign off the incident report
    type: human_action
    assigned_role: lead
    timeout_seconds: 3600
`

// RegisterIncidentResponseSOP loads the incident-response definition
// into the service and registers its three role actors. The lead role
// decides "contain" when the trigger context carries severity "high",
// otherwise "monitor".
func RegisterIncidentResponseSOP(service sop.Service) error {
	config := &sop.DefinitionConfig{}
	if err := yaml.Unmarshal([]byte(incidentResponseYAML), config); err != nil {
		return errors.Wrap(err, "decode incident_response definition failed")
	}
	if _, err := service.LoadDefinition(config); err != nil {
		return errors.Wrap(err, "load incident_response definition failed")
	}

	err := service.Actors().Register("responder", sop.NewFuncActor(
		func(ctx context.Context, action string, input *sop.ActionInput) (*sop.ActionResult, error) {
			fmt.Printf("  [responder] %s running...\n", action)
			return &sop.ActionResult{
				Action:    action,
				Completed: true,
				Output:    time.Now().Format(time.RFC3339),
			}, nil
		},
		nil,
	))
	if err != nil {
		return errors.Wrap(err, "register responder failed")
	}

	err = service.Actors().Register("comms", sop.NewFuncActor(
		func(ctx context.Context, action string, input *sop.ActionInput) (*sop.ActionResult, error) {
			fmt.Printf("  [comms] %s running...\n", action)
			return &sop.ActionResult{Action: action, Completed: true}, nil
		},
		func(ctx context.Context, message *sop.Message) error {
			fmt.Printf("  [comms] message received: %s\n", message.Subject)
			return nil
		},
	))
	if err != nil {
		return errors.Wrap(err, "register comms failed")
	}

	err = service.Actors().Register("lead", sop.NewDecisionActor(
		nil,
		func(ctx context.Context, input *sop.DecisionInput) (*sop.DecisionResult, error) {
			severity, _ := input.Context.GetString("severity")
			if severity == "high" {
				return &sop.DecisionResult{
					Decision:  "contain",
					Reasoning: "high severity requires containment",
				}, nil
			}
			return &sop.DecisionResult{
				Decision:  "monitor",
				Reasoning: "low severity, watch and close",
			}, nil
		},
		nil,
	))
	if err != nil {
		return errors.Wrap(err, "register lead failed")
	}
	return nil
}
