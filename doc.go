// Package sop is a lightweight orchestration engine for standard
// operating procedures: multi-step response workflows carried out by
// named roles, with durable state, human-in-the-loop steps and
// pluggable role actors.
//
// Core features:
//   - Step graphs: sequential, conditional branching and parallel
//     fan-out, validated and cycle-checked at load time
//   - Four step types: automated, human_action, decision, parallel
//   - Role actors: business logic plugs in per role through an
//     explicit registry, with an optional decision capability
//   - Persistence: GORM-backed instance, step and message records
//     (MySQL, PostgreSQL, SQLite)
//   - Concurrency safety: local or Redis-backed execution locks
//   - Observability: event hooks for human-action, completion and
//     failure transitions
//
// Basic usage:
//
//	package main
//
//	import (
//	    "context"
//
//	    "github.com/blingmoon/sop-engine/sop"
//	    "gorm.io/driver/sqlite"
//	    "gorm.io/gorm"
//	)
//
//	func main() {
//	    // 1. Open the database and migrate the tables.
//	    db, _ := gorm.Open(sqlite.Open("sop.db"), &gorm.Config{})
//	    db.AutoMigrate(&sop.WorkflowInstancePo{}, &sop.StepRecordPo{}, &sop.MessagePo{})
//
//	    // 2. Build the service.
//	    repo := sop.NewWorkflowRepo(db)
//	    service := sop.NewService(repo, sop.NewLocalExecutionLock())
//
//	    // 3. Load an SOP definition.
//	    service.LoadDefinition(&sop.DefinitionConfig{
//	        Name: "incident_response",
//	        Steps: []*sop.StepConfig{
//	            {
//	                StepID:       "triage",
//	                Type:         sop.StepTypeAutomated,
//	                AssignedRole: "responder",
//	                Actions:      []string{"classify"},
//	                NextSteps:    []string{"approve"},
//	            },
//	            {
//	                StepID:       "approve",
//	                Type:         sop.StepTypeHumanAction,
//	                AssignedRole: "manager",
//	            },
//	        },
//	    })
//
//	    // 4. Register role actors.
//	    service.Actors().Register("responder", sop.NewFuncActor(
//	        func(ctx context.Context, action string, input *sop.ActionInput) (*sop.ActionResult, error) {
//	            return &sop.ActionResult{Action: action, Completed: true}, nil
//	        },
//	        nil,
//	    ))
//	    service.Actors().Register("manager", sop.NewFuncActor(nil, nil))
//
//	    // 5. Create and start an instance. Start blocks on the
//	    // human-action step until SignalHumanStep is called from
//	    // another goroutine.
//	    instance, _ := service.CreateInstance(context.Background(), &sop.CreateInstanceReq{
//	        DefinitionName: "incident_response",
//	        TriggerType:    "alert",
//	        TriggerID:      "ALERT-7",
//	    })
//	    go service.SignalHumanStep(context.Background(), &sop.SignalStepReq{
//	        InstanceID: instance.ID,
//	        StepID:     "approve",
//	        Signal:     &sop.StepSignal{Completed: true},
//	    })
//	    service.Start(context.Background(), instance.ID)
//	}
//
// Step routing:
//
// A completed step routes to the target of its first matching
// condition, or to its static next_steps when no condition matches.
// Recognized condition expressions are "success", "failure" and
// "decision:<value>". A failed or timed-out step continues only
// through a declared failure condition; otherwise it fails the
// instance.
//
// Instance context and results:
//
// Each instance carries a JSON context seeded from the trigger's
// initial data; actors read it through ActionInput.Context and read
// earlier step outcomes through ActionInput.PriorResults. Step results
// are persisted per step in the step_record table, so a finished
// instance can be audited after the in-memory context is gone.
package sop
