// Package event carries the ordered progress events of a task from its
// producer (planner or runtime) to any number of observers.
package event

import (
	"time"

	"github.com/fentz26/airlock/internal/models"
)

// Type names an event.
type Type string

const (
	PlanningStarted      Type = "planningStarted"
	PlanToken            Type = "planToken"
	PlanReady            Type = "planReady"
	StepStarted          Type = "stepStarted"
	StepCompleted        Type = "stepCompleted"
	StepFailed           Type = "stepFailed"
	Progress             Type = "progress"
	ConfirmationRequired Type = "confirmationRequired"
	Notice               Type = "notice"
	Completed            Type = "completed"
	Failed               Type = "failed"
)

// Terminal reports whether t ends an execution attempt.
func (t Type) Terminal() bool { return t == Completed || t == Failed }

// Event is one message on a task stream. Step is 1-based; zero means the
// event is not about a step.
type Event struct {
	Seq       uint64                  `json:"seq"`
	Type      Type                    `json:"type"`
	TaskID    string                  `json:"taskId"`
	Step      int                     `json:"step,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
	State     models.ExecutionState   `json:"state,omitempty"`
	Reason    string                  `json:"reason,omitempty"`
	Message   string                  `json:"message,omitempty"`
	Token     string                  `json:"token,omitempty"`
	Progress  *ProgressInfo           `json:"progress,omitempty"`
	Plan      *models.TaskPlan        `json:"plan,omitempty"`
	Approval  *models.ApprovalRequest `json:"approval,omitempty"`
	Result    *models.ExecutionResult `json:"result,omitempty"`
	Changes   []models.FileOpChange   `json:"changes,omitempty"`
}

// ProgressInfo counts finished steps.
type ProgressInfo struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}
