// Package models defines the core domain types for Airlock.
package models

import "time"

// Intent classifies what an instruction asks for.
type Intent string

const (
	IntentQuestion Intent = "question"
	IntentCommand  Intent = "command"
)

// FailurePolicy decides what a step failure does to the rest of a plan.
type FailurePolicy string

const (
	FailFast         FailurePolicy = "fail_fast"
	ContinueOnError  FailurePolicy = "continue"
	DefaultFailPolicy              = FailFast
)

// Valid reports whether p is a known policy.
func (p FailurePolicy) Valid() bool {
	return p == FailFast || p == ContinueOnError
}

// TaskPlan is the reviewable output of the planner.
type TaskPlan struct {
	ID                   string        `json:"id"`
	Instruction          string        `json:"instruction"`
	WorkspacePath        string        `json:"workspacePath"`
	Intent               Intent        `json:"intent"`
	Answer               string        `json:"answer,omitempty"`
	Steps                []PlannedStep `json:"steps"`
	EstimatedChanges     int           `json:"estimatedChanges"`
	RequiresConfirmation bool          `json:"requiresConfirmation"`
	Warnings             []string      `json:"warnings"`
	FailurePolicy        FailurePolicy `json:"failurePolicy"`
	TokensUsed           int           `json:"tokensUsed,omitempty"`
	CreatedAt            time.Time     `json:"createdAt"`
}

// Message is one turn of conversation history handed to the planner.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ExecutionState is the lifecycle state of a task runtime.
type ExecutionState string

const (
	StateQueued          ExecutionState = "queued"
	StateRunning         ExecutionState = "running"
	StateWaitingApproval ExecutionState = "waiting_approval"
	StateCompleted       ExecutionState = "completed"
	StateFailed          ExecutionState = "failed"
	StateCancelled       ExecutionState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s ExecutionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// StepStatus is the executor's annotation of a single step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepWaiting   StepStatus = "waiting_approval"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepOutcome records what happened to one step of an execution.
type StepOutcome struct {
	Index    int        `json:"index"`
	Tool     string     `json:"tool"`
	Status   StepStatus `json:"status"`
	Decision string     `json:"decision,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	Error    string     `json:"error,omitempty"`
	Output   string     `json:"output,omitempty"`
}

// ExecutionResult is produced exactly once per execution attempt.
type ExecutionResult struct {
	TaskID         string         `json:"taskId"`
	Success        bool           `json:"success"`
	State          ExecutionState `json:"state"`
	TotalSteps     int            `json:"totalSteps"`
	CompletedSteps int            `json:"completedSteps"`
	TotalChanges   int            `json:"totalChanges"`
	Changes        []FileOpChange `json:"changes"`
	Errors         []string       `json:"errors"`
	Steps          []StepOutcome  `json:"steps"`
	TransactionID  string         `json:"transactionId,omitempty"`
	RolledBack     bool           `json:"rolledBack"`
	DurationMs     int64          `json:"durationMs"`
}

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRequest asks a human to allow one gated step.
type ApprovalRequest struct {
	ID          string            `json:"id"`
	TaskID      string            `json:"taskId"`
	StepIndex   int               `json:"stepIndex"`
	Timestamp   time.Time         `json:"timestamp"`
	CommandType string            `json:"command_type"`
	Payload     map[string]string `json:"payload"`
	Level       Level             `json:"level"`
	RequesterID string            `json:"requester_id,omitempty"`
	Status      ApprovalStatus    `json:"status"`
	Reason      string            `json:"reason,omitempty"`
	ExpiresAt   time.Time         `json:"expiresAt"`
	ResolvedAt  *time.Time        `json:"resolvedAt,omitempty"`
}

// FileOperation names a kind of filesystem mutation.
type FileOperation string

const (
	OpMove         FileOperation = "move"
	OpCopy         FileOperation = "copy"
	OpRename       FileOperation = "rename"
	OpDelete       FileOperation = "delete"
	OpCreate       FileOperation = "create"
	OpCreateFolder FileOperation = "create_folder"
	OpModify       FileOperation = "modify"
)

// FileOpChange is an append-only record of one applied mutation.
type FileOpChange struct {
	ID         string        `json:"id"`
	Operation  FileOperation `json:"operation"`
	SourcePath string        `json:"sourcePath"`
	DestPath   string        `json:"destPath,omitempty"`
	VersionID  string        `json:"versionId,omitempty"` // pre-image snapshot
	Timestamp  time.Time     `json:"timestamp"`
	Reversible bool          `json:"reversible"`
}

// TransactionState is the lifecycle state of a ledger transaction.
type TransactionState string

const (
	TxActive     TransactionState = "active"
	TxCommitted  TransactionState = "committed"
	TxRolledBack TransactionState = "rolled_back"
	TxFailed     TransactionState = "failed"
)

// Transaction groups the mutations of one execution.
type Transaction struct {
	ID          string           `json:"id"`
	Description string           `json:"description"`
	State       TransactionState `json:"state"`
	StartTime   time.Time        `json:"startTime"`
	EndTime     *time.Time       `json:"endTime,omitempty"`
	Operations  []FileOpChange   `json:"operations"`
	Snapshots   []FileVersion    `json:"snapshots"`
	Undone      bool             `json:"undone"`
}

// FileVersion is a stored pre-image of a file.
type FileVersion struct {
	ID            string    `json:"id"`
	FilePath      string    `json:"filePath"`
	VersionNumber int       `json:"versionNumber"`
	Timestamp     time.Time `json:"timestamp"`
	ContentHash   string    `json:"contentHash"`
	Size          int64     `json:"size"`
	VersionPath   string    `json:"versionPath"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskID     string    `json:"task_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Run records one command executed by a runCommand step.
type Run struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	Command    string    `json:"command"`
	Args       []string  `json:"args"`
	ExitCode   int       `json:"exit_code"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	DurationMs int64     `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
}
