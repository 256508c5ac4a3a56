// Package dagmodel defines the wire and storage shapes shared across
// FlowSync: workflow definitions, executions, steps, and triggers.
package dagmodel

import "time"

// NodeType enumerates the node kinds a WorkflowDefinition may contain.
type NodeType string

const (
	NodeStart            NodeType = "start"
	NodeEnd              NodeType = "end"
	NodeAction           NodeType = "action"
	NodeCondition        NodeType = "condition"
	NodeDelay            NodeType = "delay"
	NodeFork             NodeType = "fork"
	NodeJoin             NodeType = "join"
	NodeTransform        NodeType = "transform"
	NodeWebhookResponse  NodeType = "webhook_response"
)

// ConditionBranch labels an edge as belonging to the true or false branch
// of a condition node. The zero value means "unlabeled".
type ConditionBranch string

const (
	BranchTrue    ConditionBranch = "true"
	BranchFalse   ConditionBranch = "false"
	BranchUnset   ConditionBranch = ""
)

// Node is one vertex of a WorkflowDefinition.
type Node struct {
	ID     string                 `json:"id"`
	Type   NodeType               `json:"type"`
	Label  string                 `json:"label"`
	Config map[string]interface{} `json:"config,omitempty"`
	Position *Position            `json:"position,omitempty"`
}

// Position is editor-only metadata; the engine never reads it.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge is a directed dependency from Source's completion to Target's
// eligibility.
type Edge struct {
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	Target          string          `json:"target"`
	ConditionBranch ConditionBranch `json:"conditionBranch,omitempty"`
}

// WorkflowDefinition is the DAG shape that crosses the wire boundary.
type WorkflowDefinition struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// WorkflowStatus is the lifecycle state of a Workflow snapshot.
type WorkflowStatus string

const (
	WorkflowDraft    WorkflowStatus = "draft"
	WorkflowActive   WorkflowStatus = "active"
	WorkflowArchived WorkflowStatus = "archived"
)

// Workflow is an immutable snapshot keyed by (ID, Version). A definition or
// name change bumps Version; existing executions keep referring to the
// pre-bump snapshot they were started against.
type Workflow struct {
	ID         string             `json:"id"`
	Version    int                `json:"version"`
	Name       string             `json:"name"`
	Definition WorkflowDefinition `json:"definition"`
	Status     WorkflowStatus     `json:"status"`
	CreatedAt  time.Time          `json:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

// ExecutionStatus is the lifecycle state of a running DAG instance.
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "pending"
	ExecRunning   ExecutionStatus = "running"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
)

// Execution is one run of a Workflow snapshot.
type Execution struct {
	ID             string                 `json:"id"`
	WorkflowID     string                 `json:"workflowId"`
	WorkflowVersion int                   `json:"workflowVersion"`
	Status         ExecutionStatus        `json:"status"`
	Input          map[string]interface{} `json:"input,omitempty"`
	Output         map[string]interface{} `json:"output,omitempty"`
	Error          string                 `json:"error,omitempty"`
	StartedAt      time.Time              `json:"startedAt"`
	CompletedAt    *time.Time             `json:"completedAt,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	UserID         string                 `json:"userId,omitempty"`
}

// StepStatus is the lifecycle state of a single scheduled node instance.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepExecution is one (execution, scheduled instance of a node) row.
type StepExecution struct {
	ID          string                 `json:"id"`
	ExecutionID string                 `json:"executionId"`
	NodeID      string                 `json:"nodeId"`
	NodeLabel   string                 `json:"nodeLabel"`
	NodeType    NodeType               `json:"nodeType"`
	Status      StepStatus             `json:"status"`
	Attempts    int                    `json:"attempts"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   *time.Time             `json:"startedAt,omitempty"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
}

// TriggerType enumerates how a workflow can be started.
type TriggerType string

const (
	TriggerManual  TriggerType = "manual"
	TriggerWebhook TriggerType = "webhook"
	TriggerCron    TriggerType = "cron"
)

// Trigger references (does not own) a Workflow.
type Trigger struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflowId"`
	Type        TriggerType            `json:"type"`
	Config      map[string]interface{} `json:"config,omitempty"`
	Enabled     bool                   `json:"enabled"`
	LastFiredAt *time.Time             `json:"lastFiredAt,omitempty"`
	NextRunAt   *time.Time             `json:"nextRunAt,omitempty"`
}

// CronExpression extracts the trigger's cron expression from its config,
// the only field the scheduler reads off a cron trigger.
func (t *Trigger) CronExpression() (string, bool) {
	if t.Config == nil {
		return "", false
	}
	v, ok := t.Config["expression"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// AuditLog is an append-only, control-flow-inert observability row.
type AuditLog struct {
	ID         string                 `json:"id"`
	Event      string                 `json:"event"`
	EntityType string                 `json:"entityType"`
	EntityID   string                 `json:"entityId"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
}
