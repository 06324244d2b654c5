package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/agentpool/internal/models"
)

// MsgType discriminates the message union on the wire.
type MsgType string

const (
	TypeTaskDispatch    MsgType = "task:dispatch"
	TypeTaskResult      MsgType = "task:result"
	TypeAgentRegister   MsgType = "agent:register"
	TypeAgentHeartbeat  MsgType = "agent:heartbeat"
	TypeAgentStatus     MsgType = "agent:status"
	TypeAgentDeregister MsgType = "agent:deregister"
	TypeControlStop     MsgType = "control:stop"
	TypeControlKill     MsgType = "control:kill"
	TypeControlApprove  MsgType = "control:approve"
	TypeControlPing     MsgType = "control:ping"
	TypeControlPong     MsgType = "control:pong"
)

// ErrUnknownMessageType is returned when decoding a message whose type tag is
// not part of the union.
var ErrUnknownMessageType = errors.New("unknown message type")

// Message is the closed set of messages exchanged over the bus. Only types in
// this package implement it.
type Message interface {
	Type() MsgType
	// Accept calls the Handler method matching the concrete message.
	Accept(ctx context.Context, h Handler) error
	sealed()
}

// Handler has one method per message variant. Adding a variant adds a method,
// so every implementation must be updated before the build passes.
type Handler interface {
	HandleTaskDispatch(ctx context.Context, m *TaskDispatch) error
	HandleTaskResult(ctx context.Context, m *TaskResult) error
	HandleAgentRegister(ctx context.Context, m *AgentRegister) error
	HandleAgentHeartbeat(ctx context.Context, m *AgentHeartbeat) error
	HandleAgentStatus(ctx context.Context, m *AgentStatusChange) error
	HandleAgentDeregister(ctx context.Context, m *AgentDeregister) error
	HandleControlStop(ctx context.Context, m *ControlStop) error
	HandleControlKill(ctx context.Context, m *ControlKill) error
	HandleControlApprove(ctx context.Context, m *ControlApprove) error
	HandleControlPing(ctx context.Context, m *ControlPing) error
	HandleControlPong(ctx context.Context, m *ControlPong) error
}

// DispatchTask is the task payload carried by a dispatch.
type DispatchTask struct {
	Description  string               `json:"description"`
	CodebaseID   string               `json:"codebaseId"`
	WorktreePath string               `json:"worktreePath"`
	Priority     int                  `json:"priority"`
	Context      *models.TaskContext  `json:"context,omitempty"`
	Expectations *models.Expectations `json:"expectations,omitempty"`
}

// TaskDispatch assigns a task to an agent.
type TaskDispatch struct {
	TaskID         string       `json:"taskId"`
	TargetAgentID  string       `json:"targetAgentId,omitempty"`
	Task           DispatchTask `json:"task"`
	Timestamp      time.Time    `json:"timestamp"`
	ConversationID string       `json:"conversationId"`
	Platform       string       `json:"platform"`
}

// ResultError describes why a task failed.
type ResultError struct {
	Message string `json:"message"`
}

// TaskResult reports the outcome of a task.
type TaskResult struct {
	TaskID     string            `json:"taskId"`
	AgentID    string            `json:"agentId"`
	Status     models.TaskStatus `json:"status"`
	Success    bool              `json:"success"`
	Claims     models.Claims     `json:"claims"`
	Summary    string            `json:"summary"`
	TokensUsed *int              `json:"tokensUsed,omitempty"`
	Cost       *float64          `json:"cost,omitempty"`
	Error      *ResultError      `json:"error,omitempty"`
	StartTime  time.Time         `json:"startTime"`
	EndTime    time.Time         `json:"endTime"`
	DurationMs int64             `json:"durationMs"`
}

// AgentRegister announces an agent joining the pool.
type AgentRegister struct {
	AgentID      string              `json:"agentId"`
	Capabilities models.Capabilities `json:"capabilities"`
	System       models.SystemInfo   `json:"system"`
	Timestamp    time.Time           `json:"timestamp"`
}

// TaskProgress is the busy part of a heartbeat.
type TaskProgress struct {
	TaskID      string `json:"taskId"`
	Progress    int    `json:"progress"`
	CurrentStep string `json:"currentStep"`
}

// Resources is a sample of the agent's resource usage.
type Resources struct {
	MemoryUsedMB float64 `json:"memoryUsedMb"`
	CPUPercent   float64 `json:"cpuPercent"`
}

// AgentHeartbeat is emitted on a fixed interval by every agent.
type AgentHeartbeat struct {
	AgentID     string             `json:"agentId"`
	Status      models.AgentStatus `json:"status"`
	CurrentTask *TaskProgress      `json:"currentTask,omitempty"`
	Resources   Resources          `json:"resources"`
	Timestamp   time.Time          `json:"timestamp"`
}

// AgentStatusChange reports a worker state transition.
type AgentStatusChange struct {
	AgentID        string             `json:"agentId"`
	PreviousStatus models.AgentStatus `json:"previousStatus"`
	CurrentStatus  models.AgentStatus `json:"currentStatus"`
	Reason         string             `json:"reason"`
	Timestamp      time.Time          `json:"timestamp"`
}

// AgentDeregister announces an agent leaving the pool.
type AgentDeregister struct {
	AgentID   string    `json:"agentId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlStop asks an agent to abort its in-flight task.
type ControlStop struct {
	AgentID   string    `json:"agentId"`
	TaskID    string    `json:"taskId,omitempty"`
	Reason    string    `json:"reason"`
	Graceful  bool      `json:"graceful"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlKill asks an agent process to exit immediately.
type ControlKill struct {
	AgentID   string    `json:"agentId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlApprove resolves a task waiting for approval.
type ControlApprove struct {
	AgentID   string    `json:"agentId"`
	TaskID    string    `json:"taskId"`
	Approved  bool      `json:"approved"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlPing checks the bus; every listener on the control channel answers.
type ControlPing struct {
	Nonce     string    `json:"nonce"`
	From      string    `json:"from"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlPong answers a ControlPing.
type ControlPong struct {
	Nonce     string    `json:"nonce"`
	From      string    `json:"from"`
	Timestamp time.Time `json:"timestamp"`
}

func (*TaskDispatch) Type() MsgType      { return TypeTaskDispatch }
func (*TaskResult) Type() MsgType        { return TypeTaskResult }
func (*AgentRegister) Type() MsgType     { return TypeAgentRegister }
func (*AgentHeartbeat) Type() MsgType    { return TypeAgentHeartbeat }
func (*AgentStatusChange) Type() MsgType { return TypeAgentStatus }
func (*AgentDeregister) Type() MsgType   { return TypeAgentDeregister }
func (*ControlStop) Type() MsgType       { return TypeControlStop }
func (*ControlKill) Type() MsgType       { return TypeControlKill }
func (*ControlApprove) Type() MsgType    { return TypeControlApprove }
func (*ControlPing) Type() MsgType       { return TypeControlPing }
func (*ControlPong) Type() MsgType       { return TypeControlPong }

func (m *TaskDispatch) Accept(ctx context.Context, h Handler) error {
	return h.HandleTaskDispatch(ctx, m)
}
func (m *TaskResult) Accept(ctx context.Context, h Handler) error { return h.HandleTaskResult(ctx, m) }
func (m *AgentRegister) Accept(ctx context.Context, h Handler) error {
	return h.HandleAgentRegister(ctx, m)
}
func (m *AgentHeartbeat) Accept(ctx context.Context, h Handler) error {
	return h.HandleAgentHeartbeat(ctx, m)
}
func (m *AgentStatusChange) Accept(ctx context.Context, h Handler) error {
	return h.HandleAgentStatus(ctx, m)
}
func (m *AgentDeregister) Accept(ctx context.Context, h Handler) error {
	return h.HandleAgentDeregister(ctx, m)
}
func (m *ControlStop) Accept(ctx context.Context, h Handler) error {
	return h.HandleControlStop(ctx, m)
}
func (m *ControlKill) Accept(ctx context.Context, h Handler) error {
	return h.HandleControlKill(ctx, m)
}
func (m *ControlApprove) Accept(ctx context.Context, h Handler) error {
	return h.HandleControlApprove(ctx, m)
}
func (m *ControlPing) Accept(ctx context.Context, h Handler) error {
	return h.HandleControlPing(ctx, m)
}
func (m *ControlPong) Accept(ctx context.Context, h Handler) error {
	return h.HandleControlPong(ctx, m)
}

func (*TaskDispatch) sealed()      {}
func (*TaskResult) sealed()        {}
func (*AgentRegister) sealed()     {}
func (*AgentHeartbeat) sealed()    {}
func (*AgentStatusChange) sealed() {}
func (*AgentDeregister) sealed()   {}
func (*ControlStop) sealed()       {}
func (*ControlKill) sealed()       {}
func (*ControlApprove) sealed()    {}
func (*ControlPing) sealed()       {}
func (*ControlPong) sealed()       {}

// Encode renders a message as a flat JSON object with a "type" field.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	tag, _ := json.Marshal(m.Type())

	out := make([]byte, 0, len(body)+len(tag)+9)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	out = append(out, body[1:]...)
	return out, nil
}

// Decode parses a message produced by Encode.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type MsgType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode message header: %w", err)
	}

	var m Message
	switch head.Type {
	case TypeTaskDispatch:
		m = &TaskDispatch{}
	case TypeTaskResult:
		m = &TaskResult{}
	case TypeAgentRegister:
		m = &AgentRegister{}
	case TypeAgentHeartbeat:
		m = &AgentHeartbeat{}
	case TypeAgentStatus:
		m = &AgentStatusChange{}
	case TypeAgentDeregister:
		m = &AgentDeregister{}
	case TypeControlStop:
		m = &ControlStop{}
	case TypeControlKill:
		m = &ControlKill{}
	case TypeControlApprove:
		m = &ControlApprove{}
	case TypeControlPing:
		m = &ControlPing{}
	case TypeControlPong:
		m = &ControlPong{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, head.Type)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	return m, nil
}
