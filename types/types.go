// Package types defines the canonical data model shared by every
// subsystem of the fabric: agent profiles and capabilities, the
// A2A/end-user message shapes, the task lifecycle, and the AgentCard
// manifest. Field names use camelCase JSON tags to conform to the A2A
// wire protocol.
//
//nolint:tagliatelle // wire protocol requires camelCase JSON field names
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/a2a-fabric/core/internal/jsonrpc"
)

// NewID generates a globally unique identifier suitable for tasks,
// messages, and correlation ids.
func NewID() string {
	return uuid.New().String()
}

// AgentStatus is the lifecycle status of a registered agent.
type AgentStatus string

// Recognized agent statuses.
const (
	AgentOnline      AgentStatus = "online"
	AgentOffline     AgentStatus = "offline"
	AgentBusy        AgentStatus = "busy"
	AgentDegraded    AgentStatus = "degraded"
	AgentMaintenance AgentStatus = "maintenance"
	AgentError       AgentStatus = "error"
)

// CapabilityCategory classifies what kind of work a capability performs.
type CapabilityCategory string

// Recognized capability categories.
const (
	CategoryAnalysis      CapabilityCategory = "analysis"
	CategoryAction        CapabilityCategory = "action"
	CategoryMonitoring    CapabilityCategory = "monitoring"
	CategoryCreative      CapabilityCategory = "creative"
	CategoryCoordination  CapabilityCategory = "coordination"
	CategorySecurity      CapabilityCategory = "security"
	CategoryCommunication CapabilityCategory = "communication"
)

// Capability is a named, categorized ability an agent advertises.
// Within an agent, capability names are unique.
type Capability struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Category    CapabilityCategory  `json:"category"`
	Cost        float64             `json:"cost"`        // computational cost, [0,100]
	Reliability float64             `json:"reliability"` // [0,1]
	Version     string              `json:"version,omitempty"`
	Tags        []string            `json:"tags,omitempty"`
	InputSchema json.RawMessage     `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage    `json:"outputSchema,omitempty"`
}

// PerformanceMetrics tracks an agent's rolling delivery statistics.
type PerformanceMetrics struct {
	AvgResponseTimeMs float64 `json:"avgResponseTime"`
	SuccessRate       float64 `json:"successRate"` // [0,1]
	TotalRequests     int64   `json:"totalRequests"`
}

// AgentProfile is the Registry's stored record for an agent: richer
// than an AgentCard, including health and metadata. Owned solely by
// the Registry; created on registration, mutated by status/health/
// capability updates, destroyed on unregistration or cleanup.
type AgentProfile struct {
	AgentID      string               `json:"agentId"`
	AgentType    string               `json:"agentType"`
	Status       AgentStatus          `json:"status"`
	Capabilities []Capability         `json:"capabilities"`
	Features     AgentFeatures        `json:"features"`
	Endpoint     string               `json:"endpoint,omitempty"`
	Version      string               `json:"version,omitempty"`
	Load         float64              `json:"load"` // [0,100]
	Uptime       time.Duration        `json:"uptime,omitempty"`
	RegisteredAt time.Time            `json:"registeredAt"`
	LastUpdated  time.Time            `json:"lastUpdated"`
	LastSeen     time.Time            `json:"lastSeen"`
	Performance  PerformanceMetrics   `json:"performance"`
	Metadata     map[string]any       `json:"metadata,omitempty"`
}

// AgentFeatures advertises optional protocol extensions an agent supports.
type AgentFeatures struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"pushNotifications"`
	Extensions        bool `json:"extensions"`
}

// CapabilityNames returns the set of capability names this profile declares.
func (p *AgentProfile) CapabilityNames() []string {
	names := make([]string, len(p.Capabilities))
	for i, c := range p.Capabilities {
		names[i] = c.Name
	}
	return names
}

// HasCapability reports whether the profile declares a capability with
// the given name.
func (p *AgentProfile) HasCapability(name string) bool {
	for _, c := range p.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Validate checks profile well-formedness: non-empty agentId and
// agentType, at least one capability, and non-empty capability names.
func (p *AgentProfile) Validate() error {
	if p.AgentID == "" {
		return fmt.Errorf("%w: agentId is required", jsonrpc.ErrInvalidRequest)
	}
	if p.AgentType == "" {
		return fmt.Errorf("%w: agentType is required", jsonrpc.ErrInvalidRequest)
	}
	if len(p.Capabilities) == 0 {
		return fmt.Errorf("%w: at least one capability is required", jsonrpc.ErrInvalidRequest)
	}
	seen := make(map[string]struct{}, len(p.Capabilities))
	for _, c := range p.Capabilities {
		if c.Name == "" {
			return fmt.Errorf("%w: capability name is required", jsonrpc.ErrInvalidRequest)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("%w: duplicate capability name %q", jsonrpc.ErrInvalidRequest, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

// AgentHealth is a point-in-time health sample for an agent, keyed by
// agentId and owned by the Registry.
type AgentHealth struct {
	AgentID      string  `json:"agentId"`
	CPUPercent   float64 `json:"cpu"`
	MemPercent   float64 `json:"memory"`
	ResponseMs   float64 `json:"responseTime"`
	ErrorRate    float64 `json:"errorRate"` // [0,1]
	ObservedAt   time.Time `json:"observedAt"`
}

// HealthThresholds bounds the values beyond which an agent is
// considered unhealthy.
type HealthThresholds struct {
	MaxCPU         float64
	MaxMemory      float64
	MaxResponseMs  float64
	MaxErrorRate   float64
}

// Exceeds reports whether the sample exceeds any configured threshold.
func (h AgentHealth) Exceeds(t HealthThresholds) bool {
	return h.CPUPercent > t.MaxCPU ||
		h.MemPercent > t.MaxMemory ||
		h.ResponseMs > t.MaxResponseMs ||
		h.ErrorRate > t.MaxErrorRate
}

// Degraded reports whether the sample crosses the fixed degraded-status
// thresholds: cpu or memory above 90%, response time above 5s, or error
// rate above 20%.
func (h AgentHealth) Degraded() bool {
	return h.CPUPercent > 90 || h.MemPercent > 90 || h.ResponseMs > 5000 || h.ErrorRate > 0.2
}

// MessagePriority orders delivery across the Router's priority queues.
type MessagePriority string

// Recognized priorities, highest first.
const (
	PriorityUrgent MessagePriority = "urgent"
	PriorityHigh   MessagePriority = "high"
	PriorityNormal MessagePriority = "normal"
	PriorityLow    MessagePriority = "low"
)

// Priorities lists all priorities from highest to lowest.
var Priorities = []MessagePriority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// A2AMessageType enumerates the recognized message types routed by
// the Message Router.
type A2AMessageType string

// Recognized message types.
const (
	TaskRequest        A2AMessageType = "task-request"
	TaskDelegate       A2AMessageType = "task-delegate"
	TaskStatusMsg      A2AMessageType = "task-status"
	CapabilityRequest  A2AMessageType = "capability-request"
	CapabilityResponse A2AMessageType = "capability-response"
	AgentQuery         A2AMessageType = "agent-query"
	HealthCheck        A2AMessageType = "health-check"
	NetworkBroadcast   A2AMessageType = "network-broadcast"
	WorkflowStart      A2AMessageType = "workflow-start"
	WorkflowStep       A2AMessageType = "workflow-step"
	WorkflowComplete   A2AMessageType = "workflow-complete"
	StatusUpdate       A2AMessageType = "status-update"
	ErrorReport        A2AMessageType = "error-report"
	AgentOnlineMsg     A2AMessageType = "agent-online"
	AgentOfflineMsg    A2AMessageType = "agent-offline"
)

var recognizedMessageTypes = map[A2AMessageType]struct{}{
	TaskRequest: {}, TaskDelegate: {}, TaskStatusMsg: {}, CapabilityRequest: {},
	CapabilityResponse: {}, AgentQuery: {}, HealthCheck: {}, NetworkBroadcast: {},
	WorkflowStart: {}, WorkflowStep: {}, WorkflowComplete: {}, StatusUpdate: {},
	ErrorReport: {}, AgentOnlineMsg: {}, AgentOfflineMsg: {},
}

// BroadcastTarget addresses every online agent except the sender.
const BroadcastTarget = "broadcast"

// AutoTarget asks the Router to resolve a destination by capability.
const AutoTarget = "auto"

// A2AMessage is the internal routing envelope. Immutable once
// admitted by the Router.
type A2AMessage struct {
	ID            string          `json:"id"`
	Role          string          `json:"role"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Type          A2AMessageType  `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Priority      MessagePriority `json:"priority"`
	CorrelationID string          `json:"correlationId,omitempty"`
	TTL           *time.Duration  `json:"ttl,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// Validate checks message well-formedness.
func (m *A2AMessage) Validate() error {
	if m.ID == "" || m.From == "" || m.To == "" {
		return fmt.Errorf("%w: id, from, and to are required", jsonrpc.ErrInvalidRequest)
	}
	if _, ok := recognizedMessageTypes[m.Type]; !ok {
		return fmt.Errorf("%w: unrecognized message type %q", jsonrpc.ErrInvalidRequest, m.Type)
	}
	return nil
}

// PartKind enumerates the recognized Message/Artifact part kinds.
type PartKind string

// Recognized part kinds.
const (
	PartText PartKind = "text"
	PartFile PartKind = "file"
	PartData PartKind = "data"
)

// FilePart carries inline bytes or a URI reference, never both.
type FilePart struct {
	Bytes    []byte `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Part is one segment of a Message or Artifact.
type Part struct {
	Kind PartKind        `json:"kind"`
	Text string          `json:"text,omitempty"`
	File *FilePart       `json:"file,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Validate checks that the part kind is recognized and carries the
// field it requires.
func (p Part) Validate() error {
	switch p.Kind {
	case PartText:
		return nil
	case PartFile:
		if p.File == nil {
			return fmt.Errorf("%w: file part requires file", jsonrpc.ErrInvalidParams)
		}
		return nil
	case PartData:
		return nil
	default:
		return fmt.Errorf("%w: unrecognized part kind %q", jsonrpc.ErrInvalidParams, p.Kind)
	}
}

// Message is the end-user form used as task-lifecycle payload.
type Message struct {
	Role      string         `json:"role"`
	Parts     []Part         `json:"parts"`
	MessageID string         `json:"messageId,omitempty"`
	ContextID string         `json:"contextId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Validate checks message well-formedness: a valid role, non-empty
// parts, and every part recognized.
func (m *Message) Validate() error {
	if m.Role == "" {
		return fmt.Errorf("%w: role is required", jsonrpc.ErrInvalidRequest)
	}
	if len(m.Parts) == 0 {
		return fmt.Errorf("%w: at least one part is required", jsonrpc.ErrInvalidRequest)
	}
	for _, p := range m.Parts {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// TaskState is the canonical task lifecycle state, modeled as a string
// union per the Design Notes' Open Question resolution (never an
// object of tag fields).
type TaskState string

// Recognized task states.
const (
	TaskSubmitted     TaskState = "submitted"
	TaskInProgress    TaskState = "in-progress"
	TaskWorking       TaskState = "working"
	TaskInputRequired TaskState = "input-required"
	TaskCompleted     TaskState = "completed"
	TaskFailed        TaskState = "failed"
	TaskCancelled     TaskState = "cancelled"
	TaskRejected      TaskState = "rejected"
	TaskAuthRequired  TaskState = "auth-required"
	TaskUnknown       TaskState = "unknown"
)

var taskTransitions = map[TaskState]map[TaskState]bool{
	TaskSubmitted:  {TaskInProgress: true, TaskRejected: true, TaskCancelled: true, TaskAuthRequired: true},
	TaskInProgress: {TaskWorking: true, TaskCompleted: true, TaskFailed: true, TaskCancelled: true, TaskInputRequired: true},
	TaskWorking:    {TaskInProgress: true, TaskCompleted: true, TaskFailed: true, TaskCancelled: true, TaskInputRequired: true},
	TaskInputRequired: {TaskInProgress: true, TaskCancelled: true},
}

// CanTransition reports whether moving from this state to next is legal.
func (s TaskState) CanTransition(next TaskState) bool {
	return taskTransitions[s][next]
}

// Terminal reports whether the state is a terminal task state.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskRejected:
		return true
	default:
		return false
	}
}

// TaskStatus is a task's status at a point in time, with an optional
// human-readable annotation message.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is a durable unit of work tracked by the Task Manager.
type Task struct {
	ID          string         `json:"id"`
	ContextID   string         `json:"contextId"`
	Status      TaskStatus     `json:"status"`
	History     []Message      `json:"history,omitempty"`
	Artifacts   []Artifact     `json:"artifacts,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	ExecutedBy  string         `json:"executedBy,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Results     *TaskResult    `json:"results,omitempty"`
}

// TaskResult is the outcome of a finished task.
type TaskResult struct {
	TaskID        string          `json:"taskId"`
	Success       bool            `json:"success"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	ExecutedBy    string          `json:"executedBy,omitempty"`
	ExecutionTime time.Duration   `json:"executionTime"`
	Timestamp     time.Time       `json:"timestamp"`
	Artifacts     []Artifact      `json:"artifacts,omitempty"`
}

// Artifact is a produced content chunk associated with a task.
type Artifact struct {
	ArtifactID  string         `json:"artifactId"`
	Parts       []Part         `json:"parts"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// EventKind enumerates the streaming event kinds emitted by the Task
// Manager.
type EventKind string

// Recognized event kinds.
const (
	EventStatusUpdate   EventKind = "status-update"
	EventArtifactUpdate EventKind = "artifact-update"
)

// StatusUpdateEvent reports a task's new status to subscribers.
type StatusUpdateEvent struct {
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId"`
	Kind      EventKind      `json:"kind"`
	Status    TaskStatus     `json:"status"`
	Final     bool           `json:"final"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ArtifactUpdateEvent reports a new or appended artifact chunk to
// subscribers.
type ArtifactUpdateEvent struct {
	TaskID     string    `json:"taskId"`
	ContextID  string    `json:"contextId"`
	Kind       EventKind `json:"kind"`
	Artifact   Artifact  `json:"artifact"`
	Append     bool      `json:"append"`
	LastChunks bool      `json:"lastChunks,omitempty"`
}

// Route is a derived, read-only record scoring an agent for a
// specific capability. Maintained by the Registry, consumed by the
// Router.
type Route struct {
	AgentID      string  `json:"agentId"`
	Capability   string  `json:"capability"`
	Cost         float64 `json:"cost"`
	Reliability  float64 `json:"reliability"`
	ResponseTime float64 `json:"responseTime"`
	Load         float64 `json:"load"`
}

// Topology is the Registry's instantaneous snapshot of agents,
// connections, and per-capability route lists.
type Topology struct {
	Agents        []AgentProfile        `json:"agents"`
	Connections   []string              `json:"connections"`
	MessageRoutes map[string][]Route    `json:"messageRoutes"`
	LastUpdated   time.Time             `json:"lastUpdated"`
}

// CircuitStatus is the state of a per-agent circuit breaker.
type CircuitStatus string

// Recognized circuit breaker states.
const (
	CircuitClosed   CircuitStatus = "closed"
	CircuitOpen     CircuitStatus = "open"
	CircuitHalfOpen CircuitStatus = "half-open"
)

// CircuitBreakerState is the Router-owned breaker state for one
// destination agent.
type CircuitBreakerState struct {
	AgentID         string        `json:"agentId"`
	Status          CircuitStatus `json:"status"`
	Failures        int           `json:"failures"`
	Successes       int           `json:"successes"`
	LastFailureTime *time.Time    `json:"lastFailureTime,omitempty"`
	LastSuccessTime *time.Time    `json:"lastSuccessTime,omitempty"`
	NextAttempt     *time.Time    `json:"nextAttempt,omitempty"`
}

// AgentCard is the self-describing manifest an agent serves at the
// well-known path /.well-known/ai-agent.
type AgentCard struct {
	ProtocolVersion                   string           `json:"protocolVersion"`
	Name                              string           `json:"name"`
	Description                       string           `json:"description,omitempty"`
	URL                               string           `json:"url"`
	PreferredTransport                string           `json:"preferredTransport"`
	AdditionalInterfaces              []string         `json:"additionalInterfaces,omitempty"`
	Skills                            []AgentSkill     `json:"skills"`
	Capabilities                      []Capability     `json:"capabilities"`
	SystemFeatures                    *AgentFeatures   `json:"systemFeatures,omitempty"`
	SecuritySchemes                   map[string]any   `json:"securitySchemes,omitempty"`
	SupportsAuthenticatedExtendedCard bool             `json:"supportsAuthenticatedExtendedCard,omitempty"`
	Signature                         []json.RawMessage `json:"signature,omitempty"`
}

// AgentSkill is one named capability advertised on an AgentCard.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// PushNotificationConfig describes where to deliver out-of-band task
// updates. Delivery itself is the caller's responsibility; the Task
// Manager only stores the configuration.
type PushNotificationConfig struct {
	TaskID         string         `json:"taskId"`
	URL            string         `json:"url"`
	Token          string         `json:"token,omitempty"`
	Authentication map[string]any `json:"authentication,omitempty"`
}
