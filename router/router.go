// Package router implements the Message Router: admission, priority
// queuing, capability-based agent selection, per-agent circuit
// breakers, and delivery over a transport.Adapter.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/a2a-fabric/core/a2a/retry"
	"github.com/a2a-fabric/core/internal/jsonrpc"
	"github.com/a2a-fabric/core/registry"
	"github.com/a2a-fabric/core/telemetry"
	"github.com/a2a-fabric/core/transport"
	"github.com/a2a-fabric/core/types"
)

// Sentinel router errors. ErrInvalidFormat carries
// jsonrpc.CodeInvalidRequest; the others carry jsonrpc.CodeInternal.
// Each has a distinguishing Kind for errors.Is matching.
var (
	ErrInvalidFormat      = &jsonrpc.Error{Code: jsonrpc.CodeInvalidRequest, Kind: "InvalidMessageFormat", Message: "invalid message format"}
	ErrCapabilityNotFound = &jsonrpc.Error{Code: jsonrpc.CodeInternal, Kind: "CapabilityNotFound", Message: "no candidate agent for capability"}
	ErrAgentOffline       = &jsonrpc.Error{Code: jsonrpc.CodeInternal, Kind: "AgentOffline", Message: "resolved agent is not online"}
	ErrQueueFull          = &jsonrpc.Error{Code: jsonrpc.CodeInternal, Kind: "QueueFull", Message: "priority queue is full"}
	ErrNoEndpoint         = &jsonrpc.Error{Code: jsonrpc.CodeInternal, Kind: "NoEndpoint", Message: "agent has no registered endpoint"}
	ErrShutdown           = &jsonrpc.Error{Code: jsonrpc.CodeInternal, Kind: "RouterShutdown", Message: "router is shutting down"}
)

// DispatchResult is the synchronous outcome handed back to whatever
// called Route: an admission failure, a workflow ack, a capability
// query result, a topology snapshot, or a delivery outcome once the
// message clears its queue.
type DispatchResult struct {
	Success  bool
	Error    string
	Task     *types.Task
	Matches  []registry.CapabilityMatch
	Status   string // e.g. "workflow_queued"
	Topology *types.Topology
}

// queuedMessage is one admitted message awaiting dispatch.
type queuedMessage struct {
	msg     types.A2AMessage
	replyCh chan DispatchResult
	retries int
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option { return func(r *Router) { r.obs.logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(r *Router) { r.obs.metrics = m } }

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option { return func(r *Router) { r.obs.tracer = t } }

// WithBreaker opts an agent into circuit-breaker protection with the
// given config (zero value uses DefaultBreakerConfig).
func WithBreaker(agentID string, cfg BreakerConfig) Option {
	return func(r *Router) {
		if cfg == (BreakerConfig{}) {
			cfg = DefaultBreakerConfig()
		}
		r.brMu.Lock()
		r.breakers[agentID] = newBreaker(agentID, cfg)
		r.brMu.Unlock()
	}
}

// Config tunes Router behavior.
type Config struct {
	SelectionPolicy SelectionPolicy
	MaxQueueSize    int           // aggregate across all four priorities, default 1000
	MaxRetries      int           // default 3
	TickInterval    time.Duration // default 10ms
}

// DefaultConfig returns the standard router defaults.
func DefaultConfig() Config {
	return Config{
		SelectionPolicy: PolicyBestMatch,
		MaxQueueSize:    1000,
		MaxRetries:      3,
		TickInterval:    10 * time.Millisecond,
	}
}

// Router is the Message Router.
type Router struct {
	cfg       Config
	reg       *registry.Registry
	transport transport.Adapter
	obs       *Observability

	queues map[types.MessagePriority]chan *queuedMessage
	queued atomic.Int64 // aggregate count across all queues, bounded by cfg.MaxQueueSize

	rrMu       sync.Mutex
	rrCounters map[string]*atomic.Uint64

	brMu     sync.Mutex
	breakers map[string]*breaker

	totalRoutes atomic.Int64
	active      atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Router bound to a Registry (for capability lookup
// and endpoint resolution) and a transport.Adapter (for delivery).
func New(reg *registry.Registry, adapter transport.Adapter, cfg Config, opts ...Option) *Router {
	if cfg.SelectionPolicy == "" {
		cfg.SelectionPolicy = PolicyBestMatch
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}
	r := &Router{
		cfg:        cfg,
		reg:        reg,
		transport:  adapter,
		obs:        NewObservability(nil, nil, nil),
		queues:     make(map[types.MessagePriority]chan *queuedMessage, len(types.Priorities)),
		rrCounters: make(map[string]*atomic.Uint64),
		breakers:   make(map[string]*breaker),
	}
	for _, p := range types.Priorities {
		r.queues[p] = make(chan *queuedMessage, cfg.MaxQueueSize)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Start launches the single-consumer dispatch loop (a cooperative
// tick). Go has no native "prefer channel A over channel B" select,
// so each tick drains whichever of the four queues is non-empty in
// strict priority order, at most one message per tick, which
// guarantees a lower priority is never served while a higher one is
// non-empty, at delivery granularity.
func (r *Router) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()
}

// Stop halts the dispatch loop, closes the transport adapter, and
// drains queues, failing any in-flight waiters with ErrShutdown.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
		r.wg.Wait()
	}
	for _, q := range r.queues {
		drainQueue(q)
	}
	_ = r.transport.Close()
}

// drainQueue empties q, failing every waiter with ErrShutdown.
func drainQueue(q chan *queuedMessage) {
	for {
		select {
		case qm := <-q:
			qm.replyCh <- DispatchResult{Success: false, Error: ErrShutdown.Error()}
		default:
			return
		}
	}
}

func (r *Router) tick(ctx context.Context) {
	for _, p := range types.Priorities {
		q := r.queues[p]
		select {
		case qm := <-q:
			r.queued.Add(-1)
			r.active.Add(1)
			go func(qm *queuedMessage) {
				defer r.active.Add(-1)
				qm.replyCh <- r.deliverWithRetry(ctx, qm)
			}(qm)
			return
		default:
		}
	}
}

// Route is the single entry point: it admits, dispatches by type,
// and for deliverable messages enqueues and blocks until the
// dispatch loop delivers (or the message is rejected at admission or
// resolved synchronously, e.g. capability queries).
func (r *Router) Route(ctx context.Context, msg types.A2AMessage) DispatchResult {
	start := time.Now()
	if err := msg.Validate(); err != nil {
		r.obs.LogOperation(ctx, OperationEvent{Operation: OpAdmit, MessageID: msg.ID, Duration: time.Since(start), Outcome: OutcomeError, Error: err.Error()})
		return DispatchResult{Success: false, Error: "Invalid message format"}
	}

	switch msg.Type {
	case types.CapabilityRequest:
		return r.handleCapabilityRequest(msg)
	case types.WorkflowStart:
		return DispatchResult{Success: true, Status: "workflow_queued"}
	case types.HealthCheck:
		if msg.To == types.BroadcastTarget {
			return r.handleHealthBroadcast()
		}
		return r.enqueueDirect(ctx, msg)
	case types.AgentQuery:
		return r.handleAgentQuery()
	case types.TaskRequest:
		if msg.To == types.AutoTarget {
			return r.resolveAndEnqueue(ctx, msg)
		}
		return r.enqueueDirect(ctx, msg)
	default:
		if msg.To == types.BroadcastTarget {
			return r.BroadcastMessage(ctx, msg)
		}
		return r.enqueueDirect(ctx, msg)
	}
}

type capabilityPayload struct {
	Capability string `json:"capability"`
}

func (r *Router) requiredCapability(msg types.A2AMessage) string {
	var p capabilityPayload
	if len(msg.Payload) == 0 {
		return ""
	}
	_ = json.Unmarshal(msg.Payload, &p)
	return p.Capability
}

// resolveAndEnqueue resolves an "auto" TASK_REQUEST's destination via
// the required capability, selects a candidate, then enqueues.
func (r *Router) resolveAndEnqueue(ctx context.Context, msg types.A2AMessage) DispatchResult {
	capability := r.requiredCapability(msg)
	candidates := r.reg.FindByCapability(capability)
	if len(candidates) == 0 {
		return DispatchResult{Success: false, Error: ErrCapabilityNotFound.Error()}
	}
	chosen, ok := r.selectAgent(r.cfg.SelectionPolicy, capability, candidates)
	if !ok {
		return DispatchResult{Success: false, Error: ErrCapabilityNotFound.Error()}
	}
	if chosen.Status != types.AgentOnline {
		return DispatchResult{Success: false, Error: ErrAgentOffline.Error()}
	}
	msg.To = chosen.AgentID
	return r.enqueueDirect(ctx, msg)
}

// enqueueDirect admits a message whose destination is already
// resolved to a concrete agentId, validating it is online before
// queuing so a stale "auto" resolution or a caller-supplied agentId
// fails fast.
func (r *Router) enqueueDirect(ctx context.Context, msg types.A2AMessage) DispatchResult {
	profile, ok := r.reg.Get(msg.To)
	if !ok || profile.Status != types.AgentOnline {
		return DispatchResult{Success: false, Error: ErrAgentOffline.Error()}
	}
	if profile.Endpoint == "" {
		return DispatchResult{Success: false, Error: ErrNoEndpoint.Error()}
	}

	if r.queued.Load() >= int64(r.cfg.MaxQueueSize) {
		return DispatchResult{Success: false, Error: ErrQueueFull.Error()}
	}

	qm := &queuedMessage{msg: msg, replyCh: make(chan DispatchResult, 1)}
	q := r.queues[msg.Priority]
	if q == nil {
		q = r.queues[types.PriorityNormal]
	}
	select {
	case q <- qm:
		r.queued.Add(1)
		r.totalRoutes.Add(1)
	default:
		return DispatchResult{Success: false, Error: ErrQueueFull.Error()}
	}

	select {
	case result := <-qm.replyCh:
		return result
	case <-ctx.Done():
		return DispatchResult{Success: false, Error: ctx.Err().Error()}
	}
}

func (r *Router) handleCapabilityRequest(msg types.A2AMessage) DispatchResult {
	capability := r.requiredCapability(msg)
	matches := r.reg.QueryCapabilities(registry.CapabilityQuery{Text: capability})
	return DispatchResult{Success: true, Matches: matches}
}

func (r *Router) handleAgentQuery() DispatchResult {
	topo := r.reg.GetTopology()
	return DispatchResult{Success: true, Topology: &topo}
}

func (r *Router) handleHealthBroadcast() DispatchResult {
	stats := r.Stats()
	payload, _ := json.Marshal(stats)
	task := &types.Task{
		ID:     types.NewID(),
		Status: types.TaskStatus{State: types.TaskCompleted, Timestamp: time.Now()},
		Results: &types.TaskResult{
			Success: true,
			Result:  payload,
		},
	}
	return DispatchResult{Success: true, Task: task}
}

// deliverWithRetry converts the A2AMessage to a Message and invokes
// the transport, retrying in place via retry.Do on errors that
// retry.IsRetryable accepts, up to cfg.MaxRetries attempts in all.
// The message is not returned to its priority queue between attempts.
func (r *Router) deliverWithRetry(ctx context.Context, qm *queuedMessage) DispatchResult {
	start := time.Now()
	profile, ok := r.reg.Get(qm.msg.To)
	if !ok {
		return DispatchResult{Success: false, Error: ErrAgentOffline.Error()}
	}

	br := r.breakerFor(qm.msg.To)
	if !br.allow(time.Now()) {
		r.obs.LogOperation(ctx, OperationEvent{Operation: OpCircuit, AgentID: qm.msg.To, Outcome: OutcomeError, Error: "circuit open"})
		return DispatchResult{Success: false, Error: "circuit breaker open for " + qm.msg.To}
	}

	message := toMessage(qm.msg)
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = r.cfg.MaxRetries

	var task types.Task
	err := retry.Do(ctx, retryCfg, func(ctx context.Context) error {
		t, sendErr := r.transport.SendMessage(ctx, profile.Endpoint, message)
		if sendErr != nil {
			return sendErr
		}
		task = t
		return nil
	})

	now := time.Now()
	if err != nil {
		_, kind := br.recordFailure(now)
		r.obs.LogOperation(ctx, OperationEvent{Operation: OpDeliver, AgentID: qm.msg.To, MessageID: qm.msg.ID, Duration: time.Since(start), Outcome: OutcomeError, Error: err.Error()})
		if kind == "opened" {
			r.obs.LogOperation(ctx, OperationEvent{Operation: OpCircuit, AgentID: qm.msg.To, Outcome: OutcomeError, Error: "circuit opened"})
		}
		return DispatchResult{Success: false, Error: err.Error()}
	}
	_, kind := br.recordSuccess(now)
	if kind == "closed" {
		r.obs.LogOperation(ctx, OperationEvent{Operation: OpCircuit, AgentID: qm.msg.To, Outcome: OutcomeSuccess})
	}
	r.obs.LogOperation(ctx, OperationEvent{Operation: OpDeliver, AgentID: qm.msg.To, MessageID: qm.msg.ID, Duration: time.Since(start), Outcome: OutcomeSuccess})
	return DispatchResult{Success: true, Task: &task}
}

// toMessage converts the routing envelope into the wire Message
// shape: role preserved, messageId := message.id, contextId :=
// correlationId, a single kind:data part wrapping the payload.
func toMessage(msg types.A2AMessage) types.Message {
	return types.Message{
		Role:      msg.Role,
		MessageID: msg.ID,
		ContextID: msg.CorrelationID,
		Parts: []types.Part{
			{Kind: types.PartData, Data: msg.Payload},
		},
		Metadata: msg.Metadata,
	}
}

func (r *Router) breakerFor(agentID string) *breaker {
	r.brMu.Lock()
	defer r.brMu.Unlock()
	b, ok := r.breakers[agentID]
	if !ok {
		return disabledBreaker
	}
	return b
}

// disabledBreaker always allows, used for agents that never opted in
// to circuit-breaker protection.
var disabledBreaker = &breaker{enabled: false}

// EnableCircuitBreaker opts an agent into circuit-breaker protection.
func (r *Router) EnableCircuitBreaker(agentID string, cfg BreakerConfig) {
	if cfg == (BreakerConfig{}) {
		cfg = DefaultBreakerConfig()
	}
	r.brMu.Lock()
	r.breakers[agentID] = newBreaker(agentID, cfg)
	r.brMu.Unlock()
}

// CircuitState returns the current breaker state for an agent, if any.
func (r *Router) CircuitState(agentID string) (types.CircuitBreakerState, bool) {
	r.brMu.Lock()
	b, ok := r.breakers[agentID]
	r.brMu.Unlock()
	if !ok {
		return types.CircuitBreakerState{}, false
	}
	return b.snapshot(), true
}

// BroadcastResult is the aggregate outcome of BroadcastMessage.
type BroadcastResult struct {
	TotalAgents int
	Successful  int
	Failed      int
	Responses   []DispatchResult
}

// BroadcastMessage routes a copy of msg to every online agent except
// the sender. Individual failures do not abort the broadcast.
func (r *Router) BroadcastMessage(ctx context.Context, msg types.A2AMessage) DispatchResult {
	targets := r.reg.FindByStatus(types.AgentOnline)
	result := BroadcastResult{}
	for _, target := range targets {
		if target.AgentID == msg.From {
			continue
		}
		result.TotalAgents++
		copyMsg := msg
		copyMsg.ID = fmt.Sprintf("%s-%s", msg.ID, target.AgentID)
		copyMsg.To = target.AgentID
		res := r.enqueueDirect(ctx, copyMsg)
		result.Responses = append(result.Responses, res)
		if res.Success {
			result.Successful++
		} else {
			result.Failed++
		}
	}
	payload, _ := json.Marshal(result)
	return DispatchResult{Success: true, Task: &types.Task{
		ID:      types.NewID(),
		Status:  types.TaskStatus{State: types.TaskCompleted, Timestamp: time.Now()},
		Results: &types.TaskResult{Success: true, Result: payload},
	}}
}

// RoutingStats is the getRoutingStats() payload.
type RoutingStats struct {
	ActiveMessages  int64           `json:"activeMessages"`
	QueueSizes      map[string]int  `json:"queueSizes"`
	RoutingTableSize int            `json:"routingTableSize"`
	TotalRoutes     int64           `json:"totalRoutes"`
	CircuitBreakers CircuitSummary  `json:"circuitBreakers"`
}

// CircuitSummary tallies breaker states for RoutingStats.
type CircuitSummary struct {
	Total    int `json:"total"`
	Open     int `json:"open"`
	HalfOpen int `json:"halfOpen"`
	Closed   int `json:"closed"`
}

// Stats returns the router's current operational snapshot.
func (r *Router) Stats() RoutingStats {
	sizes := make(map[string]int, len(types.Priorities))
	for _, p := range types.Priorities {
		sizes[string(p)] = len(r.queues[p])
	}
	summary := CircuitSummary{}
	r.brMu.Lock()
	for _, b := range r.breakers {
		summary.Total++
		switch b.snapshot().Status {
		case types.CircuitOpen:
			summary.Open++
		case types.CircuitHalfOpen:
			summary.HalfOpen++
		case types.CircuitClosed:
			summary.Closed++
		}
	}
	r.brMu.Unlock()

	topo := r.reg.GetTopology()
	return RoutingStats{
		ActiveMessages:   r.active.Load(),
		QueueSizes:       sizes,
		RoutingTableSize: len(topo.Agents),
		TotalRoutes:      r.totalRoutes.Load(),
		CircuitBreakers:  summary,
	}
}
