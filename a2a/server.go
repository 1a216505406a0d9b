// Package a2a implements the fabric's JSON-RPC server surface: the
// message/task methods, SSE streaming framing, the well-known
// AgentCard endpoint, and the health/metrics endpoints.
package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/a2a-fabric/core/a2a/policy"
	"github.com/a2a-fabric/core/internal/jsonrpc"
	"github.com/a2a-fabric/core/registry"
	"github.com/a2a-fabric/core/router"
	"github.com/a2a-fabric/core/task"
	"github.com/a2a-fabric/core/telemetry"
	"github.com/a2a-fabric/core/types"
)

// Option configures a Server.
type Option func(*Server)

// WithAgentID sets the local agent id used as the From field on
// outgoing routed messages.
func WithAgentID(id string) Option { return func(s *Server) { s.agentID = id } }

// WithExtendedAgentCard enables agent/getAuthenticatedExtendedCard,
// serving card with its capabilities narrowed by the policy carried in
// the request context. The server itself checks no authentication;
// this option only controls whether the method is supported at all.
func WithExtendedAgentCard(card types.AgentCard) Option {
	return func(s *Server) {
		s.extendedCard = &card
		s.card.SupportsAuthenticatedExtendedCard = true
	}
}

// Server dispatches the A2A JSON-RPC methods, delegating task
// execution to a task.Manager and cross-agent delivery to a
// router.Router.
type Server struct {
	agentID      string
	card         types.AgentCard
	extendedCard *types.AgentCard
	tasks        *task.Manager
	router       *router.Router
	reg          *registry.Registry
	obs          *Observability
	startedAt    time.Time
}

// NewServer constructs a Server. card is served at the well-known
// AgentCard path; agent/getAuthenticatedExtendedCard returns an error
// unless an extended card is configured via WithExtendedAgentCard.
func NewServer(agentID string, card types.AgentCard, tasks *task.Manager, rtr *router.Router, reg *registry.Registry, opts ...Option) *Server {
	s := &Server{
		agentID:   agentID,
		card:      card,
		tasks:     tasks,
		router:    rtr,
		reg:       reg,
		obs:       NewObservability(nil, nil, nil),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// WithObservability replaces the Server's telemetry.
func WithObservability(logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) Option {
	return func(s *Server) { s.obs = NewObservability(logger, metrics, tracer) }
}

// ServeHTTP implements the operational endpoints and the JSON-RPC
// surface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/.well-known/ai-agent":
		s.handleAgentCard(w)
	case r.Method == http.MethodGet && r.URL.Path == "/health":
		s.handleHealth(w)
	case r.Method == http.MethodGet && r.URL.Path == "/metrics":
		s.handleMetrics(w)
	case r.Method == http.MethodPost && r.URL.Path == "/jsonrpc":
		p := policy.ExtractPolicyFromHeaders(r.Header.Get(policy.AllowCapabilitiesHeader), r.Header.Get(policy.DenyCapabilitiesHeader))
		r = r.WithContext(policy.InjectPolicyToContext(r.Context(), p))
		s.handleJSONRPC(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleAgentCard(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.card)
}

func (s *Server) handleHealth(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	m := s.tasks.Metrics()
	_ = json.NewEncoder(w).Encode(map[string]any{
		"totalExecutions":      m.TotalExecutions,
		"successfulExecutions": m.SuccessfulExecutions,
		"failedExecutions":     m.FailedExecutions,
		"cancelledExecutions":  m.CancelledExecutions,
		"averageExecutionTime": m.AverageExecutionTime.String(),
		"lastExecutionTime":    m.LastExecutionTime,
		"routing":              s.router.Stats(),
	})
}

// handleJSONRPC decodes a single request, dispatches it, and writes
// the corresponding Response — or, for message/stream and
// tasks/resubscribe, switches the connection into an SSE stream.
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var req jsonrpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, jsonrpc.Fail(nil, jsonrpc.Newf(jsonrpc.ErrJSONParse, "%v", err)))
		return
	}

	switch req.Method {
	case "message/send":
		s.handleMessageSend(w, r.Context(), req)
	case "message/stream":
		s.handleMessageStream(w, r.Context(), req)
	case "tasks/get":
		s.handleTasksGet(w, r.Context(), req)
	case "tasks/cancel":
		s.handleTasksCancel(w, r.Context(), req)
	case "tasks/resubscribe":
		s.handleTasksResubscribe(w, req)
	case "tasks/pushNotificationConfig/set":
		s.handlePushNotificationSet(w, req)
	case "tasks/pushNotificationConfig/get":
		s.handlePushNotificationGet(w, req)
	case "tasks/pushNotificationConfig/list":
		s.handlePushNotificationList(w, req)
	case "tasks/pushNotificationConfig/delete":
		s.handlePushNotificationDelete(w, req)
	case "agent/getAuthenticatedExtendedCard":
		s.handleExtendedCard(w, r.Context(), req)
	default:
		writeResponse(w, jsonrpc.Fail(req.ID, jsonrpc.Newf(jsonrpc.ErrMethodNotFound, "unrecognized method %q", req.Method)))
	}
}

// sendConfiguration mirrors the optional "configuration" object
// accompanying message/send and message/stream.
type sendConfiguration struct {
	AcceptedOutputModes    []string                       `json:"acceptedOutputModes,omitempty"`
	HistoryLength          int                             `json:"historyLength,omitempty"`
	PushNotificationConfig *types.PushNotificationConfig   `json:"pushNotificationConfig,omitempty"`
	Blocking               bool                             `json:"blocking,omitempty"`
}

type sendParams struct {
	Message       types.Message      `json:"message"`
	Configuration *sendConfiguration `json:"configuration,omitempty"`
}

func (s *Server) createOptionsFor(contextID string) task.CreateOptions {
	return task.CreateOptions{ContextID: contextID}
}

func (s *Server) handleMessageSend(w http.ResponseWriter, ctx context.Context, req jsonrpc.Request) {
	start := time.Now()
	ctx, span := s.obs.StartSpan(ctx, OpMessageSend, attribute.String("method", req.Method))
	var opErr error
	defer func() { s.endOperation(ctx, span, OpMessageSend, start, opErr) }()

	var params sendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		opErr = err
		writeResponse(w, jsonrpc.Fail(req.ID, jsonrpc.Newf(jsonrpc.ErrInvalidParams, "%v", err)))
		return
	}

	t, err := s.tasks.CreateTask(ctx, params.Message, s.executorWithPolicy(policy.PolicyFromContext(ctx)), s.createOptionsFor(params.Message.ContextID))
	if err != nil {
		opErr = err
		writeResponse(w, jsonrpc.Fail(req.ID, jsonrpc.Newf(jsonrpc.ErrInvalidRequest, "%v", err)))
		return
	}
	if params.Configuration != nil && params.Configuration.PushNotificationConfig != nil {
		_ = s.tasks.SetPushNotificationConfig(t.ID, *params.Configuration.PushNotificationConfig)
	}
	if params.Configuration != nil && params.Configuration.Blocking {
		t = s.awaitTerminal(t.ID)
	}
	truncateHistory(&t, historyLength(params.Configuration))
	resp, err := jsonrpc.Result(req.ID, t)
	if err != nil {
		opErr = err
		writeResponse(w, jsonrpc.Fail(req.ID, jsonrpc.Newf(jsonrpc.ErrInternal, "%v", err)))
		return
	}
	writeResponse(w, resp)
}

// endOperation records the common log/metrics/span tail shared by
// every server-level operation.
func (s *Server) endOperation(ctx context.Context, span telemetry.Span, op OperationType, start time.Time, err error) {
	outcome := OutcomeSuccess
	errMsg := ""
	if err != nil {
		outcome = OutcomeError
		errMsg = err.Error()
	}
	event := OperationEvent{Operation: op, Duration: time.Since(start), Outcome: outcome, Error: errMsg}
	s.obs.LogOperation(ctx, event)
	s.obs.RecordOperationMetrics(event)
	s.obs.EndSpan(span, outcome, err)
}

// awaitTerminal blocks until a task reaches a terminal state, used
// for configuration.blocking message/send calls.
func (s *Server) awaitTerminal(taskID string) types.Task {
	events, unsubscribe, err := s.tasks.Subscribe(taskID)
	if err != nil {
		t, _ := s.tasks.GetTask(taskID)
		return t
	}
	defer unsubscribe()
	for ev := range events {
		if ev.Done {
			break
		}
	}
	t, _ := s.tasks.GetTask(taskID)
	return t
}

func (s *Server) handleMessageStream(w http.ResponseWriter, ctx context.Context, req jsonrpc.Request) {
	start := time.Now()
	ctx, span := s.obs.StartSpan(ctx, OpMessageStream, attribute.String("method", req.Method))
	var opErr error
	defer func() { s.endOperation(ctx, span, OpMessageStream, start, opErr) }()

	var params sendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		opErr = err
		writeResponse(w, jsonrpc.Fail(req.ID, jsonrpc.Newf(jsonrpc.ErrInvalidParams, "%v", err)))
		return
	}
	t, err := s.tasks.CreateTask(ctx, params.Message, s.executorWithPolicy(policy.PolicyFromContext(ctx)), s.createOptionsFor(params.Message.ContextID))
	if err != nil {
		opErr = err
		writeResponse(w, jsonrpc.Fail(req.ID, jsonrpc.Newf(jsonrpc.ErrInvalidRequest, "%v", err)))
		return
	}
	if params.Configuration != nil && params.Configuration.PushNotificationConfig != nil {
		_ = s.tasks.SetPushNotificationConfig(t.ID, *params.Configuration.PushNotificationConfig)
	}
	events, unsubscribe, err := s.tasks.Subscribe(t.ID)
	if err != nil {
		opErr = err
		writeResponse(w, jsonrpc.Fail(req.ID, jsonrpc.Newf(jsonrpc.ErrInternal, "%v", err)))
		return
	}
	defer unsubscribe()
	streamSSE(w, events)
}

func (s *Server) handleTasksResubscribe(w http.ResponseWriter, req jsonrpc.Request) {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeResponse(w, jsonrpc.Fail(req.ID, jsonrpc.Newf(jsonrpc.ErrInvalidParams, "%v", err)))
		return
	}
	events, unsubscribe, err := s.tasks.Subscribe(params.ID)
	if err != nil {
		writeResponse(w, jsonrpc.Fail(req.ID, jsonrpc.Newf(jsonrpc.ErrTaskNotFound, "%v", err)))
		return
	}
	defer unsubscribe()
	streamSSE(w, events)
}

// streamSSE writes events in server-sent-event framing until the channel signals Done.
func streamSSE(w http.ResponseWriter, events <-chan task.Event) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)

	for ev := range events {
		if ev.Done {
			fmt.Fprint(w, "data: [DONE]\n\n")
			if flusher != nil {
				flusher.Flush()
			}
			return
		}
		var payload any
		switch {
		case ev.Status != nil:
			payload = ev.Status
		case ev.Artifact != nil:
			payload = ev.Artifact
		default:
			continue
		}
		data, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleTasksGet(w http.ResponseWriter, ctx context.Context, req jsonrpc.Request) {
	ctx, span := s.obs.StartSpan(ctx, OpTasksGet, attribute.String("method", req.Method))
	start := time.Now()
	var opErr error
	defer func() { s.endOperation(ctx, span, OpTasksGet, start, opErr) }()

	var params struct {
		ID            string `json:"id"`
		HistoryLength int    `json:"historyLength,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		opErr = err
		writeResponse(w, jsonrpc.Fail(req.ID, jsonrpc.Newf(jsonrpc.ErrInvalidParams, "%v", err)))
		return
	}
	t, err := s.tasks.GetTask(params.ID)
	if err != nil {
		opErr = err
		writeResponse(w, jsonrpc.Fail(req.ID, jsonrpc.Newf(jsonrpc.ErrTaskNotFound, "%v", err)))
		return
	}
	truncateHistory(&t, params.HistoryLength)
	resp, _ := jsonrpc.Result(req.ID, t)
	writeResponse(w, resp)
}

func (s *Server) handleTasksCancel(w http.ResponseWriter, ctx context.Context, req jsonrpc.Request) {
	start := time.Now()
	ctx, span := s.obs.StartSpan(ctx, OpTasksCancel, attribute.String("method", req.Method))
	var opErr error
	defer func() { s.endOperation(ctx, span, OpTasksCancel, start, opErr) }()

	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		opErr = err
		writeResponse(w, jsonrpc.Fail(req.ID, jsonrpc.Newf(jsonrpc.ErrInvalidParams, "%v", err)))
		return
	}
	t, err := s.tasks.CancelTask(ctx, params.ID)
	if err != nil {
		opErr = err
		code := jsonrpc.ErrTaskNotFound
		if errors.Is(err, task.ErrTaskNotCancelable) {
			code = jsonrpc.ErrTaskNotCancelable
		}
		writeResponse(w, jsonrpc.Fail(req.ID, jsonrpc.Newf(code, "%v", err)))
		return
	}
	resp, _ := jsonrpc.Result(req.ID, t)
	writeResponse(w, resp)
}

type pushNotificationSetParams struct {
	TaskID                 string                        `json:"taskId"`
	PushNotificationConfig types.PushNotificationConfig  `json:"pushNotificationConfig"`
}

func (s *Server) handlePushNotificationSet(w http.ResponseWriter, req jsonrpc.Request) {
	var params pushNotificationSetParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeResponse(w, jsonrpc.Fail(req.ID, jsonrpc.Newf(jsonrpc.ErrInvalidParams, "%v", err)))
		return
	}
	if err := s.tasks.SetPushNotificationConfig(params.TaskID, params.PushNotificationConfig); err != nil {
		writeResponse(w, jsonrpc.Fail(req.ID, jsonrpc.Newf(jsonrpc.ErrTaskNotFound, "%v", err)))
		return
	}
	resp, _ := jsonrpc.Result(req.ID, params)
	writeResponse(w, resp)
}

func (s *Server) handlePushNotificationGet(w http.ResponseWriter, req jsonrpc.Request) {
	var params struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeResponse(w, jsonrpc.Fail(req.ID, jsonrpc.Newf(jsonrpc.ErrInvalidParams, "%v", err)))
		return
	}
	configs, err := s.tasks.ListPushNotificationConfigs(params.TaskID)
	if err != nil || len(configs) == 0 {
		writeResponse(w, jsonrpc.Fail(req.ID, jsonrpc.Newf(jsonrpc.ErrPushNotificationNotSupported, "no push notification config for task %s", params.TaskID)))
		return
	}
	resp, _ := jsonrpc.Result(req.ID, configs[0])
	writeResponse(w, resp)
}

func (s *Server) handlePushNotificationList(w http.ResponseWriter, req jsonrpc.Request) {
	var params struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeResponse(w, jsonrpc.Fail(req.ID, jsonrpc.Newf(jsonrpc.ErrInvalidParams, "%v", err)))
		return
	}
	configs, err := s.tasks.ListPushNotificationConfigs(params.TaskID)
	if err != nil {
		writeResponse(w, jsonrpc.Fail(req.ID, jsonrpc.Newf(jsonrpc.ErrTaskNotFound, "%v", err)))
		return
	}
	resp, _ := jsonrpc.Result(req.ID, configs)
	writeResponse(w, resp)
}

func (s *Server) handlePushNotificationDelete(w http.ResponseWriter, req jsonrpc.Request) {
	var params struct {
		TaskID string `json:"taskId"`
		URL    string `json:"url"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeResponse(w, jsonrpc.Fail(req.ID, jsonrpc.Newf(jsonrpc.ErrInvalidParams, "%v", err)))
		return
	}
	if err := s.tasks.DeletePushNotificationConfig(params.TaskID, params.URL); err != nil {
		writeResponse(w, jsonrpc.Fail(req.ID, jsonrpc.Newf(jsonrpc.ErrTaskNotFound, "%v", err)))
		return
	}
	resp, _ := jsonrpc.Result(req.ID, map[string]bool{"deleted": true})
	writeResponse(w, resp)
}

// handleExtendedCard returns the configured extended AgentCard with its
// Capabilities narrowed to what the caller's X-A2A-Allow/Deny-Capabilities
// policy permits, so a restricted caller never learns the names of
// capabilities it isn't allowed to invoke.
func (s *Server) handleExtendedCard(w http.ResponseWriter, ctx context.Context, req jsonrpc.Request) {
	if s.extendedCard == nil {
		writeResponse(w, jsonrpc.Fail(req.ID, jsonrpc.Newf(jsonrpc.ErrAuthenticatedExtendedCardMissing, "no authenticated extended card configured")))
		return
	}
	card := *s.extendedCard
	if p := policy.PolicyFromContext(ctx); p != nil {
		names := make([]string, len(card.Capabilities))
		for i, c := range card.Capabilities {
			names[i] = c.Name
		}
		allowed := make(map[string]struct{}, len(names))
		for _, n := range policy.FilterCapabilities(names, p) {
			allowed[n] = struct{}{}
		}
		filtered := make([]types.Capability, 0, len(card.Capabilities))
		for _, c := range card.Capabilities {
			if _, ok := allowed[c.Name]; ok {
				filtered = append(filtered, c)
			}
		}
		card.Capabilities = filtered
	}
	resp, _ := jsonrpc.Result(req.ID, card)
	writeResponse(w, resp)
}

// executorWithPolicy returns a task.Executor that routes a task's
// message through the Router, either to an explicit
// metadata["targetAgentId"] or by capability auto-resolution via
// metadata["capability"], enforcing p (the caller's X-A2A-Allow/Deny-
// Capabilities policy, captured at request time rather than read back
// out of the task's own metadata) against capability auto-resolution.
func (s *Server) executorWithPolicy(p *policy.Policy) task.Executor {
	return func(ctx context.Context, rc task.RequestContext, bus task.EventBus) (*types.TaskResult, error) {
		return s.routeTask(ctx, rc, bus, p)
	}
}

func (s *Server) routeTask(ctx context.Context, rc task.RequestContext, bus task.EventBus, p *policy.Policy) (*types.TaskResult, error) {
	bus.Status(types.TaskWorking, nil, false)

	to := types.AutoTarget
	var payload []byte
	if id, ok := rc.Metadata["targetAgentId"].(string); ok && id != "" {
		to = id
	} else if capability, ok := rc.Metadata["capability"].(string); ok && capability != "" {
		if !policy.ValidateCapabilityAccess(capability, p) {
			return nil, fmt.Errorf("capability %q denied by policy", capability)
		}
		payload, _ = json.Marshal(capabilityRequestPayload{Capability: capability})
	}

	msg := types.A2AMessage{
		ID:            types.NewID(),
		Role:          rc.Message.Role,
		From:          s.agentID,
		To:            to,
		Type:          types.TaskRequest,
		Payload:       payload,
		Timestamp:     time.Now(),
		Priority:      types.PriorityNormal,
		CorrelationID: rc.TaskID,
	}

	result := s.router.Route(ctx, msg)
	if !result.Success {
		return nil, fmt.Errorf("%s", result.Error)
	}
	if result.Task != nil && result.Task.Results != nil {
		return result.Task.Results, nil
	}
	return &types.TaskResult{TaskID: rc.TaskID, Success: true, Timestamp: time.Now()}, nil
}

type capabilityRequestPayload struct {
	Capability string `json:"capability"`
}

func historyLength(cfg *sendConfiguration) int {
	if cfg == nil {
		return 0
	}
	return cfg.HistoryLength
}

// truncateHistory keeps only the last n history entries when n > 0,
// matching the optional historyLength parameter on tasks/get and
// message/send.
func truncateHistory(t *types.Task, n int) {
	if n <= 0 || len(t.History) <= n {
		return
	}
	t.History = t.History[len(t.History)-n:]
}

func writeResponse(w http.ResponseWriter, resp *jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
