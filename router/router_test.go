package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/a2a-fabric/core/registry"
	"github.com/a2a-fabric/core/transport"
	"github.com/a2a-fabric/core/types"
)

// fakeAdapter is an in-memory transport.Adapter whose SendMessage
// behavior is controlled per call via the send field.
type fakeAdapter struct {
	mu     sync.Mutex
	send   func(ctx context.Context, endpoint string, msg types.Message) (types.Task, error)
	calls  int
	closed bool
}

func (f *fakeAdapter) SendMessage(ctx context.Context, endpoint string, msg types.Message) (types.Task, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.send(ctx, endpoint, msg)
}

func (f *fakeAdapter) SendMessageStream(ctx context.Context, endpoint string, msg types.Message) (<-chan transport.StreamEvent, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAdapter) Close() error {
	f.closed = true
	return nil
}

func alwaysSucceeds() *fakeAdapter {
	return &fakeAdapter{send: func(ctx context.Context, endpoint string, msg types.Message) (types.Task, error) {
		return types.Task{ID: types.NewID(), Status: types.TaskStatus{State: types.TaskCompleted}}, nil
	}}
}

func newTestRouter(t *testing.T, reg *registry.Registry, adapter *fakeAdapter, cfg Config) *Router {
	t.Helper()
	r := New(reg, adapter, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	t.Cleanup(func() {
		cancel()
		r.Stop()
	})
	return r
}

func onlineAgent(id string, caps ...types.Capability) types.AgentProfile {
	if len(caps) == 0 {
		caps = []types.Capability{{Name: "default"}}
	}
	return types.AgentProfile{AgentID: id, AgentType: "worker", Status: types.AgentOnline, Endpoint: "http://" + id, Capabilities: caps}
}

func TestRouteRejectsInvalidMessage(t *testing.T) {
	reg := registry.New()
	r := newTestRouter(t, reg, alwaysSucceeds(), DefaultConfig())
	result := r.Route(context.Background(), types.A2AMessage{})
	require.False(t, result.Success)
}

func TestRouteDeliversToExplicitTarget(t *testing.T) {
	reg := registry.New()
	reg.Register(context.Background(), onlineAgent("agent-1"), false)
	r := newTestRouter(t, reg, alwaysSucceeds(), DefaultConfig())

	msg := types.A2AMessage{ID: "1", From: "caller", To: "agent-1", Type: types.TaskRequest, Priority: types.PriorityNormal}
	result := r.Route(context.Background(), msg)
	require.True(t, result.Success)
	require.NotNil(t, result.Task)
}

func TestRouteRejectsOfflineTarget(t *testing.T) {
	reg := registry.New()
	offline := onlineAgent("agent-1")
	offline.Status = types.AgentOffline
	reg.Register(context.Background(), offline, false)
	r := newTestRouter(t, reg, alwaysSucceeds(), DefaultConfig())

	msg := types.A2AMessage{ID: "1", From: "caller", To: "agent-1", Type: types.TaskRequest, Priority: types.PriorityNormal}
	result := r.Route(context.Background(), msg)
	require.False(t, result.Success)
}

func TestRouteAutoResolvesByCapability(t *testing.T) {
	reg := registry.New()
	reg.Register(context.Background(), onlineAgent("agent-1", types.Capability{Name: "summarize"}), false)
	r := newTestRouter(t, reg, alwaysSucceeds(), DefaultConfig())

	payload := []byte(`{"capability":"summarize"}`)
	msg := types.A2AMessage{ID: "1", From: "caller", To: types.AutoTarget, Type: types.TaskRequest, Priority: types.PriorityNormal, Payload: payload}
	result := r.Route(context.Background(), msg)
	require.True(t, result.Success)
}

func TestRouteAutoResolveNoCandidateFails(t *testing.T) {
	reg := registry.New()
	r := newTestRouter(t, reg, alwaysSucceeds(), DefaultConfig())

	payload := []byte(`{"capability":"missing"}`)
	msg := types.A2AMessage{ID: "1", From: "caller", To: types.AutoTarget, Type: types.TaskRequest, Priority: types.PriorityNormal, Payload: payload}
	result := r.Route(context.Background(), msg)
	require.False(t, result.Success)
	require.Equal(t, ErrCapabilityNotFound.Error(), result.Error)
}

func TestBroadcastMessageExcludesSenderAndTallies(t *testing.T) {
	reg := registry.New()
	reg.Register(context.Background(), onlineAgent("sender"), false)
	reg.Register(context.Background(), onlineAgent("agent-1"), false)
	reg.Register(context.Background(), onlineAgent("agent-2"), false)
	r := newTestRouter(t, reg, alwaysSucceeds(), DefaultConfig())

	msg := types.A2AMessage{ID: "1", From: "sender", To: types.BroadcastTarget, Type: types.NetworkBroadcast, Priority: types.PriorityNormal}
	result := r.Route(context.Background(), msg)
	require.True(t, result.Success)
	require.NotNil(t, result.Task)

	var decoded BroadcastResult
	require.NoError(t, json.Unmarshal(result.Task.Results.Result, &decoded))
	require.Equal(t, 2, decoded.TotalAgents)
	require.Equal(t, 2, decoded.Successful)
}

func TestHandleCapabilityRequestReturnsMatches(t *testing.T) {
	reg := registry.New()
	reg.Register(context.Background(), onlineAgent("agent-1", types.Capability{Name: "summarize text"}), false)
	r := newTestRouter(t, reg, alwaysSucceeds(), DefaultConfig())

	payload := []byte(`{"capability":"summarize"}`)
	msg := types.A2AMessage{ID: "1", From: "caller", To: "anything", Type: types.CapabilityRequest, Priority: types.PriorityNormal, Payload: payload}
	result := r.Route(context.Background(), msg)
	require.True(t, result.Success)
	require.NotEmpty(t, result.Matches)
}

func TestHandleAgentQueryReturnsTopology(t *testing.T) {
	reg := registry.New()
	reg.Register(context.Background(), onlineAgent("agent-1"), false)
	r := newTestRouter(t, reg, alwaysSucceeds(), DefaultConfig())

	msg := types.A2AMessage{ID: "1", From: "caller", To: "anything", Type: types.AgentQuery, Priority: types.PriorityNormal}
	result := r.Route(context.Background(), msg)
	require.True(t, result.Success)
	require.NotNil(t, result.Topology)
	require.Len(t, result.Topology.Agents, 1)
}

func TestCircuitBreakerOpensAfterFailureThreshold(t *testing.T) {
	reg := registry.New()
	reg.Register(context.Background(), onlineAgent("agent-1"), false)
	adapter := &fakeAdapter{send: func(ctx context.Context, endpoint string, msg types.Message) (types.Task, error) {
		return types.Task{}, errors.New("boom")
	}}
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	r := New(reg, adapter, cfg, WithBreaker("agent-1", BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour, MonitoringWindow: time.Hour}))
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	t.Cleanup(func() { cancel(); r.Stop() })

	msg := types.A2AMessage{ID: "1", From: "caller", To: "agent-1", Type: types.TaskRequest, Priority: types.PriorityNormal}
	first := r.Route(context.Background(), msg)
	require.False(t, first.Success)

	state, ok := r.CircuitState("agent-1")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		state, _ = r.CircuitState("agent-1")
		return state.Status == types.CircuitOpen
	}, time.Second, 5*time.Millisecond)

	second := r.Route(context.Background(), types.A2AMessage{ID: "2", From: "caller", To: "agent-1", Type: types.TaskRequest, Priority: types.PriorityNormal})
	require.False(t, second.Success)
	require.Contains(t, second.Error, "circuit breaker open")
}

func TestStatsReportsQueueSizesAndRoutingTable(t *testing.T) {
	reg := registry.New()
	reg.Register(context.Background(), onlineAgent("agent-1"), false)
	r := New(reg, alwaysSucceeds(), DefaultConfig())

	stats := r.Stats()
	require.Equal(t, 1, stats.RoutingTableSize)
	require.Len(t, stats.QueueSizes, len(types.Priorities))
}
