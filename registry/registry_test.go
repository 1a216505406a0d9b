package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/a2a-fabric/core/types"
)

func profile(id string, caps ...types.Capability) types.AgentProfile {
	if len(caps) == 0 {
		caps = []types.Capability{{Name: "default"}}
	}
	return types.AgentProfile{AgentID: id, AgentType: "worker", Capabilities: caps}
}

func TestRegisterRejectsInvalidProfile(t *testing.T) {
	r := New()
	result := r.Register(context.Background(), types.AgentProfile{}, false)
	require.False(t, result.Success)
	require.Error(t, result.Error)
}

func TestRegisterDuplicateWithoutUpsertIsNoopNotError(t *testing.T) {
	r := New()
	p := profile("agent-1")
	first := r.Register(context.Background(), p, false)
	require.True(t, first.Success)

	second := r.Register(context.Background(), p, false)
	require.False(t, second.Success)
	require.NoError(t, second.Error)
}

func TestRegisterUpsertPreservesRegisteredAt(t *testing.T) {
	r := New()
	p := profile("agent-1")
	first := r.Register(context.Background(), p, true)
	require.True(t, first.Success)
	stored, ok := r.Get("agent-1")
	require.True(t, ok)
	firstRegisteredAt := stored.RegisteredAt

	p.AgentType = "changed"
	second := r.Register(context.Background(), p, true)
	require.True(t, second.Success)
	updated, ok := r.Get("agent-1")
	require.True(t, ok)
	require.Equal(t, "changed", updated.AgentType)
	require.Equal(t, firstRegisteredAt, updated.RegisteredAt)
}

func TestRegisterDefaultsStatusToOnline(t *testing.T) {
	r := New()
	r.Register(context.Background(), profile("agent-1"), false)
	stored, _ := r.Get("agent-1")
	require.Equal(t, types.AgentOnline, stored.Status)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := New()
	r.Register(context.Background(), profile("agent-1"), false)
	r.Unregister(context.Background(), "agent-1")
	_, ok := r.Get("agent-1")
	require.False(t, ok)
	require.NotPanics(t, func() { r.Unregister(context.Background(), "agent-1") })
}

func TestFindByCapabilityRequiresAllNamesAndOnlineStatus(t *testing.T) {
	r := New()
	r.Register(context.Background(), profile("both", types.Capability{Name: "a"}, types.Capability{Name: "b"}), false)
	r.Register(context.Background(), profile("only-a", types.Capability{Name: "a"}), false)
	require.NoError(t, r.UpdateStatus("only-a", types.AgentOffline))

	matches := r.FindByCapability("a", "b")
	require.Len(t, matches, 1)
	require.Equal(t, "both", matches[0].AgentID)

	onlyA := r.FindByCapability("a")
	require.Len(t, onlyA, 1, "offline agent must be excluded")
	require.Equal(t, "both", onlyA[0].AgentID)
}

func TestFindByCategoryAndTypeAndStatus(t *testing.T) {
	r := New()
	r.Register(context.Background(), profile("agent-1", types.Capability{Name: "x", Category: types.CategoryAnalysis}), false)
	r.Register(context.Background(), profile("agent-2", types.Capability{Name: "y", Category: types.CategorySecurity}), false)

	byCategory := r.FindByCategory(types.CategoryAnalysis)
	require.Len(t, byCategory, 1)
	require.Equal(t, "agent-1", byCategory[0].AgentID)

	byType := r.FindByType("worker")
	require.Len(t, byType, 2)

	byStatus := r.FindByStatus(types.AgentOnline)
	require.Len(t, byStatus, 2)
}

func TestUpdateCapabilitiesReindexes(t *testing.T) {
	r := New()
	r.Register(context.Background(), profile("agent-1", types.Capability{Name: "old"}), false)
	require.NoError(t, r.UpdateCapabilities("agent-1", []types.Capability{{Name: "new"}}))

	require.Empty(t, r.FindByCapability("old"))
	require.Len(t, r.FindByCapability("new"), 1)
}

func TestUpdateHealthMarksDegraded(t *testing.T) {
	r := New()
	r.Register(context.Background(), profile("agent-1"), false)
	require.NoError(t, r.UpdateHealth("agent-1", types.AgentHealth{CPUPercent: 95}))

	stored, _ := r.Get("agent-1")
	require.Equal(t, types.AgentDegraded, stored.Status)
}

func TestMutatorsOnUnknownAgentReturnNotFound(t *testing.T) {
	r := New()
	require.ErrorIs(t, r.UpdateStatus("ghost", types.AgentOnline), ErrAgentNotFound)
	require.ErrorIs(t, r.UpdateCapabilities("ghost", nil), ErrAgentNotFound)
	require.ErrorIs(t, r.UpdateLastSeen("ghost"), ErrAgentNotFound)
	require.ErrorIs(t, r.UpdateHealth("ghost", types.AgentHealth{}), ErrAgentNotFound)
	require.ErrorIs(t, r.SetMetadata("ghost", "k", "v"), ErrAgentNotFound)
	require.ErrorIs(t, r.MergeMetadata("ghost", nil), ErrAgentNotFound)
	require.ErrorIs(t, r.DeleteMetadata("ghost", "k"), ErrAgentNotFound)
}

func TestMetadataMergeAndDelete(t *testing.T) {
	r := New()
	r.Register(context.Background(), profile("agent-1"), false)
	require.NoError(t, r.SetMetadata("agent-1", "region", "us"))
	require.NoError(t, r.MergeMetadata("agent-1", map[string]any{"zone": "a", "region": "eu"}))

	stored, _ := r.Get("agent-1")
	require.Equal(t, "eu", stored.Metadata["region"])
	require.Equal(t, "a", stored.Metadata["zone"])

	require.NoError(t, r.DeleteMetadata("agent-1", "zone"))
	stored, _ = r.Get("agent-1")
	_, ok := stored.Metadata["zone"]
	require.False(t, ok)
}

func TestQueryCapabilitiesFiltersAndScores(t *testing.T) {
	r := New()
	r.Register(context.Background(), types.AgentProfile{
		AgentID:   "agent-1",
		AgentType: "worker",
		Capabilities: []types.Capability{
			{Name: "summarize text", Category: types.CategoryAnalysis, Reliability: 0.9, Cost: 10, Tags: []string{"nlp"}},
		},
		Performance: types.PerformanceMetrics{SuccessRate: 1},
	}, false)
	r.Register(context.Background(), types.AgentProfile{
		AgentID:   "agent-2",
		AgentType: "worker",
		Capabilities: []types.Capability{
			{Name: "draw image", Category: types.CategoryCreative, Reliability: 0.2, Cost: 90},
		},
	}, false)

	matches := r.QueryCapabilities(CapabilityQuery{Text: "summarize"})
	require.Len(t, matches, 1)
	require.Equal(t, "agent-1", matches[0].AgentID)
	require.Greater(t, matches[0].Score, 0.0)

	filtered := r.QueryCapabilities(CapabilityQuery{MinReliability: 0.5})
	require.Len(t, filtered, 1)
	require.Equal(t, "agent-1", filtered[0].AgentID)

	byCost := r.QueryCapabilities(CapabilityQuery{MaxCost: 50})
	require.Len(t, byCost, 1)
	require.Equal(t, "agent-1", byCost[0].AgentID)
}

func TestGetUnhealthyAgents(t *testing.T) {
	r := New()
	r.Register(context.Background(), profile("agent-1"), false)
	r.Register(context.Background(), profile("agent-2"), false)
	require.NoError(t, r.UpdateHealth("agent-1", types.AgentHealth{CPUPercent: 99}))

	thresholds := types.HealthThresholds{MaxCPU: 80, MaxMemory: 80, MaxResponseMs: 1000, MaxErrorRate: 0.1}
	unhealthy := r.GetUnhealthyAgents(thresholds)
	require.Len(t, unhealthy, 1)
	require.Equal(t, "agent-1", unhealthy[0].AgentID)
}

func TestCleanupInactiveRemovesStaleAgents(t *testing.T) {
	r := New()
	r.Register(context.Background(), profile("agent-1"), false)
	r.mu.Lock()
	r.profiles["agent-1"].LastSeen = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	removed := r.CleanupInactive(context.Background(), time.Minute)
	require.Equal(t, []string{"agent-1"}, removed)
	_, ok := r.Get("agent-1")
	require.False(t, ok)
}

func TestGetTopologyDefaultsResponseTime(t *testing.T) {
	r := New()
	r.Register(context.Background(), profile("agent-1", types.Capability{Name: "a"}), false)

	topo := r.GetTopology()
	require.Len(t, topo.Agents, 1)
	require.Contains(t, topo.Connections, "agent-1")
	routes := topo.MessageRoutes["a"]
	require.Len(t, routes, 1)
	require.Equal(t, float64(1000), routes[0].ResponseTime)
}

func TestBulkRegisterFiresSingleTopologyEvent(t *testing.T) {
	var mu sync.Mutex
	var topologyEvents int
	sink := sinkFunc(func(e Event) {
		if e.Type == EventTopologyChanged {
			mu.Lock()
			topologyEvents++
			mu.Unlock()
		}
	})
	r := New(WithSink(sink))

	result := r.BulkRegister(context.Background(), []types.AgentProfile{
		profile("agent-1"),
		profile("agent-2"),
		{}, // invalid, contributes to Failed
	})
	require.Equal(t, 2, result.Successful)
	require.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, topologyEvents)
}

func TestStartStopCleanupRemovesOfflineAgents(t *testing.T) {
	r := New(WithInactiveCutoff(time.Millisecond))
	r.Register(context.Background(), profile("agent-1"), false)
	require.NoError(t, r.UpdateStatus("agent-1", types.AgentOffline))
	r.mu.Lock()
	r.profiles["agent-1"].LastSeen = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartCleanup(ctx, 5*time.Millisecond)
	defer r.StopCleanup()

	require.Eventually(t, func() bool {
		_, ok := r.Get("agent-1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

type sinkFunc func(Event)

func (f sinkFunc) Publish(e Event) { f(e) }
