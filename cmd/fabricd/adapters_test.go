package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/a2a-fabric/core/discovery"
	"github.com/a2a-fabric/core/registry"
	"github.com/a2a-fabric/core/telemetry"
	"github.com/a2a-fabric/core/types"
)

func testProfile(id string) types.AgentProfile {
	return types.AgentProfile{
		AgentID:   id,
		AgentType: "worker",
		Status:    types.AgentOnline,
		Capabilities: []types.Capability{
			{ID: "cap-1", Name: "summarize", Category: types.CategoryCreative, Reliability: 1},
		},
	}
}

func TestRegistryDiscoverySinkRegistersDiscoveredAgents(t *testing.T) {
	reg := registry.New()
	sink := registryDiscoverySink{reg: reg, logger: telemetry.NewNoopLogger()}

	profile := testProfile("agent-1")
	sink.Publish(discovery.Event{Type: discovery.EventAgentDiscovered, Profile: &profile})

	got, ok := reg.Get("agent-1")
	require.True(t, ok)
	require.Equal(t, "agent-1", got.AgentID)
}

func TestRegistryDiscoverySinkIgnoresNonDiscoveredEvents(t *testing.T) {
	reg := registry.New()
	sink := registryDiscoverySink{reg: reg, logger: telemetry.NewNoopLogger()}

	profile := testProfile("agent-1")
	sink.Publish(discovery.Event{Type: discovery.EventAgentLost, Profile: &profile})

	_, ok := reg.Get("agent-1")
	require.False(t, ok)
}

func TestRegistryCentralStoreRegisterGetListUpdateUnregister(t *testing.T) {
	reg := registry.New()
	store := registryCentralStore{reg: reg}

	ok, err := store.Register(context.Background(), testProfile("agent-1"), false)
	require.NoError(t, err)
	require.True(t, ok)

	got, ok := store.Get("agent-1")
	require.True(t, ok)
	require.Equal(t, "agent-1", got.AgentID)

	require.Len(t, store.List(), 1)

	require.NoError(t, store.UpdateStatus("agent-1", types.AgentBusy, 75))
	got, ok = store.Get("agent-1")
	require.True(t, ok)
	require.Equal(t, types.AgentBusy, got.Status)
	require.Equal(t, 75.0, got.Metadata["load"])

	require.NoError(t, store.Unregister(context.Background(), "agent-1"))
	_, ok = store.Get("agent-1")
	require.False(t, ok)
}

func TestRegistryCentralStoreUpdateStatusUnknownAgentFails(t *testing.T) {
	reg := registry.New()
	store := registryCentralStore{reg: reg}
	require.Error(t, store.UpdateStatus("ghost", types.AgentOnline, 0))
}
