package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/a2a-fabric/core/types"
)

type fakeCentralStore struct {
	mu       sync.Mutex
	profiles map[string]types.AgentProfile
}

func newFakeCentralStore() *fakeCentralStore {
	return &fakeCentralStore{profiles: make(map[string]types.AgentProfile)}
}

func (s *fakeCentralStore) Register(ctx context.Context, profile types.AgentProfile, upsert bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.profiles[profile.AgentID]; dup && !upsert {
		return false, nil
	}
	s.profiles[profile.AgentID] = profile
	return true, nil
}

func (s *fakeCentralStore) Get(agentID string) (types.AgentProfile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[agentID]
	return p, ok
}

func (s *fakeCentralStore) List() []types.AgentProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AgentProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	return out
}

func (s *fakeCentralStore) UpdateStatus(agentID string, status types.AgentStatus, load float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[agentID]
	if !ok {
		return errNotFound
	}
	p.Status = status
	p.Load = load
	s.profiles[agentID] = p
	return nil
}

func (s *fakeCentralStore) Unregister(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[agentID]; !ok {
		return errNotFound
	}
	delete(s.profiles, agentID)
	return nil
}

var errNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "not found" }

func TestCentralServerRegisterAndDiscover(t *testing.T) {
	store := newFakeCentralStore()
	srv := NewCentralServer(store)

	body, _ := json.Marshal(types.AgentProfile{AgentID: "agent-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/registry/register", strings.NewReader(string(body)))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/registry/discover", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var profiles []types.AgentProfile
	require.NoError(t, json.NewDecoder(w.Body).Decode(&profiles))
	require.Len(t, profiles, 1)
	require.Equal(t, "agent-1", profiles[0].AgentID)
}

func TestCentralServerAgentLifecycle(t *testing.T) {
	store := newFakeCentralStore()
	store.Register(context.Background(), types.AgentProfile{AgentID: "agent-1"}, false)
	srv := NewCentralServer(store)

	req := httptest.NewRequest(http.MethodGet, "/api/registry/agents/agent-1", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	statusBody, _ := json.Marshal(map[string]any{"status": "busy", "load": 50.0})
	req = httptest.NewRequest(http.MethodPut, "/api/registry/agents/agent-1/status", strings.NewReader(string(statusBody)))
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	updated, ok := store.Get("agent-1")
	require.True(t, ok)
	require.Equal(t, types.AgentBusy, updated.Status)

	req = httptest.NewRequest(http.MethodDelete, "/api/registry/agents/agent-1", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	_, ok = store.Get("agent-1")
	require.False(t, ok)
}

func TestCentralServerUnknownAgentReturnsNotFound(t *testing.T) {
	store := newFakeCentralStore()
	srv := NewCentralServer(store)

	req := httptest.NewRequest(http.MethodGet, "/api/registry/agents/ghost", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}
