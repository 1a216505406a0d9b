package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/a2a-fabric/core/types"
)

// CentralClient is the client side of the central-directory API.
// Generated/hand-rolled clients against a concrete directory service
// implement this interface; Discovery depends on nothing else.
type CentralClient interface {
	// Register posts profile to the directory.
	Register(ctx context.Context, profile types.AgentProfile) error
	// Discover returns every agent the directory currently knows about.
	Discover(ctx context.Context) ([]types.AgentProfile, error)
	// Get fetches a single agent's profile.
	Get(ctx context.Context, agentID string) (types.AgentProfile, error)
	// UpdateStatus pushes a status/health heartbeat for agentID.
	UpdateStatus(ctx context.Context, agentID string, status types.AgentStatus, load float64) error
	// Deregister removes an agent from the directory.
	Deregister(ctx context.Context, agentID string) error
}

// httpCentralClient is a CentralClient backed by the central directory's HTTP API.
type httpCentralClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPCentralClient constructs a CentralClient against a directory
// service reachable at baseURL (e.g. "https://directory.example.com").
func NewHTTPCentralClient(baseURL string, httpClient *http.Client) CentralClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &httpCentralClient{baseURL: strings.TrimRight(baseURL, "/"), client: httpClient}
}

func (c *httpCentralClient) Register(ctx context.Context, profile types.AgentProfile) error {
	_, err := c.do(ctx, http.MethodPost, "/api/registry/register", profile, nil)
	return err
}

func (c *httpCentralClient) Discover(ctx context.Context) ([]types.AgentProfile, error) {
	var profiles []types.AgentProfile
	_, err := c.do(ctx, http.MethodGet, "/api/registry/discover", nil, &profiles)
	return profiles, err
}

func (c *httpCentralClient) Get(ctx context.Context, agentID string) (types.AgentProfile, error) {
	var profile types.AgentProfile
	_, err := c.do(ctx, http.MethodGet, "/api/registry/agents/"+agentID, nil, &profile)
	return profile, err
}

func (c *httpCentralClient) UpdateStatus(ctx context.Context, agentID string, status types.AgentStatus, load float64) error {
	body := statusUpdate{Status: status, Load: load}
	_, err := c.do(ctx, http.MethodPut, "/api/registry/agents/"+agentID+"/status", body, nil)
	return err
}

func (c *httpCentralClient) Deregister(ctx context.Context, agentID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/registry/agents/"+agentID, nil, nil)
	return err
}

type statusUpdate struct {
	Status types.AgentStatus `json:"status"`
	Load   float64           `json:"load"`
}

func (c *httpCentralClient) do(ctx context.Context, method, path string, body any, out any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("central directory request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return resp, fmt.Errorf("central directory %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp, nil
}

// CentralServer implements the server side of the central directory
// against a Registry-like backing store, for fabric deployments that host their
// own directory rather than depending on an external one. Behaviour
// degrades gracefully when this type is never wired: nothing in the
// core depends on it existing.
type CentralServer struct {
	store CentralStore
}

// CentralStore is the minimal persistence contract CentralServer needs.
// A thin adapter over registry.Registry (constructed where the two
// packages are wired together) satisfies it; Discovery and Registry
// state otherwise remain disjoint.
type CentralStore interface {
	Register(ctx context.Context, profile types.AgentProfile, upsert bool) (ok bool, err error)
	Get(agentID string) (types.AgentProfile, bool)
	List() []types.AgentProfile
	UpdateStatus(agentID string, status types.AgentStatus, load float64) error
	Unregister(ctx context.Context, agentID string) error
}

// NewCentralServer constructs a CentralServer over store.
func NewCentralServer(store CentralStore) *CentralServer {
	return &CentralServer{store: store}
}

// ServeHTTP implements the central directory's HTTP routes.
func (s *CentralServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/registry/register":
		s.handleRegister(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/registry/discover":
		s.handleDiscover(w)
	case strings.HasPrefix(r.URL.Path, "/api/registry/agents/"):
		s.handleAgent(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *CentralServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var profile types.AgentProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ok, err := s.store.Register(r.Context(), profile, true)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]bool{"registered": ok})
}

func (s *CentralServer) handleDiscover(w http.ResponseWriter) {
	writeJSON(w, s.store.List())
}

func (s *CentralServer) handleAgent(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/registry/agents/")
	agentID, statusPath, _ := strings.Cut(rest, "/")
	if agentID == "" {
		http.NotFound(w, r)
		return
	}
	switch {
	case statusPath == "status" && r.Method == http.MethodPut:
		var upd statusUpdate
		if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.store.UpdateStatus(agentID, upd.Status, upd.Load); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"updated": true})
	case statusPath == "" && r.Method == http.MethodGet:
		profile, ok := s.store.Get(agentID)
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, profile)
	case statusPath == "" && r.Method == http.MethodDelete:
		if err := s.store.Unregister(r.Context(), agentID); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"deregistered": true})
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
