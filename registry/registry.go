// Package registry implements the Agent Registry: an in-memory,
// capability-indexed catalog of agent profiles with health tracking,
// fuzzy capability search, and periodic cleanup of stale entries.
//
// The Registry is the single writer for AgentProfile and AgentHealth
// state: every mutator takes the same mutex, and the four indices
// (agentId→profile, agentId→capabilities, capabilityName→agentIds,
// category→agentIds) are always updated together so that no external
// observer can see one without the others.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/a2a-fabric/core/internal/jsonrpc"
	"github.com/a2a-fabric/core/telemetry"
	"github.com/a2a-fabric/core/types"
)

// EventType identifies a Registry lifecycle event.
type EventType string

// Recognized Registry event types.
const (
	EventAgentRegistered   EventType = "agent:registered"
	EventAgentUnregistered EventType = "agent:unregistered"
	EventTopologyChanged   EventType = "network:topology:changed"
)

// Event is published by the Registry whenever the catalog changes.
type Event struct {
	Type    EventType
	AgentID string
	Profile *types.AgentProfile
}

// Sink receives Registry events. Implementations must not block; the
// Registry calls Publish while holding no internal lock but on the
// caller's goroutine, so a slow sink slows the mutator that triggered
// it.
type Sink interface {
	Publish(Event)
}

type noopSink struct{}

func (noopSink) Publish(Event) {}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option { return func(r *Registry) { r.obs.logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(r *Registry) { r.obs.metrics = m } }

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option { return func(r *Registry) { r.obs.tracer = t } }

// WithSink sets the event sink notified of registration and topology changes.
func WithSink(s Sink) Option { return func(r *Registry) { r.sink = s } }

// WithInactiveCutoff overrides the default 5-minute cutoff used by the
// periodic cleanup started with StartCleanup. GetInactiveAgents and
// CleanupInactive take their own threshold argument instead.
func WithInactiveCutoff(d time.Duration) Option { return func(r *Registry) { r.inactiveCutoff = d } }

// Registry is the capability-indexed agent catalog.
type Registry struct {
	mu sync.RWMutex

	profiles         map[string]*types.AgentProfile
	health           map[string]types.AgentHealth
	capsByAgent      map[string]map[string]types.Capability  // agentId -> capability name -> Capability
	agentsByCapName  map[string]map[string]struct{}          // capability name -> set<agentId>
	agentsByCategory map[types.CapabilityCategory]map[string]struct{}

	inactiveCutoff time.Duration
	sink           Sink
	obs            *Observability

	cleanupCancel context.CancelFunc
	cleanupWg     sync.WaitGroup
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		profiles:         make(map[string]*types.AgentProfile),
		health:           make(map[string]types.AgentHealth),
		capsByAgent:      make(map[string]map[string]types.Capability),
		agentsByCapName:  make(map[string]map[string]struct{}),
		agentsByCategory: make(map[types.CapabilityCategory]map[string]struct{}),
		inactiveCutoff:   5 * time.Minute,
		sink:             noopSink{},
		obs:              NewObservability(nil, nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RegisterResult reports the outcome of Register.
type RegisterResult struct {
	Success bool
	Error   error
}

// Register admits a new agent profile, or upserts an existing one
// when upsert is true. Rejects empty id/type/capabilities via
// AgentProfile.Validate. A second registration of an identical id
// without upsert returns Success:false rather than an error.
func (r *Registry) Register(ctx context.Context, profile types.AgentProfile, upsert bool) RegisterResult {
	start := time.Now()
	ctx, span := r.obs.StartSpan(ctx, OpRegister, attribute.String("agent_id", profile.AgentID))
	var outcome OperationOutcome
	var opErr error
	defer func() {
		r.obs.LogOperation(ctx, OperationEvent{Operation: OpRegister, AgentID: profile.AgentID, Duration: time.Since(start), Outcome: outcome, Error: errString(opErr)})
		r.obs.RecordOperationMetrics(OperationEvent{Operation: OpRegister, AgentID: profile.AgentID, Duration: time.Since(start), Outcome: outcome})
		r.obs.EndSpan(span, outcome, opErr)
	}()

	if err := profile.Validate(); err != nil {
		outcome, opErr = OutcomeError, err
		return RegisterResult{Success: false, Error: err}
	}

	r.mu.Lock()
	existing, dup := r.profiles[profile.AgentID]
	if dup && !upsert {
		r.mu.Unlock()
		outcome = OutcomeSuccess // the call itself did not error; the registration was simply a no-op
		return RegisterResult{Success: false}
	}
	now := time.Now()
	if dup && upsert {
		r.removeFromIndicesLocked(profile.AgentID)
		profile.RegisteredAt = existing.RegisteredAt
	} else {
		profile.RegisteredAt = now
	}
	profile.LastUpdated = now
	profile.LastSeen = now
	if profile.Status == "" {
		profile.Status = types.AgentOnline
	}
	stored := profile
	r.profiles[profile.AgentID] = &stored
	r.indexLocked(&stored)
	r.mu.Unlock()

	r.sink.Publish(Event{Type: EventAgentRegistered, AgentID: profile.AgentID, Profile: &stored})
	r.sink.Publish(Event{Type: EventTopologyChanged})
	outcome = OutcomeSuccess
	return RegisterResult{Success: true}
}

// indexLocked populates all secondary indices for a profile. Caller
// must hold the write lock.
func (r *Registry) indexLocked(p *types.AgentProfile) {
	caps := make(map[string]types.Capability, len(p.Capabilities))
	for _, c := range p.Capabilities {
		caps[c.Name] = c
		if r.agentsByCapName[c.Name] == nil {
			r.agentsByCapName[c.Name] = make(map[string]struct{})
		}
		r.agentsByCapName[c.Name][p.AgentID] = struct{}{}
		if r.agentsByCategory[c.Category] == nil {
			r.agentsByCategory[c.Category] = make(map[string]struct{})
		}
		r.agentsByCategory[c.Category][p.AgentID] = struct{}{}
	}
	r.capsByAgent[p.AgentID] = caps
}

// removeFromIndicesLocked removes an agent from every secondary index
// without touching the primary profile map. Caller must hold the
// write lock.
func (r *Registry) removeFromIndicesLocked(agentID string) {
	for capName := range r.capsByAgent[agentID] {
		delete(r.agentsByCapName[capName], agentID)
		if len(r.agentsByCapName[capName]) == 0 {
			delete(r.agentsByCapName, capName)
		}
	}
	for cat, agents := range r.agentsByCategory {
		delete(agents, agentID)
		if len(agents) == 0 {
			delete(r.agentsByCategory, cat)
		}
	}
	delete(r.capsByAgent, agentID)
}

// Unregister removes an agent from all indices. Idempotent: removing
// an already-absent agent is not an error.
func (r *Registry) Unregister(ctx context.Context, agentID string) {
	start := time.Now()
	r.mu.Lock()
	_, existed := r.profiles[agentID]
	if existed {
		r.removeFromIndicesLocked(agentID)
		delete(r.profiles, agentID)
		delete(r.health, agentID)
	}
	r.mu.Unlock()

	r.obs.LogOperation(ctx, OperationEvent{Operation: OpUnregister, AgentID: agentID, Duration: time.Since(start), Outcome: OutcomeSuccess})
	if existed {
		r.sink.Publish(Event{Type: EventAgentUnregistered, AgentID: agentID})
		r.sink.Publish(Event{Type: EventTopologyChanged})
	}
}

// BulkResult reports the outcome of BulkRegister.
type BulkResult struct {
	Successful int
	Failed     int
	Errors     []error
}

// BulkRegister registers many profiles, firing exactly one topology
// event at the end regardless of how many succeeded.
func (r *Registry) BulkRegister(ctx context.Context, profiles []types.AgentProfile) BulkResult {
	var res BulkResult
	for _, p := range profiles {
		result := r.registerNoEvent(p)
		if result.Success {
			res.Successful++
		} else {
			res.Failed++
			if result.Error != nil {
				res.Errors = append(res.Errors, result.Error)
			} else {
				res.Errors = append(res.Errors, fmt.Errorf("agent %q: duplicate registration", p.AgentID))
			}
		}
	}
	r.sink.Publish(Event{Type: EventTopologyChanged})
	r.obs.LogOperation(ctx, OperationEvent{Operation: OpBulkRegister, Outcome: OutcomeSuccess, ResultCount: res.Successful})
	return res
}

// registerNoEvent is Register without per-call topology events, used by BulkRegister.
func (r *Registry) registerNoEvent(profile types.AgentProfile) RegisterResult {
	if err := profile.Validate(); err != nil {
		return RegisterResult{Success: false, Error: err}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.profiles[profile.AgentID]; dup {
		return RegisterResult{Success: false}
	}
	now := time.Now()
	profile.RegisteredAt, profile.LastUpdated, profile.LastSeen = now, now, now
	if profile.Status == "" {
		profile.Status = types.AgentOnline
	}
	stored := profile
	r.profiles[profile.AgentID] = &stored
	r.indexLocked(&stored)
	return RegisterResult{Success: true}
}

// ErrAgentNotFound is returned by mutators targeting an unknown agentId.
var ErrAgentNotFound = jsonrpc.Newf(&jsonrpc.Error{Code: jsonrpc.CodeInternal, Kind: "AgentNotFound"}, "agent not found")

func agentNotFound(agentID string) error {
	return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
}

// UpdateStatus transitions an agent's status.
func (r *Registry) UpdateStatus(agentID string, status types.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[agentID]
	if !ok {
		return agentNotFound(agentID)
	}
	p.Status = status
	p.LastUpdated = time.Now()
	return nil
}

// UpdateCapabilities replaces an agent's capability set, re-indexing atomically.
func (r *Registry) UpdateCapabilities(agentID string, caps []types.Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[agentID]
	if !ok {
		return agentNotFound(agentID)
	}
	r.removeFromIndicesLocked(agentID)
	p.Capabilities = caps
	p.LastUpdated = time.Now()
	r.indexLocked(p)
	return nil
}

// UpdateLastSeen refreshes an agent's liveness timestamp.
func (r *Registry) UpdateLastSeen(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[agentID]
	if !ok {
		return agentNotFound(agentID)
	}
	p.LastSeen = time.Now()
	return nil
}

// UpdateHealth records a health sample and transitions status to
// degraded when the sample crosses the fixed thresholds.
func (r *Registry) UpdateHealth(agentID string, h types.AgentHealth) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[agentID]
	if !ok {
		return agentNotFound(agentID)
	}
	h.AgentID = agentID
	if h.ObservedAt.IsZero() {
		h.ObservedAt = time.Now()
	}
	r.health[agentID] = h
	if h.Degraded() {
		p.Status = types.AgentDegraded
	}
	return nil
}

// SetMetadata replaces a single metadata key for an agent.
func (r *Registry) SetMetadata(agentID, key string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[agentID]
	if !ok {
		return agentNotFound(agentID)
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]any)
	}
	p.Metadata[key] = value
	return nil
}

// MergeMetadata merges the given fields into an agent's metadata.
func (r *Registry) MergeMetadata(agentID string, fields map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[agentID]
	if !ok {
		return agentNotFound(agentID)
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		p.Metadata[k] = v
	}
	return nil
}

// DeleteMetadata removes a metadata key from an agent.
func (r *Registry) DeleteMetadata(agentID, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[agentID]
	if !ok {
		return agentNotFound(agentID)
	}
	delete(p.Metadata, key)
	return nil
}

// Get returns a copy of an agent's profile.
func (r *Registry) Get(agentID string) (types.AgentProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[agentID]
	if !ok {
		return types.AgentProfile{}, false
	}
	return *p, true
}

// FindByCapability returns online agents possessing every requested
// capability name. A single name is equivalent to a one-element list.
func (r *Registry) FindByCapability(names ...string) []types.AgentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(names) == 0 {
		return nil
	}
	candidates := r.agentsByCapName[names[0]]
	matched := make(map[string]struct{}, len(candidates))
	for id := range candidates {
		matched[id] = struct{}{}
	}
	for _, name := range names[1:] {
		set := r.agentsByCapName[name]
		for id := range matched {
			if _, ok := set[id]; !ok {
				delete(matched, id)
			}
		}
	}
	var out []types.AgentProfile
	for id := range matched {
		if p := r.profiles[id]; p != nil && p.Status == types.AgentOnline {
			out = append(out, *p)
		}
	}
	return out
}

// FindByCategory returns agents with at least one capability in the category.
func (r *Registry) FindByCategory(category types.CapabilityCategory) []types.AgentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.AgentProfile
	for id := range r.agentsByCategory[category] {
		if p := r.profiles[id]; p != nil {
			out = append(out, *p)
		}
	}
	return out
}

// FindByType returns agents whose agentType matches exactly.
func (r *Registry) FindByType(agentType string) []types.AgentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.AgentProfile
	for _, p := range r.profiles {
		if p.AgentType == agentType {
			out = append(out, *p)
		}
	}
	return out
}

// FindByStatus returns agents with the given status.
func (r *Registry) FindByStatus(status types.AgentStatus) []types.AgentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.AgentProfile
	for _, p := range r.profiles {
		if p.Status == status {
			out = append(out, *p)
		}
	}
	return out
}

// CapabilityMatch is one scored result of QueryCapabilities.
type CapabilityMatch struct {
	AgentID    string
	Capability types.Capability
	Score      float64
	Reason     string
}

// CapabilityQuery filters and scores QueryCapabilities.
type CapabilityQuery struct {
	Text        string
	Category    types.CapabilityCategory // hard filter, empty matches any
	MinReliability float64
	MaxCost     float64 // 0 means unbounded
}

// QueryCapabilities performs a fuzzy capability search: substring
// match on name+description contributes a weighted term score, tag
// matches contribute a lower weight, a success-rate
// contribution is added from the owning agent's performance metrics,
// and the total is normalized to [0,1]. Category and reliability/cost
// act as hard filters, not score contributions.
func (r *Registry) QueryCapabilities(q CapabilityQuery) []CapabilityMatch {
	r.mu.RLock()
	defer r.mu.RUnlock()

	terms := strings.Fields(strings.ToLower(q.Text))
	var matches []CapabilityMatch
	for agentID, caps := range r.capsByAgent {
		profile := r.profiles[agentID]
		if profile == nil || profile.Status != types.AgentOnline {
			continue
		}
		for _, cap := range caps {
			if q.Category != "" && cap.Category != q.Category {
				continue
			}
			if q.MinReliability > 0 && cap.Reliability < q.MinReliability {
				continue
			}
			if q.MaxCost > 0 && cap.Cost > q.MaxCost {
				continue
			}
			score, reason := scoreCapability(terms, cap, profile.Performance.SuccessRate)
			if len(terms) > 0 && score == 0 {
				continue
			}
			matches = append(matches, CapabilityMatch{AgentID: agentID, Capability: cap, Score: score, Reason: reason})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches
}

// scoreCapability computes the weighted, normalized relevance score
// for one capability against a set of lowercase query terms.
func scoreCapability(terms []string, cap types.Capability, successRate float64) (float64, string) {
	var score, max float64
	var reasons []string

	nameDesc := strings.ToLower(cap.Name + " " + cap.Description)
	for _, t := range terms {
		max += 50
		if strings.Contains(nameDesc, t) {
			score += 50
			reasons = append(reasons, fmt.Sprintf("matches %q", t))
		}
	}
	for _, tag := range cap.Tags {
		tagLower := strings.ToLower(tag)
		for _, t := range terms {
			max += 10
			if strings.Contains(tagLower, t) {
				score += 10
				reasons = append(reasons, fmt.Sprintf("tag %q matches %q", tag, t))
			}
		}
	}
	// Success rate contributes up to 20, regardless of query terms.
	max += 20
	score += successRate * 20

	if max == 0 {
		return 0, "no criteria"
	}
	normalized := score / max
	if normalized > 1 {
		normalized = 1
	}
	reason := "capability ranked by keyword and reliability match"
	if len(reasons) > 0 {
		reason = strings.Join(reasons, "; ")
	}
	return normalized, reason
}

// GetUnhealthyAgents returns agents whose most recent health sample
// exceeds any configured threshold.
func (r *Registry) GetUnhealthyAgents(t types.HealthThresholds) []types.AgentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.AgentProfile
	for id, h := range r.health {
		if h.Exceeds(t) {
			if p := r.profiles[id]; p != nil {
				out = append(out, *p)
			}
		}
	}
	return out
}

// CheckHealthAndUpdateStatus re-evaluates an agent's last health
// sample against the fixed degraded thresholds and updates status
// accordingly.
func (r *Registry) CheckHealthAndUpdateStatus(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[agentID]
	if !ok {
		return agentNotFound(agentID)
	}
	h, ok := r.health[agentID]
	if !ok {
		return nil
	}
	if h.Degraded() {
		p.Status = types.AgentDegraded
	}
	return nil
}

// GetInactiveAgents returns agents whose lastSeen exceeds threshold.
func (r *Registry) GetInactiveAgents(threshold time.Duration) []types.AgentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := time.Now().Add(-threshold)
	var out []types.AgentProfile
	for _, p := range r.profiles {
		if p.LastSeen.Before(cutoff) {
			out = append(out, *p)
		}
	}
	return out
}

// CleanupInactive removes agents whose lastSeen exceeds threshold,
// returning the removed agent ids.
func (r *Registry) CleanupInactive(ctx context.Context, threshold time.Duration) []string {
	cutoff := time.Now().Add(-threshold)
	r.mu.Lock()
	var removed []string
	for id, p := range r.profiles {
		if p.LastSeen.Before(cutoff) {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		r.removeFromIndicesLocked(id)
		delete(r.profiles, id)
		delete(r.health, id)
	}
	r.mu.Unlock()

	if len(removed) > 0 {
		r.sink.Publish(Event{Type: EventTopologyChanged})
	}
	r.obs.LogOperation(ctx, OperationEvent{Operation: OpCleanup, Outcome: OutcomeSuccess, ResultCount: len(removed)})
	return removed
}

// GetTopology returns a snapshot of the registry's current view:
// agents, a flat connection list, and per-capability route lists.
// Route.ResponseTime defaults to 1000ms when an agent has no
// performance metrics yet.
func (r *Registry) GetTopology() types.Topology {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topology := types.Topology{
		MessageRoutes: make(map[string][]types.Route),
		LastUpdated:   time.Now(),
	}
	for _, p := range r.profiles {
		topology.Agents = append(topology.Agents, *p)
		topology.Connections = append(topology.Connections, p.AgentID)
	}
	for capName, agentIDs := range r.agentsByCapName {
		routes := make([]types.Route, 0, len(agentIDs))
		for agentID := range agentIDs {
			p := r.profiles[agentID]
			if p == nil {
				continue
			}
			cap := r.capsByAgent[agentID][capName]
			responseTime := p.Performance.AvgResponseTimeMs
			if responseTime == 0 {
				responseTime = 1000
			}
			routes = append(routes, types.Route{
				AgentID:      agentID,
				Capability:   capName,
				Cost:         cap.Cost,
				Reliability:  cap.Reliability,
				ResponseTime: responseTime,
				Load:         p.Load,
			})
		}
		sort.Slice(routes, func(i, j int) bool { return routes[i].AgentID < routes[j].AgentID })
		topology.MessageRoutes[capName] = routes
	}
	return topology
}

// StartCleanup launches the periodic cleanup timer: by default every
// 60s, agents offline and past the inactive cutoff are removed.
func (r *Registry) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cleanupCancel = cancel
	r.cleanupWg.Add(1)
	go func() {
		defer r.cleanupWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.cleanupOfflineLocked(ctx)
			}
		}
	}()
}

// StopCleanup stops the periodic cleanup timer and waits for it to exit.
func (r *Registry) StopCleanup() {
	if r.cleanupCancel != nil {
		r.cleanupCancel()
		r.cleanupWg.Wait()
		r.cleanupCancel = nil
	}
}

func (r *Registry) cleanupOfflineLocked(ctx context.Context) {
	cutoff := time.Now().Add(-r.inactiveCutoff)
	r.mu.Lock()
	var removed []string
	for id, p := range r.profiles {
		if p.Status == types.AgentOffline && p.LastSeen.Before(cutoff) {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		r.removeFromIndicesLocked(id)
		delete(r.profiles, id)
		delete(r.health, id)
	}
	r.mu.Unlock()
	if len(removed) > 0 {
		r.sink.Publish(Event{Type: EventTopologyChanged})
		r.obs.LogOperation(ctx, OperationEvent{Operation: OpCleanup, Outcome: OutcomeSuccess, ResultCount: len(removed)})
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
