// Package discovery implements hybrid agent discovery: a
// central-directory lookup and a peer-to-peer announcement channel,
// converged into one membership view with a normative event contract
// (agent:discovered, agent:lost, registry:connected, shutdown).
package discovery

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/a2a-fabric/core/telemetry"
	"github.com/a2a-fabric/core/types"
)

// Mode is the backend combination Discovery converged on at
// Initialize time.
type Mode string

// Recognized modes.
const (
	ModeCentral Mode = "central"
	ModeP2P     Mode = "p2p"
	ModeHybrid  Mode = "hybrid"
	// ModeNone means neither backend came up; the protocol operates in
	// direct-addressing mode only. Initialize never fails outright.
	ModeNone Mode = "none"
	// ModeLazy skips all network activity, for offline test configurations.
	ModeLazy Mode = "lazy"
)

// EventType identifies a Discovery lifecycle event, normative
// regardless of the concrete announcement transport.
type EventType string

// Recognized event types.
const (
	EventAgentDiscovered   EventType = "agent:discovered"
	EventAgentLost         EventType = "agent:lost"
	EventRegistryConnected EventType = "registry:connected"
	EventShutdown          EventType = "shutdown"
)

// Event is published by Discovery on membership or lifecycle changes.
type Event struct {
	Type    EventType
	Profile *types.AgentProfile // set for agent:discovered
	AgentID string              // set for agent:lost
	Mode    Mode                // set for registry:connected
}

// Sink receives Discovery events. Implementations must not block.
type Sink interface {
	Publish(Event)
}

type noopSink struct{}

func (noopSink) Publish(Event) {}

// Config tunes Discovery's timing behavior.
type Config struct {
	// Mode requests which backends to attempt at Initialize. The
	// converged Mode() may be narrower if a backend fails to come up.
	Mode Mode
	// InitTimeout bounds each backend's initial reachability probe.
	// Default 1s.
	InitTimeout time.Duration
	// HeartbeatInterval is how often SendHeartbeat refreshes this
	// agent's registration while central/hybrid. Default 30s.
	HeartbeatInterval time.Duration
	// PollInterval is how often the background loop re-polls the
	// active backends to detect agent:discovered/agent:lost. Default 5s.
	PollInterval time.Duration
}

// DefaultConfig returns the standard timing defaults.
func DefaultConfig() Config {
	return Config{
		Mode:              ModeHybrid,
		InitTimeout:       time.Second,
		HeartbeatInterval: 30 * time.Second,
		PollInterval:      5 * time.Second,
	}
}

// Option configures a Discovery.
type Option func(*Discovery)

// WithConfig overrides the default Config.
func WithConfig(cfg Config) Option { return func(d *Discovery) { d.cfg = cfg } }

// WithCentralClient supplies the central-directory backend.
func WithCentralClient(c CentralClient) Option { return func(d *Discovery) { d.central = c } }

// WithAnnouncer supplies the p2p announcement backend.
func WithAnnouncer(a Announcer) Option { return func(d *Discovery) { d.announcer = a } }

// WithSink sets the event sink.
func WithSink(s Sink) Option { return func(d *Discovery) { d.sink = s } }

// WithObservability sets the logger/metrics/tracer.
func WithObservability(logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) Option {
	return func(d *Discovery) { d.obs = NewObservability(logger, metrics, tracer) }
}

// Discovery converges a central directory and a p2p announcement
// channel into one membership view. It is single-writer: every
// mutation happens on the poll/heartbeat goroutines or under mu.
type Discovery struct {
	mu sync.Mutex

	cfg       Config
	mode      Mode
	central   CentralClient
	announcer Announcer

	centralCache *ProfileCache
	p2pCache     *ProfileCache

	sink Sink
	obs  *Observability

	pollCancel      context.CancelFunc
	pollWg          sync.WaitGroup
	heartbeatCancel context.CancelFunc
	heartbeatWg     sync.WaitGroup

	self types.AgentProfile
}

// New constructs a Discovery. Initialize must be called before
// DiscoverAgents/SendHeartbeat do anything useful.
func New(opts ...Option) *Discovery {
	d := &Discovery{
		cfg:          DefaultConfig(),
		mode:         ModeNone,
		announcer:    newNoopAnnouncer(),
		centralCache: NewProfileCache(),
		p2pCache:     NewProfileCache(),
		sink:         noopSink{},
		obs:          NewObservability(nil, nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.cfg.InitTimeout <= 0 {
		d.cfg.InitTimeout = time.Second
	}
	if d.cfg.HeartbeatInterval <= 0 {
		d.cfg.HeartbeatInterval = 30 * time.Second
	}
	if d.cfg.PollInterval <= 0 {
		d.cfg.PollInterval = 5 * time.Second
	}
	if d.announcer == nil {
		d.announcer = newNoopAnnouncer()
	}
	return d
}

// Mode reports the backend combination converged on at Initialize.
func (d *Discovery) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Initialize attempts each requested backend with a bounded timeout
// and retains whichever succeed. It never returns an error: a
// reachability failure degrades Mode toward "none" rather than
// aborting startup.
func (d *Discovery) Initialize(ctx context.Context) error {
	start := time.Now()
	ctx, span := d.obs.StartSpan(ctx, OpInitialize, attribute.String("requested_mode", string(d.cfg.Mode)))
	defer func() {
		d.obs.EndSpan(span, OutcomeSuccess, nil)
	}()

	if d.cfg.Mode == ModeLazy {
		d.mu.Lock()
		d.mode = ModeLazy
		d.mu.Unlock()
		d.obs.LogOperation(ctx, OperationEvent{Operation: OpInitialize, Backend: "lazy", Duration: time.Since(start), Outcome: OutcomeSuccess})
		return nil
	}

	wantCentral := d.cfg.Mode == ModeCentral || d.cfg.Mode == ModeHybrid
	wantP2P := d.cfg.Mode == ModeP2P || d.cfg.Mode == ModeHybrid

	centralOK := d.probeCentral(ctx, wantCentral)
	p2pOK := d.probeP2P(ctx, wantP2P)

	var mode Mode
	switch {
	case centralOK && p2pOK:
		mode = ModeHybrid
	case centralOK:
		mode = ModeCentral
	case p2pOK:
		mode = ModeP2P
	default:
		mode = ModeNone
	}

	d.mu.Lock()
	d.mode = mode
	d.mu.Unlock()

	d.obs.LogOperation(ctx, OperationEvent{Operation: OpInitialize, Backend: string(mode), Duration: time.Since(start), Outcome: OutcomeSuccess})
	d.sink.Publish(Event{Type: EventRegistryConnected, Mode: mode})

	if mode != ModeNone {
		d.startPollLoop()
	}
	return nil
}

func (d *Discovery) probeCentral(ctx context.Context, want bool) bool {
	if !want || d.central == nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, d.cfg.InitTimeout)
	defer cancel()
	_, err := d.central.Discover(probeCtx)
	if err != nil {
		d.obs.LogOperation(ctx, OperationEvent{Operation: OpInitialize, Backend: "central", Outcome: OutcomeError, Error: err.Error()})
		return false
	}
	return true
}

func (d *Discovery) probeP2P(ctx context.Context, want bool) bool {
	if !want {
		return false
	}
	if _, ok := d.announcer.(*noopAnnouncer); ok {
		return false
	}
	_, err := d.announcer.Browse()
	if err != nil {
		d.obs.LogOperation(ctx, OperationEvent{Operation: OpInitialize, Backend: "p2p", Outcome: OutcomeError, Error: err.Error()})
		return false
	}
	return true
}

// DiscoverAgents returns the merged membership view. In hybrid mode,
// central entries take precedence for duplicate ids.
func (d *Discovery) DiscoverAgents(ctx context.Context) ([]types.AgentProfile, error) {
	start := time.Now()
	ctx, span := d.obs.StartSpan(ctx, OpDiscover)
	var opErr error
	defer func() {
		outcome := OutcomeSuccess
		if opErr != nil {
			outcome = OutcomeError
		}
		d.obs.LogOperation(ctx, OperationEvent{Operation: OpDiscover, Duration: time.Since(start), Outcome: outcome, Error: errString(opErr)})
		d.obs.RecordOperationMetrics(OperationEvent{Operation: OpDiscover, Duration: time.Since(start), Outcome: outcome})
		d.obs.EndSpan(span, outcome, opErr)
	}()

	mode := d.Mode()
	if mode == ModeNone || mode == ModeLazy {
		return nil, nil
	}

	if mode == ModeCentral || mode == ModeHybrid {
		if profiles, err := d.central.Discover(ctx); err == nil {
			for _, p := range profiles {
				d.centralCache.Put(p, "central", 0)
			}
		} else {
			opErr = err
		}
	}
	if mode == ModeP2P || mode == ModeHybrid {
		if profiles, err := d.announcer.Browse(); err == nil {
			for _, p := range profiles {
				d.p2pCache.Put(p, "p2p", 3*d.cfg.HeartbeatInterval)
			}
		}
	}

	merged := MergePreferCentral(d.centralCache.All(), d.p2pCache.All())
	out := make([]types.AgentProfile, 0, len(merged))
	for _, p := range merged {
		out = append(out, p)
	}
	return out, opErr
}

// RegisterWithCentral posts profile to the central directory, when
// one is configured and reachable, and begins announcing it over p2p
// when that backend is active.
func (d *Discovery) RegisterWithCentral(ctx context.Context, profile types.AgentProfile) error {
	start := time.Now()
	ctx, span := d.obs.StartSpan(ctx, OpRegister, attribute.String("agent_id", profile.AgentID))
	var opErr error
	defer func() {
		outcome := OutcomeSuccess
		if opErr != nil {
			outcome = OutcomeError
		}
		d.obs.LogOperation(ctx, OperationEvent{Operation: OpRegister, Duration: time.Since(start), Outcome: outcome, Error: errString(opErr)})
		d.obs.RecordOperationMetrics(OperationEvent{Operation: OpRegister, Duration: time.Since(start), Outcome: outcome})
		d.obs.EndSpan(span, outcome, opErr)
	}()

	d.mu.Lock()
	d.self = profile
	mode := d.mode
	d.mu.Unlock()

	if mode == ModeCentral || mode == ModeHybrid {
		if d.central != nil {
			if err := d.central.Register(ctx, profile); err != nil {
				opErr = err
				return err
			}
		}
	}
	if mode == ModeP2P || mode == ModeHybrid {
		if err := d.announcer.Announce(ctx, profile); err != nil {
			opErr = err
			return err
		}
	}
	return nil
}

// SendHeartbeat starts the periodic status refresh loop: while the
// mode is central or hybrid, a status update is issued every
// HeartbeatInterval (default 30s). Calling it more than once
// restarts the loop.
func (d *Discovery) SendHeartbeat(ctx context.Context) {
	d.mu.Lock()
	if d.heartbeatCancel != nil {
		d.heartbeatCancel()
		d.heartbeatWg.Wait()
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	d.heartbeatCancel = cancel
	d.mu.Unlock()

	d.heartbeatWg.Add(1)
	go d.heartbeatLoop(loopCtx)
}

func (d *Discovery) heartbeatLoop(ctx context.Context) {
	defer d.heartbeatWg.Done()
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sendOneHeartbeat(ctx)
		}
	}
}

func (d *Discovery) sendOneHeartbeat(ctx context.Context) {
	d.mu.Lock()
	mode := d.mode
	self := d.self
	d.mu.Unlock()
	if self.AgentID == "" || (mode != ModeCentral && mode != ModeHybrid) {
		return
	}
	start := time.Now()
	ctx, span := d.obs.StartSpan(ctx, OpHeartbeat, attribute.String("agent_id", self.AgentID))
	var opErr error
	if d.central != nil {
		opErr = d.central.UpdateStatus(ctx, self.AgentID, types.AgentOnline, self.Load)
	}
	outcome := OutcomeSuccess
	if opErr != nil {
		outcome = OutcomeError
	}
	d.obs.LogOperation(ctx, OperationEvent{Operation: OpHeartbeat, Duration: time.Since(start), Outcome: outcome, Error: errString(opErr)})
	d.obs.EndSpan(span, outcome, opErr)
}

// startPollLoop periodically diffs the merged membership view against
// the previous snapshot, emitting agent:discovered/agent:lost.
func (d *Discovery) startPollLoop() {
	d.mu.Lock()
	if d.pollCancel != nil {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.pollCancel = cancel
	d.mu.Unlock()

	d.pollWg.Add(1)
	go func() {
		defer d.pollWg.Done()
		ticker := time.NewTicker(d.cfg.PollInterval)
		defer ticker.Stop()
		known := make(map[string]struct{})
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				profiles, _ := d.DiscoverAgents(ctx)
				seen := make(map[string]struct{}, len(profiles))
				for i := range profiles {
					p := profiles[i]
					seen[p.AgentID] = struct{}{}
					if _, ok := known[p.AgentID]; !ok {
						d.sink.Publish(Event{Type: EventAgentDiscovered, Profile: &p})
					}
				}
				for id := range known {
					if _, ok := seen[id]; !ok {
						d.centralCache.Delete(id)
						d.p2pCache.Delete(id)
						d.sink.Publish(Event{Type: EventAgentLost, AgentID: id})
					}
				}
				for _, id := range d.p2pCache.Sweep() {
					if _, ok := seen[id]; ok {
						d.sink.Publish(Event{Type: EventAgentLost, AgentID: id})
					}
				}
				known = seen
			}
		}
	}()
}

// Shutdown stops the poll and heartbeat loops, releases the
// announcer, and emits a terminal shutdown event.
func (d *Discovery) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	pollCancel := d.pollCancel
	heartbeatCancel := d.heartbeatCancel
	d.pollCancel = nil
	d.heartbeatCancel = nil
	d.mu.Unlock()

	if pollCancel != nil {
		pollCancel()
		d.pollWg.Wait()
	}
	if heartbeatCancel != nil {
		heartbeatCancel()
		d.heartbeatWg.Wait()
	}
	err := d.announcer.Close()
	d.sink.Publish(Event{Type: EventShutdown})
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
