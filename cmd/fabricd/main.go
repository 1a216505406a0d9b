// Command fabricd runs a single fabric node: it wires the Registry,
// Discovery, Router, Task Manager, and transport into one JSON-RPC
// server and serves it until terminated.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"
	"gopkg.in/yaml.v3"

	"github.com/a2a-fabric/core/a2a"
	"github.com/a2a-fabric/core/discovery"
	"github.com/a2a-fabric/core/registry"
	"github.com/a2a-fabric/core/router"
	"github.com/a2a-fabric/core/task"
	"github.com/a2a-fabric/core/telemetry"
	"github.com/a2a-fabric/core/transport"
	"github.com/a2a-fabric/core/types"
)

func main() {
	cfg := NewConfig()
	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

// RedisAddr, when set, backs the p2p announcement channel with a
// Pulse replicated map over Redis (rmap.Join). Left unset, Discovery
// runs central-only (or none, if CentralURL is also unset) — degraded
// but functional.
const envRedisAddr = "FABRIC_REDIS_ADDR"

// Config holds the process-level settings a fabric node needs, loaded
// from environment variables with an optional YAML overlay.
type Config struct {
	AgentID              string `yaml:"agentId"`
	AgentType            string `yaml:"agentType"`
	ListenAddr           string `yaml:"listenAddr"`
	PublicURL            string `yaml:"publicUrl"`
	CentralURL           string `yaml:"centralUrl"`
	RedisAddr            string `yaml:"redisAddr"`
	DiscoveryMode        string `yaml:"discoveryMode"`
	UseClueTelemetry     bool   `yaml:"useClueTelemetry"`
	HostCentralDirectory bool   `yaml:"hostCentralDirectory"`
}

// Environment variables read by NewConfig, mirroring the
// AGENTHUB_*/*_PORT naming convention used elsewhere in the pack for
// process configuration.
const (
	envAgentID       = "FABRIC_AGENT_ID"
	envAgentType     = "FABRIC_AGENT_TYPE"
	envListenAddr    = "FABRIC_LISTEN_ADDR"
	envPublicURL     = "FABRIC_PUBLIC_URL"
	envCentralURL    = "FABRIC_CENTRAL_URL"
	envDiscoveryMode = "FABRIC_DISCOVERY_MODE"
	envUseClue       = "FABRIC_USE_CLUE_TELEMETRY"
	envHostCentral   = "FABRIC_HOST_CENTRAL_DIRECTORY"
	envConfigFile    = "FABRIC_CONFIG_FILE"
)

// NewConfig builds a Config from environment variables, defaulting
// every field, then overlays a YAML file named by FABRIC_CONFIG_FILE
// when one is set. Env vars win over file values left unset in the
// file; the file is optional and its absence is not an error.
func NewConfig() *Config {
	cfg := &Config{
		AgentID:              getEnvWithDefault(envAgentID, "fabric-node"),
		AgentType:            getEnvWithDefault(envAgentType, "generic"),
		ListenAddr:           getEnvWithDefault(envListenAddr, ":8080"),
		PublicURL:            getEnvWithDefault(envPublicURL, "http://localhost:8080"),
		CentralURL:           os.Getenv(envCentralURL),
		RedisAddr:            os.Getenv(envRedisAddr),
		DiscoveryMode:        getEnvWithDefault(envDiscoveryMode, string(discovery.ModeHybrid)),
		UseClueTelemetry:     os.Getenv(envUseClue) == "true",
		HostCentralDirectory: os.Getenv(envHostCentral) == "true",
	}
	if path := os.Getenv(envConfigFile); path != "" {
		if err := overlayFromFile(cfg, path); err != nil {
			log.Printf("fabricd: ignoring config file %s: %v", path, err)
		}
	}
	return cfg
}

func overlayFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	mergeConfig(cfg, &fileCfg)
	return nil
}

func mergeConfig(dst, src *Config) {
	if src.AgentID != "" {
		dst.AgentID = src.AgentID
	}
	if src.AgentType != "" {
		dst.AgentType = src.AgentType
	}
	if src.ListenAddr != "" {
		dst.ListenAddr = src.ListenAddr
	}
	if src.PublicURL != "" {
		dst.PublicURL = src.PublicURL
	}
	if src.CentralURL != "" {
		dst.CentralURL = src.CentralURL
	}
	if src.DiscoveryMode != "" {
		dst.DiscoveryMode = src.DiscoveryMode
	}
	if src.RedisAddr != "" {
		dst.RedisAddr = src.RedisAddr
	}
	if src.UseClueTelemetry {
		dst.UseClueTelemetry = true
	}
	if src.HostCentralDirectory {
		dst.HostCentralDirectory = true
	}
}

func getEnvWithDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// node bundles every wired component plus the HTTP server exposing
// them, the way the pack's AgentHubServer bundles a gRPC server with
// its observability and health-check wiring.
type node struct {
	cfg     *Config
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
	reg     *registry.Registry
	disc    *discovery.Discovery
	rtr     *router.Router
	tasks   *task.Manager
	server  *a2a.Server
	httpSrv *http.Server
}

func newNode(ctx context.Context, cfg *Config) (*node, error) {
	var logger telemetry.Logger = telemetry.NewNoopLogger()
	var metrics telemetry.Metrics = telemetry.NewNoopMetrics()
	var tracer telemetry.Tracer = telemetry.NewNoopTracer()
	if cfg.UseClueTelemetry {
		logger = telemetry.NewClueLogger()
		metrics = telemetry.NewClueMetrics()
		tracer = telemetry.NewClueTracer()
	}

	reg := registry.New(registry.WithLogger(logger), registry.WithMetrics(metrics), registry.WithTracer(tracer))

	var discOpts []discovery.Option
	discCfg := discovery.DefaultConfig()
	discCfg.Mode = discovery.Mode(cfg.DiscoveryMode)
	discOpts = append(discOpts,
		discovery.WithConfig(discCfg),
		discovery.WithObservability(logger, metrics, tracer),
		discovery.WithSink(registryDiscoverySink{reg: reg, logger: logger}),
	)
	if cfg.CentralURL != "" {
		discOpts = append(discOpts, discovery.WithCentralClient(discovery.NewHTTPCentralClient(cfg.CentralURL, nil)))
	}
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		agentsMap, err := rmap.Join(ctx, "fabric:agents", redisClient)
		if err != nil {
			return nil, fmt.Errorf("join p2p replicated map: %w", err)
		}
		discOpts = append(discOpts, discovery.WithAnnouncer(discovery.NewRMapAnnouncer(agentsMap)))
	}
	disc := discovery.New(discOpts...)

	adapter := transport.New()
	rtr := router.New(reg, adapter, router.DefaultConfig(), router.WithLogger(logger), router.WithMetrics(metrics), router.WithTracer(tracer))

	tasks := task.New(task.WithLogger(logger), task.WithMetrics(metrics), task.WithTracer(tracer))

	card := types.AgentCard{
		ProtocolVersion:    "1.0",
		Name:               cfg.AgentID,
		URL:                cfg.PublicURL,
		PreferredTransport: "jsonrpc",
	}
	server := a2a.NewServer(cfg.AgentID, card, tasks, rtr, reg, a2a.WithAgentID(cfg.AgentID), a2a.WithObservability(logger, metrics, tracer))

	mux := http.NewServeMux()
	mux.Handle("/", server)
	if cfg.HostCentralDirectory {
		mux.Handle("/api/registry/", discovery.NewCentralServer(registryCentralStore{reg}))
	}

	return &node{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		reg:     reg,
		disc:    disc,
		rtr:     rtr,
		tasks:   tasks,
		server:  server,
		httpSrv: &http.Server{Addr: cfg.ListenAddr, Handler: mux},
	}, nil
}

// Start brings every background loop up and begins serving HTTP. It
// blocks until the server stops (on Shutdown or a listener error).
func (n *node) Start(ctx context.Context) error {
	if err := n.disc.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize discovery: %w", err)
	}
	n.disc.SendHeartbeat(ctx)
	n.reg.StartCleanup(ctx, time.Minute)
	n.rtr.Start(ctx)

	n.logger.Info(ctx, "fabricd listening", "addr", n.cfg.ListenAddr, "agent_id", n.cfg.AgentID, "discovery_mode", string(n.disc.Mode()))

	err := n.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops every background loop and drains in-flight HTTP
// requests within the given context's deadline.
func (n *node) Shutdown(ctx context.Context) error {
	var errs []error
	if err := n.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	n.rtr.Stop()
	n.reg.StopCleanup()
	if err := n.disc.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("discovery shutdown: %w", err))
	}
	return errors.Join(errs...)
}

func run(cfg *Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := newNode(ctx, cfg)
	if err != nil {
		return fmt.Errorf("wire fabric node: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- n.Start(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return n.Shutdown(shutdownCtx)
}

// registryDiscoverySink feeds agents Discovery learns about into the
// local Registry, so a peer announced over the p2p channel or found
// in the central directory becomes routable the same way a directly
// registered agent is. agent:lost only evicts Discovery's own cache
// (see discovery.Discovery), so it is intentionally not handled here.
type registryDiscoverySink struct {
	reg    *registry.Registry
	logger telemetry.Logger
}

func (s registryDiscoverySink) Publish(evt discovery.Event) {
	if evt.Type != discovery.EventAgentDiscovered || evt.Profile == nil {
		return
	}
	if result := s.reg.Register(context.Background(), *evt.Profile, true); !result.Success {
		s.logger.Info(context.Background(), "discovered agent not registered", "agent_id", evt.Profile.AgentID, "error", result.Error)
	}
}

// registryCentralStore adapts *registry.Registry to discovery.CentralStore,
// so a fabric node can host its own central directory instead of
// depending on an external one (FABRIC_HOST_CENTRAL_DIRECTORY=true).
type registryCentralStore struct {
	reg *registry.Registry
}

func (s registryCentralStore) Register(ctx context.Context, profile types.AgentProfile, upsert bool) (bool, error) {
	result := s.reg.Register(ctx, profile, upsert)
	return result.Success, result.Error
}

func (s registryCentralStore) Get(agentID string) (types.AgentProfile, bool) {
	return s.reg.Get(agentID)
}

func (s registryCentralStore) List() []types.AgentProfile {
	return s.reg.GetTopology().Agents
}

func (s registryCentralStore) UpdateStatus(agentID string, status types.AgentStatus, load float64) error {
	if err := s.reg.UpdateStatus(agentID, status); err != nil {
		return err
	}
	return s.reg.SetMetadata(agentID, "load", load)
}

func (s registryCentralStore) Unregister(ctx context.Context, agentID string) error {
	s.reg.Unregister(ctx, agentID)
	return nil
}
