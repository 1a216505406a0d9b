// Package task implements the Task Manager: task creation and
// execution, the TaskState lifecycle machine, streaming status and
// artifact events, executor metrics, and push-notification
// configuration storage.
package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/a2a-fabric/core/internal/jsonrpc"
	"github.com/a2a-fabric/core/telemetry"
	"github.com/a2a-fabric/core/types"
)

// Event is a streaming update delivered to a task's subscribers.
// Exactly one of Status or Artifact is set, unless Done is set alone
// to mark the end of the subscription (after the task reached a
// terminal state and every prior event has been delivered).
type Event struct {
	Status   *types.StatusUpdateEvent
	Artifact *types.ArtifactUpdateEvent
	Done     bool
}

// RequestContext is handed to an Executor for one task execution.
type RequestContext struct {
	TaskID    string
	ContextID string
	Message   types.Message
	Metadata  map[string]any
}

// EventBus lets an Executor report progress. Publish calls are
// serialized per task; an executor may call them from any goroutine.
type EventBus interface {
	// Status reports a new task status. final marks the task as having
	// reached a terminal state; no further events are accepted afterward.
	Status(state types.TaskState, msg *types.Message, final bool)
	// Artifact reports a new or appended artifact chunk.
	Artifact(artifact types.Artifact, append, lastChunks bool)
}

// Executor runs a task to completion, reporting progress through bus
// and returning the final result (or an error, which the Manager
// turns into a failed status).
type Executor func(ctx context.Context, rc RequestContext, bus EventBus) (*types.TaskResult, error)

// CreateOptions configures CreateTask.
type CreateOptions struct {
	// ContextID groups related tasks; a new one is generated if empty.
	ContextID string
	// Timeout, if non-zero, cancels the task if it has not reached a
	// terminal state within the duration.
	Timeout time.Duration
	// Metadata is passed through to the Executor's RequestContext.
	Metadata map[string]any
}

// ExecutorMetrics tracks incremental-mean execution statistics across
// every task the Manager has run.
type ExecutorMetrics struct {
	TotalExecutions       int64
	SuccessfulExecutions  int64
	FailedExecutions      int64
	CancelledExecutions   int64
	AverageExecutionTime  time.Duration
	LastExecutionTime     time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option { return func(m *Manager) { m.obs.logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(mt telemetry.Metrics) Option { return func(m *Manager) { m.obs.metrics = mt } }

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option { return func(m *Manager) { m.obs.tracer = t } }

// WithResultStream attaches an optional distributed result-stream
// backend so that a task created on one fabric node can be awaited
// from another.
func WithResultStream(rs ResultStreamManager) Option {
	return func(m *Manager) { m.resultStream = rs }
}

type taskRecord struct {
	mu          sync.Mutex
	task        types.Task
	subscribers map[int]chan Event
	nextSub     int
	cancel      context.CancelFunc
	timer       *time.Timer
}

// Manager owns the lifecycle of every task in a fabric node: creation,
// execution, state transitions, streaming subscriptions, and
// push-notification configuration.
type Manager struct {
	mu           sync.RWMutex
	tasks        map[string]*taskRecord
	pushConfigs  map[string][]types.PushNotificationConfig
	metrics      ExecutorMetrics
	metricsMu    sync.Mutex
	obs          *Observability
	resultStream ResultStreamManager
}

// New constructs an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		tasks:       make(map[string]*taskRecord),
		pushConfigs: make(map[string][]types.PushNotificationConfig),
		obs:         NewObservability(nil, nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// ErrTaskNotFound is returned by operations targeting an unknown task id.
var ErrTaskNotFound = jsonrpc.Newf(jsonrpc.ErrTaskNotFound, "task not found")

// ErrTaskNotCancelable is returned by CancelTask when the task has
// already reached a terminal state.
var ErrTaskNotCancelable = jsonrpc.Newf(jsonrpc.ErrTaskNotCancelable, "task is not in a cancelable state")

// CreateTask admits a new task and starts executor in the background,
// returning the task's record, already moved to in-progress. Callers
// track progress via Subscribe or by polling GetTask.
func (m *Manager) CreateTask(ctx context.Context, msg types.Message, exec Executor, opts CreateOptions) (types.Task, error) {
	start := time.Now()
	ctx, span := m.obs.StartSpan(ctx, OpCreateTask)
	var outcome OperationOutcome
	var opErr error
	defer func() {
		m.obs.LogOperation(ctx, OperationEvent{Operation: OpCreateTask, Duration: time.Since(start), Outcome: outcome, Error: errString(opErr)})
		m.obs.RecordOperationMetrics(OperationEvent{Operation: OpCreateTask, Duration: time.Since(start), Outcome: outcome})
		m.obs.EndSpan(span, outcome, opErr)
	}()

	if err := msg.Validate(); err != nil {
		outcome, opErr = OutcomeError, err
		return types.Task{}, err
	}

	contextID := opts.ContextID
	if contextID == "" {
		contextID = types.NewID()
	}
	now := time.Now()
	taskID := types.NewID()
	rec := &taskRecord{
		task: types.Task{
			ID:        taskID,
			ContextID: contextID,
			Status:    types.TaskStatus{State: types.TaskSubmitted, Timestamp: now},
			History:   []types.Message{msg},
			CreatedAt: now,
			UpdatedAt: now,
			Metadata:  opts.Metadata,
		},
		subscribers: make(map[int]chan Event),
	}

	execCtx, cancel := context.WithCancel(context.Background())
	rec.cancel = cancel
	if opts.Timeout > 0 {
		rec.timer = time.AfterFunc(opts.Timeout, func() { m.timeoutTask(taskID) })
	}

	m.mu.Lock()
	m.tasks[taskID] = rec
	m.mu.Unlock()

	bus := &eventBus{m: m, rec: rec}
	m.transition(rec, types.TaskInProgress, nil, false)

	go m.run(execCtx, rec, exec, RequestContext{TaskID: taskID, ContextID: contextID, Message: msg, Metadata: opts.Metadata}, bus)

	outcome = OutcomeSuccess
	return rec.snapshot(), nil
}

// run invokes the executor, records the final state, and closes out
// subscribers and timers.
func (m *Manager) run(ctx context.Context, rec *taskRecord, exec Executor, rc RequestContext, bus *eventBus) {
	start := time.Now()
	result, err := exec(ctx, rc, bus)
	elapsed := time.Since(start)

	rec.mu.Lock()
	alreadyTerminal := rec.task.Status.State.Terminal()
	rec.mu.Unlock()
	if alreadyTerminal {
		// The executor reported a terminal status itself (completed,
		// failed, or the task was cancelled mid-flight); don't overwrite it.
		m.recordMetrics(rec.task.Status.State, elapsed)
		m.finishTask(rec)
		return
	}

	if err != nil {
		m.transition(rec, types.TaskFailed, &types.Message{Role: "agent", Parts: []types.Part{{Kind: types.PartText, Text: err.Error()}}}, true)
		m.recordMetrics(types.TaskFailed, elapsed)
		m.finishTask(rec)
		return
	}

	rec.mu.Lock()
	if result != nil {
		rec.task.Results = result
		rec.task.Artifacts = append(rec.task.Artifacts, result.Artifacts...)
	}
	rec.mu.Unlock()
	m.transition(rec, types.TaskCompleted, nil, true)
	m.recordMetrics(types.TaskCompleted, elapsed)
	m.finishTask(rec)

	if m.resultStream != nil && result != nil {
		_ = m.resultStream.PublishResult(context.Background(), rec.task.ID, &ResultMessage{TaskID: rec.task.ID, Result: result.Result})
	}
}

func (m *Manager) finishTask(rec *taskRecord) {
	rec.mu.Lock()
	if rec.timer != nil {
		rec.timer.Stop()
	}
	subs := make([]chan Event, 0, len(rec.subscribers))
	for id, ch := range rec.subscribers {
		subs = append(subs, ch)
		delete(rec.subscribers, id)
	}
	rec.mu.Unlock()
	for _, ch := range subs {
		ch <- Event{Done: true}
		close(ch)
	}
}

func (m *Manager) recordMetrics(final types.TaskState, elapsed time.Duration) {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()
	m.metrics.TotalExecutions++
	n := float64(m.metrics.TotalExecutions)
	prev := m.metrics.AverageExecutionTime
	m.metrics.AverageExecutionTime = prev + time.Duration((elapsed-prev).Seconds()/n*float64(time.Second))
	m.metrics.LastExecutionTime = time.Now()
	switch final {
	case types.TaskCompleted:
		m.metrics.SuccessfulExecutions++
	case types.TaskFailed:
		m.metrics.FailedExecutions++
	case types.TaskCancelled:
		m.metrics.CancelledExecutions++
	}
}

// Metrics returns a snapshot of the Manager's executor metrics.
func (m *Manager) Metrics() ExecutorMetrics {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()
	return m.metrics
}

// transition moves a task to a new state if legal, recording the
// status update and notifying subscribers. Illegal transitions are
// silently ignored: an executor racing with a cancellation should not
// crash the task.
func (m *Manager) transition(rec *taskRecord, next types.TaskState, msg *types.Message, final bool) {
	rec.mu.Lock()
	current := rec.task.Status.State
	if !current.CanTransition(next) && current != next {
		rec.mu.Unlock()
		return
	}
	now := time.Now()
	rec.task.Status = types.TaskStatus{State: next, Message: msg, Timestamp: now}
	rec.task.UpdatedAt = now
	if msg != nil {
		rec.task.History = append(rec.task.History, *msg)
	}
	event := types.StatusUpdateEvent{
		TaskID:    rec.task.ID,
		ContextID: rec.task.ContextID,
		Kind:      types.EventStatusUpdate,
		Status:    rec.task.Status,
		Final:     final,
	}
	subs := make([]chan Event, 0, len(rec.subscribers))
	for _, ch := range rec.subscribers {
		subs = append(subs, ch)
	}
	rec.mu.Unlock()

	for _, ch := range subs {
		ch <- Event{Status: &event}
	}
}

func (m *Manager) addArtifact(rec *taskRecord, artifact types.Artifact, appendChunk, lastChunks bool) {
	rec.mu.Lock()
	if appendChunk && len(rec.task.Artifacts) > 0 {
		last := &rec.task.Artifacts[len(rec.task.Artifacts)-1]
		if last.ArtifactID == artifact.ArtifactID {
			last.Parts = append(last.Parts, artifact.Parts...)
		} else {
			rec.task.Artifacts = append(rec.task.Artifacts, artifact)
		}
	} else {
		rec.task.Artifacts = append(rec.task.Artifacts, artifact)
	}
	rec.task.UpdatedAt = time.Now()
	event := types.ArtifactUpdateEvent{
		TaskID:     rec.task.ID,
		ContextID:  rec.task.ContextID,
		Kind:       types.EventArtifactUpdate,
		Artifact:   artifact,
		Append:     appendChunk,
		LastChunks: lastChunks,
	}
	subs := make([]chan Event, 0, len(rec.subscribers))
	for _, ch := range rec.subscribers {
		subs = append(subs, ch)
	}
	rec.mu.Unlock()

	for _, ch := range subs {
		ch <- Event{Artifact: &event}
	}
}

// GetTask returns a snapshot of a task's current record.
func (m *Manager) GetTask(taskID string) (types.Task, error) {
	rec, ok := m.record(taskID)
	if !ok {
		return types.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return rec.snapshot(), nil
}

// CancelTask transitions a task to cancelled, signalling the
// executor's context and stopping any pending timeout. Returns
// ErrTaskNotCancelable if the task already reached a terminal state.
func (m *Manager) CancelTask(ctx context.Context, taskID string) (types.Task, error) {
	start := time.Now()
	var outcome OperationOutcome
	var opErr error
	defer func() {
		m.obs.LogOperation(ctx, OperationEvent{Operation: OpCancelTask, TaskID: taskID, Duration: time.Since(start), Outcome: outcome, Error: errString(opErr)})
	}()

	rec, ok := m.record(taskID)
	if !ok {
		outcome, opErr = OutcomeError, ErrTaskNotFound
		return types.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	rec.mu.Lock()
	if rec.task.Status.State.Terminal() {
		rec.mu.Unlock()
		outcome, opErr = OutcomeError, ErrTaskNotCancelable
		return types.Task{}, fmt.Errorf("%w: %s", ErrTaskNotCancelable, taskID)
	}
	cancel := rec.cancel
	rec.mu.Unlock()

	m.transition(rec, types.TaskCancelled, nil, true)
	if cancel != nil {
		cancel()
	}
	m.recordMetrics(types.TaskCancelled, 0)
	m.finishTask(rec)
	outcome = OutcomeSuccess
	return rec.snapshot(), nil
}

func (m *Manager) timeoutTask(taskID string) {
	rec, ok := m.record(taskID)
	if !ok {
		return
	}
	rec.mu.Lock()
	terminal := rec.task.Status.State.Terminal()
	cancel := rec.cancel
	rec.mu.Unlock()
	if terminal {
		return
	}
	timeoutMsg := &types.Message{Role: "agent", Parts: []types.Part{{Kind: types.PartText, Text: "task execution timed out"}}}
	m.transition(rec, types.TaskCancelled, timeoutMsg, true)
	if cancel != nil {
		cancel()
	}
	m.recordMetrics(types.TaskCancelled, 0)
	m.finishTask(rec)
	m.obs.LogOperation(context.Background(), OperationEvent{Operation: OpTimeout, TaskID: taskID, Outcome: OutcomeSuccess})
}

// Subscribe streams status and artifact events for a task as they
// occur, replaying nothing: a subscriber joining mid-task only sees
// events from that point forward, matching tasks/resubscribe
// semantics. The returned function unsubscribes and must be called
// exactly once.
func (m *Manager) Subscribe(taskID string) (<-chan Event, func(), error) {
	rec, ok := m.record(taskID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	ch := make(chan Event, 16)
	if rec.task.Status.State.Terminal() {
		ch <- Event{Done: true}
		close(ch)
		return ch, func() {}, nil
	}
	id := rec.nextSub
	rec.nextSub++
	rec.subscribers[id] = ch
	unsubscribe := func() {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if c, ok := rec.subscribers[id]; ok {
			delete(rec.subscribers, id)
			close(c)
		}
	}
	return ch, unsubscribe, nil
}

func (m *Manager) record(taskID string) (*taskRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tasks[taskID]
	return rec, ok
}

func (rec *taskRecord) snapshot() types.Task {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	t := rec.task
	t.History = append([]types.Message(nil), rec.task.History...)
	t.Artifacts = append([]types.Artifact(nil), rec.task.Artifacts...)
	return t
}

// SetPushNotificationConfig stores (or replaces, by URL) a
// push-notification target for a task.
func (m *Manager) SetPushNotificationConfig(taskID string, cfg types.PushNotificationConfig) error {
	if _, ok := m.record(taskID); !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	cfg.TaskID = taskID
	m.mu.Lock()
	defer m.mu.Unlock()
	configs := m.pushConfigs[taskID]
	for i, existing := range configs {
		if existing.URL == cfg.URL {
			configs[i] = cfg
			m.pushConfigs[taskID] = configs
			return nil
		}
	}
	m.pushConfigs[taskID] = append(configs, cfg)
	return nil
}

// ListPushNotificationConfigs returns every configured push target for a task.
func (m *Manager) ListPushNotificationConfigs(taskID string) ([]types.PushNotificationConfig, error) {
	if _, ok := m.record(taskID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.PushNotificationConfig(nil), m.pushConfigs[taskID]...), nil
}

// DeletePushNotificationConfig removes a push target by URL.
func (m *Manager) DeletePushNotificationConfig(taskID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	configs := m.pushConfigs[taskID]
	for i, existing := range configs {
		if existing.URL == url {
			m.pushConfigs[taskID] = append(configs[:i], configs[i+1:]...)
			return nil
		}
	}
	return nil
}

type eventBus struct {
	m   *Manager
	rec *taskRecord
}

func (b *eventBus) Status(state types.TaskState, msg *types.Message, final bool) {
	b.m.transition(b.rec, state, msg, final)
}

func (b *eventBus) Artifact(artifact types.Artifact, appendChunk, lastChunks bool) {
	b.m.addArtifact(b.rec, artifact, appendChunk, lastChunks)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
