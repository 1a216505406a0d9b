package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/a2a-fabric/core/internal/pulseclient"
)

type (
	// ResultStreamManager is the optional distributed backend for
	// cross-process task result delivery: a task executed on one
	// fabric node can be awaited by a subscriber on another. The
	// in-memory Manager is sufficient for a single process; this is
	// only needed when the Task Manager's Registry and Router are
	// sharded across nodes.
	//
	// taskId-to-streamId mappings are kept in Redis so WaitForResult
	// on one node can find a stream created by CreateResultStream on
	// another.
	ResultStreamManager interface {
		// CreateResultStream creates a temporary result stream for a task.
		// Returns the stream, a unique task id, and the stream id.
		CreateResultStream(ctx context.Context) (pulseclient.Stream, string, string, error)

		// GetResultStream returns the result stream for a task id if it exists.
		GetResultStream(ctx context.Context, taskID string) (pulseclient.Stream, error)

		// DestroyResultStream destroys the result stream for a task id.
		DestroyResultStream(ctx context.Context, taskID string) error

		// SetTTL sets the TTL on the result stream's Redis key.
		SetTTL(ctx context.Context, taskID string, ttl time.Duration) error

		// WaitForResult subscribes to the result stream and waits for a
		// result, destroying the stream on receipt or timeout.
		WaitForResult(ctx context.Context, taskID string, opts WaitForResultOptions) (*ResultMessage, error)

		// PublishResult publishes a result to the stream for a task id.
		PublishResult(ctx context.Context, taskID string, msg *ResultMessage) error
	}

	// ResultMessage is a message published to a task's result stream.
	ResultMessage struct {
		TaskID string          `json:"taskId"`
		Result json.RawMessage `json:"result,omitempty"`
		Error  *ResultError    `json:"error,omitempty"`
	}

	// ResultError carries a failed task's error details over the stream.
	ResultError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	// ResultStreamManagerOptions configures the result stream manager.
	ResultStreamManagerOptions struct {
		// Client opens the Pulse streams backing each task's result channel.
		Client pulseclient.Client
		// Redis stores taskId-to-streamId mappings and the per-stream TTL.
		Redis *redis.Client
		// MappingTTL is the TTL for taskId-to-streamId mappings in Redis.
		// Defaults to DefaultMappingTTL if not specified.
		MappingTTL time.Duration
	}

	redisResultStreamManager struct {
		client     pulseclient.Client
		rdb        *redis.Client
		mappingTTL time.Duration
		mu         sync.RWMutex
		streams    map[string]pulseclient.Stream // local cache keyed by taskId
	}
)

// DefaultMappingTTL is the default TTL for taskId-to-streamId mappings.
const DefaultMappingTTL = 5 * time.Minute

// MessageTypeResult is the stream event name for task results.
const MessageTypeResult = "result"

// ErrResultStreamNotFound is returned when no result stream exists for a task id.
var ErrResultStreamNotFound = fmt.Errorf("no result stream for task id")

// ErrResultTimeout is returned when waiting for a result times out.
var ErrResultTimeout = fmt.Errorf("timeout waiting for task result")

// NewRedisResultStream creates a new ResultStreamManager.
func NewRedisResultStream(opts ResultStreamManagerOptions) (ResultStreamManager, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("pulse client is required")
	}
	if opts.Redis == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	mappingTTL := opts.MappingTTL
	if mappingTTL == 0 {
		mappingTTL = DefaultMappingTTL
	}
	return &redisResultStreamManager{
		client:     opts.Client,
		rdb:        opts.Redis,
		mappingTTL: mappingTTL,
		streams:    make(map[string]pulseclient.Stream),
	}, nil
}

func streamIDForTask(taskID string) string { return fmt.Sprintf("task-result:%s", taskID) }

func redisKeyForMapping(taskID string) string { return fmt.Sprintf("task:result-stream:%s", taskID) }

// redisKeyForStream returns the Redis key backing a Pulse stream,
// under the prefix Pulse itself uses for stream keys.
func redisKeyForStream(streamID string) string { return fmt.Sprintf("pulse:stream:%s", streamID) }

// CreateResultStream creates a temporary result stream for a task.
func (m *redisResultStreamManager) CreateResultStream(ctx context.Context) (pulseclient.Stream, string, string, error) {
	taskID := uuid.New().String()
	streamID := streamIDForTask(taskID)

	stream, err := m.client.Stream(streamID)
	if err != nil {
		return nil, "", "", fmt.Errorf("create result stream: %w", err)
	}

	if err := m.rdb.Set(ctx, redisKeyForMapping(taskID), streamID, m.mappingTTL).Err(); err != nil {
		return nil, "", "", fmt.Errorf("store result stream mapping: %w", err)
	}

	m.mu.Lock()
	m.streams[taskID] = stream
	m.mu.Unlock()

	return stream, taskID, streamID, nil
}

// GetResultStream returns the result stream for a task id, checking
// the local cache first and falling back to the Redis mapping for
// cross-node delivery.
func (m *redisResultStreamManager) GetResultStream(ctx context.Context, taskID string) (pulseclient.Stream, error) {
	m.mu.RLock()
	if stream, ok := m.streams[taskID]; ok {
		m.mu.RUnlock()
		return stream, nil
	}
	m.mu.RUnlock()

	streamID, err := m.rdb.Get(ctx, redisKeyForMapping(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrResultStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup result stream mapping: %w", err)
	}

	stream, err := m.client.Stream(streamID)
	if err != nil {
		return nil, fmt.Errorf("get result stream: %w", err)
	}
	return stream, nil
}

// DestroyResultStream destroys the result stream for a task id.
func (m *redisResultStreamManager) DestroyResultStream(ctx context.Context, taskID string) error {
	m.mu.Lock()
	stream, ok := m.streams[taskID]
	delete(m.streams, taskID)
	m.mu.Unlock()

	_ = m.rdb.Del(ctx, redisKeyForMapping(taskID)).Err()

	if !ok {
		var err error
		stream, err = m.client.Stream(streamIDForTask(taskID))
		if err != nil {
			return fmt.Errorf("get stream for destroy: %w", err)
		}
	}
	if err := stream.Destroy(ctx); err != nil {
		return fmt.Errorf("destroy result stream: %w", err)
	}
	return nil
}

// SetTTL sets the TTL on the result stream's Redis key.
func (m *redisResultStreamManager) SetTTL(ctx context.Context, taskID string, ttl time.Duration) error {
	streamID := streamIDForTask(taskID)
	if err := m.rdb.Expire(ctx, redisKeyForStream(streamID), ttl).Err(); err != nil {
		return fmt.Errorf("set TTL on result stream: %w", err)
	}
	return nil
}

// WaitForResultOptions configures the WaitForResult operation.
type WaitForResultOptions struct {
	Timeout  time.Duration
	SinkName string
}

// WaitForResult subscribes to the result stream and waits for a
// result, destroying the stream on receipt or timeout.
func (m *redisResultStreamManager) WaitForResult(ctx context.Context, taskID string, opts WaitForResultOptions) (*ResultMessage, error) {
	stream, err := m.GetResultStream(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get result stream: %w", err)
	}

	sinkName := opts.SinkName
	if sinkName == "" {
		sinkName = "fabricd"
	}
	sink, err := stream.NewSink(ctx, sinkName)
	if err != nil {
		return nil, fmt.Errorf("create sink for result stream: %w", err)
	}
	defer sink.Close(ctx)

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	events := sink.Subscribe()
	for {
		select {
		case <-timeoutCtx.Done():
			_ = m.DestroyResultStream(ctx, taskID)
			if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
				return nil, ErrResultTimeout
			}
			return nil, timeoutCtx.Err()

		case event, ok := <-events:
			if !ok {
				return nil, fmt.Errorf("result stream closed unexpectedly")
			}
			var msg ResultMessage
			if err := json.Unmarshal(event.Payload, &msg); err != nil {
				_ = sink.Ack(ctx, event)
				continue
			}
			if msg.TaskID != taskID {
				_ = sink.Ack(ctx, event)
				continue
			}
			_ = sink.Ack(ctx, event)
			_ = m.DestroyResultStream(ctx, taskID)
			return &msg, nil
		}
	}
}

// PublishResult publishes a result to the stream for a task id.
func (m *redisResultStreamManager) PublishResult(ctx context.Context, taskID string, msg *ResultMessage) error {
	stream, err := m.GetResultStream(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get result stream: %w", err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal result message: %w", err)
	}
	if _, err := stream.Add(ctx, MessageTypeResult, payload); err != nil {
		return fmt.Errorf("publish result to stream: %w", err)
	}
	return nil
}
