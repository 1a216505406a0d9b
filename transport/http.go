package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/a2a-fabric/core/internal/jsonrpc"
	"github.com/a2a-fabric/core/types"
)

// Option configures an HTTPAdapter.
type Option func(*HTTPAdapter)

// WithHTTPClient overrides the underlying *http.Client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(a *HTTPAdapter) { a.http = c }
}

// WithHeader adds a static header to every outgoing request.
func WithHeader(name, value string) Option {
	return func(a *HTTPAdapter) {
		if a.headers == nil {
			a.headers = make(http.Header)
		}
		a.headers.Add(name, value)
	}
}

// WithBearerToken configures the adapter to send an Authorization
// Bearer token on every request.
func WithBearerToken(token string) Option {
	return WithHeader("Authorization", "Bearer "+token)
}

// HTTPAdapter implements Adapter over JSON-RPC HTTP, using Server-Sent
// Events for sendMessageStream. One HTTPAdapter serves every
// endpoint; the endpoint is supplied per call rather than fixed at
// construction, since the Router dials whichever agent a message is
// routed to.
type HTTPAdapter struct {
	http    *http.Client
	headers http.Header
	id      uint64
}

// New constructs an HTTPAdapter.
func New(opts ...Option) *HTTPAdapter {
	a := &HTTPAdapter{
		http:    &http.Client{Timeout: 30 * time.Second},
		headers: make(http.Header),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

var _ Adapter = (*HTTPAdapter)(nil)

func (a *HTTPAdapter) nextID() uint64 { return atomic.AddUint64(&a.id, 1) }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      uint64 `json:"id"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      uint64          `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("agent error %d: %s", e.Code, e.Message)
}

func (e *rpcError) asJSONRPCError() *jsonrpc.Error {
	if e == nil {
		return nil
	}
	return &jsonrpc.Error{Code: e.Code, Kind: "InvalidAgentResponse", Message: e.Message}
}

func (a *HTTPAdapter) newHTTPRequest(ctx context.Context, endpoint, method string, params any) (*http.Request, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: jsonrpc.Version,
		Method:  method,
		ID:      a.nextID(),
		Params:  params,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range a.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

// SendMessage invokes message/send on the remote endpoint and decodes
// the resulting Task.
func (a *HTTPAdapter) SendMessage(ctx context.Context, endpoint string, msg types.Message) (types.Task, error) {
	httpReq, err := a.newHTTPRequest(ctx, endpoint, "message/send", map[string]any{"message": msg})
	if err != nil {
		return types.Task{}, err
	}
	resp, err := a.http.Do(httpReq)
	if err != nil {
		return types.Task{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return types.Task{}, &jsonrpc.Error{Code: jsonrpc.CodeInvalidAgentResponse, Kind: "InvalidAgentResponse", Message: fmt.Sprintf("http status %d", resp.StatusCode)}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return types.Task{}, err
	}
	if rpcResp.Error != nil {
		return types.Task{}, rpcResp.Error.asJSONRPCError()
	}

	var task types.Task
	if err := json.Unmarshal(rpcResp.Result, &task); err != nil {
		return types.Task{}, err
	}
	return task, nil
}

// sseKindPeek reads just the discriminator field shared by both event
// shapes a message/stream response carries, so the full payload can
// be unmarshalled into the right concrete type.
type sseKindPeek struct {
	Kind types.EventKind `json:"kind"`
}

// SendMessageStream invokes message/stream and relays Server-Sent
// Events framed as "data: <json>\n\n", terminated by the sentinel
// "data: [DONE]".
func (a *HTTPAdapter) SendMessageStream(ctx context.Context, endpoint string, msg types.Message) (<-chan StreamEvent, error) {
	httpReq, err := a.newHTTPRequest(ctx, endpoint, "message/stream", map[string]any{"message": msg})
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidAgentResponse, Kind: "InvalidAgentResponse", Message: fmt.Sprintf("http status %d", resp.StatusCode)}
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			if data == "[DONE]" {
				select {
				case out <- StreamEvent{Done: true}:
				case <-ctx.Done():
				}
				return
			}
			var peek sseKindPeek
			if err := json.Unmarshal([]byte(data), &peek); err != nil {
				select {
				case out <- StreamEvent{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			var event StreamEvent
			switch peek.Kind {
			case types.EventStatusUpdate:
				var status types.StatusUpdateEvent
				if err := json.Unmarshal([]byte(data), &status); err != nil {
					select {
					case out <- StreamEvent{Err: err}:
					case <-ctx.Done():
					}
					return
				}
				event = StreamEvent{Status: &status}
			case types.EventArtifactUpdate:
				var artifact types.ArtifactUpdateEvent
				if err := json.Unmarshal([]byte(data), &artifact); err != nil {
					select {
					case out <- StreamEvent{Err: err}:
					case <-ctx.Done():
					}
					return
				}
				event = StreamEvent{Artifact: &artifact}
			default:
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
			if event.Status != nil && event.Status.Final {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case out <- StreamEvent{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// Close releases idle connections held by the underlying HTTP transport.
func (a *HTTPAdapter) Close() error {
	a.http.CloseIdleConnections()
	return nil
}
