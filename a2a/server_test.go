package a2a

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/a2a-fabric/core/a2a/policy"
	"github.com/a2a-fabric/core/internal/jsonrpc"
	"github.com/a2a-fabric/core/registry"
	"github.com/a2a-fabric/core/router"
	"github.com/a2a-fabric/core/task"
	"github.com/a2a-fabric/core/transport"
	"github.com/a2a-fabric/core/types"
)

type fakeAdapter struct {
	send func(ctx context.Context, endpoint string, msg types.Message) (types.Task, error)
}

func (f *fakeAdapter) SendMessage(ctx context.Context, endpoint string, msg types.Message) (types.Task, error) {
	return f.send(ctx, endpoint, msg)
}

func (f *fakeAdapter) SendMessageStream(ctx context.Context, endpoint string, msg types.Message) (<-chan transport.StreamEvent, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAdapter) Close() error { return nil }

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	reg := registry.New()
	adapter := &fakeAdapter{send: func(ctx context.Context, endpoint string, msg types.Message) (types.Task, error) {
		return types.Task{ID: types.NewID(), Status: types.TaskStatus{State: types.TaskCompleted}}, nil
	}}
	rtr := router.New(reg, adapter, router.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	rtr.Start(ctx)
	t.Cleanup(func() {
		cancel()
		rtr.Stop()
	})

	mgr := task.New()
	card := types.AgentCard{ProtocolVersion: "0.3", Name: "test-agent", URL: "https://agent.example/"}
	srv := NewServer("self", card, mgr, rtr, reg, opts...)
	return srv
}

func rpcRequest(method string, params any) jsonrpc.Request {
	raw, _ := json.Marshal(params)
	return jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: json.RawMessage(`1`), Method: method, Params: raw}
}

func postJSONRPC(t *testing.T, srv *Server, req jsonrpc.Request, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	httpReq := httptest.NewRequest(http.MethodPost, "/jsonrpc", bytes.NewReader(body))
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httpReq)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) jsonrpc.Response {
	t.Helper()
	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHandleAgentCardServesConfiguredCard(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/ai-agent", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var card types.AgentCard
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &card))
	require.Equal(t, "test-agent", card.Name)
}

func TestHandleHealthReportsOK(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestMessageSendCreatesTaskAndTasksGetRetrievesIt(t *testing.T) {
	srv := newTestServer(t)
	msg := types.Message{Role: "user", Parts: []types.Part{{Kind: types.PartText, Text: "hello"}}}
	w := postJSONRPC(t, srv, rpcRequest("message/send", map[string]any{"message": msg}), nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeResponse(t, w)
	require.Nil(t, resp.Error)
	var created types.Task
	require.NoError(t, json.Unmarshal(resp.Result, &created))
	require.NotEmpty(t, created.ID)

	w = postJSONRPC(t, srv, rpcRequest("tasks/get", map[string]any{"id": created.ID}), nil)
	resp = decodeResponse(t, w)
	require.Nil(t, resp.Error)
}

func TestMessageSendRejectsInvalidMessage(t *testing.T) {
	srv := newTestServer(t)
	w := postJSONRPC(t, srv, rpcRequest("message/send", map[string]any{"message": types.Message{}}), nil)
	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Error)
}

func TestTasksGetUnknownTaskReturnsError(t *testing.T) {
	srv := newTestServer(t)
	w := postJSONRPC(t, srv, rpcRequest("tasks/get", map[string]any{"id": "ghost"}), nil)
	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeTaskNotFound, resp.Error.Code)
}

func TestTasksCancelRejectsAlreadyTerminalTask(t *testing.T) {
	srv := newTestServer(t)
	msg := types.Message{Role: "user", Parts: []types.Part{{Kind: types.PartText, Text: "hi"}}}
	w := postJSONRPC(t, srv, rpcRequest("message/send", map[string]any{
		"message":       msg,
		"configuration": map[string]any{"blocking": true},
	}), nil)
	resp := decodeResponse(t, w)
	require.Nil(t, resp.Error)
	var created types.Task
	require.NoError(t, json.Unmarshal(resp.Result, &created))
	require.True(t, created.Status.State.Terminal())

	w = postJSONRPC(t, srv, rpcRequest("tasks/cancel", map[string]any{"id": created.ID}), nil)
	resp = decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeTaskNotCancelable, resp.Error.Code)
}

func TestUnrecognizedMethodReturnsMethodNotFound(t *testing.T) {
	srv := newTestServer(t)
	w := postJSONRPC(t, srv, rpcRequest("bogus/method", map[string]any{}), nil)
	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
}

func TestPushNotificationConfigSetGetDelete(t *testing.T) {
	srv := newTestServer(t)
	msg := types.Message{Role: "user", Parts: []types.Part{{Kind: types.PartText, Text: "hi"}}}
	w := postJSONRPC(t, srv, rpcRequest("message/send", map[string]any{"message": msg}), nil)
	resp := decodeResponse(t, w)
	var created types.Task
	require.NoError(t, json.Unmarshal(resp.Result, &created))

	w = postJSONRPC(t, srv, rpcRequest("tasks/pushNotificationConfig/set", map[string]any{
		"taskId":                 created.ID,
		"pushNotificationConfig": map[string]any{"url": "https://example.com/hook"},
	}), nil)
	resp = decodeResponse(t, w)
	require.Nil(t, resp.Error)

	w = postJSONRPC(t, srv, rpcRequest("tasks/pushNotificationConfig/get", map[string]any{"taskId": created.ID}), nil)
	resp = decodeResponse(t, w)
	require.Nil(t, resp.Error)

	w = postJSONRPC(t, srv, rpcRequest("tasks/pushNotificationConfig/delete", map[string]any{
		"taskId": created.ID,
		"url":    "https://example.com/hook",
	}), nil)
	resp = decodeResponse(t, w)
	require.Nil(t, resp.Error)

	w = postJSONRPC(t, srv, rpcRequest("tasks/pushNotificationConfig/get", map[string]any{"taskId": created.ID}), nil)
	resp = decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodePushNotificationNotSupported, resp.Error.Code)
}

func TestExtendedCardMissingReturnsError(t *testing.T) {
	srv := newTestServer(t)
	w := postJSONRPC(t, srv, rpcRequest("agent/getAuthenticatedExtendedCard", map[string]any{}), nil)
	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeAuthenticatedExtendedCardMissing, resp.Error.Code)
}

func TestExtendedCardNarrowsCapabilitiesByPolicy(t *testing.T) {
	card := types.AgentCard{
		ProtocolVersion: "0.3",
		Name:            "test-agent",
		URL:             "https://agent.example/",
		Capabilities: []types.Capability{
			{Name: "summarize"},
			{Name: "translate"},
			{Name: "delete-data"},
		},
	}
	srv := newTestServer(t, WithExtendedAgentCard(card))

	w := postJSONRPC(t, srv, rpcRequest("agent/getAuthenticatedExtendedCard", map[string]any{}), map[string]string{
		policy.DenyCapabilitiesHeader: "delete-data",
	})
	resp := decodeResponse(t, w)
	require.Nil(t, resp.Error)

	var got types.AgentCard
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	names := make([]string, len(got.Capabilities))
	for i, c := range got.Capabilities {
		names[i] = c.Name
	}
	require.ElementsMatch(t, []string{"summarize", "translate"}, names)
}

func TestExtendedCardAllowListRestrictsToNamedCapabilities(t *testing.T) {
	card := types.AgentCard{
		ProtocolVersion: "0.3",
		Name:            "test-agent",
		URL:             "https://agent.example/",
		Capabilities: []types.Capability{
			{Name: "summarize"},
			{Name: "translate"},
		},
	}
	srv := newTestServer(t, WithExtendedAgentCard(card))

	w := postJSONRPC(t, srv, rpcRequest("agent/getAuthenticatedExtendedCard", map[string]any{}), map[string]string{
		policy.AllowCapabilitiesHeader: "summarize",
	})
	resp := decodeResponse(t, w)
	require.Nil(t, resp.Error)

	var got types.AgentCard
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	require.Len(t, got.Capabilities, 1)
	require.Equal(t, "summarize", got.Capabilities[0].Name)
}

func TestMessageStreamFramesSSEEventsAndTerminatesWithDone(t *testing.T) {
	srv := newTestServer(t)
	msg := types.Message{Role: "user", Parts: []types.Part{{Kind: types.PartText, Text: "hi"}}}
	body, _ := json.Marshal(rpcRequest("message/stream", map[string]any{"message": msg}))
	httpReq := httptest.NewRequest(http.MethodPost, "/jsonrpc", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httpReq)

	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	scanner := bufio.NewScanner(strings.NewReader(w.Body.String()))
	sawDone := false
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "data: [DONE]" {
			sawDone = true
		}
	}
	require.True(t, sawDone)
}
