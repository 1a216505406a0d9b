package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestUnmarshalAcceptsParamsOrParameters(t *testing.T) {
	var withParams Request
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1,"method":"tasks/get","params":{"taskId":"t1"}}`), &withParams))
	require.Equal(t, "tasks/get", withParams.Method)
	require.JSONEq(t, `{"taskId":"t1"}`, string(withParams.Params))

	var withParameters Request
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":2,"method":"tasks/get","parameters":{"taskId":"t2"}}`), &withParameters))
	require.JSONEq(t, `{"taskId":"t2"}`, string(withParameters.Params))
}

func TestRequestUnmarshalParamsTakesPrecedenceOverParameters(t *testing.T) {
	var req Request
	data := `{"jsonrpc":"2.0","id":1,"method":"tasks/get","params":{"taskId":"params"},"parameters":{"taskId":"parameters"}}`
	require.NoError(t, json.Unmarshal([]byte(data), &req))
	require.JSONEq(t, `{"taskId":"params"}`, string(req.Params))
}

func TestRequestUnmarshalInvalidJSONFails(t *testing.T) {
	var req Request
	require.Error(t, json.Unmarshal([]byte(`not json`), &req))
}

func TestErrorImplementsErrorInterface(t *testing.T) {
	err := Newf(ErrTaskNotFound, "task %s missing", "t1")
	require.Equal(t, CodeTaskNotFound, err.Code)
	require.Contains(t, err.Error(), "task t1 missing")
	require.Contains(t, err.Error(), "TaskNotFound")
}

func TestNilErrorStringIsEmpty(t *testing.T) {
	var err *Error
	require.Equal(t, "", err.Error())
}

func TestErrorIsMatchesOnKindOnly(t *testing.T) {
	specific := Newf(ErrTaskNotFound, "task %s missing", "t1")
	require.True(t, errors.Is(specific, ErrTaskNotFound))
	require.False(t, errors.Is(specific, ErrTaskNotCancelable))
}

func TestErrorIsRejectsNonErrorTargets(t *testing.T) {
	specific := Newf(ErrInternal, "boom")
	require.False(t, errors.Is(specific, errors.New("boom")))
}

func TestResultBuildsSuccessResponseEchoingID(t *testing.T) {
	id := json.RawMessage(`7`)
	resp, err := Result(id, map[string]string{"status": "ok"})
	require.NoError(t, err)
	require.Equal(t, Version, resp.JSONRPC)
	require.Equal(t, id, resp.ID)
	require.Nil(t, resp.Error)
	require.JSONEq(t, `{"status":"ok"}`, string(resp.Result))
}

func TestResultPropagatesMarshalError(t *testing.T) {
	_, err := Result(json.RawMessage(`1`), make(chan int))
	require.Error(t, err)
}

func TestFailBuildsErrorResponseEchoingID(t *testing.T) {
	id := json.RawMessage(`"abc"`)
	resp := Fail(id, Newf(ErrInvalidParams, "missing field"))
	require.Equal(t, Version, resp.JSONRPC)
	require.Equal(t, id, resp.ID)
	require.Nil(t, resp.Result)
	require.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestResponseErrorRoundTripsThroughJSON(t *testing.T) {
	resp := Fail(json.RawMessage(`1`), Newf(ErrUnauthorized, "no token"))
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded Response
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, CodeUnauthorized, decoded.Error.Code)
	require.Equal(t, "no token", decoded.Error.Message)
}
