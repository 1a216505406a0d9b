package pulseclient

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresRedisClient(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestNewSucceedsWithRedisClient(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()

	client, err := New(Options{Redis: rdb})
	require.NoError(t, err)
	require.NotNil(t, client)
}

func TestStreamRejectsEmptyName(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()

	client, err := New(Options{Redis: rdb})
	require.NoError(t, err)

	_, err = client.Stream("")
	require.Error(t, err)
}

func TestAddRejectsEmptyEventName(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()

	client, err := New(Options{Redis: rdb})
	require.NoError(t, err)

	stream, err := client.Stream("test-stream")
	require.NoError(t, err)

	_, err = stream.Add(nil, "", []byte("payload"))
	require.Error(t, err)
}
