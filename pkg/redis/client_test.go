package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestClient_PublishReachesSubscribers(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := NewClient(ctx, Options{Addr: mr.Addr()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer client.Close()

	receivers, err := client.Publish(ctx, "gateway:events", "nobody listening")
	require.NoError(t, err)
	assert.Zero(t, receivers)

	sub := client.Subscribe(ctx, "gateway:events")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	receivers, err = client.Publish(ctx, "gateway:events", `{"id":"e1"}`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), receivers)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"e1"}`, msg.Payload)
}

func TestClient_PublishFailsWhenServerIsGone(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := NewClient(ctx, Options{Addr: mr.Addr()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer client.Close()

	mr.Close()

	_, err = client.Publish(ctx, "gateway:events", "lost")
	assert.Error(t, err)
	assert.Error(t, client.Health(ctx))
}

func TestNewClient_Unreachable(t *testing.T) {
	_, err := NewClient(context.Background(), Options{Addr: "127.0.0.1:1"}, nil)
	assert.Error(t, err)
}
