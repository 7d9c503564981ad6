package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/chaingate/pkg/errs"
	"github.com/canopy-network/chaingate/pkg/models"
	"github.com/canopy-network/chaingate/pkg/redis"
)

func newRedisSource(t *testing.T) (*miniredis.Miniredis, *RedisSource) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(context.Background(), redis.Options{Addr: mr.Addr()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisSource(client, "", zaptest.NewLogger(t))
}

// TestRedisSource_DeliversInOrder tests that published events arrive numbered from 1.
func TestRedisSource_DeliversInOrder(t *testing.T) {
	_, source := newRedisSource(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := source.OpenEventStream(ctx)
	require.NoError(t, err)
	defer stream.Close()

	for i := 1; i <= 3; i++ {
		require.NoError(t, source.PublishEvent(ctx, models.Event{ID: "e", BlockNumber: uint64(i), Module: "System", Name: "NewAccount"}))
	}

	for i := 1; i <= 3; i++ {
		env, err := stream.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), env.Seq)
		assert.Equal(t, uint64(i), env.Event.BlockNumber)
	}
}

// TestRedisSource_SkipsMalformedPayloads tests that undecodable messages are dropped without breaking the stream.
func TestRedisSource_SkipsMalformedPayloads(t *testing.T) {
	mr, source := newRedisSource(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := source.OpenEventStream(ctx)
	require.NoError(t, err)
	defer stream.Close()

	mr.Publish(DefaultRedisChannel, "not json")
	require.NoError(t, source.PublishEvent(ctx, models.Event{ID: "ok", BlockNumber: 9}))

	env, err := stream.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", env.Event.ID)
	assert.Equal(t, uint64(1), env.Seq)
}

// TestRedisSource_ConnectionLoss tests that a dropped server terminates the stream as unavailable.
func TestRedisSource_ConnectionLoss(t *testing.T) {
	mr, source := newRedisSource(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := source.OpenEventStream(ctx)
	require.NoError(t, err)
	defer stream.Close()

	mr.Close()

	_, err = stream.Recv(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrUpstreamUnavailable)
}

// TestRedisSource_Close tests that Recv fails once the stream is closed locally.
func TestRedisSource_Close(t *testing.T) {
	_, source := newRedisSource(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := source.OpenEventStream(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())

	_, err = stream.Recv(ctx)
	assert.Error(t, err)
}

// TestRedisSource_PublishEventUnavailable tests that publishing to a lost server is reported as unavailable.
func TestRedisSource_PublishEventUnavailable(t *testing.T) {
	mr, source := newRedisSource(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mr.Close()

	err := source.PublishEvent(ctx, models.Event{ID: "lost"})
	assert.ErrorIs(t, err, errs.ErrUpstreamUnavailable)
}
