package indexer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/chaingate/pkg/errs"
	"github.com/canopy-network/chaingate/pkg/models"
)

// newNATSSource starts an embedded server and returns it with a source and a publishing connection.
func newNATSSource(t *testing.T) (*NATSSource, *nats.Conn, func()) {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	srv := natsserver.RunServer(&opts)

	pub, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(func() {
		pub.Close()
		srv.Shutdown()
	})

	source := NewNATSSource(NATSConfig{URL: srv.ClientURL(), ConnectTimeout: time.Second}, zaptest.NewLogger(t))
	return source, pub, srv.Shutdown
}

func publishEvent(t *testing.T, pub *nats.Conn, event models.Event) {
	t.Helper()
	b, err := json.Marshal(event)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(DefaultNATSSubject, b))
}

// TestNATSSource_DeliversInOrder tests that published events arrive in order numbered from 1.
func TestNATSSource_DeliversInOrder(t *testing.T) {
	source, pub, _ := newNATSSource(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := source.OpenEventStream(ctx)
	require.NoError(t, err)
	defer stream.Close()

	for i := 1; i <= 5; i++ {
		publishEvent(t, pub, models.Event{ID: "e", BlockNumber: uint64(i), Module: "Balances", Name: "Transfer"})
	}
	require.NoError(t, pub.Flush())

	for i := 1; i <= 5; i++ {
		env, err := stream.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), env.Seq)
		assert.Equal(t, uint64(i), env.Event.BlockNumber)
	}
}

// TestNATSSource_SkipsMalformedPayloads tests that undecodable messages are dropped without breaking the stream.
func TestNATSSource_SkipsMalformedPayloads(t *testing.T) {
	source, pub, _ := newNATSSource(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := source.OpenEventStream(ctx)
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, pub.Publish(DefaultNATSSubject, []byte("not json")))
	publishEvent(t, pub, models.Event{ID: "ok", BlockNumber: 9})
	require.NoError(t, pub.Flush())

	env, err := stream.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", env.Event.ID)
	assert.Equal(t, uint64(1), env.Seq)
}

// TestNATSSource_ConnectionLoss tests that a server shutdown terminates the stream as unavailable.
func TestNATSSource_ConnectionLoss(t *testing.T) {
	source, pub, shutdown := newNATSSource(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := source.OpenEventStream(ctx)
	require.NoError(t, err)
	defer stream.Close()

	publishEvent(t, pub, models.Event{ID: "before", BlockNumber: 1})
	require.NoError(t, pub.Flush())
	env, err := stream.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "before", env.Event.ID)

	shutdown()

	_, err = stream.Recv(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrUpstreamUnavailable)

	// the stream stays broken
	_, err = stream.Recv(ctx)
	assert.ErrorIs(t, err, errs.ErrUpstreamUnavailable)
}
