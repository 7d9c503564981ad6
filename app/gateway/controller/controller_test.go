package controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/chaingate/app/gateway/resolver"
	"github.com/canopy-network/chaingate/app/gateway/types"
	"github.com/canopy-network/chaingate/pkg/cache"
	"github.com/canopy-network/chaingate/pkg/errs"
	"github.com/canopy-network/chaingate/pkg/hub"
	"github.com/canopy-network/chaingate/pkg/indexer"
	"github.com/canopy-network/chaingate/pkg/models"
	"github.com/canopy-network/chaingate/pkg/retry"
)

func newTestServer(t *testing.T) (*httptest.Server, *indexer.Memory) {
	t.Helper()
	srv, mem, _ := newTestGateway(t)
	return srv, mem
}

// newTestGateway wires a gateway around an in-memory indexer and serves its router.
func newTestGateway(t *testing.T) (*httptest.Server, *indexer.Memory, *types.App) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	mem := indexer.NewMemory(logger)
	mem.Seed()

	h := hub.New(mem, hub.Config{
		QueueCapacity: 16,
		Retry:         retry.Config{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Logger:        logger,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.Run(ctx) }()

	md := cache.NewMetadata(mem, cache.Options{Logger: logger})
	app := &types.App{
		Indexer:  mem,
		Cache:    md,
		Hub:      h,
		Resolver: resolver.New(mem, md, h, resolver.Options{Logger: logger}),
		Logger:   logger,
	}

	router, err := NewController(app).NewRouter()
	require.NoError(t, err)
	srv := httptest.NewServer(WithCORS(router))

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-h.Done()
	})
	return srv, mem, app
}

func postQuery(t *testing.T, srv *httptest.Server, body string) (*http.Response, resolver.QueryResponse) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/query", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out resolver.QueryResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestHandleQuery(t *testing.T) {
	srv, mem := newTestServer(t)
	hash := "0x" + strings.Repeat("0", 60) + "2714"

	resp, out := postQuery(t, srv, `{"fields":[
		{"name":"chainMetadata","alias":"chain","args":{"blockHash":"`+hash+`"}},
		{"name":"events","alias":"transfers","args":{"fromBlock":10000,"toBlock":10004,"module":"Balances"}},
		{"name":"healthCheck"}
	]}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.Empty(t, out.Errors)
	assert.Equal(t, "OK", out.Data["healthCheck"])

	chain := out.Data["chain"].(map[string]any)
	assert.Equal(t, "polkadot-mainnet-mock", chain["chainId"])
	assert.Len(t, out.Data["transfers"], 5)

	assert.Equal(t, int64(1), mem.MetadataCalls())
	assert.Equal(t, int64(1), mem.EventsCalls())
}

func TestHandleQuery_PartialErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, out := postQuery(t, srv, `{"fields":[
		{"name":"chainMetadata","alias":"bad","args":{"blockHash":"nothex"}},
		{"name":"echo","args":{"message":"hi"}}
	]}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hi", out.Data["echo"])
	assert.Nil(t, out.Data["bad"])
	require.Len(t, out.Errors, 1)
	assert.Equal(t, []string{"bad"}, out.Errors[0].Path)
	assert.Equal(t, errs.CodeValidation, out.Errors[0].Code)
}

func TestHandleQuery_BadBody(t *testing.T) {
	srv, mem := newTestServer(t)

	for _, body := range []string{`{"fields":`, `{"fields":[]}`, `[]`} {
		resp, _ := postQuery(t, srv, body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
	assert.Zero(t, mem.MetadataCalls())
	assert.Zero(t, mem.EventsCalls())
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "disconnected", body["hub"])
	assert.EqualValues(t, 0, body["cachedMetadata"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "gateway_cache_hits_total")
}

func TestWithCORS_Preflight(t *testing.T) {
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/query", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://explorer.example")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://explorer.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "Origin", resp.Header.Get("Vary"))
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWebSocket_SubscribeFiltersAndUnsubscribes(t *testing.T) {
	srv, mem := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "subscribe", ID: "1", Module: "balances"}))
	f := readFrame(t, conn)
	require.Equal(t, "subscribed", f.Type)
	assert.Equal(t, "1", f.ID)

	mem.Publish(models.Event{ID: "a", BlockNumber: 1, Module: "Balances", Name: "Transfer"})
	mem.Publish(models.Event{ID: "b", BlockNumber: 2, Module: "Staking", Name: "Bonded"})
	mem.Publish(models.Event{ID: "c", BlockNumber: 3, Module: "Balances", Name: "Deposit"})

	var got []string
	for _, want := range []string{"a", "c"} {
		f := readFrame(t, conn)
		require.Equal(t, "event", f.Type)
		assert.Equal(t, "1", f.ID)

		var msg resolver.SubscriptionMessage
		require.NoError(t, json.Unmarshal(f.Payload, &msg))
		require.NotNil(t, msg.Event)
		assert.Equal(t, want, msg.Event.ID)
		got = append(got, msg.Event.ID)
	}
	assert.Equal(t, []string{"a", "c"}, got)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "unsubscribe", ID: "1"}))
	f = readFrame(t, conn)
	assert.Equal(t, "complete", f.Type)
	assert.Equal(t, "1", f.ID)
}

func TestWebSocket_UnsubscribeFlushesQueuedEvents(t *testing.T) {
	srv, mem, app := newTestGateway(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "subscribe", ID: "q", Module: "Balances"}))
	require.Equal(t, "subscribed", readFrame(t, conn).Type)

	for _, id := range []string{"a", "b", "c"} {
		mem.Publish(models.Event{ID: id, BlockNumber: 1, Module: "Balances", Name: "Transfer"})
	}
	require.Eventually(t, func() bool { return app.Hub.Stats().Delivered == 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "unsubscribe", ID: "q"}))

	var got []string
	for {
		f := readFrame(t, conn)
		assert.Equal(t, "q", f.ID)
		if f.Type == "complete" {
			break
		}
		require.Equal(t, "event", f.Type)
		var msg resolver.SubscriptionMessage
		require.NoError(t, json.Unmarshal(f.Payload, &msg))
		got = append(got, msg.Event.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestWebSocket_UpstreamLoss(t *testing.T) {
	srv, mem := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "subscribe", ID: "s"}))
	require.Equal(t, "subscribed", readFrame(t, conn).Type)

	mem.Break(errs.Unavailable("memory event stream", errors.New("connection reset")))

	f := readFrame(t, conn)
	require.Equal(t, "error", f.Type)
	assert.Equal(t, "s", f.ID)
	var payload errorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &payload))
	assert.Equal(t, errs.CodeUpstreamUnavailable, payload.Code)

	f = readFrame(t, conn)
	assert.Equal(t, "complete", f.Type)
	assert.Equal(t, "s", f.ID)
}

func TestWebSocket_ProtocolErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	tests := []struct {
		name string
		msg  ClientMessage
		id   string
	}{
		{name: "unknown action", msg: ClientMessage{Action: "publish", ID: "x"}, id: "x"},
		{name: "missing id", msg: ClientMessage{Action: "subscribe"}},
		{name: "bad selector", msg: ClientMessage{Action: "subscribe", ID: "y", Module: "bal ances"}, id: "y"},
		{name: "unknown subscription", msg: ClientMessage{Action: "unsubscribe", ID: "z"}, id: "z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteJSON(tt.msg))
			f := readFrame(t, conn)
			require.Equal(t, "error", f.Type)
			assert.Equal(t, tt.id, f.ID)

			var payload errorPayload
			require.NoError(t, json.Unmarshal(f.Payload, &payload))
			assert.Equal(t, errs.CodeValidation, payload.Code)
		})
	}
}

func TestWebSocket_DuplicateID(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "subscribe", ID: "1"}))
	require.Equal(t, "subscribed", readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "subscribe", ID: "1"}))
	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "1", f.ID)
}
