package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainmesh/fabric/internal/bridge"
	"github.com/chainmesh/fabric/internal/config"
	"github.com/chainmesh/fabric/internal/consensus"
	"github.com/chainmesh/fabric/internal/core"
	"github.com/chainmesh/fabric/internal/events"
	"github.com/chainmesh/fabric/internal/metrics"
	"github.com/chainmesh/fabric/internal/storage"
	"github.com/chainmesh/fabric/internal/validators"
	"github.com/chainmesh/fabric/internal/webhooks"
	"github.com/chainmesh/fabric/pb"
)

func newTestHandler(t *testing.T) (http.Handler, *bridge.Coordinator, *validators.Registry) {
	t.Helper()
	reg := metrics.NewRegistry()
	bus := events.NewBus(reg)
	mem := storage.NewMemory()

	coord := bridge.NewCoordinator(config.BridgeConfig{DefaultTimeoutSeconds: 3600, PendingQueueCapacity: 100}, mem, bus, reg)
	lt := consensus.NewLocalTransport()
	node := consensus.NewNode(consensus.Config{NodeID: "n1"}, lt.For("n1"), mem, bus, reg, nil)
	lt.Register(node)
	vreg := validators.NewRegistry(bus, reg)
	hooks := webhooks.NewRegistry()

	srv := NewServer(coord, node, vreg, hooks, reg, nil, nil)
	return srv.Handler(), coord, vreg
}

func TestHealthEndpoint(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "n1", body["node_id"])
}

func TestBridgeStatusEndpoint(t *testing.T) {
	handler, coord, _ := newTestHandler(t)

	_, err := coord.Initiate(context.Background(), &pb.BridgeTransferRequest{
		BridgeId:    "B1",
		SourceChain: pb.Chain_ETHEREUM,
		DestChain:   pb.Chain_POLYGON,
		Amount:      "10",
		Recipient:   "0xR",
		OracleSet:   []string{"O1"},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/bridge/B1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got core.BridgeTransfer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "B1", got.BridgeID)
	assert.Equal(t, pb.BridgeStatus_PENDING, got.Status)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/bridge/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestValidatorEndpoints(t *testing.T) {
	handler, _, vreg := newTestHandler(t)

	_, err := vreg.Register("v1", []byte("pk"))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/validators", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list []*core.Validator
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "v1", list[0].ValidatorID)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/validators/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookEndpoints(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	payload, _ := json.Marshal(map[string]any{
		"url":    "http://receiver.example/hook",
		"topics": []string{events.TopicBridgeStatus},
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks", bytes.NewReader(payload)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created webhooks.Subscription
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/webhooks", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/webhooks/"+created.ID, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Invalid registration: no topics.
	payload, _ = json.Marshal(map[string]any{"url": "http://receiver.example"})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks", bytes.NewReader(payload)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsSnapshotEndpoint(t *testing.T) {
	handler, coord, _ := newTestHandler(t)

	_, err := coord.Initiate(context.Background(), &pb.BridgeTransferRequest{
		BridgeId: "B1", Amount: "1", Recipient: "r", OracleSet: []string{"O1"},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(1), snap.Counters["bridge_transfers_initiated"])
}
