package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-fuse/internal/cache"
	"github.com/23skdu/longbow-fuse/internal/client"
	"github.com/23skdu/longbow-fuse/internal/device"
	"github.com/23skdu/longbow-fuse/internal/graph"
	"github.com/23skdu/longbow-fuse/internal/ops"
	"github.com/23skdu/longbow-fuse/internal/rewrite"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, graphName string, reports []*rewrite.Report) error {
	args := m.Called(ctx, graphName, reports)
	return args.Error(0)
}

func (m *mockPublisher) Close() error {
	return nil
}

func must(t *testing.T) func(graph.Output, error) graph.Output {
	return func(o graph.Output, err error) graph.Output {
		t.Helper()
		require.NoError(t, err)
		return o
	}
}

// denseLayer encodes relu(x*w + b).
func denseLayer(t *testing.T) []byte {
	t.Helper()
	g := graph.New("dense")
	x := g.Parameter("x", graph.Float32, graph.ShapeOf(2, 3))
	w := g.Parameter("w", graph.Float32, graph.ShapeOf(3, 4))
	b := g.Parameter("b", graph.Float32, graph.ShapeOf(4))
	mm := must(t)(ops.MatMul(g, x, w))
	require.NoError(t, g.SetResults(must(t)(ops.Relu(g, must(t)(ops.Add(g, mm, b))))))
	data, err := graph.Marshal(g)
	require.NoError(t, err)
	return data
}

func post(srv *Server, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func TestServer_Optimize(t *testing.T) {
	mp := &mockPublisher{}
	srv := NewServer(device.NewCPUBackend(), device.DefaultPassConfig(), mp, cache.NewLRUCache(8), 64)
	body := denseLayer(t)

	t.Run("Fuses and publishes", func(t *testing.T) {
		mp.On("Publish", mock.Anything, "dense", mock.Anything).Return(nil).Once()

		rr := post(srv, "/optimize", body)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, "application/cbor", rr.Header().Get("Content-Type"))

		var resp OptimizeResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		require.Len(t, resp.Rewrites, 2)
		assert.Equal(t, "linear", resp.Rewrites[0].Pass)
		assert.Equal(t, "linear-activation", resp.Rewrites[1].Pass)
		assert.Len(t, resp.Passes, 6)

		g, err := graph.Decode(resp.Graph)
		require.NoError(t, err)
		assert.Equal(t, 4, g.Len())
		assert.Equal(t, ops.LinearActivationKind, g.Results()[0].Node.Kind())
		mp.AssertExpectations(t)
	})

	t.Run("Served from cache", func(t *testing.T) {
		rr := post(srv, "/optimize", body)
		require.Equal(t, http.StatusOK, rr.Code)
		var resp OptimizeResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Len(t, resp.Rewrites, 2)
		mp.AssertNumberOfCalls(t, "Publish", 1)
	})

	t.Run("Pass selection", func(t *testing.T) {
		mp.On("Publish", mock.Anything, "dense", mock.Anything).Return(nil)

		rr := post(srv, "/optimize?passes=linear", body)
		require.Equal(t, http.StatusOK, rr.Code)
		var resp OptimizeResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		require.Len(t, resp.Passes, 1)
		assert.Len(t, resp.Rewrites, 1)

		rr = post(srv, "/optimize?passes=", body)
		require.Equal(t, http.StatusOK, rr.Code)
		resp = OptimizeResponse{}
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Empty(t, resp.Passes)
		assert.Empty(t, resp.Rewrites)
	})

	t.Run("Unknown pass", func(t *testing.T) {
		rr := post(srv, "/optimize?passes=nope", body)
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	})

	t.Run("Bad body", func(t *testing.T) {
		rr := post(srv, "/optimize", []byte("not cbor"))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Method not allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/optimize", nil)
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})

	t.Run("Health Check", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()
		srv.handleHealth(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "OK", rr.Body.String())
	})
}

func TestServer_PublishFailureDoesNotFailRequest(t *testing.T) {
	mp := &mockPublisher{}
	mp.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(client.ErrCircuitOpen)
	srv := NewServer(device.NewCPUBackend(), device.DefaultPassConfig(), mp, nil, 1)

	rr := post(srv, "/optimize", denseLayer(t))
	assert.Equal(t, http.StatusOK, rr.Code)
	mp.AssertExpectations(t)
}

func TestServer_BusyWhenCanceled(t *testing.T) {
	srv := NewServer(device.NewCPUBackend(), device.DefaultPassConfig(), nil, nil, 1)
	require.True(t, srv.sem.TryAcquire(1))
	defer srv.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/optimize", bytes.NewReader(denseLayer(t))).WithContext(ctx)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestReportCollector(t *testing.T) {
	collector := NewReportCollector()
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(collector)
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	defer server.Shutdown()

	fc, err := client.NewFlightClient(server.Addr().String())
	require.NoError(t, err)
	pub := client.NewPublisher(fc, "fuse_rewrites", client.NewCircuitBreaker(1, time.Second))
	defer pub.Close()

	g, err := graph.Unmarshal(denseLayer(t))
	require.NoError(t, err)
	exe, err := device.NewCPUBackend().Compile(context.Background(), g, device.DefaultPassConfig())
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), g.Name(), exe.Reports()))

	assert.Equal(t, map[string]int64{"linear": 1, "linear-activation": 1}, collector.Counts())
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
	assert.Nil(t, splitList(""))
}
