package coordinator

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"muster/pkg/config"
	"muster/pkg/discovery"
	"muster/pkg/index"
	"muster/pkg/metrics"
	"muster/pkg/node"
	"muster/pkg/registry"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// TestCoordinator wraps a coordinator for testing
type TestCoordinator struct {
	*Coordinator
	Address string
}

// setupTestCoordinator serves a coordinator on a free local port.
func setupTestCoordinator(t *testing.T, opts ...Option) *TestCoordinator {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	coord := New("prod", config.CoordinatorConfig{Address: listener.Addr().String()}, logger, opts...)
	go func() {
		if err := coord.Serve(listener); err != nil {
			t.Logf("Coordinator serve error: %v", err)
		}
	}()

	tc := &TestCoordinator{Coordinator: coord, Address: listener.Addr().String()}
	t.Cleanup(tc.cleanup)
	return tc
}

// cleanup shuts down the test coordinator
func (tc *TestCoordinator) cleanup() {
	tc.Stop()
}

func startTestNode(t *testing.T, name, coordinator string, mock *clock.Mock) *node.Node {
	t.Helper()
	cfg := config.NodeConfig{
		Name:               name,
		Address:            name + ":7001",
		CoordinatorAddress: coordinator,
		DataDir:            t.TempDir(),
		Store:              config.StoreSQLite,
		SyncInterval:       config.Duration(time.Minute),
		SearchTimeout:      config.Duration(2 * time.Second),
	}
	n, err := node.New("prod", cfg, zaptest.NewLogger(t), node.WithClock(mock))
	require.NoError(t, err)
	t.Cleanup(func() { n.Stop() })
	return n
}

func TestCoordinator_IndexOverGRPC(t *testing.T) {
	coord := setupTestCoordinator(t)
	ctx := context.Background()

	client, err := index.Dial(index.ClientConfig{Address: coord.Address}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer client.Close()

	doc := registry.NewDocument("n1", "prod")
	doc.Announces.Set("prod-web", map[string]any{"realm": "prod", "system": "web"})
	require.NoError(t, client.Publish(ctx, doc))

	assert.Equal(t, 1, coord.Index().Len())
	docs, err := client.Search(ctx, registry.HasAttribute(registry.AnnouncePath("prod-web")))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "n1", docs[0].Name)

	nodes, err := client.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "n1", nodes[0].Name)
}

// Two agents announce the same component through a real
// coordinator; every agent resolves the most recent one.
func TestCoordinator_ClusterDiscovery(t *testing.T) {
	coord := setupTestCoordinator(t)
	ctx := context.Background()
	mock := clock.NewMock()

	n1 := startTestNode(t, "n1", coord.Address, mock)
	n2 := startTestNode(t, "n2", coord.Address, mock)
	observer := startTestNode(t, "n3", coord.Address, mock)

	mock.Set(time.Unix(100, 0))
	_, err := n1.Discovery().Announce(ctx, "cassandra", "seeds", discovery.AnnounceOptions{Realm: "ring1"})
	require.NoError(t, err)
	require.NoError(t, n1.Sync(ctx))

	mock.Set(time.Unix(200, 0))
	_, err = n2.Discovery().Announce(ctx, "cassandra", "seeds", discovery.AnnounceOptions{Realm: "ring1"})
	require.NoError(t, err)
	require.NoError(t, n2.Sync(ctx))

	ids, err := observer.Discovery().DiscoverAll(ctx, "cassandra", "seeds", "ring1")
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "n1", ids[0].Node)
	assert.Equal(t, "n2", ids[1].Node)

	latest, err := n1.Discovery().Discover(ctx, "cassandra", "seeds", "ring1")
	require.NoError(t, err)
	assert.Equal(t, "n2", latest.Node)

	nodes := coord.Index().Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, "n1:7001", nodes[0].Address)
}

func TestCoordinator_DegradedWhenStopped(t *testing.T) {
	coord := setupTestCoordinator(t)
	ctx := context.Background()
	mock := clock.NewMock()

	n1 := startTestNode(t, "n1", coord.Address, mock)
	_, err := n1.Discovery().Announce(ctx, "redis", "server", discovery.AnnounceOptions{})
	require.NoError(t, err)

	coord.Stop()

	// The index is gone; the local entry still resolves.
	id, err := n1.Discovery().Discover(ctx, "redis", "server", "")
	require.NoError(t, err)
	assert.Equal(t, "n1", id.Node)

	_, err = n1.Discovery().Discover(ctx, "memcached", "", "")
	assert.ErrorIs(t, err, discovery.ErrNotFound)
}

func TestCheckNodeHealth(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	mock.Set(time.Unix(1000, 0))
	coord := New("prod", config.CoordinatorConfig{Address: ":0"}, zaptest.NewLogger(t),
		WithClock(mock), WithStaleAfter(time.Minute))

	require.NoError(t, coord.Index().Publish(ctx, registry.NewDocument("n1", "prod")))
	mock.Add(45 * time.Second)
	require.NoError(t, coord.Index().Publish(ctx, registry.NewDocument("n2", "prod")))

	assert.Empty(t, coord.checkNodeHealth())

	mock.Add(30 * time.Second)
	assert.Equal(t, []string{"n1"}, coord.checkNodeHealth())
	assert.Equal(t, float64(1), testutil.ToFloat64(coord.metrics.StaleNodes))

	// n1 republishes and recovers.
	require.NoError(t, coord.Index().Publish(ctx, registry.NewDocument("n1", "prod")))
	assert.Empty(t, coord.checkNodeHealth())
	assert.Equal(t, float64(0), testutil.ToFloat64(coord.metrics.StaleNodes))
}

func TestCoordinator_MetricsEndpoint(t *testing.T) {
	coord := setupTestCoordinator(t)
	require.NoError(t, coord.Index().Publish(context.Background(), registry.NewDocument("n1", "prod")))

	srv := httptest.NewServer(metrics.NewServer("", coord.Registry(), nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "muster_index_documents 1")
}
