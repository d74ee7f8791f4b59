package node

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"muster/pkg/component"
	"muster/pkg/config"
	"muster/pkg/discovery"
	"muster/pkg/index"
	"muster/pkg/registry"
	"muster/pkg/store"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// Helper function to create test node config
func testNodeConfig(t *testing.T, name string) config.NodeConfig {
	return config.NodeConfig{
		Name:               name,
		Address:            "127.0.0.1:0",
		CoordinatorAddress: "localhost:8001",
		DataDir:            t.TempDir(),
		Store:              config.StoreMemory,
		SyncInterval:       config.Duration(time.Minute),
		SearchTimeout:      config.Duration(time.Second),
	}
}

func newTestNode(t *testing.T, name string, ix Index, opts ...Option) *Node {
	t.Helper()
	opts = append([]Option{WithIndex(ix)}, opts...)
	n, err := New("prod", testNodeConfig(t, name), zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return n
}

// serveNode runs n on an in-memory listener and returns a client for it.
func serveNode(t *testing.T, n *Node) *Client {
	t.Helper()

	listener := bufconn.Listen(1 << 20)
	go n.Serve(listener)
	t.Cleanup(func() { n.Stop() })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn, 0)
}

type unreachableIndex struct{}

func (unreachableIndex) Search(ctx context.Context, p registry.Predicate) ([]*registry.Document, error) {
	return nil, errors.New("connection refused")
}

func (unreachableIndex) Publish(ctx context.Context, doc *registry.Document) error {
	return errors.New("connection refused")
}

func TestNewNode(t *testing.T) {
	n := newTestNode(t, "web-1", index.New(nil))
	defer n.Stop()

	if n.Name() != "web-1" {
		t.Errorf("Name = %v, want web-1", n.Name())
	}

	doc, err := n.Store().CurrentNode(context.Background())
	require.NoError(t, err)
	addr, ok := doc.Get(AddressAttribute)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:0", addr)
	assert.Equal(t, "prod", doc.Cluster)
}

func TestNewNode_UnknownStore(t *testing.T) {
	cfg := testNodeConfig(t, "web-1")
	cfg.Store = "etcd"

	_, err := New("prod", cfg, zaptest.NewLogger(t), WithIndex(index.New(nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "etcd")
}

func TestNewNode_SQLitePersistsAcrossRestarts(t *testing.T) {
	cfg := testNodeConfig(t, "db-1")
	cfg.Store = config.StoreSQLite
	ix := index.New(nil)
	ctx := context.Background()

	first, err := New("prod", cfg, zaptest.NewLogger(t), WithIndex(ix))
	require.NoError(t, err)
	_, err = first.Discovery().Announce(ctx, "postgres", "primary", discovery.AnnounceOptions{})
	require.NoError(t, err)
	_, err = first.Discovery().Announce(ctx, "pgbouncer", "", discovery.AnnounceOptions{})
	require.NoError(t, err)
	require.NoError(t, first.Stop())

	second, err := New("prod", cfg, zaptest.NewLogger(t), WithIndex(ix))
	require.NoError(t, err)
	defer second.Stop()

	doc, err := second.Store().CurrentNode(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"prod-postgres-primary", "prod-pgbouncer"}, doc.Announces.Keys())
}

func TestSync(t *testing.T) {
	ctx := context.Background()
	ix := index.New(nil)
	mock := clock.NewMock()
	mock.Set(time.Unix(500, 0))

	n := newTestNode(t, "web-1", ix, WithClock(mock))
	defer n.Stop()

	_, err := n.Discovery().Announce(ctx, "nginx", "", discovery.AnnounceOptions{})
	require.NoError(t, err)
	require.NoError(t, n.Sync(ctx))

	docs, err := ix.Search(ctx, registry.HasAttribute(registry.AnnouncePath("prod-nginx")))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.True(t, time.Unix(500, 0).Equal(docs[0].PublishedAt))
	assert.Equal(t, float64(1), testutil.ToFloat64(n.metrics.SyncPublishes))
}

func TestSync_IndexUnavailable(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, "web-1", unreachableIndex{})
	defer n.Stop()

	err := n.Sync(ctx)
	require.Error(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(n.metrics.SyncFailures))

	// Announce and local discovery keep working without the index.
	_, err = n.Discovery().Announce(ctx, "nginx", "", discovery.AnnounceOptions{})
	require.NoError(t, err)
	id, err := n.Discovery().Discover(ctx, "nginx", "", "")
	require.NoError(t, err)
	assert.Equal(t, "web-1", id.Node)
}

func TestSyncLoop(t *testing.T) {
	ctx := context.Background()
	ix := index.New(nil)
	mock := clock.NewMock()
	mock.Set(time.Unix(1000, 0))

	n := newTestNode(t, "web-1", ix, WithClock(mock))
	serveNode(t, n)

	// Startup publish.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(n.metrics.SyncPublishes) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// Commit triggers an eager publish.
	_, err := n.Discovery().Announce(ctx, "redis", "server", discovery.AnnounceOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		docs, err := ix.Search(ctx, registry.HasAttribute(registry.AnnouncePath("prod-redis-server")))
		return err == nil && len(docs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The interval republishes without any commit.
	before := testutil.ToFloat64(n.metrics.SyncPublishes)
	mock.Add(time.Minute)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(n.metrics.SyncPublishes) > before
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	mock.Set(time.Unix(100, 0))

	n := newTestNode(t, "web-1", index.New(nil), WithClock(mock))
	c := serveNode(t, n)

	t.Run("Announce", func(t *testing.T) {
		id, err := c.Announce(ctx, "web", "frontend", discovery.AnnounceOptions{
			Realm: "shop",
			Attributes: component.Attributes{
				"port": 8080,
				"log":  []string{"/var/log/web/access.log"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "shop-web-frontend", id.FullName())
		assert.Equal(t, "web-1", id.Node)
		assert.True(t, time.Unix(100, 0).Equal(id.Timestamp))
		assert.Equal(t, float64(8080), id.Attributes["port"])
	})

	t.Run("Discover", func(t *testing.T) {
		id, err := c.Discover(ctx, "web", "frontend", "shop")
		require.NoError(t, err)
		assert.Equal(t, "shop", id.Realm)
		assert.Equal(t, "web", id.System)
		assert.Equal(t, "frontend", id.Subsystem)

		ids, err := c.DiscoverAll(ctx, "web", "frontend", "shop")
		require.NoError(t, err)
		assert.Len(t, ids, 1)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := c.Discover(ctx, "redis", "server", "uploader")
		require.Error(t, err)
		assert.ErrorIs(t, err, discovery.ErrNotFound)
		assert.Equal(t, "could not find component uploader-redis-server", err.Error())

		ids, err := c.DiscoverAll(ctx, "redis", "server", "uploader")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("InvalidIdentity", func(t *testing.T) {
		_, err := c.Announce(ctx, " ", "", discovery.AnnounceOptions{})
		assert.ErrorIs(t, err, component.ErrInvalidIdentity)
	})

	t.Run("ComponentsWith", func(t *testing.T) {
		_, err := c.Announce(ctx, "cron", "", discovery.AnnounceOptions{})
		require.NoError(t, err)

		ids, err := c.ComponentsWith(ctx, component.AspectLog)
		require.NoError(t, err)
		require.Len(t, ids, 1)
		assert.Equal(t, "shop-web-frontend", ids[0].FullName())
		assert.Equal(t, []any{"/var/log/web/access.log"}, ids[0].LogEntries())

		ids, err = c.ComponentsWith(ctx, "metrics")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

func TestClient_StoreWriteError(t *testing.T) {
	docs := store.NewMemory()
	n := newTestNode(t, "web-1", index.New(nil), WithDocumentStore(docs))
	c := serveNode(t, n)

	docs.FailSaves = errors.New("disk full")
	_, err := c.Announce(context.Background(), "web", "", discovery.AnnounceOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrStoreWrite)
	assert.Contains(t, err.Error(), "disk full")
}

// Two agents sharing one index converge on the most recent announcer.
func TestCluster_MostRecentWins(t *testing.T) {
	ctx := context.Background()
	ix := index.New(nil)
	mock := clock.NewMock()

	n1 := newTestNode(t, "n1", ix, WithClock(mock))
	n2 := newTestNode(t, "n2", ix, WithClock(mock))
	c1, c2 := serveNode(t, n1), serveNode(t, n2)

	mock.Set(time.Unix(100, 0))
	_, err := c1.Announce(ctx, "cassandra", "seeds", discovery.AnnounceOptions{Realm: "ring1"})
	require.NoError(t, err)
	mock.Set(time.Unix(200, 0))
	_, err = c2.Announce(ctx, "cassandra", "seeds", discovery.AnnounceOptions{Realm: "ring1"})
	require.NoError(t, err)

	require.NoError(t, n1.Sync(ctx))
	require.NoError(t, n2.Sync(ctx))

	for _, c := range []*Client{c1, c2} {
		ids, err := c.DiscoverAll(ctx, "cassandra", "seeds", "ring1")
		require.NoError(t, err)
		require.Len(t, ids, 2)
		assert.Equal(t, "n1", ids[0].Node)
		assert.Equal(t, "n2", ids[1].Node)

		latest, err := c.Discover(ctx, "cassandra", "seeds", "ring1")
		require.NoError(t, err)
		assert.Equal(t, "n2", latest.Node)
	}
}
