package index

import (
	"context"
	"net"
	"testing"
	"time"

	"muster/pkg/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// startTestServer serves ix on an in-memory listener and returns a client
// connection to it.
func startTestServer(t *testing.T, ix *Index) *grpc.ClientConn {
	t.Helper()

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	RegisterIndexServer(server, NewServer(ix, zap.NewNop()))
	go server.Serve(listener)
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestClient_PublishAndSearch(t *testing.T) {
	ix := New(zap.NewNop())
	conn := startTestServer(t, ix)
	client := NewClient(conn, ClientConfig{}, zap.NewNop())
	defer client.Close()

	ctx := context.Background()
	doc := announcing("n1", "ring1-cassandra-seeds", time.Unix(100, 0))
	doc.Announces.Set("ring1-web", map[string]any{
		"realm":  "ring1",
		"system": "web",
		"log":    []string{"/var/log/web"},
		"port":   8080,
	})
	require.NoError(t, client.Publish(ctx, doc))
	assert.Equal(t, 1, ix.Len())

	docs, err := client.Search(ctx, registry.HasAttribute(registry.AnnouncePath("ring1-web")))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "n1", docs[0].Name)
	assert.True(t, time.Unix(100, 0).Equal(docs[0].PublishedAt))

	entry, ok := docs[0].Announce("ring1-web")
	require.True(t, ok)
	assert.Equal(t, float64(8080), entry["port"])
	assert.Equal(t, []any{"/var/log/web"}, entry["log"])

	docs, err = client.Search(ctx, registry.HasAttribute(registry.AnnouncePath("ring1-missing")))
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestClient_Nodes(t *testing.T) {
	ix := New(zap.NewNop())
	conn := startTestServer(t, ix)
	client := NewClient(conn, ClientConfig{}, nil)

	ctx := context.Background()
	require.NoError(t, client.Publish(ctx, announcing("n2", "ring1-a", time.Time{})))
	require.NoError(t, client.Publish(ctx, announcing("n1", "ring1-a", time.Time{})))

	nodes, err := client.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "n1", nodes[0].Name)
	assert.Equal(t, "ring1", nodes[0].Cluster)
	assert.Equal(t, "n1:7100", nodes[0].Address)
	assert.Equal(t, 1, nodes[0].Announces)
	assert.False(t, nodes[0].LastSeen.IsZero())
}

func TestClient_SearchCache(t *testing.T) {
	ix := New(zap.NewNop())
	conn := startTestServer(t, ix)
	client := NewClient(conn, ClientConfig{CacheTTL: time.Minute}, nil)

	ctx := context.Background()
	require.NoError(t, client.Publish(ctx, announcing("n1", "ring1-a", time.Time{})))

	p := registry.HasAttribute(registry.AnnouncePath("ring1-a"))
	docs, err := client.Search(ctx, p)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	// A second node appears on the index but the cached answer is served.
	require.NoError(t, ix.Publish(ctx, announcing("n2", "ring1-a", time.Time{})))
	docs, err = client.Search(ctx, p)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestServer_RejectsBadRequests(t *testing.T) {
	conn := startTestServer(t, New(nil))
	client := NewClient(conn, ClientConfig{}, nil)
	ctx := context.Background()

	err := client.Publish(ctx, registry.NewDocument("", "ring1"))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = conn.Invoke(ctx, searchMethod, wrapperspb.String(""), new(wrapperspb.StringValue))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestClient_UnreachableIndex(t *testing.T) {
	client, err := Dial(ClientConfig{
		Address:     "127.0.0.1:1",
		CallTimeout: 200 * time.Millisecond,
		Retry: RetryPolicy{
			MaxAttempts: 2,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    20 * time.Millisecond,
		},
	}, zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Search(context.Background(), registry.HasAttribute("announces.x"))
	require.Error(t, err)
	code := status.Code(err)
	assert.True(t, code == codes.Unavailable || code == codes.DeadlineExceeded, "got %v", code)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, p.backoff(0))
	assert.Equal(t, 400*time.Millisecond, p.backoff(2))
	assert.Equal(t, time.Second, p.backoff(10))

	jittered := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, JitterFactor: 0.2}
	for i := 0; i < 20; i++ {
		d := jittered.backoff(0)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestRetryPolicy_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := DefaultRetryPolicy.do(context.Background(), zap.NewNop(), "test", func(ctx context.Context) error {
		calls++
		return status.Error(codes.InvalidArgument, "bad")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)

	calls = 0
	fast := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	err = fast.do(context.Background(), zap.NewNop(), "test", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return status.Error(codes.Unavailable, "down")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}
