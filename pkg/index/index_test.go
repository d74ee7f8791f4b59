package index

import (
	"context"
	"testing"
	"time"

	"muster/pkg/metrics"
	"muster/pkg/registry"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func announcing(name, key string, publishedAt time.Time) *registry.Document {
	doc := registry.NewDocument(name, "ring1")
	doc.Set("address", name+":7100")
	doc.Announces.Set(key, map[string]any{"realm": "ring1", "system": "cassandra"})
	doc.PublishedAt = publishedAt
	return doc
}

func TestIndex_PublishAndSearch(t *testing.T) {
	ctx := context.Background()
	m := metrics.NewNop()
	ix := New(zap.NewNop(), WithMetrics(m))

	require.NoError(t, ix.Publish(ctx, announcing("n2", "ring1-cassandra-seeds", time.Time{})))
	require.NoError(t, ix.Publish(ctx, announcing("n1", "ring1-cassandra-seeds", time.Time{})))
	require.NoError(t, ix.Publish(ctx, announcing("n3", "ring1-redis", time.Time{})))

	docs, err := ix.Search(ctx, registry.HasAttribute(registry.AnnouncePath("ring1-cassandra-seeds")))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "n1", docs[0].Name)
	assert.Equal(t, "n2", docs[1].Name)

	assert.Equal(t, 3, ix.Len())
	assert.Equal(t, float64(3), testutil.ToFloat64(m.IndexDocuments))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.IndexPublishes))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.IndexSearches))
}

func TestIndex_PublishReplacesPerNode(t *testing.T) {
	ctx := context.Background()
	ix := New(nil)

	require.NoError(t, ix.Publish(ctx, announcing("n1", "ring1-a", time.Unix(100, 0))))
	require.NoError(t, ix.Publish(ctx, announcing("n1", "ring1-b", time.Unix(200, 0))))

	assert.Equal(t, 1, ix.Len())
	docs, err := ix.Search(ctx, registry.HasAttribute(registry.AnnouncePath("ring1-a")))
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestIndex_ClockStepsBack(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	mock.Set(time.Unix(1000, 0))
	ix := New(nil, WithClock(mock))

	first := registry.NewDocument("n1", "ring1")
	first.PublishedAt = time.Unix(500, 0)
	require.NoError(t, ix.Publish(ctx, first))

	// n1's clock was corrected backwards before its next announce.
	mock.Add(30 * time.Second)
	require.NoError(t, ix.Publish(ctx, announcing("n1", "ring1-redis-server", time.Unix(499, 0))))

	docs, err := ix.Search(ctx, registry.HasAttribute(registry.AnnouncePath("ring1-redis-server")))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.True(t, time.Unix(499, 0).Equal(docs[0].PublishedAt))

	nodes := ix.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, 1, nodes[0].Announces)
	assert.True(t, time.Unix(1030, 0).Equal(nodes[0].LastSeen))
}

func TestIndex_RejectsUnnamed(t *testing.T) {
	ix := New(nil)
	assert.ErrorIs(t, ix.Publish(context.Background(), registry.NewDocument("", "ring1")), ErrUnnamedDocument)
	assert.ErrorIs(t, ix.Publish(context.Background(), nil), ErrUnnamedDocument)
}

func TestIndex_SearchReturnsCopies(t *testing.T) {
	ctx := context.Background()
	ix := New(nil)
	require.NoError(t, ix.Publish(ctx, announcing("n1", "ring1-a", time.Time{})))

	docs, err := ix.Search(ctx, registry.HasAttribute(registry.AnnouncePath("ring1-a")))
	require.NoError(t, err)
	docs[0].Announces.Set("ring1-injected", map[string]any{"system": "x"})

	docs, err = ix.Search(ctx, registry.HasAttribute(registry.AnnouncePath("ring1-injected")))
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestIndex_SearchHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(nil).Search(ctx, registry.HasAttribute("announces"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIndex_Nodes(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	mock.Set(time.Unix(1000, 0))
	ix := New(nil, WithClock(mock))

	require.NoError(t, ix.Publish(ctx, announcing("b", "ring1-a", time.Time{})))
	mock.Add(time.Minute)
	require.NoError(t, ix.Publish(ctx, announcing("a", "ring1-a", time.Time{})))

	nodes := ix.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, "a", nodes[0].Name)
	assert.Equal(t, "a:7100", nodes[0].Address)
	assert.Equal(t, 1, nodes[0].Announces)
	assert.True(t, time.Unix(1060, 0).Equal(nodes[0].LastSeen))
	assert.True(t, time.Unix(1000, 0).Equal(nodes[1].LastSeen))
}
