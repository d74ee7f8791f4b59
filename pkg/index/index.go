// Package index is the cluster-wide search facility: it holds the last
// document each node published and answers attribute predicates over them.
// Nodes publish on their own schedule, so results lag local writes.
package index

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"muster/pkg/metrics"
	"muster/pkg/registry"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

var ErrUnnamedDocument = errors.New("document has no node name")

// NodeSummary describes one indexed node
type NodeSummary struct {
	Name      string
	Cluster   string
	Address   string
	Announces int
	LastSeen  time.Time
}

type entry struct {
	doc      *registry.Document
	lastSeen time.Time
}

// Index is an in-memory search index over node documents
type Index struct {
	mu      sync.RWMutex
	docs    map[string]*entry
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// Option configures an Index.
type Option func(*Index)

func WithClock(c clock.Clock) Option {
	return func(ix *Index) { ix.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(ix *Index) { ix.metrics = m }
}

// New creates an empty index.
func New(logger *zap.Logger, opts ...Option) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	ix := &Index{
		docs:   make(map[string]*entry),
		clock:  clock.New(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(ix)
	}
	if ix.metrics == nil {
		ix.metrics = metrics.NewNop()
	}
	return ix
}

// Publish replaces the stored document for doc's node. The last publish wins
// whatever its PublishedAt says: a node's clock may step back, and each node
// publishes one document at a time.
func (ix *Index) Publish(ctx context.Context, doc *registry.Document) error {
	if doc == nil || doc.Name == "" {
		return ErrUnnamedDocument
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	now := ix.clock.Now()
	ix.docs[doc.Name] = &entry{doc: doc.Clone(), lastSeen: now}
	ix.metrics.IndexPublishes.Inc()
	ix.metrics.IndexDocuments.Set(float64(len(ix.docs)))

	ix.logger.Debug("Indexed node document",
		zap.String("node", doc.Name),
		zap.Int("announces", doc.Announces.Len()))
	return nil
}

// Search returns copies of every matching document ordered by node name, so
// equal timestamps resolve the same way on every query.
func (ix *Index) Search(ctx context.Context, p registry.Predicate) ([]*registry.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ix.metrics.IndexSearches.Inc()

	var out []*registry.Document
	for _, e := range ix.docs {
		if p.Match(e.doc) {
			out = append(out, e.doc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Nodes summarizes every indexed node ordered by name.
func (ix *Index) Nodes() []NodeSummary {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]NodeSummary, 0, len(ix.docs))
	for name, e := range ix.docs {
		addr, _ := e.doc.Get("address")
		s, _ := addr.(string)
		out = append(out, NodeSummary{
			Name:      name,
			Cluster:   e.doc.Cluster,
			Address:   s,
			Announces: e.doc.Announces.Len(),
			LastSeen:  e.lastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of indexed nodes.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

var _ registry.Searcher = (*Index)(nil)
