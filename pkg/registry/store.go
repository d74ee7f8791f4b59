// Package registry defines the node document model and the store contract the
// discovery engine runs against: a locally owned, persisted document plus a
// cluster-wide search over every node's last published document.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrStoreWrite wraps failures to persist the local document.
	ErrStoreWrite = errors.New("failed to write node document")
	ErrNoDocument = errors.New("node document not loaded")
)

// Store is everything the discovery engine needs from its environment.
type Store interface {
	ClusterName() string
	// CurrentNode returns a fresh copy of the local document.
	CurrentNode(ctx context.Context) (*Document, error)
	// Update applies fn to a copy of the local document and persists it.
	// The change is visible only if fn and the write both succeed.
	Update(ctx context.Context, fn func(doc *Document) error) error
	// Search never fails; adapter errors come back as a degraded result.
	Search(ctx context.Context, p Predicate) SearchResult
}

// DocumentStore persists the local node document.
type DocumentStore interface {
	Load(ctx context.Context) (*Document, error)
	Save(ctx context.Context, doc *Document) error
	Close() error
}

// Searcher finds node documents across the cluster.
type Searcher interface {
	Search(ctx context.Context, p Predicate) ([]*Document, error)
}

// SearchResult separates "nothing matched" from "the index could not answer".
type SearchResult struct {
	Nodes    []*Document
	Degraded bool
	Err      error
}

// NodeStore is the Store for one node: a persisted local document and an
// optional cluster searcher.
type NodeStore struct {
	mu       sync.Mutex
	name     string
	cluster  string
	docs     DocumentStore
	searcher Searcher
	current  *Document
	onCommit func(doc *Document)
	logger   *zap.Logger
}

// NodeStoreOption configures a NodeStore.
type NodeStoreOption func(*NodeStore)

// WithSearcher sets the cluster searcher. Without one every search comes back
// empty and only the local document is visible.
func WithSearcher(s Searcher) NodeStoreOption {
	return func(ns *NodeStore) { ns.searcher = s }
}

// WithCommitHook registers fn to run after each successful commit with a copy
// of the new document.
func WithCommitHook(fn func(doc *Document)) NodeStoreOption {
	return func(ns *NodeStore) { ns.onCommit = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) NodeStoreOption {
	return func(ns *NodeStore) { ns.logger = logger }
}

// OpenNodeStore loads the local document for node name from docs, creating an
// empty one on first use.
func OpenNodeStore(ctx context.Context, name, cluster string, docs DocumentStore, opts ...NodeStoreOption) (*NodeStore, error) {
	ns := &NodeStore{
		name:    name,
		cluster: cluster,
		docs:    docs,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(ns)
	}

	doc, err := docs.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load node document: %w", err)
	}
	if doc == nil {
		doc = NewDocument(name, cluster)
	}
	doc.Name = name
	doc.Cluster = cluster
	ns.current = doc

	ns.logger.Debug("Node document loaded",
		zap.String("node", name),
		zap.Int("announces", doc.Announces.Len()))
	return ns, nil
}

func (ns *NodeStore) ClusterName() string { return ns.cluster }

// Name returns the local node name.
func (ns *NodeStore) Name() string { return ns.name }

func (ns *NodeStore) CurrentNode(ctx context.Context) (*Document, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.current == nil {
		return nil, ErrNoDocument
	}
	return ns.current.Clone(), nil
}

func (ns *NodeStore) Update(ctx context.Context, fn func(doc *Document) error) error {
	ns.mu.Lock()

	if ns.current == nil {
		ns.mu.Unlock()
		return ErrNoDocument
	}

	next := ns.current.Clone()
	if err := fn(next); err != nil {
		ns.mu.Unlock()
		return err
	}
	if err := ns.docs.Save(ctx, next); err != nil {
		ns.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}
	ns.current = next
	committed := next.Clone()
	hook := ns.onCommit
	ns.mu.Unlock()

	if hook != nil {
		hook(committed)
	}
	return nil
}

func (ns *NodeStore) Search(ctx context.Context, p Predicate) SearchResult {
	if ns.searcher == nil {
		return SearchResult{}
	}
	nodes, err := ns.searcher.Search(ctx, p)
	if err != nil {
		ns.logger.Debug("Search degraded",
			zap.String("path", p.Path()),
			zap.Error(err))
		return SearchResult{Degraded: true, Err: err}
	}
	return SearchResult{Nodes: nodes}
}

// Close releases the document store.
func (ns *NodeStore) Close() error {
	return ns.docs.Close()
}
