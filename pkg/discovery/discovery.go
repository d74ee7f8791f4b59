// Package discovery announces components provided by the local node and
// resolves the most recent providers of a component across the cluster.
//
// Announcements are last-writer-wins: every node writes only its own
// document, and discovery orders the matching documents by the timestamp
// stamped at announce time. There is no coordination between announcers.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"muster/pkg/component"
	"muster/pkg/metrics"
	"muster/pkg/registry"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ErrNotFound is returned by Discover when no node announces the component.
var ErrNotFound = errors.New("could not find component")

// Service runs announce and discovery against a registry store
type Service struct {
	store   registry.Store
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock used to stamp announcements.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithMetrics records activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New creates a discovery service bound to store.
func New(store registry.Store, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:  store,
		clock:  clock.New(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNop()
	}
	return s
}

// AnnounceOptions are the optional parts of an announcement.
type AnnounceOptions struct {
	// Realm defaults to the cluster name.
	Realm      string
	Attributes component.Attributes
}

// Announce records that this node provides system/subsystem. A later announce
// of the same component from this node overwrites the entry.
func (s *Service) Announce(ctx context.Context, system, subsystem string, opts AnnounceOptions) (*component.Identity, error) {
	realm := opts.Realm
	if realm == "" {
		realm = s.store.ClusterName()
	}

	local, err := s.store.CurrentNode(ctx)
	if err != nil {
		return nil, err
	}

	id, err := component.New(local.Name, realm, system, subsystem, opts.Attributes)
	if err != nil {
		return nil, err
	}
	id.Timestamp = s.clock.Now()

	key := id.FullName()
	err = s.store.Update(ctx, func(doc *registry.Document) error {
		doc.Announces.Set(key, id.ToDocument())
		return nil
	})
	if err != nil {
		s.metrics.AnnounceFailures.Inc()
		s.logger.Error("Failed to announce component",
			zap.String("component", key),
			zap.Error(err))
		return nil, err
	}

	s.metrics.Announces.Inc()
	s.logger.Info("Announced component",
		zap.String("component", key),
		zap.Time("timestamp", id.Timestamp))
	return id, nil
}

// DiscoverAll returns every node announcing the component, oldest first.
// An unavailable index degrades to an empty candidate set; the local node's
// own entry is always taken from its current document.
func (s *Service) DiscoverAll(ctx context.Context, system, subsystem, realm string) ([]*component.Identity, error) {
	if realm == "" {
		realm = s.store.ClusterName()
	}
	if system == "" {
		return nil, fmt.Errorf("%w: system is required", component.ErrInvalidIdentity)
	}
	key := component.FullName(realm, system, subsystem)

	start := s.clock.Now()
	result := s.store.Search(ctx, registry.HasAttribute(registry.AnnouncePath(key)))
	s.metrics.SearchLatency.Observe(s.clock.Since(start).Seconds())
	if result.Degraded {
		s.metrics.SearchDegraded.Inc()
		s.logger.Warn("Search degraded, treating as no candidates",
			zap.String("component", key),
			zap.Error(result.Err))
	}

	local, err := s.store.CurrentNode(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]*registry.Document, 0, len(result.Nodes)+1)
	for _, doc := range result.Nodes {
		if doc == nil || doc.Name == local.Name {
			continue
		}
		candidates = append(candidates, doc)
	}
	if _, ok := local.Announce(key); ok {
		candidates = append(candidates, local)
	}

	ids := make([]*component.Identity, 0, len(candidates))
	for _, doc := range candidates {
		raw, _ := doc.Announce(key)
		id, err := component.FromDocument(doc.Name, realm, system, subsystem, raw)
		if err != nil {
			s.logger.Warn("Skipping unreadable announcement",
				zap.String("component", key),
				zap.String("node", doc.Name),
				zap.Error(err))
			continue
		}
		ids = append(ids, id)
	}

	sort.SliceStable(ids, func(i, j int) bool {
		return ids[i].Timestamp.Before(ids[j].Timestamp)
	})

	if len(ids) == 0 {
		s.metrics.DiscoverRequests.WithLabelValues("empty").Inc()
		s.logger.Warn("No nodes announce component", zap.String("component", key))
	} else {
		s.metrics.DiscoverRequests.WithLabelValues("found").Inc()
		s.logger.Debug("Discovered component",
			zap.String("component", key),
			zap.Int("providers", len(ids)))
	}
	return ids, nil
}

// Discover returns the most recent announcer of the component.
func (s *Service) Discover(ctx context.Context, system, subsystem, realm string) (*component.Identity, error) {
	ids, err := s.DiscoverAll(ctx, system, subsystem, realm)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		if realm == "" {
			realm = s.store.ClusterName()
		}
		return nil, fmt.Errorf("%w %s", ErrNotFound, component.FullName(realm, system, subsystem))
	}
	return ids[len(ids)-1], nil
}
