package node

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"muster/pkg/config"
	"muster/pkg/discovery"
	"muster/pkg/index"
	"muster/pkg/metrics"
	"muster/pkg/registry"
	"muster/pkg/store"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// AddressAttribute is the node document attribute holding the agent address.
const AddressAttribute = "address"

// Index is the cluster index a node publishes its document to and searches.
type Index interface {
	registry.Searcher
	Publish(ctx context.Context, doc *registry.Document) error
}

// Node is the per-host agent. It owns the local document, keeps the index up
// to date and serves announce and discovery to local clients over gRPC.
type Node struct {
	name    string
	cluster string
	address string
	cfg     config.NodeConfig
	logger  *zap.Logger
	clock   clock.Clock

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	docs      registry.DocumentStore
	index     Index
	closers   []func() error
	store     *registry.NodeStore
	discovery *discovery.Service

	server        *grpc.Server
	metricsServer *metrics.Server

	publishCh chan struct{}
	wg        sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Node.
type Option func(*Node)

// WithIndex uses ix instead of dialing the coordinator.
func WithIndex(ix Index) Option {
	return func(n *Node) { n.index = ix }
}

// WithDocumentStore uses docs instead of the store named in the config.
func WithDocumentStore(docs registry.DocumentStore) Option {
	return func(n *Node) { n.docs = docs }
}

// WithClock replaces the wall clock for announce stamps and the sync ticker.
func WithClock(c clock.Clock) Option {
	return func(n *Node) { n.clock = c }
}

// WithRegistry registers node metrics on reg.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(n *Node) { n.registry = reg }
}

// New opens the local document and wires the node to its index. cfg is
// expected to have defaults applied.
func New(cluster string, cfg config.NodeConfig, logger *zap.Logger, opts ...Option) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		name:      cfg.Name,
		cluster:   cluster,
		address:   cfg.Address,
		cfg:       cfg,
		logger:    logger.With(zap.String("node", cfg.Name)),
		clock:     clock.New(),
		publishCh: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.registry == nil {
		n.registry = prometheus.NewRegistry()
	}
	n.metrics = metrics.New(n.registry)

	if err := n.open(ctx); err != nil {
		cancel()
		return nil, multierr.Append(err, n.closeAll())
	}

	n.server = grpc.NewServer()
	RegisterNodeServer(n.server, NewServer(n.discovery, n.logger))
	if cfg.MetricsAddress != "" {
		n.metricsServer = metrics.NewServer(cfg.MetricsAddress, n.registry, n.logger)
	}
	return n, nil
}

func (n *Node) open(ctx context.Context) error {
	if n.docs == nil {
		docs, err := openDocumentStore(n.cfg, n.logger)
		if err != nil {
			return err
		}
		n.docs = docs
	}
	n.closers = append(n.closers, n.docs.Close)

	if n.index == nil {
		ic, err := index.Dial(index.ClientConfig{
			Address:     n.cfg.CoordinatorAddress,
			CallTimeout: n.searchTimeout(),
			CacheTTL:    n.cfg.CacheTTL.Std(),
		}, n.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to coordinator: %w", err)
		}
		n.index = ic
		n.closers = append(n.closers, ic.Close)
	}

	ns, err := registry.OpenNodeStore(ctx, n.name, n.cluster, n.docs,
		registry.WithSearcher(boundedSearcher{Searcher: n.index, timeout: n.searchTimeout()}),
		registry.WithCommitHook(n.requestPublish),
		registry.WithLogger(n.logger))
	if err != nil {
		return err
	}
	n.store = ns

	current, err := ns.CurrentNode(ctx)
	if err != nil {
		return err
	}
	if addr, _ := current.Get(AddressAttribute); n.address != "" && addr != n.address {
		err := ns.Update(ctx, func(doc *registry.Document) error {
			doc.Set(AddressAttribute, n.address)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to record node address: %w", err)
		}
	}

	n.discovery = discovery.New(ns, n.logger,
		discovery.WithClock(n.clock),
		discovery.WithMetrics(n.metrics))
	return nil
}

func openDocumentStore(cfg config.NodeConfig, logger *zap.Logger) (registry.DocumentStore, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return store.NewMemory(), nil
	case config.StoreSQLite, "":
		return store.OpenSQLite(filepath.Join(cfg.DataDir, store.DefaultFileName), cfg.Name, logger)
	default:
		return nil, fmt.Errorf("unknown document store %q", cfg.Store)
	}
}

// Start listens on the configured address and serves until Stop.
func (n *Node) Start() error {
	// Bind to all interfaces when the address names a host.
	bindAddr := n.address
	if host, port, err := net.SplitHostPort(n.address); err == nil && host != "" {
		bindAddr = ":" + port
	}

	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", bindAddr, err)
	}

	if n.metricsServer != nil {
		if err := n.metricsServer.Start(); err != nil {
			listener.Close()
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	n.logger.Info("Node starting",
		zap.String("cluster", n.cluster),
		zap.String("address", n.address),
		zap.String("coordinator", n.cfg.CoordinatorAddress),
		zap.Duration("sync_interval", n.syncInterval()))

	return n.Serve(listener)
}

// Serve runs the node service on lis together with the sync loop. It returns
// when the server stops.
func (n *Node) Serve(lis net.Listener) error {
	g, ctx := errgroup.WithContext(n.ctx)

	n.wg.Add(1)
	g.Go(func() error {
		defer n.wg.Done()
		n.syncLoop(ctx)
		return nil
	})
	g.Go(func() error {
		return n.server.Serve(lis)
	})
	return g.Wait()
}

// Stop shuts the servers down and closes the local store.
func (n *Node) Stop() error {
	n.cancel()
	n.server.GracefulStop()
	n.wg.Wait()

	var err error
	if n.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = multierr.Append(err, n.metricsServer.Stop(ctx))
		cancel()
	}
	err = multierr.Append(err, n.closeAll())

	n.logger.Info("Node stopped")
	return err
}

func (n *Node) closeAll() error {
	var err error
	for i := len(n.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, n.closers[i]())
	}
	n.closers = nil
	return err
}

func (n *Node) Name() string { return n.name }

// Discovery returns the node's announce and discovery service.
func (n *Node) Discovery() *discovery.Service { return n.discovery }

// Store returns the node's registry store.
func (n *Node) Store() *registry.NodeStore { return n.store }

// Registry returns the registry node metrics are recorded on.
func (n *Node) Registry() *prometheus.Registry { return n.registry }

func (n *Node) searchTimeout() time.Duration {
	if d := n.cfg.SearchTimeout.Std(); d > 0 {
		return d
	}
	return config.DefaultSearchTimeout
}

func (n *Node) syncInterval() time.Duration {
	if d := n.cfg.SyncInterval.Std(); d > 0 {
		return d
	}
	return config.DefaultSyncInterval
}

// boundedSearcher gives every cluster search its own deadline.
type boundedSearcher struct {
	registry.Searcher
	timeout time.Duration
}

func (s boundedSearcher) Search(ctx context.Context, p registry.Predicate) ([]*registry.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.Searcher.Search(ctx, p)
}

var _ Index = (*index.Client)(nil)
var _ Index = (*index.Index)(nil)
