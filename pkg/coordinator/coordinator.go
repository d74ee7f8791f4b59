package coordinator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"muster/pkg/config"
	"muster/pkg/index"
	"muster/pkg/metrics"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const (
	// HealthCheckInterval is how often the coordinator scans for stale nodes.
	HealthCheckInterval = 30 * time.Second
	// DefaultStaleAfter marks a node stale after three missed sync intervals.
	DefaultStaleAfter = 3 * config.DefaultSyncInterval
)

// Coordinator hosts the cluster index that node agents publish to and
// search. It holds no state of its own beyond the index, which nodes rebuild
// on their next sync after a restart.
type Coordinator struct {
	cluster string
	address string
	config  config.CoordinatorConfig
	logger  *zap.Logger
	clock   clock.Clock

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	index    *index.Index

	staleAfter time.Duration
	staleMutex sync.Mutex
	stale      map[string]bool

	server        *grpc.Server
	metricsServer *metrics.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

func WithRegistry(reg *prometheus.Registry) Option {
	return func(co *Coordinator) { co.registry = reg }
}

// WithStaleAfter sets how long a node may go without publishing before it is
// reported stale. Stale nodes stay in the index.
func WithStaleAfter(d time.Duration) Option {
	return func(co *Coordinator) { co.staleAfter = d }
}

func New(cluster string, cfg config.CoordinatorConfig, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		cluster:    cluster,
		address:    cfg.Address,
		config:     cfg,
		logger:     logger,
		clock:      clock.New(),
		staleAfter: DefaultStaleAfter,
		stale:      make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = prometheus.NewRegistry()
	}
	c.metrics = metrics.New(c.registry)
	c.index = index.New(logger, index.WithClock(c.clock), index.WithMetrics(c.metrics))

	c.server = grpc.NewServer()
	index.RegisterIndexServer(c.server, index.NewServer(c.index, logger))
	if cfg.MetricsAddress != "" {
		c.metricsServer = metrics.NewServer(cfg.MetricsAddress, c.registry, logger)
	}
	return c
}

func (c *Coordinator) Start() error {
	listener, err := net.Listen("tcp", c.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.address, err)
	}

	if c.metricsServer != nil {
		if err := c.metricsServer.Start(); err != nil {
			listener.Close()
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	c.logger.Info("Coordinator starting",
		zap.String("cluster", c.cluster),
		zap.String("address", listener.Addr().String()))

	return c.Serve(listener)
}

// Serve runs the index service on lis until Stop.
func (c *Coordinator) Serve(lis net.Listener) error {
	g, ctx := errgroup.WithContext(c.ctx)
	g.Go(func() error {
		c.nodeHealthLoop(ctx)
		return nil
	})
	g.Go(func() error {
		return c.server.Serve(lis)
	})
	return g.Wait()
}

func (c *Coordinator) Stop() error {
	c.cancel()
	c.server.GracefulStop()

	var err error
	if c.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = multierr.Append(err, c.metricsServer.Stop(ctx))
		cancel()
	}

	c.logger.Info("Coordinator stopped", zap.Int("indexed_nodes", c.index.Len()))
	return err
}

// Index returns the hosted index.
func (c *Coordinator) Index() *index.Index { return c.index }

// Registry returns the registry coordinator metrics are recorded on.
func (c *Coordinator) Registry() *prometheus.Registry { return c.registry }

func (c *Coordinator) nodeHealthLoop(ctx context.Context) {
	ticker := c.clock.Ticker(HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkNodeHealth()
		}
	}
}

// checkNodeHealth logs nodes that stopped publishing and those that came
// back. It returns the names of the currently stale nodes.
func (c *Coordinator) checkNodeHealth() []string {
	now := c.clock.Now()
	var staleNodes []string

	c.staleMutex.Lock()
	defer c.staleMutex.Unlock()

	for _, node := range c.index.Nodes() {
		isStale := now.Sub(node.LastSeen) > c.staleAfter
		wasStale := c.stale[node.Name]

		switch {
		case isStale && !wasStale:
			c.logger.Warn("Node stopped publishing",
				zap.String("node", node.Name),
				zap.String("address", node.Address),
				zap.Time("last_seen", node.LastSeen))
		case !isStale && wasStale:
			c.logger.Info("Node publishing again", zap.String("node", node.Name))
		}

		c.stale[node.Name] = isStale
		if isStale {
			staleNodes = append(staleNodes, node.Name)
		}
	}

	c.metrics.StaleNodes.Set(float64(len(staleNodes)))
	return staleNodes
}
