package index

import (
	"context"
	"fmt"
	"time"

	"muster/pkg/client"
	"muster/pkg/registry"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// DefaultCallTimeout bounds a single index RPC.
const DefaultCallTimeout = 5 * time.Second

// ClientConfig configures a remote index client
type ClientConfig struct {
	Address     string
	CallTimeout time.Duration
	Retry       RetryPolicy
	// CacheTTL caches search results per path. Zero disables caching.
	CacheTTL time.Duration
}

// Client talks to a remote index over gRPC. It implements registry.Searcher.
type Client struct {
	conn    *grpc.ClientConn
	ownConn bool
	cfg     ClientConfig
	cache   *gocache.Cache
	logger  *zap.Logger
}

// Dial connects to the index at cfg.Address; opts extend the default dial
// options. The connection is lazy, so an unreachable coordinator surfaces on
// the first call.
func Dial(cfg ClientConfig, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	conn, err := client.Dial(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}
	c := NewClient(conn, cfg, logger)
	c.ownConn = true
	return c, nil
}

// NewClient wraps an existing connection. Close leaves conn open.
func NewClient(conn *grpc.ClientConn, cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy
	}

	c := &Client{conn: conn, cfg: cfg, logger: logger}
	if cfg.CacheTTL > 0 {
		c.cache = gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return c
}

// Publish pushes doc to the index.
func (c *Client) Publish(ctx context.Context, doc *registry.Document) error {
	req, err := DocumentToStruct(doc)
	if err != nil {
		return err
	}
	return c.cfg.Retry.do(ctx, c.logger, "publish", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		return c.conn.Invoke(ctx, publishMethod, req, new(emptypb.Empty))
	})
}

// Search returns the documents matching p.Path() on the remote index. The
// remote side evaluates the path as a HasAttribute predicate.
func (c *Client) Search(ctx context.Context, p registry.Predicate) ([]*registry.Document, error) {
	path := p.Path()
	if c.cache != nil {
		if cached, ok := c.cache.Get(path); ok {
			if docs, ok := cached.([]*registry.Document); ok {
				c.logger.Debug("Search cache hit", zap.String("path", path))
				return cloneAll(docs), nil
			}
		}
	}

	resp := new(structpb.ListValue)
	err := c.cfg.Retry.do(ctx, c.logger, "search", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		return c.conn.Invoke(ctx, searchMethod, wrapperspb.String(path), resp)
	})
	if err != nil {
		return nil, err
	}

	docs, err := DocumentsFromList(resp)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.SetDefault(path, cloneAll(docs))
	}
	return docs, nil
}

// Nodes lists every node the index holds.
func (c *Client) Nodes(ctx context.Context) ([]NodeSummary, error) {
	resp := new(structpb.ListValue)
	err := c.cfg.Retry.do(ctx, c.logger, "nodes", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		return c.conn.Invoke(ctx, nodesMethod, &emptypb.Empty{}, resp)
	})
	if err != nil {
		return nil, err
	}
	return summariesFromList(resp), nil
}

// Close closes the connection if Dial opened it.
func (c *Client) Close() error {
	if c.cache != nil {
		c.cache.Flush()
	}
	if c.ownConn {
		return c.conn.Close()
	}
	return nil
}

func cloneAll(docs []*registry.Document) []*registry.Document {
	out := make([]*registry.Document, len(docs))
	for i, d := range docs {
		out[i] = d.Clone()
	}
	return out
}

var _ registry.Searcher = (*Client)(nil)
