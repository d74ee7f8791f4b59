package node

import (
	"context"
	"fmt"
	"strings"
	"time"

	"muster/pkg/client"
	"muster/pkg/component"
	"muster/pkg/discovery"
	"muster/pkg/index"
	"muster/pkg/registry"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// DefaultClientTimeout bounds a single call to the node agent.
const DefaultClientTimeout = 10 * time.Second

// Client calls a node agent. Errors carry the same sentinels the discovery
// service returns, so errors.Is works across the wire.
type Client struct {
	conn    *grpc.ClientConn
	ownConn bool
	timeout time.Duration
}

// Dial connects to the node agent at address.
func Dial(address string, timeout time.Duration, opts ...grpc.DialOption) (*Client, error) {
	conn, err := client.Dial(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	c := NewClient(conn, timeout)
	c.ownConn = true
	return c, nil
}

// NewClient wraps an existing connection. Close leaves conn open.
func NewClient(conn *grpc.ClientConn, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	return &Client{conn: conn, timeout: timeout}
}

func (c *Client) Announce(ctx context.Context, system, subsystem string, opts discovery.AnnounceOptions) (*component.Identity, error) {
	req := map[string]any{
		fieldSystem:    system,
		fieldSubsystem: subsystem,
		fieldRealm:     opts.Realm,
	}
	if len(opts.Attributes) > 0 {
		req[fieldAttributes] = map[string]any(opts.Attributes)
	}
	in, err := index.ToStruct(req)
	if err != nil {
		return nil, err
	}

	out := new(structpb.Struct)
	if err := c.invoke(ctx, announceMethod, in, out); err != nil {
		return nil, err
	}
	return identityFromStruct(out)
}

func (c *Client) DiscoverAll(ctx context.Context, system, subsystem, realm string) ([]*component.Identity, error) {
	in, err := componentStruct(system, subsystem, realm)
	if err != nil {
		return nil, err
	}
	out := new(structpb.ListValue)
	if err := c.invoke(ctx, discoverAllMethod, in, out); err != nil {
		return nil, err
	}
	return identitiesFromList(out)
}

func (c *Client) Discover(ctx context.Context, system, subsystem, realm string) (*component.Identity, error) {
	in, err := componentStruct(system, subsystem, realm)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.invoke(ctx, discoverMethod, in, out); err != nil {
		return nil, err
	}
	return identityFromStruct(out)
}

func (c *Client) ComponentsWith(ctx context.Context, aspect string) ([]*component.Identity, error) {
	out := new(structpb.ListValue)
	if err := c.invoke(ctx, componentsWithMethod, wrapperspb.String(aspect), out); err != nil {
		return nil, err
	}
	return identitiesFromList(out)
}

// Close closes the connection if Dial opened it.
func (c *Client) Close() error {
	if c.ownConn {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return fromStatus(c.conn.Invoke(ctx, method, in, out))
}

func componentStruct(system, subsystem, realm string) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		fieldSystem:    system,
		fieldSubsystem: subsystem,
		fieldRealm:     realm,
	})
}

// fromStatus turns a status built by toStatus back into its sentinel error.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	var sentinel error
	switch st.Code() {
	case codes.NotFound:
		sentinel = discovery.ErrNotFound
	case codes.InvalidArgument:
		sentinel = component.ErrInvalidIdentity
	case codes.Unavailable:
		// Both a failed local write and an unreachable agent map here; only
		// the former carries the store message.
		if !strings.HasPrefix(st.Message(), registry.ErrStoreWrite.Error()) {
			return err
		}
		sentinel = registry.ErrStoreWrite
	default:
		return err
	}
	return fmt.Errorf("%w%s", sentinel, strings.TrimPrefix(st.Message(), sentinel.Error()))
}
