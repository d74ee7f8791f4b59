package client

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// DialOptions are the options every muster connection uses: plaintext
// transport with client keepalives so idle agents notice a dead peer.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	}
}

// Dial opens a lazy connection to target.
func Dial(target string, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts := append(DialOptions(), extra...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}
	return conn, nil
}

// ConnectionPool shares one connection per target
type ConnectionPool struct {
	connections map[string]*grpc.ClientConn
	mutex       sync.RWMutex
	extra       []grpc.DialOption
}

// NewConnectionPool creates an empty pool. extra is appended to DialOptions
// for every new connection.
func NewConnectionPool(extra ...grpc.DialOption) *ConnectionPool {
	return &ConnectionPool{
		connections: make(map[string]*grpc.ClientConn),
		extra:       extra,
	}
}

// Get returns the pooled connection to target, dialing it on first use or
// after the previous one was shut down.
func (p *ConnectionPool) Get(target string) (*grpc.ClientConn, error) {
	p.mutex.RLock()
	conn, exists := p.connections[target]
	p.mutex.RUnlock()

	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	// Double-check after acquiring write lock
	conn, exists = p.connections[target]
	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	newConn, err := Dial(target, p.extra...)
	if err != nil {
		return nil, err
	}
	p.connections[target] = newConn
	return newConn, nil
}

// Len returns the number of pooled connections.
func (p *ConnectionPool) Len() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return len(p.connections)
}

// CloseAll closes all connections in the pool
func (p *ConnectionPool) CloseAll() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	var err error
	for _, conn := range p.connections {
		err = multierr.Append(err, conn.Close())
	}
	p.connections = make(map[string]*grpc.ClientConn)
	return err
}
