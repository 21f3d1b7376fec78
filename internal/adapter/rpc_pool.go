package adapter

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/wallet-insight/internal/logging"
)

// Dialer opens a chain client for one endpoint
type Dialer func(ctx context.Context, url string) (ChainClient, error)

// DialEthclient is the Dialer backed by go-ethereum's ethclient
func DialEthclient(ctx context.Context, url string) (ChainClient, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// ChainIDDialer dials with ethclient and rejects endpoints on another chain
func ChainIDDialer(chainID int64) Dialer {
	return func(ctx context.Context, url string) (ChainClient, error) {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return nil, err
		}
		id, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, NewAdapterError("rpc", "ChainID", err, nil)
		}
		if id.Int64() != chainID {
			client.Close()
			return nil, fmt.Errorf("chain ID mismatch: expected %d, got %d", chainID, id.Int64())
		}
		return client, nil
	}
}

// RPCPool is a ChainClient over several endpoints. It sticks to the current
// endpoint until a call fails transiently, then moves to the next endpoint
// that is not cooling down and repeats the call there.
type RPCPool struct {
	endpoints []string
	dial      Dialer

	mu        sync.Mutex
	clients   []ChainClient
	current   int
	cooldowns map[int]time.Time
	cooldown  time.Duration
	now       func() time.Time
}

var _ ChainClient = (*RPCPool)(nil)

// RPCPoolConfig holds configuration for creating an RPC pool
type RPCPoolConfig struct {
	Endpoints []string
	// Cooldown is how long a failing endpoint is skipped. Default 60s.
	Cooldown time.Duration
	Dialer   Dialer
}

// SplitEndpoints parses a comma-separated endpoint list, dropping blanks
func SplitEndpoints(urls string) []string {
	var out []string
	for _, ep := range strings.Split(urls, ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			out = append(out, ep)
		}
	}
	return out
}

// NewRPCPool connects to the first endpoint; the rest are dialled on demand
func NewRPCPool(ctx context.Context, cfg RPCPoolConfig) (*RPCPool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = DialEthclient
	}

	p := &RPCPool{
		endpoints: cfg.Endpoints,
		dial:      cfg.Dialer,
		clients:   make([]ChainClient, len(cfg.Endpoints)),
		cooldowns: make(map[int]time.Time),
		cooldown:  cfg.Cooldown,
		now:       time.Now,
	}

	client, err := cfg.Dialer(ctx, cfg.Endpoints[0])
	if err != nil {
		return nil, NewAdapterError("rpc", "Dial", err, map[string]interface{}{"endpoint": 0})
	}
	p.clients[0] = client

	logging.WithField("endpoints", len(cfg.Endpoints)).Info("RPC pool initialized")
	return p, nil
}

// EndpointCount returns the number of endpoints in the pool
func (p *RPCPool) EndpointCount() int {
	return len(p.endpoints)
}

// CurrentIndex returns the endpoint in use
func (p *RPCPool) CurrentIndex() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Close closes every client that supports it
func (p *RPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		if closer, ok := c.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}

func (p *RPCPool) BlockNumber(ctx context.Context) (uint64, error) {
	return poolCall(ctx, p, func(c ChainClient) (uint64, error) { return c.BlockNumber(ctx) })
}

func (p *RPCPool) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	return poolCall(ctx, p, func(c ChainClient) (*ethtypes.Header, error) { return c.HeaderByNumber(ctx, number) })
}

func (p *RPCPool) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	return poolCall(ctx, p, func(c ChainClient) ([]ethtypes.Log, error) { return c.FilterLogs(ctx, q) })
}

// poolCall tries fn on at most one pass over the endpoints
func poolCall[T any](ctx context.Context, p *RPCPool, fn func(ChainClient) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := 0; i < len(p.endpoints); i++ {
		idx, client := p.active()
		v, err := fn(client)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || !isTransient(err) {
			return zero, err
		}
		lastErr = err
		if !p.failover(ctx, idx) {
			break
		}
	}
	return zero, fmt.Errorf("all %d RPC endpoints failed: %w", len(p.endpoints), lastErr)
}

func (p *RPCPool) active() (int, ChainClient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.clients[p.current]
}

// failover marks failed as cooling down and switches to the next usable
// endpoint. It returns false when none is left.
func (p *RPCPool) failover(ctx context.Context, failed int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.cooldowns[failed] = now
	if p.current != failed {
		// another caller already moved on
		return true
	}

	for i := 1; i < len(p.endpoints); i++ {
		next := (failed + i) % len(p.endpoints)
		if since, ok := p.cooldowns[next]; ok {
			if now.Sub(since) < p.cooldown {
				continue
			}
			delete(p.cooldowns, next)
		}
		if p.clients[next] == nil {
			client, err := p.dial(ctx, p.endpoints[next])
			if err != nil {
				logging.WithError(err).WithField("endpoint", next).Warn("Failed to dial RPC endpoint")
				p.cooldowns[next] = now
				continue
			}
			p.clients[next] = client
		}
		logging.WithFields(map[string]interface{}{
			"from": failed,
			"to":   next,
		}).Warn("RPC endpoint failing, switched endpoint")
		p.current = next
		return true
	}
	return false
}

// TryResetToPrimary moves back to endpoint 0 once its cooldown has passed
func (p *RPCPool) TryResetToPrimary() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == 0 {
		return true
	}
	if since, ok := p.cooldowns[0]; ok {
		if p.now().Sub(since) < p.cooldown {
			return false
		}
		delete(p.cooldowns, 0)
	}
	p.current = 0
	return true
}
