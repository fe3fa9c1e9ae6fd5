package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/relaygate/internal/circuitbreaker"
	"github.com/mbd888/relaygate/internal/metrics"
	"github.com/mbd888/relaygate/internal/traces"
)

// Client is the slice of the go-ethereum client used for broadcast.
type Client interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

// DialFunc connects to an RPC endpoint.
type DialFunc func(ctx context.Context, url string) (Client, error)

func dialEth(ctx context.Context, url string) (Client, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Broadcaster sends signed transactions to per-chain RPC endpoints. Clients
// are dialed on first use and reused for the life of the process.
type Broadcaster struct {
	urls    map[string]string
	dial    DialFunc
	breaker *circuitbreaker.Breaker

	mu      sync.Mutex
	clients map[string]Client
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithDialer replaces ethclient.DialContext.
func WithDialer(dial DialFunc) BroadcasterOption {
	return func(b *Broadcaster) { b.dial = dial }
}

// WithBreaker stops calling an endpoint after repeated failures.
func WithBreaker(cb *circuitbreaker.Breaker) BroadcasterOption {
	return func(b *Broadcaster) { b.breaker = cb }
}

// NewBroadcaster creates a broadcaster over chain name → RPC URL.
func NewBroadcaster(urls map[string]string, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		urls:    make(map[string]string, len(urls)),
		dial:    dialEth,
		clients: make(map[string]Client),
	}
	for name, url := range urls {
		if url != "" {
			b.urls[Normalize(name)] = url
		}
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Configured reports whether chainName resolves to an RPC URL.
func (b *Broadcaster) Configured(chainName string) bool {
	_, ok := b.urls[Normalize(chainName)]
	return ok
}

// Send broadcasts tx and returns its hash.
func (b *Broadcaster) Send(ctx context.Context, chainName string, tx *types.Transaction) (string, error) {
	name := Normalize(chainName)
	ctx, span := traces.StartSpan(ctx, "chain.Send", traces.Chain(name))
	defer span.End()

	client, err := b.client(ctx, name)
	if err != nil {
		metrics.BroadcastsTotal.WithLabelValues(name, "unavailable").Inc()
		traces.Fail(span, err, "rpc unavailable")
		return "", err
	}

	send := func() error { return client.SendTransaction(ctx, tx) }
	if b.breaker != nil {
		err = b.breaker.Do("rpc:"+name, send)
	} else {
		err = send()
	}
	if err != nil {
		metrics.BroadcastsTotal.WithLabelValues(name, "error").Inc()
		traces.Fail(span, err, "broadcast failed")
		return "", fmt.Errorf("chain: send on %s: %w", name, err)
	}

	metrics.BroadcastsTotal.WithLabelValues(name, "sent").Inc()
	return tx.Hash().Hex(), nil
}

func (b *Broadcaster) client(ctx context.Context, name string) (Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.clients[name]; ok {
		return c, nil
	}
	url, ok := b.urls[name]
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoRPC, name)
	}
	c, err := b.dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", name, err)
	}
	b.clients[name] = c
	return c, nil
}

// Close releases every dialed client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, c := range b.clients {
		c.Close()
		delete(b.clients, name)
	}
}
