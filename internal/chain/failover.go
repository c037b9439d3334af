package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	unhealthyCooldown  = 5 * time.Minute
	healthProbeTimeout = 5 * time.Second
)

type endpoint struct {
	url         string
	client      *ethclient.Client
	healthy     bool
	lastFailure time.Time
	mu          sync.RWMutex
}

// FailoverPool manages multiple RPC endpoints and hands out a healthy
// client, rotating away from endpoints that failed recently.
type FailoverPool struct {
	endpoints []*endpoint
	current   int
	mu        sync.Mutex
}

// NewFailoverPool dials every URL and requires at least one live endpoint.
func NewFailoverPool(urls []string) (*FailoverPool, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one RPC URL is required")
	}

	pool := &FailoverPool{endpoints: make([]*endpoint, 0, len(urls))}
	healthy := 0
	for _, url := range urls {
		client, err := dialAndProbe(url)
		ep := &endpoint{url: url, client: client, healthy: err == nil}
		if err != nil {
			ep.lastFailure = time.Now()
			slog.Warn("RPC endpoint unreachable, will retry later", "url", url, "error", err)
		} else {
			healthy++
			slog.Info("Connected to RPC endpoint", "url", url)
		}
		pool.endpoints = append(pool.endpoints, ep)
	}

	if healthy == 0 {
		return nil, fmt.Errorf("no healthy RPC endpoints available")
	}
	return pool, nil
}

func dialAndProbe(url string) (*ethclient.Client, error) {
	client, err := ethclient.Dial(url)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
	defer cancel()
	if _, err := client.ChainID(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// Acquire returns a healthy client, reviving cooled-down endpoints when
// nothing else is available.
func (p *FailoverPool) Acquire() (*ethclient.Client, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < len(p.endpoints); i++ {
		idx := (p.current + i) % len(p.endpoints)
		ep := p.endpoints[idx]

		ep.mu.RLock()
		healthy, client, url := ep.healthy, ep.client, ep.url
		cooledDown := time.Since(ep.lastFailure) > unhealthyCooldown
		ep.mu.RUnlock()

		if healthy && client != nil {
			p.current = idx
			return client, url, nil
		}

		if !healthy && cooledDown {
			if revived, err := dialAndProbe(ep.url); err == nil {
				ep.mu.Lock()
				if ep.client != nil {
					ep.client.Close()
				}
				ep.client = revived
				ep.healthy = true
				ep.mu.Unlock()

				p.current = idx
				slog.Info("Reconnected to RPC endpoint", "url", ep.url)
				return revived, url, nil
			}
			ep.mu.Lock()
			ep.lastFailure = time.Now()
			ep.mu.Unlock()
		}
	}

	return nil, "", fmt.Errorf("no healthy RPC endpoints available")
}

// MarkUnhealthy removes an endpoint from rotation until the cooldown expires.
func (p *FailoverPool) MarkUnhealthy(url string, cause error) {
	for _, ep := range p.endpoints {
		if ep.url != url {
			continue
		}
		ep.mu.Lock()
		ep.healthy = false
		ep.lastFailure = time.Now()
		if ep.client != nil {
			ep.client.Close()
			ep.client = nil
		}
		ep.mu.Unlock()

		slog.Warn("Marked RPC endpoint unhealthy",
			"url", url, "error", cause, "retry_after", unhealthyCooldown)
		return
	}
}

// Health reports per-endpoint health, keyed by URL.
func (p *FailoverPool) Health() map[string]bool {
	status := make(map[string]bool, len(p.endpoints))
	for _, ep := range p.endpoints {
		ep.mu.RLock()
		status[ep.url] = ep.healthy
		ep.mu.RUnlock()
	}
	return status
}

// Close shuts down every endpoint connection.
func (p *FailoverPool) Close() {
	for _, ep := range p.endpoints {
		ep.mu.Lock()
		if ep.client != nil {
			ep.client.Close()
			ep.client = nil
		}
		ep.mu.Unlock()
	}
}
