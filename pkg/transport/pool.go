package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	DefaultPoolCapacity = 5
	DefaultIdleTimeout  = 60 * time.Second
)

// PoolConfig tunes a connection pool. TransportConfig applies to every
// transport the pool dials.
type PoolConfig struct {
	Capacity        int
	IdleTimeout     time.Duration
	TransportConfig Config
}

/*
Pool keeps a bounded FIFO of idle WebSocket transports for one target URL.
Acquire prefers a live idle transport, dials a new one while below
capacity, and otherwise waits for a release. Idle entries that outlive the
idle timeout, or whose socket has died, are closed and replaced rather
than handed out.
*/
type Pool struct {
	url string
	cfg PoolConfig

	mu       sync.Mutex
	idle     []*Transport // FIFO: append on release, pop front on acquire
	active   int
	closed   bool
	released chan struct{}

	dial func(ctx context.Context) (*Transport, error)
}

func NewPool(url string, cfg PoolConfig) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultPoolCapacity
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	p := &Pool{
		url:      url,
		cfg:      cfg,
		released: make(chan struct{}, cfg.Capacity),
	}
	p.dial = func(ctx context.Context) (*Transport, error) {
		return Dial(ctx, url, cfg.TransportConfig)
	}
	return p
}

// Acquire returns a live transport, waiting for a release when the pool is
// at capacity.
func (p *Pool) Acquire(ctx context.Context) (*Transport, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("connection pool for %s is closed", p.url)
		}

		// Walk the idle FIFO, discarding stale or dead entries.
		for len(p.idle) > 0 {
			t := p.idle[0]
			p.idle = p.idle[1:]

			if time.Since(t.lastUsed) > p.cfg.IdleTimeout || !t.Alive() {
				p.active--
				p.mu.Unlock()
				t.Close()
				p.mu.Lock()
				continue
			}

			p.mu.Unlock()
			return t, nil
		}

		if p.active < p.cfg.Capacity {
			p.active++
			p.mu.Unlock()

			t, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.active--
				p.mu.Unlock()
				return nil, err
			}
			return t, nil
		}
		p.mu.Unlock()

		select {
		case <-p.released:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns a transport to the idle queue with a fresh last-used
// timestamp; when the pool is already closed the transport is closed
// instead.
func (p *Pool) Release(t *Transport) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		t.Close()
		return
	}

	t.lastUsed = time.Now()
	p.idle = append(p.idle, t)
	p.mu.Unlock()

	select {
	case p.released <- struct{}{}:
	default:
	}
}

// Discard removes a broken transport from the pool's accounting and closes
// it, freeing a capacity slot.
func (p *Pool) Discard(t *Transport) {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	t.Close()

	select {
	case p.released <- struct{}{}:
	default:
	}
}

// Close drains and closes every idle transport and refuses further
// acquisitions.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, t := range idle {
		t.Close()
	}
	log.Debug("connection pool closed", "url", p.url, "drained", len(idle))
}
