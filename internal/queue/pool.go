// internal/queue/pool.go
package queue

import (
	"context"
	"sync"
)

// Pool is a bounded pool of broker connections. It is constructed once and
// injected into whichever component needs broker access; a connection is
// acquired for the lifetime of a single sweep or drain call and must be
// released on every exit path.
type Pool struct {
	url string
	sem chan struct{}

	mu   sync.Mutex
	idle []*RabbitMQ
}

func NewPool(url string, size int) *Pool {
	if size <= 0 {
		size = 5
	}
	return &Pool{url: url, sem: make(chan struct{}, size)}
}

// Acquire returns an idle connection or dials a new one, blocking while the
// pool is at capacity until a slot frees or ctx expires.
func (p *Pool) Acquire(ctx context.Context) (Client, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	for n := len(p.idle); n > 0; n = len(p.idle) {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		if c.healthy() {
			p.mu.Unlock()
			return c, nil
		}
		c.Close()
	}
	p.mu.Unlock()

	c, err := Dial(p.url)
	if err != nil {
		<-p.sem
		return nil, err
	}
	return c, nil
}

// Release returns a connection to the pool, discarding it if it is no longer
// usable.
func (p *Pool) Release(c Client) {
	if c == nil {
		return
	}
	if rmq, ok := c.(*RabbitMQ); ok && rmq.healthy() {
		p.mu.Lock()
		p.idle = append(p.idle, rmq)
		p.mu.Unlock()
	} else {
		c.Close()
	}
	<-p.sem
}

// Close drops every idle connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.idle {
		c.Close()
	}
	p.idle = nil
}
