package pinch

import (
	"fmt"
	"sync"
)

// Pool reuses an already-authenticated Conn for a given (user, host,
// port) instead of redialing, the way original_source's connection_pool
// lets a jump host be authenticated once and shared by several inner
// tunnels. It is a convenience layered strictly on top of Dial; nothing
// in the core protocol implementation depends on it.
type Pool struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

// NewPool returns an empty connection pool.
func NewPool() *Pool {
	return &Pool{conns: make(map[string]*Conn)}
}

func poolKey(user, host string, port int) string {
	return fmt.Sprintf("%s@%s:%d", user, host, port)
}

// Get returns a pooled Conn for user@host:port, dialing and
// authenticating a new one via dial if none exists yet or the
// previously pooled one has since closed.
func (p *Pool) Get(host string, port int, config *ClientConfig, dial func() (*Conn, error)) (*Conn, error) {
	key := poolKey(config.User, host, port)

	p.mu.Lock()
	if c, ok := p.conns[key]; ok {
		select {
		case <-c.Done():
			delete(p.conns, key)
		default:
			p.mu.Unlock()
			return c, nil
		}
	}
	p.mu.Unlock()

	c, err := dial()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.conns[key] = c
	p.mu.Unlock()
	return c, nil
}

// Close closes every pooled connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, c := range p.conns {
		c.Close()
		delete(p.conns, key)
	}
}
