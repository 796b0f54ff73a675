package gateway

import "sync"

// Conn is the subset of *websocket.Conn the pool needs; tests substitute stubs.
type Conn interface {
	Close() error
}

// Pool tracks the live websocket connections of one room so shutdown can
// close them in one sweep. Per-connection fanout is handled by each
// connection's own binding, not here.
type Pool struct {
	room  string
	mu    sync.Mutex
	conns map[Conn]struct{}
}

func NewPool(room string) *Pool {
	return &Pool{
		room:  room,
		conns: map[Conn]struct{}{},
	}
}

func (p *Pool) Add(conn Conn) {
	if p == nil || conn == nil {
		return
	}
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()
}

func (p *Pool) Remove(conn Conn) {
	if p == nil || conn == nil {
		return
	}
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	_ = conn.Close()
}

func (p *Pool) Count() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *Pool) CloseAll() {
	if p == nil {
		return
	}
	p.mu.Lock()
	for conn := range p.conns {
		_ = conn.Close()
		delete(p.conns, conn)
	}
	p.mu.Unlock()
}
