package client

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
)

var errPoolClosed = errors.New("client is closed")

// protoConn is a server connection with its buffered reader, so that reply
// bytes read ahead are not lost between requests.
type protoConn struct {
	net.Conn
	r *bufio.Reader
}

// connPool keeps up to maxSize connections to one server. Every open
// connection holds a token in slots; idle ones also wait in conns. A caller
// that finds neither an idle connection nor a free slot blocks on both, so a
// connection closed by put lets it dial a replacement.
type connPool struct {
	mu     sync.Mutex
	conns  chan *protoConn
	slots  chan struct{}
	done   chan struct{}
	dial   func(ctx context.Context) (net.Conn, error)
	closed bool
}

func newConnPool(maxSize int, dial func(ctx context.Context) (net.Conn, error)) *connPool {
	return &connPool{
		conns: make(chan *protoConn, maxSize),
		slots: make(chan struct{}, maxSize),
		done:  make(chan struct{}),
		dial:  dial,
	}
}

// get returns an idle connection, dials a new one while a slot is free, or
// waits for either.
func (p *connPool) get(ctx context.Context) (*protoConn, error) {
	select {
	case <-p.done:
		return nil, errPoolClosed
	case c := <-p.conns:
		return c, nil
	default:
	}

	select {
	case <-p.done:
		return nil, errPoolClosed
	case c := <-p.conns:
		return c, nil
	case p.slots <- struct{}{}:
		conn, err := p.dial(ctx)
		if err != nil {
			<-p.slots
			return nil, err
		}
		return &protoConn{Conn: conn, r: bufio.NewReader(conn)}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// put returns c to the pool. Broken connections are closed instead, since
// their read position in the reply stream is unknown.
func (p *connPool) put(c *protoConn, broken bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if broken || p.closed {
		c.Close()
		<-p.slots
		return
	}
	p.conns <- c
}

// numConns reports the connections currently open.
func (p *connPool) numConns() int { return len(p.slots) }

// close closes idle connections now and busy ones when they are returned.
func (p *connPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
	for {
		select {
		case c := <-p.conns:
			c.Close()
			<-p.slots
		default:
			return
		}
	}
}
