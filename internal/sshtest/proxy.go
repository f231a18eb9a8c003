package sshtest

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
)

// Proxy forwards TCP connections to a target address. Once frozen it stops
// forwarding in both directions without closing anything, like a peer that
// hangs.
type Proxy struct {
	Addr string

	listener net.Listener
	frozen   atomic.Bool
	done     chan struct{}
	once     sync.Once

	mu    sync.Mutex
	conns []net.Conn
}

// NewProxy starts a proxy on 127.0.0.1 in front of target. It is stopped by
// t.Cleanup.
func NewProxy(t *testing.T, target string) *Proxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := &Proxy{Addr: ln.Addr().String(), listener: ln, done: make(chan struct{})}
	go p.serve(target)
	t.Cleanup(p.Close)
	return p
}

// Freeze stops all forwarding. Bytes read afterwards are held, never
// delivered.
func (p *Proxy) Freeze() {
	p.frozen.Store(true)
}

// Close stops the proxy and closes every proxied connection.
func (p *Proxy) Close() {
	p.once.Do(func() {
		close(p.done)
		p.listener.Close()
		p.mu.Lock()
		for _, c := range p.conns {
			c.Close()
		}
		p.mu.Unlock()
	})
}

func (p *Proxy) serve(target string) {
	for {
		client, err := p.listener.Accept()
		if err != nil {
			return
		}
		upstream, err := net.Dial("tcp", target)
		if err != nil {
			client.Close()
			continue
		}
		p.mu.Lock()
		p.conns = append(p.conns, client, upstream)
		p.mu.Unlock()
		go p.pipe(upstream, client)
		go p.pipe(client, upstream)
	}
}

func (p *Proxy) pipe(dst, src net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if p.frozen.Load() {
			<-p.done
			return
		}
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
