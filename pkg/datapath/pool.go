package datapath

import "sync"

// maxDatagramSize is the largest UDP payload the pool allocates buffers
// for; larger receives are truncated by the socket read, matching the
// teacher's nspkt.Listener.Serve comment on the same behavior.
const maxDatagramSize = 1500

// pool recycles Datagram buffers across receive calls, generalizing the
// single-shot r2crypto(1500) allocation in pkg/nspkt/listener.go into a
// reusable pool, since this layer is the hot receive path (spec.md §5).
type pool struct {
	sync.Pool
}

func newPool() *pool {
	p := &pool{}
	p.Pool.New = func() any {
		return &Datagram{Buf: make([]byte, maxDatagramSize)}
	}
	return p
}

func (p *pool) get() *Datagram {
	d := p.Pool.Get().(*Datagram)
	d.pool = p
	d.Next = nil
	return d
}

func (p *pool) put(d *Datagram) {
	d.Next = nil
	d.Buf = d.Buf[:cap(d.Buf)]
	p.Pool.Put(d)
}
