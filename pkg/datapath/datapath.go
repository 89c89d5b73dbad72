// Package datapath specifies the abstract raw-socket boundary the binding
// core sits on top of (spec.md §1 "the datapath... specified only as an
// abstract interface") and provides a concrete net.UDPConn-backed
// implementation of it.
package datapath

import (
	"context"
	"net/netip"
)

// Datagram is a single received or to-be-sent UDP payload, pooled so the hot
// receive path (spec.md §5) does not allocate per packet. Buf is resliced to
// the received length; callers must not retain Buf beyond Release.
type Datagram struct {
	Buf []byte // exactly the valid packet; cap(Buf) may be larger

	Local  netip.AddrPort
	Remote netip.AddrPort

	// Next links datagrams into a singly linked chain, matching the C
	// original's intrusive list; spec.md §4.5 walks this chain one
	// datagram at a time.
	Next *Datagram

	// PartitionIndex records which worker partition received this
	// datagram. The UDP datapath leaves it at zero and nothing in this
	// module reads it; new connections take their worker from
	// connmgr.Pool's round robin.
	PartitionIndex int

	pool *pool
}

// Release returns the datagram's buffer to the pool it was allocated from,
// per spec.md §5 "Datagrams received from the datapath are owned by the
// core until returned via return_recv_datagrams".
func (d *Datagram) Release() {
	if d.pool != nil {
		d.pool.put(d)
	}
}

// Data returns the valid portion of the datagram's buffer.
func (d *Datagram) Data() []byte {
	return d.Buf
}

// Chain is a linked list of datagrams received in one batch, in receive
// order.
type Chain struct {
	Head, Tail *Datagram
	Count      int
}

// Append adds d to the end of the chain.
func (c *Chain) Append(d *Datagram) {
	d.Next = nil
	if c.Tail == nil {
		c.Head = d
	} else {
		c.Tail.Next = d
	}
	c.Tail = d
	c.Count++
}

// Binding is the set of asynchronous callbacks a Datapath invokes on
// arbitrary threads/goroutines, per spec.md §6.
type Binding interface {
	OnReceive(chain *Chain)
	OnUnreachable(remote netip.AddrPort)
}

// SendContext represents one or more send datagrams allocated together for
// a single logical send, per spec.md §6 alloc_send_context.
type SendContext struct {
	Datagrams []*SendDatagram
}

// SendDatagram is a single outbound datagram buffer.
type SendDatagram struct {
	Buf []byte
}

// Datapath is the abstract boundary spec.md §6 names: "raw UDP send/receive,
// platform sockets".
type Datapath interface {
	// Create binds a new endpoint. If remote is valid, the binding is
	// "connected" (spec.md §3). b receives the asynchronous callbacks.
	Create(local, remote netip.AddrPort, b Binding) (BoundSocket, error)
}

// BoundSocket is a single bound UDP endpoint (one Binding's datapath
// handle).
type BoundSocket interface {
	LocalAddr() netip.AddrPort

	// SendTo sends ctx's datagrams to remote from the socket's bound local
	// address.
	SendTo(remote netip.AddrPort, ctx *SendContext) error

	// SendFromTo sends ctx's datagrams to remote, choosing local as the
	// outbound source address, per spec.md §4.4 "the reply leaves the same
	// local IP the datagram arrived on".
	SendFromTo(local, remote netip.AddrPort, ctx *SendContext) error

	AllocSendContext() *SendContext
	AllocSendDatagram(ctx *SendContext, length int) *SendDatagram
	FreeSendContext(ctx *SendContext)

	// ReturnRecvDatagrams returns ownership of chain's datagrams to the
	// datapath (here: back to the pool), per spec.md §6.
	ReturnRecvDatagrams(chain *Chain)

	// Delete blocks until every in-flight OnReceive/OnUnreachable callback
	// has returned, then releases the socket, per spec.md §5 "the only
	// blocking wait is datapath.delete(binding)".
	Delete(ctx context.Context) error
}
