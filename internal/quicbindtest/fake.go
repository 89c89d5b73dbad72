// Package quicbindtest provides a fake datapath.Datapath/BoundSocket and
// helpers for constructing datagrams and chains, shared by pkg/binding's
// tests so each test does not need to reimplement a socket double.
package quicbindtest

import (
	"context"
	"net/netip"
	"sync"

	"github.com/jqk6/msquic/pkg/datapath"
)

// Sent records one call to SendTo/SendFromTo.
type Sent struct {
	Local  netip.AddrPort // zero value for a plain SendTo
	Remote netip.AddrPort
	Bufs   [][]byte
}

// FakeSocket is an in-memory datapath.BoundSocket: nothing touches the
// network, and every send is appended to Sent for assertions.
type FakeSocket struct {
	mu    sync.Mutex
	local netip.AddrPort

	Sent []Sent

	// FailSend, if set, makes SendTo/SendFromTo return this error instead of
	// recording the send.
	FailSend error
}

// NewFakeSocket creates a FakeSocket bound to local.
func NewFakeSocket(local netip.AddrPort) *FakeSocket {
	return &FakeSocket{local: local}
}

func (s *FakeSocket) LocalAddr() netip.AddrPort { return s.local }

func (s *FakeSocket) record(local, remote netip.AddrPort, ctx *datapath.SendContext) error {
	if s.FailSend != nil {
		return s.FailSend
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bufs := make([][]byte, len(ctx.Datagrams))
	for i, sd := range ctx.Datagrams {
		b := make([]byte, len(sd.Buf))
		copy(b, sd.Buf)
		bufs[i] = b
	}
	s.Sent = append(s.Sent, Sent{Local: local, Remote: remote, Bufs: bufs})
	return nil
}

func (s *FakeSocket) SendTo(remote netip.AddrPort, ctx *datapath.SendContext) error {
	return s.record(netip.AddrPort{}, remote, ctx)
}

func (s *FakeSocket) SendFromTo(local, remote netip.AddrPort, ctx *datapath.SendContext) error {
	return s.record(local, remote, ctx)
}

func (s *FakeSocket) AllocSendContext() *datapath.SendContext {
	return &datapath.SendContext{}
}

func (s *FakeSocket) AllocSendDatagram(ctx *datapath.SendContext, length int) *datapath.SendDatagram {
	sd := &datapath.SendDatagram{Buf: make([]byte, length)}
	ctx.Datagrams = append(ctx.Datagrams, sd)
	return sd
}

func (s *FakeSocket) FreeSendContext(ctx *datapath.SendContext) {
	ctx.Datagrams = nil
}

func (s *FakeSocket) ReturnRecvDatagrams(chain *datapath.Chain) {
	// Fake datagrams (see NewDatagram) are not pooled; nothing to do.
}

func (s *FakeSocket) Delete(ctx context.Context) error { return nil }

// LastSent returns the most recent recorded send, or false if none.
func (s *FakeSocket) LastSent() (Sent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Sent) == 0 {
		return Sent{}, false
	}
	return s.Sent[len(s.Sent)-1], true
}

// FakeDatapath is a datapath.Datapath that always hands back the same
// FakeSocket, recording the Binding it was created with.
type FakeDatapath struct {
	Socket *FakeSocket

	Binding datapath.Binding
}

// NewFakeDatapath creates a FakeDatapath whose Create always returns a
// FakeSocket bound to local.
func NewFakeDatapath(local netip.AddrPort) *FakeDatapath {
	return &FakeDatapath{Socket: NewFakeSocket(local)}
}

func (d *FakeDatapath) Create(local, remote netip.AddrPort, b datapath.Binding) (datapath.BoundSocket, error) {
	d.Binding = b
	return d.Socket, nil
}

// NewDatagram builds an unpooled datapath.Datagram carrying buf, as if it
// had just arrived from local on remote. Release is a no-op on it (its pool
// is nil), so tests do not need a matching pool to exercise release paths.
func NewDatagram(buf []byte, local, remote netip.AddrPort) *datapath.Datagram {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	return &datapath.Datagram{Buf: cp, Local: local, Remote: remote}
}

// Chain builds a datapath.Chain from ds, in order.
func Chain(ds ...*datapath.Datagram) *datapath.Chain {
	var c datapath.Chain
	for _, d := range ds {
		c.Append(d)
	}
	return &c
}
