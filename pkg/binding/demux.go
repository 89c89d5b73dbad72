package binding

import (
	"bytes"
	"crypto/rand"
	"errors"
	"net/netip"

	"github.com/jqk6/msquic/pkg/connmgr"
	"github.com/jqk6/msquic/pkg/datapath"
	"github.com/jqk6/msquic/pkg/library"
	"github.com/jqk6/msquic/pkg/quicwire"
)

// connHandshakeMemoryUsage is the fixed per-handshake cost charged to the
// process-wide handshake-memory counter on connection creation, per
// spec.md §4.5 step 5 "add CONN_HANDSHAKE_MEMORY_USAGE to the global
// handshake-memory counter". spec.md does not enumerate this as a §6
// tunable (it is an implementation constant in the original), so it is
// kept as a package constant rather than a Config field.
const connHandshakeMemoryUsage = 16 * 1024

// subchain accumulates datagrams sharing one destination CID, keeping
// handshake packets ordered before data packets per spec.md §4.5's "two
// tail pointers" rule. Go slices give FIFO append within each class for
// free, which is why this uses two slices instead of literally
// reimplementing the C original's intrusive head-tail/data-tail pointers.
type subchain struct {
	destCID    []byte
	handshake  []*datapath.Datagram
	data       []*datapath.Datagram
	headHeader quicwire.Header
	haveHead   bool
}

func newSubchain(cid []byte) *subchain {
	cp := make([]byte, len(cid))
	copy(cp, cid)
	return &subchain{destCID: cp}
}

func (s *subchain) add(d *datapath.Datagram, hdr quicwire.Header) {
	if hdr.IsLong {
		if len(s.handshake) == 0 {
			// d becomes head(): handshake packets precede data packets.
			s.headHeader = hdr
			s.haveHead = true
		}
		s.handshake = append(s.handshake, d)
	} else {
		if !s.haveHead {
			s.headHeader = hdr
			s.haveHead = true
		}
		s.data = append(s.data, d)
	}
}

func (s *subchain) all() []*datapath.Datagram {
	out := make([]*datapath.Datagram, 0, len(s.handshake)+len(s.data))
	out = append(out, s.handshake...)
	out = append(out, s.data...)
	return out
}

func (s *subchain) head() *datapath.Datagram {
	if len(s.handshake) > 0 {
		return s.handshake[0]
	}
	if len(s.data) > 0 {
		return s.data[0]
	}
	return nil
}

// OnReceive is the demultiplexer's entry point, per spec.md §4.5
// "on_receive(chain)". It satisfies datapath.Binding.
func (b *Binding) OnReceive(chain *datapath.Chain) {
	var release datapath.Chain
	var cur *subchain

	flush := func() {
		if cur != nil {
			b.deliver(cur)
			cur = nil
		}
	}

	for d := chain.Head; d != nil; {
		next := d.Next
		d.Next = nil

		hdr, accept, releasePacket := b.preprocess(d)
		if !accept {
			if releasePacket {
				release.Append(d)
			}
			d = next
			continue
		}

		if !b.exclusive && cur != nil && !bytes.Equal(cur.destCID, hdr.DestCID) {
			flush()
		}
		if cur == nil {
			cur = newSubchain(hdr.DestCID)
		}
		cur.add(d, hdr)

		d = next
	}
	flush()

	if release.Count > 0 {
		b.socket.ReturnRecvDatagrams(&release)
	}
}

// OnUnreachable looks conn up by remote address and enqueues an unreachable
// event, per spec.md §4.5 "on_unreachable".
func (b *Binding) OnUnreachable(remote netip.AddrPort) {
	conn, ok := b.lookup.FindByRemoteAddr(remote)
	if !ok {
		return
	}
	conn.QueueUnreachable(remote)
}

// deliver routes one completed subchain, per spec.md §4.5 "deliver".
func (b *Binding) deliver(s *subchain) {
	if conn, ok := b.lookup.FindByDestCID(s.destCID); ok {
		b.queueSubchain(conn, s)
		b.metrics.demux_total.delivered_existing.Inc()
		return
	}

	head := s.head()
	hdr := s.headHeader

	if !hdr.IsLong {
		enqueued := b.queueStatelessReset(head, hdr)
		b.releaseRemainder(s, head)
		if !enqueued {
			head.Release()
		}
		return
	}

	if b.registry.isEmpty() || hdr.IsVersionNegotiation() || hdr.Type != quicwire.LongHeaderInitial {
		b.dropSubchain(s, "no route for long-header packet")
		return
	}

	remote := head.Remote
	needsRetry := b.library.CurrentHandshakeMemoryUsage() >= retryMemoryThreshold(b.cfg, b.library)

	dropped := false

	if needsRetry {
		token, hasToken := extractInitialToken(hdr)
		if !hasToken || len(token) == 0 {
			enqueued := b.enqueueRetry(head, hdr, remote)
			b.releaseRemainder(s, head)
			if !enqueued {
				head.Release()
			}
			return
		}

		if _, err := decryptRetryToken(b.library.RetryKey(), hdr.DestCID, token, remote); err != nil {
			switch {
			case errors.Is(err, ErrRetryTokenAddrMismatch):
				b.logger.Debug().Err(err).Str("drop_reason", "retry token remote address mismatch").Msg("dropping datagram")
				b.metrics.demux_total.retry_addr_mismatch.Inc()
			default:
				// ErrRetryTokenLength, ErrRetryTokenCIDOverflow, or
				// ErrRetryTokenDecrypt: a corrupt, replayed-against-a-stale-key,
				// or otherwise malformed token, distinct from a genuine
				// off-path address mismatch.
				b.logger.Debug().Err(err).Str("drop_reason", "retry token invalid").Msg("dropping datagram")
				b.metrics.demux_total.retry_token_invalid.Inc()
			}
			dropped = true
		} else {
			b.metrics.demux_total.retry_validated.Inc()
		}
	}

	if dropped {
		b.dropSubchain(s, "retry token validation failed")
		return
	}

	b.createConnection(s, hdr, remote)
}

// retryMemoryThreshold computes retry_memory_limit * total_memory /
// UINT16_MAX, per spec.md §4.5 and §6.
func retryMemoryThreshold(cfg *Config, lib *library.Library) int64 {
	return int64(uint64(cfg.RetryMemoryLimit) * lib.TotalMemory() / UINT16Max)
}

func extractInitialToken(hdr quicwire.Header) ([]byte, bool) {
	payload := hdr.Payload()
	tokenLen, rest, err := quicwire.ConsumeVarint(payload)
	if err != nil || uint64(len(rest)) < tokenLen {
		return nil, false
	}
	return rest[:tokenLen], true
}

// queueSubchain hands s's datagrams to conn's worker as one ordered chain.
func (b *Binding) queueSubchain(conn *connmgr.Conn, s *subchain) {
	all := s.all()
	rc := &connmgr.RecvChain{Datagrams: all}
	for _, d := range all {
		rc.Length += len(d.Data())
	}
	if !conn.QueueRecv(rc) {
		b.logger.Debug().Str("conn", conn.ID).Msg("dropping subchain: connection worker overloaded")
		b.releaseAll(s)
		return
	}
	b.metrics.packets_total.delivered.Add(len(all))
}

// dropSubchain releases every datagram in s with a trace, per spec.md §7
// "every per-packet error is absorbed into a drop trace".
func (b *Binding) dropSubchain(s *subchain, reason string) {
	b.logger.Debug().Str("drop_reason", reason).Int("packets", len(s.handshake)+len(s.data)).Msg("dropping subchain")
	b.metrics.packets_total.dropped_no_listener.Inc()
	b.releaseAll(s)
}

func (b *Binding) releaseAll(s *subchain) {
	for _, d := range s.all() {
		d.Release()
	}
}

// releaseRemainder releases every datagram in s except head, which the
// caller has handed (or attempted to hand) to a stateless operation.
func (b *Binding) releaseRemainder(s *subchain, head *datapath.Datagram) {
	for _, d := range s.all() {
		if d != head {
			d.Release()
		}
	}
}

// queueStatelessReset forwards head to §4.2 as a stateless-reset candidate,
// per spec.md §4.5 "Not long-header → forward to §4.2... This performs the
// short-header / exclusive / min-length checks of §4.4 before enqueueing."
func (b *Binding) queueStatelessReset(head *datapath.Datagram, hdr quicwire.Header) bool {
	if b.exclusive || hdr.IsLong || len(head.Data()) <= b.cfg.MinStatelessResetLength {
		b.logger.Debug().Str("drop_reason", "packet does not qualify for a stateless reset").Msg("dropping datagram")
		return false
	}
	w := b.workers.Acquire()
	if w == nil {
		b.metrics.stateless_ops_total.reject_worker_overload.Inc()
		return false
	}
	ctx, ok := b.stateless.Create(w, OpStatelessReset, head, b)
	if !ok {
		return false
	}
	inboundLength := len(head.Data())
	if !w.Enqueue(connmgr.Op{Kind: connmgr.OpStateless, Fn: func() { b.processStatelessReset(ctx, hdr, inboundLength) }}) {
		b.stateless.release(ctx, false)
		return false
	}
	return true
}

func (b *Binding) processStatelessReset(ctx *StatelessContext, hdr quicwire.Header, inboundLength int) {
	sendCtx := b.socket.AllocSendContext()
	defer b.socket.FreeSendContext(sendCtx)

	if _, err := b.buildStatelessReset(sendCtx, hdr, inboundLength); err != nil {
		b.logger.Debug().Err(err).Msg("stateless reset not sent")
		b.stateless.release(ctx, true)
		return
	}

	if err := b.socket.SendFromTo(ctx.Local, ctx.Remote, sendCtx); err != nil {
		b.logger.Debug().Err(err).Msg("stateless reset send failed")
	}
	b.stateless.release(ctx, true)
}

// enqueueRetry admits a stateless-operation context for a Retry response,
// per spec.md §4.5 "if no token present → enqueue a Retry operation".
func (b *Binding) enqueueRetry(head *datapath.Datagram, hdr quicwire.Header, remote netip.AddrPort) bool {
	w := b.workers.Acquire()
	if w == nil {
		b.metrics.stateless_ops_total.reject_worker_overload.Inc()
		return false
	}
	ctx, ok := b.stateless.Create(w, OpRetry, head, b)
	if !ok {
		return false
	}
	if !w.Enqueue(connmgr.Op{Kind: connmgr.OpStateless, Fn: func() { b.processStatelessRetry(ctx, hdr, remote) }}) {
		b.stateless.release(ctx, false)
		return false
	}
	return true
}

func (b *Binding) processStatelessRetry(ctx *StatelessContext, hdr quicwire.Header, remote netip.AddrPort) {
	sendCtx := b.socket.AllocSendContext()
	defer b.socket.FreeSendContext(sendCtx)

	if _, _, err := b.buildRetry(sendCtx, hdr, remote); err != nil {
		b.logger.Debug().Err(err).Msg("retry not sent")
		b.stateless.release(ctx, true)
		return
	}

	if err := b.socket.SendFromTo(ctx.Local, ctx.Remote, sendCtx); err != nil {
		b.logger.Debug().Err(err).Msg("retry send failed")
	}
	b.stateless.release(ctx, true)
}

// createConnection implements spec.md §4.5 "Connection creation".
func (b *Binding) createConnection(s *subchain, hdr quicwire.Header, remote netip.AddrPort) {
	w := b.workers.Acquire()
	if w == nil {
		b.dropSubchain(s, "no worker available for new connection")
		return
	}

	conn := connmgr.Init(remote, w, b.logger)

	sourceCID := make([]byte, b.cfg.ConnectionIDLength)
	if _, err := rand.Read(sourceCID); err != nil {
		b.logger.Debug().Err(err).Msg("failed to mint source cid; dropping new connection")
		b.releaseAll(s)
		return
	}
	conn.AddSourceCIDEntry(sourceCID)

	if !b.library.TryAddRef(b) {
		b.logger.Debug().Str("drop_reason", "library shutting down").Msg("dropping new connection")
		b.releaseAll(s)
		return
	}

	conn.SetBinding(b)
	b.handshakeConnections.Add(1)
	b.library.AddHandshakeMemoryUsage(connHandshakeMemoryUsage)

	existing, inserted := b.lookup.AddSourceCID(sourceCID, conn)
	if !inserted {
		conn.ShutdownAsync("source cid collision")
		b.metrics.demux_total.collision_existing.Inc()
		b.queueSubchain(existing, s)
		return
	}

	b.metrics.demux_total.created_connection.Inc()
	b.queueSubchain(conn, s)
}
