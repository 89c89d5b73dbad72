package binding

import (
	"github.com/jqk6/msquic/pkg/connmgr"
	"github.com/jqk6/msquic/pkg/datapath"
	"github.com/jqk6/msquic/pkg/quicwire"
)

// preprocess validates version-independent invariants and binding-mode
// constraints on an inbound datagram, then routes long-header packets with
// an unsupported version to Version Negotiation, per spec.md §4.3.
//
// Returns the parsed header (valid only if accept is true or a VN was
// attempted), whether the demultiplexer should continue processing the
// datagram, and whether the caller must return the datagram to the
// datapath itself (release_packet in spec.md's terms).
func (b *Binding) preprocess(d *datapath.Datagram) (hdr quicwire.Header, accept bool, releasePacket bool) {
	// A short-header destination CID length is not encoded on the wire
	// (RFC 9000 invariants), so the binding must know it from its own
	// mode: exclusive bindings expect a zero-length CID, shared bindings
	// expect the fixed length they were configured with. Per the
	// original's QuicPacketValidateInvariant(Binding, Packet,
	// !Binding->Exclusive).
	shortHeaderCIDLen := b.cfg.ConnectionIDLength
	if b.exclusive {
		shortHeaderCIDLen = 0
	}

	hdr, err := quicwire.ParseInvariant(d.Data(), shortHeaderCIDLen)
	if err != nil {
		b.logger.Debug().Err(err).Str("drop_reason", "invariant violation").Msg("dropping datagram")
		b.metrics.packets_total.dropped_invariant.Inc()
		return hdr, false, true
	}

	if b.exclusive {
		// ParseInvariant was already told the exclusive-binding
		// short-header CID length is 0, so only a long header can carry a
		// non-empty DestCID here.
		if len(hdr.DestCID) != 0 {
			b.logger.Debug().Str("drop_reason", "Non-zero length CID on exclusive binding").Msg("dropping datagram")
			b.metrics.packets_total.dropped_exclusive_cid.Inc()
			return hdr, false, true
		}
	} else if len(hdr.DestCID) < b.cfg.MinInitialCIDLength {
		b.logger.Debug().Str("drop_reason", "destination CID shorter than MIN_INITIAL_CID_LENGTH").Msg("dropping datagram")
		b.metrics.packets_total.dropped_invariant.Inc()
		return hdr, false, true
	}

	if !hdr.IsLong {
		return hdr, true, false
	}

	if hdr.IsVersionNegotiation() {
		b.logger.Debug().Str("drop_reason", "inbound Version Negotiation marker").Msg("dropping datagram")
		b.metrics.packets_total.dropped_invariant.Inc()
		return hdr, false, true
	}

	if quicwire.IsSupportedVersion(hdr.Version) {
		return hdr, true, false
	}

	if b.registry.isEmpty() {
		b.logger.Debug().Str("drop_reason", "no listener registered for unsupported version").Msg("dropping datagram")
		b.metrics.packets_total.dropped_no_listener.Inc()
		return hdr, false, true
	}

	enqueued := b.enqueueVersionNegotiation(d, hdr)
	return hdr, false, !enqueued
}

// enqueueVersionNegotiation admits a stateless-operation context for a VN
// response and queues its processing on a worker, per spec.md §4.2
// "Queueing": drop before allocation if the worker is overloaded; unwind via
// release(ctx, return=false) if the op cannot be enqueued after creation.
func (b *Binding) enqueueVersionNegotiation(d *datapath.Datagram, hdr quicwire.Header) bool {
	w := b.workers.Acquire()
	if w == nil {
		b.metrics.stateless_ops_total.reject_worker_overload.Inc()
		return false
	}

	ctx, ok := b.stateless.Create(w, OpVersionNegotiation, d, b)
	if !ok {
		return false
	}

	if !w.Enqueue(connmgr.Op{Kind: connmgr.OpStateless, Fn: func() { b.processStatelessVN(ctx, hdr) }}) {
		b.stateless.release(ctx, false)
		return false
	}
	return true
}

// processStatelessVN runs on a worker goroutine: builds and sends the VN
// response, then releases the stateless context.
func (b *Binding) processStatelessVN(ctx *StatelessContext, hdr quicwire.Header) {
	sendCtx := b.socket.AllocSendContext()
	defer b.socket.FreeSendContext(sendCtx)

	b.buildVersionNegotiation(sendCtx, hdr)

	if err := b.socket.SendFromTo(ctx.Local, ctx.Remote, sendCtx); err != nil {
		b.logger.Debug().Err(err).Msg("version negotiation send failed")
	}

	b.stateless.release(ctx, true)
}
