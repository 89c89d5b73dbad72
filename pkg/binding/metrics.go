package binding

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// bindingMetrics mirrors the style of pkg/api/api0.apiMetrics: a private
// *metrics.Set with one field per counter/histogram, grouped into small
// anonymous structs by outcome, and a WritePrometheus method.
type bindingMetrics struct {
	set *metrics.Set

	listener_register_total struct {
		accepted *metrics.Counter
		rejected_duplicate *metrics.Counter
	}

	stateless_ops_total struct {
		created                *metrics.Counter
		reject_saturated       *metrics.Counter
		reject_duplicate       *metrics.Counter
		reject_worker_overload *metrics.Counter
		expired                *metrics.Counter
	}

	packets_total struct {
		dropped_invariant     *metrics.Counter
		dropped_exclusive_cid *metrics.Counter
		dropped_no_listener   *metrics.Counter
		version_negotiation   *metrics.Counter
		delivered             *metrics.Counter
	}

	demux_total struct {
		delivered_existing *metrics.Counter
		created_connection *metrics.Counter
		collision_existing *metrics.Counter
		retry_sent         *metrics.Counter
		retry_validated    *metrics.Counter
		retry_token_invalid *metrics.Counter
		retry_addr_mismatch *metrics.Counter
		stateless_reset_sent *metrics.Counter
	}
}

func newBindingMetrics(prefix string) *bindingMetrics {
	m := &bindingMetrics{set: metrics.NewSet()}

	m.listener_register_total.accepted = m.set.NewCounter(prefix + `_listener_register_total{result="accepted"}`)
	m.listener_register_total.rejected_duplicate = m.set.NewCounter(prefix + `_listener_register_total{result="rejected_duplicate"}`)

	m.stateless_ops_total.created = m.set.NewCounter(prefix + `_stateless_ops_total{result="created"}`)
	m.stateless_ops_total.reject_saturated = m.set.NewCounter(prefix + `_stateless_ops_total{result="reject_saturated"}`)
	m.stateless_ops_total.reject_duplicate = m.set.NewCounter(prefix + `_stateless_ops_total{result="reject_duplicate"}`)
	m.stateless_ops_total.reject_worker_overload = m.set.NewCounter(prefix + `_stateless_ops_total{result="reject_worker_overload"}`)
	m.stateless_ops_total.expired = m.set.NewCounter(prefix + `_stateless_ops_total{result="expired"}`)

	m.packets_total.dropped_invariant = m.set.NewCounter(prefix + `_packets_total{result="dropped_invariant"}`)
	m.packets_total.dropped_exclusive_cid = m.set.NewCounter(prefix + `_packets_total{result="dropped_exclusive_cid"}`)
	m.packets_total.dropped_no_listener = m.set.NewCounter(prefix + `_packets_total{result="dropped_no_listener"}`)
	m.packets_total.version_negotiation = m.set.NewCounter(prefix + `_packets_total{result="version_negotiation"}`)
	m.packets_total.delivered = m.set.NewCounter(prefix + `_packets_total{result="delivered"}`)

	m.demux_total.delivered_existing = m.set.NewCounter(prefix + `_demux_total{result="delivered_existing"}`)
	m.demux_total.created_connection = m.set.NewCounter(prefix + `_demux_total{result="created_connection"}`)
	m.demux_total.collision_existing = m.set.NewCounter(prefix + `_demux_total{result="collision_existing"}`)
	m.demux_total.retry_sent = m.set.NewCounter(prefix + `_demux_total{result="retry_sent"}`)
	m.demux_total.retry_validated = m.set.NewCounter(prefix + `_demux_total{result="retry_validated"}`)
	m.demux_total.retry_token_invalid = m.set.NewCounter(prefix + `_demux_total{result="retry_token_invalid"}`)
	m.demux_total.retry_addr_mismatch = m.set.NewCounter(prefix + `_demux_total{result="retry_addr_mismatch"}`)
	m.demux_total.stateless_reset_sent = m.set.NewCounter(prefix + `_demux_total{result="stateless_reset_sent"}`)

	return m
}

// WritePrometheus writes the binding's metrics in Prometheus text format,
// matching pkg/nspkt.Listener.WritePrometheus / pkg/api/api0's
// WritePrometheus convention.
func (b *Binding) WritePrometheus(w io.Writer) {
	b.metrics.set.WritePrometheus(w)
}
