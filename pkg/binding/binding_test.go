package binding

import (
	"net/netip"
	"testing"

	"github.com/jqk6/msquic/internal/quicbindtest"
	"github.com/jqk6/msquic/pkg/connmgr"
	"github.com/jqk6/msquic/pkg/library"
	"github.com/rs/zerolog"
)

// newTestBinding builds a Binding wired to a FakeDatapath/FakeSocket, ready
// for unit tests to drive preprocess/demux/response behavior without a real
// network socket.
func newTestBinding(t *testing.T, cfg Config, local netip.AddrPort) (*Binding, *quicbindtest.FakeSocket) {
	t.Helper()

	lib, err := library.New(1 << 34)
	if err != nil {
		t.Fatalf("library.New: %v", err)
	}
	lookup := connmgr.NewShardedLookup(4)
	pool := connmgr.NewPool(2, 16, zerolog.Nop())
	dp := quicbindtest.NewFakeDatapath(local)

	b, err := New(dp, lib, lookup, pool, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b, dp.Socket
}

// runWorkersSync drains every pending operation on every one of b's
// workers, invoking each op's closure directly (mirroring dispatchOp in
// cmd/msquicd/main.go's OpStateless case).
func runWorkersSync(t *testing.T, b *Binding) {
	t.Helper()
	for _, w := range b.workers.Workers() {
		for w.RunOnce(func(op connmgr.Op) {
			if op.Fn != nil {
				op.Fn()
			}
		}) {
		}
	}
}
