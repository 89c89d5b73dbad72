// Command msquicd runs a standalone Binding: one UDP endpoint, one
// listener, and a debug HTTP server exposing its Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"net/http/pprof"

	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/jqk6/msquic/pkg/binding"
	"github.com/jqk6/msquic/pkg/connmgr"
	"github.com/jqk6/msquic/pkg/datapath"
	"github.com/jqk6/msquic/pkg/library"
)

var opt struct {
	Help bool
	ALPN string
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.StringVar(&opt.ALPN, "alpn", "h3", "ALPN to register the demo listener for")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, config from the environment is ignored\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else {
		if x, err := readEnv(pflag.Arg(0)); err == nil {
			e = x
		} else {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	var cfg binding.Config
	if err := cfg.UnmarshalEnv(e); err != nil {
		logger.Fatal().Err(err).Msg("parse config")
	}

	totalMemory := uint64(1) << 34 // 16 GiB, a placeholder figure for retry gating
	if v, ok := getEnvList("MSQUIC_TOTAL_MEMORY", e); ok {
		fmt.Sscanf(v, "%d", &totalMemory)
	}

	lib, err := library.New(totalMemory)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialize library")
	}

	lookup := connmgr.NewShardedLookup(8)
	pool := connmgr.NewPool(cfg.WorkerCount, cfg.WorkerQueueSize, logger)

	dp := datapath.NewUDP()

	b, err := binding.New(dp, lib, lookup, pool, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialize binding")
	}

	l := binding.NewListener(binding.FamilyUnspec, netip.Addr{}, true, []byte(opt.ALPN))
	if !b.RegisterListener(l) {
		logger.Fatal().Msg("register demo listener: duplicate")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, w := range pool.Workers() {
		go w.Run(ctx, dispatchOp)
	}

	dbg := http.NewServeMux()
	dbg.HandleFunc("/debug/pprof/", pprof.Index)
	dbg.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	dbg.HandleFunc("/debug/pprof/profile", pprof.Profile)
	dbg.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	dbg.HandleFunc("/debug/pprof/trace", pprof.Trace)
	dbg.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		b.WritePrometheus(w)
	})

	if dbgAddr, ok := getEnvList("MSQUIC_DEBUG_SERVER_ADDR", e); ok && dbgAddr != "" {
		go func() {
			logger.Warn().Str("addr", dbgAddr).Msg("running insecure debug server")
			if err := http.ListenAndServe(dbgAddr, dbg); err != nil {
				logger.Warn().Err(err).Msg("debug server failed")
			}
		}()
	}

	logger.Info().Str("local_addr", b.LocalAddr().String()).Bool("exclusive", !cfg.ShareBinding).Msg("binding ready")

	<-ctx.Done()

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.StatelessOpExpiration*10)
	defer cancel()
	if err := b.Close(closeCtx); err != nil {
		logger.Error().Err(err).Msg("close binding")
	}
}

// dispatchOp is the shared per-worker operation handler. Stateless
// operations (VN/Retry/Reset) carry their work as a closure, per
// pkg/connmgr.Op's Fn field; connection-level operations are left as
// no-ops here since full connection semantics are out of scope
// (spec.md §1 Non-goals).
func dispatchOp(op connmgr.Op) {
	switch op.Kind {
	case connmgr.OpStateless:
		if op.Fn != nil {
			op.Fn()
		}
	case connmgr.OpRecv, connmgr.OpUnreachable, connmgr.OpShutdown:
		// No connection state machine in this module; a real binding would
		// hand these to the connection's TLS/stream processing here.
	}
}

func getEnvList(k string, e []string) (string, bool) {
	for _, x := range e {
		if xk, xv, ok := strings.Cut(x, "="); ok && xk == k {
			return xv, true
		}
	}
	return "", false
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
