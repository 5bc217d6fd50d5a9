// Command lpccan-node runs a simulated LPC17xx with both CAN controllers on a
// virtual bus and serves the traffic to Cannelloni clients over TCP. The bus
// can be bridged to a serial adapter or a SocketCAN interface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/kstaniek/go-lpccan/internal/metrics"
)

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdout, os.Stderr))
}

func realMain(args []string, stdout, stderr io.Writer) int {
	cfg, showVersion, err := parseConfig(args, os.LookupEnv, stderr)
	switch {
	case errors.Is(err, flag.ErrHelp):
		return 0
	case err != nil:
		fmt.Fprintln(stderr, err)
		return 2
	case showVersion:
		fmt.Fprintf(stdout, "lpccan-node %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := newNode(cfg, l, stdout)
	if err != nil {
		l.Error("node_init_error", "error", err)
		return 1
	}
	n.bridge, err = attachBridge(ctx, cfg, n.bus, l)
	if err != nil {
		l.Error("bridge_init_error", "error", err)
		n.close()
		return 1
	}
	defer n.close()

	metrics.SetReadinessFunc(func() bool { return n.ready() && ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	if err := n.run(ctx); err != nil {
		l.Error("node_error", "error", err)
		return 1
	}
	l.Info("shutdown")
	return 0
}
