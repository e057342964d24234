// Command bgpd is the session-engine process: it loads configuration,
// dials the RDE and parent bridges, opens the configured BGP listeners
// and control socket, and runs the engine's tick loop until signalled
// to stop.
//
// Grounded on taktv6/tbgp's original main.go (a one-shot packet-decode
// demo, replaced outright here by a real daemon entrypoint) and on
// cobra's standard root-command-plus-flags shape, the same CLI layer
// go.mod already committed to before this package existed to use it.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openbgpd-go/sessiond/internal/config"
	"github.com/openbgpd-go/sessiond/internal/ctrl"
	"github.com/openbgpd-go/sessiond/internal/engine"
	"github.com/openbgpd-go/sessiond/internal/fsm"
	"github.com/openbgpd-go/sessiond/internal/ioloop"
	"github.com/openbgpd-go/sessiond/internal/metrics"
	"github.com/openbgpd-go/sessiond/internal/mrt"
	"github.com/openbgpd-go/sessiond/internal/parent"
	"github.com/openbgpd-go/sessiond/internal/rde"
)

// parentFd is the fd the parent process hands this child at exec time,
// matching the privilege-separated-child convention: fd 0-2 are the
// usual standard streams, fd 3 is the framed control pipe back to the
// parent.
const parentFd = 3

type options struct {
	configPath string
	rdeSocket  string
	ctrlSocket string
	metricsAddr string
}

func main() {
	opt := &options{}

	root := &cobra.Command{
		Use:   "bgpd",
		Short: "BGP-4 session engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opt)
		},
	}
	root.Flags().StringVar(&opt.configPath, "config", "/etc/bgpd/bgpd.yaml", "path to the YAML configuration file")
	root.Flags().StringVar(&opt.rdeSocket, "rde-socket", "/var/run/bgpd/rde.sock", "path to the RDE's unix-domain listening socket")
	root.Flags().StringVar(&opt.ctrlSocket, "ctrl-socket", "/var/run/bgpd/bgpd.sock", "path to the control-socket unix-domain listener")
	root.Flags().StringVar(&opt.metricsAddr, "metrics-addr", ":9179", "listen address for the Prometheus /metrics endpoint")

	if err := root.Execute(); err != nil {
		log.WithError(err).Fatal("bgpd exited with error")
	}
}

func run(ctx context.Context, opt *options) error {
	cfg, err := config.Load(opt.configPath)
	if err != nil {
		return fmt.Errorf("bgpd: load config: %w", err)
	}
	store := config.NewStore(cfg)

	rdeBridge, err := rde.Dial(opt.rdeSocket)
	if err != nil {
		return fmt.Errorf("bgpd: dial RDE: %w", err)
	}
	defer rdeBridge.Close()

	parentBridge, err := parent.FromFd(parentFd)
	if err != nil {
		log.WithError(err).Warn("no parent pipe on fd 3; running unprivileged-standalone")
		parentBridge = nil
	}

	mrtMgr := mrt.NewManager()

	reg := prometheus.NewRegistry()
	metricsReg := metrics.New(reg)
	go serveMetrics(opt.metricsAddr, reg)

	ctrlListener, err := ctrl.Listen(opt.ctrlSocket)
	if err != nil {
		return fmt.Errorf("bgpd: control socket: %w", err)
	}
	defer ctrlListener.Close()

	poller, err := ioloop.NewPoller()
	if err != nil {
		return fmt.Errorf("bgpd: poller: %w", err)
	}
	defer poller.Close()

	pol := fsm.Policy{
		MinHoldtime:      3,
		IdleHoldCeiling:  2 * time.Minute,
		IdleHoldResetAge: 15 * time.Minute,
		RestartTimeout:   120 * time.Second,
	}
	loop := ioloop.NewEngine(poller, rdeBridge, pol)
	eng := engine.New(loop, store, rdeBridge, parentBridge, mrtMgr, metricsReg, ctrlListener)

	for _, l := range cfg.Listeners {
		if err := eng.ListenBGP(l.Address); err != nil {
			return fmt.Errorf("bgpd: listener %s: %w", l.Address, err)
		}
	}

	eng.Start()
	log.Info("bgpd started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.WithField("signal", s).Info("shutting down")
	case <-ctx.Done():
	}

	return eng.Stop()
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Warn("metrics server exited")
	}
}
