// Command conenat runs a full cone or address-restricted cone NAT on one
// interface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KarpelesLab/conenat"
	"github.com/KarpelesLab/conenat/nfhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.uber.org/automaxprocs/maxprocs"
)

type flags struct {
	config   string
	ifname   string
	ifindex  int
	mode     int
	ctMark   uint
	logLevel int
	metrics  string
}

func parseFlags(args []string) (*flags, map[string]bool, error) {
	f := &flags{}
	fs := flag.NewFlagSet("conenat", flag.ContinueOnError)
	fs.StringVar(&f.config, "config", "", "yaml configuration file")
	fs.StringVar(&f.ifname, "ifname", "", "interface name")
	fs.StringVar(&f.ifname, "i", "", "interface name (shorthand)")
	fs.IntVar(&f.ifindex, "ifindex", 0, "interface index, used when no name is given")
	fs.IntVar(&f.mode, "mode", 1, "filtering mode: 1 endpoint-independent, 2 address-dependent")
	fs.IntVar(&f.mode, "m", 1, "filtering mode (shorthand)")
	fs.UintVar(&f.ctMark, "ct-mark", 0, "conntrack mark set on translated connections")
	fs.IntVar(&f.logLevel, "log", 2, "verbosity 0 (none) to 5 (trace)")
	fs.StringVar(&f.metrics, "metrics", "", "listen address for prometheus metrics")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	set := make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	return f, set, nil
}

// buildConfig layers the flags that were given over the config file.
func buildConfig(f *flags, set map[string]bool) (*conenat.Config, error) {
	cfg := conenat.DefaultConfig()
	if f.config != "" {
		var err error
		if cfg, err = conenat.LoadConfig(f.config); err != nil {
			return nil, err
		}
	}
	if set["i"] || set["ifname"] {
		cfg.Interface = f.ifname
	}
	if set["ifindex"] {
		cfg.IfIndex = f.ifindex
	}
	if set["m"] || set["mode"] {
		cfg.Mode = f.mode
	}
	if set["ct-mark"] {
		cfg.CTMark = uint32(f.ctMark)
	}
	if set["log"] {
		cfg.LogLevel = f.logLevel
	}
	if set["metrics"] {
		cfg.MetricsListen = f.metrics
	}
	if cfg.Interface == "" && cfg.IfIndex <= 0 {
		return nil, fmt.Errorf("%w: an interface name or index is required", conenat.ErrInvalidConfig)
	}
	return cfg, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	log.WithField("addr", addr).Info("serving metrics")
	return srv
}

func run(args []string) int {
	f, set, err := parseFlags(args)
	if err != nil {
		return 2
	}
	cfg, err := buildConfig(f, set)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger := conenat.NewLogger(cfg.LogLevel, os.Stderr)
	if _, err := maxprocs.Set(maxprocs.Logger(logger.Debugf)); err != nil {
		logger.WithError(err).Warn("could not adjust GOMAXPROCS")
	}

	iface, err := nfhook.LookupInterface(cfg.Interface, cfg.IfIndex)
	if err != nil && (cfg.ExternalAddress == "" || iface.Name == "") {
		logger.WithError(err).Error("interface lookup failed")
		return 1
	}
	if cfg.ExternalAddress == "" {
		cfg.ExternalAddress = iface.Addr.String()
	}
	if !iface.Up {
		logger.WithField("interface", iface.Name).Warn("interface is not up")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	nat, err := conenat.New(cfg, conenat.WithLogger(logger), conenat.WithMetrics(conenat.NewMetrics(reg)))
	if err != nil {
		logger.WithError(err).Error("invalid configuration")
		return 1
	}
	if cfg.MetricsListen != "" {
		srv := serveMetrics(cfg.MetricsListen, reg, logger)
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ingress, egress := nfhook.Hooks(nat, iface.Name, cfg.Queues.Ingress, cfg.Queues.Egress)
	hooks := conenat.NewHookManager(ingress, egress, logger)
	logger.WithFields(logrus.Fields{
		"interface": iface.Name,
		"index":     iface.Index,
		"external":  cfg.ExternalAddress,
	}).Info("starting")

	if err := nat.Run(ctx, hooks); err != nil {
		logger.WithError(err).Error("exiting on error")
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:]))
}
