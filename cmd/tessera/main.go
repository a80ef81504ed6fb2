package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tessera-db/tessera/pkg/handlers"
	"github.com/tessera-db/tessera/pkg/querier"
	"github.com/tessera-db/tessera/pkg/query"
	"github.com/tessera-db/tessera/pkg/server"
	"github.com/tessera-db/tessera/pkg/storage/cache"
	"github.com/tessera-db/tessera/pkg/timeline"
)

type config struct {
	logLevel        string
	shutdownTimeout time.Duration

	server  server.Config
	querier querier.Config
	cache   cache.Config
}

func (cfg *config) registerFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.logLevel, "log.level", "info", "Log level: debug, info, warn, error.")
	f.DurationVar(&cfg.shutdownTimeout, "shutdown-timeout", 30*time.Second, "How long to wait for in-flight queries on shutdown.")
	cfg.server.RegisterFlags(f)
	cfg.querier.RegisterFlags(f)
	cfg.cache.RegisterFlagsWithPrefix("cache.", "Per-segment result cache: ", f)
}

func newLogger(logLevel string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	var opt level.Option
	switch logLevel {
	case "debug":
		opt = level.AllowDebug()
	case "info":
		opt = level.AllowInfo()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	logger = level.NewFilter(logger, opt)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

func main() {
	var cfg config
	cfg.registerFlags(flag.CommandLine)
	flag.Parse()

	logger := newLogger(cfg.logLevel)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c, err := cache.New(cfg.cache, reg, log.With(logger, "component", "cache"))
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "failed to build cache:", err)
		os.Exit(1)
	}
	if c != nil {
		defer c.Stop()
	}

	manager := timeline.NewManager(log.With(logger, "component", "timeline"), reg)

	registry := query.NewRegistry()
	registry.Register(handlers.NewScan())
	registry.Register(handlers.NewTimeseries())

	q := querier.New(cfg.querier, registry, manager, c, log.With(logger, "component", "querier"), reg)
	srv := server.New(cfg.server, q, reg, log.With(logger, "component", "server"))

	errs := make(chan error, 1)
	go func() {
		errs <- srv.Run()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		level.Info(logger).Log("msg", "shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			level.Error(logger).Log("msg", "shutdown failed", "err", err)
			os.Exit(1)
		}
	case err := <-errs:
		if err != nil {
			level.Error(logger).Log("msg", "server failed", "err", err)
			os.Exit(1)
		}
	}
}
