package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	mcp "github.com/zengliwei/go-mcp-client"
	"github.com/zengliwei/go-mcp-client/config"
	"github.com/zengliwei/go-mcp-client/logfile"
)

const maxConcurrentConnects = 4

type report struct {
	server    string
	identity  mcp.ServerIdentity
	tools     []mcp.Tool
	resources []mcp.Resource
	errs      []error
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to the YAML or TOML configuration file")
	flag.StringVar(configPath, "c", "", "Path to the configuration file (shorthand)")
	watch := flag.Bool("watch", false, "Stay connected and log server notifications until interrupted")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Error:", err)
		return 1
	}
	if len(cfg.Servers) == 0 {
		fmt.Println("Error: no servers configured")
		flag.Usage()
		return 2
	}

	logs := logfile.New(cfg.Log.Dir, "client.log")
	defer logs.Close()

	logger := slog.New(slog.NewTextHandler(io.MultiWriter(os.Stderr, logs), &slog.HandlerOptions{
		Level: cfg.Log.Level,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := mcp.NewMetrics(reg)

	if cfg.Metrics.Addr != "" {
		srv := startMetricsServer(cfg.Metrics.Addr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shutdown metrics server", "err", err)
			}
		}()
	}

	sink := mcp.EventSinkFunc(func(ev mcp.Event) error {
		logger.Info("server event", "server", ev.Server(), "event", ev.EventName())
		return nil
	})

	clients := make([]*mcp.Client, len(cfg.Servers))
	for i, srvCfg := range cfg.Servers {
		clients[i] = mcp.NewClient(mcp.Info{
			Name:    cfg.Client.Name,
			Version: cfg.Client.Version,
		}, srvCfg,
			mcp.WithLogger(logger),
			mcp.WithMetrics(metrics),
			mcp.WithEventSink(sink),
		)
	}
	defer func() {
		for _, cli := range clients {
			if err := cli.Close(); err != nil {
				logger.Error("failed to close client", "server", cli.ServerName(), "err", err)
			}
		}
	}()

	reports := make([]report, len(clients))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentConnects)
	for i, cli := range clients {
		g.Go(func() error {
			reports[i] = inspect(gctx, cli)
			return nil
		})
	}
	_ = g.Wait()

	failed := false
	for _, r := range reports {
		printReport(os.Stdout, r)
		if len(r.errs) > 0 {
			failed = true
		}
	}

	if *watch {
		logger.Info("watching servers, press Ctrl+C to exit")
		<-ctx.Done()
	}

	if failed {
		return 1
	}
	return 0
}

func inspect(ctx context.Context, cli *mcp.Client) report {
	r := report{server: cli.ServerName()}

	if err := cli.Connect(ctx); err != nil {
		r.errs = append(r.errs, fmt.Errorf("failed to connect: %w", err))
		return r
	}
	r.identity, _ = cli.ServerIdentity()

	tools, err := cli.ListTools(ctx, mcp.ListToolsParams{})
	switch {
	case errors.Is(err, mcp.ErrUnsupported):
	case err != nil:
		r.errs = append(r.errs, fmt.Errorf("failed to list tools: %w", err))
	default:
		r.tools = tools.Tools
	}

	resources, err := cli.ListResources(ctx, mcp.ListResourcesParams{})
	switch {
	case errors.Is(err, mcp.ErrUnsupported):
	case err != nil:
		r.errs = append(r.errs, fmt.Errorf("failed to list resources: %w", err))
	default:
		r.resources = resources.Resources
	}

	return r
}

func printReport(w io.Writer, r report) {
	fmt.Fprintf(w, "\n%s", r.server)
	if r.identity.Name != "" {
		fmt.Fprintf(w, " (%s %s, protocol %s)", r.identity.Name, r.identity.Version, r.identity.ProtocolVersion)
	}
	fmt.Fprintln(w)

	for _, err := range r.errs {
		fmt.Fprintf(w, "   Error: %v\n", err)
	}
	if len(r.errs) > 0 && r.identity.Name == "" {
		return
	}

	if len(r.tools) == 0 {
		fmt.Fprintln(w, "   No tools found on the server.")
	} else {
		fmt.Fprintln(w, "   Available Tools:")
		for _, tool := range r.tools {
			fmt.Fprintf(w, "   - %s%s\n", tool.Name, parenthesize("", tool.Description))
		}
	}

	if len(r.resources) == 0 {
		fmt.Fprintln(w, "   No resources found on the server.")
	} else {
		fmt.Fprintln(w, "   Available Resources:")
		for _, resource := range r.resources {
			fmt.Fprintf(w, "   - %s%s\n", resource.URI, parenthesize("Name: ", resource.Name))
		}
	}
}

func parenthesize(label, s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return " (" + label + s + ")"
}

func startMetricsServer(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "err", err)
		}
	}()

	logger.Info("metrics server started", "addr", addr)
	return srv
}
