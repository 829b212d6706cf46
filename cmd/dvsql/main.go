// Dvsql executes SQL scripts against a DBVirt virtual database.
//
// Usage:
//
//	dvsql -profile profile.toml [-metrics :2112] [-timeout 1m] [script.sql]
//
// The script is read from standard input if no file is given. Query results are printed as
// tab-separated rows.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/dbvirt/go-dbvirt/driver"
	"github.com/dbvirt/go-dbvirt/driver/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus"
	promcollectors "github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	profilePath := flag.String("profile", "dvsql.toml", "connection profile (TOML)")
	metricsAddr := flag.String("metrics", "", "serve prometheus metrics at this address, e.g. :2112")
	timeout := flag.Duration("timeout", 0, "timeout for the whole script")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(*profilePath, *metricsAddr, *timeout, flag.Arg(0), logger); err != nil {
		logger.Error("dvsql", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(profilePath, metricsAddr string, timeout time.Duration, scriptPath string, logger *slog.Logger) error {
	p, err := loadProfile(profilePath)
	if err != nil {
		return err
	}
	connector, err := p.connector()
	if err != nil {
		return err
	}
	connector.SetLogger(logger)

	db := sql.OpenDB(connector)
	defer db.Close()

	if metricsAddr != "" {
		server, err := serveMetrics(metricsAddr, db, p.VDB, connector, logger)
		if err != nil {
			return err
		}
		defer server.Close()
	}

	var script io.Reader = os.Stdin
	if scriptPath != "" {
		f, err := os.Open(scriptPath)
		if err != nil {
			return err
		}
		defer f.Close()
		script = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	r, err := newRunner(ctx, db, os.Stdout)
	if err != nil {
		return err
	}
	defer r.close()
	return r.runScript(ctx, script)
}

// serveMetrics serves the database and driver statistics at addr/metrics.
func serveMetrics(addr string, db *sql.DB, vdb string, connector *driver.Connector, logger *slog.Logger) (*http.Server, error) {
	registry := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		promcollectors.NewDBStatsCollector(db, vdb),
		collectors.NewDriverCollector(connector.NativeDriver(), vdb),
		collectors.NewConnectorCollector(connector, vdb),
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", slog.Any("error", err))
		}
	}()
	logger.Info("serving metrics", slog.String("url", fmt.Sprintf("http://%s/metrics", ln.Addr())))
	return server, nil
}
