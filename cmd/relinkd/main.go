// relinkd is the network acceptance and reassociation controller daemon.
package main

import (
	"context"
	"flag"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/relink/internal/archive"
	"github.com/xtxerr/relink/internal/conn"
	"github.com/xtxerr/relink/internal/errors"
	"github.com/xtxerr/relink/internal/listener"
	"github.com/xtxerr/relink/internal/loader"
	"github.com/xtxerr/relink/internal/logging"
	"github.com/xtxerr/relink/internal/server"
	"github.com/xtxerr/relink/internal/store"
	"github.com/xtxerr/relink/internal/telemetry"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "relinkd.yaml", "config file path")
	listen := flag.String("listen", "", "command channel address (overrides config)")
	sim := flag.Bool("sim", false, "run against the scripted radio simulator")
	dbPath := flag.String("db", "", "metastore database path (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	logFormat := flag.String("log-format", "", "log format: text or json (overrides config)")
	flag.Parse()

	// Load config
	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = loader.DefaultConfig()
		} else {
			stdlog.Fatalf("Load config: %v", err)
		}
	}

	// CLI overrides
	if *listen != "" {
		cfg.Control.Listen = *listen
	}
	if *dbPath != "" {
		cfg.Metastore.Path = *dbPath
	}
	if *sim {
		// Simulator runs keep policy generations in memory so repeated
		// test runs start from a clean slate.
		cfg.Metastore.Path = ""
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	if err := loader.Validate(cfg); err != nil {
		stdlog.Fatalf("Invalid config: %v", err)
	}

	logging.Init(loader.LogLevel(&cfg.Log), loader.LogJSON(&cfg.Log))
	log := logging.Component("relinkd")
	log.Info("starting", "version", Version, "config", *cfgPath, "sim", *sim)

	// =========================================================================
	// Metastore (DuckDB - accepted policy generations)
	// =========================================================================

	st, err := store.Open(loader.ToMetastoreConfig(&cfg.Metastore))
	if err != nil {
		stdlog.Fatalf("Open metastore: %v", err)
	}
	defer st.Close()

	// Seed policy: config file first, then the last accepted generation
	// wins so a restart resumes the operator's configuration.
	pol, err := loader.ToPolicy(&cfg.Network)
	if err != nil {
		stdlog.Fatalf("Network policy: %v", err)
	}
	if saved, err := st.LoadLatest(context.Background()); err == nil {
		pol = saved
		log.Info("restored last accepted policy", "ssid_set", pol.HasCredentials())
	} else if !errors.Is(err, errors.ErrNotFound) {
		log.Warn("metastore read failed, using config seed", "error", err)
	}

	// =========================================================================
	// Telemetry and Frame Archive
	// =========================================================================

	emit := telemetry.NewEmitter()

	var arc *archive.Archive
	if acfg, enabled := loader.ToArchiveConfig(&cfg.Archive); enabled {
		arc, err = archive.New(acfg)
		if err != nil {
			stdlog.Fatalf("Open archive: %v", err)
		}
		emit.Attach(arc)
		log.Info("frame archive enabled", "dir", acfg.Dir)
	}

	// =========================================================================
	// Radio, Controller, Command Channel
	// =========================================================================

	radio, err := newRadio(cfg.Network.Hostname, *sim)
	if err != nil {
		stdlog.Fatalf("Radio: %v", err)
	}

	machine := conn.NewMachine(conn.Options{
		Radio:         radio,
		Emitter:       emit,
		Supervisor:    listener.NewSupervisor(),
		UploadPort:    uint16(cfg.Upload.Port),
		UploadEnabled: cfg.Upload.Enabled,
		Hostname:      cfg.Network.Hostname,
		InitialPolicy: pol,
	})

	srv := server.New(server.Config{
		Machine:        machine,
		Emitter:        emit,
		Store:          st,
		Listen:         cfg.Control.Listen,
		MaxCommandLine: cfg.Control.MaxCommandLine,
		SendBufferSize: cfg.Control.SendBufferSize,
		SendTimeout:    cfg.Control.SendTimeout.Duration(),
	})

	// =========================================================================
	// Run
	// =========================================================================

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return machine.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	if arc != nil {
		g.Go(func() error { return arc.Run(ctx) })
	}

	log.Info("command channel", "address", cfg.Control.Listen)
	if err := g.Wait(); err != nil {
		stdlog.Fatalf("relinkd: %v", err)
	}
	log.Info("shutdown complete")
}
