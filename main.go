package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"minidns/config"
	"minidns/dns"
	"minidns/reqlog"
	"minidns/server"
	"minidns/stats"
	"minidns/web"
	"minidns/zone"
)

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML config file")
	adversary := flag.Bool("adversary", false, "answer from the fake zones")
	caseCheck := flag.Bool("case-check", false, "permute the case of check_ names")
	noResponse := flag.Bool("force-no-response", false, "drop names carrying the suppress marker")
	debug := flag.Bool("debug", false, "debug logging with wire dumps")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}
	cfg.Modes.Adversary = cfg.Modes.Adversary || *adversary
	cfg.Modes.CaseCheck = cfg.Modes.CaseCheck || *caseCheck
	cfg.Modes.ForceNoResponse = cfg.Modes.ForceNoResponse || *noResponse
	cfg.Modes.Debug = cfg.Modes.Debug || *debug
	err := cfg.Validate()
	if err != nil {
		return err
	}

	lg, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	real, err := loadZones(cfg.Zones.Real)
	if err != nil {
		return fmt.Errorf("load real zones: %w", err)
	}
	fake, err := loadZones(cfg.Zones.Fake)
	if err != nil {
		return fmt.Errorf("load fake zones: %w", err)
	}

	// Initialize statistics
	statsCollector := stats.NewStats()

	var rng *server.LockedRand
	opts := []server.Option{
		server.WithLogger(lg),
		server.WithStats(statsCollector),
	}
	if cfg.Seed != 0 {
		rng = server.NewLockedRand(cfg.Seed)
		opts = append(opts, server.WithRand(rng))
	}

	if cfg.RequestLog.Enabled {
		w, err := reqlog.New(cfg.RequestLog.Dir)
		if err != nil {
			return err
		}
		defer w.Close()
		opts = append(opts, server.WithRequestLog(w))
	}

	engine := server.NewEngine(real, fake, server.Modes{
		Adversary:       cfg.Modes.Adversary,
		CaseCheck:       cfg.Modes.CaseCheck,
		ForceNoResponse: cfg.Modes.ForceNoResponse,
		LegacyQuestion:  cfg.LegacyQuestionEncoding,
		Markers: server.Markers{
			Check:    cfg.Markers.Check,
			Recheck:  cfg.Markers.Recheck,
			Suppress: cfg.Markers.Suppress,
		},
	}, opts...)

	variant, _ := cfg.ForgeVariant()
	target, _ := cfg.ForgeTarget()
	policy := server.ForgePolicy{
		Variant: variant,
		Count:   cfg.Forge.Count,
		Target:  target,
		Marker:  cfg.Forge.Marker,
		Rate:    cfg.Forge.Rate,
	}
	if rng != nil {
		policy.Rand = rng
	}

	// Initialize DNS server
	dnsServer := server.NewServer(cfg.Listen, engine, statsCollector, lg, policy)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = dnsServer.Start()
	if err != nil {
		return fmt.Errorf("failed to start DNS server: %w", err)
	}
	banner(lg, cfg, real, fake)

	g, ctx := errgroup.WithContext(ctx)
	if cfg.WebAddr != "" {
		webServer := web.NewServer(cfg.WebAddr, web.NewAPI(statsCollector, real, fake),
			statsCollector.Registry(), lg.With(slog.String("component", "web")))
		g.Go(func() error {
			return webServer.Start(ctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		lg.Info("shutting down")
		dnsServer.Stop()
		return nil
	})

	err = g.Wait()
	if err != nil {
		lg.Error("exit", slog.String("error", err.Error()))
		return err
	}
	lg.Info("exit")
	return nil
}

// newLogger logs JSON to the configured file, or coloured text to stderr
// when there is none.
func newLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, nil, err
	}

	if cfg.Log.File == "" {
		h := tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
			NoColor:    !cfg.Log.Color,
		})
		return slog.New(h), func() {}, nil
	}

	dir := filepath.Dir(cfg.Log.File)
	if dir != "" && dir != "." {
		err := os.MkdirAll(dir, 0o750)
		if err != nil {
			return nil, nil, err
		}
	}
	file, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, err
	}
	lg := slog.New(slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}))
	return lg, func() { file.Close() }, nil
}

func loadZones(paths []string) (*zone.Store, error) {
	var (
		zones []*zone.Zone
		errs  []error
	)
	for _, path := range paths {
		z, err := zone.LoadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		zones = append(zones, z)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return zone.NewStore(zones...), nil
}

func banner(lg *slog.Logger, cfg *config.Config, real, fake *zone.Store) {
	lg.Info("minidns started",
		slog.String("dns", cfg.Listen),
		slog.String("web", cfg.WebAddr),
		slog.Any("real_zones", real.Origins()),
		slog.Any("fake_zones", fake.Origins()),
		slog.Bool("adversary", cfg.Modes.Adversary),
		slog.Bool("case_check", cfg.Modes.CaseCheck),
		slog.Bool("force_no_response", cfg.Modes.ForceNoResponse),
		slog.String("forge", cfg.Forge.Mode),
		slog.Bool("request_log", cfg.RequestLog.Enabled),
	)
	if cfg.Modes.Adversary {
		lg.Warn("adversary mode: answering from fake zones")
	}
	lg.Debug("record types", slog.Any("served", dns.Types))
}
