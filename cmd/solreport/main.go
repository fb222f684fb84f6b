// Package main provides the solreport command line entrypoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/solreport/solreport/internal/cache"
	"github.com/solreport/solreport/internal/config"
	"github.com/solreport/solreport/internal/report"
	"github.com/solreport/solreport/internal/solar/fusionsolar"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config", "", "path to the YAML config file")
		year         = flag.Int("year", 0, "report year (default: previous month's year)")
		month        = flag.Int("month", 0, "report month 1-12 (default: previous month)")
		station      = flag.String("station", "", "report a single station code instead of the configured list")
		noDaily      = flag.Bool("no-daily", false, "skip the per-day breakdown")
		noCompare    = flag.Bool("no-compare", false, "skip the previous-month comparison")
		listStations = flag.Bool("list-stations", false, "list the account's stations and exit")
		cacheStats   = flag.Bool("cache-stats", false, "print cache statistics and exit")
		cacheClear   = flag.Bool("cache-clear", false, "delete cache entries and exit")
		cacheOlder   = flag.Duration("older-than", 0, "with -cache-clear, only delete entries older than this")
		pretty       = flag.Bool("pretty", false, "human-readable log output")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Logging, *pretty)
	log.Info().Str("build_time", BuildTime).Msg("starting solreport")

	store := cache.NewStore(cache.StoreConfig{
		Dir:     cfg.Cache.Dir,
		TTL:     cfg.Cache.TTL,
		Enabled: cfg.Cache.Enabled,
		Logger:  log.With().Str("component", "cache").Logger(),
	})

	switch {
	case *cacheStats:
		printCacheStats(store)
		return
	case *cacheClear:
		var olderThan *time.Duration
		if *cacheOlder > 0 {
			olderThan = cacheOlder
		}
		removed := store.Clear(olderThan)
		fmt.Printf("removed %d cache entries\n", removed)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := fusionsolar.NewClient(fusionsolar.ClientConfig{
		BaseURL:        cfg.API.BaseURL,
		Username:       cfg.API.Username,
		Password:       cfg.API.Password,
		CredentialMode: fusionsolar.CredentialMode(cfg.API.CredentialMode),
		TokenTTL:       cfg.API.TokenTTL,
		Timeout:        cfg.API.Timeout,
		Cache:          store,
		Logger:         log.With().Str("component", "fusionsolar").Logger(),
	})

	if *listStations {
		err := printStations(ctx, client)
		client.Logout(context.Background())
		if err != nil {
			log.Fatal().Err(err).Msg("station listing failed")
		}
		return
	}

	repYear, repMonth := resolvePeriod(*year, *month)

	extractor := report.NewExtractor(report.ExtractorConfig{
		Client:               client,
		Logger:               log.With().Str("component", "extractor").Logger(),
		TariffPerKWh:         cfg.Metrics.TariffPerKWh,
		EmissionFactor:       cfg.Metrics.EmissionFactor,
		TreeAbsorptionKgYear: cfg.Metrics.TreeAbsorptionKgYear,
		SystemCost:           cfg.Metrics.SystemCost,
		MeanSunHours:         cfg.Report.MeanSunHours,
		CapacityMWCutoff:     cfg.Report.CapacityMWCutoff,
	})

	runner := report.NewRunner(report.RunnerConfig{
		Extractor:    extractor,
		Quota:        client,
		Logger:       log.With().Str("component", "runner").Logger(),
		Year:         repYear,
		Month:        repMonth,
		IncludeDaily: cfg.Report.IncludeDaily && !*noDaily,
		Compare:      cfg.Report.Compare && !*noCompare,
	})

	jobs, err := stationJobs(cfg, *station)
	if err != nil {
		log.Fatal().Err(err).Msg("no stations to report on")
	}

	result, err := runner.Run(ctx, jobs)
	client.Logout(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("batch run aborted")
	}

	if err := writeReports(cfg.Report.OutputDir, repYear, repMonth, result, log); err != nil {
		log.Fatal().Err(err).Msg("writing reports failed")
	}

	if result.Failed > 0 {
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig, pretty bool) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout)
	if pretty || cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger.
		Level(level).
		With().
		Timestamp().
		Str("service", "solreport").
		Str("version", Version).
		Logger()
}

// resolvePeriod defaults to the most recently completed month.
func resolvePeriod(year, month int) (int, time.Month) {
	if year != 0 && month >= 1 && month <= 12 {
		return year, time.Month(month)
	}

	now := time.Now()
	prev := now.AddDate(0, -1, -now.Day()+1)
	if year != 0 {
		return year, prev.Month()
	}
	if month >= 1 && month <= 12 {
		return now.Year(), time.Month(month)
	}
	return prev.Year(), prev.Month()
}

func stationJobs(cfg *config.Config, only string) ([]report.StationJob, error) {
	if only != "" {
		for _, s := range cfg.Stations {
			if s.Code == only {
				return []report.StationJob{{Code: s.Code, Name: s.Name, CapacityKWp: s.CapacityKWp}}, nil
			}
		}
		return []report.StationJob{{Code: only}}, nil
	}

	if len(cfg.Stations) == 0 {
		return nil, fmt.Errorf("no stations configured; set stations in the config file or pass -station")
	}

	jobs := make([]report.StationJob, 0, len(cfg.Stations))
	for _, s := range cfg.Stations {
		jobs = append(jobs, report.StationJob{Code: s.Code, Name: s.Name, CapacityKWp: s.CapacityKWp})
	}
	return jobs, nil
}

func printStations(ctx context.Context, client *fusionsolar.Client) error {
	stations, err := client.StationList(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%d stations:\n", len(stations))
	for _, s := range stations {
		fmt.Printf("  %-20s %-30s %10.2f\n", s.Code, s.Name, s.Capacity)
	}
	return nil
}

func printCacheStats(store *cache.Store) {
	st := store.Stats()
	fmt.Printf("cache:   %s\n", st.Dir)
	fmt.Printf("enabled: %t\n", st.Enabled)
	fmt.Printf("entries: %d\n", st.FileCount)
	fmt.Printf("size:    %d bytes\n", st.TotalSizeBytes)
	fmt.Printf("ttl:     %s\n", st.TTL)
}

func writeReports(dir string, year int, month time.Month, result *report.RunResult, log zerolog.Logger) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	for _, res := range result.Results {
		if res.Err != nil || res.Report == nil {
			continue
		}

		name := fmt.Sprintf("%s_%04d-%02d.json", res.Code, year, int(month))
		path := filepath.Join(dir, name)

		data, err := json.MarshalIndent(res.Report, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal report for %s: %w", res.Code, err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		log.Info().Str("station", res.Code).Str("path", path).Msg("report written")
	}

	log.Info().
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Msg("run complete")
	return nil
}
