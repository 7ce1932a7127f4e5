package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"pcapdns/internal/analysis"
	"pcapdns/internal/api"
	"pcapdns/internal/config"
	"pcapdns/internal/decoder"
	"pcapdns/internal/joiner"
	"pcapdns/internal/logging"
	"pcapdns/internal/pipeline"
	"pcapdns/internal/reporting"
	"pcapdns/internal/store"
	"pcapdns/internal/tui"
)

func main() {
	configPath := flag.String("c", "", "Configuration file (.yaml, .yml or .toml)")
	statePath := flag.String("state", "", "File keeping fragments, flows and pending queries between runs")
	dbPath := flag.String("db", "", "SQLite database receiving every exchange")
	listen := flag.String("http", "", "Address for the JSON API (e.g., 127.0.0.1:8080)")
	reportDir := flag.String("report", "", "Directory for the HTML session report")
	useTUI := flag.Bool("tui", false, "Show a live dashboard while files are processed")
	flag.Parse()

	files := flag.Args()
	if len(files) == 0 {
		fmt.Println("Please provide one or more pcap files")
		fmt.Println("Example: ./pcapdns -db dns.sqlite capture-*.pcap")
		os.Exit(2)
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			color.Red("Failed to load config: %v", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	overrideString(&cfg.State.Path, *statePath)
	overrideString(&cfg.Output.Database, *dbPath)
	overrideString(&cfg.HTTP.Listen, *listen)
	overrideString(&cfg.Report.Dir, *reportDir)
	if *useTUI {
		// stderr belongs to the dashboard
		cfg.Logging.Format = "none"
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		color.Red("Failed to set up logging: %v", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log, files, *useTUI); err != nil {
		log.Error("run finished with errors", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger, files []string, useTUI bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats := analysis.NewDNSStats()

	var (
		sinks []pipeline.Sink
		db    *store.DB
	)
	if cfg.Output.Database != "" {
		var err error
		db, err = store.Open(cfg.Output.Database)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		sinks = append(sinks, db)
	}

	httpDone := make(chan error, 1)
	if cfg.HTTP.Listen != "" {
		e := echo.New()
		e.HideBanner = true
		e.HidePort = true
		api.New(e, stats, db)
		go func() { httpDone <- api.Serve(ctx, e, cfg.HTTP.Listen, log.Named("http")) }()
	}

	proc := pipeline.New(pipelineConfig(cfg), log.Named("pipeline"), stats, sinks...)

	var runErr error
	if useTUI {
		runErr = runWithDashboard(ctx, stop, proc, stats, files, log)
	} else {
		started := time.Now()
		runErr = proc.Run(ctx, files)
		printSummary(stats, time.Since(started))
	}

	if cfg.Report.Dir != "" {
		name, err := reporting.GenerateSessionReport(stats, cfg.Report.Dir, "html")
		if err != nil {
			log.Error("failed to write report", zap.Error(err))
		} else {
			color.Green("Report written to %s", name)
		}
	}

	if cfg.HTTP.Listen != "" {
		if ctx.Err() == nil {
			color.Cyan("Serving results on %s, press Ctrl+C to stop", cfg.HTTP.Listen)
		}
		var err error
		select {
		case <-ctx.Done():
			err = <-httpDone
		case err = <-httpDone:
		}
		if err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("http server: %w", err))
		}
	}
	return runErr
}

// runWithDashboard runs the pipeline in the background while the dashboard
// owns the terminal. Quitting the dashboard stops after the current file.
func runWithDashboard(ctx context.Context, stop context.CancelFunc, proc *pipeline.Processor, stats *analysis.DNSStats, files []string, log *zap.Logger) error {
	p := tea.NewProgram(tui.NewAnalysisModel(stats, len(files)), tea.WithAltScreen())

	done := make(chan error, 1)
	go func() {
		err := proc.Run(ctx, files)
		done <- err
		p.Send(tui.DoneMsg{Err: err})
	}()

	if _, err := p.Run(); err != nil {
		log.Error("dashboard failed", zap.Error(err))
	}
	stop()
	return <-done
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		Decoder: decoder.Config{
			AllowPartial:    *cfg.Decoder.AllowPartial,
			TCPReassembly:   *cfg.Decoder.TCPReassembly,
			ICMP:            cfg.Decoder.ICMP,
			Ports:           cfg.Decoder.Ports,
			FragmentTimeout: cfg.Cache.FragmentTimeout,
			FlowTimeout:     cfg.Cache.TCPFlowTimeout,
		},
		Joiner: joiner.Config{
			QueryTimeout: cfg.Cache.QueryTimeout,
			ICMP:         cfg.Decoder.ICMP,
		},
		ReadBufferSize: cfg.Input.ReadBufferSize,
		QueueSize:      cfg.Input.QueueSize,
		StatePath:      cfg.State.Path,
	}
}

func printSummary(stats *analysis.DNSStats, elapsed time.Duration) {
	snap := stats.Snapshot()
	bold := color.New(color.Bold)
	warn := color.New(color.FgYellow)

	bold.Printf("Processed %d files in %s\n", len(snap.Files), elapsed.Round(time.Millisecond))
	for _, f := range snap.Files {
		if f.Err != nil {
			color.Red("  %s: %v", f.Name, f.Err)
			continue
		}
		fmt.Printf("  %s: %d frames, %d exchanges\n", f.Name, f.Frames, f.Exchanges)
	}

	color.Green("Exchanges: %d (answered %d, avg RTT %s)", snap.Exchanges, snap.Answered, snap.AvgRTT.Round(time.Microsecond))
	if snap.Orphans > 0 || snap.Expired > 0 {
		warn.Printf("Orphan responses: %d, unanswered queries: %d\n", snap.Orphans, snap.Expired)
	}
	if snap.Decoder.DNSDecodeErrors > 0 || snap.Decoder.Malformed > 0 {
		warn.Printf("Decode errors: %d, malformed packets: %d\n", snap.Decoder.DNSDecodeErrors, snap.Decoder.Malformed)
	}
	for _, alert := range stats.GetAlerts(5) {
		color.Red("ALERT %s: %s", alert.Type, alert.Message)
	}
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
