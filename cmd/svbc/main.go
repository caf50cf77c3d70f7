package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/nonomal/superbatchvideocompressor/internal/batch"
	"github.com/nonomal/superbatchvideocompressor/internal/config"
	"github.com/nonomal/superbatchvideocompressor/internal/logger"
	"github.com/nonomal/superbatchvideocompressor/internal/process"
	"github.com/nonomal/superbatchvideocompressor/internal/reporter"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config/svbc.yaml", "Path to config file")
	inputPath := flag.String("input", "", "Override input path from config")
	outputPath := flag.String("output", "", "Override output path from config")
	verbose := flag.Bool("verbose", false, "Enable verbose terminal output (retry path per file)")
	logFile := flag.Bool("log-file", false, "Also write structured events to the log reporter alongside the terminal")
	workers := flag.Int("workers", 0, "Override scheduler.max_total_concurrent from config")
	dryRun := flag.Bool("dry-run", false, "Print the planned input -> output mapping and exit without encoding")
	dumpConfig := flag.Bool("dump-config", false, "Print the resolved configuration as YAML and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: could not load config from %s: %v\n", *configPath, err)
		return 1
	}
	if *inputPath != "" {
		cfg.Paths.Input = *inputPath
	}
	if *outputPath != "" {
		cfg.Paths.Output = *outputPath
	}
	if *workers > 0 {
		cfg.Scheduler.MaxTotalConcurrent = int64(*workers)
	}

	if *dumpConfig {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: could not marshal config: %v\n", err)
			return 1
		}
		os.Stdout.Write(data)
		return 0
	}

	logger.Init(cfg.Logging.Level)

	if _, err := os.Stat(cfg.Paths.Input); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Error: input path does not exist: %s\n", cfg.Paths.Input)
		return 1
	}
	if err := os.MkdirAll(cfg.Paths.Output, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: could not create output path %s: %v\n", cfg.Paths.Output, err)
		return 1
	}

	if *dryRun {
		return runDryRun(cfg)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                SUPER BATCH VIDEO COMPRESSOR                ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Input:        %s\n", cfg.Paths.Input)
	fmt.Printf("  Output:       %s\n", cfg.Paths.Output)
	fmt.Printf("  Codec:        %s -> .%s\n", cfg.Encoding.Codec, cfg.Encoding.Container)
	fmt.Printf("  Concurrency:  %d\n", cfg.Scheduler.MaxTotalConcurrent)
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop")
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	interrupted := make(chan struct{})
	go func() {
		<-sigCh
		signal.Stop(sigCh)
		fmt.Println("\n  Shutting down, waiting for in-flight attempts to exit...")
		process.Global.TerminateAll()
		cancel()
		close(interrupted)
	}()

	runner, err := batch.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	runner.SetReporter(reporter.New(*verbose, *logFile))

	summary, err := runner.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	select {
	case <-interrupted:
		return 130
	default:
	}

	if summary.Failed > 0 {
		return 1
	}
	return 0
}

// runDryRun prints the input -> output mapping Run would have submitted to
// the Scheduler, without probing, encoding, or writing anything.
func runDryRun(cfg *config.Config) int {
	files, err := batch.DiscoverFiles(cfg.Paths.Input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: could not discover input files: %v\n", err)
		return 1
	}

	fmt.Printf("Dry run: %d file(s) under %s\n\n", len(files), cfg.Paths.Input)
	for _, f := range files {
		plan, err := batch.ResolveFilePlan(f, cfg.Paths.Input, cfg.Paths.Output, cfg.Encoding.Container, cfg.Files.KeepStructure)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  %s -> error: %v\n", f, err)
			continue
		}
		fmt.Printf("  %s -> %s\n", f, plan.OutputPath)
	}
	return 0
}
