package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/runner"
	"image-compressor-go/internal/selection"
	"image-compressor-go/internal/statistics"
	"image-compressor-go/internal/web"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	cfgFile        string
	outputDir      string
	threads        int
	quality        int
	dryRun         bool
	preferExternal bool
	externalTool   string
	keepMetadata   bool
	verbose        bool
	quiet          bool
	host           string
	port           int
	version        = "dev"
)

// rootCmd compresses the given files and directories.
var rootCmd = &cobra.Command{
	Use:   "image-compressor [files or directories...]",
	Short: "Compress images with a pool of workers",
	Long: `image-compressor re-encodes JPEG and PNG images to make them smaller.

Features:
- JPEG re-encoding at a configurable quality (10-100)
- PNG optimization through an external tool (pngquant) with lossless fallback
- Other files are copied unchanged
- Dry-run mode that estimates savings without writing output
- Parallel workers with graceful Ctrl+C handling`,
	Version:       version,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(cmd, args)
	},
}

// serveCmd starts the local web interface server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web interface server",
	Long: `Starts a local HTTP server that lets a browser start, stop and monitor
compression runs. Results, log lines and run events are streamed over a
WebSocket at /ws. The server binds to 127.0.0.1 unless --host says otherwise.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

// probeCmd prints what the compressor would do with a single file.
var probeCmd = &cobra.Command{
	Use:   "probe <file>",
	Short: "Show size, format and compression plan of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProbe(cmd, args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")
	rootCmd.PersistentFlags().IntVar(&quality, "quality", compressor.DefaultQuality, "JPEG/optimizer quality (10-100)")
	rootCmd.PersistentFlags().BoolVar(&preferExternal, "prefer-external", true, "try the external optimizer first for PNG files")
	rootCmd.PersistentFlags().StringVar(&externalTool, "tool", "", "external optimizer binary (default pngquant)")
	rootCmd.PersistentFlags().BoolVar(&keepMetadata, "keep-metadata", false, "copy EXIF metadata into JPEG outputs (needs exiftool)")

	rootCmd.Flags().StringVarP(&outputDir, "out", "o", "", "output directory")
	rootCmd.Flags().IntVarP(&threads, "threads", "t", 0, "number of worker threads")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "estimate savings without writing output")

	serveCmd.Flags().StringVar(&host, "host", "", "address to bind (default 127.0.0.1)")
	serveCmd.Flags().IntVar(&port, "port", 0, "port to run web server on (default 8080)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(probeCmd)
}

// runCompress runs one compression pass over args.
func runCompress(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg)
	selector := selection.NewSelector(afero.NewOsFs(), cfg.SupportedExtensions, log)
	paths, err := selector.Collect(args)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no files to compress in %s", strings.Join(args, ", "))
	}

	stats := statistics.NewStatistics()
	printer := runner.ReporterFuncs{
		OnLog: func(line string) {
			if !quiet {
				fmt.Println(renderResultLine(line))
			}
		},
	}
	coordinator := runner.NewCoordinator(
		compressor.NewDefaultCompressor(afero.NewOsFs(), log),
		runner.Serialize(runner.Multi(stats, printer)),
		log,
		afero.NewOsFs(),
		runner.ConfigFrom(cfg.Performance),
	)

	opts := cfg.CompressionOptions()
	info, err := coordinator.Start(runner.Request{
		Paths:   paths,
		Threads: cfg.Performance.WorkerThreads,
		Options: opts,
	})
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	stats.SetTotalFiles(len(paths))

	if !quiet {
		mode := "compressing into " + opts.OutputDir
		if opts.DryRun {
			mode = "dry run, nothing will be written"
		}
		fmt.Println(titleStyle.Render(fmt.Sprintf("%d files on %d workers (%s)", info.Items, info.Threads, mode)))
	}

	if err := waitOrInterrupt(coordinator); err != nil {
		return err
	}

	if !quiet {
		fmt.Println()
		fmt.Println(statsBoxStyle.Render(stats.GetSummary()))
		fmt.Println(stats.GetMethodBreakdown())
		fmt.Println(stats.GetErrorSummary())
	}

	if failed := stats.Snapshot().FilesWithErrors; failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(paths))
	}
	return nil
}

// waitOrInterrupt waits for the run to finish. The first SIGINT/SIGTERM asks
// the workers to stop after their current file.
func waitOrInterrupt(coordinator *runner.Coordinator) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	done := make(chan error, 1)
	go func() {
		done <- coordinator.Wait(context.Background())
	}()

	select {
	case err := <-done:
		return err
	case <-sigChan:
		if !quiet {
			fmt.Println(hintStyle.Render("\nStopping after the files in progress..."))
		}
		coordinator.Stop()
		return <-done
	}
}

// runServe starts the web server and handles graceful shutdown.
func runServe(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg)
	server := web.NewServer(cfg, log, compressor.NewDefaultCompressor(afero.NewOsFs(), log))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	if !quiet {
		fmt.Println(titleStyle.Render("Image compressor web interface started"))
		fmt.Println(renderField("Address", fmt.Sprintf("http://%s:%d", cfg.Web.Host, cfg.Web.Port)))
		fmt.Println(hintStyle.Render("Press Ctrl+C to stop the server"))
	}

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-sigChan:
	}

	if !quiet {
		fmt.Println(hintStyle.Render("\nShutting down server..."))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// runProbe prints what is known about a single file.
func runProbe(cmd *cobra.Command, filePath string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fs := afero.NewOsFs()
	log := setupLogger(cfg)
	comp := compressor.NewDefaultCompressor(fs, log)

	size, err := compressor.NewSizeProbe(fs).Size(filePath)
	if err != nil {
		return err
	}
	mime, err := selection.DetectMIME(fs, filePath)
	if err != nil {
		mime = selection.UnknownMIME
	}

	fmt.Println(titleStyle.Render(filePath))
	fmt.Println(renderField("Size", fmt.Sprintf("%d bytes (%d KB)", size, size/1024)))
	fmt.Println(renderField("Format", compressor.FormatOf(filePath).String()))
	fmt.Println(renderField("MIME", mime))
	fmt.Println(renderField("Supported extension", fmt.Sprintf("%v", cfg.IsSupportedExtension(filepath.Ext(filePath)))))
	fmt.Println(renderField("Already compressed", fmt.Sprintf("%v", comp.IsMarked(filePath))))
	fmt.Println(renderField("Plan", strings.Join(comp.Plan(filePath, cfg.CompressionOptions()), " -> ")))
	return nil
}

// loadConfig loads configuration and applies CLI overrides for flags the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("out") {
		cfg.OutputDirectory = outputDir
	}
	if flags.Changed("threads") {
		cfg.Performance.WorkerThreads = threads
	}
	if flags.Changed("quality") {
		cfg.Compression.Quality = quality
	}
	if flags.Changed("dry-run") {
		cfg.Security.DryRun = dryRun
	}
	if flags.Changed("prefer-external") {
		cfg.Compression.PreferExternal = preferExternal
	}
	if flags.Changed("tool") {
		cfg.Compression.ExternalTool = externalTool
	}
	if flags.Changed("keep-metadata") {
		cfg.Compression.PreserveMetadata = keepMetadata
	}
	if flags.Changed("host") {
		cfg.Web.Host = host
	}
	if flags.Changed("port") {
		cfg.Web.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.DefaultConfig()
	loggerCfg.Console = verbose
	if cfg.Logging.Level != "" {
		loggerCfg.Level = cfg.Logging.Level
	}
	loggerCfg.FilePath = cfg.Logging.FilePath
	if cfg.Logging.MaxSize > 0 {
		loggerCfg.MaxSize = cfg.Logging.MaxSize
	}
	if cfg.Logging.MaxBackups > 0 {
		loggerCfg.MaxBackups = cfg.Logging.MaxBackups
	}
	if cfg.Logging.MaxAge > 0 {
		loggerCfg.MaxAge = cfg.Logging.MaxAge
	}
	loggerCfg.Compress = cfg.Logging.Compress

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
