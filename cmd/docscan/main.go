// docscan - document capture and confirmation server
// Serves a capture session over HTTP: live camera, countdown overlay,
// review, and submission to a recognition backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	ilog "github.com/teslashibe/go-docscan/internal/log"
	"github.com/teslashibe/go-docscan/pkg/camera"
	"github.com/teslashibe/go-docscan/pkg/media"
	"github.com/teslashibe/go-docscan/pkg/media/gocvcam"
	"github.com/teslashibe/go-docscan/pkg/recognition"
	"github.com/teslashibe/go-docscan/pkg/recognition/tesseract"
	"github.com/teslashibe/go-docscan/pkg/scanner"
)

var version = "dev"

func main() {
	cfg, debug := parseFlags()

	ilog.Init(cfg.LogLevel)
	scanner.Version = version

	app, err := scanner.New(cfg,
		scanner.WithLogger(ilog.L()),
		scanner.WithAccessLog(debug),
		scanner.WithLocalCamera(openCamera),
		scanner.WithBackend(scanner.BackendTesseract, newTesseract),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Init(ctx); err != nil {
		ilog.Error("initialization failed", "error", err)
		os.Exit(1)
	}
	defer app.Shutdown()

	ilog.Info("docscan starting", "version", version, "addr", cfg.Addr)
	if err := app.Run(ctx); err != nil {
		ilog.Error("runtime error", "error", err)
		os.Exit(1)
	}
}

// parseFlags parses command line flags and returns configuration.
// Environment variables are applied first so flags take precedence.
func parseFlags() (scanner.Config, bool) {
	cfg := scanner.DefaultConfig()
	cfg.LoadEnvConfig()

	addr := flag.String("addr", cfg.Addr, "Listen address")
	cam := flag.String("camera", cfg.Camera, "Camera device index or path, \"relay\" for phone/browser cameras, or \"demo\"")
	preset := flag.String("preset", cfg.Preset, "Camera preset: "+strings.Join(camera.PresetNames(), ", "))
	backend := flag.String("backend", cfg.Backend, "Recognition backends in fallback order: http, vision, tesseract")
	recURL := flag.String("recognition-url", cfg.RecognitionURL, "Document service URL for the http backend")
	lang := flag.String("lang", cfg.TesseractLang, "Tesseract languages, '+' separated (eng+deu)")
	spool := flag.String("spool", cfg.SpoolDir, "Directory for captured images (in memory when empty)")
	static := flag.String("static", cfg.StaticDir, "Directory served at /")
	ov := cfg.Overlay.Settings()
	flag.IntVar(&ov.CountFrom, "countdown", ov.CountFrom, "Countdown start for the capture overlay")
	flag.IntVar(&ov.PrimingDelayMs, "overlay-priming-ms", ov.PrimingDelayMs, "Delay before the first countdown value (ms)")
	flag.IntVar(&ov.TickIntervalMs, "overlay-tick-ms", ov.TickIntervalMs, "Time each countdown value is shown (ms)")
	flag.IntVar(&ov.ProcessingDurationMs, "overlay-processing-ms", ov.ProcessingDurationMs, "Time the processing indicator is shown (ms)")
	flag.IntVar(&ov.SettleDelayMs, "overlay-settle-ms", ov.SettleDelayMs, "Time between complete and ready to confirm (ms)")
	timeout := flag.Duration("confirm-timeout", cfg.ConfirmTimeout, "Timeout for one recognition submission")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	debug := flag.Bool("debug", false, "Enable debug logging and request logs")
	flag.Parse()

	cfg.Addr, cfg.Camera, cfg.Preset = *addr, *cam, *preset
	cfg.Backend, cfg.RecognitionURL, cfg.TesseractLang = *backend, *recURL, *lang
	cfg.SpoolDir, cfg.StaticDir = *spool, *static
	cfg.Overlay = ov.Config()
	cfg.ConfirmTimeout = *timeout
	cfg.LogLevel = *logLevel
	if *debug {
		cfg.LogLevel = "debug"
	}
	return cfg, *debug
}

func openCamera(cfg scanner.Config, logger *slog.Logger) (media.Source, error) {
	return gocvcam.New(
		gocvcam.WithDevice(cfg.Camera),
		gocvcam.WithLogger(logger),
	), nil
}

func newTesseract(ctx context.Context, cfg scanner.Config, logger *slog.Logger) (recognition.Submitter, error) {
	return tesseract.New(
		tesseract.WithLanguages(strings.Split(cfg.TesseractLang, "+")...),
		tesseract.WithLogger(logger),
	), nil
}
