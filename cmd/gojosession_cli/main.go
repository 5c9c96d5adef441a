package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/sushant-115/gojosession/config"
	"github.com/sushant-115/gojosession/core/session"
	internaltelemetry "github.com/sushant-115/gojosession/internal/telemetry"
	"github.com/sushant-115/gojosession/pkg/logger"
	"github.com/sushant-115/gojosession/pkg/telemetry"
)

var (
	configPath  = flag.String("config", "", "Path to a YAML config file; defaults apply when empty")
	backend     = flag.String("backend", "", "Override store.backend (memory or bolt)")
	dbPath      = flag.String("db", "", "Override store.path for the bolt backend")
	logLevel    = flag.String("log_level", "", "Override logger.level")
	historyFile = flag.String("history", filepath.Join(os.TempDir(), "gojosession_cli.history"), "Readline history file")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("FATAL: %v", err)
		}
	}
	if *backend != "" {
		cfg.Store.Backend = *backend
	}
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("FATAL: invalid configuration: %v", err)
	}

	zlog, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("FATAL: failed to build logger: %v", err)
	}
	defer zlog.Sync()

	if err := run(cfg, zlog); err != nil {
		zlog.Error("Shell exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, zlog *zap.Logger) error {
	ctx := context.Background()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(ctx); err != nil {
			zlog.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()
	metrics, err := internaltelemetry.NewSessionMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("failed to register session metrics: %w", err)
	}
	if tel.MetricsAddr != "" {
		zlog.Info("Serving metrics", zap.String("addr", tel.MetricsAddr))
	}

	st, err := cfg.Store.Open(zlog)
	if err != nil {
		return err
	}
	defer st.Close()

	factory, err := session.NewFactory(st, cfg.Session,
		session.WithLogger(zlog),
		session.WithTracer(tel.Tracer),
		session.WithMetrics(metrics),
		session.WithSecondaryErrorHandler(func(err error) {
			fmt.Fprintf(os.Stderr, "warning: rollback failed: %v\n", err)
		}),
	)
	if err != nil {
		return err
	}
	defer factory.Close(ctx)

	s, err := factory.GetSession()
	if err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "gojosession> ",
		HistoryFile:       *historyFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "quit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("failed to start readline: %w", err)
	}
	defer rl.Close()

	sh := newShell(s, rl.Stdout())
	sh.printf("gojosession shell (%s store). Type help for commands.", cfg.Store.Backend)
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if len(line) == 0 {
					break
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		if sh.exec(ctx, strings.TrimSpace(line)) {
			break
		}
	}
	return s.Close(ctx)
}
