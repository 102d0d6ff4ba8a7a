// Package main runs a Telegram bot that watches the LOE outage schedule page
// and sends the schedule image to every subscribed chat when it changes.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"poweron-notifier/bot"
	"poweron-notifier/config"
	"poweron-notifier/poll"
	"poweron-notifier/scraper"
	"poweron-notifier/server"
	"poweron-notifier/storage"
	"poweron-notifier/telegram"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"gopkg.in/natefinch/lumberjack.v2"
	tele "gopkg.in/telebot.v4"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger, closeLog := newLogger(cfg, os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service stopped with error", "error", err)
		closeLog()
		os.Exit(1)
	}
	closeLog()
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("Failed to close storage", "error", err)
		}
	}()

	subscribers := storage.LoadSubscribers(ctx, backend, logger)

	transport, b, err := newTransport(cfg, logger)
	if err != nil {
		return fmt.Errorf("init telegram: %w", err)
	}

	format := telegram.NewFormatter(cfg.Location())
	pollCfg := &poll.Config{
		Fetcher:            newFetcher(cfg, logger),
		Transport:          transport,
		Store:              subscribers,
		Formatter:          format,
		Logger:             logger,
		TargetURL:          cfg.TargetURL,
		Interval:           cfg.CheckInterval(),
		ErrorCooldown:      cfg.ErrorCooldown,
		SendRatePerSec:     cfg.SendRatePerSec,
		NormalizeReference: cfg.NormalizeReference,
	}
	if cfg.PersistSchedule {
		pollCfg.Cache = storage.NewScheduleCache(backend, logger)
	}
	monitor := poll.New(ctx, pollCfg)

	if b != nil {
		handlers := bot.New(subscribers, monitor, transport, format, cfg.Keywords, logger)
		handlers.Register(ctx, b)
		go func() {
			logger.Info("Telegram polling started")
			b.Start()
		}()
		defer b.Stop()
	}

	srvErr := make(chan error, 1)
	go func() {
		srv := server.New(&server.Config{Monitor: monitor, Logger: logger})
		srvErr <- srv.ListenAndServe(ctx, cfg.Port)
	}()

	monErr := make(chan error, 1)
	go func() {
		monErr <- monitor.Run(ctx)
	}()

	notifySystemd(logger, daemon.SdNotifyReady)
	logger.Info("Service started",
		"target_url", cfg.TargetURL,
		"interval", cfg.CheckInterval().String(),
		"subscribers", subscribers.Count(),
		"storage", cfg.Storage.Backend,
		"fetch_mode", cfg.Fetch.Mode)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-srvErr:
		runErr = err
		stop()
	}

	notifySystemd(logger, daemon.SdNotifyStopping)
	logger.Info("Shutting down")

	if err := <-monErr; err != nil && runErr == nil {
		runErr = err
	}
	if runErr == nil {
		if err := <-srvErr; err != nil {
			runErr = err
		}
	}
	return runErr
}

// newLogger builds the JSON logger. With a log file configured, output also goes to a rotating file.
func newLogger(cfg *config.Config, stdout io.Writer) (*slog.Logger, func()) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	w := stdout
	closeFn := func() {}
	if cfg.LogFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // MB
			MaxBackups: 5,
			LocalTime:  true,
		}
		w = io.MultiWriter(stdout, rotating)
		closeFn = func() { _ = rotating.Close() }
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), closeFn
}

func newFetcher(cfg *config.Config, logger *slog.Logger) poll.Fetcher {
	if cfg.Fetch.Mode == "browser" {
		logger.Info("Using headless browser fetcher", "chrome_path", cfg.Fetch.ChromePath)
		return scraper.NewBrowser(cfg.Fetch.ChromePath, cfg.Fetch.Timeout, logger)
	}
	return scraper.New(&http.Client{Timeout: cfg.Fetch.Timeout}, logger, cfg.Fetch.Attempts)
}

// newTransport returns the Telegram sender and bot, or a logging mock when no token is set.
func newTransport(cfg *config.Config, logger *slog.Logger) (poll.Transport, *tele.Bot, error) {
	if cfg.BotToken == "" {
		logger.Info("No BOT_TOKEN set, using mock transport")
		return telegram.NewMock(logger), nil, nil
	}

	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.BotToken,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, _ tele.Context) {
			logger.Error("Telegram update failed", "error", err)
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create bot: %w", err)
	}
	return telegram.New(b, logger), b, nil
}

func notifySystemd(logger *slog.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("Failed to notify systemd", "state", state, "error", err)
		return
	}
	if sent {
		logger.Debug("Notified systemd", "state", state)
	}
}
