package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/avi-rzv/metatron/pkg/metatron/autoreply"
	"github.com/avi-rzv/metatron/pkg/metatron/config"
	"github.com/avi-rzv/metatron/pkg/metatron/gateway"
	"github.com/avi-rzv/metatron/pkg/metatron/llm"
	"github.com/avi-rzv/metatron/pkg/metatron/store"
	"github.com/avi-rzv/metatron/pkg/metatron/tts"
	"github.com/avi-rzv/metatron/pkg/metatron/wa"
)

// newServeCmd creates the `metatron serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the session and the auto-reply pipeline",
		Long: `Connect to WhatsApp (printing a QR code on first pairing), serve the
admin API, and answer permitted contacts and groups.

Examples:
  metatron serve
  metatron serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := cfg.Logging.SlogLevel()
	if verbose {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)

	config.ResolveAPIKey(cfg, logger)

	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	db, err := store.Open(cfg.StorePath, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Session ──
	transport := wa.NewMeowTransport(cfg.WhatsApp, logger)
	session := wa.NewSession(cfg.WhatsApp, transport, logger)
	session.AddObserver(qrPrinter{logger: logger})

	// ── Reply pipeline ──
	client := llm.NewOpenAIClient(cfg.LLM, logger)
	synth := tts.FromConfig(cfg.TTS, cfg.LLM.APIKey, cfg.LLM.BaseURL, logger)

	queue := autoreply.NewQueue(ctx, logger)
	gate := autoreply.NewGate(db, logger)
	binder := autoreply.NewBinder(db, db, "openai", cfg.LLM.Model, logger)
	executor := autoreply.NewExecutor(db, client, client, synth, session,
		cfg.Instructions, cfg.TTS.Voice, logger)
	autoreply.NewPipeline(session, queue, gate, binder, executor, logger)

	if err := session.Connect(ctx); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	// ── Gateway ──
	var gw *gateway.Server
	if cfg.Gateway.Listen != "" {
		gw = gateway.New(gateway.Config{
			Listen:          cfg.Gateway.Listen,
			Token:           cfg.Gateway.Token,
			ShutdownTimeout: cfg.Gateway.ShutdownTimeout,
		}, session, db, logger)
		go func() {
			if err := gw.Start(); err != nil {
				logger.Error("gateway failed", "error", err)
			}
		}()
	}

	logger.Info("metatron running, press Ctrl+C to stop",
		"name", cfg.Name,
		"model", cfg.LLM.Model,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		if gw != nil {
			if err := gw.Shutdown(context.Background()); err != nil {
				logger.Warn("gateway shutdown failed", "error", err)
			}
		}
		if err := session.Disconnect(false); err != nil {
			logger.Warn("session disconnect failed", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// qrPrinter writes pairing codes and status changes to the log so the
// operator can pair from the terminal without the admin API.
type qrPrinter struct {
	logger *slog.Logger
}

func (p qrPrinter) OnSessionEvent(evt wa.Event) {
	switch evt.Type {
	case wa.EventQR:
		fmt.Println()
		fmt.Println("Scan this code with WhatsApp → Linked Devices:")
		fmt.Println(evt.QRCode)
		fmt.Println()
	case wa.EventConnected:
		p.logger.Info("whatsapp linked", "phone", evt.PhoneNumber)
	case wa.EventLoggedOut:
		p.logger.Warn("whatsapp logged out, a new QR code will be issued")
	}
}
