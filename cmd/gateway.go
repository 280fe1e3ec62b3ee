package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/akropp/openclaw/internal/agent"
	"github.com/akropp/openclaw/internal/bus"
	"github.com/akropp/openclaw/internal/channels"
	"github.com/akropp/openclaw/internal/channels/discord"
	"github.com/akropp/openclaw/internal/channels/telegram"
	"github.com/akropp/openclaw/internal/config"
	"github.com/akropp/openclaw/internal/fanout"
	"github.com/akropp/openclaw/internal/store"
	"github.com/akropp/openclaw/internal/tracing"
)

var configPath string

// runner is the reply pipeline for hosted accounts. Embedders install one
// with SetRunner before Execute; without it every turn resolves to silence.
var runner agent.Runner

// SetRunner installs the reply pipeline used by the gateway.
func SetRunner(r agent.Runner) { runner = r }

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the chat gateway and fan-out coordinator",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return RunGateway(ctx, cfg, runner)
	},
}

func init() {
	gatewayCmd.Flags().StringVar(&configPath, "config", "openclaw.yaml", "path to config file")
	rootCmd.AddCommand(gatewayCmd)
}

// RunGateway wires the bus, channel adapters, coordinator, and consumer
// loops, then blocks until ctx is cancelled.
func RunGateway(ctx context.Context, cfg *config.Config, r agent.Runner) error {
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	var archiver fanout.Archiver
	if cfg.Archive.Path != "" {
		st, err := store.Open(cfg.Archive.Path)
		if err != nil {
			return err
		}
		defer st.Close()
		archiver = st
	}

	co := fanout.New(fanout.Config{
		CollectionWindow: cfg.Fanout.CollectionWindow(),
		ResponseTimeout:  cfg.Fanout.ResponseTimeout(),
		MaxRounds:        cfg.Fanout.MaxRounds,
		IsSilentReply:    agent.IsSilentReply,
		Archiver:         archiver,
	})

	msgBus := bus.NewMessageBus()
	defer msgBus.Close()

	manager := channels.NewManager()
	for _, acc := range cfg.Discord {
		ch, err := discord.New(acc, msgBus)
		if err != nil {
			return fmt.Errorf("discord account %s: %w", acc.AccountID, err)
		}
		manager.Add(ch)
	}
	for _, acc := range cfg.Telegram {
		ch, err := telegram.New(acc, msgBus)
		if err != nil {
			return fmt.Errorf("telegram account %s: %w", acc.AccountID, err)
		}
		manager.Add(ch)
	}
	if len(manager.Accounts()) == 0 {
		return fmt.Errorf("no bot accounts configured")
	}

	if err := manager.StartAll(ctx); err != nil {
		return err
	}
	defer manager.StopAll(context.Background())

	go consumeInboundMessages(ctx, msgBus, co, r, cfg)
	go consumeOutboundMessages(ctx, msgBus, manager)

	slog.Info("gateway running", "accounts", len(manager.Accounts()))
	<-ctx.Done()
	slog.Info("gateway shutting down")
	return nil
}
