package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ggoodman/chatstream-go/internal/config"
	"github.com/ggoodman/chatstream-go/internal/logctx"
)

type mode int

const (
	modeServe mode = iota
	modeWork
	modeAll
)

func (m mode) String() string {
	switch m {
	case modeServe:
		return "serve"
	case modeWork:
		return "work"
	default:
		return "all"
	}
}

func (m mode) serves() bool { return m == modeServe || m == modeAll }
func (m mode) works() bool  { return m == modeWork || m == modeAll }

var modeDescriptions = map[mode]string{
	modeServe: "Serve the HTTP API and relay worker events to attached clients",
	modeWork:  "Consume queued chat requests and stream upstream replies",
	modeAll:   "Run the HTTP API and the queue workers in one process",
}

func newRunCmd(m mode, envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   m.String(),
		Short: modeDescriptions[m],
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*envFile)
			if err != nil {
				return err
			}
			if m.serves() {
				if err := cfg.ValidateServe(); err != nil {
					return fmt.Errorf("invalid configuration: %w", err)
				}
			}
			if m.works() {
				if err := cfg.ValidateWork(); err != nil {
					return fmt.Errorf("invalid configuration: %w", err)
				}
			}

			log := newLogger(cfg, cmd.ErrOrStderr())
			slog.SetDefault(log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info("chatstream.start", slog.String("mode", m.String()), slog.String("version", Version))
			err = run(ctx, cfg, m, log)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("chatstream.exit", slog.String("err", err.Error()))
				return err
			}
			log.Info("chatstream.stop")
			return nil
		},
	}
}

// newLogger builds the process logger from LOG_FORMAT and LOG_LEVEL and wraps
// it so request, stream and delivery context is attached to every record.
func newLogger(cfg *config.Config, out io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(logctx.Wrap(h))
}
