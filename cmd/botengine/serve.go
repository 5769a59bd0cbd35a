package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kajialsoad/cnz-sub006/internal/config"
	"github.com/kajialsoad/cnz-sub006/internal/digest"
	"github.com/kajialsoad/cnz-sub006/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP event API",
		Long: `Starts the HTTP API the chat transport posts events to. When a Slack or
Discord webhook is configured, the daily analytics digest runs alongside.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	ctx, stop := signal.NotifyContext(cmdContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStack(ctx, cmd, configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if port == 0 {
		port = st.cfg.Server.Port
	}

	runner, err := newDigestRunner(st)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx, server.StartOpts{
			Engine: st.engine,
			Host:   st.cfg.Server.Host,
			Port:   port,
			Logger: st.logger,
			Out:    cmd.OutOrStdout(),
		})
	})
	if runner != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Daily digest scheduled (%s)\n", st.cfg.Digest.Schedule)
		g.Go(func() error { return runner.Run(gctx) })
	}

	err = g.Wait()
	if ctx.Err() != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")
	}
	return err
}

// newDigestRunner builds the digest runner, or returns nil when no
// webhook is configured. Call it before any goroutine starts.
func newDigestRunner(st *stack) (*digest.Runner, error) {
	if !st.cfg.Digest.Enabled() {
		return nil, nil
	}
	notifiers, err := digestNotifiers(st.cfg.Digest)
	if err != nil {
		return nil, err
	}
	return digest.NewRunner(st.engine.Analytics(), st.cfg.Digest.Schedule, notifiers, st.logger)
}

func digestNotifiers(cfg config.DigestConfig) ([]digest.Notifier, error) {
	var out []digest.Notifier
	if cfg.SlackWebhookURL != "" {
		n, err := digest.NewSlack(cfg.SlackWebhookURL)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if cfg.DiscordWebhookURL != "" {
		n, err := digest.NewDiscord(cfg.DiscordWebhookURL)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
