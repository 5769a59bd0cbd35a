package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kajialsoad/cnz-sub006/internal/app"
	"github.com/kajialsoad/cnz-sub006/internal/config"
	"github.com/kajialsoad/cnz-sub006/internal/engine"
	"github.com/kajialsoad/cnz-sub006/internal/logging"
	"github.com/kajialsoad/cnz-sub006/internal/models"
	"github.com/kajialsoad/cnz-sub006/internal/trigger"
)

// demoConfig seeds simulate when the config file carries no scripts.
const demoConfig = `
rules:
  - chat_type: LIVE_CHAT
    reactivation_threshold: 3
  - chat_type: COMPLAINT_CHAT
    reactivation_threshold: 3
    reset_steps_on_reactivate: true
scripts:
  - chat_type: LIVE_CHAT
    message_key: live_greeting
    step: 1
    content: "Hello! Thanks for reaching out. How can we help?"
    content_bn: "হ্যালো! যোগাযোগ করার জন্য ধন্যবাদ। কীভাবে সাহায্য করতে পারি?"
  - chat_type: LIVE_CHAT
    message_key: live_details
    step: 2
    content: "Could you share a few more details so an agent can help faster?"
  - chat_type: LIVE_CHAT
    message_key: live_wait
    step: 3
    content: "An agent will be with you shortly. Please stay in the chat."
  - chat_type: COMPLAINT_CHAT
    message_key: complaint_ack
    step: 1
    content: "We have received your complaint."
    content_bn: "আমরা আপনার অভিযোগ পেয়েছি।"
  - chat_type: COMPLAINT_CHAT
    message_key: complaint_location
    step: 2
    content: "Please tell us the ward and area of the problem."
`

var defaultSequence = []string{"user", "user", "admin", "user", "user", "user", "user", "user"}

func newSimulateCmd() *cobra.Command {
	var (
		configPath string
		chatType   string
		locale     string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "simulate [sender...]",
		Short: "Run a scripted exchange against an in-memory store",
		Long: `Plays a sequence of senders (user or admin) through the engine using an
in-memory store and prints each decision. Rules and scripts come from the
config file, or from a built-in demo script when it has none.`,
		Example: "  botengine simulate user user admin user user user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, configPath, chatType, locale, verbose, args)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&chatType, "chat-type", string(models.ChatTypeLive), "chat type to simulate")
	cmd.Flags().StringVar(&locale, "locale", "", "message locale (en or bn)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log engine internals to stderr")
	return cmd
}

// simulationConfig loads configPath, falling back to the demo when the
// file is missing or defines no scripts.
func simulationConfig(configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("load config: %w", err)
	case len(cfg.Scripts) > 0:
		return cfg, nil
	}
	demo, err := config.Parse([]byte(demoConfig))
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		demo.Engine = cfg.Engine
		demo.Logging = cfg.Logging
	}
	return demo, nil
}

func runSimulate(cmd *cobra.Command, configPath, chatType, locale string, verbose bool, senders []string) error {
	ct, err := models.ParseChatType(chatType)
	if err != nil {
		return err
	}
	if len(senders) == 0 {
		senders = defaultSequence
	}
	events := make([]engine.Sender, len(senders))
	for i, s := range senders {
		if events[i], err = engine.ParseSender(s); err != nil {
			return err
		}
	}

	cfg, err := simulationConfig(configPath)
	if err != nil {
		return err
	}
	logger := logging.Discard()
	if verbose {
		lc := cfg.Logging
		lc.Level = "debug"
		if logger, err = logging.New(cmd.ErrOrStderr(), lc); err != nil {
			return err
		}
	}

	ctx := cmdContext(cmd)
	stores, _ := app.Memory()
	if err := app.Seed(ctx, stores, cfg); err != nil {
		return err
	}
	eng, err := app.NewEngine(stores, cfg, logger)
	if err != nil {
		return err
	}

	rule, err := eng.Rules().Get(ctx, ct)
	if err != nil {
		return err
	}
	printSimulationHeader(cmd.OutOrStdout(), ct, rule)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tSENDER\tACTION\tSTEP\tPHASE\tUNANSWERED\tMESSAGE")
	for i, sender := range events {
		res, err := eng.HandleEvent(ctx, engine.Event{
			ChatType:       ct,
			ConversationID: "simulation",
			Sender:         sender,
			Locale:         models.Locale(locale),
		})
		if err != nil {
			w.Flush()
			return fmt.Errorf("event %d: %w", i+1, err)
		}
		writeSimulationRow(w, i+1, sender, res, logger)
	}
	return w.Flush()
}

func printSimulationHeader(out io.Writer, ct models.ChatType, rule *trigger.Rule) {
	if rule == nil {
		fmt.Fprintf(out, "Simulating %s (no rule configured, bot stays silent)\n\n", ct)
		return
	}
	fmt.Fprintf(out, "Simulating %s (enabled=%t, threshold=%d, reset=%t)\n\n",
		ct, rule.Enabled, rule.Threshold, rule.ResetOnReactivate)
}

func writeSimulationRow(w io.Writer, n int, sender engine.Sender, res engine.Result, logger *slog.Logger) {
	step, msg := "-", "-"
	if res.Emitted() {
		step = fmt.Sprint(res.Step)
		msg = res.Text
	}
	phase := "-"
	if res.State.ChatType != "" {
		phase = trigger.SnapshotOf(res.State).Phase().String()
	}
	action := res.Action.String()
	if res.Reactivated {
		action += " (reactivated)"
	}
	fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
		n, sender, action, step, phase, res.State.UserMessageCount, msg)
	logger.Debug("simulated event", "n", n, "reason", res.Reason, "attempts", res.Attempts)
}
