package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kajialsoad/cnz-sub006/internal/models"
	"github.com/kajialsoad/cnz-sub006/internal/trigger"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and change trigger rules",
	}

	cmd.AddCommand(newRulesShowCmd())
	cmd.AddCommand(newRulesSetCmd())
	return cmd
}

func newRulesShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show [chat-type]",
		Short: "Show the trigger rule for one or all chat types",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRulesShow(cmd, configPath, args)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runRulesShow(cmd *cobra.Command, configPath string, args []string) error {
	chatTypes := models.ChatTypes()
	if len(args) == 1 {
		ct, err := models.ParseChatType(args[0])
		if err != nil {
			return err
		}
		chatTypes = []models.ChatType{ct}
	}

	ctx := cmdContext(cmd)
	st, err := openStack(ctx, cmd, configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	rules := make(map[models.ChatType]*trigger.Rule, len(chatTypes))
	for _, ct := range chatTypes {
		r, err := st.engine.Rules().Get(ctx, ct)
		if err != nil {
			return err
		}
		rules[ct] = r
	}
	printRules(cmd.OutOrStdout(), chatTypes, rules)
	return nil
}

func printRules(out io.Writer, chatTypes []models.ChatType, rules map[models.ChatType]*trigger.Rule) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHAT TYPE\tENABLED\tTHRESHOLD\tRESET ON REACTIVATE")
	for _, ct := range chatTypes {
		r := rules[ct]
		if r == nil {
			fmt.Fprintf(w, "%s\tnot configured\t-\t-\n", ct)
			continue
		}
		fmt.Fprintf(w, "%s\t%t\t%d\t%t\n", ct, r.Enabled, r.Threshold, r.ResetOnReactivate)
	}
	w.Flush()
}

func newRulesSetCmd() *cobra.Command {
	var (
		configPath string
		enabled    bool
		threshold  int
		reset      bool
	)

	cmd := &cobra.Command{
		Use:   "set <chat-type>",
		Short: "Update the trigger rule for a chat type",
		Long: `Updates the trigger rule for a chat type. Only the flags given are
changed; a chat type without a rule starts from the defaults (enabled,
threshold 5, no reset).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ct, err := models.ParseChatType(args[0])
			if err != nil {
				return err
			}
			return runRulesSet(cmd, configPath, ct, ruleChanges{
				enabled:   flagBool(cmd, "enabled", enabled),
				threshold: flagInt(cmd, "threshold", threshold),
				reset:     flagBool(cmd, "reset", reset),
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&enabled, "enabled", true, "whether the bot answers this chat type")
	cmd.Flags().IntVar(&threshold, "threshold", 5, "unanswered user messages before the bot re-engages")
	cmd.Flags().BoolVar(&reset, "reset", false, "restart the script at step 1 on reactivation")
	return cmd
}

// ruleChanges holds the flags a user actually passed.
type ruleChanges struct {
	enabled   *bool
	threshold *int
	reset     *bool
}

func (c ruleChanges) apply(r models.TriggerRule) models.TriggerRule {
	if c.enabled != nil {
		r.IsEnabled = *c.enabled
	}
	if c.threshold != nil {
		r.ReactivationThreshold = *c.threshold
	}
	if c.reset != nil {
		r.ResetStepsOnReactivate = *c.reset
	}
	return r
}

func flagBool(cmd *cobra.Command, name string, v bool) *bool {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &v
}

func flagInt(cmd *cobra.Command, name string, v int) *int {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &v
}

func runRulesSet(cmd *cobra.Command, configPath string, chatType models.ChatType, changes ruleChanges) error {
	ctx := cmdContext(cmd)
	st, err := openStack(ctx, cmd, configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	cache := st.engine.Rules()
	current := trigger.DefaultRule(chatType)
	existing, err := cache.Get(ctx, chatType)
	if err != nil {
		return err
	}
	if existing != nil {
		current.IsEnabled = existing.Enabled
		current.ReactivationThreshold = existing.Threshold
		current.ResetStepsOnReactivate = existing.ResetOnReactivate
	}

	saved, err := cache.Save(ctx, changes.apply(current))
	if err != nil {
		return err
	}
	r := trigger.RuleFromModel(saved)
	printRules(cmd.OutOrStdout(), []models.ChatType{chatType}, map[models.ChatType]*trigger.Rule{chatType: &r})
	return nil
}
