package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kajialsoad/cnz-sub006/internal/analytics"
	"github.com/kajialsoad/cnz-sub006/internal/models"
)

// defaultReportDays is the window shown when --from is omitted.
const defaultReportDays = 7

func newAnalyticsCmd() *cobra.Command {
	var (
		configPath string
		chatType   string
		from       string
		to         string
	)

	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Report trigger and admin-reply counts per scripted message",
		Long: `Prints the daily analytics buckets between --from and --to (inclusive,
YYYY-MM-DD in the engine timezone) followed by totals per step. Without
flags the last 7 days across every chat type are shown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalytics(cmd, configPath, chatType, from, to)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&chatType, "chat-type", "", "limit to one chat type")
	cmd.Flags().StringVar(&from, "from", "", "first day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "last day (YYYY-MM-DD, default today)")
	return cmd
}

// reportWindow resolves the --from/--to flags against now in loc.
func reportWindow(from, to string, now time.Time, loc *time.Location) (time.Time, time.Time, error) {
	end := now.In(loc)
	if to != "" {
		t, err := time.ParseInLocation(models.DayLayout, to, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to %q, want YYYY-MM-DD", to)
		}
		end = t
	}
	start := end.AddDate(0, 0, -(defaultReportDays - 1))
	if from != "" {
		t, err := time.ParseInLocation(models.DayLayout, from, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from %q, want YYYY-MM-DD", from)
		}
		start = t
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to %s is before --from %s", end.Format(models.DayLayout), start.Format(models.DayLayout))
	}
	return start, end, nil
}

func runAnalytics(cmd *cobra.Command, configPath, chatType, from, to string) error {
	var ct models.ChatType
	if chatType != "" {
		parsed, err := models.ParseChatType(chatType)
		if err != nil {
			return err
		}
		ct = parsed
	}

	ctx := cmdContext(cmd)
	st, err := openStack(ctx, cmd, configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	agg := st.engine.Analytics()
	start, end, err := reportWindow(from, to, agg.Now(), agg.Location())
	if err != nil {
		return err
	}
	records, err := agg.Query(ctx, ct, start, end)
	if err != nil {
		return err
	}
	fromDay, toDay := analytics.DayRange(start, end, agg.Location())
	printReport(cmd.OutOrStdout(), fromDay, toDay, records)
	return nil
}

func printReport(out io.Writer, fromDay, toDay string, records []models.AnalyticsRecord) {
	fmt.Fprintf(out, "Analytics %s to %s\n\n", fromDay, toDay)
	if len(records) == 0 {
		fmt.Fprintln(out, "No bot activity in range.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DAY\tCHAT TYPE\tMESSAGE\tSTEP\tTRIGGERS\tADMIN REPLIES")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n",
			r.Day, r.ChatType, r.MessageKey, r.StepNumber, r.TriggerCount, r.AdminReplyCount)
	}
	w.Flush()

	sum := analytics.Summarize(records)
	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tTRIGGERS\tADMIN REPLIES")
	for _, s := range sum.Steps {
		fmt.Fprintf(w, "%d\t%d\t%d\n", s.Step, s.Triggers, s.AdminReplies)
	}
	w.Flush()
	fmt.Fprintf(out, "\nTotal: %d triggers, %d admin replies (reply rate %.1f%%)\n",
		sum.TotalTriggers, sum.TotalAdminReplies, sum.AdminReplyRate*100)
}
