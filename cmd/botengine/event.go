package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kajialsoad/cnz-sub006/internal/engine"
	"github.com/kajialsoad/cnz-sub006/internal/models"
	"github.com/kajialsoad/cnz-sub006/internal/store"
	"github.com/kajialsoad/cnz-sub006/internal/trigger"
)

func newEventCmd() *cobra.Command {
	var (
		configPath     string
		chatType       string
		conversationID string
		sender         string
		locale         string
	)

	cmd := &cobra.Command{
		Use:   "event",
		Short: "Feed one chat event to the engine",
		Long: `Applies a single inbound message to a conversation, exactly as the HTTP
API would, and prints the bot's decision.`,
		Example: "  botengine event --chat-type live_chat --conversation 42 --sender user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvent(cmd, configPath, chatType, conversationID, sender, locale)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&chatType, "chat-type", "", "chat type (LIVE_CHAT or COMPLAINT_CHAT)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation ID")
	cmd.Flags().StringVar(&sender, "sender", "user", "who wrote the message (user or admin)")
	cmd.Flags().StringVar(&locale, "locale", "", "message locale (en or bn)")
	cmd.MarkFlagRequired("chat-type")
	cmd.MarkFlagRequired("conversation")
	return cmd
}

func runEvent(cmd *cobra.Command, configPath, chatType, conversationID, sender, locale string) error {
	ct, err := models.ParseChatType(chatType)
	if err != nil {
		return err
	}
	who, err := engine.ParseSender(sender)
	if err != nil {
		return err
	}

	ctx := cmdContext(cmd)
	st, err := openStack(ctx, cmd, configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := st.engine.HandleEvent(ctx, engine.Event{
		ChatType:       ct,
		ConversationID: conversationID,
		Sender:         who,
		Locale:         models.Locale(locale),
	})
	if err != nil {
		return err
	}
	printResult(cmd.OutOrStdout(), res)
	return nil
}

func printResult(out io.Writer, res engine.Result) {
	fmt.Fprintf(out, "Action:  %s (%s)\n", res.Action, res.Reason)
	if res.Emitted() {
		fmt.Fprintf(out, "Message: [step %d] %s: %s\n", res.Step, res.MessageKey, res.Text)
	}
	if res.State.ChatType != "" {
		snap := trigger.SnapshotOf(res.State)
		fmt.Fprintf(out, "State:   %s, step %d, %d unanswered, version %d\n",
			snap.Phase(), res.State.CurrentStep, res.State.UserMessageCount, res.State.Version)
	}
	if res.AnalyticsErr != nil {
		fmt.Fprintf(out, "Warning: analytics not recorded: %v\n", res.AnalyticsErr)
	}
}

func newCloseCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "close <chat-type> <conversation-id>",
		Short: "Discard the bot state of a closed conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ct, err := models.ParseChatType(args[0])
			if err != nil {
				return err
			}
			ctx := cmdContext(cmd)
			st, err := openStack(ctx, cmd, configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			key := store.ConversationKey{ChatType: ct, ConversationID: args[1]}
			if err := st.engine.CloseConversation(ctx, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Conversation %s/%s closed\n", ct, args[1])
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
