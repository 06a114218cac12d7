package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/status"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/timeline"
)

var historyPages int

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations with unread counts",
	Args:  cobra.NoArgs,
	RunE: oneShot(func(ctx context.Context, c *intsync.Controller, _ []string) error {
		s := c.Snapshot()
		if jsonOutput {
			return printJSON(s.Conversations)
		}
		for _, conv := range s.Conversations {
			preview := ""
			if conv.LastMessage != nil {
				preview = conv.LastMessage.Content
			}
			fmt.Printf("%-24s unread=%-3d %s\n", conv.ID, conv.UnreadCount, preview)
		}
		for id, sum := range s.UnlistedLastMessages {
			fmt.Printf("%-24s (not listed)  %s\n", id, sum.Content)
		}
		fmt.Printf("total unread: %d\n", s.UnreadCount)
		if s.PendingSends > 0 {
			fmt.Printf("unconfirmed sends: %d\n", s.PendingSends)
		}
		return nil
	}),
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print messages of a conversation, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: oneShot(func(ctx context.Context, c *intsync.Controller, args []string) error {
		if err := c.SelectConversation(ctx, args[0]); err != nil {
			return err
		}
		for i := 1; i < historyPages; i++ {
			err := c.LoadMore(ctx)
			if errors.Is(err, timeline.ErrNoMore) {
				break
			}
			if err != nil {
				return err
			}
		}
		s := c.Snapshot()
		if jsonOutput {
			return printJSON(s.Messages)
		}
		for _, e := range s.Messages {
			printEntry(e)
		}
		if s.HasMore {
			fmt.Println("(older messages available, use --pages)")
		}
		return nil
	}),
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>...",
	Short: "Send a message and wait for the server to confirm it",
	Args:  cobra.MinimumNArgs(2),
	RunE: oneShot(func(ctx context.Context, c *intsync.Controller, args []string) error {
		convID := args[0]
		if err := c.SelectConversation(ctx, convID); err != nil {
			return err
		}

		results, unsub := c.Subscribe("message.send_", 4)
		defer unsub()

		if err := c.SendMessage(ctx, strings.Join(args[1:], " ")); err != nil {
			return err
		}
		for {
			select {
			case evt, ok := <-results:
				if !ok {
					return errors.New("event feed closed")
				}
				switch p := evt.Payload.(type) {
				case outbox.SendAck:
					if p.ConversationID == convID {
						fmt.Printf("sent %s\n", p.ServerID)
						return nil
					}
				case outbox.SendFailure:
					if p.ConversationID == convID {
						return fmt.Errorf("send failed: %s", p.Err)
					}
				}
			case <-ctx.Done():
				return fmt.Errorf("waiting for confirmation: %w", ctx.Err())
			}
		}
	}),
}

var startCmd = &cobra.Command{
	Use:   "start <peer-id>",
	Short: "Open (or create) the conversation with a peer",
	Args:  cobra.ExactArgs(1),
	RunE: oneShot(func(ctx context.Context, c *intsync.Controller, args []string) error {
		conv, err := c.StartNewConversation(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(conv)
		}
		fmt.Println(conv.ID)
		return nil
	}),
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: oneShot(func(ctx context.Context, c *intsync.Controller, args []string) error {
		return c.MarkRead(ctx, args[0])
	}),
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: oneShot(func(ctx context.Context, c *intsync.Controller, args []string) error {
		return c.DeleteConversation(ctx, args[0])
	}),
}

func init() {
	historyCmd.Flags().IntVar(&historyPages, "pages", 1, "number of pages to load")

	rootCmd.AddCommand(conversationsCmd, historyCmd, sendCmd, startCmd, readCmd, deleteCmd)
}

func printEntry(e chat.Entry) {
	m := e.Message
	mark := ""
	switch d := e.Delivery.(type) {
	case chat.Pending:
		mark = " (sending)"
		if d.Failed {
			mark = " (failed: " + d.Err + ")"
		}
	case chat.Confirmed:
		if m.ReadAt != nil {
			mark = " (read)"
		}
	}
	fmt.Printf("%s  %-12s %s%s\n", m.CreatedAt.Local().Format(time.DateTime), m.SenderID, m.Content, mark)
}

func printEvent(evt bus.Event) {
	ts := evt.Timestamp.Local().Format(time.TimeOnly)
	switch p := evt.Payload.(type) {
	case chat.Message:
		fmt.Printf("%s  [%s] %s: %s\n", ts, p.ConversationID, p.SenderID, p.Content)
	case outbox.SendAck:
		fmt.Printf("%s  sent %s\n", ts, p.ServerID)
	case outbox.SendFailure:
		fmt.Printf("%s  not sent: %s\n", ts, p.Err)
	case status.StatusChange:
		fmt.Printf("%s  connection %s -> %s\n", ts, p.From, p.To)
	case []string:
		fmt.Printf("%s  online: %s\n", ts, strings.Join(p, ", "))
	case string:
		fmt.Printf("%s  %s %s\n", ts, evt.Kind, p)
	default:
		fmt.Printf("%s  %s %v\n", ts, evt.Kind, p)
	}
}
