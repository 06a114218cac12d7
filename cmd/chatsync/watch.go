package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

var watchConversation string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print messages, presence and connection changes",
	Long: "Stay connected and print incoming messages, send results, presence and\n" +
		"connection changes until interrupted. Holds the profile lock.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		cmd.SetContext(ctx)

		return withController(cmd, true, func(ctx context.Context, c *intsync.Controller) error {
			return watch(ctx, c)
		})
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchConversation, "conversation", "", "conversation to open and mark read as messages arrive")
	rootCmd.AddCommand(watchCmd)
}

func watch(ctx context.Context, c *intsync.Controller) error {
	g, gCtx := errgroup.WithContext(ctx)

	for _, prefix := range []string{"message.", "presence.", "transport.", "conversation."} {
		events, unsub := c.Subscribe(prefix, 64)
		g.Go(func() error {
			defer unsub()
			for {
				select {
				case evt, ok := <-events:
					if !ok {
						return nil
					}
					if jsonOutput {
						_ = printJSON(evt)
					} else {
						printEvent(evt)
					}
					if m, ok := evt.Payload.(chat.Message); ok && evt.Kind == bus.KindMessageReceived && m.ConversationID == watchConversation {
						_ = c.MarkRead(gCtx, watchConversation)
					}
				case <-gCtx.Done():
					return nil
				}
			}
		})
	}

	if watchConversation != "" {
		g.Go(func() error {
			if err := c.SelectConversation(gCtx, watchConversation); err != nil {
				return err
			}
			for _, e := range c.Snapshot().Messages {
				printEntry(e)
			}
			return c.MarkRead(gCtx, watchConversation)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
