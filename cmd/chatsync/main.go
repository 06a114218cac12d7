package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/matheus3301/chatsync/internal/app"
	"github.com/matheus3301/chatsync/internal/session"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

var (
	profileFlag string
	debugFlag   bool
	jsonOutput  bool
	timeoutFlag time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Realtime chat sync client",
	Long: "Command-line client that keeps conversations, messages and presence in sync\n" +
		"with a chat server over WebSocket and REST.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "log debug output to stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 15*time.Second, "timeout for one-shot commands")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveProfile applies --profile, the configured default and "main", in that order.
func resolveProfile() (string, error) {
	return session.Resolve(profileFlag)
}

// withController starts the client app, runs fn against its controller and
// stops the app again.
func withController(cmd *cobra.Command, exclusive bool, fn func(ctx context.Context, c *intsync.Controller) error) error {
	name, err := resolveProfile()
	if err != nil {
		return err
	}

	var ctrl *intsync.Controller
	a := app.New(app.Params{
		Profile:   name,
		Debug:     debugFlag,
		Exclusive: exclusive,
		Command:   cmd.CommandPath(),
	}, fx.Populate(&ctrl))
	if err := a.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(cmd.Context(), timeoutFlag)
	defer cancel()
	if err := a.Start(startCtx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx)
	}()

	return fn(cmd.Context(), ctrl)
}

// oneShot is withController for commands bounded by --timeout.
// It fails early when the initial load did not succeed.
func oneShot(fn func(ctx context.Context, c *intsync.Controller, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withController(cmd, false, func(ctx context.Context, c *intsync.Controller) error {
			ctx, cancel := context.WithTimeout(ctx, timeoutFlag)
			defer cancel()
			if s := c.Snapshot(); s.Error != "" {
				return errors.New(s.Error)
			}
			return fn(ctx, c, args)
		})
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
