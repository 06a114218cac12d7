package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/session"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and select profiles",
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print config and log paths of the active profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		name, err := resolveProfile()
		if err != nil {
			return err
		}
		paths := map[string]string{
			"global":  session.ConfigPath(),
			"profile": session.ProfileConfigPath(name),
			"log":     session.LogPath(name),
		}
		if jsonOutput {
			return printJSON(paths)
		}
		fmt.Printf("profile:        %s\n", name)
		fmt.Printf("global config:  %s\n", paths["global"])
		fmt.Printf("profile config: %s\n", paths["profile"])
		fmt.Printf("log file:       %s\n", paths["log"])
		return nil
	},
}

var configUseCmd = &cobra.Command{
	Use:   "use <profile>",
	Short: "Set the default profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := session.SetDefault(args[0]); err != nil {
			return err
		}
		fmt.Printf("default profile: %s\n", args[0])
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective profile settings with the token redacted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		name, err := resolveProfile()
		if err != nil {
			return err
		}
		prof, err := config.LoadProfile(session.ProfileConfigPath(name))
		if err != nil {
			return err
		}
		if prof.Token != "" {
			prof.Token = "********"
		}
		if jsonOutput {
			return printJSON(prof)
		}
		if err := prof.Validate(); err != nil {
			fmt.Printf("# incomplete: %v\n", err)
		}
		return config.Encode(cmd.OutOrStdout(), prof)
	},
}

func init() {
	configCmd.AddCommand(configPathCmd, configUseCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
