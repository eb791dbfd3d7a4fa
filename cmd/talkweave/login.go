package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	talkweave "github.com/TalkWeave-HQ/TalkWeave/sdk/golang"
)

var loginDisplayName string

func init() {
	loginCmd.Flags().StringVar(&loginDisplayName, "name", "", "Display name")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(whoamiCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Register or sign in and store the token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getAnonClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		reg, err := client.Account.Register(ctx, &talkweave.RegisterOptions{
			Username:    args[0],
			DisplayName: loginDisplayName,
		})
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}

		cfg.Auth.Token = reg.Token
		cfg.Auth.UserID = reg.UserID
		cfg.Auth.Username = reg.Username
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if reg.IsNew {
			fmt.Printf("Registered %s (%s)\n", reg.Username, reg.UserID)
		} else {
			fmt.Printf("Signed in as %s (%s)\n", reg.Username, reg.UserID)
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config <key> <value>",
	Short: "Set a config value (e.g. default.base_url)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Printf("Set %s\n", args[0])
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the authenticated profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		me, err := client.Account.Me(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s)\n", me.Username, me.UserID)
		if me.DisplayName != "" {
			fmt.Printf("  display name: %s\n", me.DisplayName)
		}
		return nil
	},
}
