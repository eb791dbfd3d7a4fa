package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	talkweave "github.com/TalkWeave-HQ/TalkWeave/sdk/golang"
)

// getClient creates a TalkWeave client authenticated with the stored token.
func getClient() (*talkweave.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'talkweave login <username>' first.")
		os.Exit(1)
	}

	var opts []talkweave.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, talkweave.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.Verbose {
		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		opts = append(opts, talkweave.WithLogger(log))
	}

	return talkweave.NewClient(cfg.Auth.Token, opts...), cfg
}

// getAnonClient creates an unauthenticated client for registration.
func getAnonClient() (*talkweave.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	var opts []talkweave.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, talkweave.WithBaseURL(cfg.Default.BaseURL))
	}
	return talkweave.NewClient("", opts...), cfg
}

// identity builds the engine identity from stored auth state.
func identity(cfg *Config) talkweave.Identity {
	return talkweave.Identity{UserID: cfg.Auth.UserID, Token: cfg.Auth.Token}
}
