package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/convoke-ai/convoke/internal/adapter/postgres"
	"github.com/convoke-ai/convoke/internal/config"
)

// runAdmin dispatches admin subcommands.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "apikey":
		return runAdminAPIKey(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintln(os.Stderr, `Usage: convoke admin <command>

Commands:
  apikey    Hash an API key for the auth.api_key_hash config field`)
}

// runAdminAPIKey reads an API key from the terminal and prints its bcrypt
// hash for use as auth.api_key_hash (or CONVOKE_API_KEY_HASH).
func runAdminAPIKey(args []string) error {
	fs := flag.NewFlagSet("apikey", flag.ContinueOnError)
	cost := fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost factor")
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, err := promptSecret("API key: ")
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	if key == "" {
		return fmt.Errorf("empty API key")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), *cost)
	if err != nil {
		return fmt.Errorf("hash key: %w", err)
	}

	fmt.Println(string(hash))
	return nil
}

// runMigrate applies, rolls back, or reports schema migrations.
func runMigrate(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: convoke migrate <up|down|version>")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	ctx := context.Background()

	switch args[0] {
	case "up":
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return err
		}
		fmt.Println("migrations applied")
		return nil
	case "down":
		if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, 1); err != nil {
			return err
		}
		fmt.Println("rolled back one migration")
		return nil
	case "version":
		v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	default:
		return fmt.Errorf("unknown migrate command: %s", args[0])
	}
}

// promptSecret reads a line from the terminal without echoing.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
