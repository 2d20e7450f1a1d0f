package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"

	"github.com/specgate/specgate/internal/adapter/postgres"
	"github.com/specgate/specgate/internal/config"
	"github.com/specgate/specgate/internal/service"
)

// runAdmin dispatches admin subcommands (create-key, verify-key).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "create-key":
		return runAdminCreateKey(args[1:])
	case "verify-key":
		return runAdminVerifyKey(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: specgate admin <command> [options]

Commands:
  create-key   Create a new API key (prints the token once)
  verify-key   Verify an API key without sending a request
  help         Show this help message

Examples:
  specgate admin create-key --name ci-pipeline
  specgate admin verify-key
`)
}

func loadAdminDeps() (*service.APIKeyService, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	pool, err := postgres.NewPool(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	keySvc := service.NewAPIKeyService(postgres.NewStore(pool))
	return keySvc, pool.Close, nil
}

func runAdminCreateKey(args []string) error {
	fs := flag.NewFlagSet("create-key", flag.ContinueOnError)
	name := fs.String("name", "", "key name (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("--name is required")
	}

	keySvc, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	key, token, err := keySvc.Create(context.Background(), *name)
	if err != nil {
		return fmt.Errorf("create key: %w", err)
	}

	fmt.Printf("created API key %q (id %s)\n", key.Name, key.ID)
	fmt.Printf("token (shown once): %s\n", token)
	return nil
}

func runAdminVerifyKey(args []string) error {
	fs := flag.NewFlagSet("verify-key", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Read the token off the terminal so it stays out of shell history.
	fmt.Fprint(os.Stderr, "token: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}

	keySvc, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	key, err := keySvc.Verify(context.Background(), string(raw))
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	fmt.Printf("key %q (id %s) is valid\n", key.Name, key.ID)
	return nil
}
