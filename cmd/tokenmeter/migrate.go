package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/tokenmeter/config"
	"github.com/BaSui01/tokenmeter/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string) {
	if len(args) < 1 || isHelp(args[0]) {
		printMigrateUsage(os.Stdout)
		if len(args) < 1 {
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := migrateCommand(ctx, args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
}

// migrateCommand 解析 "<subcommand> [N] [flags]" 并执行.
func migrateCommand(ctx context.Context, args []string, out io.Writer) error {
	command := args[0]
	rest := args[1:]
	// reset 沿用旧名
	if command == "reset" {
		command = "down-all"
	}

	var positional []string
	for len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		positional = append(positional, rest[0])
		rest = rest[1:]
	}

	fs := flag.NewFlagSet("migrate "+command, flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	all := fs.Bool("all", false, "With 'down': rollback all migrations")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	positional = append(positional, fs.Args()...)
	if command == "down" && *all {
		command = "down-all"
	}

	migrator, err := createMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	cli.SetOutput(out)
	return cli.Run(ctx, command, positional)
}

// createMigrator 优先使用 --db-type/--db-url, 否则读取配置文件的 database 段.
func createMigrator(configPath, dbType, dbURL string) (*migration.DefaultMigrator, error) {
	logger := zap.NewNop()
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL, logger)
	}

	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database, logger)
}

func isHelp(arg string) bool {
	return arg == "help" || arg == "-h" || arg == "--help"
}

// printMigrateUsage prints the usage information for migrate command
func printMigrateUsage(w io.Writer) {
	fmt.Fprintln(w, `Database Migration Commands

Usage:
  tokenmeter migrate <subcommand> [N] [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration (--all for every migration)
  down-all  Rollback all migrations (alias: reset)
  steps N   Apply (N > 0) or rollback (N < 0) N migrations
  goto N    Migrate to a specific version
  force N   Force set migration version (use with caution)
  status    Show migration status
  version   Show current migration version
  info      Show migration summary
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  tokenmeter migrate up
  tokenmeter migrate up --config /etc/tokenmeter/config.yaml
  tokenmeter migrate status --db-type sqlite --db-url file:usage.db
  tokenmeter migrate goto 1
  tokenmeter migrate force 0`)
}
