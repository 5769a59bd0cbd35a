package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kajialsoad/cnz-sub006/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var (
		configPath string
		create     bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the bot engine database",
		Long: `Migrates all tables and seeds the trigger rules and scripted messages
from the config file. With --create, the database is created first
(mysql and postgres only).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath, create)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&create, "create", false, "create the database before migrating")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string, create bool) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Loaded config from %s (driver %s)\n", configPath, cfg.Database.Driver)

	if create {
		adminDB, err := db.ConnectAdmin(cfg.Database)
		if err != nil {
			return err
		}
		if err := db.CreateDatabase(adminDB, cfg.Database.Name); err != nil {
			return err
		}
		if sqlDB, err := adminDB.DB(); err == nil {
			sqlDB.Close()
		}
		fmt.Fprintf(out, "Database %s ready\n", cfg.Database.Name)
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		defer sqlDB.Close()
	}

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	rules := cfg.TriggerRules()
	if err := db.SeedRules(gormDB, rules); err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeded %d trigger rules:", len(rules))
	for _, r := range rules {
		fmt.Fprintf(out, " %s", r.ChatType)
	}
	fmt.Fprintln(out)

	scripts := cfg.ScriptedMessages()
	if err := db.SeedScripts(gormDB, scripts); err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeded %d scripted messages\n", len(scripts))

	fmt.Fprintln(out, "\nBot engine database initialized successfully.")
	return nil
}
