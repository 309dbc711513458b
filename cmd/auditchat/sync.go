package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"auditchat/internal/config"
	"auditchat/internal/dataset"
	"auditchat/internal/logging"
	"auditchat/internal/store"
)

// syncCmd runs a one-shot dataset synchronization
var syncCmd = &cobra.Command{
	Use:   "sync [category]",
	Short: "Synchronize the dataset directory into SQLite",
	Long: `Scans the dataset directory and reconciles each category's delimited
files into SQLite tables. With no arguments every category is
synchronized; pass a category name to synchronize just that one.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

// tablesCmd lists what a previous sync produced
var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List the synchronized tables and their schemas",
	RunE:  runTables,
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logging.Initialize(cfg.Logging.Dir, cfg.Logging.Options); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.CloseAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	dstore, err := store.NewDatasetStore(cfg.Dataset.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open dataset store: %w", err)
	}
	defer dstore.Close()

	engine, err := dataset.NewEngine(cfg.Dataset.Path, dstore, cfg.Dataset.SampleRows)
	if err != nil {
		return fmt.Errorf("failed to create dataset engine: %w", err)
	}
	defer engine.Close()

	var meta *dataset.DatasetMetadata
	if len(args) == 1 {
		logger.Info("Synchronizing category", zap.String("category", args[0]))
		meta, err = engine.Sync(ctx, args[0])
	} else {
		logger.Info("Synchronizing dataset", zap.String("path", cfg.Dataset.Path))
		meta, err = engine.SyncAll(ctx)
	}
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	fmt.Printf("Dataset version %d (%d categories)\n", meta.Version, len(meta.Categories))
	for _, name := range meta.CategoryNames() {
		cat := meta.Categories[name]
		fmt.Printf("\n%s:\n", name)
		for _, tbl := range cat.Tables {
			fmt.Printf("  %-32s %8d rows  (%s)\n", tbl.Name, tbl.RowCount, tbl.SourceFile)
		}
		for _, tbl := range cat.Inactive {
			reason := tbl.Status
			if tbl.LastError != "" {
				reason = fmt.Sprintf("%s: %s", tbl.Status, tbl.LastError)
			}
			fmt.Printf("  %-32s %s\n", tbl.Name, reason)
		}
	}
	return nil
}

func runTables(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	dstore, err := store.NewDatasetStore(cfg.Dataset.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open dataset store: %w", err)
	}
	defer dstore.Close()

	tables, err := dstore.ListTables()
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	if len(tables) == 0 {
		fmt.Println("No tables synced yet. Run 'auditchat sync' first.")
		return nil
	}

	for _, name := range tables {
		sc, err := dstore.DescribeSchema(name)
		if err != nil {
			return fmt.Errorf("failed to describe %s: %w", name, err)
		}
		count, err := dstore.RowCount(name)
		if err != nil {
			return fmt.Errorf("failed to count %s: %w", name, err)
		}

		cols := make([]string, len(sc))
		for i, col := range sc {
			cols[i] = fmt.Sprintf("%s %s", col.Name, col.Type)
		}
		fmt.Printf("%s (%d rows)\n  %s\n", name, count, strings.Join(cols, ", "))
	}
	return nil
}
