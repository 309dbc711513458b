// Package main provides the auditchat CLI entry point.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	configPath string
	serverURL  string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "auditchat",
	Short: "auditchat - dataset-grounded audit agent",
	Long: `auditchat keeps a directory of delimited audit evidence synchronized
into SQLite and answers questions about it through a three-stage agent
pipeline (plan, analyze, report) streamed to clients over WebSocket.

Run without arguments to start the interactive chat client.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip logger init for interactive mode (it has its own UI)
		if cmd.Name() == "chat" || cmd.Name() == "auditchat" {
			return nil
		}

		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default behavior: launch the interactive chat client
		return runInteractiveChat()
	},
}

// statusCmd reports the health of a running server
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the health of a running auditchat server",
	RunE:  showStatus,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "auditchat.yaml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8000", "Base URL of the auditchat server")

	// Add commands to root
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(tablesCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func showStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("server unreachable at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	var health struct {
		Status         string `json:"status"`
		Timestamp      string `json:"timestamp"`
		DatasetVersion uint64 `json:"dataset_version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("malformed health response: %w", err)
	}

	logger.Info("Server health",
		zap.String("server", serverURL),
		zap.String("status", health.Status),
		zap.Uint64("dataset_version", health.DatasetVersion))

	fmt.Printf("Server:          %s\n", serverURL)
	fmt.Printf("Status:          %s\n", health.Status)
	fmt.Printf("Dataset version: %d\n", health.DatasetVersion)
	fmt.Printf("Reported at:     %s\n", health.Timestamp)
	return nil
}
