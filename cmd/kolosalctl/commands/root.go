// Package commands implements the kolosalctl CLI commands.
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose  bool
	logJSON  bool
	serverURL string

	log *logrus.Entry
	cli *apiClient
)

// rootCmd is the root command for kolosalctl.
var rootCmd = &cobra.Command{
	Use:   "kolosalctl",
	Short: "Command-line client for kolosal-server",
	Long: `kolosalctl drives a running kolosal-server instance over its HTTP API:
registering and loading models, watching downloads, and managing inference
engine backends.

Example:
  kolosalctl models list
  kolosalctl models add --id llama3 --path /models/llama3.gguf --backend cpu`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		logger := logrus.New()
		if verbose {
			logger.SetLevel(logrus.DebugLevel)
		} else {
			logger.SetLevel(logrus.InfoLevel)
		}
		if logJSON {
			logger.SetFormatter(&logrus.JSONFormatter{})
		}
		if level := os.Getenv("KOLOSALCTL_LOG_LEVEL"); level != "" {
			if lvl, err := logrus.ParseLevel(level); err == nil {
				logger.SetLevel(lvl)
			}
		}
		log = logger.WithField("component", "kolosalctl")

		if serverURL == "" {
			serverURL = os.Getenv("KOLOSAL_SERVER_URL")
		}
		if serverURL == "" {
			serverURL = "http://127.0.0.1:8080"
		}
		cli = newAPIClient(serverURL)

		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "kolosal-server base URL (default http://127.0.0.1:8080, or $KOLOSAL_SERVER_URL)")

	rootCmd.AddCommand(
		newModelsCmd(),
		newDownloadsCmd(),
		newEnginesCmd(),
		newVersionCmd(),
	)
}
