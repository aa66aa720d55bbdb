// Command vmmd is the malware analysis sandbox orchestrator: a daemon
// that drives a fixed VirtualBox VM fleet through the Analysis Engine,
// plus a thin HTTP client for the submission API, grounded on
// cmd/nova/main.go's cobra root command and persistent-flag layout.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	serverAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vmmd",
		Short: "vmm - malware analysis sandbox orchestrator",
		Long:  "Drives a fixed VirtualBox VM fleet through EDR and Sysmon behavioral analysis of submitted samples.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML config file (optional, defaults apply)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8080", "vmmd server address, for client subcommands")

	rootCmd.AddCommand(
		serveCmd(),
		submitCmd(),
		statusCmd(),
		resultCmd(),
		listCmd(),
		cancelCmd(),
		poolStatusCmd(),
		queueStatusCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print vmmd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("vmmd 1.0.0")
			return nil
		},
	}
}
