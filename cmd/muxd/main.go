// Package main is the entry point for the muxd daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/muxrun/mux/pkg/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "muxd",
	Short: "Mux agent-orchestration daemon",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the client version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Client)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to muxd.yaml")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
