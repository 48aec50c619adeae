package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/pippin/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pippin",
	Short: "Pippin - inspect and maintain partition files",
	Long: `Pippin is an embedded object store keeping the full history of
small user-defined elements as a DAG of commits over snapshot and
commit-log files.

This tool creates, inspects, and repairs single partitions; the store
itself is a library, not this binary.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Pippin version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Repository descriptor file (pippin.yaml)")
	rootCmd.PersistentFlags().String("dir", ".", "Directory holding partition files")
	rootCmd.PersistentFlags().String("prefix", "", "Partition file name prefix")
	rootCmd.PersistentFlags().Uint64("partition", 0, "Partition number")
	rootCmd.PersistentFlags().String("repo", "", "Repository name")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(insertCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(tipsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(listCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
