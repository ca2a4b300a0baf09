package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "promagent",
	Short: "In-process instrumentation agent with a Prometheus endpoint",
	Long: `Promagent hosts hook modules that intercept operations of an
application and exports the resulting metrics over HTTP in Prometheus
text format.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML configuration file")
}
