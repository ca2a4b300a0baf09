package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/naddame/promagent"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of promagent",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("promagent version %s\n", promagent.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
