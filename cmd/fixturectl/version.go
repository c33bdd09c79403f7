package main

import (
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the version number of fixturectl",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(map[string]string{
			"version": Version,
			"go":      runtime.Version(),
		})
	},
}
