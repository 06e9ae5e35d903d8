package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sudogate",
	Short: "Sudogate is an elevated-session gate for destructive admin operations",
	Long: `Sudogate intercepts destructive administrative operations and requires
the principal to freshly re-prove their identity before the operation
is transparently carried out.
Complete documentation is available at https://github.com/jmcleod/sudogate`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
