package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "xipki-ca",
	Short: "xipki-ca is a certification authority server",
	Long: `A certification authority managing the full certificate lifecycle:
issuance, revocation, hold release, removal and CRL generation, exposed
over a REST interface.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
