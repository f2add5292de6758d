package main

import "github.com/spf13/cobra"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run one tier of the fnsched hierarchy as a standalone process",
}

func init() {
	serveCmd.AddCommand(serveLocalCmd)
	serveCmd.AddCommand(serveDomainCmd)
	serveCmd.AddCommand(serveGlobalCmd)
}
