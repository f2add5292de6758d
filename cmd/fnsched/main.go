// Command fnsched runs one process of fnsched's hierarchical scheduler:
// the local tier (lease registry fronting a set of agents), the domain
// tier (an underlayer manager over a set of local tiers) or the global
// tier (Raft-backed domain topology plus the cluster's scheduling root).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
