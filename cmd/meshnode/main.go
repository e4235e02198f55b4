package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "meshnode",
		Short:   "BLE mesh relay node",
		Version: Version,
	}

	root.AddCommand(newStartCommand())
	root.AddCommand(newSendSOSCommand())
	root.AddCommand(newSendDirectCommand())
	root.AddCommand(newPeersCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
