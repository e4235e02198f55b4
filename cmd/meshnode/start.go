package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newStartCommand() *cobra.Command {
	f := &commonFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the node as a long-lived relay, advertising and scanning until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, st, logFile, err := bootNode(f)
			if err != nil {
				return err
			}
			defer logFile.Close()
			defer st.Close()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			return n.Stop()
		},
	}
	addCommonFlags(cmd, f)
	return cmd
}
