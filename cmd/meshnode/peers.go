package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newPeersCommand() *cobra.Command {
	f := &commonFlags{}
	var scanTime time.Duration

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Start a node briefly, scan for nearby peers, and print what it hears",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, st, logFile, err := bootNode(f)
			if err != nil {
				return err
			}
			defer logFile.Close()
			defer st.Close()
			defer n.Stop()

			time.Sleep(scanTime)

			peers := n.Peers()
			if len(peers) == 0 {
				fmt.Println("no peers heard")
				return nil
			}
			for _, p := range peers {
				fmt.Printf("%s\tname=%s\trssi=%d\tstatus=%s\tlast_seen=%s\n",
					hexEncodeID(p.ID), p.Name, p.RSSI, p.Status, p.LastSeen.Format(time.RFC3339))
			}
			return nil
		},
	}
	addCommonFlags(cmd, f)
	cmd.Flags().DurationVar(&scanTime, "scan-time", 5*time.Second, "how long to scan before reporting")
	return cmd
}
