package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cvsouth/meshnode/node"
)

func newSendDirectCommand() *cobra.Command {
	f := &commonFlags{}
	var recipient, content string
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "direct",
		Short: "Start a node briefly and send a direct message to a recipient, waiting for its ack",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, st, logFile, err := bootNode(f)
			if err != nil {
				return err
			}
			defer logFile.Close()
			defer st.Close()
			defer n.Stop()

			acked := make(chan string, 1)
			n.Observe(node.Observer{
				AckReceived: func(originalID string) {
					select {
					case acked <- originalID:
					default:
					}
				},
			})

			id, err := n.SendDirect(recipient, content)
			if err != nil {
				return fmt.Errorf("send direct: %w", err)
			}

			select {
			case <-acked:
				fmt.Printf("%s acked\n", id.String())
			case <-time.After(wait):
				fmt.Printf("%s queued, no ack within %s\n", id.String(), wait)
			}
			return nil
		},
	}
	addCommonFlags(cmd, f)
	cmd.Flags().StringVar(&recipient, "to", "", "hex-encoded 6-byte recipient id (required)")
	cmd.Flags().StringVar(&content, "content", "", "free-form message content")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to wait for an ack before exiting")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
