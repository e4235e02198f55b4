package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cvsouth/meshnode/record"
)

func newSendSOSCommand() *cobra.Command {
	f := &commonFlags{}
	var content, sosType string
	var lat, lon float64
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "sos",
		Short: "Start a node briefly, originate an SOS broadcast, and relay it into the mesh",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, st, logFile, err := bootNode(f)
			if err != nil {
				return err
			}
			defer logFile.Close()
			defer st.Close()
			defer n.Stop()

			loc := record.Location{Latitude: lat, Longitude: lon}
			id, err := n.SendSOS(content, loc, sosType)
			if err != nil {
				return fmt.Errorf("send sos: %w", err)
			}

			time.Sleep(wait)
			fmt.Println(id.String())
			return nil
		},
	}
	addCommonFlags(cmd, f)
	cmd.Flags().StringVar(&content, "content", "", "free-form SOS message content")
	cmd.Flags().StringVar(&sosType, "type", "general", "SOS type (e.g. medical, fire, general)")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude")
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "how long to keep advertising/relaying before exiting")
	return cmd
}
