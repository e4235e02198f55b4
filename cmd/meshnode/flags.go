package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cvsouth/meshnode/config"
	"github.com/cvsouth/meshnode/datagram"
)

// commonFlags holds the configuration flags shared by every subcommand
// that stands up a node.
type commonFlags struct {
	networkKeyHex string
	selfIDHex     string
	adapterID     string
	dbPath        string
	logPath       string
}

func addCommonFlags(cmd *cobra.Command, f *commonFlags) {
	cmd.Flags().StringVar(&f.networkKeyHex, "network-key", "", "hex-encoded pre-shared network key (required)")
	cmd.Flags().StringVar(&f.selfIDHex, "self-id", "", "hex-encoded 6-byte node id (random if omitted)")
	cmd.Flags().StringVar(&f.adapterID, "adapter", "hci0", "BlueZ HCI adapter id")
	cmd.Flags().StringVar(&f.dbPath, "db", "meshnode.db", "SQLite persistence path")
	cmd.Flags().StringVar(&f.logPath, "log", "meshnode.log", "log file path")
	_ = cmd.MarkFlagRequired("network-key")
}

func (f *commonFlags) toConfig() (config.Config, error) {
	cfg := config.Default()
	cfg.StorePath = f.dbPath
	cfg.BLEAdapterID = f.adapterID

	key, err := hex.DecodeString(f.networkKeyHex)
	if err != nil {
		return config.Config{}, fmt.Errorf("parse --network-key: %w", err)
	}
	cfg.NetworkKey = key

	if f.selfIDHex == "" {
		id, err := config.RandomSelfID()
		if err != nil {
			return config.Config{}, err
		}
		cfg.SelfID = id
	} else {
		raw, err := hex.DecodeString(f.selfIDHex)
		if err != nil || len(raw) != len(cfg.SelfID) {
			return config.Config{}, fmt.Errorf("parse --self-id: expected 12 hex characters")
		}
		var id datagram.SenderID
		copy(id[:], raw)
		cfg.SelfID = id
	}
	return cfg, nil
}
