package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cvsouth/meshnode/config"
	"github.com/cvsouth/meshnode/metrics"
	"github.com/cvsouth/meshnode/node"
	"github.com/cvsouth/meshnode/store"
	"github.com/cvsouth/meshnode/transport"
)

// bootNode wires a Config into a running Node against the real BlueZ
// transport, the way cmd/tor-client wires a circuit.Manager directly in
// main() rather than behind a framework. Callers must Stop() the
// returned node and close the returned store.
func bootNode(f *commonFlags) (*node.Node, *store.Store, *os.File, error) {
	cfg, err := f.toConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}

	logger, logFile, err := setupLogging(f.logPath)
	if err != nil {
		return nil, nil, nil, err
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		logFile.Close()
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}

	counters := metrics.NewCounters(prometheus.DefaultRegisterer)
	adapter := transport.NewBLEAdapter(cfg.BLEAdapterID, logger)

	n, err := node.New(cfg, adapter, st, counters, logger)
	if err != nil {
		st.Close()
		logFile.Close()
		return nil, nil, nil, fmt.Errorf("construct node: %w", err)
	}

	if err := n.Start(); err != nil {
		st.Close()
		logFile.Close()
		return nil, nil, nil, fmt.Errorf("start node: %w", err)
	}

	logger.Info("node started", slog.String("self_id", hexEncodeID(cfg.SelfID)), slog.String("adapter", cfg.BLEAdapterID))
	return n, st, logFile, nil
}

func hexEncodeID(id [6]byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(id)*2)
	for i, b := range id {
		out[i*2] = digits[b>>4]
		out[i*2+1] = digits[b&0x0f]
	}
	return string(out)
}
