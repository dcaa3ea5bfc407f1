// Command meshnode starts a single mesh node: it loads or generates a
// wallet, opens the ledger and every local store, starts the gossip
// transport, and runs the Mesh Coordinator until interrupted. Grounded on
// gocuria/node/node.go's FullNode composition root (a config struct, a
// constructor that wires shared state, and a blocking Start), replacing its
// panic-free error logging with the fatal-storage-error escalation spec §7
// requires, and its bare struct-literal config with a cobra command whose
// flags mirror bacalhau's cliflags style.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"meshnode/internal/bazaar"
	"meshnode/internal/capsule"
	"meshnode/internal/config"
	"meshnode/internal/coordinator"
	"meshnode/internal/gossip"
	"meshnode/internal/ledger"
	"meshnode/internal/logging"
	"meshnode/internal/rating"
	"meshnode/internal/wallet"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "meshnode",
		Short: "Run a meshnode P2P peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the node's JSON config file (default: ~/.meshnode.json)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run wires every component and blocks until an interrupt signal arrives.
// Storage-layer errors during startup are fatal per spec §7's "storage
// errors escalate to process termination" rule; this is the single
// recovery point SPEC_FULL.md's error-handling section names.
func run(configPath string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("meshnode: fatal storage failure: %v", r)
		}
	}()

	cfg, loadErr := config.Load(configPath)
	if loadErr != nil {
		return fmt.Errorf("meshnode: load config: %w", loadErr)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = fmt.Sprintf("node-%s", cfg.Port)
	}

	log := logging.New(cfg.NodeID, "coordinator", nil)

	w, walletErr := wallet.LoadOrCreate(filepath.Join(cfg.DataDir, "wallet.json"), logging.New(cfg.NodeID, "wallet", nil))
	if walletErr != nil {
		panic(walletErr)
	}

	l, ledgerErr := ledger.New(cfg.DataDir, cfg.IsGenesisNode, w, logging.New(cfg.NodeID, "ledger", nil))
	if ledgerErr != nil {
		panic(ledgerErr)
	}
	if cfg.IsGenesisNode {
		if err := l.Initialize(cfg.GenesisSupply); err != nil {
			panic(err)
		}
	}

	caps, capsErr := capsule.New(cfg.DataDir, logging.New(cfg.NodeID, "capsule", nil))
	if capsErr != nil {
		panic(capsErr)
	}
	ratings, ratingErr := rating.New(cfg.DataDir, logging.New(cfg.NodeID, "rating", nil))
	if ratingErr != nil {
		panic(ratingErr)
	}
	baz, bazaarErr := bazaar.New(cfg.DataDir, logging.New(cfg.NodeID, "bazaar", nil))
	if bazaarErr != nil {
		panic(bazaarErr)
	}

	g := gossip.New(gossip.Config{
		NodeID:         cfg.NodeID,
		ListenPort:     cfg.Port,
		BootstrapPeers: cfg.BootstrapPeers,
		MaxPeers:       cfg.MaxPeers,
		SeenCacheSize:  cfg.SeenCacheSize,
	}, logging.New(cfg.NodeID, "gossip", nil))

	platformAccountID := cfg.PlatformAccountID
	if cfg.IsGenesisNode && platformAccountID == "" {
		platformAccountID = w.AccountID
	}

	co := coordinator.New(coordinator.Config{
		NodeID:                cfg.NodeID,
		IsLeader:              cfg.IsGenesisNode,
		PlatformAccountID:     platformAccountID,
		PublishFeeAmount:      cfg.PublishFeeAmount,
		ConfirmationTarget:    cfg.ConfirmationTarget,
		ConfirmationTimeoutMs: cfg.ConfirmationTimeoutMs,
	}, w, l, g, caps, ratings, baz, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	log.Info().Str("account", w.AccountID).Str("port", cfg.Port).Bool("leader", cfg.IsGenesisNode).Msg("meshnode starting")
	if runErr := co.Run(ctx); runErr != nil {
		return fmt.Errorf("meshnode: coordinator stopped: %w", runErr)
	}
	if closeErr := l.Close(); closeErr != nil {
		log.Warn().Err(closeErr).Msg("failed to close ledger log")
	}
	return nil
}
