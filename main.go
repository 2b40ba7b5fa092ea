package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ronickg/chia-wallet-sdk/internal/config"
	"github.com/ronickg/chia-wallet-sdk/internal/db"
	"github.com/ronickg/chia-wallet-sdk/internal/keychain"
	"github.com/ronickg/chia-wallet-sdk/internal/peer"
	"github.com/ronickg/chia-wallet-sdk/internal/server"
	"github.com/ronickg/chia-wallet-sdk/internal/wallet"
	"github.com/ronickg/chia-wallet-sdk/pkg"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	flagconf string
)

func init() {
	flag.StringVar(&flagconf, "conf", "./config.yaml", "config path, eg: -conf config.yaml")
}

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(flagconf)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := pkg.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Printf("Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Server == nil && cfg.Wallet == nil {
		logger.Fatal("nothing to run: configure server, wallet or both")
	}

	// Create context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Start the peer simulator
	var sim *server.Server
	if cfg.Server != nil {
		sim, err = server.NewServer(cfg.Server, logger)
		if err != nil {
			logger.Fatal("Error initializing peer simulator", zap.Error(err))
		}
		sim.Run()
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Wallet != nil {
		store, err := openWallet(cfg, logger)
		if err != nil {
			logger.Fatal("Error initializing wallet", zap.Error(err))
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("Store::Close", zap.Error(err))
			}
		}()

		if bdb, ok := store.KV().(*db.BadgerDB); ok {
			g.Go(func() error {
				bdb.RunGC(gctx)
				return nil
			})
		}

		p, err := peer.Dial(ctx, cfg.Wallet.PeerURL, peer.OptionsFromConfig(cfg.Wallet), logger)
		if err != nil {
			logger.Fatal("Error connecting to peer", zap.String("url", cfg.Wallet.PeerURL), zap.Error(err))
		}
		defer p.Close()

		syncer := wallet.NewSyncer(wallet.NewSyncConfig(cfg.Wallet), store, store, p, logger)
		g.Go(func() error {
			err := syncer.IncrementalSync(gctx, nil)
			if err == nil {
				// the peer hung up
				err = p.Err()
			}
			return err
		})
	}

	// Wait for signal
	<-gctx.Done()
	logger.Info("Shutting down...")
	cancel()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Wallet sync stopped", zap.Error(err))
	}

	if sim != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := sim.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down peer simulator", zap.Error(err))
		}
	}
}

func openWallet(cfg *config.Config, logger *zap.Logger) (*db.Store, error) {
	deriver, err := keychain.FromConfig(cfg.Wallet)
	if err != nil {
		return nil, err
	}
	logger.Info("wallet", zap.String("xpub", deriver.ExtendedPublicKey()))
	return db.Open(cfg, deriver, logger)
}
