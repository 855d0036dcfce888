// Package main provides resolverd, the cross-chain swap resolver daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingdex-resolver/internal/chain"
	"github.com/Klingon-tech/klingdex-resolver/internal/config"
	"github.com/Klingon-tech/klingdex-resolver/internal/contracts/escrow"
	"github.com/Klingon-tech/klingdex-resolver/internal/index"
	"github.com/Klingon-tech/klingdex-resolver/internal/metrics"
	"github.com/Klingon-tech/klingdex-resolver/internal/rpc"
	"github.com/Klingon-tech/klingdex-resolver/internal/storage"
	"github.com/Klingon-tech/klingdex-resolver/internal/swap"
	"github.com/Klingon-tech/klingdex-resolver/internal/wallet"
	"github.com/Klingon-tech/klingdex-resolver/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir      = flag.String("datadir", config.DefaultDataDir, "Data directory")
		configFile   = flag.String("config", "", "Config file path (default: <datadir>/config.yaml)")
		logLevel     = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		once         = flag.Bool("once", false, "Run a single tick and exit")
		initKeystore = flag.Bool("init-keystore", false, "Create the encrypted seed file and exit")
		showVersion  = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("resolverd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	var (
		cfg *config.Config
		err error
	)
	if *configFile != "" {
		cfg, err = config.LoadFile(*configFile)
	} else {
		cfg, err = config.Load(*dataDir)
	}
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log, logCloser, err := logging.NewWithFile(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		File:       cfg.Logging.File,
	})
	if err != nil {
		logging.Fatal("Failed to open log file", "error", err)
	}
	defer logCloser.Close()
	logging.SetDefault(log)

	keys := wallet.NewService(&wallet.ServiceConfig{
		Path:    cfg.KeystorePath(),
		Account: cfg.Resolver.Account,
		Index:   cfg.Resolver.Index,
	})

	if *initKeystore {
		if err := createKeystore(keys, cfg); err != nil {
			log.Fatal("Failed to create keystore", "error", err)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}
	if len(cfg.Chains) == 0 {
		log.Fatal("No chains configured", "path", config.ConfigPath(cfg.DataDir()))
	}

	if err := run(cfg, keys, *once); err != nil {
		log.Error("Resolver exited with error", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, keys *wallet.Service, once bool) error {
	log := logging.GetDefault()

	if err := unlockKey(keys, cfg); err != nil {
		return err
	}
	defer keys.Lock()
	resolver, _ := keys.Address()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(&storage.Config{
		DataDir:          cfg.DataDir(),
		SecretsDir:       cfg.Storage.SecretsDir,
		WriteSecretFiles: cfg.Storage.WriteSecretFiles,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", store.Path())

	lease, err := acquireLease(store, cfg.Storage.Lease.Name, cfg.Storage.Lease.TTL)
	if err != nil {
		return err
	}
	defer lease.Release()

	if err := store.BindResolver(resolver.Hex()); err != nil {
		return err
	}

	chains, err := dialChains(ctx, cfg, keys)
	if err != nil {
		return err
	}
	defer chains.Close()

	deployments, err := cfg.Deployments()
	if err != nil {
		return err
	}
	codec := escrow.NewCodec(deployments)

	var idx swap.SwapIndexQuery
	if cfg.Index.DSN != "" {
		reader, err := index.Open(&index.Config{
			DSN:          cfg.Index.DSN,
			Table:        cfg.Index.Table,
			QueryTimeout: cfg.Index.QueryTimeout,
			Limit:        cfg.Index.Limit,
		})
		if err != nil {
			return err
		}
		defer reader.Close()
		if err := reader.Ping(ctx); err != nil {
			log.Warn("Swap index unreachable, continuing without it until it recovers", "error", err)
		}
		idx = reader
		log.Info("Swap index configured", "table", cfg.Index.Table)
	}

	queue, err := swap.NewOrderQueue(cfg.QueueDir())
	if err != nil {
		return err
	}

	var verifier swap.OrderSigner
	if cfg.Queue.VerifySignatures {
		if verifier, err = keys.Signer(); err != nil {
			return err
		}
	}

	m := metrics.New(nil)
	co := cfg.Coordinator

	fill, err := swap.NewFillEngine(&swap.FillEngineConfig{
		Store:        store,
		Chains:       chains,
		Filler:       codec,
		Queue:        queue,
		Index:        idx,
		Signer:       verifier,
		Resolver:     resolver,
		MinProfitBps: co.MinProfitBps,
		MaxAttempts:  co.FillMaxAttempts,
		IndexTimeout: cfg.Index.QueryTimeout,
		Metrics:      m,
	})
	if err != nil {
		return err
	}

	withdraw, err := swap.NewWithdrawalEngine(&swap.WithdrawalEngineConfig{
		Store:        store,
		Chains:       chains,
		Codec:        codec,
		InitialDelay: co.WithdrawInitialDelay,
		MaxDelay:     co.WithdrawMaxDelay,
		Metrics:      m,
	})
	if err != nil {
		return err
	}

	coordinator, err := swap.NewCoordinator(&swap.CoordinatorConfig{
		Store:               store,
		Chains:              chains,
		Fill:                fill,
		Withdraw:            withdraw,
		Index:               idx,
		Queue:               queue,
		Deployer:            codec,
		Resolver:            resolver,
		TickInterval:        co.TickInterval,
		WithdrawMaxAttempts: co.WithdrawMaxAttempts,
		MaxRetries:          co.MaxRetries,
		StuckAfter:          co.StuckAfter,
		IndexTimeout:        cfg.Index.QueryTimeout,
		Metrics:             m,
	})
	if err != nil {
		return err
	}

	if once {
		report, err := coordinator.RunOnce(ctx)
		if err != nil {
			return err
		}
		log.Info("Tick complete",
			"filled", report.Filled,
			"advanced", report.Advanced,
			"withdrawn", report.Withdrawn,
			"expired", report.Expired,
			"duration", report.Duration.Round(time.Millisecond))
		return nil
	}

	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		rpcServer, err = rpc.NewServer(&rpc.Config{
			Store:       store,
			Coordinator: coordinator,
			Resolver:    resolver,
			Metrics:     m.Handler(),
		})
		if err != nil {
			return err
		}
		if err := rpcServer.Start(cfg.RPC.Addr); err != nil {
			return err
		}
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = serveMetrics(cfg.Metrics.Addr, m.Handler())
	}

	lost := lease.Keep(ctx)

	if err := coordinator.Start(ctx); err != nil {
		return err
	}
	printBanner(log, cfg, resolver, chains.ChainIDs())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigCh:
		log.Info("Shutting down...")
	case err := <-lost:
		runErr = err
		log.Error("Lease lost, stopping", "error", err)
	}

	if err := coordinator.Stop(); err != nil && !errors.Is(err, swap.ErrNotRunning) {
		log.Error("Error stopping coordinator", "error", err)
	}
	if rpcServer != nil {
		if err := rpcServer.Stop(); err != nil {
			log.Error("Error stopping RPC server", "error", err)
		}
	}
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	cancel()

	log.Info("Goodbye!")
	return runErr
}

func unlockKey(keys *wallet.Service, cfg *config.Config) error {
	switch {
	case cfg.Resolver.PrivateKey != "":
		if err := keys.UseKey(cfg.Resolver.PrivateKey); err != nil {
			return fmt.Errorf("%s: %w", config.EnvPrivateKey, err)
		}
	case cfg.Resolver.Password != "":
		if err := keys.Unlock(cfg.Resolver.Password, ""); err != nil {
			return fmt.Errorf("failed to unlock %s: %w", keys.Path(), err)
		}
	default:
		return fmt.Errorf("no resolver key: set %s or %s", config.EnvPassword, config.EnvPrivateKey)
	}

	addr, err := keys.Address()
	if err != nil {
		return err
	}
	if want := cfg.Resolver.Address; want != "" && common.HexToAddress(want) != addr {
		return fmt.Errorf("resolver key %s does not match resolver.address %s", addr.Hex(), want)
	}
	return nil
}

func dialChains(ctx context.Context, cfg *config.Config, keys *wallet.Service) (*chain.Registry, error) {
	log := logging.GetDefault()

	key, err := keys.ECDSA()
	if err != nil {
		return nil, err
	}

	var dialed []*chain.EVMClient
	closeAll := func() {
		for _, c := range dialed {
			c.Close()
		}
	}
	for _, ch := range cfg.Chains {
		client, err := chain.DialEVM(ctx, &chain.EVMConfig{
			ChainID:        ch.ChainID,
			RPCURL:         ch.RPCURL,
			Key:            key,
			GasMultiplier:  ch.GasMultiplier,
			Confirmations:  ch.Confirmations,
			ConfirmTimeout: ch.ConfirmTimeout,
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("chain %d: %w", ch.ChainID, err)
		}
		dialed = append(dialed, client)
		log.Info("Chain connected", "chain", chain.Name(ch.ChainID), "id", ch.ChainID)
	}

	clients := make([]chain.Client, len(dialed))
	for i, c := range dialed {
		clients[i] = c
	}
	reg, err := chain.NewRegistry(clients...)
	if err != nil {
		closeAll()
		return nil, err
	}
	return reg, nil
}

func serveMetrics(addr string, handler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.GetDefault().Error("Metrics server error", "error", err)
		}
	}()
	return srv
}

func printBanner(log *logging.Logger, cfg *config.Config, resolver common.Address, chainIDs []uint64) {
	log.Info("")
	log.Info("=================================================")
	log.Info("  Klingdex Resolver")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Resolver: %s", resolver.Hex())
	for _, id := range chainIDs {
		log.Infof("  Chain:    %s (%d)", chain.Name(id), id)
	}
	if cfg.RPC.Enabled {
		log.Infof("  API:      http://%s", cfg.RPC.Addr)
		log.Infof("  WS:       ws://%s/ws", cfg.RPC.Addr)
	}
	if cfg.Metrics.Enabled {
		log.Infof("  Metrics:  http://%s/metrics", cfg.Metrics.Addr)
	}
	log.Infof("  Data dir: %s", cfg.DataDir())
	log.Infof("  Queue:    %s", cfg.QueueDir())
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
