// Server = btc side (deposit scanner) + destination chains (workers, synchronizers)
// + db/state + reconciler + http reporter.
// All components are configured from one config file, see package config.

package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/btcsuite/btcd/chaincfg"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/atlas-bridge/agreement"
	btcrpc "github.com/TEENet-io/atlas-bridge/btcman/rpc"
	"github.com/TEENet-io/atlas-bridge/common"
	"github.com/TEENet-io/atlas-bridge/config"
	"github.com/TEENet-io/atlas-bridge/database"
	"github.com/TEENet-io/atlas-bridge/etherman"
	"github.com/TEENet-io/atlas-bridge/gasfee"
	"github.com/TEENet-io/atlas-bridge/ingest"
	"github.com/TEENet-io/atlas-bridge/logconfig"
	"github.com/TEENet-io/atlas-bridge/multisig"
	"github.com/TEENet-io/atlas-bridge/nearman"
	"github.com/TEENet-io/atlas-bridge/reconciler"
	"github.com/TEENet-io/atlas-bridge/reporter"
	"github.com/TEENet-io/atlas-bridge/state"
	"github.com/TEENet-io/atlas-bridge/yieldprovider"
)

// Default params for server.
// More often we don't recommend users to tweak those.
// So we list them here.
const (
	batchStoreDir = "yield-batch"
)

// SettlementServer holds the objects that make up the settlement service.
type SettlementServer struct {
	Config *config.Config
	Params *chaincfg.Params

	// storage
	SqlDb      *sql.DB
	MyStateDb  *state.StateDB
	MyBatches  *yieldprovider.BatchStore
	MyIncident *logconfig.IncidentLog

	// btc side
	BtcRpcClient *btcrpc.RpcClient
	MySigner     multisig.Signer
	MyCoord      *multisig.Coordinator
	MyScanner    *reconciler.DepositScanner

	// destination chains
	MyProcessor *ingest.Processor
	MySyncs     []*ingest.Synchronizer
	MyWorkers   []reconciler.ChainWorker

	MyEngine   *reconciler.Engine
	MyReporter *reporter.HttpReporter
}

// NewSettlementServer creates every component but starts none of them.
// ctx bounds the calls made during setup (signer root key, chain ids).
func NewSettlementServer(ctx context.Context, cfg *config.Config) (*SettlementServer, error) {
	s := &SettlementServer{Config: cfg}
	if err := s.setup(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SettlementServer) setup(ctx context.Context) error {
	cfg := s.Config

	params, err := common.BtcNetParams(cfg.Bitcoin.Network)
	if err != nil {
		return err
	}
	s.Params = params

	// 0) incidents are written next to the service log
	s.MyIncident, err = logconfig.NewIncidentLog(cfg.Log.IncidentDir)
	if err != nil {
		return fmt.Errorf("incident log: %w", err)
	}

	// 1) ledger
	s.SqlDb, err = database.OpenSQLite(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open db %s: %w", cfg.Storage.DBPath, err)
	}
	s.MyStateDb, err = state.NewStateDB(s.SqlDb)
	if err != nil {
		return fmt.Errorf("state db: %w", err)
	}

	// 2) connect to btc network
	s.BtcRpcClient, err = btcrpc.NewRpcClient(&btcrpc.RpcClientConfig{
		ServerAddr: cfg.Bitcoin.RPCHost,
		Username:   cfg.Bitcoin.RPCUser,
		Pwd:        cfg.Bitcoin.RPCPass,
		Params:     params,
	})
	if err != nil {
		return fmt.Errorf("cannot connect to btc rpc server %s: %w", cfg.Bitcoin.RPCHost, err)
	}

	// 3) threshold signer, and the custody address must be the derived one
	s.MySigner, err = multisig.NewSigner(&cfg.Signer)
	if err != nil {
		return fmt.Errorf("signer: %w", err)
	}
	s.MyCoord, err = multisig.NewCoordinator(ctx, s.MySigner, &cfg.Signer, params)
	if err != nil {
		return fmt.Errorf("signing coordinator: %w", err)
	}
	custody, err := s.MyCoord.BitcoinAddress()
	if err != nil {
		return err
	}
	if custody.EncodeAddress() != cfg.Bitcoin.AtlasAddress {
		return fmt.Errorf("btc atlas address mismatch: derived %s != configured %s", custody.EncodeAddress(), cfg.Bitcoin.AtlasAddress)
	}
	logger.WithFields(logger.Fields{
		"btc": custody.EncodeAddress(),
		"evm": s.MyCoord.EvmAddress().Hex(),
	}).Info("custody addresses")

	// 4) destination chains
	matcher := gasfee.NewMatcher(gasfee.NewCachedOracle(
		gasfee.NewCoinGeckoOracle(cfg.Oracle.URL, cfg.Oracle.Timeout, cfg.Oracle.Retries),
		cfg.Oracle.TTL,
	))
	s.MyProcessor = ingest.NewProcessor(s.MyStateDb, cfg, params, s.MyIncident)
	receipt := etherman.ReceiptConfig{
		Timeout:     cfg.Reconciler.ReceiptTimeout,
		MaxAttempts: cfg.Reconciler.ReceiptAttempts,
	}
	for i := range cfg.Chains {
		ch := &cfg.Chains[i]
		syncCfg := ingest.SyncConfig{
			Interval:   cfg.Reconciler.Interval,
			StartBlock: ch.ScanStartBlock,
			MaxRange:   ch.MaxBlockRange,
		}

		var src ingest.Source
		switch ch.Type {
		case agreement.ChainTypeEVM:
			em, err := etherman.NewEtherman(ctx, ch, receipt)
			if err != nil {
				return fmt.Errorf("etherman %s: %w", ch.ChainID, err)
			}
			s.MyWorkers = append(s.MyWorkers, reconciler.NewEvmWorker(ch, em, s.MyCoord, matcher))
			src = ingest.NewEvmSource(ch.ChainID, em)
		case agreement.ChainTypeNEAR:
			client := nearman.NewClient(ch.RPCURL, ch.RPCTimeout, ch.RPCRetries)
			s.MyWorkers = append(s.MyWorkers, reconciler.NewNearWorker(ch, client, s.MyCoord))
			src = ingest.NewNearSource(ch.ChainID, ch.ContractAddress, client)
		default:
			return config.ErrChainNotConfigured(ch.ChainID)
		}
		s.MySyncs = append(s.MySyncs, ingest.NewSynchronizer(src, s.MyProcessor, s.MyStateDb, syncCfg, s.MyIncident))
		logger.WithFields(logger.Fields{"chain_id": ch.ChainID, "type": ch.Type}).Info("destination chain configured")
	}

	// 5) yield provider
	var provider yieldprovider.Provider
	if cfg.YieldProvider.Enabled {
		provider = yieldprovider.NewClient(cfg.YieldProvider.URL, cfg.YieldProvider.Timeout, cfg.YieldProvider.Retries)
		s.MyBatches, err = yieldprovider.OpenBatchStore(filepath.Join(cfg.Storage.ScratchDir, batchStoreDir))
		if err != nil {
			return fmt.Errorf("batch store: %w", err)
		}
	}

	// 6) reconciler + deposit scanner
	s.MyEngine, err = reconciler.NewEngine(&reconciler.Components{
		Config:    cfg,
		Params:    params,
		State:     s.MyStateDb,
		Btc:       s.BtcRpcClient,
		BtcSigner: s.MyCoord,
		Workers:   s.MyWorkers,
		Provider:  provider,
		Batches:   s.MyBatches,
		Incidents: s.MyIncident,
	})
	if err != nil {
		return fmt.Errorf("reconciler: %w", err)
	}
	s.MyScanner, err = reconciler.NewDepositScanner(cfg, params, s.MyStateDb, s.BtcRpcClient, s.MyIncident)
	if err != nil {
		return fmt.Errorf("deposit scanner: %w", err)
	}

	// 7) http reporter
	s.MyReporter = reporter.NewHttpReporter(cfg.Reporter.IP, cfg.Reporter.Port, s.MyStateDb)
	return nil
}

// Start turns on every loop of the server. Each loop runs until ctx is
// cancelled; wg is released once all of them returned.
func (s *SettlementServer) Start(ctx context.Context, wg *sync.WaitGroup) {
	run := func(name string, loop func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := loop(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.WithField("loop", name).Errorf("stopped: %v", err)
			}
		}()
	}

	run("btc-deposit-scanner", s.MyScanner.Scan)
	for _, syncer := range s.MySyncs {
		run("ingest", syncer.Sync)
	}
	run("reconciler", s.MyEngine.Run)
	run("rollback", s.MyEngine.RunRollback)
	run("reporter", s.MyReporter.Run)
}

// Close releases what setup opened, in reverse order.
func (s *SettlementServer) Close() {
	if s.MyBatches != nil {
		if err := s.MyBatches.Close(); err != nil {
			logger.Warnf("close batch store: %v", err)
		}
	}
	if closer, ok := s.MySigner.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Warnf("close signer: %v", err)
		}
	}
	if s.BtcRpcClient != nil {
		s.BtcRpcClient.Close()
	}
	if s.MyStateDb != nil {
		s.MyStateDb.Close()
	}
	if s.SqlDb != nil {
		if err := s.SqlDb.Close(); err != nil {
			logger.Warnf("close db: %v", err)
		}
	}
	if s.MyIncident != nil {
		if err := s.MyIncident.Close(); err != nil {
			logger.Warnf("close incident log: %v", err)
		}
	}
}

// Create, then start the settlement server and wait.
// Press Ctrl-C to stop the server.
func StartSettlementServerAndWait(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up a signal channel to listen for Ctrl-C (SIGINT) or SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Infof("received signal %v, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	server, err := NewSettlementServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer server.Close()

	var wg sync.WaitGroup
	server.Start(ctx, &wg)

	// wait for all routines to finish
	wg.Wait()
	return nil
}
