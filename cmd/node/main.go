package main

import (
	"bytes"
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jayendramadaram/btc-node/config"
	path "github.com/jayendramadaram/btc-node/internal"
	"github.com/jayendramadaram/btc-node/internal/chain"
	"github.com/jayendramadaram/btc-node/internal/mempool"
	"github.com/jayendramadaram/btc-node/internal/node"
	"github.com/jayendramadaram/btc-node/internal/peeradapter"
	"github.com/jayendramadaram/btc-node/internal/storage"
	"github.com/jayendramadaram/btc-node/internal/workerpool"
	"github.com/jayendramadaram/btc-node/pkg/block"
	"github.com/jayendramadaram/btc-node/pkg/events"
	"github.com/jayendramadaram/btc-node/pkg/logger"
	"github.com/jayendramadaram/btc-node/pkg/tx"
)

func chainParams(name string) *chaincfg.Params {
	switch name {
	case "testnet3":
		return &chaincfg.TestNet3Params
	case "regtest":
		return &chaincfg.RegressionNetParams
	case "signet":
		return &chaincfg.SigNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// genesisFromParams derives the Block/Transaction entities this module
// works with from a wire.MsgBlock, so the genesis hash is recomputed
// from the same 80-byte header rather than trusted as a literal
// constant. raw, when non-nil, overrides chaincfg's baked-in genesis
// with the network.genesis block configured by the operator.
func genesisFromParams(params *chaincfg.Params, raw []byte) (*block.Block, []*tx.Transaction, error) {
	msg := params.GenesisBlock
	if raw != nil {
		msg = &wire.MsgBlock{}
		if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, nil, err
		}
	}

	txs := make([]*tx.Transaction, len(msg.Transactions))
	for i, mtx := range msg.Transactions {
		txs[i] = tx.FromWire(mtx)
	}
	b := block.New(
		uint32(msg.Header.Version),
		msg.Header.PrevBlock,
		msg.Header.MerkleRoot,
		uint32(msg.Header.Timestamp.Unix()),
		msg.Header.Bits,
		msg.Header.Nonce,
		txs,
	)
	return b, txs, nil
}

func main() {
	cfg, err := config.LoadConfig(path.DefaultConfigPath)
	if err != nil {
		panic(err)
	}

	log := logger.NewLoggerWithOptions(cfg.Logger.Level, &logger.Options{
		LogBackTraceEnabled: cfg.Logger.LogBackTraceEnabled,
	})
	log.Info("logger setup complete")

	ctx := context.Background()
	params := chainParams(cfg.Network.Chain)

	var store storage.Storage
	if cfg.DB.URI != "" {
		client, err := storage.Connect(ctx, cfg.DB.URI)
		if err != nil {
			log.Error(err.Error())
			return
		}
		mongoStore, err := storage.NewMongo(ctx, client, cfg.DB.Database)
		if err != nil {
			log.Error(err.Error())
			return
		}
		store = mongoStore
		log.Info("mongo storage setup complete")
	} else {
		store = storage.NewMemory()
		log.Warn("no db.uri configured; running with in-memory storage")
	}

	chainBus := events.NewChainBus()
	poolBus := events.NewPoolBus()

	genesisOverride, err := cfg.Network.Genesis()
	if err != nil {
		log.Error("network.genesis: " + err.Error())
		return
	}
	genesisBlock, genesisTxs, err := genesisFromParams(params, genesisOverride)
	if err != nil {
		log.Error("decoding network.genesis: " + err.Error())
		return
	}
	bc := chain.New(store, chainBus, genesisBlock, genesisTxs)

	workers := workerpool.New(runtime.NumCPU())
	pool := mempool.New(store, poolBus, workers, params, cfg.Feature.LiveAccounting)

	// BlockChain's txAdd is TransactionStore's confirmation signal (spec.md
	// §4.4): without this, a transaction that confirms on-chain is never
	// evicted from the pool and its conflicting spenders are never cleared.
	chainBus.OnTxAdd(pool.HandleTxAdd)
	poolBus.OnTxNotify(func(e *events.TxNotifyEvent) {
		log.Debugf("mempool: %s accepted", e.Tx.Hash())
	})
	poolBus.OnTxCancel(func(e *events.TxCancelEvent) {
		log.Debugf("mempool: %s removed", e.Hash)
	})

	n := node.New(bc, pool, nil, nil)
	peers := peeradapter.New(params, bc, n, cfg.Network.Seeds, cfg.Network.MaxOutbound)
	n.SetPeerManager(peers)

	if err := n.Start(ctx); err != nil {
		log.Error(err.Error())
		return
	}
	log.Info("node initialized: " + n.State().String())

	if cfg.Metrics.Enabled {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Addr, nil); err != nil {
				log.Error("metrics server: " + err.Error())
			}
		}()
		log.Info("metrics server listening on " + cfg.Metrics.Addr)
	}

	if err := peers.DialSeeds(ctx); err != nil {
		log.Warn("dialSeeds: " + err.Error())
	}
	go peers.SyncLoop(ctx, 30*time.Second)

	select {}
}
