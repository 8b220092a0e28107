// Copyright 2025 The labchain Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spilorenzo/labchain"
	"github.com/spilorenzo/labchain/chain"
	"github.com/spilorenzo/labchain/ledger"
	"github.com/spilorenzo/labchain/pow"
)

const chainFileName = "chain.cbor"

// maxPendingBlocks bounds how many out-of-order blocks we hold while
// requesting their predecessors
const maxPendingBlocks = 64

type globalFlags struct {
	flagset     *flag.FlagSet
	listen      string
	network     string
	bootstrap   string
	topology    string
	dataDir     string
	maxPeers    int
	mine        bool
	mineAddress string
	debug       bool
}

func newGlobalFlags() *globalFlags {
	f := &globalFlags{
		flagset: flag.NewFlagSet(os.Args[0], flag.ExitOnError),
	}
	f.flagset.StringVar(
		&f.listen,
		"listen",
		labchain.DefaultListenAddress,
		"TCP address to listen on in host:port format",
	)
	f.flagset.StringVar(
		&f.network,
		"network",
		"mainnet",
		"specifies network that node is participating in",
	)
	f.flagset.StringVar(
		&f.bootstrap,
		"bootstrap",
		"",
		"comma-separated peer addresses to connect to at startup",
	)
	f.flagset.StringVar(
		&f.topology,
		"topology",
		"",
		"path to JSON topology file with bootstrap peers",
	)
	f.flagset.StringVar(
		&f.dataDir,
		"datadir",
		"",
		"directory for the chain snapshot (empty disables persistence)",
	)
	f.flagset.IntVar(
		&f.maxPeers,
		"max-peers",
		labchain.DefaultMaxPeers,
		"cap on concurrent peer connections",
	)
	f.flagset.BoolVar(&f.mine, "mine", false, "enable the mining loop")
	f.flagset.StringVar(
		&f.mineAddress,
		"mine-address",
		"",
		"address that receives mining rewards (defaults to a fresh one)",
	)
	f.flagset.BoolVar(&f.debug, "debug", false, "enable debug logging")
	return f
}

// daemon ties the node's network layer to the chain: received blocks
// extend the chain, received transactions feed a small unconfirmed pool,
// and the optional mining loop produces new blocks from both
type daemon struct {
	logger      *slog.Logger
	chain       *chain.Blockchain
	store       *chain.Store
	node        *labchain.Node
	mineAddress string

	mempoolMutex sync.Mutex
	mempool      ledger.TransactionSet

	pendingMutex  sync.Mutex
	pendingBlocks map[ledger.Hash]*ledger.Block

	storeMutex sync.Mutex
}

func main() {
	f := newGlobalFlags()
	if err := f.flagset.Parse(os.Args[1:]); err != nil {
		fmt.Printf("failed to parse command args: %s\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if f.debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}),
	)
	slog.SetDefault(logger)

	network := labchain.NetworkByName(f.network)
	if network.Name == labchain.NetworkInvalid.Name {
		fmt.Printf("Invalid network specified: %s\n", f.network)
		os.Exit(1)
	}

	params := chain.DefaultParams()
	d := &daemon{
		logger:        logger,
		mempool:       ledger.NewTransactionSet(),
		pendingBlocks: make(map[ledger.Hash]*ledger.Block),
	}
	if f.dataDir != "" {
		d.store = chain.NewStore(filepath.Join(f.dataDir, chainFileName))
		bc, err := d.store.Load(params, logger)
		if err != nil {
			fmt.Printf("failed to load chain snapshot: %s\n", err)
			os.Exit(1)
		}
		d.chain = bc
	} else {
		d.chain = chain.New(params, logger)
	}
	logger.Info(
		"chain loaded",
		"blocks", d.chain.BlockCount(),
		"head", d.chain.Head().Hash.String(),
	)

	d.mineAddress = f.mineAddress
	if f.mine && d.mineAddress == "" {
		publicKey, _, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			fmt.Printf("failed to generate mining key: %s\n", err)
			os.Exit(1)
		}
		d.mineAddress = ledger.AddressFromPublicKey(publicKey)
		// The key itself is discarded: without a wallet the rewards are
		// not spendable from this process anyway
		logger.Info("generated mining address", "address", d.mineAddress)
	}

	nodeOptions := []labchain.NodeOptionFunc{
		labchain.WithNodeNetwork(network),
		labchain.WithNodeListenAddress(f.listen),
		labchain.WithNodeMaxPeers(f.maxPeers),
		labchain.WithNodeLogger(logger),
		labchain.WithNodePrimaryBlock(d.chain.Head()),
		labchain.WithNodeBlockReceivedFunc(d.handleBlock),
		labchain.WithNodeTransactionReceivedFunc(d.handleTransaction),
		labchain.WithNodeBlockRequestFunc(d.chain.GetBlockByHash),
	}
	if f.bootstrap != "" {
		nodeOptions = append(
			nodeOptions,
			labchain.WithNodeBootstrapPeers(
				strings.Split(f.bootstrap, ",")...,
			),
		)
	}
	if f.topology != "" {
		topology, err := labchain.NewTopologyConfigFromFile(f.topology)
		if err != nil {
			fmt.Printf("failed to load topology file: %s\n", err)
			os.Exit(1)
		}
		nodeOptions = append(nodeOptions, labchain.WithNodeTopology(topology))
	}
	node, err := labchain.NewNode(nodeOptions...)
	if err != nil {
		fmt.Printf("failed to create node: %s\n", err)
		os.Exit(1)
	}
	d.node = node
	if err := node.Start(); err != nil {
		fmt.Printf("failed to start node: %s\n", err)
		os.Exit(1)
	}

	mineCtx, cancelMining := context.WithCancel(context.Background())
	if f.mine {
		go d.mineLoop(mineCtx)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signalChan
	logger.Info("shutting down", "signal", sig.String())
	cancelMining()
	if err := node.Shutdown(); err != nil {
		logger.Warn("node shutdown failed", "error", err)
	}
	d.saveChain()
}

// handleBlock runs for every block received from a peer or broadcast
// locally. Valid extensions are persisted and rebroadcast; a block whose
// predecessor we don't know yet is parked and its predecessor requested
// from all peers
func (d *daemon) handleBlock(b *ledger.Block) {
	err := d.chain.ProcessBlock(b)
	switch {
	case err == nil:
		d.logger.Info(
			"extended chain",
			"hash", b.Hash.String(),
			"height", b.Height,
		)
		d.pruneMempool(b)
		d.saveChain()
		// Gossip the new head onward; the local re-delivery terminates
		// as a known block
		if err := d.node.BroadcastPrimaryBlock(b); err != nil {
			d.logger.Warn("block broadcast failed", "error", err)
		}
		d.processPendingChild(b.Hash)
	case errors.Is(err, ledger.ErrBlockKnown):
		// Already have it; rebroadcasting would echo forever
	case errors.Is(err, ledger.ErrBadPrevBlock),
		errors.Is(err, ledger.ErrMissingPrevBlock):
		if d.chain.Contains(b.PrevBlockHash) {
			// Predecessor is known but not our head: a stale or forked
			// block, which this node does not reorganize onto
			d.logger.Debug(
				"ignoring block off the main chain",
				"hash", b.Hash.String(),
			)
			return
		}
		d.parkBlock(b)
		d.node.SendBlockRequest(b.PrevBlockHash)
	default:
		d.logger.Warn(
			"rejected block",
			"hash", b.Hash.String(),
			"error", err,
		)
	}
}

// parkBlock holds an out-of-order block until its predecessor arrives
func (d *daemon) parkBlock(b *ledger.Block) {
	d.pendingMutex.Lock()
	defer d.pendingMutex.Unlock()
	if len(d.pendingBlocks) >= maxPendingBlocks {
		return
	}
	d.pendingBlocks[b.PrevBlockHash] = b
}

// processPendingChild resumes catch-up: if a parked block was waiting for
// the block just accepted, feed it back through the received path
func (d *daemon) processPendingChild(accepted ledger.Hash) {
	d.pendingMutex.Lock()
	child, ok := d.pendingBlocks[accepted]
	if ok {
		delete(d.pendingBlocks, accepted)
	}
	d.pendingMutex.Unlock()
	if ok {
		d.handleBlock(child)
	}
}

// handleTransaction admits an unconfirmed transaction into the pool and
// gossips it onward. Invalid or duplicate transactions are dropped
// without rebroadcast
func (d *daemon) handleTransaction(tx *ledger.Transaction) {
	txId := tx.Id()
	d.mempoolMutex.Lock()
	if d.mempool.Contains(txId) {
		d.mempoolMutex.Unlock()
		return
	}
	exclude := d.mempoolSnapshot()
	d.mempoolMutex.Unlock()
	if err := d.chain.VerifyStandaloneTransaction(tx, exclude); err != nil {
		d.logger.Debug(
			"rejected transaction",
			"transaction", txId.String(),
			"error", err,
		)
		return
	}
	d.mempoolMutex.Lock()
	d.mempool[txId] = tx
	d.mempoolMutex.Unlock()
	d.node.BroadcastTransaction(tx)
}

// mempoolSnapshot must be called with mempoolMutex held
func (d *daemon) mempoolSnapshot() ledger.TransactionSet {
	out := make(ledger.TransactionSet, len(d.mempool))
	for txId, tx := range d.mempool {
		out[txId] = tx
	}
	return out
}

// pruneMempool drops transactions confirmed by an accepted block
func (d *daemon) pruneMempool(b *ledger.Block) {
	d.mempoolMutex.Lock()
	defer d.mempoolMutex.Unlock()
	for _, tx := range b.Transactions {
		delete(d.mempool, tx.Id())
	}
}

// collectMempool returns the currently includable transactions and the
// total fee they pay. Transactions that no longer verify are evicted
func (d *daemon) collectMempool() ([]*ledger.Transaction, uint64) {
	d.mempoolMutex.Lock()
	candidates := d.mempoolSnapshot()
	d.mempoolMutex.Unlock()
	included := ledger.NewTransactionSet()
	var transactions []*ledger.Transaction
	var totalFees uint64
	for txId, tx := range candidates {
		if err := d.chain.VerifyStandaloneTransaction(tx, included); err != nil {
			d.mempoolMutex.Lock()
			delete(d.mempool, txId)
			d.mempoolMutex.Unlock()
			continue
		}
		fee, err := d.chain.TransactionFee(tx)
		if err != nil {
			continue
		}
		sum, err := ledger.AddAmounts(totalFees, fee)
		if err != nil {
			continue
		}
		included[txId] = tx
		transactions = append(transactions, tx)
		totalFees = sum
	}
	return transactions, totalFees
}

// mineLoop repeatedly assembles a candidate block from the pool, searches
// for a proof of work and broadcasts the result. A block that fails
// because the head moved during the search is simply abandoned
func (d *daemon) mineLoop(ctx context.Context) {
	d.logger.Info("mining enabled", "address", d.mineAddress)
	for ctx.Err() == nil {
		transactions, totalFees := d.collectMempool()
		payout, err := ledger.AddAmounts(
			d.chain.ComputeBlockRewardNextBlock(),
			totalFees,
		)
		if err != nil {
			d.logger.Warn("mempool fees overflow, mining without them")
			transactions = nil
			payout = d.chain.ComputeBlockRewardNextBlock()
		}
		head := d.chain.Head()
		coinbase := &ledger.Transaction{
			Targets: []ledger.TransactionTarget{
				{Address: d.mineAddress, Amount: payout},
			},
			// Rewards for consecutive blocks are otherwise identical and
			// would collide in the unspent-output set
			CoinbaseHeight: head.Height + d.chain.ComputeDifficultyNextBlock(),
		}
		blockTransactions := append(
			[]*ledger.Transaction{coinbase},
			transactions...,
		)
		b := ledger.CreateBlock(d.chain, blockTransactions, time.Now())
		if err := pow.Mine(ctx, b); err != nil {
			return
		}
		if err := d.chain.ProcessBlock(b); err != nil {
			if !errors.Is(err, ledger.ErrBadPrevBlock) {
				d.logger.Warn("mined block rejected", "error", err)
			}
			continue
		}
		d.logger.Info(
			"mined block",
			"hash", b.Hash.String(),
			"height", b.Height,
			"difficulty", b.Difficulty,
		)
		d.pruneMempool(b)
		d.saveChain()
		if err := d.node.BroadcastPrimaryBlock(b); err != nil {
			d.logger.Warn("block broadcast failed", "error", err)
		}
	}
}

func (d *daemon) saveChain() {
	if d.store == nil {
		return
	}
	d.storeMutex.Lock()
	defer d.storeMutex.Unlock()
	if err := d.store.Save(d.chain); err != nil {
		d.logger.Warn("failed to save chain snapshot", "error", err)
	}
}
