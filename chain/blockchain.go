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

// Package chain implements the local chain state: the block store rooted
// at genesis, difficulty retargeting, the block reward schedule and the
// unspent-output ledger transactions are verified against
package chain

import (
	"log/slog"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/jinzhu/copier"

	"github.com/spilorenzo/labchain/ledger"
	"github.com/spilorenzo/labchain/pow"
)

// Params are the consensus parameters of the chain
type Params struct {
	// RetargetInterval is how many blocks pass between difficulty
	// adjustments
	RetargetInterval int
	// TargetBlockInterval is the desired time between blocks
	TargetBlockInterval time.Duration
	// InitialBlockReward is the coinbase reward before any halving
	InitialBlockReward uint64
	// HalvingInterval is how many blocks pass between reward halvings
	HalvingInterval int
	// TimeGrace overrides how far block times may run ahead of the local
	// clock; zero means ledger.DefaultTimeGrace
	TimeGrace time.Duration
}

// DefaultParams returns the mainnet consensus parameters
func DefaultParams() Params {
	return Params{
		RetargetInterval:    10,
		TargetBlockInterval: 2 * time.Minute,
		InitialBlockReward:  50_000_000,
		HalvingInterval:     100_000,
	}
}

// Blockchain is the node's view of the main chain: every known block by
// hash, the ordered main chain rooted at genesis, and the unspent-output
// set of the head. It implements ledger.ChainView.
//
// Only direct linear extension of the head is supported; there is no
// fork-choice or reorganization at this layer
type Blockchain struct {
	mutex  sync.RWMutex
	params Params
	logger *slog.Logger
	blocks map[ledger.Hash]*ledger.Block
	order  []*ledger.Block
	utxo   *UTXOSet
}

// New returns a chain containing only the genesis block
func New(params Params, logger *slog.Logger) *Blockchain {
	if logger == nil {
		logger = slog.Default()
	}
	genesis := ledger.GenesisBlock
	c := &Blockchain{
		params: params,
		logger: logger,
		blocks: map[ledger.Hash]*ledger.Block{genesis.Hash: genesis},
		order:  []*ledger.Block{genesis},
		utxo:   NewUTXOSet(),
	}
	c.utxo.applyBlock(genesis)
	return c
}

// lockedView adapts a Blockchain whose mutex is already held to
// ledger.ChainView, so verification inside ProcessBlock does not recurse
// into the exported locking accessors
type lockedView struct {
	chain *Blockchain
}

func (v lockedView) Head() *ledger.Block { return v.chain.headLocked() }

func (v lockedView) GetBlockByHash(h ledger.Hash) *ledger.Block {
	return v.chain.blocks[h]
}

func (v lockedView) Contains(h ledger.Hash) bool {
	_, ok := v.chain.blocks[h]
	return ok
}

func (v lockedView) ComputeDifficultyNextBlock() uint64 {
	return v.chain.computeDifficultyLocked()
}

func (v lockedView) ComputeBlockRewardNextBlock() uint64 {
	return v.chain.computeBlockRewardLocked()
}

func (c *Blockchain) headLocked() *ledger.Block {
	return c.order[len(c.order)-1]
}

// Head returns the current head of the main chain
func (c *Blockchain) Head() *ledger.Block {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.headLocked()
}

// GetBlockByHash returns the block with the given hash, or nil if unknown
func (c *Blockchain) GetBlockByHash(h ledger.Hash) *ledger.Block {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.blocks[h]
}

// Contains reports whether a block with the given hash is known
func (c *Blockchain) Contains(h ledger.Hash) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	_, ok := c.blocks[h]
	return ok
}

// BlockCount returns the number of blocks in the main chain, including
// genesis. This is a count, unlike Head().Height which is cumulative
// difficulty
func (c *Blockchain) BlockCount() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.order)
}

func (c *Blockchain) computeDifficultyLocked() uint64 {
	head := c.headLocked()
	interval := c.params.RetargetInterval
	if interval <= 0 || len(c.order)%interval != 0 {
		return head.Difficulty
	}
	windowStart := c.order[len(c.order)-interval]
	actual := head.Time.Sub(windowStart.Time)
	expected := c.params.TargetBlockInterval * time.Duration(interval)
	// Clamp the adjustment to a factor of 4 in either direction
	if actual < expected/4 {
		actual = expected / 4
	}
	if actual > expected*4 {
		actual = expected * 4
	}
	next := new(big.Int).SetUint64(head.Difficulty)
	next.Mul(next, big.NewInt(int64(expected)))
	next.Div(next, big.NewInt(int64(actual)))
	if next.Sign() == 0 {
		return 1
	}
	if !next.IsUint64() {
		return math.MaxUint64
	}
	return next.Uint64()
}

// ComputeDifficultyNextBlock returns the difficulty required of the next
// block
func (c *Blockchain) ComputeDifficultyNextBlock() uint64 {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.computeDifficultyLocked()
}

func (c *Blockchain) computeBlockRewardLocked() uint64 {
	if c.params.HalvingInterval <= 0 {
		return c.params.InitialBlockReward
	}
	halvings := len(c.order) / c.params.HalvingInterval
	if halvings >= 64 {
		return 0
	}
	return c.params.InitialBlockReward >> uint(halvings)
}

// ComputeBlockRewardNextBlock returns the coinbase reward allowed in the
// next block, before fees
func (c *Blockchain) ComputeBlockRewardNextBlock() uint64 {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.computeBlockRewardLocked()
}

// ProcessBlock verifies a block against the current head and, if valid,
// appends it to the main chain and applies its transactions to the
// unspent-output set. A rejected block mutates nothing. Verification and
// extension happen atomically with respect to concurrent readers
func (c *Blockchain) ProcessBlock(b *ledger.Block) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	cfg := ledger.VerifyConfig{
		Chain:     lockedView{chain: c},
		Ledger:    c.utxo,
		Pow:       pow.Verifier{},
		TimeGrace: c.params.TimeGrace,
	}
	if err := b.Verify(cfg); err != nil {
		return err
	}
	c.blocks[b.Hash] = b
	c.order = append(c.order, b)
	c.utxo.applyBlock(b)
	c.logger.Debug(
		"accepted block",
		"hash", b.Hash.String(),
		"height", b.Height,
		"transactions", len(b.Transactions),
	)
	return nil
}

// VerifyStandaloneTransaction checks an unconfirmed transaction against
// the unspent-output set of the current head. The exclusion set carries
// other pending transactions whose outputs must be treated as spent
func (c *Blockchain) VerifyStandaloneTransaction(
	tx *ledger.Transaction,
	exclude ledger.TransactionSet,
) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.utxo.VerifyTransaction(tx, exclude)
}

// TransactionFee returns the fee a transaction would pay against the
// unspent-output set of the current head
func (c *Blockchain) TransactionFee(tx *ledger.Transaction) (uint64, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.utxo.TransactionFee(tx)
}

// UTXO returns the unspent-output ledger of the current head
func (c *Blockchain) UTXO() *UTXOSet {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.utxo
}

// Blocks returns a deep copy of the main chain, genesis first. Callers
// own the returned blocks and may mutate them freely
func (c *Blockchain) Blocks() ([]*ledger.Block, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	out := make([]*ledger.Block, 0, len(c.order))
	for _, b := range c.order {
		var tmpBlock ledger.Block
		if err := copier.CopyWithOption(
			&tmpBlock,
			b,
			copier.Option{DeepCopy: true},
		); err != nil {
			return nil, err
		}
		out = append(out, &tmpBlock)
	}
	return out, nil
}
