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

package ledger

import (
	"fmt"
	"time"
)

// DefaultTimeGrace is how far a block's time may run ahead of the local
// clock before the block is rejected
const DefaultTimeGrace = 2 * time.Hour

// ChainView exposes the chain state block verification runs against. Only
// direct linear extension of the current head is accepted at this layer,
// so the view is always consulted for the head and the parameters of the
// next block
type ChainView interface {
	Head() *Block
	GetBlockByHash(Hash) *Block
	Contains(Hash) bool
	ComputeDifficultyNextBlock() uint64
	ComputeBlockRewardNextBlock() uint64
}

// TransactionLedger resolves and verifies transaction spends. The exclude
// set carries transactions that must be treated as concurrently spent,
// used to catch double-spends within a single block
type TransactionLedger interface {
	VerifyTransaction(tx *Transaction, exclude TransactionSet) error
	TransactionFee(tx *Transaction) (uint64, error)
}

// ProofOfWorkVerifier checks that a block's header hash satisfies the work
// target encoded by its difficulty
type ProofOfWorkVerifier interface {
	VerifyProofOfWork(*Block) bool
}

// VerifyConfig carries the collaborators block verification needs. Chain,
// Ledger and Pow are required; TimeGrace and Now default to
// DefaultTimeGrace and time.Now
type VerifyConfig struct {
	Chain     ChainView
	Ledger    TransactionLedger
	Pow       ProofOfWorkVerifier
	TimeGrace time.Duration
	Now       func() time.Time
}

func (cfg *VerifyConfig) timeGrace() time.Duration {
	if cfg.TimeGrace == 0 {
		return DefaultTimeGrace
	}
	return cfg.TimeGrace
}

func (cfg *VerifyConfig) now() time.Time {
	if cfg.Now == nil {
		return time.Now()
	}
	return cfg.Now()
}

// Verify checks that the block is a valid direct extension of the chain
// view's current head. Checks short-circuit on the first failure and a
// rejected block is rejected as a whole.
//
// Verifying a block the chain already contains is a caller error and
// returns ErrBlockKnown. Height 0 is valid only for the genesis block
// itself
func (b *Block) Verify(cfg VerifyConfig) error {
	if cfg.Chain.Contains(b.Hash) {
		return ErrBlockKnown
	}
	if b.Height == 0 {
		if b.Hash == GenesisHash {
			return nil
		}
		return ErrNotGenesis
	}
	if err := b.verifyMerkle(); err != nil {
		return err
	}
	if err := b.verifyDifficulty(cfg); err != nil {
		return err
	}
	if err := b.verifyPrevBlock(cfg); err != nil {
		return err
	}
	if err := b.verifyTransactions(cfg); err != nil {
		return err
	}
	return b.verifyTime(cfg)
}

// verifyMerkle recomputes the merkle root over the block's transactions
func (b *Block) verifyMerkle() error {
	if TransactionsMerkleRoot(b.Transactions) != b.MerkleRootHash {
		return ErrBadMerkleRoot
	}
	return nil
}

// verifyDifficulty checks the cached hash against the header fields and
// the proof-of-work target. The genesis hash passes unconditionally
func (b *Block) verifyDifficulty(cfg VerifyConfig) error {
	if b.Hash == GenesisHash {
		return nil
	}
	if b.Hash != b.ComputeHash() {
		return ErrBadHeaderHash
	}
	if !cfg.Pow.VerifyProofOfWork(b) {
		return ErrBadProofOfWork
	}
	return nil
}

// verifyPrevBlock checks that the block directly extends the current head
// with the expected difficulty and cumulative height
func (b *Block) verifyPrevBlock(cfg VerifyConfig) error {
	head := cfg.Chain.Head()
	if b.PrevBlockHash != head.Hash {
		return ErrBadPrevBlock
	}
	if b.Difficulty != cfg.Chain.ComputeDifficultyNextBlock() {
		return ErrBadDifficulty
	}
	if b.Height != head.Height+b.Difficulty {
		return ErrBadHeight
	}
	return nil
}

// verifyTransactions checks every transaction against the ledger with the
// other transactions of the block as the concurrently-spent set, admits at
// most one coinbase transaction and bounds its total output by the
// collected fees plus the next block reward
func (b *Block) verifyTransactions(cfg VerifyConfig) error {
	blockSet := NewTransactionSet(b.Transactions...)
	var coinbase *Transaction
	var totalFees uint64
	for _, tx := range b.Transactions {
		if tx.IsCoinbase() {
			if coinbase != nil {
				return ErrMultipleCoinbase
			}
			coinbase = tx
		}
		if err := cfg.Ledger.VerifyTransaction(tx, blockSet.Without(tx.Id())); err != nil {
			return fmt.Errorf("invalid transaction %s: %w", tx.Id(), err)
		}
		fee, err := cfg.Ledger.TransactionFee(tx)
		if err != nil {
			return fmt.Errorf("transaction fee for %s: %w", tx.Id(), err)
		}
		if totalFees, err = AddAmounts(totalFees, fee); err != nil {
			return fmt.Errorf("total fees: %w", err)
		}
	}
	if coinbase != nil {
		payout, err := coinbase.TotalOutput()
		if err != nil {
			return fmt.Errorf("coinbase output: %w", err)
		}
		budget, err := AddAmounts(
			totalFees,
			cfg.Chain.ComputeBlockRewardNextBlock(),
		)
		if err != nil {
			return fmt.Errorf("coinbase budget: %w", err)
		}
		if payout > budget {
			return ErrOversizedCoinbase
		}
	}
	return nil
}

// verifyTime checks the block time against the local clock's grace window
// and the parent block's time
func (b *Block) verifyTime(cfg VerifyConfig) error {
	if b.Time.After(cfg.now().Add(cfg.timeGrace())) {
		return ErrTimeTooFarAhead
	}
	parent := cfg.Chain.GetBlockByHash(b.PrevBlockHash)
	if parent == nil {
		return ErrMissingPrevBlock
	}
	if !b.Time.After(parent.Time) {
		return ErrTimeBeforeParent
	}
	return nil
}
