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

package ledger_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spilorenzo/labchain/ledger"
)

// stubChain is a minimal ledger.ChainView for verification tests
type stubChain struct {
	head       *ledger.Block
	blocks     map[ledger.Hash]*ledger.Block
	difficulty uint64
	reward     uint64
}

func newStubChain() *stubChain {
	genesis := ledger.GenesisBlock
	return &stubChain{
		head:       genesis,
		blocks:     map[ledger.Hash]*ledger.Block{genesis.Hash: genesis},
		difficulty: ledger.GenesisDifficulty,
		reward:     50,
	}
}

func (s *stubChain) Head() *ledger.Block { return s.head }

func (s *stubChain) GetBlockByHash(h ledger.Hash) *ledger.Block {
	return s.blocks[h]
}

func (s *stubChain) Contains(h ledger.Hash) bool {
	_, ok := s.blocks[h]
	return ok
}

func (s *stubChain) ComputeDifficultyNextBlock() uint64  { return s.difficulty }
func (s *stubChain) ComputeBlockRewardNextBlock() uint64 { return s.reward }

var errLedgerReject = errors.New("transaction rejected")

// stubLedger accepts every transaction and charges a flat fee per
// non-coinbase transaction; rejectAll flips it to refusing everything
type stubLedger struct {
	feePerTx  uint64
	rejectAll bool
}

func (s stubLedger) VerifyTransaction(
	tx *ledger.Transaction,
	exclude ledger.TransactionSet,
) error {
	if s.rejectAll {
		return errLedgerReject
	}
	return nil
}

func (s stubLedger) TransactionFee(tx *ledger.Transaction) (uint64, error) {
	if tx.IsCoinbase() {
		return 0, nil
	}
	return s.feePerTx, nil
}

type acceptAllPow struct{}

func (acceptAllPow) VerifyProofOfWork(*ledger.Block) bool { return true }

type rejectAllPow struct{}

func (rejectAllPow) VerifyProofOfWork(*ledger.Block) bool { return false }

func verifyConfig(chain *stubChain) ledger.VerifyConfig {
	return ledger.VerifyConfig{
		Chain:  chain,
		Ledger: stubLedger{},
		Pow:    acceptAllPow{},
	}
}

func coinbaseTx(amount uint64) *ledger.Transaction {
	return &ledger.Transaction{
		Targets: []ledger.TransactionTarget{
			{Address: "miner address", Amount: amount},
		},
	}
}

// nextBlock builds a block extending the stub chain's head, with its
// cached hash consistent with the header
func nextBlock(
	chain *stubChain,
	transactions []*ledger.Transaction,
) *ledger.Block {
	b := ledger.CreateBlock(
		chain,
		transactions,
		chain.head.Time.Add(time.Second),
	)
	b.Hash = b.ComputeHash()
	return b
}

// reseal recomputes the cached hash after a header field was changed
func reseal(b *ledger.Block) {
	b.Hash = b.ComputeHash()
}

func TestVerifyValidBlock(t *testing.T) {
	chain := newStubChain()
	b := nextBlock(chain, []*ledger.Transaction{coinbaseTx(50)})
	require.NoError(t, b.Verify(verifyConfig(chain)))
}

func TestVerifyKnownBlock(t *testing.T) {
	chain := newStubChain()
	b := nextBlock(chain, []*ledger.Transaction{coinbaseTx(50)})
	chain.blocks[b.Hash] = b
	err := b.Verify(verifyConfig(chain))
	require.ErrorIs(t, err, ledger.ErrBlockKnown)
}

func TestVerifyGenesis(t *testing.T) {
	chain := newStubChain()
	delete(chain.blocks, ledger.GenesisHash)
	require.NoError(t, ledger.GenesisBlock.Verify(verifyConfig(chain)))
}

func TestVerifyHeightZeroReservedForGenesis(t *testing.T) {
	chain := newStubChain()
	b := nextBlock(chain, nil)
	b.Height = 0
	reseal(b)
	err := b.Verify(verifyConfig(chain))
	require.ErrorIs(t, err, ledger.ErrNotGenesis)
}

func TestVerifyBadMerkleRoot(t *testing.T) {
	chain := newStubChain()
	b := nextBlock(chain, []*ledger.Transaction{coinbaseTx(50)})
	b.MerkleRootHash = ledger.HashValue([]byte("unrelated"))
	reseal(b)
	err := b.Verify(verifyConfig(chain))
	require.ErrorIs(t, err, ledger.ErrBadMerkleRoot)
}

func TestVerifyMerkleMismatchAfterTamperedTransactions(t *testing.T) {
	chain := newStubChain()
	b := nextBlock(chain, []*ledger.Transaction{coinbaseTx(50)})
	// The merkle root was computed over the original transaction list
	b.Transactions = append(b.Transactions, coinbaseTx(1))
	reseal(b)
	err := b.Verify(verifyConfig(chain))
	require.ErrorIs(t, err, ledger.ErrBadMerkleRoot)
}

func TestVerifyTamperedHeaderHash(t *testing.T) {
	chain := newStubChain()
	b := nextBlock(chain, []*ledger.Transaction{coinbaseTx(50)})
	b.Nonce++
	err := b.Verify(verifyConfig(chain))
	require.ErrorIs(t, err, ledger.ErrBadHeaderHash)
}

func TestVerifyBadProofOfWork(t *testing.T) {
	chain := newStubChain()
	b := nextBlock(chain, []*ledger.Transaction{coinbaseTx(50)})
	cfg := verifyConfig(chain)
	cfg.Pow = rejectAllPow{}
	err := b.Verify(cfg)
	require.ErrorIs(t, err, ledger.ErrBadProofOfWork)
}

func TestVerifyBadPrevBlock(t *testing.T) {
	chain := newStubChain()
	b := nextBlock(chain, []*ledger.Transaction{coinbaseTx(50)})
	b.PrevBlockHash = ledger.HashValue([]byte("some other block"))
	reseal(b)
	err := b.Verify(verifyConfig(chain))
	require.ErrorIs(t, err, ledger.ErrBadPrevBlock)
}

func TestVerifyBadDifficulty(t *testing.T) {
	chain := newStubChain()
	b := nextBlock(chain, []*ledger.Transaction{coinbaseTx(50)})
	b.Difficulty++
	b.Height++
	reseal(b)
	err := b.Verify(verifyConfig(chain))
	require.ErrorIs(t, err, ledger.ErrBadDifficulty)
}

func TestVerifyBadHeight(t *testing.T) {
	chain := newStubChain()
	b := nextBlock(chain, []*ledger.Transaction{coinbaseTx(50)})
	b.Height++
	reseal(b)
	err := b.Verify(verifyConfig(chain))
	require.ErrorIs(t, err, ledger.ErrBadHeight)
}

func TestVerifyMultipleCoinbase(t *testing.T) {
	chain := newStubChain()
	b := nextBlock(chain, []*ledger.Transaction{coinbaseTx(25), coinbaseTx(24)})
	err := b.Verify(verifyConfig(chain))
	require.ErrorIs(t, err, ledger.ErrMultipleCoinbase)
}

func TestVerifyOversizedCoinbase(t *testing.T) {
	chain := newStubChain()
	b := nextBlock(chain, []*ledger.Transaction{coinbaseTx(chain.reward + 1)})
	err := b.Verify(verifyConfig(chain))
	require.ErrorIs(t, err, ledger.ErrOversizedCoinbase)
}

func TestVerifyWrappedCoinbaseOutput(t *testing.T) {
	chain := newStubChain()
	// The target amounts wrap to zero under plain uint64 addition, which
	// would slip under the fees-plus-reward bound
	coinbase := &ledger.Transaction{
		Targets: []ledger.TransactionTarget{
			{Address: "miner address", Amount: 1 << 63},
			{Address: "miner address", Amount: 1 << 63},
		},
	}
	b := nextBlock(chain, []*ledger.Transaction{coinbase})
	err := b.Verify(verifyConfig(chain))
	require.ErrorIs(t, err, ledger.ErrAmountOverflow)
}

func TestVerifyCoinbaseCollectsFees(t *testing.T) {
	chain := newStubChain()
	spend := &ledger.Transaction{
		Inputs: []ledger.TransactionInput{
			{TransactionHash: ledger.HashValue([]byte("prior")), OutputIndex: 0},
		},
		Targets: []ledger.TransactionTarget{{Address: "addr", Amount: 10}},
	}
	b := nextBlock(chain, []*ledger.Transaction{coinbaseTx(chain.reward + 7), spend})
	cfg := verifyConfig(chain)
	cfg.Ledger = stubLedger{feePerTx: 7}
	require.NoError(t, b.Verify(cfg))

	// One unit above fees plus reward crosses the bound
	over := nextBlock(chain, []*ledger.Transaction{coinbaseTx(chain.reward + 8), spend})
	err := over.Verify(cfg)
	require.ErrorIs(t, err, ledger.ErrOversizedCoinbase)
}

func TestVerifyRejectedTransaction(t *testing.T) {
	chain := newStubChain()
	b := nextBlock(chain, []*ledger.Transaction{coinbaseTx(50)})
	cfg := verifyConfig(chain)
	cfg.Ledger = stubLedger{rejectAll: true}
	err := b.Verify(cfg)
	require.ErrorIs(t, err, errLedgerReject)
}

func TestVerifyTimeTooFarAhead(t *testing.T) {
	chain := newStubChain()
	now := chain.head.Time.Add(time.Hour)
	b := nextBlock(chain, []*ledger.Transaction{coinbaseTx(50)})
	b.Time = now.Add(3 * time.Hour)
	reseal(b)
	cfg := verifyConfig(chain)
	cfg.Now = func() time.Time { return now }
	err := b.Verify(cfg)
	require.ErrorIs(t, err, ledger.ErrTimeTooFarAhead)

	// Within the two-hour grace window the same block passes
	b.Time = now.Add(time.Hour)
	reseal(b)
	require.NoError(t, b.Verify(cfg))
}

func TestVerifyTimeBeforeParent(t *testing.T) {
	chain := newStubChain()
	b := nextBlock(chain, []*ledger.Transaction{coinbaseTx(50)})
	b.Time = chain.head.Time
	reseal(b)
	err := b.Verify(verifyConfig(chain))
	require.ErrorIs(t, err, ledger.ErrTimeBeforeParent)
}

func TestVerifyMissingParentIsPreconditionViolation(t *testing.T) {
	chain := newStubChain()
	b := nextBlock(chain, []*ledger.Transaction{coinbaseTx(50)})
	// The head is still genesis but the lookup no longer resolves it
	delete(chain.blocks, ledger.GenesisHash)
	err := b.Verify(verifyConfig(chain))
	require.ErrorIs(t, err, ledger.ErrMissingPrevBlock)
}

func TestVerifyRejectionOrder(t *testing.T) {
	// A block failing several checks reports the first one
	chain := newStubChain()
	b := nextBlock(chain, []*ledger.Transaction{coinbaseTx(50)})
	b.MerkleRootHash = ledger.HashValue([]byte("bad"))
	b.PrevBlockHash = ledger.HashValue([]byte("also bad"))
	err := b.Verify(verifyConfig(chain))
	assert.ErrorIs(t, err, ledger.ErrBadMerkleRoot)
}
