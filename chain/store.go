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

package chain

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"log/slog"

	"github.com/fxamacker/cbor/v2"

	"github.com/spilorenzo/labchain/ledger"
)

// Store persists the main chain as a CBOR snapshot file. Loading replays
// every block through full verification, so a corrupted or tampered
// snapshot cannot smuggle invalid blocks into the chain
type Store struct {
	path string
}

// NewStore returns a store backed by the given file path
func NewStore(path string) *Store {
	return &Store{path: path}
}

type storeSnapshot struct {
	GenesisHash []byte       `cbor:"genesis_hash"`
	Blocks      []storeBlock `cbor:"blocks"`
}

type storeBlock struct {
	Hash           []byte             `cbor:"hash"`
	PrevBlockHash  []byte             `cbor:"prev_block_hash"`
	MerkleRootHash []byte             `cbor:"merkle_root_hash"`
	TimeUnixNano   int64              `cbor:"time"`
	Nonce          uint64             `cbor:"nonce"`
	Height         uint64             `cbor:"height"`
	Difficulty     uint64             `cbor:"difficulty"`
	Transactions   []storeTransaction `cbor:"transactions"`
}

type storeTransaction struct {
	Inputs         []storeInput  `cbor:"inputs"`
	Targets        []storeTarget `cbor:"targets"`
	CoinbaseHeight uint64        `cbor:"coinbase_height,omitempty"`
}

type storeInput struct {
	TransactionHash []byte `cbor:"transaction_hash"`
	OutputIndex     uint32 `cbor:"output_index"`
	PublicKey       []byte `cbor:"public_key"`
	Signature       []byte `cbor:"signature"`
}

type storeTarget struct {
	Address string `cbor:"address"`
	Amount  uint64 `cbor:"amount"`
}

func toStoreBlock(b *ledger.Block) storeBlock {
	out := storeBlock{
		Hash:           b.Hash.Bytes(),
		PrevBlockHash:  b.PrevBlockHash.Bytes(),
		MerkleRootHash: b.MerkleRootHash.Bytes(),
		TimeUnixNano:   b.Time.UnixNano(),
		Nonce:          b.Nonce,
		Height:         b.Height,
		Difficulty:     b.Difficulty,
	}
	for _, tx := range b.Transactions {
		tmpTx := storeTransaction{CoinbaseHeight: tx.CoinbaseHeight}
		for _, input := range tx.Inputs {
			tmpTx.Inputs = append(tmpTx.Inputs, storeInput{
				TransactionHash: input.TransactionHash.Bytes(),
				OutputIndex:     input.OutputIndex,
				PublicKey:       input.PublicKey,
				Signature:       input.Signature,
			})
		}
		for _, target := range tx.Targets {
			tmpTx.Targets = append(tmpTx.Targets, storeTarget{
				Address: target.Address,
				Amount:  target.Amount,
			})
		}
		out.Transactions = append(out.Transactions, tmpTx)
	}
	return out
}

func (sb storeBlock) toLedgerBlock() *ledger.Block {
	b := &ledger.Block{
		Hash:           ledger.NewHash(sb.Hash),
		PrevBlockHash:  ledger.NewHash(sb.PrevBlockHash),
		MerkleRootHash: ledger.NewHash(sb.MerkleRootHash),
		Time:           time.Unix(0, sb.TimeUnixNano).UTC(),
		Nonce:          sb.Nonce,
		Height:         sb.Height,
		Difficulty:     sb.Difficulty,
		Transactions:   []*ledger.Transaction{},
		ReceivedTime:   time.Now(),
	}
	for _, tmpTx := range sb.Transactions {
		tx := &ledger.Transaction{CoinbaseHeight: tmpTx.CoinbaseHeight}
		for _, input := range tmpTx.Inputs {
			tx.Inputs = append(tx.Inputs, ledger.TransactionInput{
				TransactionHash: ledger.NewHash(input.TransactionHash),
				OutputIndex:     input.OutputIndex,
				PublicKey:       input.PublicKey,
				Signature:       input.Signature,
			})
		}
		for _, target := range tmpTx.Targets {
			tx.Targets = append(tx.Targets, ledger.TransactionTarget{
				Address: target.Address,
				Amount:  target.Amount,
			})
		}
		b.Transactions = append(b.Transactions, tx)
	}
	return b
}

// Save writes the current main chain to the store's snapshot file. The
// write goes through a temp file and rename so a crash cannot leave a
// truncated snapshot
func (s *Store) Save(c *Blockchain) error {
	blocks, err := c.Blocks()
	if err != nil {
		return err
	}
	snap := storeSnapshot{
		GenesisHash: ledger.GenesisHash.Bytes(),
	}
	for _, b := range blocks {
		snap.Blocks = append(snap.Blocks, toStoreBlock(b))
	}
	data, err := cbor.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("encode chain snapshot: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}

// Load rebuilds a chain from the snapshot file. A missing file yields a
// fresh chain containing only genesis. Every stored block beyond genesis
// is replayed through ProcessBlock and full verification
func (s *Store) Load(params Params, logger *slog.Logger) (*Blockchain, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(params, logger), nil
	}
	if err != nil {
		return nil, err
	}
	var snap storeSnapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode chain snapshot: %w", err)
	}
	if ledger.NewHash(snap.GenesisHash) != ledger.GenesisHash {
		return nil, fmt.Errorf("snapshot is for a different genesis block")
	}
	if len(snap.Blocks) == 0 {
		return nil, fmt.Errorf("snapshot contains no blocks")
	}
	if ledger.NewHash(snap.Blocks[0].Hash) != ledger.GenesisHash {
		return nil, fmt.Errorf("snapshot does not start at genesis")
	}
	c := New(params, logger)
	for _, sb := range snap.Blocks[1:] {
		b := sb.toLedgerBlock()
		if err := c.ProcessBlock(b); err != nil {
			return nil, fmt.Errorf("snapshot block %s: %w", b.Hash, err)
		}
	}
	return c, nil
}
