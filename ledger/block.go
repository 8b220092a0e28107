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

// Package ledger implements the blocks, transactions and consensus
// verification rules of the labchain proof-of-work chain
package ledger

import (
	"encoding"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash"
	"math"
	"time"

	"github.com/spilorenzo/labchain/merkle"
)

// Block is one block of the chain. Hash is the cached header hash as
// received or mined; it is checked against the other header fields during
// verification, never trusted from the wire. ReceivedTime is local metadata
// and excluded from both hashing and the JSON encoding.
//
// Height is the cumulative difficulty of the chain up to and including this
// block, not a block count. Comparing heights compares chain work.
type Block struct {
	Hash           Hash
	PrevBlockHash  Hash
	MerkleRootHash Hash
	Time           time.Time
	Nonce          uint64
	Height         uint64
	Difficulty     uint64
	Transactions   []*Transaction
	ReceivedTime   time.Time
}

// encodeUint turns an unsigned integer into a self-describing byte
// sequence: an 8-byte little-endian length prefix followed by the minimal
// little-endian magnitude bytes. The length must be part of the encoding,
// otherwise e.g. the pairs (0xffff, 0x00) and (0xff, 0xff00) would encode
// identically
func encodeUint(val uint64) []byte {
	magnitude := make([]byte, 0, 8)
	for v := val; v > 0; v >>= 8 {
		magnitude = append(magnitude, byte(v))
	}
	out := make([]byte, 8, 8+len(magnitude))
	binary.LittleEndian.PutUint64(out, uint64(len(magnitude)))
	return append(out, magnitude...)
}

// encodeTime encodes a timestamp as a little-endian float64 of epoch
// seconds for hashing
func encodeTime(t time.Time) []byte {
	seconds := float64(t.UnixNano()) / float64(time.Second)
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, math.Float64bits(seconds))
	return out
}

// partialHasher returns a hasher that has absorbed every header field
// except the nonce
func (b *Block) partialHasher() hash.Hash {
	hasher := NewHasher()
	hasher.Write(b.PrevBlockHash.Bytes())
	hasher.Write(b.MerkleRootHash.Bytes())
	hasher.Write(encodeTime(b.Time))
	hasher.Write(encodeUint(b.Difficulty))
	return hasher
}

// PartialHashState captures the hash state over all header fields except
// the nonce. The proof of work search restores this state per nonce trial
// via FinishHash instead of re-hashing the whole header
func (b *Block) PartialHashState() ([]byte, error) {
	marshaler, ok := b.partialHasher().(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("hasher does not support state capture")
	}
	return marshaler.MarshalBinary()
}

// FinishHash restores a partial hash state, absorbs the given nonce and
// returns the resulting header hash
func FinishHash(state []byte, nonce uint64) (Hash, error) {
	hasher := NewHasher()
	unmarshaler, ok := hasher.(encoding.BinaryUnmarshaler)
	if !ok {
		return Hash{}, fmt.Errorf("hasher does not support state capture")
	}
	if err := unmarshaler.UnmarshalBinary(state); err != nil {
		return Hash{}, fmt.Errorf("restore hash state: %w", err)
	}
	hasher.Write(encodeUint(nonce))
	return NewHash(hasher.Sum(nil)), nil
}

// ComputeHash computes the header hash from the current header fields.
// This is not necessarily the cached hash value received for this block
func (b *Block) ComputeHash() Hash {
	hasher := b.partialHasher()
	hasher.Write(encodeUint(b.Nonce))
	return NewHash(hasher.Sum(nil))
}

// TransactionsMerkleRoot computes the merkle root over the given
// transaction list
func TransactionsMerkleRoot(transactions []*Transaction) Hash {
	leaves := make([][]byte, 0, len(transactions))
	for _, tx := range transactions {
		txId := tx.Id()
		leaves = append(leaves, txId.Bytes())
	}
	return Hash(merkle.RootHash(leaves))
}

// CreateBlock builds the next block on top of the given chain's head. The
// block's difficulty and height come from the chain view, and its time is
// forced to be strictly greater than the parent's, bumped by one
// microsecond if the supplied timestamp would not advance it. The returned
// block carries a zero nonce and hash; the proof of work search fills both
// in
func CreateBlock(
	chain ChainView,
	transactions []*Transaction,
	timestamp time.Time,
) *Block {
	head := chain.Head()
	difficulty := chain.ComputeDifficultyNextBlock()
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	// Block times carry microsecond precision so the float64 hash
	// encoding round-trips faithfully
	timestamp = timestamp.UTC().Truncate(time.Microsecond)
	if !timestamp.After(head.Time) {
		timestamp = head.Time.Add(time.Microsecond)
	}
	return &Block{
		PrevBlockHash:  head.Hash,
		MerkleRootHash: TransactionsMerkleRoot(transactions),
		Time:           timestamp,
		Height:         head.Height + difficulty,
		Difficulty:     difficulty,
		Transactions:   transactions,
	}
}

type blockJson struct {
	Hash           Hash           `json:"hash"`
	PrevBlockHash  Hash           `json:"prev_block_hash"`
	MerkleRootHash Hash           `json:"merkle_root_hash"`
	Time           string         `json:"time"`
	Nonce          uint64         `json:"nonce"`
	Height         uint64         `json:"height"`
	Difficulty     uint64         `json:"difficulty"`
	Transactions   []*Transaction `json:"transactions"`
}

func (b *Block) MarshalJSON() ([]byte, error) {
	tmp := blockJson{
		Hash:           b.Hash,
		PrevBlockHash:  b.PrevBlockHash,
		MerkleRootHash: b.MerkleRootHash,
		Time:           b.Time.UTC().Format(time.RFC3339Nano),
		Nonce:          b.Nonce,
		Height:         b.Height,
		Difficulty:     b.Difficulty,
		Transactions:   b.Transactions,
	}
	if tmp.Transactions == nil {
		tmp.Transactions = []*Transaction{}
	}
	return json.Marshal(&tmp)
}

func (b *Block) UnmarshalJSON(data []byte) error {
	var tmp blockJson
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	blockTime, err := time.Parse(time.RFC3339Nano, tmp.Time)
	if err != nil {
		return fmt.Errorf("invalid block time: %w", err)
	}
	b.Hash = tmp.Hash
	b.PrevBlockHash = tmp.PrevBlockHash
	b.MerkleRootHash = tmp.MerkleRootHash
	b.Time = blockTime.UTC()
	b.Nonce = tmp.Nonce
	b.Height = tmp.Height
	b.Difficulty = tmp.Difficulty
	b.Transactions = tmp.Transactions
	b.ReceivedTime = time.Now()
	return nil
}

func (b *Block) String() string {
	data, err := json.MarshalIndent(b, "", "    ")
	if err != nil {
		return fmt.Sprintf("Block(%s)", b.Hash)
	}
	return string(data)
}
