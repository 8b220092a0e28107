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

import "time"

// GenesisDifficulty is the difficulty of the genesis block and the
// starting point for difficulty retargeting
const GenesisDifficulty uint64 = 1024

// genesisTime is the fixed creation time of the genesis block
var genesisTime = time.Date(2017, 3, 3, 10, 35, 26, 922898000, time.UTC)

// GenesisBlock is the fixed first block of the chain. Its predecessor is
// the zero-hash sentinel and height 0 is reserved exclusively for it
var GenesisBlock = newGenesisBlock()

// GenesisHash is the header hash of the genesis block. Every node must
// agree on this value
var GenesisHash = GenesisBlock.Hash

func newGenesisBlock() *Block {
	b := &Block{
		PrevBlockHash:  Hash{},
		MerkleRootHash: TransactionsMerkleRoot(nil),
		Time:           genesisTime,
		Nonce:          0,
		Height:         0,
		Difficulty:     GenesisDifficulty,
		Transactions:   []*Transaction{},
	}
	b.Hash = b.ComputeHash()
	return b
}
