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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spilorenzo/labchain/ledger"
)

func TestComputeHashMatchesPartialFinish(t *testing.T) {
	b := &ledger.Block{
		PrevBlockHash:  ledger.HashValue([]byte("parent")),
		MerkleRootHash: ledger.HashValue([]byte("merkle")),
		Time:           time.Now().UTC().Truncate(time.Microsecond),
		Nonce:          12345,
		Difficulty:     1024,
	}
	state, err := b.PartialHashState()
	require.NoError(t, err)
	finished, err := ledger.FinishHash(state, b.Nonce)
	require.NoError(t, err)
	assert.Equal(t, b.ComputeHash(), finished)

	// The captured state is reusable across nonce trials
	other, err := ledger.FinishHash(state, b.Nonce+1)
	require.NoError(t, err)
	assert.NotEqual(t, finished, other)
}

func TestHashCoversEveryHeaderField(t *testing.T) {
	base := func() ledger.Block {
		return ledger.Block{
			PrevBlockHash:  ledger.HashValue([]byte("parent")),
			MerkleRootHash: ledger.HashValue([]byte("merkle")),
			Time:           time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC),
			Nonce:          7,
			Difficulty:     1024,
		}
	}
	mutations := map[string]func(*ledger.Block){
		"prev block hash": func(b *ledger.Block) {
			b.PrevBlockHash = ledger.HashValue([]byte("other parent"))
		},
		"merkle root": func(b *ledger.Block) {
			b.MerkleRootHash = ledger.HashValue([]byte("other merkle"))
		},
		"time": func(b *ledger.Block) {
			b.Time = b.Time.Add(time.Microsecond)
		},
		"nonce": func(b *ledger.Block) {
			b.Nonce++
		},
		"difficulty": func(b *ledger.Block) {
			b.Difficulty++
		},
	}
	reference := base()
	referenceHash := reference.ComputeHash()
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			b := base()
			mutate(&b)
			assert.NotEqual(
				t,
				referenceHash,
				b.ComputeHash(),
				"changing the %s must change the hash",
				name,
			)
		})
	}
	// ReceivedTime is local metadata, not part of the hash
	b := base()
	b.ReceivedTime = time.Now()
	assert.Equal(t, referenceHash, b.ComputeHash())
}

func TestGenesisBlock(t *testing.T) {
	genesis := ledger.GenesisBlock
	assert.Equal(t, uint64(0), genesis.Height)
	assert.True(t, genesis.PrevBlockHash.IsZero())
	assert.Equal(t, ledger.GenesisDifficulty, genesis.Difficulty)
	assert.Empty(t, genesis.Transactions)
	assert.Equal(t, genesis.ComputeHash(), genesis.Hash)
	assert.Equal(t, genesis.Hash, ledger.GenesisHash)
	assert.Equal(
		t,
		ledger.TransactionsMerkleRoot(nil),
		genesis.MerkleRootHash,
	)
}

func TestCreateBlock(t *testing.T) {
	chain := newStubChain()
	transactions := []*ledger.Transaction{coinbaseTx(50)}
	at := chain.head.Time.Add(time.Minute)
	b := ledger.CreateBlock(chain, transactions, at)
	assert.Equal(t, chain.head.Hash, b.PrevBlockHash)
	assert.Equal(t, chain.difficulty, b.Difficulty)
	assert.Equal(t, chain.head.Height+chain.difficulty, b.Height)
	assert.Equal(t, at, b.Time)
	assert.Equal(t, ledger.TransactionsMerkleRoot(transactions), b.MerkleRootHash)
	assert.Zero(t, b.Nonce)
	assert.True(t, b.Hash.IsZero(), "unsealed block carries no hash")
}

func TestCreateBlockBumpsNonAdvancingTime(t *testing.T) {
	chain := newStubChain()
	b := ledger.CreateBlock(chain, nil, chain.head.Time)
	assert.Equal(t, chain.head.Time.Add(time.Microsecond), b.Time)

	before := ledger.CreateBlock(chain, nil, chain.head.Time.Add(-time.Hour))
	assert.Equal(t, chain.head.Time.Add(time.Microsecond), before.Time)
}

func TestCreateBlockTruncatesToMicroseconds(t *testing.T) {
	chain := newStubChain()
	at := chain.head.Time.Add(time.Minute).Add(999 * time.Nanosecond)
	b := ledger.CreateBlock(chain, nil, at)
	assert.Equal(t, at.Truncate(time.Microsecond), b.Time)
}

func TestBlockJsonRoundTrip(t *testing.T) {
	chain := newStubChain()
	b := nextBlock(chain, []*ledger.Transaction{coinbaseTx(50)})
	data, err := json.Marshal(b)
	require.NoError(t, err)

	var got ledger.Block
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, b.Hash, got.Hash)
	assert.Equal(t, b.PrevBlockHash, got.PrevBlockHash)
	assert.Equal(t, b.MerkleRootHash, got.MerkleRootHash)
	assert.True(t, b.Time.Equal(got.Time))
	assert.Equal(t, b.Nonce, got.Nonce)
	assert.Equal(t, b.Height, got.Height)
	assert.Equal(t, b.Difficulty, got.Difficulty)
	require.Len(t, got.Transactions, 1)
	assert.Equal(t, b.Transactions[0].Id(), got.Transactions[0].Id())
	assert.False(t, got.ReceivedTime.IsZero())
}

func TestBlockJsonShape(t *testing.T) {
	data, err := json.Marshal(ledger.GenesisBlock)
	require.NoError(t, err)
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, field := range []string{
		"hash",
		"prev_block_hash",
		"merkle_root_hash",
		"time",
		"nonce",
		"height",
		"difficulty",
		"transactions",
	} {
		assert.Contains(t, fields, field)
	}
	assert.NotContains(t, fields, "received_time")
	// Hashes travel hex-encoded, the time as an RFC 3339 string
	assert.JSONEq(
		t,
		`"`+ledger.GenesisHash.String()+`"`,
		string(fields["hash"]),
	)
	var timeString string
	require.NoError(t, json.Unmarshal(fields["time"], &timeString))
	_, err = time.Parse(time.RFC3339Nano, timeString)
	require.NoError(t, err)
}
