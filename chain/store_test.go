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

package chain_test

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spilorenzo/labchain/chain"
	"github.com/spilorenzo/labchain/ledger"
)

func TestStoreLoadMissingFileYieldsFreshChain(t *testing.T) {
	store := chain.NewStore(filepath.Join(t.TempDir(), "chain.cbor"))
	bc, err := store.Load(chain.DefaultParams(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, bc.BlockCount())
	assert.Equal(t, ledger.GenesisHash, bc.Head().Hash)
}

func TestStoreRoundTrip(t *testing.T) {
	params := chain.DefaultParams()
	bc := chain.New(params, nil)
	key := generateKey(t)
	minerAddress := ledger.AddressFromPublicKey(
		key.Public().(ed25519.PublicKey),
	)
	reward := bc.ComputeBlockRewardNextBlock()

	mint := coinbaseTx(minerAddress, reward)
	mint.CoinbaseHeight = bc.Head().Height + bc.ComputeDifficultyNextBlock()
	b1 := mineNext(t, bc, []*ledger.Transaction{mint}, time.Now())
	require.NoError(t, bc.ProcessBlock(b1))

	spend := &ledger.Transaction{
		Inputs: []ledger.TransactionInput{
			{TransactionHash: mint.Id(), OutputIndex: 0},
		},
		Targets: []ledger.TransactionTarget{
			{Address: "recipient", Amount: reward},
		},
	}
	spend.Sign(key)
	b2 := mineNext(t, bc, []*ledger.Transaction{spend}, time.Now())
	require.NoError(t, bc.ProcessBlock(b2))

	store := chain.NewStore(filepath.Join(t.TempDir(), "chain.cbor"))
	require.NoError(t, store.Save(bc))

	// Loading replays every block through full verification
	loaded, err := store.Load(params, nil)
	require.NoError(t, err)
	assert.Equal(t, bc.BlockCount(), loaded.BlockCount())
	assert.Equal(t, bc.Head().Hash, loaded.Head().Hash)
	assert.Equal(t, bc.Head().Height, loaded.Head().Height)
	assert.Equal(t, bc.UTXO().Size(), loaded.UTXO().Size())
	_, ok := loaded.UTXO().Lookup(
		chain.Outpoint{TransactionHash: spend.Id()},
	)
	assert.True(t, ok)
}

func TestStoreSaveOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chain.cbor")
	store := chain.NewStore(path)
	bc := chain.New(chain.DefaultParams(), nil)
	require.NoError(t, store.Save(bc))

	b := mineNext(t, bc, nil, time.Now())
	require.NoError(t, bc.ProcessBlock(b))
	require.NoError(t, store.Save(bc))

	// No temp file left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "chain.cbor", entries[0].Name())

	loaded, err := store.Load(chain.DefaultParams(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.BlockCount())
}

func TestStoreLoadRejectsTamperedSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.cbor")
	store := chain.NewStore(path)
	bc := chain.New(chain.DefaultParams(), nil)
	b := mineNext(t, bc, nil, time.Now())
	require.NoError(t, bc.ProcessBlock(b))
	require.NoError(t, store.Save(bc))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a byte near the end, inside the stored blocks
	data[len(data)-3] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = store.Load(chain.DefaultParams(), nil)
	require.Error(t, err)
}

func TestStoreLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.cbor")
	require.NoError(t, os.WriteFile(path, []byte("not cbor at all"), 0o644))
	_, err := chain.NewStore(path).Load(chain.DefaultParams(), nil)
	require.Error(t, err)
}
