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

// Package pow implements the proof-of-work target check and the nonce
// search that seals new blocks
package pow

import (
	"context"
	"math/big"

	"github.com/spilorenzo/labchain/ledger"
)

// ctxCheckInterval is how many nonce trials run between context
// cancellation checks
const ctxCheckInterval = 4096

// maxTarget is the largest possible 256-bit hash value, the work target
// at difficulty 1
var maxTarget = new(big.Int).Sub(
	new(big.Int).Lsh(big.NewInt(1), 8*ledger.HashSize),
	big.NewInt(1),
)

// VerifyHash reports whether a header hash satisfies the work target for
// the given difficulty: the hash interpreted as a big-endian integer,
// multiplied by the difficulty, must not exceed the maximum hash value
func VerifyHash(h ledger.Hash, difficulty uint64) bool {
	if difficulty == 0 {
		return false
	}
	val := new(big.Int).SetBytes(h.Bytes())
	val.Mul(val, new(big.Int).SetUint64(difficulty))
	return val.Cmp(maxTarget) <= 0
}

// Verifier implements ledger.ProofOfWorkVerifier
type Verifier struct{}

// VerifyProofOfWork checks a block's cached header hash against the work
// target encoded by its difficulty
func (Verifier) VerifyProofOfWork(b *ledger.Block) bool {
	return VerifyHash(b.Hash, b.Difficulty)
}

// Mine searches for a nonce whose header hash satisfies the block's
// difficulty and seals the block with it. The hash state over the
// nonce-less header is captured once and restored per trial, so each
// attempt only absorbs the nonce. Returns the context error if cancelled
// before a nonce is found
func Mine(ctx context.Context, b *ledger.Block) error {
	state, err := b.PartialHashState()
	if err != nil {
		return err
	}
	for nonce := uint64(0); ; nonce++ {
		if nonce%ctxCheckInterval == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		h, err := ledger.FinishHash(state, nonce)
		if err != nil {
			return err
		}
		if VerifyHash(h, b.Difficulty) {
			b.Nonce = nonce
			b.Hash = h
			return nil
		}
	}
}
