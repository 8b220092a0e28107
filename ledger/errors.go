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

import "errors"

// Consensus violations. A block failing any of these checks is rejected,
// but the peer that sent it is not considered faulty
var (
	ErrBadMerkleRoot     = errors.New("merkle root does not match transactions")
	ErrBadHeaderHash     = errors.New("cached hash does not match header contents")
	ErrBadProofOfWork    = errors.New("header hash does not satisfy proof of work")
	ErrBadPrevBlock      = errors.New("previous block hash does not match chain head")
	ErrBadDifficulty     = errors.New("difficulty does not match expected next difficulty")
	ErrBadHeight         = errors.New("height does not match head height plus difficulty")
	ErrMultipleCoinbase  = errors.New("block contains more than one coinbase transaction")
	ErrAmountOverflow    = errors.New("value sum overflows the amount range")
	ErrOversizedCoinbase = errors.New("coinbase output exceeds fees plus block reward")
	ErrTimeTooFarAhead   = errors.New("block time is too far in the future")
	ErrTimeBeforeParent  = errors.New("block time is not after parent block time")
	ErrNotGenesis        = errors.New("height 0 is reserved for the genesis block")
)

// Precondition violations. These indicate caller bugs rather than invalid
// data from the network
var (
	// ErrBlockKnown is returned when verifying a block whose hash the
	// chain already contains
	ErrBlockKnown = errors.New("block is already known to the chain")
	// ErrMissingPrevBlock is returned when the predecessor of a block
	// cannot be resolved. Callers must only verify blocks whose chain
	// linkage is resolvable
	ErrMissingPrevBlock = errors.New("previous block not found in chain")
)
