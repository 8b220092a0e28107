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

package labchain

import (
	"log/slog"
	"time"

	"github.com/spilorenzo/labchain/ledger"
)

// NodeOptionFunc is a type representing functional options for a Node
type NodeOptionFunc func(*Node)

// WithNodeNetwork specifies the network the node participates in
func WithNodeNetwork(network Network) NodeOptionFunc {
	return func(n *Node) {
		n.network = network
	}
}

// WithNodeListenAddress specifies the TCP address to listen on, in
// "host:port" form. Port 0 selects an ephemeral port, which then becomes
// the advertised port
func WithNodeListenAddress(address string) NodeOptionFunc {
	return func(n *Node) {
		n.listenAddress = address
	}
}

// WithNodeMaxPeers specifies the cap on concurrent peer connections
func WithNodeMaxPeers(maxPeers int) NodeOptionFunc {
	return func(n *Node) {
		n.maxPeers = maxPeers
	}
}

// WithNodeIOTimeout specifies the per-operation read/write deadline used
// on peer connections
func WithNodeIOTimeout(timeout time.Duration) NodeOptionFunc {
	return func(n *Node) {
		n.ioTimeout = timeout
	}
}

// WithNodeDialTimeout specifies the timeout for outbound connection
// attempts
func WithNodeDialTimeout(timeout time.Duration) NodeOptionFunc {
	return func(n *Node) {
		n.dialTimeout = timeout
	}
}

// WithNodeHandshakeTimeout specifies the deadline for the token exchange
// on new connections
func WithNodeHandshakeTimeout(timeout time.Duration) NodeOptionFunc {
	return func(n *Node) {
		n.handshakeTimeout = timeout
	}
}

// WithNodeLogger specifies the slog.Logger to use
func WithNodeLogger(logger *slog.Logger) NodeOptionFunc {
	return func(n *Node) {
		n.logger = logger
	}
}

// WithNodeBootstrapPeers specifies peer addresses to connect to at
// startup
func WithNodeBootstrapPeers(addresses ...string) NodeOptionFunc {
	return func(n *Node) {
		n.bootstrapPeers = append(n.bootstrapPeers, addresses...)
	}
}

// WithNodeTopology specifies bootstrap peers from a topology config
func WithNodeTopology(topology *TopologyConfig) NodeOptionFunc {
	return func(n *Node) {
		for _, peer := range topology.BootstrapPeers {
			n.bootstrapPeers = append(n.bootstrapPeers, peer.HostPort())
		}
	}
}

// WithNodePrimaryBlock specifies the initial primary block advertised to
// new peers. Defaults to the genesis block
func WithNodePrimaryBlock(block *ledger.Block) NodeOptionFunc {
	return func(n *Node) {
		n.primaryBlock = block
	}
}

// WithNodeBlockReceivedFunc registers a callback for received blocks. May
// be given multiple times; callbacks run in registration order
func WithNodeBlockReceivedFunc(handler BlockReceivedFunc) NodeOptionFunc {
	return func(n *Node) {
		n.blockReceivedFuncs = append(n.blockReceivedFuncs, handler)
	}
}

// WithNodeTransactionReceivedFunc registers a callback for received
// standalone transactions
func WithNodeTransactionReceivedFunc(
	handler TransactionReceivedFunc,
) NodeOptionFunc {
	return func(n *Node) {
		n.transactionReceivedFuncs = append(
			n.transactionReceivedFuncs,
			handler,
		)
	}
}

// WithNodeBlockRequestFunc registers a provider for answering peers'
// block requests. Providers are tried in registration order until one
// returns a block
func WithNodeBlockRequestFunc(provider BlockRequestFunc) NodeOptionFunc {
	return func(n *Node) {
		n.blockRequestFuncs = append(n.blockRequestFuncs, provider)
	}
}
