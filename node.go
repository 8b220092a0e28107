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

// Package labchain implements the peer-to-peer layer of a minimal
// proof-of-work cryptocurrency node.
//
// A Node owns a bounded table of peer Connections, accepts inbound
// connections, dispatches received messages to registered callbacks and
// broadcasts blocks and transactions to every connected peer. Each
// Connection handles the handshake and framed messaging with one remote
// node.
//
// This package is the main entry point into this library. The other
// packages can be used outside of this one, but it's not a primary design
// goal.
package labchain

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jinzhu/copier"

	"github.com/spilorenzo/labchain/ledger"
	"github.com/spilorenzo/labchain/wire"
)

// DefaultMaxPeers is the default cap on concurrent peer connections
const DefaultMaxPeers = 10

// DefaultListenAddress is the default TCP listen address
const DefaultListenAddress = ":7764"

// ErrTooManyPeers is returned when the peer connection cap is reached
var ErrTooManyPeers = errors.New("peer connection limit reached")

// Callback function types
type (
	// BlockReceivedFunc is called for every block received from a peer or
	// broadcast locally
	BlockReceivedFunc func(*ledger.Block)
	// TransactionReceivedFunc is called for every standalone transaction
	// received from a peer
	TransactionReceivedFunc func(*ledger.Transaction)
	// BlockRequestFunc answers a peer's block request; returning nil
	// passes the request to the next registered provider
	BlockRequestFunc func(ledger.Hash) *ledger.Block
)

// Node manages connections to our peers: it owns the listener and the
// bounded peer table, routes received messages to registered callbacks
// and exposes broadcast and request operations to the rest of the node.
//
// The peer table is mutated from the accept path, from outbound connects
// and from every connection's teardown path; all mutations go through one
// mutex, and the cap check is atomic with the append
type Node struct {
	network          Network
	listenAddress    string
	advertisedPort   uint16
	maxPeers         int
	ioTimeout        time.Duration
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	logger           *slog.Logger
	bootstrapPeers   []string

	blockReceivedFuncs       []BlockReceivedFunc
	transactionReceivedFuncs []TransactionReceivedFunc
	blockRequestFuncs        []BlockRequestFunc

	listener   net.Listener
	peersMutex sync.Mutex
	peers      []*Connection

	primaryMutex sync.RWMutex
	primaryBlock *ledger.Block

	doneChan     chan struct{}
	onceShutdown sync.Once
	waitGroup    sync.WaitGroup
}

// NewNode returns a new Node with the specified options. Nothing runs
// until Start is called
func NewNode(options ...NodeOptionFunc) (*Node, error) {
	n := &Node{
		network:          NetworkMainnet,
		listenAddress:    DefaultListenAddress,
		maxPeers:         DefaultMaxPeers,
		ioTimeout:        DefaultIOTimeout,
		dialTimeout:      DefaultDialTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		primaryBlock:     ledger.GenesisBlock,
		doneChan:         make(chan struct{}),
	}
	for _, option := range options {
		option(n)
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	if n.maxPeers <= 0 {
		return nil, errors.New("peer cap must be positive")
	}
	if len(n.network.HandshakeToken) != HandshakeTokenSize {
		return nil, errors.New("network has no valid handshake token")
	}
	return n, nil
}

// Start opens the listening socket, begins accepting inbound connections
// and connects to the configured bootstrap peers
func (n *Node) Start() error {
	listener, err := net.Listen("tcp", n.listenAddress)
	if err != nil {
		return err
	}
	n.listener = listener
	// advertisedPort is written exactly once here, before any connection
	// exists
	if n.advertisedPort == 0 {
		if addr, ok := listener.Addr().(*net.TCPAddr); ok {
			n.advertisedPort = uint16(addr.Port)
		}
	}
	n.logger.Info(
		"listening for peers",
		"address", listener.Addr().String(),
		"network", n.network.Name,
	)
	n.waitGroup.Add(1)
	go n.acceptLoop()
	for _, address := range n.bootstrapPeers {
		if err := n.ConnectPeer(address); err != nil {
			n.logger.Warn(
				"bootstrap connect failed",
				"address", address,
				"error", err,
			)
		}
	}
	return nil
}

// Shutdown closes the listener and every peer connection and waits for
// all node goroutines to finish
func (n *Node) Shutdown() error {
	n.onceShutdown.Do(func() {
		close(n.doneChan)
		if n.listener != nil {
			n.listener.Close()
		}
		for _, p := range n.peerSnapshot() {
			p.Close()
		}
		n.waitGroup.Wait()
	})
	return nil
}

// AdvertisedPort returns the port other peers can reach us on
func (n *Node) AdvertisedPort() uint16 {
	return n.advertisedPort
}

// PeerCount returns the number of tracked peer connections
func (n *Node) PeerCount() int {
	n.peersMutex.Lock()
	defer n.peersMutex.Unlock()
	return len(n.peers)
}

// Peers returns a snapshot of the tracked peer connections
func (n *Node) Peers() []*Connection {
	return n.peerSnapshot()
}

func (n *Node) peerSnapshot() []*Connection {
	n.peersMutex.Lock()
	defer n.peersMutex.Unlock()
	out := make([]*Connection, len(n.peers))
	copy(out, n.peers)
	return out
}

// addPeer admits a connection into the peer table. The cap check and the
// append are atomic with respect to concurrent admitters
func (n *Node) addPeer(c *Connection) bool {
	n.peersMutex.Lock()
	defer n.peersMutex.Unlock()
	if len(n.peers) >= n.maxPeers {
		return false
	}
	n.peers = append(n.peers, c)
	return true
}

// connectionClosed removes a connection from the peer table when its
// teardown completes
func (n *Node) connectionClosed(c *Connection, err error) {
	n.peersMutex.Lock()
	for i, p := range n.peers {
		if p == c {
			n.peers = append(n.peers[:i], n.peers[i+1:]...)
			break
		}
	}
	n.peersMutex.Unlock()
	if err != nil {
		n.logger.Debug(
			"peer connection closed",
			"remote", c.SockAddr(),
			"error", err,
		)
	}
}

func (n *Node) acceptLoop() {
	defer n.waitGroup.Done()
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.doneChan:
			default:
				n.logger.Warn("accept failed", "error", err)
			}
			return
		}
		go n.handleInbound(conn)
	}
}

func (n *Node) newPeerConnection(extra ...ConnectionOptionFunc) *Connection {
	options := []ConnectionOptionFunc{
		WithConnectionNetwork(n.network),
		WithConnectionLogger(n.logger),
		WithConnectionIOTimeout(n.ioTimeout),
		WithConnectionDialTimeout(n.dialTimeout),
		WithConnectionHandshakeTimeout(n.handshakeTimeout),
		WithConnectionReceiveFunc(n.dispatch),
		WithConnectionReadyFunc(n.sendBootstrap),
		WithConnectionClosedFunc(n.connectionClosed),
	}
	return NewConnection(append(options, extra...)...)
}

func (n *Node) handleInbound(conn net.Conn) {
	c := n.newPeerConnection(WithConnectionConn(conn))
	if !n.addPeer(c) {
		// Admission control: silently drop connections beyond the cap
		n.logger.Debug(
			"peer cap reached, dropping inbound connection",
			"remote", conn.RemoteAddr().String(),
		)
		conn.Close()
		return
	}
	if err := c.Start(); err != nil {
		n.logger.Debug(
			"inbound handshake failed",
			"remote", conn.RemoteAddr().String(),
			"error", err,
		)
	}
}

// ConnectPeer opens an outbound connection to the given "host:port"
// address. The connection is admitted into the peer table before the dial
// so the cap covers in-flight attempts; dial and handshake run in their
// own goroutine
func (n *Node) ConnectPeer(address string) error {
	c := n.newPeerConnection(WithConnectionOutbound(true))
	if !n.addPeer(c) {
		return ErrTooManyPeers
	}
	go func() {
		if err := c.Dial(address); err != nil {
			n.logger.Debug(
				"outbound connect failed",
				"address", address,
				"error", err,
			)
		}
	}()
	return nil
}

// sendBootstrap runs when a connection completes its handshake: the peer
// gets, in order, our listening port, the current primary block and our
// full known-peer list
func (n *Node) sendBootstrap(c *Connection) {
	if err := c.Send(wire.MsgMyPort{Port: n.advertisedPort}); err != nil {
		return
	}
	if err := c.Send(wire.MsgBlock{Block: n.PrimaryBlock()}); err != nil {
		return
	}
	for _, p := range n.peerSnapshot() {
		if p == c {
			continue
		}
		addr := p.PeerAddr()
		if addr == nil {
			continue
		}
		if err := c.Send(wire.MsgPeer{Address: *addr}); err != nil {
			return
		}
	}
}

// dispatch routes one received message to its handler. The message union
// is matched exhaustively; wire.UnmarshalMessage never produces a kind
// outside it
func (n *Node) dispatch(c *Connection, msg wire.Message) {
	switch m := msg.(type) {
	case wire.MsgMyPort:
		// Not forwarded to callbacks: the advertised address is the
		// connection's actual remote host plus the reported port
		addr := wire.PeerAddress{Host: c.RemoteHost(), Port: m.Port}
		c.setPeerAddr(addr)
		n.resolveDuplicate(c, addr)
	case wire.MsgPeer:
		n.receivedPeer(m.Address)
	case wire.MsgGetBlock:
		for _, provider := range n.blockRequestFuncs {
			if b := provider(m.BlockHash); b != nil {
				if err := c.Send(wire.MsgBlock{Block: b}); err != nil {
					n.logger.Debug(
						"failed to answer block request",
						"remote", c.SockAddr(),
						"error", err,
					)
				}
				break
			}
		}
	case wire.MsgBlock:
		for _, handler := range n.blockReceivedFuncs {
			handler(m.Block)
		}
	case wire.MsgTransaction:
		for _, handler := range n.transactionReceivedFuncs {
			handler(m.Transaction)
		}
	default:
		n.logger.Warn("unhandled message type", "type", msg.MessageType())
	}
}

// receivedPeer handles an advertised peer address: connect out if the
// peer is unknown and capacity remains. Over-cap discoveries are silently
// ignored
func (n *Node) receivedPeer(addr wire.PeerAddress) {
	// A peer list can echo our own address back to us
	if n.listener != nil && addr.String() == n.listener.Addr().String() {
		return
	}
	n.peersMutex.Lock()
	if len(n.peers) >= n.maxPeers {
		n.peersMutex.Unlock()
		return
	}
	for _, p := range n.peers {
		if pa := p.PeerAddr(); pa != nil && *pa == addr {
			n.peersMutex.Unlock()
			return
		}
		if p.Outbound() && p.SockAddr() == addr.String() {
			n.peersMutex.Unlock()
			return
		}
	}
	n.peersMutex.Unlock()
	if err := n.ConnectPeer(addr.String()); err != nil {
		n.logger.Debug(
			"discovered peer connect failed",
			"address", addr.String(),
			"error", err,
		)
	}
}

// resolveDuplicate handles the race where simultaneous mutual discovery
// creates two connections between the same pair of nodes. Both sides keep
// the connection initiated by the numerically smaller advertised address
// and close the other, so exactly one survives
func (n *Node) resolveDuplicate(c *Connection, addr wire.PeerAddress) {
	n.peersMutex.Lock()
	var dup *Connection
	for _, p := range n.peers {
		if p == c {
			continue
		}
		if pa := p.PeerAddr(); pa != nil && *pa == addr {
			dup = p
			break
		}
	}
	n.peersMutex.Unlock()
	if dup == nil {
		return
	}
	selfAddr := wire.PeerAddress{Host: c.LocalHost(), Port: n.advertisedPort}
	keepOutbound := selfAddr.String() < addr.String()
	victim := c
	if dup.Outbound() != c.Outbound() && c.Outbound() == keepOutbound {
		victim = dup
	}
	n.logger.Debug(
		"closing duplicate connection",
		"peer", addr.String(),
		"outbound", victim.Outbound(),
	)
	// Close from a fresh goroutine: dispatch runs on the connection's
	// own read loop and Close waits for teardown
	go victim.Close()
}

// PrimaryBlock returns the node's current primary block snapshot
func (n *Node) PrimaryBlock() *ledger.Block {
	n.primaryMutex.RLock()
	defer n.primaryMutex.RUnlock()
	return n.primaryBlock
}

// BroadcastPrimaryBlock updates the primary block snapshot, enqueues the
// block to every connected peer and feeds it through the local
// block-received path, so the node's own broadcasts are handled
// symmetrically with received ones
func (n *Node) BroadcastPrimaryBlock(b *ledger.Block) error {
	var snapshot ledger.Block
	if err := copier.CopyWithOption(
		&snapshot,
		b,
		copier.Option{DeepCopy: true},
	); err != nil {
		return err
	}
	n.primaryMutex.Lock()
	n.primaryBlock = &snapshot
	n.primaryMutex.Unlock()
	for _, p := range n.peerSnapshot() {
		if !p.IsConnected() {
			continue
		}
		if err := p.Send(wire.MsgBlock{Block: &snapshot}); err != nil {
			n.logger.Debug(
				"block broadcast to peer failed",
				"remote", p.SockAddr(),
				"error", err,
			)
		}
	}
	for _, handler := range n.blockReceivedFuncs {
		handler(&snapshot)
	}
	return nil
}

// BroadcastTransaction enqueues a standalone transaction to every
// connected peer
func (n *Node) BroadcastTransaction(tx *ledger.Transaction) {
	for _, p := range n.peerSnapshot() {
		if !p.IsConnected() {
			continue
		}
		if err := p.Send(wire.MsgTransaction{Transaction: tx}); err != nil {
			n.logger.Debug(
				"transaction broadcast to peer failed",
				"remote", p.SockAddr(),
				"error", err,
			)
		}
	}
}

// SendBlockRequest floods a request for a block by hash to all peers.
// Answers, if any, arrive as ordinary block messages
func (n *Node) SendBlockRequest(blockHash ledger.Hash) {
	for _, p := range n.peerSnapshot() {
		if !p.IsConnected() {
			continue
		}
		if err := p.Send(wire.MsgGetBlock{BlockHash: blockHash}); err != nil {
			n.logger.Debug(
				"block request to peer failed",
				"remote", p.SockAddr(),
				"error", err,
			)
		}
	}
}
