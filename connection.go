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
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/spilorenzo/labchain/wire"
)

// Default connection timeouts
const (
	DefaultIOTimeout        = 30 * time.Second
	DefaultDialTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// outgoingQueueSize bounds the per-connection outbound message queue
const outgoingQueueSize = 128

var (
	ErrHandshakeMismatch = errors.New("handshake token mismatch")
	ErrConnectionClosed  = errors.New("connection is closed")
)

// ConnectionState is the lifecycle state of a peer connection
type ConnectionState int

const (
	ConnectionStatePending ConnectionState = iota
	ConnectionStateHandshaking
	ConnectionStateConnected
	ConnectionStateClosing
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	tmp := map[ConnectionState]string{
		ConnectionStatePending:     "Pending",
		ConnectionStateHandshaking: "Handshaking",
		ConnectionStateConnected:   "Connected",
		ConnectionStateClosing:     "Closing",
		ConnectionStateClosed:      "Closed",
	}
	ret, ok := tmp[s]
	if !ok {
		return "Unknown"
	}
	return ret
}

// Connection manages the framed message channel to one remote peer: the
// handshake, a reader goroutine that parses frames and hands typed
// messages to the owning node, and a writer goroutine that drains the
// connection's private outbound queue. Either goroutine failing tears the
// whole connection down.
//
// The connection exclusively owns its socket and its outbound queue; the
// owning node only interacts with it through Send and Close
type Connection struct {
	conn             net.Conn
	network          Network
	outbound         bool
	sockAddr         string
	ioTimeout        time.Duration
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	logger           *slog.Logger

	mutex    sync.Mutex
	state    ConnectionState
	peerAddr *wire.PeerAddress

	outgoing   chan wire.Message
	doneChan   chan struct{}
	closedChan chan struct{}
	errorChan  chan error
	onceClose  sync.Once
	waitGroup  sync.WaitGroup

	receiveFunc func(*Connection, wire.Message)
	readyFunc   func(*Connection)
	closedFunc  func(*Connection, error)
}

// NewConnection returns a new Connection with the specified options. The
// connection does nothing until Start (for an accepted socket) or Dial is
// called
func NewConnection(options ...ConnectionOptionFunc) *Connection {
	c := &Connection{
		network:          NetworkMainnet,
		ioTimeout:        DefaultIOTimeout,
		dialTimeout:      DefaultDialTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		state:            ConnectionStatePending,
		outgoing:         make(chan wire.Message, outgoingQueueSize),
		doneChan:         make(chan struct{}),
		closedChan:       make(chan struct{}),
		errorChan:        make(chan error, 1),
	}
	for _, option := range options {
		option(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.conn != nil && c.sockAddr == "" {
		c.sockAddr = c.conn.RemoteAddr().String()
	}
	return c
}

// State returns the connection's lifecycle state
func (c *Connection) State() ConnectionState {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

func (c *Connection) setState(state ConnectionState) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.state = state
}

// IsConnected reports whether the connection completed its handshake and
// has not begun teardown
func (c *Connection) IsConnected() bool {
	return c.State() == ConnectionStateConnected
}

// Outbound reports whether we initiated this connection
func (c *Connection) Outbound() bool {
	return c.outbound
}

// SockAddr returns the address the socket is actually connected to. This
// may differ from the peer's advertised address, e.g. an ephemeral
// outbound port instead of the advertised listening port
func (c *Connection) SockAddr() string {
	return c.sockAddr
}

// PeerAddr returns the peer's self-reported reachable address, or nil if
// no myport message has been received yet
func (c *Connection) PeerAddr() *wire.PeerAddress {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.peerAddr
}

func (c *Connection) setPeerAddr(addr wire.PeerAddress) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.peerAddr = &addr
}

// RemoteHost returns the host portion of the socket's actual remote
// address
func (c *Connection) RemoteHost() string {
	if c.conn == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return c.conn.RemoteAddr().String()
	}
	return host
}

// LocalHost returns the host portion of the socket's local address
func (c *Connection) LocalHost() string {
	if c.conn == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(c.conn.LocalAddr().String())
	if err != nil {
		return c.conn.LocalAddr().String()
	}
	return host
}

// ErrorChan returns the channel carrying the connection's terminal error,
// if any. The channel is closed when teardown completes
func (c *Connection) ErrorChan() <-chan error {
	return c.errorChan
}

// Dial establishes an outbound TCP connection to the given address and
// starts the handshake
func (c *Connection) Dial(address string) error {
	if c.conn != nil {
		return fmt.Errorf("a connection was already established")
	}
	conn, err := net.DialTimeout("tcp", address, c.dialTimeout)
	if err != nil {
		c.closeAsync(err)
		return err
	}
	// Close may have raced the dial; the torn-down connection must not
	// adopt the fresh socket
	select {
	case <-c.doneChan:
		conn.Close()
		return ErrConnectionClosed
	default:
	}
	c.conn = conn
	c.sockAddr = address
	return c.Start()
}

// Start performs the handshake and, on success, starts the reader and
// writer goroutines. An error means the connection never reached the
// connected state and has been torn down
func (c *Connection) Start() error {
	c.setState(ConnectionStateHandshaking)
	if err := c.handshake(); err != nil {
		c.closeAsync(err)
		return err
	}
	c.setState(ConnectionStateConnected)
	// Bootstrap messages are enqueued before the loops start so they are
	// the first frames the peer sees
	if c.readyFunc != nil {
		c.readyFunc(c)
	}
	c.waitGroup.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return nil
}

// handshake exchanges the fixed magic token in both directions under the
// handshake deadline. Any mismatch or timeout aborts the connection
func (c *Connection) handshake() error {
	if len(c.network.HandshakeToken) != HandshakeTokenSize {
		return fmt.Errorf(
			"invalid handshake token length %d for network %s",
			len(c.network.HandshakeToken),
			c.network.Name,
		)
	}
	if err := c.conn.SetDeadline(time.Now().Add(c.handshakeTimeout)); err != nil {
		return err
	}
	defer c.conn.SetDeadline(time.Time{}) //nolint:errcheck
	if _, err := c.conn.Write(c.network.HandshakeToken); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	token := make([]byte, HandshakeTokenSize)
	if _, err := io.ReadFull(c.conn, token); err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	if !bytes.Equal(token, c.network.HandshakeToken) {
		return ErrHandshakeMismatch
	}
	return nil
}

// Send enqueues a message on the connection's outbound queue. Messages to
// one peer are delivered in enqueue order
func (c *Connection) Send(msg wire.Message) error {
	select {
	case <-c.doneChan:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.outgoing <- msg:
		return nil
	case <-c.doneChan:
		return ErrConnectionClosed
	}
}

// readLoop parses framed messages under the idle deadline and dispatches
// them to the owning node. Any framing or I/O failure is fatal for the
// connection
func (c *Connection) readLoop() {
	defer c.waitGroup.Done()
	reader := bufio.NewReader(c.conn)
	for {
		if c.ioTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.ioTimeout)); err != nil {
				c.closeAsync(err)
				return
			}
		}
		msg, err := wire.ReadMessage(reader)
		if err != nil {
			select {
			case <-c.doneChan:
				// Already shutting down; the read failed because the
				// socket was closed under us
			default:
				c.closeAsync(err)
			}
			return
		}
		if c.receiveFunc != nil {
			c.receiveFunc(c, msg)
		}
	}
}

// writeLoop drains the outbound queue and writes framed messages
func (c *Connection) writeLoop() {
	defer c.waitGroup.Done()
	for {
		select {
		case <-c.doneChan:
			return
		case msg := <-c.outgoing:
			if c.ioTimeout > 0 {
				if err := c.conn.SetWriteDeadline(time.Now().Add(c.ioTimeout)); err != nil {
					c.closeAsync(err)
					return
				}
			}
			if err := wire.WriteMessage(c.conn, msg); err != nil {
				c.closeAsync(err)
				return
			}
		}
	}
}

// closeAsync begins idempotent teardown without waiting for it to finish.
// The reader and writer goroutines use it so teardown never deadlocks on
// the loop that triggered it
func (c *Connection) closeAsync(err error) {
	c.onceClose.Do(func() {
		c.setState(ConnectionStateClosing)
		close(c.doneChan)
		if c.conn != nil {
			c.conn.Close()
		}
		go func() {
			// Wait for both loops, then drain and discard anything left
			// on the outbound queue
			c.waitGroup.Wait()
			for {
				select {
				case <-c.outgoing:
					continue
				default:
				}
				break
			}
			c.setState(ConnectionStateClosed)
			if err != nil {
				c.errorChan <- err
			}
			close(c.errorChan)
			if c.closedFunc != nil {
				c.closedFunc(c, err)
			}
			close(c.closedChan)
		}()
	})
}

// Close tears the connection down and waits for teardown to complete.
// Safe to call multiple times and from any goroutine except the
// connection's own loops
func (c *Connection) Close() error {
	c.closeAsync(nil)
	<-c.closedChan
	return nil
}
