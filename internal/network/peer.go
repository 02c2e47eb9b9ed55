package network

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"Strata/internal/logger"
)

// Peer represents a connection to a remote node. Realtime messages travel
// over unidirectional streams; bootstrap exchanges each open a dedicated
// bidirectional stream.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the remote node's ed25519 public key
	address   string            // address is the remote address
	conn      *quic.Conn        // conn is the underlying QUIC connection
	node      *Node             // node is the parent node
	ephemeral bool              // ephemeral peers are not reconnected
	closed    atomic.Bool       // closed indicates if the peer is closed
	mu        sync.Mutex        // mu protects send operations
}

// PublicKey returns the remote node's ed25519 public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Closed reports whether the peer connection was closed.
func (p *Peer) Closed() bool {
	return p.closed.Load()
}

// Send sends a realtime message to the peer using a new unidirectional stream.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer is closed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stream, err := p.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	if err := writeMessage(stream, data); err != nil {
		stream.Close()
		return fmt.Errorf("write message: %w", err)
	}

	return stream.Close()
}

// OpenStream opens a bidirectional stream for one bootstrap exchange.
// The caller owns the stream and must close it.
func (p *Peer) OpenStream(ctx context.Context) (*quic.Stream, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer is closed")
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	return stream, nil
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil // Already closed
	}

	return p.conn.CloseWithError(0, "closed")
}

// receiveLoop accepts incoming streams and processes them. It ends when
// the connection or the owning node closes.
func (p *Peer) receiveLoop() {
	// Accept bidirectional exchange streams concurrently
	go p.acceptBootstrapStreams(p.node.ctx)

	for {
		// Use timeout to detect stuck connections
		ctx, cancel := context.WithTimeout(p.node.ctx, 10*time.Second)
		stream, err := p.conn.AcceptUniStream(ctx)
		cancel()

		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				continue // Try again
			}
			logger.Debug("receive loop ended", "peer", p.address, "error", err)
			break
		}

		go p.handleUniStream(stream)
	}

	p.handleDisconnect()
}

// acceptBootstrapStreams accepts bidirectional streams and hands them to
// the bootstrap server.
func (p *Peer) acceptBootstrapStreams(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go p.node.callOnBootstrapStream(p, stream)
	}
}

// handleUniStream reads one realtime message from a unidirectional stream.
func (p *Peer) handleUniStream(stream *quic.ReceiveStream) {
	data, err := readMessage(stream)
	if err != nil {
		logger.Debug("stream read error", "peer", p.address, "error", err)
		return
	}

	// Check for duplicate message
	if !p.node.dedup.Check(data) {
		return
	}

	if err := p.node.dispatchMessage(p, data); err != nil {
		logger.Debug("message dropped", "peer", p.address, "error", err)
	}
}

// handleDisconnect handles peer disconnection.
func (p *Peer) handleDisconnect() {
	if p.closed.Swap(true) {
		return // Already closed
	}

	p.node.handlePeerDisconnect(p)
}
