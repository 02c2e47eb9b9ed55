package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"Strata/internal/vote"
)

const (
	// defaultReconnectDelay is the default delay between reconnection attempts.
	defaultReconnectDelay = 5 * time.Second

	// maxReconnectDelay is the maximum delay between reconnection attempts.
	maxReconnectDelay = 60 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "strata/1"
)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey // PrivateKey is the node's ed25519 identity key
	ListenAddr     string             // ListenAddr is the address to listen on (e.g., ":7075")
	ReconnectDelay time.Duration      // ReconnectDelay is the initial delay between reconnection attempts
}

// Node is the transport endpoint: it accepts and initiates QUIC connections,
// delivers realtime messages (confirm-req, votes) from unidirectional
// streams, and hands incoming bidirectional streams to the bootstrap server.
type Node struct {
	privateKey ed25519.PrivateKey // privateKey is the node's ed25519 identity key
	publicKey  ed25519.PublicKey  // publicKey is the node's ed25519 public key
	listenAddr string             // listenAddr is the address to listen on
	tlsConfig  *tls.Config        // tlsConfig is the TLS configuration
	quicConfig *quic.Config       // quicConfig is the QUIC configuration

	listener *quic.Listener // listener is the QUIC listener

	peers   map[string]*Peer // peers maps public key hex to peer
	peersMu sync.RWMutex     // peersMu protects peers map

	knownAddrs   map[string]string // knownAddrs maps public key hex to address (for reconnection)
	knownAddrsMu sync.RWMutex      // knownAddrsMu protects knownAddrs map

	reconnectDelay time.Duration // reconnectDelay is the initial reconnection delay

	dedup *Dedup // dedup filters duplicate realtime messages

	onConfirmReq      func(*Peer, *ConfirmReq)  // onConfirmReq handles incoming confirm-reqs
	onVote            func(*Peer, *vote.Vote)   // onVote handles incoming votes
	onBootstrapStream func(*Peer, *quic.Stream) // onBootstrapStream handles incoming exchange streams
	onDisconnect      func(*Peer)               // onDisconnect is called when a peer disconnects
	handlersMu        sync.RWMutex              // handlersMu protects event handlers

	ctx    context.Context    // ctx is the node's context
	cancel context.CancelFunc // cancel cancels the node's context
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewNode creates a new network node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // We verify the public key manually
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey:     cfg.PrivateKey,
		publicKey:      cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr:     cfg.ListenAddr,
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		peers:          make(map[string]*Peer),
		knownAddrs:     make(map[string]string),
		reconnectDelay: reconnectDelay,
		dedup:          NewDedup(defaultDedupTTL),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener's address. Returns empty string if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start starts the node and begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// Connect connects to a remote node and keeps reconnecting if the
// connection drops.
func (n *Node) Connect(addr string) (*Peer, error) {
	return n.dial(addr, false)
}

// Dial opens an ephemeral connection to a remote node. Ephemeral peers are
// not reconnected after a disconnect; the bootstrap connection pool owns
// their lifecycle.
func (n *Node) Dial(addr string) (*Peer, error) {
	return n.dial(addr, true)
}

func (n *Node) dial(addr string, ephemeral bool) (*Peer, error) {
	conn, err := quic.DialAddr(n.ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	peer, err := n.setupPeer(conn, addr, ephemeral)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	return peer, nil
}

// Peers returns a list of all connected peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// RandomPeers returns up to count random connected peers.
func (n *Node) RandomPeers(count int) []*Peer {
	peers := n.Peers()
	if count >= len(peers) {
		return peers
	}

	indices := rand.Perm(len(peers))[:count]
	selected := make([]*Peer, count)

	for i, idx := range indices {
		selected[i] = peers[idx]
	}

	return selected
}

// GetPeer returns the peer for the given public key, or nil if not connected.
func (n *Node) GetPeer(pubkey ed25519.PublicKey) *Peer {
	keyHex := hex.EncodeToString(pubkey)

	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[keyHex]
}

// IsConnected reports whether the given peer is still in the peer table.
func (n *Node) IsConnected(p *Peer) bool {
	keyHex := hex.EncodeToString(p.publicKey)

	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[keyHex] == p
}

// OnConfirmReq sets the handler for incoming confirm-reqs.
func (n *Node) OnConfirmReq(fn func(*Peer, *ConfirmReq)) {
	n.handlersMu.Lock()
	n.onConfirmReq = fn
	n.handlersMu.Unlock()
}

// OnVote sets the handler for incoming confirm-ack votes.
func (n *Node) OnVote(fn func(*Peer, *vote.Vote)) {
	n.handlersMu.Lock()
	n.onVote = fn
	n.handlersMu.Unlock()
}

// OnBootstrapStream sets the handler for incoming bidirectional exchange
// streams. The handler owns the stream and must close it.
func (n *Node) OnBootstrapStream(fn func(*Peer, *quic.Stream)) {
	n.handlersMu.Lock()
	n.onBootstrapStream = fn
	n.handlersMu.Unlock()
}

// OnDisconnect sets the handler called when a peer disconnects.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onDisconnect = fn
	n.handlersMu.Unlock()
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	for _, p := range n.peers {
		p.Close()
	}
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	n.dedup.Close()
	n.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return // Listener closed
		}

		go n.handleIncoming(conn)
	}
}

// handleIncoming handles an incoming connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	if _, err := n.setupPeer(conn, conn.RemoteAddr().String(), false); err != nil {
		conn.CloseWithError(1, "setup failed")
	}
}

// setupPeer creates a Peer from a QUIC connection.
func (n *Node) setupPeer(conn *quic.Conn, addr string, ephemeral bool) (*Peer, error) {
	tlsState := conn.ConnectionState().TLS

	pubKey, err := extractPublicKey(tlsState)
	if err != nil {
		return nil, fmt.Errorf("extract public key: %w", err)
	}

	keyHex := hex.EncodeToString(pubKey)

	peer := &Peer{
		publicKey: pubKey,
		address:   addr,
		conn:      conn,
		node:      n,
		ephemeral: ephemeral,
	}

	// Ephemeral bootstrap connections stay out of the peer table: a second
	// connection to the same node must not displace its realtime channel.
	if !ephemeral {
		n.peersMu.Lock()
		n.peers[keyHex] = peer
		n.peersMu.Unlock()

		n.knownAddrsMu.Lock()
		n.knownAddrs[keyHex] = addr
		n.knownAddrsMu.Unlock()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop()
	}()

	return peer, nil
}

// handlePeerDisconnect handles a peer disconnection.
func (n *Node) handlePeerDisconnect(p *Peer) {
	keyHex := hex.EncodeToString(p.publicKey)

	n.peersMu.Lock()
	if n.peers[keyHex] == p {
		delete(n.peers, keyHex)
	}
	n.peersMu.Unlock()

	n.callOnDisconnect(p)

	if p.ephemeral {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconnectPeer(keyHex)
	}()
}

// reconnectPeer attempts to reconnect to a peer with exponential backoff.
func (n *Node) reconnectPeer(keyHex string) {
	delay := n.reconnectDelay

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		n.knownAddrsMu.RLock()
		addr, ok := n.knownAddrs[keyHex]
		n.knownAddrsMu.RUnlock()

		if !ok {
			return // Peer removed from known addresses
		}

		// Check if already reconnected
		n.peersMu.RLock()
		_, exists := n.peers[keyHex]
		n.peersMu.RUnlock()

		if exists {
			return // Already reconnected
		}

		if _, err := n.Connect(addr); err == nil {
			return
		}

		// Exponential backoff
		delay = delay * 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// dispatchMessage routes one realtime message by its type byte.
func (n *Node) dispatchMessage(p *Peer, data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("empty message")
	}

	payload := data[1:]

	switch data[0] {
	case MsgConfirmReq:
		req, err := decodeConfirmReq(bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("confirm req: %w", err)
		}

		n.handlersMu.RLock()
		fn := n.onConfirmReq
		n.handlersMu.RUnlock()

		if fn != nil {
			fn(p, req)
		}

	case MsgConfirmAck:
		v, err := vote.Decode(bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("confirm ack: %w", err)
		}

		n.handlersMu.RLock()
		fn := n.onVote
		n.handlersMu.RUnlock()

		if fn != nil {
			fn(p, v)
		}

	default:
		return fmt.Errorf("unrecognized message type %#x", data[0])
	}

	return nil
}

func (n *Node) callOnBootstrapStream(p *Peer, stream *quic.Stream) {
	n.handlersMu.RLock()
	fn := n.onBootstrapStream
	n.handlersMu.RUnlock()

	if fn == nil {
		stream.Close()
		return
	}

	fn(p, stream)
}

func (n *Node) callOnDisconnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onDisconnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}
