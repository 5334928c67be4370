// Package peeradapter is the Connection/PeerManager collaborator spec.md
// §6 leaves as a bare interface: an outbound btcsuite/btcd peer pool,
// wired so every inbound wire message lands on internal/node's dispatch
// methods instead of a raw storage write. It generalizes the teacher's
// pkg/blockchain/indexer.go and pkg/blockchain/peer.go, which wired only
// OnVersion/OnHeaders/OnBlock/OnInv (and the last of those only queued a
// getdata back, it never dispatched anywhere) into a full
// OnInv/OnBlock/OnTx/OnGetData/OnGetBlocks wiring.
package peeradapter

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/peer"
	"github.com/btcsuite/btcd/wire"

	"github.com/jayendramadaram/btc-node/internal/network"
	"github.com/jayendramadaram/btc-node/internal/node"
	"github.com/jayendramadaram/btc-node/pkg/logger"
)

// LocatorSource is the subset of internal/chain.Chain the sync driver
// needs to build outbound getblocks requests.
type LocatorSource interface {
	BuildLocator(ctx context.Context) ([]chainhash.Hash, error)
}

// Conn adapts a single *peer.Peer to internal/node.Connection. It is a
// thin, stateless wrapper: every dispatch callback already receives the
// *peer.Peer it fired on, so Conn values are created ad hoc rather than
// tracked per peer.
type Conn struct {
	peer *peer.Peer
}

func (c *Conn) SendTx(t *wire.MsgTx) error {
	c.peer.QueueMessage(t, nil)
	return nil
}

func (c *Conn) SendInv(inv *wire.MsgInv) error {
	c.peer.QueueMessage(inv, nil)
	return nil
}

func (c *Conn) SendGetData(gd *wire.MsgGetData) error {
	c.peer.QueueMessage(gd, nil)
	return nil
}

// Manager is the PeerManager collaborator: it dials DNS-seeded peers,
// tracks which are fully handshaken, and broadcasts on their behalf.
type Manager struct {
	params      *chaincfg.Params
	locator     LocatorSource
	node        *node.Node
	log         *logger.CustomLogger
	extraSeeds  []string
	maxOutbound int

	mu    sync.Mutex
	conns map[string]*peer.Peer

	netConnectedOnce sync.Once
}

// New builds a Manager for the given network. n is notified via
// NotifyPeerConnected the first time a peer completes its handshake,
// and every inbound message is dispatched onto n's HandleX methods.
// extraSeeds augments the network's DNS seeds with operator-configured
// addresses (network.seeds); maxOutbound caps how many outbound peers
// DialSeeds keeps beyond the dial attempt (network.max_outbound), with
// 0 meaning unbounded.
func New(params *chaincfg.Params, locator LocatorSource, n *node.Node, extraSeeds []string, maxOutbound int) *Manager {
	return &Manager{
		params:      params,
		locator:     locator,
		node:        n,
		log:         logger.NewDefaultLogger(),
		extraSeeds:  extraSeeds,
		maxOutbound: maxOutbound,
		conns:       make(map[string]*peer.Peer),
	}
}

// ActiveConnections satisfies internal/node.PeerManager.
func (m *Manager) ActiveConnections() []node.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]node.Connection, 0, len(m.conns))
	for _, p := range m.conns {
		out = append(out, &Conn{peer: p})
	}
	return out
}

// atOutboundCap reports whether the manager already holds as many
// connections as network.max_outbound allows (0 means unbounded).
func (m *Manager) atOutboundCap() bool {
	if m.maxOutbound <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns) >= m.maxOutbound
}

func (m *Manager) register(p *peer.Peer) {
	if m.atOutboundCap() {
		p.Disconnect()
		return
	}

	m.mu.Lock()
	m.conns[p.Addr()] = p
	m.mu.Unlock()

	m.netConnectedOnce.Do(m.node.NotifyPeerConnected)

	go func() {
		p.WaitForDisconnect()
		m.mu.Lock()
		delete(m.conns, p.Addr())
		m.mu.Unlock()
		m.log.Warnf("peer disconnected: %s", p.Addr())
	}()
}

// DialSeeds resolves the network's DNS seeds, dials every IPv4 address
// they return plus the operator's network.seeds, and keeps whichever
// complete the handshake (up to network.max_outbound). It mirrors the
// discovery half of the teacher's FilterPeers, but registers surviving
// peers as active connections instead of immediately disconnecting
// them.
func (m *Manager) DialSeeds(ctx context.Context) error {
	defaultPort, err := strconv.Atoi(m.params.DefaultPort)
	if err != nil {
		return err
	}

	peerIPs := make(chan *wire.NetAddressV2)
	go network.LookUpPeers(m.params.DNSSeeds, uint16(defaultPort), peerIPs)

	var wg sync.WaitGroup
	for addr := range peerIPs {
		if addr.ToLegacy().IP.To4() == nil {
			continue
		}
		if m.atOutboundCap() {
			continue
		}
		wg.Add(1)
		go func(addr *wire.NetAddressV2) {
			defer wg.Done()
			target := addr.Addr.String() + ":" + m.params.DefaultPort
			if err := m.dial(ctx, target); err != nil {
				m.log.Debugf("dial %s: %v", target, err)
			}
		}(addr)
	}
	wg.Wait()

	for _, target := range m.extraSeeds {
		if m.atOutboundCap() {
			break
		}
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			if err := m.dial(ctx, target); err != nil {
				m.log.Debugf("dial %s: %v", target, err)
			}
		}(target)
	}
	wg.Wait()
	return nil
}

func (m *Manager) dial(ctx context.Context, addr string) error {
	cfg := m.peerConfig()
	p, err := peer.NewOutboundPeer(cfg, addr)
	if err != nil {
		return err
	}

	conn, err := net.DialTimeout("tcp", p.Addr(), 2*time.Second)
	if err != nil {
		return err
	}
	p.AssociateConnection(conn)
	return nil
}

func (m *Manager) peerConfig() *peer.Config {
	return &peer.Config{
		Listeners: peer.MessageListeners{
			OnVersion:   m.onVersion,
			OnInv:       m.onInv,
			OnBlock:     m.onBlock,
			OnTx:        m.onTx,
			OnGetData:   m.onGetData,
			OnGetBlocks: m.onGetBlocks,
		},
		NewestBlock:         nil,
		UserAgentName:       "btc-node",
		UserAgentVersion:    "1.0.0",
		ChainParams:         m.params,
		Services:            wire.SFNodeWitness,
		ProtocolVersion:     peer.MaxProtocolVersion,
		DisableStallHandler: false,
		AllowSelfConns:      true,
	}
}

func (m *Manager) onVersion(p *peer.Peer, msg *wire.MsgVersion) *wire.MsgReject {
	m.register(p)
	return nil
}

func (m *Manager) onInv(p *peer.Peer, msg *wire.MsgInv) {
	if err := m.node.HandleInv(context.Background(), &Conn{peer: p}, msg); err != nil {
		m.log.Warnf("handleInv from %s: %v", p.Addr(), err)
	}
}

func (m *Manager) onBlock(p *peer.Peer, msg *wire.MsgBlock, buf []byte) {
	m.node.HandleBlock(context.Background(), msg)
}

func (m *Manager) onTx(p *peer.Peer, msg *wire.MsgTx) {
	m.node.HandleTx(context.Background(), msg)
}

func (m *Manager) onGetData(p *peer.Peer, msg *wire.MsgGetData) {
	if err := m.node.HandleGetData(&Conn{peer: p}, msg); err != nil {
		m.log.Warnf("handleGetData from %s: %v", p.Addr(), err)
	}
}

func (m *Manager) onGetBlocks(p *peer.Peer, msg *wire.MsgGetBlocks) {
	if err := m.node.HandleGetBlocks(context.Background(), &Conn{peer: p}, msg); err != nil {
		m.log.Warnf("handleGetBlocks from %s: %v", p.Addr(), err)
	}
}

// SyncLoop drives outbound getblocks requests against one active peer
// every interval, using the locator BlockChain builds from its own
// active tip, until ctx is cancelled. It is the continuously-running
// analogue of the teacher's single processNext call.
func (m *Manager) SyncLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.syncOnce(ctx)
		}
	}
}

func (m *Manager) syncOnce(ctx context.Context) {
	m.mu.Lock()
	var target *peer.Peer
	for _, p := range m.conns {
		target = p
		break
	}
	m.mu.Unlock()
	if target == nil {
		return
	}

	locator, err := m.locator.BuildLocator(ctx)
	if err != nil {
		m.log.Errorf("buildLocator: %v", err)
		return
	}
	wireLocator := make([]*chainhash.Hash, len(locator))
	for i := range locator {
		wireLocator[i] = &locator[i]
	}

	if err := target.PushGetBlocksMsg(wireLocator, &chainhash.Hash{}); err != nil {
		m.log.Warnf("pushGetBlocksMsg to %s: %v", target.Addr(), err)
	}
}
