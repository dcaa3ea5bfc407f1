package gossip

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

const (
	heartbeatInterval  = 30 * time.Second
	pendingPingExpiry  = 15 * time.Second
	defaultSeenCap     = 4096
	defaultSeenTTL     = 5 * time.Minute
	dialTimeout        = 5 * time.Second
	handshakeTimeout   = 5 * time.Second
)

// Config configures a gossip Server.
type Config struct {
	NodeID         string
	ListenPort     string
	BootstrapPeers []string
	MaxPeers       int
	SeenCacheSize  int
	SeenTTL        time.Duration
}

// Server is the TCP gossip transport: one accept loop, one read goroutine
// per peer, a shared write path per peer, a heartbeat worker, and a
// registered-handler dispatch table. Structurally grounded on
// gocuria/p2p/server.go's Server (acceptConnections/handlePeerConnection/
// handleMessages split) with the framing changed to newline-delimited JSON
// and the message set changed to spec §6's envelope.
type Server struct {
	cfg Config
	log zerolog.Logger

	listener net.Listener
	peers    *PeerManager
	seen     *expirable.LRU[string, struct{}]

	handlersMu sync.RWMutex
	handlers   map[MessageType]Handler

	wg sync.WaitGroup
}

// New constructs a gossip server. Call Run to start listening and dialing.
func New(cfg Config, log zerolog.Logger) *Server {
	if cfg.MaxPeers == 0 {
		cfg.MaxPeers = 32
	}
	if cfg.SeenCacheSize == 0 {
		cfg.SeenCacheSize = defaultSeenCap
	}
	if cfg.SeenTTL == 0 {
		cfg.SeenTTL = defaultSeenTTL
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		peers:    NewPeerManager(cfg.MaxPeers),
		seen:     expirable.NewLRU[string, struct{}](cfg.SeenCacheSize, nil, cfg.SeenTTL),
		handlers: make(map[MessageType]Handler),
	}
}

// RegisterHandler binds a handler to a message kind, replacing the
// dynamic-event-emitter pattern with an explicit dispatch table per
// Design Notes §9. Unknown kinds are dropped with a debug log line; no
// count of them is kept.
func (s *Server) RegisterHandler(typ MessageType, h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[typ] = h
}

// Peers exposes the peer manager for callers that need peer listings
// (e.g. the coordinator's Peers() accessor).
func (s *Server) Peers() *PeerManager { return s.peers }

// Run starts the listener, dials bootstrap peers, and runs the heartbeat
// worker until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+s.cfg.ListenPort)
	if err != nil {
		return fmt.Errorf("gossip: listen: %w", err)
	}
	s.listener = ln
	s.log.Info().Str("port", s.cfg.ListenPort).Msg("gossip listening")

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	for _, addr := range s.cfg.BootstrapPeers {
		addr := addr
		go func() {
			if err := s.dial(ctx, addr); err != nil {
				s.log.Warn().Err(err).Str("addr", addr).Msg("bootstrap dial failed")
			}
		}()
	}

	s.wg.Add(1)
	go s.heartbeatLoop(ctx)

	<-ctx.Done()
	_ = s.listener.Close()
	for _, p := range s.peers.All() {
		s.peers.Remove(p.ID)
	}
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		go s.handleInbound(ctx, conn)
	}
}

func (s *Server) dial(ctx context.Context, addr string) error {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return err
	}
	return s.handshakeOutbound(ctx, conn)
}

func (s *Server) handshakeOutbound(ctx context.Context, conn net.Conn) error {
	hs := HandshakePayload{NodeID: s.cfg.NodeID, Port: s.cfg.ListenPort}
	msg, err := NewMessage(MsgHandshake, hs)
	if err != nil {
		conn.Close()
		return err
	}
	data, _ := json.Marshal(msg)
	if _, err := conn.Write(append(data, '\n')); err != nil {
		conn.Close()
		return err
	}
	return s.awaitHandshake(ctx, conn, conn.RemoteAddr().String())
}

func (s *Server) handleInbound(ctx context.Context, conn net.Conn) {
	addr := conn.RemoteAddr().String()
	if err := s.awaitHandshake(ctx, conn, addr); err != nil {
		s.log.Warn().Err(err).Str("addr", addr).Msg("handshake failed")
		conn.Close()
	}
}

// awaitHandshake blocks until the peer's handshake line arrives (or the
// timeout expires), binds a Peer under the announced nodeId, replies with
// our own handshake (always, so an outbound connection sends a second one,
// which the remote read loop ignores), and starts the peer's read loop.
func (s *Server) awaitHandshake(ctx context.Context, conn net.Conn, addr string) error {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("gossip: read handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var msg Message
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &msg); err != nil || msg.Type != MsgHandshake {
		return fmt.Errorf("gossip: expected handshake, got malformed or wrong-type line")
	}
	var hs HandshakePayload
	if err := msg.ParsePayload(&hs); err != nil || hs.NodeID == "" {
		return fmt.Errorf("gossip: bad handshake payload")
	}
	if hs.NodeID == s.cfg.NodeID {
		return fmt.Errorf("gossip: refusing self-connection")
	}

	peer := newPeer(hs.NodeID, addr, conn)
	peer.Port = hs.Port
	if !s.peers.Add(peer) {
		return fmt.Errorf("gossip: peer %s already connected or at capacity", hs.NodeID)
	}

	// Reply with our own handshake so the dial side also learns our identity.
	reply, err := NewMessage(MsgHandshake, HandshakePayload{NodeID: s.cfg.NodeID, Port: s.cfg.ListenPort})
	if err == nil {
		_ = peer.send(reply)
	}

	s.log.Info().Str("peer", peer.ID).Str("addr", addr).Msg("peer connected")
	s.wg.Add(1)
	go s.readLoop(ctx, peer, reader)
	return nil
}

// readLoop splits incoming bytes on newline and drops malformed lines
// silently, never blocking the socket for other peers, per spec §4.3.
func (s *Server) readLoop(ctx context.Context, peer *Peer, reader *bufio.Reader) {
	defer s.wg.Done()
	defer s.peers.Remove(peer.ID)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			s.log.Info().Str("peer", peer.ID).Err(err).Msg("peer disconnected")
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			s.log.Debug().Str("peer", peer.ID).Msg("dropped malformed gossip line")
			continue
		}
		peer.LastSeen = time.Now()
		s.dispatch(ctx, &msg, peer)
	}
}

func (s *Server) dispatch(ctx context.Context, msg *Message, from *Peer) {
	switch msg.Type {
	case MsgPing:
		var p PingPayload
		if err := msg.ParsePayload(&p); err == nil {
			pong, err := NewMessage(MsgPong, PongPayload{Timestamp: time.Now().UnixMilli(), PingID: p.PingID})
			if err == nil {
				_ = from.send(pong)
			}
		}
		return
	case MsgPong:
		var p PongPayload
		if err := msg.ParsePayload(&p); err == nil {
			from.recordPong(p.PingID)
		}
		return
	case MsgHandshake:
		return
	}

	if msg.MessageID != "" {
		if _, dup := s.seen.Get(msg.MessageID); dup {
			return
		}
		s.seen.Add(msg.MessageID, struct{}{})
	}

	s.handlersMu.RLock()
	h, ok := s.handlers[msg.Type]
	s.handlersMu.RUnlock()
	if !ok {
		s.log.Debug().Str("type", string(msg.Type)).Msg("dropped message with no registered handler")
	} else {
		h(msg, from.ID)
	}

	if !neverRelayed[msg.Type] {
		s.relay(msg, from.ID)
	}
}

// relay forwards msg to a fanout-limited, RTT-ranked subset of peers other
// than the one it arrived from, decrementing hopsLeft and dropping at
// zero, per spec §4.3.
func (s *Server) relay(msg *Message, fromPeerID string) {
	if msg.HopsLeft <= 1 {
		return
	}
	forwarded := *msg
	forwarded.HopsLeft = msg.HopsLeft - 1

	targets := s.peers.SelectForRelay(fromPeerID, fanoutFor(msg.Type))
	var errs error
	for _, p := range targets {
		if err := p.send(&forwarded); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("relay to %s: %w", p.ID, err))
		}
	}
	if errs != nil {
		s.log.Debug().Err(errs).Msg("relay had per-peer failures")
	}
}

// Broadcast sends msg to every connected peer (used for locally originated
// messages, which have no "from" peer to exclude).
func (s *Server) Broadcast(msg *Message) error {
	if msg.MessageID == "" {
		msg.MessageID = newID()
	}
	s.seen.Add(msg.MessageID, struct{}{})

	var errs error
	for _, p := range s.peers.All() {
		if err := p.send(msg); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("broadcast to %s: %w", p.ID, err))
		}
	}
	return errs
}

// SendTo sends msg to a single named peer, used for point-to-point
// requests such as tx_log_request.
func (s *Server) SendTo(peerID string, msg *Message) error {
	p, ok := s.peers.Get(peerID)
	if !ok {
		return fmt.Errorf("gossip: unknown peer %s", peerID)
	}
	if msg.MessageID == "" {
		msg.MessageID = newID()
	}
	return p.send(msg)
}

func (s *Server) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendHeartbeats()
		}
	}
}

func (s *Server) sendHeartbeats() {
	for _, p := range s.peers.All() {
		p.expirePendingPings(pendingPingExpiry)
		pingID := newID()
		msg, err := NewMessage(MsgPing, PingPayload{Timestamp: time.Now().UnixMilli(), PingID: pingID})
		if err != nil {
			continue
		}
		p.recordPingSent(pingID)
		if err := p.send(msg); err != nil {
			s.log.Debug().Str("peer", p.ID).Err(err).Msg("heartbeat send failed")
		}
	}
}
