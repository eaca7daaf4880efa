package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/knirvcorp/meshgraph/internal/logging"
	"github.com/knirvcorp/meshgraph/internal/model"
)

// TCPTransport is a line-delimited-JSON transport over plain TCP. Peers
// exchange a "MESH:<node_id>" handshake line before any protocol messages
// flow, so each side can identify the other on accept as well as on dial.
type TCPTransport struct {
	nodeID   model.NodeID
	logger   *logging.Logger
	listener net.Listener

	mu      sync.RWMutex
	conns   map[model.NodeID]net.Conn
	handler Handler
	closed  bool
}

// NewTCPTransport starts a listener at addr (":0" for an ephemeral port)
// and returns a transport identified on the wire as nodeID.
func NewTCPTransport(nodeID model.NodeID, addr string, logger *logging.Logger) (*TCPTransport, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", addr, err)
	}

	t := &TCPTransport{
		nodeID:   nodeID,
		logger:   logger,
		listener: listener,
		conns:    make(map[model.NodeID]net.Conn),
	}
	go t.acceptLoop()
	return t, nil
}

// Addr returns the listener's bound address, for peers to dial.
func (t *TCPTransport) Addr() net.Addr { return t.listener.Addr() }

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			t.mu.RLock()
			closed := t.closed
			t.mu.RUnlock()
			if closed {
				return
			}
			if t.logger != nil {
				t.logger.WithError(err).Warn("transport: accept failed")
			}
			continue
		}
		go t.handleInbound(conn)
	}
}

func (t *TCPTransport) handleInbound(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	if !scanner.Scan() {
		conn.Close()
		return
	}

	peerID, ok := parseHandshake(scanner.Text())
	if !ok {
		conn.Close()
		return
	}
	if _, err := fmt.Fprintf(conn, "MESH:%s\n", t.nodeID); err != nil {
		conn.Close()
		return
	}

	t.registerConn(peerID, conn)
	t.readLoop(peerID, conn, scanner)
}

// Connect dials addr, performs the MESH handshake, and registers the
// resulting connection under the peer's announced node id.
func (t *TCPTransport) Connect(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	if _, err := fmt.Fprintf(conn, "MESH:%s\n", t.nodeID); err != nil {
		conn.Close()
		return fmt.Errorf("transport: send handshake to %s: %w", addr, err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	if !scanner.Scan() {
		conn.Close()
		return fmt.Errorf("transport: no handshake response from %s", addr)
	}
	peerID, ok := parseHandshake(scanner.Text())
	if !ok {
		conn.Close()
		return fmt.Errorf("transport: malformed handshake from %s", addr)
	}

	t.registerConn(peerID, conn)
	go t.readLoop(peerID, conn, scanner)
	return nil
}

func parseHandshake(line string) (model.NodeID, bool) {
	parts := strings.SplitN(strings.TrimSpace(line), ":", 2)
	if len(parts) != 2 || parts[0] != "MESH" || parts[1] == "" {
		return "", false
	}
	return model.NodeID(parts[1]), true
}

func (t *TCPTransport) registerConn(peerID model.NodeID, conn net.Conn) {
	t.mu.Lock()
	t.conns[peerID] = conn
	t.mu.Unlock()
}

func (t *TCPTransport) readLoop(peerID model.NodeID, conn net.Conn, scanner *bufio.Scanner) {
	defer func() {
		t.mu.Lock()
		delete(t.conns, peerID)
		t.mu.Unlock()
		conn.Close()
	}()

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			if t.logger != nil {
				t.logger.WithError(err).Warn("transport: discarding malformed message")
			}
			continue
		}

		t.mu.RLock()
		h := t.handler
		t.mu.RUnlock()
		if h != nil {
			h(peerID, msg)
		}
	}
}

func (t *TCPTransport) OnMessage(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *TCPTransport) Broadcast(msg Message) error {
	t.mu.RLock()
	conns := make([]net.Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.RUnlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: marshal message: %w", err)
	}

	for _, c := range conns {
		if _, err := fmt.Fprintf(c, "%s\n", data); err != nil && t.logger != nil {
			t.logger.WithError(err).Warn("transport: broadcast send failed")
		}
	}
	return nil
}

func (t *TCPTransport) Send(peerID model.NodeID, msg Message) error {
	t.mu.RLock()
	conn, ok := t.conns[peerID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: peer not connected: %s", peerID)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: marshal message: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return fmt.Errorf("transport: send to %s: %w", peerID, err)
	}
	return nil
}

func (t *TCPTransport) Peers() []model.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.NodeID, 0, len(t.conns))
	for id := range t.conns {
		out = append(out, id)
	}
	return out
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	for _, c := range t.conns {
		c.Close()
	}
	t.conns = make(map[model.NodeID]net.Conn)
	t.mu.Unlock()

	return t.listener.Close()
}
