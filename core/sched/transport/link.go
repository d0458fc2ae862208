package transport

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stc-ai/stc-swarm/core/sched/common"
)

// LinkConfig holds node link configuration.
type LinkConfig struct {
	// Connection settings
	ConnectionTimeout time.Duration `json:"connection_timeout"`
	KeepAliveInterval time.Duration `json:"keepalive_interval"`
	MaxMessageSize    int64         `json:"max_message_size"`

	// Request settings
	RequestTimeout time.Duration `json:"request_timeout"`

	// Metrics settings
	MetricsInterval time.Duration `json:"metrics_interval"`
}

// DefaultLinkConfig returns sensible production defaults.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		ConnectionTimeout: 10 * time.Second,
		KeepAliveInterval: 30 * time.Second,
		MaxMessageSize:    1024 * 1024 * 10, // 10MB
		RequestTimeout:    30 * time.Second,
		MetricsInterval:   10 * time.Second,
	}
}

// WebSocketLink is the hub side of the node link. Nodes dial in over
// WebSocket and exchange JSON envelopes; requests correlate replies by
// envelope ID.
type WebSocketLink struct {
	nodeID string
	config LinkConfig
	codec  *Codec

	// Connections
	conns  map[string]*nodeConn
	connMu sync.RWMutex

	// Handlers by envelope type
	handlers  map[string]common.LinkHandler
	handlerMu sync.RWMutex

	// In-flight requests awaiting acks
	pending   map[string]chan *common.LinkEnvelope
	pendingMu sync.RWMutex

	upgrader websocket.Upgrader

	// Metrics
	stats          common.LinkStats
	statsMu        sync.RWMutex
	latencySamples []float64
	samplesMu      sync.Mutex

	shutdown chan struct{}
	started  atomic.Bool
	logger   *slog.Logger
}

type nodeConn struct {
	nodeID      string
	conn        *websocket.Conn
	writeMu     sync.Mutex
	lastContact time.Time
	mu          sync.RWMutex
}

// NewWebSocketLink creates the link hub for the given local node ID.
func NewWebSocketLink(nodeID string, config LinkConfig, logger *slog.Logger) *WebSocketLink {
	if logger == nil {
		logger = slog.Default()
	}

	return &WebSocketLink{
		nodeID:   nodeID,
		config:   config,
		codec:    NewCodec(),
		conns:    make(map[string]*nodeConn),
		handlers: make(map[string]common.LinkHandler),
		pending:  make(map[string]chan *common.LinkEnvelope),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		shutdown: make(chan struct{}),
		logger:   logger.With("component", "link", "node_id", getShortID(nodeID)),
	}
}

// Start launches the background workers.
func (l *WebSocketLink) Start(ctx context.Context) error {
	if l.started.Load() {
		return errors.New("link already started")
	}

	go l.connectionManager()
	go l.metricsCollector()

	l.started.Store(true)
	l.logger.Info("node link started")
	return nil
}

// Stop closes all connections and halts the workers.
func (l *WebSocketLink) Stop() error {
	if !l.started.Load() {
		return nil
	}

	close(l.shutdown)

	l.connMu.Lock()
	for nodeID, nc := range l.conns {
		nc.conn.Close()
		delete(l.conns, nodeID)
	}
	l.connMu.Unlock()

	l.started.Store(false)
	l.logger.Info("node link stopped")
	return nil
}

// ServeHTTP upgrades an inbound node connection. The remote identifies
// itself with the node_id query parameter.
func (l *WebSocketLink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	remoteID := r.URL.Query().Get("node_id")
	if remoteID == "" {
		http.Error(w, "node_id query parameter required", http.StatusBadRequest)
		return
	}

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	l.register(remoteID, conn)
}

// Connect dials a remote hub. Used by nodes linking up to a coordinator.
func (l *WebSocketLink) Connect(ctx context.Context, remoteID string, wsURL string) error {
	if remoteID == l.nodeID {
		return errors.New("cannot connect to self")
	}
	if l.Connected(remoteID) {
		return nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: l.config.ConnectionTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", wsURL, err)
	}

	l.register(remoteID, conn)
	l.logger.Debug("connected to remote hub", "remote", getShortID(remoteID))
	return nil
}

// Disconnect closes the connection to a node.
func (l *WebSocketLink) Disconnect(nodeID string) {
	l.connMu.Lock()
	if nc, exists := l.conns[nodeID]; exists {
		nc.conn.Close()
		delete(l.conns, nodeID)
	}
	l.connMu.Unlock()
}

// Connected reports whether a node link is open.
func (l *WebSocketLink) Connected(nodeID string) bool {
	l.connMu.RLock()
	defer l.connMu.RUnlock()
	_, exists := l.conns[nodeID]
	return exists
}

// ConnectedNodes returns the IDs of all linked nodes.
func (l *WebSocketLink) ConnectedNodes() []string {
	l.connMu.RLock()
	defer l.connMu.RUnlock()

	nodes := make([]string, 0, len(l.conns))
	for id := range l.conns {
		nodes = append(nodes, id)
	}
	return nodes
}

// Send delivers a one-way envelope to a node.
func (l *WebSocketLink) Send(ctx context.Context, nodeID string, envType string, payload interface{}) error {
	env, err := l.newEnvelope(envType, payload)
	if err != nil {
		return err
	}
	return l.write(nodeID, env)
}

// Request sends an envelope and blocks for the matching ack, decoding
// its payload into reply when non-nil.
func (l *WebSocketLink) Request(ctx context.Context, nodeID string, envType string, payload interface{}, reply interface{}) error {
	env, err := l.newEnvelope(envType, payload)
	if err != nil {
		return err
	}

	respChan := make(chan *common.LinkEnvelope, 1)
	l.pendingMu.Lock()
	l.pending[env.ID] = respChan
	l.pendingMu.Unlock()

	defer func() {
		l.pendingMu.Lock()
		delete(l.pending, env.ID)
		l.pendingMu.Unlock()
	}()

	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, l.config.RequestTimeout)
	defer cancel()

	if err := l.write(nodeID, env); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp := <-respChan:
		l.recordLatency(float64(time.Since(start).Milliseconds()))

		if resp.Type == common.EnvelopeError {
			var remoteErr struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}
			raw, derr := l.codec.DecodePayload(resp.Payload, resp.Encoding)
			if derr == nil {
				_ = json.Unmarshal(raw, &remoteErr)
			}
			return fmt.Errorf("remote error from %s: %s (%s)", getShortID(nodeID), remoteErr.Message, remoteErr.Code)
		}

		if reply != nil && len(resp.Payload) > 0 {
			raw, derr := l.codec.DecodePayload(resp.Payload, resp.Encoding)
			if derr != nil {
				return derr
			}
			if err := json.Unmarshal(raw, reply); err != nil {
				return fmt.Errorf("failed to unmarshal reply: %w", err)
			}
		}
		return nil
	}
}

// Broadcast sends an envelope to every linked node.
func (l *WebSocketLink) Broadcast(ctx context.Context, envType string, payload interface{}) error {
	nodes := l.ConnectedNodes()

	var wg sync.WaitGroup
	errs := make(chan error, len(nodes))

	for _, nodeID := range nodes {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := l.Send(ctx, id, envType, payload); err != nil {
				errs <- fmt.Errorf("failed to broadcast to %s: %w", getShortID(id), err)
			}
		}(nodeID)
	}

	wg.Wait()
	close(errs)

	var broadcastErr error
	for err := range errs {
		if broadcastErr == nil {
			broadcastErr = err
		} else {
			broadcastErr = fmt.Errorf("%v; %v", broadcastErr, err)
		}
	}
	return broadcastErr
}

// RegisterHandler installs the handler for an envelope type.
func (l *WebSocketLink) RegisterHandler(envType string, handler common.LinkHandler) {
	l.handlerMu.Lock()
	defer l.handlerMu.Unlock()
	l.handlers[envType] = handler
}

// Stats returns a snapshot of link counters.
func (l *WebSocketLink) Stats() common.LinkStats {
	active := uint32(len(l.ConnectedNodes()))

	l.statsMu.RLock()
	defer l.statsMu.RUnlock()

	stats := l.stats
	stats.ActiveConnections = active
	return stats
}

// ========== Internal Methods ==========

func (l *WebSocketLink) register(remoteID string, conn *websocket.Conn) {
	conn.SetReadLimit(l.config.MaxMessageSize)

	nc := &nodeConn{
		nodeID:      remoteID,
		conn:        conn,
		lastContact: time.Now(),
	}

	conn.SetPongHandler(func(appData string) error {
		if sentAt, err := time.Parse(time.RFC3339Nano, appData); err == nil {
			l.recordLatency(float64(time.Since(sentAt).Milliseconds()))
		}
		nc.touch()
		return nil
	})

	l.connMu.Lock()
	if old, exists := l.conns[remoteID]; exists {
		old.conn.Close()
	}
	l.conns[remoteID] = nc
	l.connMu.Unlock()

	l.statsMu.Lock()
	l.stats.TotalConnections++
	l.statsMu.Unlock()

	go l.readLoop(nc)

	l.logger.Debug("node linked", "remote", getShortID(remoteID))
}

func (l *WebSocketLink) newEnvelope(envType string, payload interface{}) (*common.LinkEnvelope, error) {
	id, err := generateEnvelopeID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate envelope ID: %w", err)
	}

	var data []byte
	encoding := common.EncodingRaw
	if payload != nil {
		data, encoding, err = l.codec.EncodePayload(payload)
		if err != nil {
			return nil, err
		}
	}

	return &common.LinkEnvelope{
		ID:        id,
		Type:      envType,
		From:      l.nodeID,
		Timestamp: time.Now().UnixNano(),
		Version:   ProtocolVersion,
		Encoding:  encoding,
		Payload:   data,
	}, nil
}

func (l *WebSocketLink) write(nodeID string, env *common.LinkEnvelope) error {
	l.connMu.RLock()
	nc, exists := l.conns[nodeID]
	l.connMu.RUnlock()

	if !exists {
		return fmt.Errorf("not linked to node %s", getShortID(nodeID))
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	nc.writeMu.Lock()
	err = nc.conn.WriteMessage(websocket.TextMessage, data)
	nc.writeMu.Unlock()

	if err != nil {
		l.statsMu.Lock()
		l.stats.FailedMessages++
		l.statsMu.Unlock()

		l.Disconnect(nodeID)
		return fmt.Errorf("failed to send to %s: %w", getShortID(nodeID), err)
	}

	l.statsMu.Lock()
	l.stats.BytesSent += uint64(len(data))
	l.stats.MessagesSent++
	l.statsMu.Unlock()

	nc.touch()
	return nil
}

func (l *WebSocketLink) readLoop(nc *nodeConn) {
	defer func() {
		l.Disconnect(nc.nodeID)
		l.logger.Debug("node unlinked", "remote", getShortID(nc.nodeID))
	}()

	for {
		select {
		case <-l.shutdown:
			return
		default:
		}

		_, data, err := nc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.logger.Debug("read failed", "remote", getShortID(nc.nodeID), "error", err)
			}
			return
		}

		l.statsMu.Lock()
		l.stats.BytesReceived += uint64(len(data))
		l.stats.MessagesReceived++
		l.statsMu.Unlock()

		nc.touch()

		var env common.LinkEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			l.logger.Error("failed to unmarshal envelope", "remote", getShortID(nc.nodeID), "error", err)
			continue
		}
		if err := env.Validate(); err != nil {
			l.logger.Error("invalid envelope", "remote", getShortID(nc.nodeID), "error", err)
			continue
		}

		switch env.Type {
		case common.EnvelopeAck, common.EnvelopeError:
			l.routeReply(&env)
		default:
			go l.dispatch(nc.nodeID, &env)
		}
	}
}

func (l *WebSocketLink) routeReply(env *common.LinkEnvelope) {
	l.pendingMu.RLock()
	respChan, exists := l.pending[env.ID]
	l.pendingMu.RUnlock()

	if !exists {
		l.logger.Debug("dropping reply with no waiter", "envelope_id", env.ID)
		return
	}

	select {
	case respChan <- env:
	default:
	}
}

func (l *WebSocketLink) dispatch(from string, env *common.LinkEnvelope) {
	l.handlerMu.RLock()
	handler, exists := l.handlers[env.Type]
	l.handlerMu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), l.config.RequestTimeout)
	defer cancel()

	var result interface{}
	var err error

	if !exists {
		err = fmt.Errorf("no handler for envelope type %q", env.Type)
	} else {
		var raw json.RawMessage
		raw, err = l.codec.DecodePayload(env.Payload, env.Encoding)
		if err == nil {
			result, err = handler(ctx, from, raw)
		}
	}

	reply, buildErr := l.buildReply(env.ID, result, err)
	if buildErr != nil {
		l.logger.Error("failed to build reply", "error", buildErr)
		return
	}

	if werr := l.write(from, reply); werr != nil {
		l.logger.Debug("failed to send reply", "remote", getShortID(from), "error", werr)
	}
}

func (l *WebSocketLink) buildReply(requestID string, result interface{}, handlerErr error) (*common.LinkEnvelope, error) {
	envType := common.EnvelopeAck
	payload := result

	if handlerErr != nil {
		envType = common.EnvelopeError
		payload = map[string]string{
			"code":    "HANDLER_ERROR",
			"message": handlerErr.Error(),
		}
	}

	var data []byte
	encoding := common.EncodingRaw
	if payload != nil {
		var err error
		data, encoding, err = l.codec.EncodePayload(payload)
		if err != nil {
			return nil, err
		}
	}

	// Replies carry the request's ID so the waiter can correlate
	return &common.LinkEnvelope{
		ID:        requestID,
		Type:      envType,
		From:      l.nodeID,
		Timestamp: time.Now().UnixNano(),
		Version:   ProtocolVersion,
		Encoding:  encoding,
		Payload:   data,
	}, nil
}

// connectionManager sends keepalives and reaps stale links.
func (l *WebSocketLink) connectionManager() {
	keepAlive := time.NewTicker(l.config.KeepAliveInterval)
	defer keepAlive.Stop()

	cleanup := time.NewTicker(1 * time.Minute)
	defer cleanup.Stop()

	for {
		select {
		case <-l.shutdown:
			return
		case <-keepAlive.C:
			l.sendKeepAlives()
		case <-cleanup.C:
			l.cleanupStaleConns()
		}
	}
}

func (l *WebSocketLink) sendKeepAlives() {
	l.connMu.RLock()
	conns := make([]*nodeConn, 0, len(l.conns))
	for _, nc := range l.conns {
		conns = append(conns, nc)
	}
	l.connMu.RUnlock()

	deadline := time.Now().Add(5 * time.Second)
	for _, nc := range conns {
		payload := time.Now().Format(time.RFC3339Nano)
		if err := nc.conn.WriteControl(websocket.PingMessage, []byte(payload), deadline); err != nil {
			l.logger.Debug("keepalive failed", "remote", getShortID(nc.nodeID), "error", err)
		}
	}
}

func (l *WebSocketLink) cleanupStaleConns() {
	cutoff := 2 * l.config.KeepAliveInterval

	l.connMu.Lock()
	defer l.connMu.Unlock()

	now := time.Now()
	for nodeID, nc := range l.conns {
		nc.mu.RLock()
		stale := now.Sub(nc.lastContact) > cutoff
		nc.mu.RUnlock()

		if stale {
			l.logger.Debug("reaping stale link", "remote", getShortID(nodeID))
			nc.conn.Close()
			delete(l.conns, nodeID)
		}
	}
}

// metricsCollector folds latency samples into percentiles.
func (l *WebSocketLink) metricsCollector() {
	ticker := time.NewTicker(l.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.shutdown:
			return
		case <-ticker.C:
			l.samplesMu.Lock()
			samples := l.latencySamples
			l.latencySamples = nil
			l.samplesMu.Unlock()

			if len(samples) == 0 {
				continue
			}

			sort.Float64s(samples)
			p50 := samples[int(float64(len(samples))*0.5)]
			p95Idx := int(float64(len(samples)) * 0.95)
			if p95Idx >= len(samples) {
				p95Idx = len(samples) - 1
			}
			p95 := samples[p95Idx]

			l.statsMu.Lock()
			l.stats.LatencyP50 = p50
			l.stats.LatencyP95 = p95
			l.statsMu.Unlock()
		}
	}
}

func (l *WebSocketLink) recordLatency(ms float64) {
	l.samplesMu.Lock()
	if len(l.latencySamples) < 10000 {
		l.latencySamples = append(l.latencySamples, ms)
	}
	l.samplesMu.Unlock()
}

func (nc *nodeConn) touch() {
	nc.mu.Lock()
	nc.lastContact = time.Now()
	nc.mu.Unlock()
}

// ========== Helper Functions ==========

func generateEnvelopeID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

func getShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
