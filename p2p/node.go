package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler processes one message and returns the reply payload.
type Handler func(ctx context.Context, msg Message) (any, error)

// CodedError lets a handler attach a machine-readable code to its failure.
type CodedError interface {
	error
	Code() string
}

// Node is a network participant: it serves registered handlers on /message
// and sends messages to the peers in its directory.
type Node struct {
	ID      string
	Address string
	Peers   map[string]string // Map of Node ID to its address
	// MaxMessageSize caps request and reply bodies.
	MaxMessageSize int64

	server   *http.Server
	listener net.Listener
	client   *http.Client
	logger   zerolog.Logger
	serveErr chan error

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	healthMutex sync.Mutex
	health      map[string]bool
}

// NewNode creates and initializes a new Node. A ping handler is always registered.
func NewNode(id, address string, peers map[string]string, logger zerolog.Logger) *Node {
	if peers == nil {
		peers = make(map[string]string)
	}
	n := &Node{
		ID:             id,
		Address:        address,
		Peers:          peers,
		MaxMessageSize: DefaultMaxMessageSize,
		client:         &http.Client{Timeout: 5 * time.Minute},
		logger:         logger.With().Str("node", id).Logger(),
		serveErr:       make(chan error, 1),
		handlers:       make(map[string]Handler),
		health:         make(map[string]bool),
	}
	n.RegisterHandler(MsgPing, func(_ context.Context, _ Message) (any, error) {
		return Pong{NodeID: n.ID, Time: time.Now().UTC()}, nil
	})
	return n
}

// RegisterHandler installs h for messages of type msgType, replacing any
// previous handler.
func (n *Node) RegisterHandler(msgType string, h Handler) {
	n.handlersMu.Lock()
	defer n.handlersMu.Unlock()
	n.handlers[msgType] = h
}

// Start binds the listener and serves in the background. Address is updated
// with the bound address, so ":0" can be used to pick a free port.
func (n *Node) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /message", n.messageHandler)

	listener, err := net.Listen("tcp", n.Address)
	if err != nil {
		return fmt.Errorf("node %s: failed to listen: %w", n.ID, err)
	}
	n.listener = listener
	n.Address = listener.Addr().String()
	n.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		n.logger.Info().Str("address", n.Address).Msg("server starting")
		err := n.server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		n.serveErr <- err
		n.logger.Info().Msg("server stopped")
	}()
	return nil
}

// Shutdown stops the server gracefully.
func (n *Node) Shutdown(ctx context.Context) error {
	if n.server == nil {
		return nil
	}
	if err := n.server.Shutdown(ctx); err != nil {
		return err
	}
	return <-n.serveErr
}

// messageHandler decodes the envelope and dispatches it by type.
func (n *Node) messageHandler(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, n.MaxMessageSize)).Decode(&msg); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			n.logger.Warn().Int64("limit", tooLarge.Limit).Msg("message too large")
			writeResponse(w, http.StatusRequestEntityTooLarge, Response{Error: "message too large", Code: "too_large"})
			return
		}
		n.logger.Warn().Err(err).Msg("bad request")
		writeResponse(w, http.StatusBadRequest, Response{Error: "invalid request body", Code: "bad_request"})
		return
	}

	n.handlersMu.RLock()
	h, ok := n.handlers[msg.Type]
	n.handlersMu.RUnlock()
	if !ok {
		n.logger.Warn().Str("type", msg.Type).Str("sender", msg.SenderID).Msg("unknown message type")
		writeResponse(w, http.StatusBadRequest, Response{Error: "unknown message type " + msg.Type, Code: "unknown_type"})
		return
	}

	n.logger.Debug().Str("type", msg.Type).Str("sender", msg.SenderID).Msg("message received")
	reply, err := h(r.Context(), msg)
	if err != nil {
		resp := Response{Error: err.Error()}
		var coded CodedError
		if errors.As(err, &coded) {
			resp.Code = coded.Code()
		}
		writeResponse(w, http.StatusUnprocessableEntity, resp)
		return
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		writeResponse(w, http.StatusInternalServerError, Response{Error: "failed to marshal reply"})
		return
	}
	writeResponse(w, http.StatusOK, Response{Payload: payload})
}

func writeResponse(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// SendMessage sends a message to a peer and decodes the reply payload into
// out, unless out is nil. Handler failures are returned as *RemoteError.
func (n *Node) SendMessage(ctx context.Context, targetID, messageType string, payload, out any) error {
	targetAddress, ok := n.Peers[targetID]
	if !ok {
		return fmt.Errorf("peer '%s' not found in directory", targetID)
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	messageBytes, err := json.Marshal(Message{Type: messageType, Payload: payloadBytes, SenderID: n.ID})
	if err != nil {
		return fmt.Errorf("failed to marshal message envelope: %w", err)
	}

	n.logger.Debug().Str("type", messageType).Str("peer", targetID).Msg("sending message")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+targetAddress+"/message", bytes.NewReader(messageBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, n.MaxMessageSize))
	if err != nil {
		return fmt.Errorf("failed to read reply: %w", err)
	}
	var reply Response
	if err := json.Unmarshal(body, &reply); err != nil {
		return fmt.Errorf("peer returned %s with undecodable body: %w", resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &RemoteError{Peer: targetID, Status: resp.StatusCode, Code: reply.Code, Message: reply.Error}
	}
	if out != nil {
		if err := json.Unmarshal(reply.Payload, out); err != nil {
			return fmt.Errorf("failed to unmarshal reply payload: %w", err)
		}
	}
	return nil
}

// HealthCheck pings every peer and records which ones answered.
func (n *Node) HealthCheck(ctx context.Context) {
	var wg sync.WaitGroup
	for id := range n.Peers {
		if id == n.ID {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			var pong Pong
			err := n.SendMessage(ctx, id, MsgPing, Ping{Time: time.Now().UTC()}, &pong)
			healthy := err == nil && pong.NodeID == id
			if !healthy {
				n.logger.Warn().Err(err).Str("peer", id).Msg("peer unhealthy")
			}
			n.healthMutex.Lock()
			n.health[id] = healthy
			n.healthMutex.Unlock()
		}(id)
	}
	wg.Wait()
}

// Healthy reports the result of the last health check for peer.
func (n *Node) Healthy(peer string) bool {
	n.healthMutex.Lock()
	defer n.healthMutex.Unlock()
	return n.health[peer]
}
