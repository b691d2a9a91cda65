package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// sseClient represents a connected SSE client.
type sseClient struct {
	id     string
	events chan []byte
	done   chan struct{}
}

// SSEServer serves the MCP tools over HTTP with server-sent events.
type SSEServer struct {
	server  *Server
	mu      sync.Mutex
	clients map[string]*sseClient
	nextID  int
}

// NewSSEServer wraps s in the SSE transport.
func NewSSEServer(s *Server) *SSEServer {
	return &SSEServer{server: s, clients: make(map[string]*sseClient)}
}

// Handler routes /sse, /message and /health.
func (s *SSEServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", s.handleSSE)
	mux.HandleFunc("/message", s.handleMessage)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *SSEServer) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.server.Logger.Info("SSE server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *SSEServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.mu.Lock()
	count := len(s.clients)
	s.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]any{
		"status":           "ok",
		"connectedClients": count,
	})
}

func (s *SSEServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	s.mu.Lock()
	s.nextID++
	clientID := fmt.Sprintf("client-%d", s.nextID)
	client := &sseClient{
		id:     clientID,
		events: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	s.clients[clientID] = client
	s.mu.Unlock()

	logger := s.server.Logger.With(zap.String("client", clientID))
	logger.Info("SSE client connected")

	// The endpoint event tells the client where to post requests; the
	// session id routes responses back to this stream.
	messageURL := fmt.Sprintf("http://%s/message?sessionId=%s", r.Host, clientID)
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", messageURL)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			delete(s.clients, clientID)
			s.mu.Unlock()
			close(client.done)
			logger.Info("SSE client disconnected")
			return
		case data := <-client.events:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *SSEServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("sessionId")

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(&JSONRPCResponse{
			JSONRPC: "2.0",
			Error:   &RPCError{Code: -32700, Message: "Parse error"},
		})
		return
	}

	resp := s.server.dispatch(req)
	resp.JSONRPC = "2.0"
	resp.ID = req.ID

	respData, _ := json.Marshal(resp)

	if sessionID != "" {
		s.mu.Lock()
		client, ok := s.clients[sessionID]
		s.mu.Unlock()
		if ok {
			select {
			case client.events <- respData:
			default:
				s.server.Logger.Warn("SSE client buffer full, dropping message", zap.String("client", sessionID))
			}
		}
	}

	// The response also goes back in the HTTP body for request-response
	// clients.
	w.Header().Set("Content-Type", "application/json")
	w.Write(respData)
}
