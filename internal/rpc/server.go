// Package rpc provides the resolver's JSON-RPC 2.0 status server, a health
// endpoint and a websocket stream of coordinator events.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingdex-resolver/internal/storage"
	"github.com/Klingon-tech/klingdex-resolver/internal/swap"
	"github.com/Klingon-tech/klingdex-resolver/pkg/logging"
)

// Version is reported by resolver_status.
const Version = "0.1.0"

// Coordinator is the part of *swap.Coordinator the server uses.
type Coordinator interface {
	Status() (*swap.Status, error)
	SubmitSecret(ctx context.Context, hashlock, secret string) (*storage.SecretRecord, error)
	OnEvent(handler swap.EventHandler)
}

// Config configures a Server.
type Config struct {
	Store       *storage.Storage
	Coordinator Coordinator
	Resolver    common.Address

	// Metrics is served on /metrics when set.
	Metrics http.Handler
}

// Server is a JSON-RPC 2.0 server.
type Server struct {
	store    *storage.Storage
	coord    Coordinator
	resolver common.Address
	metrics  http.Handler
	started  time.Time
	log      *logging.Logger
	hub      *WSHub

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Error codes. The -320xx range is application specific.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
	NotFound       = -32004
	Unavailable    = -32003
)

// NewServer creates a server and subscribes its websocket hub to
// coordinator events.
func NewServer(cfg *Config) (*Server, error) {
	if cfg.Store == nil || cfg.Coordinator == nil {
		return nil, errors.New("rpc: store and coordinator are required")
	}
	s := &Server{
		store:    cfg.Store,
		coord:    cfg.Coordinator,
		resolver: cfg.Resolver,
		metrics:  cfg.Metrics,
		started:  time.Now(),
		log:      logging.GetDefault().Component("rpc"),
		hub:      NewWSHub(),
		handlers: make(map[string]Handler),
	}
	s.registerHandlers()
	s.coord.OnEvent(func(ev swap.SwapEvent) {
		s.hub.Broadcast(ev)
	})
	return s, nil
}

func (s *Server) registerHandlers() {
	s.handlers["resolver_status"] = s.resolverStatus
	s.handlers["swaps_get"] = s.swapsGet
	s.handlers["swaps_list"] = s.swapsList
	s.handlers["secrets_stats"] = s.secretsStats
	s.handlers["secrets_submit"] = s.secretsSubmit
	s.handlers["secrets_pending"] = s.secretsPending
}

// Handler returns the HTTP routes, for embedding or tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWS)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.hub.Run()

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down and disconnects websocket clients.
func (s *Server) Stop() error {
	s.hub.Stop()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// WSHub returns the websocket hub.
func (s *Server) WSHub() *WSHub {
	return s.hub
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, nil, &Error{Code: ParseError, Message: "Parse error"})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.writeError(w, req.ID, &Error{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		s.writeError(w, req.ID, &Error{Code: MethodNotFound, Message: "Method not found", Data: req.Method})
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		s.writeError(w, req.ID, toRPCError(err))
		return
	}
	s.writeResult(w, req.ID, result)
}

// toRPCError maps domain errors onto JSON-RPC codes.
func toRPCError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	switch {
	case errors.Is(err, storage.ErrSwapNotFound), errors.Is(err, storage.ErrSecretNotFound):
		return &Error{Code: NotFound, Message: err.Error()}
	case swap.Classify(err) == swap.ClassValidation:
		return &Error{Code: InvalidParams, Message: err.Error()}
	}
	return &Error{Code: InternalError, Message: err.Error()}
}

func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	writeJSON(w, http.StatusOK, Response{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, e *Error) {
	writeJSON(w, http.StatusOK, Response{JSONRPC: "2.0", Error: e, ID: id})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// HealthResult is the body of GET /health: the coordinator status plus a
// summary verdict.
type HealthResult struct {
	Health string `json:"health"`
	*swap.Status
	Error string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResult{Health: "unavailable", Error: err.Error()})
		return
	}
	st, err := s.coord.Status()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResult{Health: "unavailable", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, HealthResult{Health: "ok", Status: st})
}
