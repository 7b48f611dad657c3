// Package server implements the chat server: connection registry, liveness,
// presence, message routing and the HTTP/WebSocket surface around them.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aeolun/duochat/pkg/attachments"
	"github.com/aeolun/duochat/pkg/auth"
	"github.com/aeolun/duochat/pkg/database"
)

var (
	debugLog = log.New(io.Discard, "DEBUG: ", log.Ldate|log.Ltime|log.Lmicroseconds)
	errorLog = log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime|log.Lmicroseconds)
)

// Server represents the chat server
type Server struct {
	store        DatabaseStore
	files        *attachments.Store
	tokens       *auth.TokenService
	hub          *Hub
	metrics      *Metrics
	promRegistry *prometheus.Registry
	config       ServerConfig
	httpServer   *http.Server
	listener     net.Listener
	startTime    time.Time
}

// OpenStore opens the configured persistence backend
func OpenStore(config ServerConfig) (DatabaseStore, error) {
	path, err := ExpandPath(config.DatabasePath)
	if err != nil {
		return nil, err
	}

	switch config.StoreBackend {
	case BackendBadger:
		db, err := database.OpenBadger(path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case BackendSQLite, "":
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		db, err := database.Open(path)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", config.StoreBackend)
	}
}

// NewServer creates a new server instance
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	store, err := OpenStore(config)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	srv, err := NewServerWithStore(config, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return srv, nil
}

// NewServerWithStore creates a server around an already opened store
func NewServerWithStore(config ServerConfig, store DatabaseStore) (*Server, error) {
	uploadsDir, err := ExpandPath(config.UploadsDir)
	if err != nil {
		return nil, err
	}
	files, err := attachments.NewStore(uploadsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open uploads directory: %w", err)
	}

	tokens, err := auth.NewTokenService(config.JWTSecret, config.TokenTTL)
	if err != nil {
		return nil, err
	}

	promRegistry := prometheus.NewRegistry()
	metrics := NewMetrics(promRegistry)

	hub := NewHub(HubConfig{
		Liveness: LivenessConfig{
			HeartbeatInterval: config.HeartbeatInterval,
			PongTimeout:       config.PongTimeout,
		},
		RejectInvalidMessages: config.RejectInvalidMessages,
	}, tokens, store, files, metrics)

	return &Server{
		store:        store,
		files:        files,
		tokens:       tokens,
		hub:          hub,
		metrics:      metrics,
		promRegistry: promRegistry,
		config:       config,
		startTime:    time.Now(),
	}, nil
}

// EnableDebugLogging turns on verbose connection logging
func (s *Server) EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}

// Start listens on the configured HTTP port and serves in the background
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("HTTP server listening on %s", listener.Addr())

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()

	return nil
}

// Addr returns the listening address once started
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errorLog.Printf("HTTP shutdown: %v", err)
		}
		s.httpServer = nil
	}

	// Hijacked WebSocket connections are not covered by Shutdown
	s.hub.Close()

	return s.store.Close()
}
