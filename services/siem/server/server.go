// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package server implements the MCP protocol frontend: stdio and TCP
// transports, the per-connection frame loop, and server lifecycle.
//
// Each wire frame is a single JSON object followed by a newline. A
// connection serves one inbound frame at a time but dispatches tool
// calls concurrently up to a per-connection cap; responses are
// transmitted as they complete and correlate by request ID.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/dshield-mcp/services/siem/features"
	"github.com/AleutianAI/dshield-mcp/services/siem/protocol"
	"github.com/AleutianAI/dshield-mcp/services/siem/ratelimit"
	"github.com/AleutianAI/dshield-mcp/services/siem/tools"
	"github.com/AleutianAI/dshield-mcp/services/siem/validator"
)

// Limits.
const (
	// ConnectionConcurrency caps in-flight tool calls per connection.
	ConnectionConcurrency = 8

	// MaxAuthAttempts closes a TCP connection after this many bad
	// handshakes.
	MaxAuthAttempts = 3

	// DrainTimeout bounds the graceful shutdown drain.
	DrainTimeout = 30 * time.Second
)

// ServerName and ServerVersion identify the implementation in the
// initialize handshake.
const (
	ServerName      = "dshield-mcp"
	ServerVersion   = "1.0.0"
	ProtocolVersion = "2024-11-05"
)

// Config configures the frontend.
type Config struct {
	// Host and Port enable the TCP listener when Port > 0.
	Host string
	Port int

	// APIKeys authenticates TCP connections. Empty disables the
	// handshake (trusted transport).
	APIKeys map[string]struct{}
}

// Server is the protocol frontend.
//
// Thread Safety: safe for concurrent use.
type Server struct {
	config     Config
	logger     *slog.Logger
	validator  *validator.Validator
	limits     *ratelimit.Hierarchy
	dispatcher *tools.Dispatcher
	registry   *tools.Registry
	featMgr    *features.Manager

	mu        sync.Mutex
	listener  net.Listener
	conns     map[*conn]struct{}
	draining  bool
	connWg    sync.WaitGroup
	shutdown  chan struct{}
	closeOnce sync.Once
}

// New creates a Server.
func New(config Config, v *validator.Validator, limits *ratelimit.Hierarchy,
	dispatcher *tools.Dispatcher, registry *tools.Registry,
	featMgr *features.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:     config,
		logger:     logger.With(slog.String("component", "server")),
		validator:  v,
		limits:     limits,
		dispatcher: dispatcher,
		registry:   registry,
		featMgr:    featMgr,
		conns:      make(map[*conn]struct{}),
		shutdown:   make(chan struct{}),
	}
}

// ServeStdio runs the stdio transport until EOF, ctx cancellation, or a
// shutdown notification. Stdio connections are trusted and skip the
// API-key handshake.
func (s *Server) ServeStdio(ctx context.Context) error {
	c := s.newConn(ctx, "stdio", os.Stdin, os.Stdout, true)
	s.track(c)
	defer s.untrack(c)
	if err := c.serve(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ServeTCP runs the TCP accept loop until the listener closes.
func (s *Server) ServeTCP(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.logger.Info("tcp transport listening", slog.String("addr", addr))

	for {
		raw, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		authed := len(s.config.APIKeys) == 0
		c := s.newConn(ctx, uuid.NewString(), raw, raw, authed)
		c.closer = raw
		c.remoteAddr = raw.RemoteAddr().String()
		s.track(c)
		s.connWg.Add(1)
		go func() {
			defer s.connWg.Done()
			defer s.untrack(c)
			if err := c.serve(); err != nil && !errors.Is(err, io.EOF) {
				s.logger.Warn("connection closed with error",
					slog.String("conn_id", c.id),
					slog.Any("error", err))
			}
		}()
	}
}

// Shutdown drains in-flight work for at most DrainTimeout, then forces
// the remaining connections closed. Idempotent.
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.shutdown)
		s.mu.Lock()
		s.draining = true
		listener := s.listener
		conns := make([]*conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		if listener != nil {
			_ = listener.Close()
		}

		done := make(chan struct{})
		go func() {
			s.connWg.Wait()
			close(done)
		}()
		select {
		case <-done:
			s.logger.Info("shutdown drain complete")
		case <-time.After(DrainTimeout):
			s.logger.Warn("shutdown drain timed out, forcing connections closed")
			for _, c := range conns {
				c.cancel()
			}
		}
	})
}

// Draining reports whether shutdown has begun.
func (s *Server) Draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

func (s *Server) track(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.limits.ReleaseConnection(c.id)
	c.cancel()
}

// authenticate checks a TCP handshake key.
func (s *Server) authenticate(key string) bool {
	_, ok := s.config.APIKeys[key]
	return ok
}

// ErrDraining is returned to requests that arrive during shutdown.
var ErrDraining = protocol.NewToolError(protocol.KindUpstreamUnavailable, "server is shutting down")
