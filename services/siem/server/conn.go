// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/AleutianAI/dshield-mcp/services/siem/protocol"
	"github.com/AleutianAI/dshield-mcp/services/siem/validator"
)

// conn serves one transport connection. The read loop pulls one frame
// at a time; request handling runs on goroutines bounded by a
// semaphore, and the write side is serialized by a mutex so concurrent
// completions interleave at frame granularity only.
type conn struct {
	server *Server
	id     string
	logger *slog.Logger

	ctx        context.Context
	cancelFunc context.CancelFunc

	reader *bufio.Reader
	closer io.Closer

	writeMu sync.Mutex
	writer  io.Writer

	sem      chan struct{}
	inflight sync.WaitGroup

	authed       bool
	authAttempts int
	apiKey       string
	remoteAddr   string
}

func (s *Server) newConn(ctx context.Context, id string, r io.Reader, w io.Writer, authed bool) *conn {
	connCtx, cancel := context.WithCancel(ctx)
	return &conn{
		server:     s,
		id:         id,
		logger:     s.logger.With(slog.String("conn_id", id)),
		ctx:        connCtx,
		cancelFunc: cancel,
		reader:     bufio.NewReaderSize(r, 64*1024),
		writer:     w,
		sem:        make(chan struct{}, ConnectionConcurrency),
		authed:     authed,
		apiKey:     "anonymous",
	}
}

// cancel aborts every in-flight call on the connection.
func (c *conn) cancel() {
	c.cancelFunc()
	if c.closer != nil {
		_ = c.closer.Close()
	}
}

// serve runs the frame loop until EOF, cancellation, or an
// unrecoverable transport error. Malformed frames are dropped with a
// WARN; the connection survives them, including frames past the size
// limit.
func (c *conn) serve() error {
	defer c.inflight.Wait()

	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case <-c.server.shutdown:
			return nil
		default:
		}

		line, err := c.readLine()
		if err != nil {
			return err
		}
		if len(line) == 0 {
			continue
		}
		// The validator owns the drop-and-log contract; a nil frame
		// means the message was already logged and must be ignored.
		frame, kind := c.server.validator.Validate(line)
		if frame == nil {
			continue
		}

		switch kind {
		case protocol.KindRequest:
			c.handleRequest(frame)
		case protocol.KindNotification:
			c.handleNotification(frame)
		default:
			c.logger.Warn("dropping unexpected frame kind",
				slog.String("kind", kind.String()))
		}
	}
}

// readLine reads one newline-delimited frame. A line past the size
// limit is consumed to its newline but returned truncated just over
// the limit, so the validator's size check drops it and the connection
// keeps serving.
func (c *conn) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		if len(buf) <= validator.MaxMessageSize {
			buf = append(buf, chunk...)
			if len(buf) > validator.MaxMessageSize+1 {
				buf = buf[:validator.MaxMessageSize+1]
			}
		}
		switch {
		case err == nil:
			return trimNewline(buf), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(buf) > 0 {
				return trimNewline(buf), nil
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// handleRequest admits the request through auth and rate limiting, then
// dispatches it on a bounded goroutine.
func (c *conn) handleRequest(frame *protocol.Frame) {
	if !c.authed {
		c.handleAuth(frame)
		return
	}

	if c.server.Draining() {
		c.writeError(frame.ID, protocol.ToErrorObject(ErrDraining))
		return
	}

	if decision := c.server.limits.Check(c.apiKey, c.id); !decision.Allowed {
		err := protocol.NewToolError(protocol.KindRateLimited, "rate limit exceeded").
			WithData("retry_after_ms", decision.RetryAfter.Milliseconds()).
			WithData("tier", decision.Tier)
		c.writeError(frame.ID, protocol.ToErrorObject(err))
		return
	}

	c.sem <- struct{}{}
	c.inflight.Add(1)
	go func() {
		defer func() { <-c.sem }()
		defer c.inflight.Done()
		c.dispatch(frame)
	}()
}

// dispatch routes one authenticated request to a method handler.
func (c *conn) dispatch(frame *protocol.Frame) {
	switch frame.Method {
	case "initialize":
		c.writeResult(frame.ID, map[string]any{
			"protocolVersion": ProtocolVersion,
			"serverInfo": map[string]any{
				"name":    ServerName,
				"version": ServerVersion,
			},
			"capabilities": map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
		})

	case "ping":
		c.writeResult(frame.ID, map[string]any{})

	case "tools/list":
		c.writeResult(frame.ID, map[string]any{
			"tools": c.server.registry.List(c.server.featMgr),
		})

	case "tools/call":
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(frame.Params, &params); err != nil || params.Name == "" {
			c.writeError(frame.ID, &protocol.ErrorObject{
				Code:    protocol.CodeInvalidParams,
				Message: "tools/call requires a tool name",
			})
			return
		}
		result, err := c.server.dispatcher.Dispatch(c.ctx, params.Name, params.Arguments)
		if err != nil {
			c.logger.Warn("tool call failed",
				slog.String("tool", params.Name),
				slog.Any("error", err))
			c.writeError(frame.ID, protocol.ToErrorObject(err))
			return
		}
		c.writeResult(frame.ID, map[string]any{"content": result})

	default:
		c.writeError(frame.ID, &protocol.ErrorObject{
			Code:    protocol.CodeUnknownTool,
			Message: "method not found",
			Data:    map[string]any{"method": frame.Method},
		})
	}
}

// handleNotification processes one-way messages in arrival order.
func (c *conn) handleNotification(frame *protocol.Frame) {
	switch frame.Method {
	case "initialized", "notifications/initialized":
		c.logger.Info("client initialized")
	case "shutdown", "notifications/cancelled":
		c.logger.Info("client requested shutdown")
		c.cancelFunc()
	default:
		c.logger.Debug("ignoring notification", slog.String("method", frame.Method))
	}
}

// handleAuth processes the TCP handshake. Three failures close the
// connection.
func (c *conn) handleAuth(frame *protocol.Frame) {
	var params struct {
		APIKey string `json:"api_key"`
	}
	authOK := false
	if frame.Method == "auth" && frame.Params != nil {
		if err := json.Unmarshal(frame.Params, &params); err == nil {
			authOK = c.server.authenticate(params.APIKey)
		}
	}

	if authOK {
		c.authed = true
		c.apiKey = params.APIKey
		c.logger.Info("connection authenticated", slog.String("remote", c.remoteAddr))
		c.writeResult(frame.ID, map[string]any{"authenticated": true})
		return
	}

	c.authAttempts++
	c.logger.Warn("authentication failed",
		slog.String("remote", c.remoteAddr),
		slog.Int("attempt", c.authAttempts))
	c.writeError(frame.ID, &protocol.ErrorObject{
		Code:    protocol.CodeInvalidRequest,
		Message: "authentication required",
	})
	if c.authAttempts >= MaxAuthAttempts {
		c.logger.Warn("closing connection after repeated auth failures",
			slog.String("remote", c.remoteAddr))
		c.cancel()
	}
}

func (c *conn) writeResult(id *json.RawMessage, result any) {
	frame, err := protocol.NewResponse(id, result)
	if err != nil {
		c.logger.Error("marshaling response failed", slog.Any("error", err))
		c.writeError(id, &protocol.ErrorObject{
			Code:    protocol.CodeInternal,
			Message: "internal server error",
		})
		return
	}
	c.writeFrame(frame)
}

func (c *conn) writeError(id *json.RawMessage, errObj *protocol.ErrorObject) {
	c.writeFrame(protocol.NewErrorResponse(id, errObj))
}

// writeFrame transmits one frame plus the trailing newline atomically
// with respect to other writers on this connection.
func (c *conn) writeFrame(frame *protocol.Frame) {
	data, err := frame.Encode()
	if err != nil {
		c.logger.Error("encoding frame failed", slog.Any("error", err))
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(append(data, '\n')); err != nil {
		c.logger.Warn("writing frame failed", slog.Any("error", err))
		c.cancelFunc()
	}
}
