package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/jeeves-cluster-organization/flowkernel/coreengine/api"
	"github.com/jeeves-cluster-organization/flowkernel/coreengine/kernel"
)

// Request is the JSON payload of a request frame.
type Request struct {
	// ID correlates the response with its request. Echoed back verbatim.
	ID string `json:"id,omitempty"`

	// Method names the call, e.g. "CreateProcess".
	Method string `json:"method"`

	// Params is the method-specific request body.
	Params json.RawMessage `json:"params,omitempty"`

	// Stream asks the server to deliver a list result as individual
	// stream chunks followed by a stream end frame.
	Stream bool `json:"stream,omitempty"`
}

// Response is the JSON payload of a response frame.
type Response struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// ErrorResponse is the JSON payload of an error frame.
type ErrorResponse struct {
	ID       string `json:"id,omitempty"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

// Server accepts framed connections and dispatches requests into the
// kernel call surface. Each connection is handled on its own goroutine;
// frames within a connection are processed in order.
type Server struct {
	service       *api.Service
	logger        kernel.Logger
	maxFrameBytes int

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates a framed transport server over the call surface.
// maxFrameBytes caps inbound and outbound frame lengths; zero or negative
// selects DefaultMaxFrameLength. Clients must be configured with the same
// limit.
func NewServer(service *api.Service, logger kernel.Logger, maxFrameBytes int) *Server {
	if logger == nil {
		logger = kernel.NopLogger{}
	}
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameLength
	}
	return &Server{
		service:       service,
		logger:        logger,
		maxFrameBytes: maxFrameBytes,
		conns:         make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until ctx is cancelled. The listener
// and all open connections are closed on the way out.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("ipc_server_started", "address", ln.Addr().String())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		ln.Close()
		s.closeConns()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("ipc_server_stopped")
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.trackConn(conn, true)
		kernel.SafeGo(s.logger, "ipc.handleConn", func() {
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.handleConn(ctx, conn)
		}, nil)
	}
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := ReadFrame(conn, s.maxFrameBytes)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				s.logger.Warn("ipc_read_failed", "error", err.Error())
			}
			return
		}
		if frame.Type != MsgTypeRequest {
			s.writeError(conn, "", kernel.Errorf(kernel.ErrValidation, "ipc.handleConn", "unexpected frame type 0x%02x", frame.Type))
			continue
		}

		var req Request
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			s.writeError(conn, "", kernel.Errorf(kernel.ErrValidation, "ipc.handleConn", "malformed request: %v", err))
			continue
		}

		result, err := s.service.Dispatch(ctx, req.Method, req.Params)
		if err != nil {
			s.writeError(conn, req.ID, err)
			continue
		}
		if req.Stream {
			s.writeStream(conn, result)
			continue
		}
		s.writeResponse(conn, req.ID, result)
	}
}

func (s *Server) writeResponse(conn net.Conn, id string, result any) {
	body, err := json.Marshal(result)
	if err != nil {
		s.writeError(conn, id, kernel.WrapInternal("ipc.writeResponse", err))
		return
	}
	payload, err := json.Marshal(&Response{ID: id, Result: body})
	if err != nil {
		s.writeError(conn, id, kernel.WrapInternal("ipc.writeResponse", err))
		return
	}
	if err := WriteFrame(conn, Frame{Type: MsgTypeResponse, Payload: payload}, s.maxFrameBytes); err != nil {
		s.logger.Warn("ipc_write_failed", "error", err.Error())
	}
}

// writeStream delivers a list result element by element. List responses
// wrapped in a single-field object (ListProcesses, GetPendingForSession)
// are unwrapped first; anything else degrades to a single chunk.
func (s *Server) writeStream(conn net.Conn, result any) {
	body, err := json.Marshal(result)
	if err != nil {
		s.writeError(conn, "", kernel.WrapInternal("ipc.writeStream", err))
		return
	}

	elements := streamElements(body)
	for _, element := range elements {
		if err := WriteFrame(conn, Frame{Type: MsgTypeStreamChunk, Payload: element}, s.maxFrameBytes); err != nil {
			s.logger.Warn("ipc_write_failed", "error", err.Error())
			return
		}
	}
	if err := WriteFrame(conn, Frame{Type: MsgTypeStreamEnd}, s.maxFrameBytes); err != nil {
		s.logger.Warn("ipc_write_failed", "error", err.Error())
	}
}

func streamElements(body []byte) []json.RawMessage {
	var elements []json.RawMessage
	if err := json.Unmarshal(body, &elements); err == nil {
		return elements
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapper); err == nil && len(wrapper) == 1 {
		for _, inner := range wrapper {
			if err := json.Unmarshal(inner, &elements); err == nil {
				return elements
			}
		}
	}
	return []json.RawMessage{body}
}

func (s *Server) writeError(conn net.Conn, id string, callErr error) {
	wire := api.Categorize(callErr)
	payload, err := json.Marshal(&ErrorResponse{ID: id, Category: wire.Category, Message: wire.Message})
	if err != nil {
		return
	}
	if err := WriteFrame(conn, Frame{Type: MsgTypeError, Payload: payload}, s.maxFrameBytes); err != nil {
		s.logger.Warn("ipc_write_failed", "error", err.Error())
	}
}
