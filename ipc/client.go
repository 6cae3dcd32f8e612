package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// Client is a framed transport client. Safe for concurrent use; calls
// are serialized on the underlying connection.
type Client struct {
	mu            sync.Mutex
	conn          net.Conn
	nextID        uint64
	maxFrameBytes int
}

// Dial connects to a framed transport server.
func Dial(network, address string) (*Client, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// SetMaxFrameBytes overrides the frame length cap for this connection.
// It must match the server's configured limit.
func (c *Client) SetMaxFrameBytes(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxFrameBytes = n
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes one method and returns the raw JSON result. A server
// error frame is surfaced as a *CallError.
func (c *Client) Call(method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	frame, err := c.roundTrip(method, params, false)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(frame.Payload, &resp); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	return resp.Result, nil
}

// CallStream invokes one method with streaming delivery and returns the
// collected chunks.
func (c *Client) CallStream(method string, params any) ([]json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	frame, err := c.roundTrip(method, params, true)
	if err != nil {
		return nil, err
	}
	var chunks []json.RawMessage
	for {
		switch frame.Type {
		case MsgTypeStreamChunk:
			chunks = append(chunks, json.RawMessage(frame.Payload))
		case MsgTypeStreamEnd:
			return chunks, nil
		default:
			return nil, fmt.Errorf("unexpected frame type 0x%02x in stream", frame.Type)
		}
		frame, err = ReadFrame(c.conn, c.maxFrameBytes)
		if err != nil {
			return nil, err
		}
	}
}

func (c *Client) roundTrip(method string, params any, stream bool) (Frame, error) {
	c.nextID++
	var raw json.RawMessage
	if params != nil {
		body, err := json.Marshal(params)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal params: %w", err)
		}
		raw = body
	}
	payload, err := json.Marshal(&Request{
		ID:     strconv.FormatUint(c.nextID, 10),
		Method: method,
		Params: raw,
		Stream: stream,
	})
	if err != nil {
		return Frame{}, fmt.Errorf("marshal request: %w", err)
	}
	if err := WriteFrame(c.conn, Frame{Type: MsgTypeRequest, Payload: payload}, c.maxFrameBytes); err != nil {
		return Frame{}, err
	}

	frame, err := ReadFrame(c.conn, c.maxFrameBytes)
	if err != nil {
		return Frame{}, err
	}
	if frame.Type == MsgTypeError {
		var wire ErrorResponse
		if err := json.Unmarshal(frame.Payload, &wire); err != nil {
			return Frame{}, fmt.Errorf("malformed error response: %w", err)
		}
		return Frame{}, &CallError{Category: wire.Category, Message: wire.Message}
	}
	return frame, nil
}

// CallError is a server-reported failure.
type CallError struct {
	Category string
	Message  string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}
