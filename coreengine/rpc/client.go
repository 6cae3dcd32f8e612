package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a thin gRPC client for the kernel service. It speaks the
// same JSON codec as the server, so no generated stubs are required.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient connects to a kernel RPC server over plaintext.
func NewClient(address string) (*Client, error) {
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Invoke calls one kernel method and returns the raw JSON result.
func (c *Client) Invoke(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		body, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = body
	}
	req := &InvokeRequest{Method: method, Params: raw}
	resp := &InvokeResponse{}
	if err := c.conn.Invoke(ctx, InvokeMethod, req, resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// InvokeInto calls one kernel method and decodes the result into out.
func (c *Client) InvokeInto(ctx context.Context, method string, params, out any) error {
	result, err := c.Invoke(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
