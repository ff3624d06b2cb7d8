// Package client is the daemon's gRPC client used by chatsyncctl.
package client

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewFromConn wraps an existing connection.
func NewFromConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Call invokes a unary method with request fields.
func (c *Client) Call(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch streams bus events whose kind starts with prefix. fn runs for each
// event until it returns false, the stream fails or ctx ends.
func (c *Client) Watch(ctx context.Context, prefix string, fn func(*structpb.Struct) bool) error {
	desc := &api.ServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, fullMethod(api.MethodWatchEvents))
	if err != nil {
		return err
	}
	events := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	req, err := structpb.NewStruct(map[string]any{"prefix": prefix})
	if err != nil {
		return err
	}
	if err := events.SendMsg(req); err != nil {
		return err
	}
	if err := events.CloseSend(); err != nil {
		return err
	}
	for {
		evt, err := events.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !fn(evt) {
			return nil
		}
	}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func fullMethod(method string) string {
	return "/" + api.ServiceName + "/" + method
}
