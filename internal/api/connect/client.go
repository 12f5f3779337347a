package connect

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the control API.
type Client struct {
	httpClient connect.HTTPClient
	baseURL    string
	opts       []connect.ClientOption
}

// NewClient creates a control API client authenticating with token.
func NewClient(httpClient connect.HTTPClient, baseURL, token string, opts ...connect.ClientOption) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts = append(opts, connect.WithInterceptors(NewTokenInterceptor(token)))
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		opts:       opts,
	}
}

// Call invokes a unary procedure with the given fields.
func (c *Client) Call(ctx context.Context, procedure string, fields map[string]any) (*structpb.Struct, error) {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}
	client := connect.NewClient[structpb.Struct, structpb.Struct](c.httpClient, c.baseURL+procedure, c.opts...)
	resp, err := client.CallUnary(ctx, connect.NewRequest(msg))
	if err != nil {
		return nil, errors.Wrapf(err, "call %s", procedure)
	}
	return resp.Msg, nil
}

// Watch streams snapshots to fn until ctx ends, the stream closes, or fn returns an error.
func (c *Client) Watch(ctx context.Context, guildID string, fn func(*structpb.Struct) error) error {
	msg, err := structpb.NewStruct(map[string]any{"guild_id": guildID})
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	client := connect.NewClient[structpb.Struct, structpb.Struct](c.httpClient, c.baseURL+ProcedureWatch, c.opts...)
	stream, err := client.CallServerStream(ctx, connect.NewRequest(msg))
	if err != nil {
		return errors.Wrap(err, "open watch stream")
	}
	defer stream.Close()

	for stream.Receive() {
		if err := fn(stream.Msg()); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "watch stream")
	}
	return nil
}
