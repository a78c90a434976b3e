package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/recsys-proxy-cache/recsys-proxy-cache/proxy"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "recsys.RecsysProxyCache"
	// GetScoresMethod is the full method name of GetScores.
	GetScoresMethod = "/" + ServiceName + "/GetScores"
)

// RecsysProxyCacheServer is the server API of the scoring service.
type RecsysProxyCacheServer interface {
	GetScores(context.Context, *proxy.ScoreRequest) (*proxy.ScoreResponse, error)
}

// RegisterRecsysProxyCacheServer registers srv on s.
func RegisterRecsysProxyCacheServer(s grpc.ServiceRegistrar, srv RecsysProxyCacheServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RecsysProxyCacheServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetScores", Handler: getScoresHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "recsys.proto",
}

func getScoresHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(proxy.ScoreRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RecsysProxyCacheServer).GetScores(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetScoresMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RecsysProxyCacheServer).GetScores(ctx, req.(*proxy.ScoreRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls a remote scoring service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target. Without extra options the connection is plaintext.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Conn returns the underlying connection.
func (c *Client) Conn() *grpc.ClientConn { return c.conn }

// GetScores scores one batch remotely.
func (c *Client) GetScores(ctx context.Context, req *proxy.ScoreRequest, opts ...grpc.CallOption) (*proxy.ScoreResponse, error) {
	out := new(proxy.ScoreResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.conn.Invoke(ctx, GetScoresMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }
