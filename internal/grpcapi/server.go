// Package grpcapi serves authorization checks to other services over gRPC.
//
// There is no generated stub: the Authorizer service is described by hand
// and carries google.protobuf.Struct messages, so callers only need the
// well-known types.
package grpcapi

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"warden.dev/internal/auth"
	"warden.dev/internal/obs"
)

const (
	ServiceName     = "warden.authz.v1.Authorizer"
	AuthorizeMethod = "/" + ServiceName + "/Authorize"
)

// Gate is the part of auth.Gate the server needs.
type Gate interface {
	Authorize(ctx context.Context, accessToken, required string) (auth.Principal, error)
}

// AuthorizerServer is implemented by Server; it exists for the service
// descriptor's handler type check.
type AuthorizerServer interface {
	Authorize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// Server answers "may this token do that" for other services.
type Server struct {
	gate Gate
	log  *zap.Logger
}

func New(gate Gate, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{gate: gate, log: log}
}

// Authorize expects {"token": "...", "permission": "resource:action"}. The
// token may also come from the authorization metadata. An empty permission
// only checks the token and the account state.
func (s *Server) Authorize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token := stringField(req, "token")
	if token == "" {
		token = tokenFromMetadata(ctx)
	}
	if token == "" {
		obs.ObserveAuthz("grpc", false)
		return nil, status.Error(codes.Unauthenticated, "token is required")
	}
	p, err := s.gate.Authorize(ctx, token, stringField(req, "permission"))
	if err != nil {
		obs.ObserveAuthz("grpc", false)
		return nil, s.toStatus(err)
	}
	obs.ObserveAuthz("grpc", true)

	perms := p.PermissionList()
	list := make([]any, len(perms))
	for i, name := range perms {
		list[i] = name
	}
	resp, err := structpb.NewStruct(map[string]any{
		"user_id":      p.User.ID,
		"email":        p.User.Email,
		"is_superuser": p.User.IsSuperuser,
		"permissions":  list,
	})
	if err != nil {
		return nil, s.toStatus(err)
	}
	return resp, nil
}

func (s *Server) toStatus(err error) error {
	switch {
	case auth.IsTokenError(err):
		return status.Error(codes.Unauthenticated, "invalid token")
	case errors.Is(err, auth.ErrUserInactive):
		return status.Error(codes.PermissionDenied, auth.ErrUserInactive.Error())
	case errors.Is(err, auth.ErrPermissionDenied):
		return status.Error(codes.PermissionDenied, auth.ErrPermissionDenied.Error())
	case errors.Is(err, auth.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		s.log.Error("authorize failed", zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
}

func stringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	v, ok := s.GetFields()[key]
	if !ok {
		return ""
	}
	return strings.TrimSpace(v.GetStringValue())
}

func tokenFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get("authorization") {
		if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
			return strings.TrimSpace(v[7:])
		}
	}
	return ""
}

func authorizeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthorizerServer).Authorize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: AuthorizeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuthorizerServer).Authorize(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes warden.authz.v1.Authorizer.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthorizerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Authorize", Handler: authorizeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "warden/authz/v1/authorizer.proto",
}

// NewGRPCServer builds a server with the Authorizer and the standard health
// service registered. The health status starts as SERVING.
func NewGRPCServer(srv *Server, log *zap.Logger) (*grpc.Server, *health.Server) {
	if log == nil {
		log = zap.NewNop()
	}
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(recoverUnary(log), logUnary(log)))
	gs.RegisterService(&ServiceDesc, srv)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

func logUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("duration", time.Since(start)),
		}
		if code == codes.Internal || code == codes.Unknown {
			log.Error("grpc request", fields...)
		} else {
			log.Debug("grpc request", fields...)
		}
		return resp, err
	}
}

func recoverUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic in grpc handler",
					zap.String("method", info.FullMethod),
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()))
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// Client calls a remote Authorizer.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target. Without options the transport is insecure.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// WithBearer forwards the caller's token as authorization metadata, for
// requests that leave the token field empty.
func WithBearer(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

// Decision is the decoded Authorize response.
type Decision struct {
	UserID      string
	Email       string
	IsSuperuser bool
	Permissions []string
}

func (c *Client) Authorize(ctx context.Context, token, permission string, opts ...grpc.CallOption) (Decision, error) {
	req, err := structpb.NewStruct(map[string]any{"token": token, "permission": permission})
	if err != nil {
		return Decision{}, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, AuthorizeMethod, req, resp, opts...); err != nil {
		return Decision{}, err
	}
	d := Decision{
		UserID:      stringField(resp, "user_id"),
		Email:       stringField(resp, "email"),
		IsSuperuser: resp.GetFields()["is_superuser"].GetBoolValue(),
	}
	for _, v := range resp.GetFields()["permissions"].GetListValue().GetValues() {
		d.Permissions = append(d.Permissions, v.GetStringValue())
	}
	return d, nil
}
