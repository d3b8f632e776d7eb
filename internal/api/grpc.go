package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// BacktestServiceName is the fully qualified gRPC service name.
const BacktestServiceName = "evbacktest.v1.Backtester"

// Full method names of the Backtester service.
const (
	MethodStrategies = "/" + BacktestServiceName + "/Strategies"
	MethodBacktest   = "/" + BacktestServiceName + "/Backtest"
	MethodSweep      = "/" + BacktestServiceName + "/Sweep"
)

// ErrorDomain tags the ErrorInfo detail attached to failed calls. Its Reason
// is the HTTP API error code, e.g. INVALID_CONFIG.
const ErrorDomain = "evbacktest"

// JSONCodecName is the content subtype the Backtester service is spoken in.
// Clients select it with grpc.CallContentSubtype(JSONCodecName).
const JSONCodecName = "json"

func init() { encoding.RegisterCodec(jsonCodec{}) }

// jsonCodec carries the same request and response types as the HTTP API,
// so both surfaces share one wire shape.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

// BacktestServiceServer is the server API of the Backtester gRPC service.
type BacktestServiceServer interface {
	Strategies(context.Context, *StrategiesRequest) (*StrategiesResponse, error)
	Backtest(context.Context, *BacktestRequest) (*RunJSON, error)
	Sweep(context.Context, *SweepRequest) (*SweepResponse, error)
}

var backtestServiceDesc = grpc.ServiceDesc{
	ServiceName: BacktestServiceName,
	HandlerType: (*BacktestServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Strategies", Handler: unaryHandler(MethodStrategies, BacktestServiceServer.Strategies)},
		{MethodName: "Backtest", Handler: unaryHandler(MethodBacktest, BacktestServiceServer.Backtest)},
		{MethodName: "Sweep", Handler: unaryHandler(MethodSweep, BacktestServiceServer.Sweep)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "evbacktest/v1/backtester",
}

// RegisterBacktestServiceServer registers srv on gs.
func RegisterBacktestServiceServer(gs grpc.ServiceRegistrar, srv BacktestServiceServer) {
	gs.RegisterService(&backtestServiceDesc, srv)
}

func unaryHandler[Req, Resp any](fullMethod string, call func(BacktestServiceServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		svc := srv.(BacktestServiceServer)
		if interceptor == nil {
			return call(svc, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(svc, ctx, req.(*Req))
		})
	}
}

// grpcService adapts the Server to BacktestServiceServer.
type grpcService struct {
	s *Server
}

var _ BacktestServiceServer = grpcService{}

func (g grpcService) Strategies(context.Context, *StrategiesRequest) (*StrategiesResponse, error) {
	return &StrategiesResponse{Strategies: g.s.deps.Backtester.Registry().List()}, nil
}

func (g grpcService) Backtest(ctx context.Context, req *BacktestRequest) (*RunJSON, error) {
	out, err := g.s.backtest(ctx, *req)
	if err != nil {
		return nil, grpcError(err)
	}
	return &out, nil
}

func (g grpcService) Sweep(ctx context.Context, req *SweepRequest) (*SweepResponse, error) {
	out, err := g.s.sweep(ctx, *req)
	if err != nil {
		return nil, grpcError(err)
	}
	return &out, nil
}

// grpcError maps err onto a gRPC status the same way the HTTP API picks a
// status code, and attaches the API error code as an ErrorInfo detail.
func grpcError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	httpStatus, apiCode := classify(err)
	code := codes.Internal
	switch httpStatus {
	case http.StatusBadRequest:
		code = codes.InvalidArgument
	case http.StatusNotFound:
		code = codes.NotFound
	}
	st := status.New(code, err.Error())
	if detailed, derr := st.WithDetails(&errdetails.ErrorInfo{Reason: apiCode, Domain: ErrorDomain}); derr == nil {
		st = detailed
	}
	return st.Err()
}

// newGRPCServer builds the gRPC server: the Backtester service, the standard
// health service and server reflection.
func (s *Server) newGRPCServer() (*grpc.Server, *health.Server) {
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcLogger(s.log)))
	RegisterBacktestServiceServer(gs, grpcService{s: s})

	hs := health.NewServer()
	hs.SetServingStatus(BacktestServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)
	return gs, hs
}

// grpcLogger logs each unary call like requestLogger logs HTTP requests.
func grpcLogger(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		level := slog.LevelInfo
		if code == codes.Internal || code == codes.Unknown {
			level = slog.LevelError
		}
		log.Log(ctx, level, "rpc",
			"method", info.FullMethod,
			"code", code.String(),
			"latency", time.Since(start),
		)
		return resp, err
	}
}
