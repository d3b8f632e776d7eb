package evbacktest

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"evbacktest/internal/api"
)

// GRPCClient calls the Backtester gRPC service of an evbacktest-server.
type GRPCClient struct {
	conn *grpc.ClientConn
}

// DialGRPC creates a client for the gRPC service at addr. Connections are
// plaintext; extra options are applied after the defaults.
func DialGRPC(addr string, opts ...grpc.DialOption) (*GRPCClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.JSONCodecName)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &GRPCClient{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *GRPCClient) Close() error { return c.conn.Close() }

// Strategies lists the registered strategy names.
func (c *GRPCClient) Strategies(ctx context.Context) ([]string, error) {
	var out api.StrategiesResponse
	if err := c.conn.Invoke(ctx, api.MethodStrategies, &api.StrategiesRequest{}, &out); err != nil {
		return nil, fromStatus(err)
	}
	return out.Strategies, nil
}

// Backtest runs one backtest on the server.
func (c *GRPCClient) Backtest(ctx context.Context, req BacktestRequest) (*Run, error) {
	var out Run
	if err := c.conn.Invoke(ctx, api.MethodBacktest, &req, &out); err != nil {
		return nil, fromStatus(err)
	}
	return &out, nil
}

// Sweep runs a parameter grid, best result first.
func (c *GRPCClient) Sweep(ctx context.Context, req SweepRequest) ([]Run, error) {
	var out api.SweepResponse
	if err := c.conn.Invoke(ctx, api.MethodSweep, &req, &out); err != nil {
		return nil, fromStatus(err)
	}
	return out.Results, nil
}

// fromStatus turns a gRPC status carrying the server's ErrorInfo into an
// *APIError, so callers handle both transports alike.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != api.ErrorDomain {
			continue
		}
		httpStatus := http.StatusInternalServerError
		switch st.Code() {
		case codes.InvalidArgument:
			httpStatus = http.StatusBadRequest
		case codes.NotFound:
			httpStatus = http.StatusNotFound
		}
		return &APIError{Status: httpStatus, Code: info.GetReason(), Message: st.Message()}
	}
	return err
}
