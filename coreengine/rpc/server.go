package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/jeeves-cluster-organization/flowkernel/coreengine/api"
	"github.com/jeeves-cluster-organization/flowkernel/coreengine/kernel"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "flowkernel.Kernel"

// InvokeMethod is the full method path for the generic invoke call.
const InvokeMethod = "/" + ServiceName + "/Invoke"

// InvokeRequest is the generic call envelope. Method selects the kernel
// operation; Params carries its JSON request body.
type InvokeRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// InvokeResponse carries the JSON result of a successful call.
type InvokeResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// KernelServer serves the call surface over gRPC.
type KernelServer struct {
	service *api.Service
	logger  kernel.Logger
}

// NewKernelServer creates the gRPC front for a call surface.
func NewKernelServer(service *api.Service, logger kernel.Logger) *KernelServer {
	if logger == nil {
		logger = kernel.NopLogger{}
	}
	return &KernelServer{service: service, logger: logger}
}

// Invoke executes one kernel method call.
func (s *KernelServer) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	result, err := s.service.Dispatch(ctx, req.Method, req.Params)
	if err != nil {
		return nil, statusFromError(err)
	}
	body, err := json.Marshal(result)
	if err != nil {
		return nil, statusFromError(kernel.WrapInternal("rpc.Invoke", err))
	}
	return &InvokeResponse{Result: body}, nil
}

// kernelInvoker is the handler type the service descriptor binds to.
type kernelInvoker interface {
	Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error)
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(InvokeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(kernelInvoker).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: InvokeMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(kernelInvoker).Invoke(ctx, req.(*InvokeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// serviceDesc registers the service without generated stubs. The JSON
// codec carries the messages, so no proto descriptor is needed.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*kernelInvoker)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Invoke",
			Handler:    invokeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flowkernel/kernel",
}

// RegisterKernelServer registers the kernel service on a gRPC server.
func RegisterKernelServer(grpcServer *grpc.Server, server *KernelServer) {
	grpcServer.RegisterService(&serviceDesc, server)
}

// =============================================================================
// Graceful Server
// =============================================================================

// GracefulServer wraps a gRPC server with graceful shutdown support.
// It listens for context cancellation and shuts down cleanly.
type GracefulServer struct {
	grpcServer *grpc.Server
	coreServer *KernelServer
	address    string
	listener   net.Listener
	shutdownMu sync.Mutex
	isShutdown bool
}

// NewGracefulServer creates a GracefulServer with the standard option
// set plus OpenTelemetry instrumentation.
func NewGracefulServer(coreServer *KernelServer, address string, opts ...grpc.ServerOption) *GracefulServer {
	if len(opts) == 0 {
		opts = ServerOptions(coreServer.logger)
		opts = append(opts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	}

	grpcServer := grpc.NewServer(opts...)
	RegisterKernelServer(grpcServer, coreServer)

	return &GracefulServer{
		grpcServer: grpcServer,
		coreServer: coreServer,
		address:    address,
	}
}

// Start starts the server and blocks until ctx is cancelled. When ctx
// is cancelled, it performs graceful shutdown.
func (s *GracefulServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis

	s.coreServer.logger.Info("rpc_server_started",
		"address", s.address,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.coreServer.logger.Info("rpc_shutdown_initiated",
			"reason", ctx.Err().Error(),
		)
		s.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// GracefulStop stops accepting new connections and waits for in-flight
// calls to complete.
func (s *GracefulServer) GracefulStop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.coreServer.logger.Info("rpc_graceful_stop_started")
	s.grpcServer.GracefulStop()
	s.coreServer.logger.Info("rpc_graceful_stop_completed")
}

// Stop immediately stops the server. Use GracefulStop for production;
// this is for emergency shutdown.
func (s *GracefulServer) Stop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.coreServer.logger.Warn("rpc_immediate_stop")
	s.grpcServer.Stop()
}

// ShutdownWithTimeout performs graceful shutdown with a timeout. If
// shutdown does not complete within timeout, it forces an immediate stop.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})

	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(timeout):
		s.coreServer.logger.Warn("rpc_graceful_shutdown_timeout",
			"timeout_ms", timeout.Milliseconds(),
		)
		s.grpcServer.Stop()
	}
}

// GetGRPCServer returns the underlying grpc.Server.
func (s *GracefulServer) GetGRPCServer() *grpc.Server {
	return s.grpcServer
}

// Address returns the server address.
func (s *GracefulServer) Address() string {
	return s.address
}
