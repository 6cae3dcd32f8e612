// Flowkernel Server
//
// Standalone control-plane kernel for agentic pipelines. Exposes the
// kernel over gRPC and a framed socket transport, with an HTTP admin
// surface for health, status, and metrics.
//
// Usage:
//
//	flowkernel                              # Defaults: gRPC :50051, admin :8080
//	flowkernel --rpc-addr :9000             # Custom gRPC port
//	flowkernel --ipc-socket /tmp/fk.sock    # Enable the framed socket transport
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/jeeves-cluster-organization/flowkernel/commbus"
	"github.com/jeeves-cluster-organization/flowkernel/coreengine/api"
	"github.com/jeeves-cluster-organization/flowkernel/coreengine/config"
	"github.com/jeeves-cluster-organization/flowkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/flowkernel/coreengine/observability"
	"github.com/jeeves-cluster-organization/flowkernel/coreengine/rpc"
	"github.com/jeeves-cluster-organization/flowkernel/ipc"
)

const version = "1.0.0"

// slogLogger adapts slog to the kernel logger interface.
type slogLogger struct {
	l *slog.Logger
}

func (l *slogLogger) Debug(msg string, keysAndValues ...any) { l.l.Debug(msg, keysAndValues...) }
func (l *slogLogger) Info(msg string, keysAndValues ...any)  { l.l.Info(msg, keysAndValues...) }
func (l *slogLogger) Warn(msg string, keysAndValues ...any)  { l.l.Warn(msg, keysAndValues...) }
func (l *slogLogger) Error(msg string, keysAndValues ...any) { l.l.Error(msg, keysAndValues...) }

func newLogger(level, format string) *slogLogger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return &slogLogger{l: slog.New(handler)}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "flowkernel",
		Short:   "Control-plane kernel for agentic pipelines",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("rpc-addr", ":50051", "gRPC server address")
	flags.String("ipc-socket", "", "Framed socket transport path (disabled when empty)")
	flags.Int("ipc-max-frame-bytes", ipc.DefaultMaxFrameLength, "Frame length cap for the socket transport")
	flags.String("admin-addr", ":8080", "HTTP admin address (health, status, metrics)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "json", "Log format (json, text)")
	flags.String("otlp-endpoint", "", "OTLP trace collector endpoint (disabled when empty)")
	viper.BindPFlags(flags)

	viper.SetConfigName("flowkernel")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/flowkernel")
	viper.SetEnvPrefix("FLOWKERNEL")
	viper.AutomaticEnv()

	return rootCmd
}

func loadKernelConfig() *config.KernelConfig {
	cfg := config.DefaultKernelConfig()
	if sub := viper.Sub("kernel"); sub != nil {
		sub.Unmarshal(cfg)
	}
	return cfg
}

func runServer() error {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config: %w", err)
		}
	}

	logger := newLogger(viper.GetString("log-level"), viper.GetString("log-format"))
	logger.Info("flowkernel_starting", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if endpoint := viper.GetString("otlp-endpoint"); endpoint != "" {
		shutdown, err := observability.InitTracer("flowkernel", endpoint)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(shutdownCtx)
		}()
		logger.Info("tracing_enabled", "endpoint", endpoint)
	}

	kernelCfg := loadKernelConfig()
	k := kernel.NewKernel(kernelCfg, logger)
	service := api.NewService(k, logger)
	cleanup := kernel.NewCleanupService(k, kernelCfg, logger)

	bus := commbus.NewInMemoryCommBus(30*time.Second, logger)
	bus.AddMiddleware(commbus.NewLoggingMiddleware(logger))
	wireBus(bus, k, cleanup)
	logger.Info("kernel_created")

	group, groupCtx := errgroup.WithContext(ctx)

	rpcServer := rpc.NewGracefulServer(rpc.NewKernelServer(service, logger), viper.GetString("rpc-addr"))
	group.Go(func() error {
		err := rpcServer.Start(groupCtx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	if socketPath := viper.GetString("ipc-socket"); socketPath != "" {
		os.Remove(socketPath)
		ln, err := net.Listen("unix", socketPath)
		if err != nil {
			return fmt.Errorf("listen %s: %w", socketPath, err)
		}
		ipcServer := ipc.NewServer(service, logger, viper.GetInt("ipc-max-frame-bytes"))
		group.Go(func() error {
			err := ipcServer.Serve(groupCtx, ln)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	group.Go(func() error {
		err := cleanup.Run(groupCtx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	adminAddr := viper.GetString("admin-addr")
	admin := newAdminServer(k, bus, adminAddr)
	group.Go(func() error {
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return admin.Shutdown(shutdownCtx)
	})

	logger.Info("flowkernel_ready",
		"rpc_addr", viper.GetString("rpc-addr"),
		"admin_addr", adminAddr,
	)

	err := group.Wait()

	k.Shutdown("server shutting down")
	logger.Info("flowkernel_stopped")
	return err
}

// wireBus connects kernel events and maintenance handlers to the bus.
// Kernel events fan out to telemetry subscribers; health, status, and
// cleanup requests route back into the kernel.
func wireBus(bus *commbus.InMemoryCommBus, k *kernel.Kernel, cleanup *kernel.CleanupService) {
	k.OnEvent(func(evt *kernel.KernelEvent) {
		if msg := commbus.FromKernelEvent(evt); msg != nil {
			bus.Publish(context.Background(), msg)
		}
	})

	bus.Subscribe("ProcessCreated", func(ctx context.Context, msg commbus.Message) (any, error) {
		observability.RecordProcessCreated(msg.(*commbus.ProcessCreated).Priority)
		return nil, nil
	})
	bus.Subscribe("ProcessStateChanged", func(ctx context.Context, msg commbus.Message) (any, error) {
		changed := msg.(*commbus.ProcessStateChanged)
		observability.RecordStateTransition(changed.OldState, changed.NewState)
		return nil, nil
	})
	bus.Subscribe("ProcessTerminated", func(ctx context.Context, msg commbus.Message) (any, error) {
		observability.RecordProcessTerminated(msg.(*commbus.ProcessTerminated).Reason)
		return nil, nil
	})
	bus.Subscribe("ResourceExhausted", func(ctx context.Context, msg commbus.Message) (any, error) {
		observability.RecordQuotaViolation(msg.(*commbus.ResourceExhausted).Dimension)
		return nil, nil
	})

	bus.RegisterHandler("GetKernelStatus", func(ctx context.Context, msg commbus.Message) (any, error) {
		return k.GetSystemStatus(), nil
	})
	bus.RegisterHandler("HealthCheckRequest", func(ctx context.Context, msg commbus.Message) (any, error) {
		req := msg.(*commbus.HealthCheckRequest)
		return &commbus.HealthCheckResponse{
			Component: req.Component,
			Status:    commbus.HealthStatusHealthy,
			Details:   map[string]any{"version": version},
		}, nil
	})
	bus.RegisterHandler("TriggerCleanup", func(ctx context.Context, msg commbus.Message) (any, error) {
		cleanup.RunCycle()
		return nil, nil
	})
}

func newAdminServer(k *kernel.Kernel, bus *commbus.InMemoryCommBus, addr string) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		result, err := bus.QuerySync(c.Request.Context(), &commbus.HealthCheckRequest{Component: "kernel"})
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	})
	engine.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, k.GetSystemStatus())
	})
	engine.POST("/cleanup", func(c *gin.Context) {
		bus.Send(c.Request.Context(), &commbus.TriggerCleanup{Reason: "admin"})
		c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &http.Server{
		Addr:         addr,
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
