package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ismaiel54/fix-order-gateway/internal/chaos"
	"github.com/ismaiel54/fix-order-gateway/internal/client"
	"github.com/ismaiel54/fix-order-gateway/internal/config"
	"github.com/ismaiel54/fix-order-gateway/internal/logging"
	"github.com/ismaiel54/fix-order-gateway/internal/observability"
	"github.com/ismaiel54/fix-order-gateway/internal/session"
	"github.com/ismaiel54/fix-order-gateway/internal/store"
	"github.com/ismaiel54/fix-order-gateway/internal/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func main() {
	cfg, err := config.LoadConfig("client")
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	var (
		runFor      = flag.Duration("run-for", cfg.RunFor, "How long to stay logged on before logging out")
		untilClosed = flag.Bool("until-closed", true, "Log out early once every order is filled, canceled or rejected")
	)
	flag.Parse()

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if len(cfg.Sessions) != 1 || cfg.Sessions[0].Role != session.RoleInitiator {
		logger.Fatal("client needs exactly one initiator session", zap.Int("sessions", len(cfg.Sessions)))
	}
	sc := cfg.Sessions[0]

	logger.Info("starting client",
		zap.String("session_id", sc.Settings().ID()),
		zap.String("broker_addr", sc.DialAddr()),
		zap.Int("orders", len(cfg.Orders)),
		zap.Duration("run_for", *runFor),
	)

	factory, err := store.Open(cfg.StoreBackend, cfg.DataDir)
	if err != nil {
		logger.Fatal("failed to open message store", zap.Error(err))
	}
	defer factory.Close()

	tracker := client.NewTracker()
	app := client.NewApplication(cfg.Orders, tracker, clock.New(), logger)

	s, err := session.New(sc.Settings(), factory, app, session.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to create session", zap.Error(err))
	}
	registry := session.NewRegistry()
	registry.Register(s)

	var wrap transport.Wrapper
	if cfg.Chaos.Enabled {
		faults, err := chaos.New(&cfg.Chaos, clock.New(), logger)
		if err != nil {
			logger.Fatal("invalid chaos configuration", zap.Error(err))
		}
		wrap = faults.Wrap(s.ID())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ops surface
	healthChecker := observability.NewHealthChecker(logger)
	grpcServer := grpc.NewServer()
	healthChecker.RegisterGRPC(grpcServer)

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		logger.Fatal("failed to listen on gRPC port", zap.Error(err))
	}
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()
	go func() {
		router := observability.NewRouter(healthChecker, registry, nil)
		if err := healthChecker.StartHTTPServer(cfg.HTTPAddr(), router); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Connect, reconnecting with backoff until logout
	initiator := transport.NewInitiator(sc.DialAddr(), s, transport.DefaultBackoff, wrap, logger)
	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- initiator.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-app.LoggedOn():
		healthChecker.SetReady(true)
		exitCode = awaitOrders(app, tracker, *runFor, *untilClosed, sigCh, runErrCh, logger)
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-runErrCh:
		logger.Error("session ended before logon", zap.Error(err))
		exitCode = 1
	}

	// Graceful logout, then stop reconnecting
	if err := s.Logout("client done"); err == nil {
		select {
		case err := <-runErrCh:
			if err != nil {
				logger.Warn("session ended with error", zap.Error(err))
			}
		case <-time.After(sc.Settings().LogoutTimeout + time.Second):
			logger.Warn("logout not acknowledged in time")
		}
	} else if !errors.Is(err, session.ErrNotActive) {
		logger.Warn("logout failed", zap.Error(err))
	}
	cancel()

	for _, o := range tracker.Orders() {
		logger.Info("order summary",
			zap.String("cl_ord_id", o.ClOrdID),
			zap.String("order_id", o.OrderID),
			zap.String("ord_status", o.OrdStatus),
			zap.String("cum_qty", o.CumQty),
			zap.String("leaves_qty", o.LeavesQty),
			zap.String("avg_px", o.AvgPx),
		)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("client stopped")
	if exitCode != 0 {
		logger.Sync()
		os.Exit(exitCode)
	}
}

// awaitOrders waits for runFor, or until every configured order is closed
// when untilClosed is set
func awaitOrders(app *client.Application, tracker *client.Tracker, runFor time.Duration, untilClosed bool,
	sigCh <-chan os.Signal, runErrCh <-chan error, logger *zap.Logger) int {
	deadline := time.NewTimer(runFor)
	defer deadline.Stop()
	poll := time.NewTicker(200 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-deadline.C:
			logger.Info("run time elapsed")
			return 0
		case <-poll.C:
			if untilClosed && tracker.AllTerminal(app.ClOrdIDs()) {
				logger.Info("all orders closed")
				return 0
			}
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			return 0
		case err := <-runErrCh:
			logger.Error("session ended", zap.Error(err))
			return 1
		}
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.LogFile != "" {
		return logging.NewLoggerWithFile(cfg.ServiceName, cfg.LogLevel, cfg.LogFile)
	}
	return logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
}
